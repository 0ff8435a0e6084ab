// Package config loads the daemon configuration from a JSON or YAML file,
// fills in defaults and validates the values the liveness loop depends on.
package config
