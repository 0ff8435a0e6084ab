// Package api exposes the agent's admin surface over HTTP: heartbeat state and
// control, on-demand challenge solving, registration, network status and the
// Prometheus metrics endpoint.
package api
