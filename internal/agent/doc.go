// Package agent orchestrates the challenge workflow of a network agent:
// fetch the current proof-of-work challenge, solve it locally, sign the
// solution and submit it. It also covers one-off registration and status
// queries against the network.
package agent
