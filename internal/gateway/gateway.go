// Package gateway binds the agent to the remote network. Every call is a
// signed request/response over JSON-RPC; the concrete transport is hidden
// behind the Gateway interface so the liveness loop and the challenge
// workflow can be exercised against in-process fakes.
package gateway

import (
	"context"

	"AgentPulse/internal/challenge"
)

// HeartbeatAck is the network's answer to a heartbeat.
type HeartbeatAck struct {
	Acknowledged     bool  `json:"acknowledged"`
	NextExpectedTime int64 `json:"nextExpectedTime"`
}

// Registration is returned once an address has been registered as an agent.
type Registration struct {
	AgentID string `json:"agentId"`
	Message string `json:"message"`
}

// AgentStatus is the network's view of an agent.
type AgentStatus struct {
	Address          string `json:"address"`
	Registered       bool   `json:"registered"`
	Online           bool   `json:"online"`
	LastHeartbeat    int64  `json:"lastHeartbeat"`
	HeartbeatCount   uint64 `json:"heartbeatCount"`
	ChallengesSolved uint64 `json:"challengesSolved"`
	TotalRewards     string `json:"totalRewards"`
}

// Gateway is the full set of signed remote calls.
type Gateway interface {
	SendHeartbeat(ctx context.Context, address, signature string) (*HeartbeatAck, error)
	// FetchChallenge returns nil when no challenge is currently available.
	FetchChallenge(ctx context.Context, address string) (*challenge.Challenge, error)
	SubmitSolution(ctx context.Context, address, challengeID, nonce, signature string) (*challenge.SubmissionResult, error)
	Register(ctx context.Context, address, signature string) (*Registration, error)
	Status(ctx context.Context, address string) (*AgentStatus, error)
	Close()
}
