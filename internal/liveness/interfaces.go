package liveness

import (
	"context"

	"AgentPulse/internal/gateway"
)

//go:generate mockgen -source=interfaces.go -destination=./mock_interfaces.go -package=liveness

// HeartbeatSender delivers one signed heartbeat to the network.
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context, address, signature string) (*gateway.HeartbeatAck, error)
}
