package agent

import (
	"context"

	"AgentPulse/internal/challenge"
	"AgentPulse/internal/gateway"
)

//go:generate mockgen -source=interfaces.go -destination=./mock_interfaces.go -package=agent

// Gateway 是工作流所需的网络调用。
type Gateway interface {
	FetchChallenge(ctx context.Context, address string) (*challenge.Challenge, error)
	SubmitSolution(ctx context.Context, address, challengeID, nonce, signature string) (*challenge.SubmissionResult, error)
	Register(ctx context.Context, address, signature string) (*gateway.Registration, error)
	Status(ctx context.Context, address string) (*gateway.AgentStatus, error)
}

// Solver 搜索满足难度的 nonce。失败时 Solution.Attempts 为已用掉的尝试次数。
type Solver interface {
	Solve(data string, difficulty int) (challenge.Solution, bool)
}
