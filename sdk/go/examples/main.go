package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"AgentPulse/internal/agent"
	"AgentPulse/internal/api"
	"AgentPulse/internal/challenge"
	"AgentPulse/internal/gateway"
	"AgentPulse/internal/gateway/gatewaytest"
	"AgentPulse/internal/liveness"
	"AgentPulse/internal/wallet"
	"AgentPulse/pkg/logger"
	"AgentPulse/sdk/go/pulse"
)

// Runs a daemon against an in-process network and drives it through the SDK.
func main() {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	signer, err := wallet.NewKeySigner(key)
	if err != nil {
		panic(err)
	}

	network := gatewaytest.NewNetwork()
	network.SetChallenge(&challenge.Challenge{ID: "demo", Difficulty: 8, Data: "hello"})
	gw, err := network.Dial(gateway.DefaultNamespace)
	if err != nil {
		panic(err)
	}
	defer gw.Close()

	loop, err := liveness.New(gw, signer, 2*time.Second, liveness.WithLogger(logger.Discard()))
	if err != nil {
		panic(err)
	}
	defer loop.Wait()
	defer loop.Stop()
	a := agent.New(gw, signer, agent.WithLogger(logger.Discard()))

	srv := httptest.NewServer(api.NewServer("", loop, a, api.WithLogger(logger.Discard())).Handler())
	defer srv.Close()

	client, err := pulse.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reg, err := client.Register(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered as %s\n", reg.AgentID)

	beat, err := client.StartHeartbeat(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("heartbeat running=%v count=%d\n", beat.Heartbeat.Running, beat.Heartbeat.HeartbeatCount)

	report, err := client.Solve(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("challenge %s: %s after %d attempts (reward %s)\n", report.ChallengeID, report.Outcome, report.Attempts, report.Reward)

	status, err := client.NetworkStatus(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("network: solved=%d rewards=%s\n", status.ChallengesSolved, status.TotalRewards)
}
