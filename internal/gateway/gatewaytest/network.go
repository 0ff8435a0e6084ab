// Package gatewaytest provides an in-process network that speaks the agent
// JSON-RPC protocol. It verifies signatures and proofs of work the same way
// the real network does and is meant for tests and local development.
package gatewaytest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentPulse/internal/challenge"
	"AgentPulse/internal/gateway"
	"AgentPulse/internal/wallet"
)

// SignatureWindow is how far back a heartbeat timestamp may lie.
const SignatureWindow = 30 * time.Second

// Network keeps per-address state for heartbeats, registrations and rewards.
type Network struct {
	mu sync.Mutex

	now        func() time.Time
	current    *challenge.Challenge
	reward     string
	rejectBeat bool
	failBeat   error

	registered map[string]string
	beats      map[string]uint64
	lastBeat   map[string]int64
	solved     map[string]uint64
	submits    int
}

// Option customises a Network.
type Option func(*Network)

// WithClock overrides the clock used for expiry and signature windows.
func WithClock(now func() time.Time) Option {
	return func(n *Network) {
		if now != nil {
			n.now = now
		}
	}
}

// WithReward sets the reward string returned for accepted solutions.
func WithReward(reward string) Option {
	return func(n *Network) {
		n.reward = reward
	}
}

// NewNetwork creates an empty network with no challenge published.
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		now:        time.Now,
		reward:     "10",
		registered: make(map[string]string),
		beats:      make(map[string]uint64),
		lastBeat:   make(map[string]int64),
		solved:     make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// SetChallenge publishes c as the current challenge; nil withdraws it.
func (n *Network) SetChallenge(c *challenge.Challenge) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c == nil {
		n.current = nil
		return
	}
	copied := *c
	n.current = &copied
}

// RejectHeartbeats makes the network answer heartbeats with acknowledged=false.
func (n *Network) RejectHeartbeats(reject bool) {
	n.mu.Lock()
	n.rejectBeat = reject
	n.mu.Unlock()
}

// FailHeartbeats makes heartbeat calls return err as an RPC error. nil restores normal behaviour.
func (n *Network) FailHeartbeats(err error) {
	n.mu.Lock()
	n.failBeat = err
	n.mu.Unlock()
}

// Heartbeats returns how many valid heartbeats address has sent.
func (n *Network) Heartbeats(address string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.beats[strings.ToLower(address)]
}

// Submissions counts every submitSolution call, valid or not.
func (n *Network) Submissions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submits
}

// Server returns a JSON-RPC server exposing the network under namespace.
func (n *Network) Server(namespace string) (*gethrpc.Server, error) {
	if namespace == "" {
		namespace = gateway.DefaultNamespace
	}
	srv := gethrpc.NewServer()
	if err := srv.RegisterName(namespace, &service{n: n}); err != nil {
		return nil, err
	}
	return srv, nil
}

// Dial returns a Gateway connected to the network in-process.
func (n *Network) Dial(namespace string) (*gateway.RPCGateway, error) {
	srv, err := n.Server(namespace)
	if err != nil {
		return nil, err
	}
	return gateway.NewFromClient(gethrpc.DialInProc(srv), namespace, 5*time.Second), nil
}

// service carries the exported RPC methods so that Network's own helpers
// are not registered as remote calls.
type service struct {
	n *Network
}

func (s *service) Heartbeat(_ context.Context, address, signature string) (*gateway.HeartbeatAck, error) {
	n := s.n
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failBeat != nil {
		return nil, n.failBeat
	}
	now := n.now()
	if !n.verifyHeartbeat(address, signature, now) {
		return nil, fmt.Errorf("invalid heartbeat signature for %s", address)
	}
	if n.rejectBeat {
		return &gateway.HeartbeatAck{Acknowledged: false}, nil
	}
	key := strings.ToLower(address)
	n.beats[key]++
	n.lastBeat[key] = now.Unix()
	return &gateway.HeartbeatAck{
		Acknowledged:     true,
		NextExpectedTime: now.Add(time.Minute).Unix(),
	}, nil
}

func (s *service) GetChallenge(_ context.Context, _ string) (*challenge.Challenge, error) {
	n := s.n
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return nil, nil
	}
	copied := *n.current
	return &copied, nil
}

func (s *service) SubmitSolution(_ context.Context, address, challengeID, nonce, signature string) (*challenge.SubmissionResult, error) {
	n := s.n
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submits++

	message := "solution:" + address + ":" + challengeID + ":" + nonce
	if !signedBy(message, signature, address) {
		return nil, fmt.Errorf("invalid solution signature for %s", address)
	}
	if n.current == nil || n.current.ID != challengeID {
		return &challenge.SubmissionResult{Accepted: false, Message: "unknown challenge"}, nil
	}
	if n.current.Expired(n.now()) {
		return &challenge.SubmissionResult{Accepted: false, Message: "challenge expired"}, nil
	}
	if !challenge.MeetsDifficulty(challenge.Keccak256Hex(n.current.Data+nonce), n.current.Difficulty) {
		return &challenge.SubmissionResult{Accepted: false, Message: "insufficient difficulty"}, nil
	}
	n.solved[strings.ToLower(address)]++
	return &challenge.SubmissionResult{Accepted: true, Reward: n.reward, Message: "solution accepted"}, nil
}

func (s *service) Register(_ context.Context, address, signature string) (*gateway.Registration, error) {
	n := s.n
	n.mu.Lock()
	defer n.mu.Unlock()

	if !signedBy("register:"+address, signature, address) {
		return nil, fmt.Errorf("invalid registration signature for %s", address)
	}
	key := strings.ToLower(address)
	if id, ok := n.registered[key]; ok {
		return &gateway.Registration{AgentID: id, Message: "already registered"}, nil
	}
	id := "agent-" + strconv.Itoa(len(n.registered)+1)
	n.registered[key] = id
	return &gateway.Registration{AgentID: id, Message: "registered"}, nil
}

func (s *service) Status(_ context.Context, address string) (*gateway.AgentStatus, error) {
	n := s.n
	n.mu.Lock()
	defer n.mu.Unlock()

	key := strings.ToLower(address)
	_, registered := n.registered[key]
	last := n.lastBeat[key]
	solved := n.solved[key]
	reward, _ := strconv.ParseUint(n.reward, 10, 64)
	return &gateway.AgentStatus{
		Address:          address,
		Registered:       registered,
		Online:           last > 0 && n.now().Unix()-last <= int64(2*time.Minute/time.Second),
		LastHeartbeat:    last,
		HeartbeatCount:   n.beats[key],
		ChallengesSolved: solved,
		TotalRewards:     strconv.FormatUint(solved*reward, 10),
	}, nil
}

// verifyHeartbeat accepts any timestamp inside the signature window, plus a
// few seconds of forward clock skew.
func (n *Network) verifyHeartbeat(address, signature string, now time.Time) bool {
	end := now.Add(5 * time.Second).Unix()
	for ts := now.Add(-SignatureWindow).Unix(); ts <= end; ts++ {
		if signedBy("heartbeat:"+address+":"+strconv.FormatInt(ts, 10), signature, address) {
			return true
		}
	}
	return false
}

func signedBy(message, signature, address string) bool {
	recovered, err := wallet.RecoverAddress(message, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered, address)
}
