package gateway

import (
	"context"
	stdErrors "errors"
	"strconv"
	"strings"
	"sync"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentPulse/internal/challenge"
	xerrors "AgentPulse/internal/errors"
)

const (
	// DefaultNamespace prefixes every JSON-RPC method, e.g. agent_heartbeat.
	DefaultNamespace = "agent"
	// DefaultTimeout bounds a single remote call.
	DefaultTimeout = 15 * time.Second
)

// Method names relative to the namespace.
const (
	MethodHeartbeat      = "heartbeat"
	MethodGetChallenge   = "getChallenge"
	MethodSubmitSolution = "submitSolution"
	MethodRegister       = "register"
	MethodStatus         = "status"
)

// Config describes how to reach the network's JSON-RPC endpoint.
type Config struct {
	RPCURL    string
	Namespace string
	Timeout   time.Duration
}

// RPCGateway implements Gateway on top of a go-ethereum rpc.Client.
type RPCGateway struct {
	mu        sync.RWMutex
	client    *gethrpc.Client
	namespace string
	timeout   time.Duration
}

// NewRPCGateway dials the configured endpoint (http, ws or ipc).
func NewRPCGateway(ctx context.Context, cfg Config) (*RPCGateway, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "network rpc_url is not configured")
	}
	client, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "dial network endpoint")
	}
	return NewFromClient(client, cfg.Namespace, cfg.Timeout), nil
}

// NewFromClient wraps an already connected client. The gateway takes
// ownership and closes it in Close.
func NewFromClient(client *gethrpc.Client, namespace string, timeout time.Duration) *RPCGateway {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RPCGateway{client: client, namespace: namespace, timeout: timeout}
}

// SendHeartbeat reports liveness for address.
func (g *RPCGateway) SendHeartbeat(ctx context.Context, address, signature string) (*HeartbeatAck, error) {
	var ack HeartbeatAck
	if err := g.call(ctx, &ack, MethodHeartbeat, address, signature); err != nil {
		return nil, err
	}
	return &ack, nil
}

// FetchChallenge returns the current challenge, or nil when there is none.
func (g *RPCGateway) FetchChallenge(ctx context.Context, address string) (*challenge.Challenge, error) {
	var ch *challenge.Challenge
	if err := g.call(ctx, &ch, MethodGetChallenge, address); err != nil {
		return nil, err
	}
	if ch == nil || strings.TrimSpace(ch.ID) == "" {
		return nil, nil
	}
	return ch, nil
}

// SubmitSolution hands a signed nonce to the network for judgement.
func (g *RPCGateway) SubmitSolution(ctx context.Context, address, challengeID, nonce, signature string) (*challenge.SubmissionResult, error) {
	var result challenge.SubmissionResult
	if err := g.call(ctx, &result, MethodSubmitSolution, address, challengeID, nonce, signature); err != nil {
		return nil, err
	}
	return &result, nil
}

// Register enrols address as an agent.
func (g *RPCGateway) Register(ctx context.Context, address, signature string) (*Registration, error) {
	var reg Registration
	if err := g.call(ctx, &reg, MethodRegister, address, signature); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Status queries what the network knows about address.
func (g *RPCGateway) Status(ctx context.Context, address string) (*AgentStatus, error) {
	var status AgentStatus
	if err := g.call(ctx, &status, MethodStatus, address); err != nil {
		return nil, err
	}
	return &status, nil
}

// Close releases the underlying connection.
func (g *RPCGateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		g.client.Close()
		g.client = nil
	}
}

func (g *RPCGateway) call(ctx context.Context, result any, method string, args ...any) error {
	g.mu.RLock()
	client := g.client
	g.mu.RUnlock()
	if client == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "network gateway is closed")
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	fullMethod := g.namespace + "_" + method
	if err := client.CallContext(callCtx, result, fullMethod, args...); err != nil {
		opts := []xerrors.Option{xerrors.WithMetadata("method", fullMethod)}
		var rpcErr gethrpc.Error
		if stdErrors.As(err, &rpcErr) {
			opts = append(opts, xerrors.WithMetadata("rpc_code", strconv.Itoa(rpcErr.ErrorCode())))
		}
		return xerrors.Wrap(xerrors.CodeNetworkFailure, err, fullMethod+" failed", opts...)
	}
	return nil
}

var _ Gateway = (*RPCGateway)(nil)
