// Package pulse is a small client for the AgentPulse admin API.
package pulse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Solving a challenge can take a while, so it is longer than a plain status call needs.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the AgentPulse admin API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Heartbeat mirrors the daemon's heartbeat snapshot.
type Heartbeat struct {
	Running             bool       `json:"running"`
	LastHeartbeatAt     *time.Time `json:"lastHeartbeatAt"`
	HeartbeatCount      uint64     `json:"heartbeatCount"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// SolveReport summarises one challenge run.
type SolveReport struct {
	Outcome     string        `json:"outcome"`
	ChallengeID string        `json:"challengeId,omitempty"`
	Difficulty  int           `json:"difficulty,omitempty"`
	Nonce       string        `json:"nonce,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`
	Reward      string        `json:"reward,omitempty"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	FinishedAt  time.Time     `json:"finishedAt"`
}

// Status is the response of GET /api/v1/status.
type Status struct {
	Address   string       `json:"address"`
	Heartbeat Heartbeat    `json:"heartbeat"`
	LastSolve *SolveReport `json:"lastSolve"`
	Solving   bool         `json:"solving"`
}

// HeartbeatResult is returned by StartHeartbeat and StopHeartbeat. Error holds
// the failure of the first heartbeat, if any; the loop keeps running regardless.
type HeartbeatResult struct {
	Heartbeat Heartbeat `json:"heartbeat"`
	Error     string    `json:"error,omitempty"`
}

// Registration is the network's answer to a registration.
type Registration struct {
	AgentID string `json:"agentId"`
	Message string `json:"message,omitempty"`
}

// NetworkStatus is the network's record of the agent.
type NetworkStatus struct {
	Address          string `json:"address"`
	Registered       bool   `json:"registered"`
	Online           bool   `json:"online"`
	LastHeartbeat    int64  `json:"lastHeartbeat"`
	HeartbeatCount   uint64 `json:"heartbeatCount"`
	ChallengesSolved uint64 `json:"challengesSolved"`
	TotalRewards     string `json:"totalRewards"`
}

// APIError represents a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("pulse api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pulse api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the admin API. When httpClient is nil a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Status returns the heartbeat snapshot and the last challenge run.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.call(ctx, http.MethodGet, "/api/v1/status", &out)
	return out, err
}

// StartHeartbeat starts the liveness loop. Starting a running loop is a no-op.
func (c *Client) StartHeartbeat(ctx context.Context) (HeartbeatResult, error) {
	var out HeartbeatResult
	err := c.call(ctx, http.MethodPost, "/api/v1/heartbeat/start", &out)
	return out, err
}

// StopHeartbeat stops the liveness loop.
func (c *Client) StopHeartbeat(ctx context.Context) (HeartbeatResult, error) {
	var out HeartbeatResult
	err := c.call(ctx, http.MethodPost, "/api/v1/heartbeat/stop", &out)
	return out, err
}

// Solve fetches, solves and submits the current challenge.
func (c *Client) Solve(ctx context.Context) (SolveReport, error) {
	var out SolveReport
	err := c.call(ctx, http.MethodPost, "/api/v1/challenge/solve", &out)
	return out, err
}

// Register registers the agent with the network.
func (c *Client) Register(ctx context.Context) (Registration, error) {
	var out Registration
	err := c.call(ctx, http.MethodPost, "/api/v1/register", &out)
	return out, err
}

// NetworkStatus asks the network what it knows about the agent.
func (c *Client) NetworkStatus(ctx context.Context) (NetworkStatus, error) {
	var out NetworkStatus
	err := c.call(ctx, http.MethodGet, "/api/v1/network/status", &out)
	return out, err
}

func (c *Client) call(ctx context.Context, method, endpoint string, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
