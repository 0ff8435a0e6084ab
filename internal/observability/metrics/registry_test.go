package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryRendersHTTPSeries(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.ObserveHTTPRequest("/api/v1/status", http.MethodGet, 200, 30*time.Millisecond)
	r.ObserveHTTPRequest("/api/v1/status", http.MethodGet, 200, 200*time.Millisecond)
	r.ObserveHTTPRequest("/api/v1/challenge/solve", http.MethodPost, 502, 2*time.Second)

	out := r.Render()
	for _, want := range []string{
		`agentpulse_http_requests_total{handler="/api/v1/status",method="GET",code="200"} 2`,
		`agentpulse_http_request_errors_total{handler="/api/v1/challenge/solve",method="POST"} 1`,
		`agentpulse_http_request_duration_seconds_bucket{handler="/api/v1/status",method="GET",le="0.05"} 1`,
		`agentpulse_http_request_duration_seconds_bucket{handler="/api/v1/status",method="GET",le="0.25"} 2`,
		`agentpulse_http_request_duration_seconds_count{handler="/api/v1/status",method="GET"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
	if strings.Contains(out, `errors_total{handler="/api/v1/status"`) {
		t.Fatal("2xx requests must not count as errors")
	}
}

func TestRegistryRendersPulseSeries(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	at := time.Unix(1_700_000_000, 0)
	r.ObserveHeartbeat(HeartbeatAcknowledged, 20*time.Millisecond, at)
	r.ObserveHeartbeat(HeartbeatFailed, 3*time.Second, at.Add(time.Minute))
	r.SetConsecutiveFailures(1)
	r.SetLoopRunning(true)
	r.ObserveSolve("accepted", 300, 40*time.Millisecond)
	r.ObserveSolve("no_challenge", 0, time.Millisecond)

	out := r.Render()
	for _, want := range []string{
		`agentpulse_heartbeats_total{result="acknowledged"} 1`,
		`agentpulse_heartbeats_total{result="failed"} 1`,
		`agentpulse_heartbeat_duration_seconds_count 2`,
		`agentpulse_last_heartbeat_timestamp_seconds 1700000000`,
		`agentpulse_heartbeat_consecutive_failures 1`,
		`agentpulse_liveness_loop_running 1`,
		`agentpulse_challenge_runs_total{outcome="accepted"} 1`,
		`agentpulse_challenge_runs_total{outcome="no_challenge"} 1`,
		`agentpulse_challenge_nonce_attempts_total 300`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in\n%s", want, out)
		}
	}
}

func TestHandlerServesExpositionFormat(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.ObserveSolve("expired", 0, 0)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `outcome="expired"`) {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestEscapeLabelValues(t *testing.T) {
	t.Parallel()

	if got := escape("a\"b\\c\nd"); got != `a\"b\\cd` {
		t.Fatalf("escape = %q", got)
	}
}
