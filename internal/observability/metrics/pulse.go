package metrics

import (
	"fmt"
	"strings"
	"time"
)

// Heartbeat results.
const (
	HeartbeatAcknowledged = "acknowledged"
	HeartbeatFailed       = "failed"
)

// ObserveHeartbeat records one completed heartbeat attempt on the default registry.
func ObserveHeartbeat(result string, duration time.Duration, at time.Time) {
	defaultRegistry.ObserveHeartbeat(result, duration, at)
}

// SetConsecutiveFailures publishes the current failure streak of the liveness loop.
func SetConsecutiveFailures(n int) {
	defaultRegistry.SetConsecutiveFailures(n)
}

// SetLoopRunning flips the loop state gauge.
func SetLoopRunning(running bool) {
	defaultRegistry.SetLoopRunning(running)
}

// ObserveSolve records one challenge workflow run on the default registry.
func ObserveSolve(outcome string, attempts int, duration time.Duration) {
	defaultRegistry.ObserveSolve(outcome, attempts, duration)
}

// ObserveHeartbeat counts a heartbeat attempt by result. The last-success
// gauge only moves on acknowledged heartbeats.
func (r *Registry) ObserveHeartbeat(result string, duration time.Duration, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats[result]++
	r.heartbeatLatency.observe(duration.Seconds())
	if result == HeartbeatAcknowledged {
		r.lastHeartbeat = float64(at.Unix())
	}
}

func (r *Registry) SetConsecutiveFailures(n int) {
	r.mu.Lock()
	r.consecutiveFailures = float64(n)
	r.mu.Unlock()
}

func (r *Registry) SetLoopRunning(running bool) {
	r.mu.Lock()
	if running {
		r.loopRunning = 1
	} else {
		r.loopRunning = 0
	}
	r.mu.Unlock()
}

// ObserveSolve counts a workflow outcome and the candidates it evaluated.
func (r *Registry) ObserveSolve(outcome string, attempts int, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solves[outcome]++
	if attempts > 0 {
		r.solveAttempts += uint64(attempts)
	}
	r.solveDuration.observe(duration.Seconds())
}

func (r *Registry) renderPulse(b *strings.Builder) {
	writeHeader(b, "heartbeats_total", "counter", "Heartbeat attempts by result.")
	for _, s := range sortedCounters(r.heartbeats, "result") {
		fmt.Fprintf(b, "%s_heartbeats_total{%s} %d\n", namespace, s.labels, s.value)
	}
	writeHeader(b, "heartbeat_duration_seconds", "histogram", "Heartbeat round trip in seconds.")
	writeHistogram(b, "heartbeat_duration_seconds", "", r.heartbeatLatency)

	writeHeader(b, "last_heartbeat_timestamp_seconds", "gauge", "Unix time of the last acknowledged heartbeat.")
	fmt.Fprintf(b, "%s_last_heartbeat_timestamp_seconds %s\n", namespace, formatFloat(r.lastHeartbeat))
	writeHeader(b, "heartbeat_consecutive_failures", "gauge", "Failed heartbeats since the last success.")
	fmt.Fprintf(b, "%s_heartbeat_consecutive_failures %s\n", namespace, formatFloat(r.consecutiveFailures))
	writeHeader(b, "liveness_loop_running", "gauge", "1 while the heartbeat loop is started.")
	fmt.Fprintf(b, "%s_liveness_loop_running %s\n", namespace, formatFloat(r.loopRunning))

	writeHeader(b, "challenge_runs_total", "counter", "Challenge workflow runs by outcome.")
	for _, s := range sortedCounters(r.solves, "outcome") {
		fmt.Fprintf(b, "%s_challenge_runs_total{%s} %d\n", namespace, s.labels, s.value)
	}
	writeHeader(b, "challenge_nonce_attempts_total", "counter", "Candidate nonces evaluated by the solver.")
	fmt.Fprintf(b, "%s_challenge_nonce_attempts_total %d\n", namespace, r.solveAttempts)
	writeHeader(b, "challenge_run_duration_seconds", "histogram", "Challenge workflow duration in seconds.")
	writeHistogram(b, "challenge_run_duration_seconds", "", r.solveDuration)
}
