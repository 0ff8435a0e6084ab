package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	xerrors "AgentPulse/internal/errors"
)

type recordingNotifier struct {
	mu      sync.Mutex
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	t.Parallel()

	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, nil, b)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeNetworkFailure, Message: "heartbeat failing"})
	if err == nil || !strings.Contains(err.Error(), "channel b") {
		t.Fatalf("expected joined error from channel b, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("deliveries a=%d b=%d; want 1 each", len(a.events), len(b.events))
	}
	ev := a.events[0]
	if ev.OccurredAt.IsZero() {
		t.Fatal("OccurredAt should be filled in")
	}
	if ev.Severity != xerrors.AttributesOf(xerrors.CodeNetworkFailure).Severity {
		t.Fatalf("severity = %q", ev.Severity)
	}
	if got := d.Channels(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("channels = %v", got)
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	t.Parallel()

	var d *FanoutDispatcher
	if err := d.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher returned %v", err)
	}
}

func TestLogNotifierWritesStructuredEntry(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	err := n.Notify(context.Background(), Event{
		Code:      xerrors.CodeNetworkFailure,
		Message:   "heartbeat failing",
		Failures:  3,
		Threshold: 3,
		Metadata:  map[string]string{"last_error": "dial tcp"},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["level"] != "ERROR" || entry["msg"] != "heartbeat failing" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["meta.last_error"] != "dial tcp" || entry["failures"] != float64(3) {
		t.Fatalf("unexpected attrs %v", entry)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	t.Parallel()

	var got Event
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.Headers = map[string]string{"Authorization": "Bearer t"}
	err := n.Notify(context.Background(), Event{Code: xerrors.CodeSigningFailure, Message: "locked", Failures: 5})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Code != xerrors.CodeSigningFailure || got.Failures != 5 || auth != "Bearer t" {
		t.Fatalf("unexpected delivery %+v auth=%q", got, auth)
	}
}

func TestWebhookNotifierReportsNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for 503")
	}
	if err := NewWebhookNotifier("").Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should be skipped, got %v", err)
	}
}
