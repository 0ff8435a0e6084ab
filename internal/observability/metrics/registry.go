// Package metrics keeps an in-process set of counters and histograms and
// exposes them in the Prometheus text exposition format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const namespace = "agentpulse"

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets ...float64) *histogram {
	return &histogram{
		buckets: append([]float64(nil), buckets...),
		counts:  make([]uint64, len(buckets)),
	}
}

// observe increments every cumulative bucket whose bound is >= value.
// Values above the last bound only show up in the +Inf bucket via count.
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			h.counts[idx]++
		}
	}
}

func (h *histogram) clone() *histogram {
	return &histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

// Registry holds every series the agent exports.
type Registry struct {
	mu sync.Mutex

	requests map[requestKey]uint64
	errors   map[handlerKey]uint64
	latency  map[handlerKey]*histogram

	heartbeats          map[string]uint64
	heartbeatLatency    *histogram
	lastHeartbeat       float64
	consecutiveFailures float64
	loopRunning         float64

	solves        map[string]uint64
	solveAttempts uint64
	solveDuration *histogram
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		requests:         make(map[requestKey]uint64),
		errors:           make(map[handlerKey]uint64),
		latency:          make(map[handlerKey]*histogram),
		heartbeats:       make(map[string]uint64),
		heartbeatLatency: newHistogram(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15),
		solves:           make(map[string]uint64),
		solveDuration:    newHistogram(0.01, 0.1, 0.5, 1, 5, 15, 60),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry used by the package level helpers.
func Default() *Registry {
	return defaultRegistry
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return defaultRegistry.Handler()
}

// Handler exposes the registry in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, r.Render())
	})
}

// Render returns the current snapshot as exposition text.
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	b.Grow(2048)
	r.renderHTTP(&b)
	r.renderPulse(&b)
	return b.String()
}

type series struct {
	labels string
	value  uint64
}

func sortedCounters(m map[string]uint64, label string) []series {
	out := make([]series, 0, len(m))
	for k, v := range m {
		out = append(out, series{labels: fmt.Sprintf("%s=\"%s\"", label, escape(k)), value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].labels < out[j].labels })
	return out
}

func writeHeader(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s_%s %s\n", namespace, name, help)
	fmt.Fprintf(b, "# TYPE %s_%s %s\n", namespace, name, kind)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	sep := ""
	if labels != "" {
		sep = ","
	}
	for idx, bound := range h.buckets {
		fmt.Fprintf(b, "%s_%s_bucket{%s%sle=\"%s\"} %d\n", namespace, name, labels, sep, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(b, "%s_%s_bucket{%s%sle=\"+Inf\"} %d\n", namespace, name, labels, sep, h.count)
	if labels == "" {
		fmt.Fprintf(b, "%s_%s_sum %s\n", namespace, name, formatFloat(h.sum))
		fmt.Fprintf(b, "%s_%s_count %d\n", namespace, name, h.count)
		return
	}
	fmt.Fprintf(b, "%s_%s_sum{%s} %s\n", namespace, name, labels, formatFloat(h.sum))
	fmt.Fprintf(b, "%s_%s_count{%s} %d\n", namespace, name, labels, h.count)
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
