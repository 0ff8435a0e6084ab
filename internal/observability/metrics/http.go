package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type handlerKey struct {
	handler string
	method  string
}

func (k handlerKey) labels() string {
	return fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(k.handler), escape(k.method))
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultRegistry.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest records one admin API request.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := handlerKey{handler: handler, method: method}
	if status >= 500 {
		r.errors[key]++
	}
	hist := r.latency[key]
	if hist == nil {
		hist = newHistogram(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
		r.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func (r *Registry) renderHTTP(b *strings.Builder) {
	reqs := make([]requestKey, 0, len(r.requests))
	for key := range r.requests {
		reqs = append(reqs, key)
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler != reqs[j].handler {
			return reqs[i].handler < reqs[j].handler
		}
		if reqs[i].method != reqs[j].method {
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].code < reqs[j].code
	})
	errs := make([]handlerKey, 0, len(r.errors))
	for key := range r.errors {
		errs = append(errs, key)
	}
	lats := make([]handlerKey, 0, len(r.latency))
	for key := range r.latency {
		lats = append(lats, key)
	}
	byHandler := func(keys []handlerKey) func(i, j int) bool {
		return func(i, j int) bool {
			if keys[i].handler != keys[j].handler {
				return keys[i].handler < keys[j].handler
			}
			return keys[i].method < keys[j].method
		}
	}
	sort.Slice(errs, byHandler(errs))
	sort.Slice(lats, byHandler(lats))

	writeHeader(b, "http_requests_total", "counter", "Total number of HTTP requests processed.")
	for _, key := range reqs {
		fmt.Fprintf(b, "%s_http_requests_total{%s,code=\"%s\"} %d\n",
			namespace, handlerKey{key.handler, key.method}.labels(), escape(key.code), r.requests[key])
	}
	writeHeader(b, "http_request_errors_total", "counter", "Total number of HTTP requests that resulted in a server error.")
	for _, key := range errs {
		fmt.Fprintf(b, "%s_http_request_errors_total{%s} %d\n", namespace, key.labels(), r.errors[key])
	}
	writeHeader(b, "http_request_duration_seconds", "histogram", "HTTP request duration in seconds.")
	for _, key := range lats {
		writeHistogram(b, "http_request_duration_seconds", key.labels(), r.latency[key].clone())
	}
}
