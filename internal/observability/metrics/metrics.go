package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type storeLabel struct {
	backend string
	result  string
}

// Recorder aggregates in-memory counters for HTTP requests, connection
// transactions, store writes, file publication and payload rendering.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	transactions    map[string]uint64
	storeWrites     map[storeLabel]uint64
	publishModes    map[string]uint64
	payloads        map[string]uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		transactions:    make(map[string]uint64),
		storeWrites:     make(map[storeLabel]uint64),
		publishModes:    make(map[string]uint64),
		payloads:        make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method, path and
// status. Paths are normalized so identifiers do not explode cardinality.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveTransaction counts a connection transaction by outcome
// (committed, elided, aborted).
func (r *Recorder) ObserveTransaction(outcome string) {
	r.increment(r.transactions, outcome)
}

// ObserveStoreWrite counts a store write by backend and result.
func (r *Recorder) ObserveStoreWrite(backend string, err error) {
	label := storeLabel{backend: normalizeName(backend), result: "ok"}
	if err != nil {
		label.result = "error"
	}
	r.mu.Lock()
	r.storeWrites[label]++
	r.mu.Unlock()
}

// ObservePublish counts how a connection file reached disk
// (atomic, copy, direct, skipped).
func (r *Recorder) ObservePublish(mode string) {
	r.increment(r.publishModes, mode)
}

// ObservePayload counts rendered connection payloads by outcome.
func (r *Recorder) ObservePayload(outcome string) {
	r.increment(r.payloads, outcome)
}

func (r *Recorder) increment(counter map[string]uint64, name string) {
	normalized := normalizeName(name)
	r.mu.Lock()
	counter[normalized]++
	r.mu.Unlock()
}

// TransactionCounts returns a copy of the transaction counters.
func (r *Recorder) TransactionCounts() map[string]uint64 {
	return r.snapshot(r.transactions)
}

// PublishCounts returns a copy of the publish mode counters.
func (r *Recorder) PublishCounts() map[string]uint64 {
	return r.snapshot(r.publishModes)
}

// PayloadCounts returns a copy of the payload outcome counters.
func (r *Recorder) PayloadCounts() map[string]uint64 {
	return r.snapshot(r.payloads)
}

// StoreWriteCount returns the number of writes to backend with the given
// result ("ok" or "error").
func (r *Recorder) StoreWriteCount(backend, result string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storeWrites[storeLabel{backend: normalizeName(backend), result: result}]
}

func (r *Recorder) snapshot(counter map[string]uint64) map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(counter))
	for k, v := range counter {
		out[k] = v
	}
	return out
}

// Reset clears all counters. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.transactions = make(map[string]uint64)
	r.storeWrites = make(map[storeLabel]uint64)
	r.publishModes = make(map[string]uint64)
	r.payloads = make(map[string]uint64)
}

// Handler exposes the Recorder in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format with label
// sets sorted for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP lightpoll_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE lightpoll_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "lightpoll_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP lightpoll_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE lightpoll_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "lightpoll_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP lightpoll_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE lightpoll_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "lightpoll_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	writeCounter(w, "lightpoll_transactions_total", "Connection transactions by outcome", "outcome", r.transactions)

	fmt.Fprintln(w, "# HELP lightpoll_store_writes_total Connection store writes by backend and result")
	fmt.Fprintln(w, "# TYPE lightpoll_store_writes_total counter")
	for _, label := range r.sortedStoreLabels() {
		fmt.Fprintf(w, "lightpoll_store_writes_total{backend=\"%s\",result=\"%s\"} %d\n", label.backend, label.result, r.storeWrites[label])
	}

	writeCounter(w, "lightpoll_file_publish_total", "Connection file writes by publication mode", "mode", r.publishModes)
	writeCounter(w, "lightpoll_payloads_total", "Rendered connection payloads by outcome", "outcome", r.payloads)
}

func writeCounter(w io.Writer, name, help, labelName string, values map[string]uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, labelName, k, values[k])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedStoreLabels() []storeLabel {
	labels := make([]storeLabel, 0, len(r.storeWrites))
	for label := range r.storeWrites {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].backend != labels[j].backend {
			return labels[i].backend < labels[j].backend
		}
		return labels[i].result < labels[j].result
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" || strings.HasPrefix(part, "{") {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
