package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, chunk
// intake outcomes, and upload session lifecycle events. It coordinates
// concurrent writers via a RWMutex while exposing thread-safe gauges for
// active session tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	chunkOutcomes   map[string]uint64
	sessionEvents   map[string]uint64
	chunkBytes      uint64
	artifactBytes   uint64
	artifactCount   uint64
	activeSessions  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		chunkOutcomes:   make(map[string]uint64),
		sessionEvents:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
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

// ObserveChunk records one chunk intake outcome ("accepted", "duplicate",
// "caller_error", "transient_error", "fatal_error") and, for accepted chunks,
// the payload bytes written to the session's working stream.
func (r *Recorder) ObserveChunk(outcome string, bytes int64) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.chunkOutcomes[normalized]++
	if bytes > 0 {
		r.chunkBytes += uint64(bytes)
	}
	r.mu.Unlock()
}

// SessionOpened records a session creation event and increments the active
// session gauge atomically so concurrent uploads remain consistent.
func (r *Recorder) SessionOpened() {
	r.incrementSessionEvent("opened")
	r.activeSessions.Add(1)
}

// SessionClosed records a terminal session event ("finalized", "failed", or
// "purged") and decrements the active session gauge, guarding against negative
// counts when concurrent updates race.
func (r *Recorder) SessionClosed(event string) {
	r.incrementSessionEvent(event)
	r.decrementGauge(&r.activeSessions)
}

// ArtifactPublished accumulates finalized artifact totals.
func (r *Recorder) ArtifactPublished(sizeBytes int64) {
	r.mu.Lock()
	r.artifactCount++
	if sizeBytes > 0 {
		r.artifactBytes += uint64(sizeBytes)
	}
	r.mu.Unlock()
}

// ActiveSessions reports the current active session gauge value.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Handler exposes the recorder state in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		if req.Method == http.MethodHead {
			return
		}
		r.WriteTo(w)
	})
}

// WriteTo renders all counters in a stable order.
func (r *Recorder) WriteTo(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	chunkOutcomes := sortedKeys(r.chunkOutcomes)
	sessionEvents := sortedKeys(r.sessionEvents)

	fmt.Fprintln(w, "# HELP chunkstream_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE chunkstream_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "chunkstream_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP chunkstream_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE chunkstream_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "chunkstream_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP chunkstream_chunks_total Chunk intake outcomes by type")
	fmt.Fprintln(w, "# TYPE chunkstream_chunks_total counter")
	for _, outcome := range chunkOutcomes {
		fmt.Fprintf(w, "chunkstream_chunks_total{outcome=%q} %d\n", outcome, r.chunkOutcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP chunkstream_chunk_bytes_total Payload bytes accepted into working streams")
	fmt.Fprintln(w, "# TYPE chunkstream_chunk_bytes_total counter")
	fmt.Fprintf(w, "chunkstream_chunk_bytes_total %d\n", r.chunkBytes)

	fmt.Fprintln(w, "# HELP chunkstream_session_events_total Upload session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE chunkstream_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "chunkstream_session_events_total{event=%q} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP chunkstream_active_sessions Current number of sessions collecting chunks")
	fmt.Fprintln(w, "# TYPE chunkstream_active_sessions gauge")
	fmt.Fprintf(w, "chunkstream_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP chunkstream_artifacts_total Total number of finalized artifacts")
	fmt.Fprintln(w, "# TYPE chunkstream_artifacts_total counter")
	fmt.Fprintf(w, "chunkstream_artifacts_total %d\n", r.artifactCount)

	fmt.Fprintln(w, "# HELP chunkstream_artifact_bytes_total Total bytes published as finalized artifacts")
	fmt.Fprintln(w, "# TYPE chunkstream_artifact_bytes_total counter")
	fmt.Fprintf(w, "chunkstream_artifact_bytes_total %d\n", r.artifactBytes)
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

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// normalizePath collapses per-resource path segments so the label cardinality
// stays bounded regardless of how many sessions or artifacts exist.
func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "/"
	}
	switch {
	case strings.HasPrefix(trimmed, "/api/sessions/"):
		return "/api/sessions/:id"
	case strings.HasPrefix(trimmed, "/api/artifacts/"):
		return "/api/artifacts/:name"
	case strings.HasPrefix(trimmed, "/files/uploads/"):
		return "/files/uploads/:name"
	}
	return trimmed
}
