package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldlab"

// Provisioning outcomes reported through ObserveProvision.
const (
	OutcomeCreated       = "created"
	OutcomeInvalid       = "invalid"
	OutcomeConflict      = "conflict"
	OutcomeEncodingError = "encoding_error"
	OutcomeStoreError    = "store_error"
)

// knownSegments are route segments kept verbatim in the path label. Anything
// else that looks like an identifier collapses to ":id".
var knownSegments = map[string]struct{}{
	"api":       {},
	"users":     {},
	"posts":     {},
	"samples":   {},
	"label.png": {},
	"healthz":   {},
	"metrics":   {},
}

// Recorder holds the Prometheus collectors for the HTTP layer, sample
// provisioning and label rendering.
type Recorder struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	provisionTotal       *prometheus.CounterVec
	provisionAttempts    prometheus.Histogram
	identifierConflicts  prometheus.Counter
	labelRendersTotal    prometheus.Counter
	labelCacheHitsTotal  prometheus.Counter
	labelArchiveFailures prometheus.Counter
}

var defaultRecorder = New()

// New returns a Recorder registered on a fresh registry together with the Go
// runtime and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := NewRecorder(registry)
	if err != nil {
		panic(err)
	}
	return recorder
}

// NewRecorder creates the collectors and registers them on registry.
func NewRecorder(registry *prometheus.Registry) (*Recorder, error) {
	if registry == nil {
		return nil, fmt.Errorf("metrics registry is required")
	}
	r := &Recorder{registry: registry}
	r.initMetrics()
	if err := registry.Register(r); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return r, nil
}

func (r *Recorder) initMetrics() {
	r.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalized path and status code.",
		},
		[]string{"method", "path", "status"},
	)
	r.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and normalized path.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	r.provisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_provisions_total",
			Help:      "Sample provisioning requests by outcome.",
		},
		[]string{"outcome"},
	)
	r.provisionAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sample_provision_attempts",
			Help:      "Generate and insert cycles used per provisioning request.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		},
	)
	r.identifierConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_identifier_conflicts_total",
			Help:      "Inserts rejected because the generated identifier already existed.",
		},
	)
	r.labelRendersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "label_renders_total",
			Help:      "QR labels rendered.",
		},
	)
	r.labelCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "label_cache_hits_total",
			Help:      "QR labels served from the render cache.",
		},
	)
	r.labelArchiveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "label_archive_failures_total",
			Help:      "Label uploads to object storage that failed.",
		},
	)
}

// Describe implements prometheus.Collector.
func (r *Recorder) Describe(ch chan<- *prometheus.Desc) {
	r.httpRequestsTotal.Describe(ch)
	r.httpRequestDuration.Describe(ch)
	r.provisionTotal.Describe(ch)
	r.provisionAttempts.Describe(ch)
	r.identifierConflicts.Describe(ch)
	r.labelRendersTotal.Describe(ch)
	r.labelCacheHitsTotal.Describe(ch)
	r.labelArchiveFailures.Describe(ch)
}

// Collect implements prometheus.Collector.
func (r *Recorder) Collect(ch chan<- prometheus.Metric) {
	r.httpRequestsTotal.Collect(ch)
	r.httpRequestDuration.Collect(ch)
	r.provisionTotal.Collect(ch)
	r.provisionAttempts.Collect(ch)
	r.identifierConflicts.Collect(ch)
	r.labelRendersTotal.Collect(ch)
	r.labelCacheHitsTotal.Collect(ch)
	r.labelArchiveFailures.Collect(ch)
}

// Default returns the process-wide recorder used when no recorder is wired.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the registry the recorder is registered on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	m := strings.ToUpper(strings.TrimSpace(method))
	if m == "" {
		m = http.MethodGet
	}
	p := normalizePath(path)
	r.httpRequestsTotal.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.httpRequestDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

// ObserveProvision records the outcome of a provisioning request and the
// number of cycles it took.
func (r *Recorder) ObserveProvision(outcome string, attempts int) {
	r.provisionTotal.WithLabelValues(normalizeName(outcome)).Inc()
	if attempts > 0 {
		r.provisionAttempts.Observe(float64(attempts))
	}
}

// IdentifierConflict counts a duplicate identifier reported by the store.
func (r *Recorder) IdentifierConflict() {
	r.identifierConflicts.Inc()
}

// LabelRendered counts a QR render that missed the cache.
func (r *Recorder) LabelRendered() {
	r.labelRendersTotal.Inc()
}

// LabelCacheHit counts a QR label served from cache.
func (r *Recorder) LabelCacheHit() {
	r.labelCacheHitsTotal.Inc()
}

// LabelArchiveFailed counts a failed label upload.
func (r *Recorder) LabelArchiveFailed() {
	r.labelArchiveFailures.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if _, ok := knownSegments[part]; ok {
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

// looksLikeIdentifier treats long segments, segments with several digits and
// hyphenated sample identifiers as path parameters.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 || strings.Contains(segment, "-") {
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

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler serves the default recorder.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
