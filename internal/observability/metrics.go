package observability

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricsRegistry holds all registered metrics. Series are keyed by name and
// label set, so one metric name may carry several labelled series.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	histos   map[string]*Histogram
	help     map[string]string
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name   string
	labels map[string]string
	value  float64
	mu     sync.Mutex
}

// Gauge is a metric that can go up or down.
type Gauge struct {
	name   string
	labels map[string]string
	value  float64
	mu     sync.Mutex
}

// Histogram tracks distribution of values.
type Histogram struct {
	name    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
	mu      sync.Mutex
}

// NewMetricsRegistry creates a new metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		histos:   make(map[string]*Histogram),
		help:     make(map[string]string),
	}
}

// NewCounter creates and registers a counter. Registering the same name and
// labels twice returns the existing series.
func (r *MetricsRegistry) NewCounter(name, help string, labels map[string]string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := name + formatLabels(labels)
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := &Counter{name: name, labels: labels}
	r.counters[key] = c
	r.help[name] = help
	return c
}

// NewGauge creates and registers a gauge.
func (r *MetricsRegistry) NewGauge(name, help string, labels map[string]string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := name + formatLabels(labels)
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := &Gauge{name: name, labels: labels}
	r.gauges[key] = g
	r.help[name] = help
	return g
}

// NewHistogram creates and registers a histogram.
func (r *MetricsRegistry) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := name + formatLabels(labels)
	if h, ok := r.histos[key]; ok {
		return h
	}
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	h := &Histogram{
		name:    name,
		labels:  labels,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
	r.histos[key] = h
	r.help[name] = help
	return h
}

// DefaultBuckets returns default histogram buckets for latency.
func DefaultBuckets() []float64 {
	return []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
}

// Inc increments a counter by 1.
func (c *Counter) Inc() {
	c.Add(1)
}

// Add adds a value to the counter.
func (c *Counter) Add(v float64) {
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

// Value returns the counter value.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set sets the gauge value.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

// Value returns the gauge value.
func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
			break
		}
	}
}

// ObserveDuration records the time elapsed since start.
func (h *Histogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Handler returns an HTTP handler for Prometheus metrics.
func (r *MetricsRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WritePrometheus(w)
	})
}

// WritePrometheus writes metrics in Prometheus text format, sorted by series
// so the output is stable.
func (r *MetricsRegistry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	written := make(map[string]bool)
	header := func(name, kind string) {
		if written[name] {
			return
		}
		written[name] = true
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, r.help[name], name, kind)
	}

	for _, key := range sortedKeys(r.counters) {
		c := r.counters[key]
		header(c.name, "counter")
		fmt.Fprintf(w, "%s%s %s\n", c.name, formatLabels(c.labels), formatFloat(c.Value()))
	}
	for _, key := range sortedKeys(r.gauges) {
		g := r.gauges[key]
		header(g.name, "gauge")
		fmt.Fprintf(w, "%s%s %s\n", g.name, formatLabels(g.labels), formatFloat(g.Value()))
	}
	for _, key := range sortedKeys(r.histos) {
		h := r.histos[key]
		header(h.name, "histogram")
		h.mu.Lock()
		writeHistogram(w, h)
		h.mu.Unlock()
	}
}

func writeHistogram(w io.Writer, h *Histogram) {
	var cumulative uint64
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		labels := copyLabels(h.labels)
		labels["le"] = formatFloat(bound)
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(labels), cumulative)
	}
	labels := copyLabels(h.labels)
	labels["le"] = "+Inf"
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(labels), h.count)
	fmt.Fprintf(w, "%s_sum%s %s\n", h.name, formatLabels(h.labels), formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, formatLabels(h.labels), h.count)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "=" + strconv.Quote(labels[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func copyLabels(labels map[string]string) map[string]string {
	result := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		result[k] = v
	}
	return result
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Operation labels used by the pipeline metrics.
const (
	OpIngest   = "ingest"
	OpRetrieve = "retrieve"
	OpRemove   = "remove"
	OpEmbed    = "embed"
)

// DocvaultMetrics contains the service metrics.
type DocvaultMetrics struct {
	Registry *MetricsRegistry

	TextsIngestedTotal  *Counter
	ChunksIngestedTotal *Counter
	QueriesTotal        *Counter
	DeletesTotal        *Counter

	EmbeddingRequestsTotal *Counter
	EmbeddingDuration      *Histogram

	CollectionRecords *Gauge
}

// NewDocvaultMetrics creates the service metrics on a fresh registry.
func NewDocvaultMetrics() *DocvaultMetrics {
	r := NewMetricsRegistry()
	return &DocvaultMetrics{
		Registry: r,

		TextsIngestedTotal:  r.NewCounter("docvault_texts_ingested_total", "Texts accepted by ingest", nil),
		ChunksIngestedTotal: r.NewCounter("docvault_chunks_ingested_total", "Chunks written by ingest", nil),
		QueriesTotal:        r.NewCounter("docvault_queries_total", "Similarity queries served", nil),
		DeletesTotal:        r.NewCounter("docvault_deleted_identities_total", "Identities passed to delete", nil),

		EmbeddingRequestsTotal: r.NewCounter("docvault_embedding_requests_total", "Embedding provider requests", nil),
		EmbeddingDuration:      r.NewHistogram("docvault_embedding_duration_seconds", "Embedding request duration", nil, nil),

		CollectionRecords: r.NewGauge("docvault_collection_records", "Records stored in the collection", nil),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *DocvaultMetrics) Handler() http.Handler {
	return m.Registry.Handler()
}

// Errors returns the error counter for op.
func (m *DocvaultMetrics) Errors(op string) *Counter {
	return m.Registry.NewCounter("docvault_errors_total", "Failed operations", map[string]string{"op": op})
}

// Duration returns the latency histogram for op.
func (m *DocvaultMetrics) Duration(op string) *Histogram {
	return m.Registry.NewHistogram("docvault_operation_duration_seconds", "Pipeline operation duration",
		map[string]string{"op": op}, nil)
}

// RecordOperation records the latency and outcome of a pipeline call.
func (m *DocvaultMetrics) RecordOperation(op string, start time.Time, err error) {
	m.Duration(op).ObserveDuration(start)
	if err != nil {
		m.Errors(op).Inc()
	}
}

// RecordEmbedding records one provider request.
func (m *DocvaultMetrics) RecordEmbedding(start time.Time, err error) {
	m.EmbeddingRequestsTotal.Inc()
	m.EmbeddingDuration.ObserveDuration(start)
	if err != nil {
		m.Errors(OpEmbed).Inc()
	}
}

var (
	globalMetrics *DocvaultMetrics
	metricsOnce   sync.Once
)

// Metrics returns the process-wide metrics instance.
func Metrics() *DocvaultMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewDocvaultMetrics()
	})
	return globalMetrics
}
