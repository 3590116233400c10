// Package metrics provides Prometheus metrics export for the IDS pipeline.
// Exposes extraction, labeling, job and inference counters in the text
// exposition format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Prometheus Metrics Registry
// =============================================================================

// MetricsRegistry holds all registered metrics.
type MetricsRegistry struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	mu         sync.RWMutex
}

// DefaultRegistry is the global metrics registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new metrics registry.
func NewRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// =============================================================================
// Counter Metric
// =============================================================================

// Counter is a monotonically increasing metric.
type Counter struct {
	name   string
	help   string
	labels []string
	values sync.Map // map[string]*atomic.Uint64 for labeled values
	value  atomic.Uint64
}

// CounterOpts holds options for creating a counter.
type CounterOpts struct {
	Name   string
	Help   string
	Labels []string
}

// NewCounter creates and registers a new counter.
func NewCounter(opts CounterOpts) *Counter {
	c := &Counter{
		name:   opts.Name,
		help:   opts.Help,
		labels: opts.Labels,
	}
	DefaultRegistry.mu.Lock()
	DefaultRegistry.counters[opts.Name] = c
	DefaultRegistry.mu.Unlock()
	return c
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) {
	c.value.Add(v)
}

// Value returns the unlabeled counter value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// WithLabels returns a labeled counter value.
func (c *Counter) WithLabels(labelValues ...string) *LabeledCounter {
	key := labelsKey(c.labels, labelValues)
	val, _ := c.values.LoadOrStore(key, &atomic.Uint64{})
	return &LabeledCounter{
		counter:     c,
		labelValues: labelValues,
		value:       val.(*atomic.Uint64),
	}
}

// LabeledCounter is a counter with specific label values.
type LabeledCounter struct {
	counter     *Counter
	labelValues []string
	value       *atomic.Uint64
}

// Inc increments the labeled counter by 1.
func (lc *LabeledCounter) Inc() {
	lc.value.Add(1)
}

// Add adds the given value to the labeled counter.
func (lc *LabeledCounter) Add(v uint64) {
	lc.value.Add(v)
}

// Value returns the current labeled value.
func (lc *LabeledCounter) Value() uint64 {
	return lc.value.Load()
}

// =============================================================================
// Gauge Metric
// =============================================================================

// Gauge is a metric that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

// GaugeOpts holds options for creating a gauge.
type GaugeOpts struct {
	Name string
	Help string
}

// NewGauge creates and registers a new gauge.
func NewGauge(opts GaugeOpts) *Gauge {
	g := &Gauge{
		name: opts.Name,
		help: opts.Help,
	}
	DefaultRegistry.mu.Lock()
	DefaultRegistry.gauges[opts.Name] = g
	DefaultRegistry.mu.Unlock()
	return g
}

// Set sets the gauge to the given integer value.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// =============================================================================
// Histogram Metric
// =============================================================================

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	buckets []float64
	value   *histogramValue
}

type histogramValue struct {
	bucketCounts []atomic.Uint64
	sum          atomic.Uint64 // stored as uint64 bits of float64
	count        atomic.Uint64
}

// HistogramOpts holds options for creating a histogram.
type HistogramOpts struct {
	Name    string
	Help    string
	Buckets []float64 // Upper bounds for buckets
}

// DefaultBuckets are the default histogram buckets.
var DefaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// NewHistogram creates and registers a new histogram.
func NewHistogram(opts HistogramOpts) *Histogram {
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	h := &Histogram{
		name:    opts.Name,
		help:    opts.Help,
		buckets: buckets,
		value:   &histogramValue{bucketCounts: make([]atomic.Uint64, len(buckets)+1)},
	}
	DefaultRegistry.mu.Lock()
	DefaultRegistry.histograms[opts.Name] = h
	DefaultRegistry.mu.Unlock()
	return h
}

// Observe adds a single observation to the histogram.
func (h *Histogram) Observe(v float64) {
	hv := h.value
	// Non-cumulative; exposition sums buckets in order.
	idx := sort.SearchFloat64s(h.buckets, v)
	hv.bucketCounts[idx].Add(1)
	hv.count.Add(1)
	for {
		oldBits := hv.sum.Load()
		newVal := math.Float64frombits(oldBits) + v
		if hv.sum.CompareAndSwap(oldBits, math.Float64bits(newVal)) {
			break
		}
	}
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	return h.value.count.Load()
}

// =============================================================================
// Pipeline Metrics
// =============================================================================

var (
	// Extraction metrics
	PacketsExtracted = NewCounter(CounterOpts{
		Name: "nfa_ids_packets_extracted_total",
		Help: "Packets turned into table rows",
	})

	DecodeErrors = NewCounter(CounterOpts{
		Name: "nfa_ids_decode_errors_total",
		Help: "Packets whose layers could only be partially decoded",
	})

	BatchesFlushed = NewCounter(CounterOpts{
		Name: "nfa_ids_batches_flushed_total",
		Help: "Extraction batches flushed to storage",
	})

	// Labeling metrics
	LabelsAssigned = NewCounter(CounterOpts{
		Name:   "nfa_ids_labels_assigned_total",
		Help:   "Rows labelled by signature rules, by final label",
		Labels: []string{"label"},
	})

	LabelFiles = NewCounter(CounterOpts{
		Name:   "nfa_ids_label_files_total",
		Help:   "Captures handled by a batch labeling run, by result",
		Labels: []string{"result"},
	})

	// Job metrics
	Jobs = NewCounter(CounterOpts{
		Name:   "nfa_ids_jobs_total",
		Help:   "Processing job transitions, by resulting state",
		Labels: []string{"state"},
	})

	ActiveJobs = NewGauge(GaugeOpts{
		Name: "nfa_ids_jobs_active",
		Help: "Jobs currently retained by the manager",
	})

	// Inference metrics
	Predictions = NewCounter(CounterOpts{
		Name:   "nfa_ids_predictions_total",
		Help:   "Classifier predictions by label",
		Labels: []string{"label"},
	})

	InferenceErrors = NewCounter(CounterOpts{
		Name: "nfa_ids_inference_errors_total",
		Help: "Failed predict calls",
	})

	InferenceLatency = NewHistogram(HistogramOpts{
		Name:    "nfa_ids_inference_duration_seconds",
		Help:    "Per-row inference latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

// =============================================================================
// Exposition
// =============================================================================

// WriteText writes every registered metric in the Prometheus text format,
// sorted by name.
func (r *MetricsRegistry) WriteText(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
		if len(c.labels) == 0 {
			fmt.Fprintf(&b, "%s %d\n", c.name, c.value.Load())
			continue
		}
		var lines []string
		c.values.Range(func(key, val any) bool {
			lines = append(lines, fmt.Sprintf("%s{%s} %d\n", c.name, key.(string), val.(*atomic.Uint64).Load()))
			return true
		})
		sort.Strings(lines)
		for _, l := range lines {
			b.WriteString(l)
		}
	}

	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
		fmt.Fprintf(&b, "%s %d\n", g.name, g.value.Load())
	}

	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
		hv := h.value
		cumulative := uint64(0)
		for i, bound := range h.buckets {
			cumulative += hv.bucketCounts[i].Load()
			fmt.Fprintf(&b, "%s_bucket{le=\"%g\"} %d\n", h.name, bound, cumulative)
		}
		cumulative += hv.bucketCounts[len(h.buckets)].Load()
		fmt.Fprintf(&b, "%s_bucket{le=\"+Inf\"} %d\n", h.name, cumulative)
		fmt.Fprintf(&b, "%s_sum %g\n", h.name, math.Float64frombits(hv.sum.Load()))
		fmt.Fprintf(&b, "%s_count %d\n", h.name, hv.count.Load())
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_ = DefaultRegistry.WriteText(w)
	})
}

// =============================================================================
// Helpers
// =============================================================================

func labelsKey(names, values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		name := fmt.Sprintf("label%d", i)
		if i < len(names) {
			name = names[i]
		}
		parts[i] = fmt.Sprintf("%s=%q", name, v)
	}
	return strings.Join(parts, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Metrics Server
// =============================================================================

// Server runs a standalone metrics HTTP server.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
