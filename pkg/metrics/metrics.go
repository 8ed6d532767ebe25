// Package metrics is a small Prometheus-compatible registry (counters,
// gauges and histograms, labels baked into the metric name) rendered in the
// text exposition format, plus the named collectors the engine reports to.
package metrics

import (
	"fmt"
	"maps"
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets are latency buckets in seconds.
var DefaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Counter only goes up.
type Counter struct{ val atomic.Int64 }

func (c *Counter) Inc()         { c.val.Add(1) }
func (c *Counter) Add(n int64)  { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }

// Gauge holds a value that can go up and down.
type Gauge struct{ val atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.val.Store(n) }
func (g *Gauge) Inc()         { g.val.Add(1) }
func (g *Gauge) Dec()         { g.val.Add(-1) }
func (g *Gauge) Value() int64 { return g.val.Load() }

// Histogram counts observations into fixed upper-bound buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *Histogram {
	b := slices.Clone(buckets)
	slices.Sort(b)
	return &Histogram{buckets: b, counts: make([]uint64, len(b))}
}

// Observe records v. Only the first bucket that fits is incremented; Render
// accumulates.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	if i, _ := slices.BinarySearch(h.buckets, v); i < len(h.buckets) {
		h.counts[i]++
	}
}

// Since observes the seconds elapsed since t.
func (h *Histogram) Since(t time.Time) { h.Observe(time.Since(t).Seconds()) }

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) snapshot() ([]float64, []uint64, float64, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buckets, slices.Clone(h.counts), h.sum, h.count
}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// Registry holds named metrics. Names may carry labels, see WithLabels.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	help       map[string]string
	kinds      map[string]kind
	order      []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		counters:   map[string]*Counter{},
		gauges:     map[string]*Gauge{},
		histograms: map[string]*Histogram{},
		help:       map[string]string{},
		kinds:      map[string]kind{},
	}
}

func (r *Registry) track(name string, k kind, help string) {
	base := baseName(name)
	if _, ok := r.kinds[base]; !ok {
		r.order = append(r.order, base)
	}
	r.kinds[base] = k
	if help != "" {
		r.help[base] = help
	}
}

// Counter returns the counter called name, creating it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{}
	r.counters[name] = c
	r.track(name, kindCounter, help)
	return c
}

// Gauge returns the gauge called name, creating it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	r.gauges[name] = g
	r.track(name, kindGauge, help)
	return g
}

// Histogram returns the histogram called name, creating it on first use.
// nil buckets means DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h := newHistogram(buckets)
	r.histograms[name] = h
	r.track(name, kindHistogram, help)
	return h
}

// WithLabels appends label pairs to a metric name:
// WithLabels("x_total", "k", "v") is `x_total{k="v"}`. An odd number of
// label arguments returns name unchanged.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) == 0 || len(kvs)%2 != 0 {
		return name
	}
	pairs := make([]string, 0, len(kvs)/2)
	for i := 0; i < len(kvs); i += 2 {
		pairs = append(pairs, fmt.Sprintf("%s=%q", kvs[i], kvs[i+1]))
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func baseName(name string) string {
	if i := strings.IndexByte(name, '{'); i >= 0 {
		return name[:i]
	}
	return name
}

// labelsOf returns the inside of the braces, or "".
func labelsOf(name string) string {
	i := strings.IndexByte(name, '{')
	if i < 0 {
		return ""
	}
	return strings.TrimSuffix(name[i+1:], "}")
}

func withBase[T any](m map[string]T, base string) []string {
	var out []string
	for _, n := range slices.Sorted(maps.Keys(m)) {
		if baseName(n) == base {
			out = append(out, n)
		}
	}
	return out
}

// Render returns the registry in Prometheus text format.
func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, base := range r.order {
		if h, ok := r.help[base]; ok {
			fmt.Fprintf(&b, "# HELP %s %s\n", base, h)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", base, r.kinds[base])

		switch r.kinds[base] {
		case kindCounter:
			for _, n := range withBase(r.counters, base) {
				fmt.Fprintf(&b, "%s %d\n", n, r.counters[n].Value())
			}
		case kindGauge:
			for _, n := range withBase(r.gauges, base) {
				fmt.Fprintf(&b, "%s %d\n", n, r.gauges[n].Value())
			}
		case kindHistogram:
			for _, n := range withBase(r.histograms, base) {
				renderHistogram(&b, base, labelsOf(n), r.histograms[n])
			}
		}
	}
	return b.String()
}

func renderHistogram(b *strings.Builder, base, labels string, h *Histogram) {
	buckets, counts, sum, count := h.snapshot()
	extra, wrapped := "", ""
	if labels != "" {
		extra, wrapped = ","+labels, "{"+labels+"}"
	}
	var cum uint64
	for i, le := range buckets {
		cum += counts[i]
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"%s} %d\n", base, le, extra, cum)
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"%s} %d\n", base, extra, count)
	fmt.Fprintf(b, "%s_sum%s %s\n", base, wrapped, formatFloat(sum))
	fmt.Fprintf(b, "%s_count%s %d\n", base, wrapped, count)
}

func formatFloat(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "NaN"
	}
	return fmt.Sprintf("%g", f)
}

// Handler serves the rendered registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

// Engine groups the collectors reported by the query and build paths.
type Engine struct {
	reg *Registry
}

// NewEngine registers the engine collectors on reg. A nil reg gets a private
// registry so callers never need nil checks.
func NewEngine(reg *Registry) *Engine {
	if reg == nil {
		reg = New()
	}
	e := &Engine{reg: reg}
	reg.Gauge("estate_index_size", "Vectors in the served index.")
	reg.Gauge("estate_store_size", "Listings in the record store.")
	return e
}

// Registry returns the underlying registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Stage records the duration of one agent stage.
func (e *Engine) Stage(stage string, d time.Duration) {
	e.reg.Histogram(WithLabels("estate_stage_duration_seconds", "stage", stage),
		"Agent stage latency.", nil).Observe(d.Seconds())
}

// Query counts a finished query by executed strategy and outcome ("ok",
// "degraded" or a failure kind).
func (e *Engine) Query(strategy, outcome string) {
	e.reg.Counter(WithLabels("estate_queries_total", "strategy", strategy, "outcome", outcome),
		"Queries answered.").Inc()
}

// Build records a completed index build.
func (e *Engine) Build(indexed, skipped, storeSize int, d time.Duration) {
	e.reg.Counter("estate_builds_total", "Index builds completed.").Inc()
	e.reg.Counter("estate_build_skipped_total", "Listings skipped during builds.").Add(int64(skipped))
	e.reg.Histogram("estate_build_duration_seconds", "Index build latency.", nil).Observe(d.Seconds())
	e.reg.Gauge("estate_index_size", "").Set(int64(indexed))
	e.reg.Gauge("estate_store_size", "").Set(int64(storeSize))
}
