package metrics

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrLabelCountMismatch is returned when the number of label values doesn't match the defined labels.
var ErrLabelCountMismatch = errors.New("label count mismatch")

// ErrNegativeCounterValue is returned when attempting to add a negative value to a counter.
var ErrNegativeCounterValue = errors.New("counter cannot be decreased")

// ErrDuplicateMetric is returned when registering a metric with a name that is already registered.
var ErrDuplicateMetric = errors.New("duplicate metric name")

// MetricType represents the type of a metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric is the interface implemented by all metric types.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	// Collect returns all samples for exposition.
	Collect() []Sample
}

// Sample represents a single metric sample with labels.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// atomicFloat64 stores float64 bits for lock-free updates.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (a *atomicFloat64) Load() float64 { return math.Float64frombits(a.bits.Load()) }

func (a *atomicFloat64) Store(v float64) { a.bits.Store(math.Float64bits(v)) }

func (a *atomicFloat64) Add(delta float64) {
	for {
		old := a.bits.Load()
		if a.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

// family holds one child per distinct label-value combination.
type family[T any] struct {
	name       string
	help       string
	labelNames []string
	newChild   func(labels map[string]string) *T

	mu       sync.RWMutex
	children map[string]*T
	order    []string
}

func (f *family[T]) Name() string { return f.name }
func (f *family[T]) Help() string { return f.help }

func (f *family[T]) child(kind string, values []string) (*T, error) {
	if len(values) != len(f.labelNames) {
		return nil, fmt.Errorf("%w: %s %s expected %d labels, got %d",
			ErrLabelCountMismatch, kind, f.name, len(f.labelNames), len(values))
	}

	key := strings.Join(values, "\x00")
	f.mu.RLock()
	c, ok := f.children[key]
	f.mu.RUnlock()
	if ok {
		return c, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok = f.children[key]; ok {
		return c, nil
	}
	labels := make(map[string]string, len(values))
	for i, n := range f.labelNames {
		labels[n] = values[i]
	}
	c = f.newChild(labels)
	f.children[key] = c
	f.order = append(f.order, key)
	return c, nil
}

func (f *family[T]) each(fn func(*T)) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, k := range f.order {
		fn(f.children[k])
	}
}

func (f *family[T]) setup(name, help string, labelNames []string, newChild func(map[string]string) *T) {
	f.name = name
	f.help = help
	f.labelNames = labelNames
	f.newChild = newChild
	f.children = make(map[string]*T)
}

// Counter is a monotonically increasing metric.
type Counter struct {
	family[CounterVec]
}

// CounterVec is the counter for one label combination.
type CounterVec struct {
	labels map[string]string
	value  atomicFloat64
}

// Type returns the metric type.
func (c *Counter) Type() MetricType { return MetricTypeCounter }

// WithLabels returns the child for the given label values.
func (c *Counter) WithLabels(values ...string) (*CounterVec, error) {
	return c.child("counter", values)
}

// Inc increments an unlabeled counter by 1.
func (c *Counter) Inc() error { return c.Add(1) }

// Add adds delta to an unlabeled counter.
func (c *Counter) Add(delta float64) error {
	v, err := c.WithLabels()
	if err != nil {
		return err
	}
	return v.Add(delta)
}

// Collect returns all metric samples.
func (c *Counter) Collect() []Sample {
	var out []Sample
	c.each(func(v *CounterVec) {
		out = append(out, Sample{Name: c.name, Labels: v.labels, Value: v.value.Load()})
	})
	return out
}

// Inc increments the counter by 1.
func (v *CounterVec) Inc() error { return v.Add(1) }

// Add adds delta, which must not be negative.
func (v *CounterVec) Add(delta float64) error {
	if delta < 0 {
		return ErrNegativeCounterValue
	}
	v.value.Add(delta)
	return nil
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	family[GaugeVec]
}

// GaugeVec is the gauge for one label combination.
type GaugeVec struct {
	labels map[string]string
	value  atomicFloat64
}

// Type returns the metric type.
func (g *Gauge) Type() MetricType { return MetricTypeGauge }

// WithLabels returns the child for the given label values.
func (g *Gauge) WithLabels(values ...string) (*GaugeVec, error) {
	return g.child("gauge", values)
}

// Set sets an unlabeled gauge.
func (g *Gauge) Set(value float64) error {
	v, err := g.WithLabels()
	if err != nil {
		return err
	}
	v.Set(value)
	return nil
}

// Add adds delta to an unlabeled gauge.
func (g *Gauge) Add(delta float64) error {
	v, err := g.WithLabels()
	if err != nil {
		return err
	}
	v.Add(delta)
	return nil
}

// Collect returns all metric samples.
func (g *Gauge) Collect() []Sample {
	var out []Sample
	g.each(func(v *GaugeVec) {
		out = append(out, Sample{Name: g.name, Labels: v.labels, Value: v.value.Load()})
	})
	return out
}

// Set sets the gauge.
func (v *GaugeVec) Set(value float64) { v.value.Store(value) }

// Add adds delta to the gauge.
func (v *GaugeVec) Add(delta float64) { v.value.Add(delta) }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	family[HistogramVec]
	buckets []float64
}

// HistogramVec is the histogram for one label combination.
type HistogramVec struct {
	labels  map[string]string
	buckets []float64
	counts  []atomic.Uint64
	sum     atomicFloat64
	count   atomic.Uint64
}

// Type returns the metric type.
func (h *Histogram) Type() MetricType { return MetricTypeHistogram }

// WithLabels returns the child for the given label values.
func (h *Histogram) WithLabels(values ...string) (*HistogramVec, error) {
	return h.child("histogram", values)
}

// Observe records a value in an unlabeled histogram.
func (h *Histogram) Observe(value float64) error {
	v, err := h.WithLabels()
	if err != nil {
		return err
	}
	v.Observe(value)
	return nil
}

// Collect returns the cumulative bucket, _sum and _count samples.
func (h *Histogram) Collect() []Sample {
	var out []Sample
	h.each(func(v *HistogramVec) {
		var cumulative uint64
		for i, bound := range v.buckets {
			cumulative += v.counts[i].Load()
			labels := make(map[string]string, len(v.labels)+1)
			for k, val := range v.labels {
				labels[k] = val
			}
			labels["le"] = formatFloat(bound)
			out = append(out, Sample{Name: h.name + "_bucket", Labels: labels, Value: float64(cumulative)})
		}
		out = append(out,
			Sample{Name: h.name + "_sum", Labels: v.labels, Value: v.sum.Load()},
			Sample{Name: h.name + "_count", Labels: v.labels, Value: float64(v.count.Load())},
		)
	})
	return out
}

// Observe records a value.
func (v *HistogramVec) Observe(value float64) {
	i := sort.SearchFloat64s(v.buckets, value)
	if i < len(v.counts) {
		v.counts[i].Add(1)
	}
	v.sum.Add(value)
	v.count.Add(1)
}

// Registry holds all registered metrics.
type Registry struct {
	mu      sync.RWMutex
	metrics []Metric
	names   map[string]struct{}
}

// NewRegistry creates a new metric registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// NewCounter creates and registers a new counter.
func (r *Registry) NewCounter(name, help string, labels ...string) *Counter {
	c := &Counter{}
	c.setup(name, help, labels, func(l map[string]string) *CounterVec {
		return &CounterVec{labels: l}
	})
	r.register(c)
	return c
}

// NewGauge creates and registers a new gauge.
func (r *Registry) NewGauge(name, help string, labels ...string) *Gauge {
	g := &Gauge{}
	g.setup(name, help, labels, func(l map[string]string) *GaugeVec {
		return &GaugeVec{labels: l}
	})
	r.register(g)
	return g
}

// NewHistogram creates and registers a new histogram with the given upper
// bounds. A +Inf bucket is always added.
func (r *Registry) NewHistogram(name, help string, buckets []float64, labels ...string) *Histogram {
	bounds := slices.Clone(buckets)
	sort.Float64s(bounds)
	if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
		bounds = append(bounds, math.Inf(1))
	}
	h := &Histogram{buckets: bounds}
	h.setup(name, help, labels, func(l map[string]string) *HistogramVec {
		return &HistogramVec{labels: l, buckets: bounds, counts: make([]atomic.Uint64, len(bounds))}
	})
	r.register(h)
	return h
}

// register panics on a duplicate name since that produces invalid exposition output.
func (r *Registry) register(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[m.Name()]; exists {
		panic(fmt.Sprintf("%s: %s", ErrDuplicateMetric, m.Name()))
	}
	r.names[m.Name()] = struct{}{}
	r.metrics = append(r.metrics, m)
}

// Handler returns an http.Handler that serves the registry in Prometheus
// text format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = r.WriteTo(w)
	})
}

// WriteTo writes every metric with at least one sample to w. It stops at
// the first write error.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.RLock()
	ms := slices.Clone(r.metrics)
	r.mu.RUnlock()

	cw := &countingWriter{w: w}
	for _, m := range ms {
		samples := m.Collect()
		if len(samples) == 0 {
			continue
		}
		cw.printf("# HELP %s %s\n", m.Name(), escapeHelp(m.Help()))
		cw.printf("# TYPE %s %s\n", m.Name(), m.Type())
		for _, s := range samples {
			if len(s.Labels) == 0 {
				cw.printf("%s %s\n", s.Name, formatFloat(s.Value))
				continue
			}
			cw.printf("%s{%s} %s\n", s.Name, formatLabels(s.Labels), formatFloat(s.Value))
		}
		if cw.err != nil {
			break
		}
	}
	return cw.n, cw.err
}

// countingWriter keeps the byte count and the first error across writes.
type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) printf(format string, args ...any) {
	if c.err != nil {
		return
	}
	n, err := fmt.Fprintf(c.w, format, args...)
	c.n += int64(n)
	c.err = err
}

// formatLabels renders key="value" pairs sorted by key.
func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + `="` + escapeLabelValue(labels[k]) + `"`
	}
	return strings.Join(parts, ",")
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func escapeHelp(s string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(s)
}

func escapeLabelValue(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s)
}

// DefaultBuckets are histogram buckets for HTTP latencies in seconds.
var DefaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// EngineBuckets cover engine searches, which can run for tens of seconds
// at high depth.
var EngineBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
