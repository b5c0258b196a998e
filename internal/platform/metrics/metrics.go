// Package metrics serves the dispatch processes' instruments in the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Opts struct {
	Name string
	Help string
}

type collector interface {
	name() string
	expose(*strings.Builder)
}

// Registry holds collectors by metric name and renders them sorted.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{collectors: map[string]collector{}}
}

// MustRegister panics on a duplicate name, like client_golang does.
func (r *Registry) MustRegister(items ...collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		if _, exists := r.collectors[item.name()]; exists {
			panic("metrics: duplicate collector " + item.name())
		}
		r.collectors[item.name()] = item
	}
}

// Expose renders every registered collector.
func (r *Registry) Expose() string {
	r.mu.RLock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]collector, len(names))
	for i, name := range names {
		items[i] = r.collectors[name]
	}
	r.mu.RUnlock()

	var sb strings.Builder
	for _, c := range items {
		c.expose(&sb)
	}
	return sb.String()
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Expose()))
	})
}

// Default is the process registry; it starts with the runtime gauges.
var Default = NewRegistry()

func init() {
	RegisterRuntime(Default, time.Now())
}

func DefaultHandler() http.Handler {
	return Default.Handler()
}

// RegisterRuntime adds uptime, goroutine and heap gauges to r.
func RegisterRuntime(r *Registry, started time.Time) {
	heap := func(pick func(*runtime.MemStats) uint64) func() float64 {
		return func() float64 {
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			return float64(pick(&mem))
		}
	}
	r.MustRegister(
		NewGaugeFunc(Opts{Name: "process_uptime_seconds", Help: "Seconds since process start."},
			func() float64 { return time.Since(started).Seconds() }),
		NewGaugeFunc(Opts{Name: "go_goroutines", Help: "Number of goroutines."},
			func() float64 { return float64(runtime.NumGoroutine()) }),
		NewGaugeFunc(Opts{Name: "go_memstats_alloc_bytes", Help: "Allocated heap objects in bytes."},
			heap(func(m *runtime.MemStats) uint64 { return m.Alloc })),
		NewGaugeFunc(Opts{Name: "go_memstats_heap_inuse_bytes", Help: "Heap in-use bytes."},
			heap(func(m *runtime.MemStats) uint64 { return m.HeapInuse })),
	)
}

type Gauge struct {
	opts Opts
	mu   sync.Mutex
	v    float64
}

func NewGauge(opts Opts) *Gauge { return &Gauge{opts: opts} }

func (g *Gauge) name() string { return g.opts.Name }

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.v = v
	g.mu.Unlock()
}

func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.v += v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) expose(sb *strings.Builder) {
	g.mu.Lock()
	v := g.v
	g.mu.Unlock()
	head(sb, g.opts, "gauge")
	sample(sb, g.opts.Name, "", v)
}

// GaugeFunc reads its value at scrape time.
type GaugeFunc struct {
	opts Opts
	fn   func() float64
}

func NewGaugeFunc(opts Opts, fn func() float64) *GaugeFunc {
	return &GaugeFunc{opts: opts, fn: fn}
}

func (g *GaugeFunc) name() string { return g.opts.Name }

func (g *GaugeFunc) expose(sb *strings.Builder) {
	head(sb, g.opts, "gauge")
	var v float64
	if g.fn != nil {
		v = g.fn()
	}
	sample(sb, g.opts.Name, "", v)
}

// labels keys series by their label values. A value count that does not
// match the names is dropped.
type labels struct {
	names []string
}

func (l labels) key(values []string) (string, bool) {
	if len(values) != len(l.names) {
		return "", false
	}
	return strings.Join(values, "\xff"), true
}

// render formats key as {a="x",b="y"}, with extra appended last.
func (l labels) render(key string, extra ...string) string {
	var pairs []string
	if len(l.names) > 0 {
		values := strings.Split(key, "\xff")
		for i, n := range l.names {
			pairs = append(pairs, n+`="`+escapeLabelValue(values[i])+`"`)
		}
	}
	for i := 0; i+1 < len(extra); i += 2 {
		pairs = append(pairs, extra[i]+`="`+escapeLabelValue(extra[i+1])+`"`)
	}
	if len(pairs) == 0 {
		return ""
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type CounterVec struct {
	opts   Opts
	labels labels

	mu     sync.Mutex
	values map[string]float64
}

func NewCounterVec(opts Opts, labelNames []string) *CounterVec {
	return &CounterVec{
		opts:   opts,
		labels: labels{names: append([]string(nil), labelNames...)},
		values: map[string]float64{},
	}
}

func (c *CounterVec) name() string { return c.opts.Name }

func (c *CounterVec) WithLabelValues(values ...string) *Counter {
	return &Counter{parent: c, values: values}
}

// Value reports one series; tests read counters through it.
func (c *CounterVec) Value(values ...string) float64 {
	key, ok := c.labels.key(values)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

func (c *CounterVec) add(values []string, delta float64) {
	key, ok := c.labels.key(values)
	if !ok {
		return
	}
	c.mu.Lock()
	c.values[key] += delta
	c.mu.Unlock()
}

func (c *CounterVec) expose(sb *strings.Builder) {
	c.mu.Lock()
	snapshot := make(map[string]float64, len(c.values))
	for k, v := range c.values {
		snapshot[k] = v
	}
	c.mu.Unlock()

	head(sb, c.opts, "counter")
	for _, key := range sortedKeys(snapshot) {
		sample(sb, c.opts.Name, c.labels.render(key), snapshot[key])
	}
}

type Counter struct {
	parent *CounterVec
	values []string
}

// Add ignores negative deltas; counters only go up.
func (c *Counter) Add(v float64) {
	if c == nil || c.parent == nil || v < 0 {
		return
	}
	c.parent.add(c.values, v)
}

func (c *Counter) Inc() { c.Add(1) }

// HistogramVec buckets observations per label set. Buckets are upper
// bounds in ascending order; +Inf is implicit.
type HistogramVec struct {
	opts    Opts
	labels  labels
	buckets []float64

	mu     sync.Mutex
	series map[string]*histogram
}

type histogram struct {
	counts []uint64
	count  uint64
	sum    float64
}

func NewHistogramVec(opts Opts, buckets []float64, labelNames []string) *HistogramVec {
	b := append([]float64(nil), buckets...)
	sort.Float64s(b)
	return &HistogramVec{
		opts:    opts,
		labels:  labels{names: append([]string(nil), labelNames...)},
		buckets: b,
		series:  map[string]*histogram{},
	}
}

func (h *HistogramVec) name() string { return h.opts.Name }

func (h *HistogramVec) Observe(v float64, values ...string) {
	key, ok := h.labels.key(values)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.series[key]
	if !ok {
		s = &histogram{counts: make([]uint64, len(h.buckets))}
		h.series[key] = s
	}
	for i, upper := range h.buckets {
		if v <= upper {
			s.counts[i]++
		}
	}
	s.count++
	s.sum += v
}

// Count reports how many observations a series holds.
func (h *HistogramVec) Count(values ...string) uint64 {
	key, ok := h.labels.key(values)
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.series[key]; ok {
		return s.count
	}
	return 0
}

func (h *HistogramVec) expose(sb *strings.Builder) {
	h.mu.Lock()
	snapshot := make(map[string]histogram, len(h.series))
	for k, s := range h.series {
		snapshot[k] = histogram{counts: append([]uint64(nil), s.counts...), count: s.count, sum: s.sum}
	}
	h.mu.Unlock()

	head(sb, h.opts, "histogram")
	for _, key := range sortedKeys(snapshot) {
		s := snapshot[key]
		for i, upper := range h.buckets {
			sample(sb, h.opts.Name+"_bucket", h.labels.render(key, "le", floatToString(upper)), float64(s.counts[i]))
		}
		sample(sb, h.opts.Name+"_bucket", h.labels.render(key, "le", "+Inf"), float64(s.count))
		sample(sb, h.opts.Name+"_sum", h.labels.render(key), s.sum)
		sample(sb, h.opts.Name+"_count", h.labels.render(key), float64(s.count))
	}
}

func head(sb *strings.Builder, opts Opts, kind string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", opts.Name, opts.Help, opts.Name, kind)
}

func sample(sb *strings.Builder, name, lbl string, v float64) {
	sb.WriteString(name)
	sb.WriteString(lbl)
	sb.WriteByte(' ')
	sb.WriteString(floatToString(v))
	sb.WriteByte('\n')
}

func floatToString(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escapeLabelValue(v string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`).Replace(v)
}
