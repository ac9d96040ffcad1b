// Package observability provides lightweight in-process metrics for the
// hot path. Counters are lock-free; latency tracking uses a fixed ring so
// the pipeline never allocates while recording.
package observability

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add increments the counter by delta. Negative deltas are ignored.
func (c *Counter) Add(delta int64) {
	if delta < 0 {
		return
	}
	c.value.Add(delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Gauge holds a value that can go up and down.
type Gauge struct {
	name string
	help string
	mu   sync.Mutex
	v    float64
}

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.v = v
	g.mu.Unlock()
}

func (g *Gauge) Add(delta float64) {
	g.mu.Lock()
	g.v += delta
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.v
}

// LatencyRing records the last N duration samples and reports simple
// aggregates over them. Older samples are overwritten in place.
type LatencyRing struct {
	mu      sync.Mutex
	samples []float64 // milliseconds
	next    int
	filled  bool
}

// NewLatencyRing returns a ring of the given capacity (minimum 16).
func NewLatencyRing(capacity int) *LatencyRing {
	if capacity < 16 {
		capacity = 16
	}
	return &LatencyRing{samples: make([]float64, capacity)}
}

// Observe records one latency sample.
func (r *LatencyRing) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	r.mu.Lock()
	r.samples[r.next] = ms
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
	r.mu.Unlock()
}

// Stats returns the count, mean, and p95 of the recorded window in
// milliseconds. All zeros when nothing has been observed.
func (r *LatencyRing) Stats() (count int, meanMs, p95Ms float64) {
	r.mu.Lock()
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	if n == 0 {
		r.mu.Unlock()
		return 0, 0, 0
	}
	window := make([]float64, n)
	copy(window, r.samples[:n])
	r.mu.Unlock()

	var sum float64
	for _, v := range window {
		sum += v
	}
	sort.Float64s(window)
	idx := int(float64(n-1) * 0.95)
	return n, sum / float64(n), window[idx]
}

// Samples returns up to limit most recent samples, oldest first, in
// milliseconds.
func (r *LatencyRing) Samples(limit int) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	out := make([]float64, 0, n)
	if r.filled {
		out = append(out, r.samples[r.next:]...)
		out = append(out, r.samples[:r.next]...)
	} else {
		out = append(out, r.samples[:n]...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Registry owns all metrics for one process.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	rings    map[string]*LatencyRing
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		rings:    make(map[string]*LatencyRing),
	}
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

// Gauge returns the named gauge, creating it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	r.gauges[name] = g
	return g
}

// Latency returns the named latency ring, creating it on first use.
func (r *Registry) Latency(name string, capacity int) *LatencyRing {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lr, ok := r.rings[name]; ok {
		return lr
	}
	lr := NewLatencyRing(capacity)
	r.rings[name] = lr
	return lr
}

// Snapshot returns all current values keyed by metric name. Latency rings
// contribute <name>_avg_ms and <name>_p95_ms entries.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]float64, len(r.counters)+len(r.gauges)+2*len(r.rings))
	for name, c := range r.counters {
		out[name] = float64(c.Value())
	}
	for name, g := range r.gauges {
		out[name] = g.Value()
	}
	for name, lr := range r.rings {
		n, mean, p95 := lr.Stats()
		if n > 0 {
			out[name+"_avg_ms"] = mean
			out[name+"_p95_ms"] = p95
		}
	}
	return out
}

// Pipeline bundles the metrics every stage of the sniper reports into.
// One instance is created at startup and threaded through the components.
type Pipeline struct {
	Detected      *Counter
	Parsed        *Counter
	ParseDropped  *Counter
	GateDropped   *Counter
	Scored        *Counter
	Rejected      *Counter
	BuysSent      *Counter
	BuysFailed    *Counter
	SellsSent     *Counter
	SellsFailed   *Counter
	OpenPositions *Gauge
	RealizedPnL   *Gauge
	DetectToSend  *LatencyRing
	ParseLatency  *LatencyRing

	registry *Registry
}

// NewPipeline registers the standard metric set on a fresh registry.
func NewPipeline() *Pipeline {
	r := NewRegistry()
	return &Pipeline{
		Detected:      r.Counter("tokens_detected", "Create events seen on the stream"),
		Parsed:        r.Counter("tokens_parsed", "Create transactions successfully parsed"),
		ParseDropped:  r.Counter("parse_dropped", "Candidates dropped during fetch/parse"),
		GateDropped:   r.Counter("gate_dropped", "Candidates dropped at the admission gate"),
		Scored:        r.Counter("tokens_scored", "Candidates evaluated by the strategy"),
		Rejected:      r.Counter("tokens_rejected", "Candidates rejected by the strategy"),
		BuysSent:      r.Counter("buys_sent", "Buy transactions handed to the relay"),
		BuysFailed:    r.Counter("buys_failed", "Buy attempts that did not produce a signature"),
		SellsSent:     r.Counter("sells_sent", "Sell transactions handed to the relay"),
		SellsFailed:   r.Counter("sells_failed", "Sell attempts that did not produce a signature"),
		OpenPositions: r.Gauge("open_positions", "Currently open positions"),
		RealizedPnL:   r.Gauge("realized_pnl_sol", "Cumulative realized PnL in SOL"),
		DetectToSend:  r.Latency("detect_to_send", 256),
		ParseLatency:  r.Latency("parse", 256),
		registry:      r,
	}
}

// Snapshot exposes the underlying registry snapshot.
func (p *Pipeline) Snapshot() map[string]float64 {
	return p.registry.Snapshot()
}
