// Package observability tracks what the engine did during a run and can
// expose it on a loopback HTTP endpoint. Nothing in the engine's control
// flow depends on it.
package observability

import (
	"sync"
	"sync/atomic"
)

type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Timing accumulates observed durations in milliseconds.
type Timing struct {
	mu    sync.Mutex
	count int64
	sumMs int64
}

func (t *Timing) Observe(ms int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	t.sumMs += ms
}

func (t *Timing) Snapshot() (count, sumMs, avgMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return 0, 0, 0
	}
	return t.count, t.sumMs, t.sumMs / t.count
}

type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	timings  map[string]*Timing
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		timings:  make(map[string]*Timing),
	}
}

func (r *Registry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{}
	r.counters[name] = c
	return c
}

func (r *Registry) Timing(name string) *Timing {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timings[name]; ok {
		return t
	}
	t := &Timing{}
	r.timings[name] = t
	return t
}

func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make(map[string]int64)
	for name, c := range r.counters {
		result["counter."+name] = c.Value()
	}
	for name, t := range r.timings {
		count, sum, avg := t.Snapshot()
		result["timing."+name+".count"] = count
		result["timing."+name+".sum_ms"] = sum
		result["timing."+name+".avg_ms"] = avg
	}
	return result
}
