// Package rate derives bytes/second from cumulative counters.
//
// A rate is only emitted from two samples whose timestamps strictly advance.
// A counter that goes backwards is taken as a reset: the rate is zero and the
// new value becomes the baseline. A sample that does not advance time is stale
// and leaves the baseline untouched.
package rate

import (
	"sync"
	"time"
)

// Counter tracks one cumulative counter.
type Counter struct {
	last  int64
	at    time.Time
	valid bool
}

// Observe records a cumulative value seen at t and returns the rate since
// the previous sample. ok is false when no rate can be computed yet or the
// sample was stale.
func (c *Counter) Observe(t time.Time, value int64) (bps float64, ok bool) {
	if !c.valid {
		c.last, c.at, c.valid = value, t, true
		return 0, false
	}
	dt := t.Sub(c.at).Seconds()
	if dt <= 0 {
		return 0, false
	}
	diff := value - c.last
	if diff < 0 {
		diff = 0 // counter reset (restart)
	}
	c.last, c.at = value, t
	return float64(diff) / dt, true
}

// Reset forgets the baseline.
func (c *Counter) Reset() { *c = Counter{} }

// Meter computes rates for a fixed set of named counters sampled together.
// It is safe for concurrent use.
type Meter struct {
	mu       sync.Mutex
	counters map[string]*Counter
	rates    map[string]float64
}

// NewMeter creates a Meter for the given counter names.
func NewMeter(names ...string) *Meter {
	m := &Meter{
		counters: make(map[string]*Counter, len(names)),
		rates:    make(map[string]float64, len(names)),
	}
	for _, n := range names {
		m.counters[n] = &Counter{}
	}
	return m
}

// Observe feeds one sample of every counter taken at t. It returns the
// current rates; counters without a fresh rate keep their previous value.
// Names not registered with NewMeter are ignored.
func (m *Meter) Observe(t time.Time, values map[string]int64) map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, v := range values {
		c, ok := m.counters[name]
		if !ok {
			continue
		}
		if bps, ok := c.Observe(t, v); ok {
			m.rates[name] = bps
		}
	}
	return m.snapshot()
}

// Rates returns a copy of the latest rates.
func (m *Meter) Rates() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// Reset drops all baselines and rates.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.counters {
		c.Reset()
	}
	m.rates = make(map[string]float64, len(m.counters))
}

func (m *Meter) snapshot() map[string]float64 {
	out := make(map[string]float64, len(m.counters))
	for name := range m.counters {
		out[name] = m.rates[name]
	}
	return out
}
