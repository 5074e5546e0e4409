package rate

import (
	"testing"
	"testing/quick"
	"time"
)

func TestCounterNeedsTwoSamples(t *testing.T) {
	var c Counter
	t0 := time.Unix(1000, 0)
	if _, ok := c.Observe(t0, 100); ok {
		t.Fatal("rate emitted from a single sample")
	}
	bps, ok := c.Observe(t0.Add(2*time.Second), 300)
	if !ok || bps != 100 {
		t.Fatalf("rate = %v, %v; want 100, true", bps, ok)
	}
}

func TestCounterResetClampsAndRebases(t *testing.T) {
	var c Counter
	t0 := time.Unix(1000, 0)
	c.Observe(t0, 5000)
	bps, ok := c.Observe(t0.Add(time.Second), 10)
	if !ok || bps != 0 {
		t.Fatalf("after reset rate = %v, %v; want 0, true", bps, ok)
	}
	// The post-reset value is the new baseline.
	bps, _ = c.Observe(t0.Add(2*time.Second), 110)
	if bps != 100 {
		t.Errorf("rate after rebase = %v, want 100", bps)
	}
}

func TestCounterIgnoresStaleSample(t *testing.T) {
	var c Counter
	t0 := time.Unix(1000, 0)
	c.Observe(t0, 100)
	if _, ok := c.Observe(t0, 900); ok {
		t.Fatal("rate emitted without elapsed time")
	}
	if _, ok := c.Observe(t0.Add(-time.Second), 900); ok {
		t.Fatal("rate emitted for an out-of-order sample")
	}
	bps, _ := c.Observe(t0.Add(time.Second), 200)
	if bps != 100 {
		t.Errorf("baseline moved by stale samples: rate = %v, want 100", bps)
	}
}

func TestRateNeverNegative(t *testing.T) {
	config := &quick.Config{MaxCount: 300}

	// Property: for strictly increasing timestamps every emitted rate is >= 0.
	property := func(values []int64, gaps []uint16) bool {
		var c Counter
		at := time.Unix(0, 0)
		for i, v := range values {
			gap := time.Millisecond
			if i < len(gaps) {
				gap += time.Duration(gaps[i]) * time.Millisecond
			}
			at = at.Add(gap)
			if bps, ok := c.Observe(at, v); ok && bps < 0 {
				return false
			}
		}
		return true
	}
	if err := quick.Check(property, config); err != nil {
		t.Errorf("non-negative rate property failed: %v", err)
	}
}

func TestMeter(t *testing.T) {
	m := NewMeter("netrx", "nettx")
	t0 := time.Unix(50, 0)
	m.Observe(t0, map[string]int64{"netrx": 0, "nettx": 0, "bogus": 1})
	rates := m.Observe(t0.Add(4*time.Second), map[string]int64{"netrx": 4096, "nettx": 400})
	if rates["netrx"] != 1024 || rates["nettx"] != 100 {
		t.Fatalf("rates = %v", rates)
	}
	if _, ok := rates["bogus"]; ok {
		t.Error("unregistered counter leaked into rates")
	}

	// Stale sample keeps previous rates.
	rates = m.Observe(t0.Add(4*time.Second), map[string]int64{"netrx": 1})
	if rates["netrx"] != 1024 {
		t.Errorf("stale sample changed rate to %v", rates["netrx"])
	}

	m.Reset()
	if r := m.Rates(); r["netrx"] != 0 {
		t.Errorf("rates after reset = %v", r)
	}
}
