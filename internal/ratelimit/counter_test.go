package ratelimit

import (
	"testing"
	"time"
)

func TestCounterThrottles(t *testing.T) {
	c := NewCounter(time.Hour)
	if total, ok := c.Inc(); !ok || total != 1 {
		t.Fatalf("first Inc = %d,%t, want 1,true", total, ok)
	}
	if total, ok := c.Inc(); ok || total != 2 {
		t.Fatalf("second Inc = %d,%t, want 2,false", total, ok)
	}
	if c.Total() != 2 {
		t.Fatalf("Total = %d", c.Total())
	}
}

func TestZeroIntervalAlwaysLogs(t *testing.T) {
	var c Counter
	for i := 1; i <= 3; i++ {
		if total, ok := c.Inc(); !ok || total != uint64(i) {
			t.Fatalf("Inc #%d = %d,%t", i, total, ok)
		}
	}
}

func TestCounterAllowsAfterInterval(t *testing.T) {
	c := NewCounter(5 * time.Millisecond)
	c.Inc()
	time.Sleep(10 * time.Millisecond)
	if _, ok := c.Inc(); !ok {
		t.Fatalf("expected log after interval elapsed")
	}
}
