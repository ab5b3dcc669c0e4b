package engine

import (
	"testing"
	"time"
)

func TestCircuitCooldownDoublesAndCaps(t *testing.T) {
	cfg := normalize(Config{CircuitTripFailures: 2, CircuitBaseDelay: time.Second, CircuitMaxDelay: 3 * time.Second, CircuitResetAfter: time.Hour})
	var c circuits
	now := time.Unix(1700000000, 0)

	c.record(now, "account:1", cfg, true)
	if _, open := c.check(now, "account:1", cfg); open {
		t.Fatalf("expected closed below the trip count")
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, d := range want {
		c.record(now, "account:1", cfg, true)
		until, open := c.check(now, "account:1", cfg)
		if !open || until.Sub(now) != d {
			t.Fatalf("failure %d: expected open for %s, got open=%v for %s", i+2, d, open, until.Sub(now))
		}
	}

	if total, open := c.snapshot(now); total != 1 || open != 1 {
		t.Fatalf("expected 1/1 circuits, got %d/%d", total, open)
	}
	c.record(now, "account:1", cfg, false)
	if _, open := c.check(now, "account:1", cfg); open {
		t.Fatalf("expected success to close the circuit")
	}
}

func TestCircuitForgetsOldFailures(t *testing.T) {
	cfg := normalize(Config{CircuitTripFailures: 2, CircuitResetAfter: time.Minute})
	var c circuits
	now := time.Unix(1700000000, 0)

	c.record(now, "k", cfg, true)
	c.record(now.Add(2*time.Minute), "k", cfg, true)
	if _, open := c.check(now.Add(2*time.Minute), "k", cfg); open {
		t.Fatalf("expected a stale failure not to count toward the trip")
	}
}

func TestCircuitDisabled(t *testing.T) {
	cfg := normalize(Config{CircuitTripFailures: -1})
	var c circuits
	now := time.Now()
	for i := 0; i < 10; i++ {
		c.record(now, "k", cfg, true)
	}
	if _, open := c.check(now, "k", cfg); open {
		t.Fatalf("expected a disabled breaker to stay closed")
	}
}
