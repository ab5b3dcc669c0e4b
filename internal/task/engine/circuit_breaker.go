package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// breaker is one circuit: consecutive counted failures and, once tripped,
// the end of the current cooldown.
type breaker struct {
	fails     int
	openUntil time.Time
	lastFail  time.Time
}

// circuits holds a breaker per key (an account, or a routine name).
// Breakers are created on the first counted failure.
type circuits struct {
	mu sync.Mutex
	m  map[string]*breaker
}

// check reports whether key is cooling down, and until when. A closed breaker
// whose last failure is older than ResetAfter is forgotten.
func (c *circuits) check(now time.Time, key string, cfg Config) (time.Time, bool) {
	if cfg.CircuitTripFailures < 0 {
		return time.Time{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.fresh(now, key, cfg)
	if b == nil || !now.Before(b.openUntil) {
		return time.Time{}, false
	}
	return b.openUntil, true
}

// record feeds one final task result into key's breaker. Success closes it.
// Every counted failure at or past the trip count restarts the cooldown,
// doubling from CircuitBaseDelay up to CircuitMaxDelay.
func (c *circuits) record(now time.Time, key string, cfg Config, failed bool) {
	if cfg.CircuitTripFailures < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.fresh(now, key, cfg)
	if !failed {
		if b != nil {
			delete(c.m, key)
		}
		return
	}
	if b == nil {
		if c.m == nil {
			c.m = make(map[string]*breaker)
		}
		b = &breaker{}
		c.m[key] = b
	}
	b.fails++
	b.lastFail = now
	if over := b.fails - cfg.CircuitTripFailures; over >= 0 {
		b.openUntil = now.Add(cooldown(cfg, over))
	}
}

func (c *circuits) fresh(now time.Time, key string, cfg Config) *breaker {
	b := c.m[key]
	if b != nil && now.Sub(b.lastFail) > cfg.CircuitResetAfter && !now.Before(b.openUntil) {
		delete(c.m, key)
		return nil
	}
	return b
}

func (c *circuits) snapshot(now time.Time) (total, open int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.m {
		total++
		if now.Before(b.openUntil) {
			open++
		}
	}
	return total, open
}

func cooldown(cfg Config, over int) time.Duration {
	d := cfg.CircuitBaseDelay
	for ; over > 0 && d < cfg.CircuitMaxDelay; over-- {
		d *= 2
	}
	return min(d, cfg.CircuitMaxDelay)
}

// countsTowardCircuit: cancellation never counts; otherwise the task decides.
func countsTowardCircuit(opt TaskOptions, err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if opt.CircuitCounts != nil {
		return opt.CircuitCounts(err)
	}
	return true
}

func circuitKey(t Task) string {
	if k := strings.TrimSpace(t.CircuitKey); k != "" {
		return k
	}
	return t.Name
}
