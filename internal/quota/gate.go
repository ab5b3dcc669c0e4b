// Package quota is the yes/no admission check consulted before any remote action.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"igpilot/internal/model"
)

// Decision is the gate's answer. RetryAfter is a hint for the caller's reschedule.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

type Gate interface {
	Admit(ctx context.Context, tenantID, accountID int64, kind model.JobKind) (Decision, error)
}

// AllowAll admits everything.
type AllowAll struct{}

func (AllowAll) Admit(context.Context, int64, int64, model.JobKind) (Decision, error) {
	return Decision{Allowed: true}, nil
}

type Config struct {
	// DailyActions caps remote actions per tenant per calendar day (0 = unlimited).
	DailyActions int
	// DailySearches caps search jobs per tenant per day, on top of DailyActions.
	DailySearches int
	// PerAccountPerMinute paces each account; Burst is the bucket size.
	PerAccountPerMinute float64
	Burst               int
	Location            *time.Location
}

// Budget is an in-process gate: per-tenant daily counters plus per-account pacing.
// Counters reset at the start of each day in Location and are not persisted.
type Budget struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	day     string
	actions map[int64]int
	search  map[int64]int
	pacers  map[int64]*rate.Limiter
}

func NewBudget(cfg Config) *Budget {
	b := &Budget{now: time.Now}
	b.Apply(cfg)
	return b
}

// Apply swaps limits at runtime; counters of the current day are kept.
func (b *Budget) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	b.pacers = map[int64]*rate.Limiter{}
	if b.actions == nil {
		b.actions = map[int64]int{}
		b.search = map[int64]int{}
	}
}

func (b *Budget) Admit(_ context.Context, tenantID, accountID int64, kind model.JobKind) (Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	local := now.In(b.cfg.Location)
	if day := model.DayKey(local); day != b.day {
		b.day = day
		b.actions = map[int64]int{}
		b.search = map[int64]int{}
	}
	untilTomorrow := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, b.cfg.Location).Sub(local)

	if limit := b.cfg.DailyActions; limit > 0 && b.actions[tenantID] >= limit {
		return Decision{Reason: fmt.Sprintf("daily action limit %d reached", limit), RetryAfter: untilTomorrow}, nil
	}
	if kind == model.KindSearch {
		if limit := b.cfg.DailySearches; limit > 0 && b.search[tenantID] >= limit {
			return Decision{Reason: fmt.Sprintf("daily search limit %d reached", limit), RetryAfter: untilTomorrow}, nil
		}
	}
	if b.cfg.PerAccountPerMinute > 0 {
		lim := b.pacers[accountID]
		if lim == nil {
			lim = rate.NewLimiter(rate.Limit(b.cfg.PerAccountPerMinute/60), b.cfg.Burst)
			b.pacers[accountID] = lim
		}
		r := lim.ReserveN(now, 1)
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			return Decision{Reason: "account pacing", RetryAfter: d}, nil
		}
	}

	b.actions[tenantID]++
	if kind == model.KindSearch {
		b.search[tenantID]++
	}
	return Decision{Allowed: true}, nil
}

// Usage returns today's counters for a tenant.
func (b *Budget) Usage(tenantID int64) (actions, searches int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.actions[tenantID], b.search[tenantID]
}
