package session

import (
	"context"

	"igpilot/internal/fault"
	"igpilot/internal/model"
	"igpilot/internal/remote"
	"igpilot/pkg/logx"
)

// CheckStatus reports the account's login state. A result younger than
// StatusTTL is served from cache; otherwise the live handle is probed and a
// daily stats snapshot is recorded.
func (m *Manager) CheckStatus(ctx context.Context, id int64) (Status, error) {
	e, err := m.entry(id)
	if err != nil {
		return Status{}, err
	}
	if st, ok := m.cached(e); ok {
		return st, nil
	}

	// Probing uses the handle, which must not overlap a running job.
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return Status{}, fault.Wrap(fault.ClassOf(err), "check status", err)
	}
	defer unlock()
	if st, ok := m.cached(e); ok {
		return st, nil
	}

	acc, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return Status{}, err
	}
	now := m.now()
	st := Status{AccountID: id, Username: acc.Username, State: acc.LoginState, LastLoginAt: acc.LastLoginAt, CheckedAt: now}

	h := e.live()
	if h == nil {
		st.Message = "no live session"
		if acc.LastError != "" {
			st.Message = acc.LastError
		}
		return st, nil
	}

	prof, err := m.client.ProbeProfile(ctx, h)
	if err != nil {
		st.Message = fault.Message(err)
		if fault.ClassOf(err) == fault.ClassTransient {
			// The session may well be fine; keep the handle and skip the cache.
			st.Live = true
			return st, nil
		}
		m.Invalidate(ctx, id, err)
		if fresh, gerr := m.store.GetAccount(ctx, id); gerr == nil {
			st.State = fresh.LoginState
		}
		return st, nil
	}

	st.State = model.LoggedIn
	st.Live = true
	st.Followers, st.Following, st.Posts = prof.Followers, prof.Following, prof.Posts

	e.mu.Lock()
	if e.handle == h {
		cp := st
		e.status = &cp
		e.statusAt = now
	}
	e.mu.Unlock()

	m.snapshot(ctx, id, prof)
	return st, nil
}

func (m *Manager) cached(e *entry) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == nil || e.handle == nil {
		return Status{}, false
	}
	if m.now().Sub(e.statusAt) >= m.cfg.StatusTTL {
		return Status{}, false
	}
	return *e.status, true
}

// snapshot records today's counters; a later snapshot on the same day replaces it.
func (m *Manager) snapshot(ctx context.Context, id int64, prof remote.Profile) {
	now := m.now()
	err := m.store.UpsertDailyStat(ctx, model.DailyStat{
		AccountID: id,
		Day:       model.DayKey(now.In(m.cfg.Location)),
		Followers: prof.Followers,
		Following: prof.Following,
		Posts:     prof.Posts,
		UpdatedAt: now,
	})
	if err != nil {
		m.log.Warn("stats snapshot failed", logx.Int64("account", id), logx.Err(err))
	}
}

// RefreshAll runs CheckStatus for every live account; entries still fresh in
// the cache are not probed again. Failures are logged and skipped.
func (m *Manager) RefreshAll(ctx context.Context) (int, error) {
	n := 0
	for _, id := range m.LiveAccounts() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := m.CheckStatus(ctx, id); err != nil {
			m.log.Debug("status refresh failed", logx.Int64("account", id), logx.Err(err))
			continue
		}
		n++
	}
	return n, nil
}
