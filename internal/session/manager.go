// Package session owns the pool of live remote handles, one per account.
//
// Acquire returns a cached handle without touching the network, otherwise it
// resumes the persisted session blob (validated by a profile probe) and only
// then falls back to a full credential login. Concurrent first-use callers of
// one account share a single login.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"igpilot/internal/eventbus"
	"igpilot/internal/fault"
	"igpilot/internal/keylock"
	"igpilot/internal/model"
	"igpilot/internal/proxy"
	"igpilot/internal/remote"
	"igpilot/internal/storage"
	"igpilot/pkg/logx"
)

var ErrClosed = errors.New("session manager closed")

// errReleased is returned to callers whose login finished after Release.
var errReleased = fault.New(fault.ClassCancelled, "acquire", "session released during login")

type Config struct {
	// StatusTTL is how long a CheckStatus result is served from cache.
	StatusTTL time.Duration
	// LoginTimeout bounds one resume-or-login attempt.
	LoginTimeout time.Duration
	// Location decides the calendar day of stats snapshots.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.StatusTTL <= 0 {
		c.StatusTTL = 5 * time.Minute
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 90 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Store is the persistence the manager needs.
type Store interface {
	storage.AccountStore
	storage.SessionStore
	storage.StatsStore
}

// Secrets opens sealed credentials and derives step-up codes.
type Secrets interface {
	Open(sealed string) (string, error)
	OneTimeCode(sealedSecret string) (string, error)
}

// ProxyResolver maps an account to its egress.
type ProxyResolver interface {
	For(ctx context.Context, a *model.Account) (*proxy.Endpoint, error)
}

// Blob is the persisted form of a session: the remote state plus the
// step-up secret and proxy it was created with.
type Blob struct {
	State        []byte    `json:"state"`
	StepUpSealed string    `json:"step_up,omitempty"`
	ProxyID      *int64    `json:"proxy_id,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// Status is the result of CheckStatus.
type Status struct {
	AccountID   int64            `json:"account_id"`
	Username    string           `json:"username"`
	State       model.LoginState `json:"state"`
	Live        bool             `json:"live"`
	Followers   int64            `json:"followers"`
	Following   int64            `json:"following"`
	Posts       int64            `json:"posts"`
	Message     string           `json:"message,omitempty"`
	LastLoginAt *time.Time       `json:"last_login,omitempty"`
	CheckedAt   time.Time        `json:"checked_at"`
}

type entry struct {
	mu       sync.Mutex
	handle   remote.Handle
	status   *Status
	statusAt time.Time
}

type Manager struct {
	cfg     Config
	log     logx.Logger
	store   Store
	secrets Secrets
	proxies ProxyResolver
	client  remote.Client
	bus     eventbus.Bus
	locks   *keylock.Keyed
	now     func() time.Time

	mu      sync.Mutex
	entries map[int64]*entry
	gens    map[int64]uint64 // bumped by Release; stale logins must not install
	closed  bool

	flight singleflight.Group
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(m *Manager) { m.bus = b } }

// WithLocks shares the per-account execution locks, so status probes never
// overlap a running job on the same handle.
func WithLocks(l *keylock.Keyed) Option {
	return func(m *Manager) {
		if l != nil {
			m.locks = l
		}
	}
}

func New(cfg Config, log logx.Logger, store Store, secrets Secrets, proxies ProxyResolver, client remote.Client, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "session")),
		store:   store,
		secrets: secrets,
		proxies: proxies,
		client:  client,
		locks:   keylock.New(),
		now:     time.Now,
		entries: map[int64]*entry{},
		gens:    map[int64]uint64{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Locks returns the per-account lock set shared with the executor.
func (m *Manager) Locks() *keylock.Keyed { return m.locks }

func (m *Manager) entry(id int64) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e := m.entries[id]
	if e == nil {
		e = &entry{}
		m.entries[id] = e
	}
	return e, nil
}

func (m *Manager) generation(id int64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[id]
}

func (e *entry) live() remote.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle
}

// Acquire returns a ready handle for the account or a classified error.
func (m *Manager) Acquire(ctx context.Context, id int64) (remote.Handle, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	if h := e.live(); h != nil {
		return h, nil
	}

	// The shared attempt must outlive any single waiter's cancellation.
	ch := m.flight.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.LoginTimeout)
		defer cancel()
		return m.establish(lctx, id)
	})
	select {
	case <-ctx.Done():
		return nil, fault.Wrap(fault.ClassOf(ctx.Err()), "acquire", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(remote.Handle), nil
	}
}

func (m *Manager) establish(ctx context.Context, id int64) (remote.Handle, error) {
	gen := m.generation(id)
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	if h := e.live(); h != nil {
		return h, nil
	}

	acc, err := m.store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fault.Newf(fault.ClassNotFound, "acquire", "account %d not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.ClassTransient, "acquire", err)
	}
	switch acc.LoginState {
	case model.ChallengeRequired:
		return nil, fault.New(fault.ClassChallenge, "acquire", orDefault(fault.Untag(acc.LastError), "awaiting operator"))
	case model.Banned:
		return nil, fault.New(fault.ClassBanned, "acquire", orDefault(fault.Untag(acc.LastError), "account banned"))
	}

	log := m.log.With(logx.Int64("account", acc.ID), logx.String("user", acc.Username))

	ep, err := m.proxies.For(ctx, acc)
	if err != nil {
		m.recordFailure(ctx, acc, err)
		return nil, err
	}

	h, err := m.resume(ctx, acc, ep, gen, log)
	if err != nil {
		m.recordFailure(ctx, acc, err)
		return nil, err
	}
	if h != nil {
		return h, nil
	}
	return m.login(ctx, acc, ep, gen, log)
}

// resume returns (nil, nil) when there is nothing usable to resume from.
// Challenge and ban answers are returned as errors; everything else falls back to login.
func (m *Manager) resume(ctx context.Context, acc *model.Account, ep *proxy.Endpoint, gen uint64, log logx.Logger) (remote.Handle, error) {
	raw, err := m.store.LoadSession(ctx, acc.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn("load session failed", logx.Err(err))
		}
		return nil, nil
	}
	var b Blob
	if err := json.Unmarshal(raw, &b); err != nil || len(b.State) == 0 {
		log.Warn("discarding unreadable session blob", logx.Err(err))
		return nil, nil
	}
	if !sameProxy(b.ProxyID, acc.ProxyID) {
		log.Info("proxy changed since session was saved, logging in again")
		return nil, nil
	}

	h, err := m.client.ResumeSession(ctx, b.State, ep)
	if err == nil {
		var prof remote.Profile
		prof, err = m.client.ProbeProfile(ctx, h)
		if err == nil {
			if err := m.install(ctx, acc, h, &prof, gen); err != nil {
				return nil, err
			}
			log.Info("session resumed", logx.String("egress", ep.Redacted()))
			return h, nil
		}
	}
	if fault.ClassOf(err).Sticky() {
		return nil, err
	}
	log.Debug("resume failed, falling back to login", logx.Err(err))
	return nil, nil
}

func (m *Manager) login(ctx context.Context, acc *model.Account, ep *proxy.Endpoint, gen uint64, log logx.Logger) (remote.Handle, error) {
	pass, err := m.secrets.Open(acc.PasswordSealed)
	if err != nil {
		err = fault.Wrap(fault.ClassAuth, "open credentials", err)
		m.recordFailure(ctx, acc, err)
		return nil, err
	}

	req := remote.LoginRequest{Username: acc.Username, Password: pass, Proxy: ep}
	if acc.HasStepUp() {
		sealed := acc.StepUpSealed
		req.StepUp = func() (string, error) { return m.secrets.OneTimeCode(sealed) }
	}

	start := m.now()
	h, state, err := m.client.Login(ctx, req)
	if err != nil {
		log.Warn("login failed", logx.String("class", string(fault.ClassOf(err))), logx.Err(err))
		m.recordFailure(ctx, acc, err)
		return nil, err
	}

	data, err := json.Marshal(Blob{State: state, StepUpSealed: acc.StepUpSealed, ProxyID: acc.ProxyID, SavedAt: m.now()})
	if err == nil {
		err = m.store.SaveSession(ctx, acc.ID, data)
	}
	if err != nil {
		log.Warn("persist session failed", logx.Err(err))
	}

	if err := m.install(ctx, acc, h, nil, gen); err != nil {
		log.Info("login finished after release, session dropped")
		return nil, err
	}
	log.Info("logged in", logx.String("egress", ep.Redacted()), logx.Duration("took", m.now().Sub(start)))
	return h, nil
}

// install makes h the account's live handle and records logged_in.
// A different previous handle is logged out so only one session stays live.
// If the account was released since gen was read, h is logged out instead.
func (m *Manager) install(ctx context.Context, acc *model.Account, h remote.Handle, prof *remote.Profile, gen uint64) error {
	now := m.now()

	m.mu.Lock()
	if m.closed || m.gens[acc.ID] != gen {
		closed := m.closed
		m.mu.Unlock()
		_ = m.client.Logout(context.WithoutCancel(ctx), h)
		if closed {
			return ErrClosed
		}
		return errReleased
	}
	e := m.entries[acc.ID]
	if e == nil {
		e = &entry{}
		m.entries[acc.ID] = e
	}
	e.mu.Lock()
	old := e.handle
	e.handle = h
	if prof != nil {
		e.status = &Status{
			AccountID: acc.ID, Username: acc.Username, State: model.LoggedIn, Live: true,
			Followers: prof.Followers, Following: prof.Following, Posts: prof.Posts,
			LastLoginAt: &now, CheckedAt: now,
		}
		e.statusAt = now
	} else {
		e.status = nil
	}
	e.mu.Unlock()
	m.mu.Unlock()

	if old != nil && old != h {
		if err := m.client.Logout(ctx, old); err != nil {
			m.log.Debug("logout of replaced session failed", logx.Int64("account", acc.ID), logx.Err(err))
		}
	}
	m.setState(ctx, acc.ID, acc.Username, model.LoggedIn, &now, "")
	return nil
}

func (m *Manager) recordFailure(ctx context.Context, acc *model.Account, err error) {
	state := model.LoggedOut
	switch fault.ClassOf(err) {
	case fault.ClassChallenge:
		state = model.ChallengeRequired
	case fault.ClassBanned:
		state = model.Banned
	case fault.ClassCancelled:
		return
	}
	m.setState(ctx, acc.ID, acc.Username, state, nil, fault.Message(err))
}

// setState persists a login_status transition and announces it. The write is
// detached from ctx so a cancelled caller still leaves an accurate record.
func (m *Manager) setState(ctx context.Context, id int64, username string, st model.LoginState, at *time.Time, msg string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.SetLoginState(wctx, id, storage.LoginUpdate{State: st, LastLoginAt: at, LastError: msg}); err != nil {
		m.log.Warn("record login state failed", logx.Int64("account", id), logx.String("state", string(st)), logx.Err(err))
	}
	if m.bus == nil {
		return
	}
	typ := eventbus.AccountLoggedOut
	switch st {
	case model.LoggedIn:
		typ = eventbus.AccountLoggedIn
	case model.ChallengeRequired:
		typ = eventbus.AccountChallenge
	case model.Banned:
		typ = eventbus.AccountBanned
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.AccountEvent{AccountID: id, Username: username, State: string(st), Message: msg}})
}

// Invalidate drops the live handle after a capability reported cause.
// Challenge and ban park the account; anything else leaves it logged out.
// An expired session also discards the stored blob.
func (m *Manager) Invalidate(ctx context.Context, id int64, cause error) {
	m.mu.Lock()
	e := m.entries[id]
	m.mu.Unlock()
	if e != nil {
		e.mu.Lock()
		e.handle = nil
		e.status = nil
		e.mu.Unlock()
	}

	class := fault.ClassOf(cause)
	if class == fault.ClassSessionExpired {
		if err := m.store.DeleteSession(context.WithoutCancel(ctx), id); err != nil {
			m.log.Debug("delete stale session failed", logx.Int64("account", id), logx.Err(err))
		}
	}
	acc, err := m.store.GetAccount(context.WithoutCancel(ctx), id)
	if err != nil {
		return
	}
	m.recordFailure(ctx, acc, cause)
}

// Release logs out the remote session (best effort) and forgets the handle
// and cached status. A login still in flight is discarded when it lands.
// The stored blob is left in place.
func (m *Manager) Release(ctx context.Context, id int64) error {
	m.mu.Lock()
	e := m.entries[id]
	delete(m.entries, id)
	m.gens[id]++
	m.mu.Unlock()
	m.flight.Forget(strconv.FormatInt(id, 10))

	if e != nil {
		e.mu.Lock()
		h := e.handle
		e.handle = nil
		e.status = nil
		e.mu.Unlock()
		if h != nil {
			if err := m.client.Logout(ctx, h); err != nil {
				m.log.Debug("logout failed", logx.Int64("account", id), logx.Err(err))
			}
		}
	}

	acc, err := m.store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if acc.LoginState == model.LoggedIn {
		m.setState(ctx, id, acc.Username, model.LoggedOut, nil, "")
	}
	return nil
}

// Clear resets a challenge_required or banned account to logged_out.
func (m *Manager) Clear(ctx context.Context, id int64) error {
	acc, err := m.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if !acc.LoginState.Sticky() {
		return nil
	}
	m.setState(ctx, id, acc.Username, model.LoggedOut, nil, "")
	m.log.Info("sticky state cleared", logx.Int64("account", id), logx.String("was", string(acc.LoginState)))
	return nil
}

// Live reports whether the account has a live handle.
func (m *Manager) Live(id int64) bool {
	m.mu.Lock()
	e := m.entries[id]
	m.mu.Unlock()
	return e != nil && e.live() != nil
}

// LiveAccounts lists accounts that currently hold a live handle.
func (m *Manager) LiveAccounts() []int64 {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.entries))
	es := make([]*entry, 0, len(m.entries))
	for id, e := range m.entries {
		ids = append(ids, id)
		es = append(es, e)
	}
	m.mu.Unlock()

	out := ids[:0]
	for i, e := range es {
		if e.live() != nil {
			out = append(out, ids[i])
		}
	}
	return out
}

// Close forgets every handle without remote logout; stored blobs let the next
// process resume.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = map[int64]*entry{}
}

func sameProxy(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
