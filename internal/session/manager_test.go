package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"igpilot/internal/eventbus"
	"igpilot/internal/fault"
	"igpilot/internal/model"
	"igpilot/internal/proxy"
	"igpilot/internal/remote"
	"igpilot/internal/remote/sim"
	"igpilot/internal/storage"
	"igpilot/internal/vault"
	"igpilot/pkg/logx"
)

const testSecret = "SGPOGESJNAA6TV4PEQGVJCAN6KTPJ24R"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store storage.Store
	vault *vault.Vault
	svc   *sim.Service
	clock *fakeClock
	bus   eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "s.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	v, err := vault.New(vault.Config{Key: strings.Repeat("42", 32)}, vault.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	svc := sim.NewService()
	svc.SetClock(clock.Now)
	return &fixture{store: st, vault: v, svc: svc, clock: clock, bus: eventbus.New()}
}

// manager builds a fresh Manager, as a new process would.
func (f *fixture) manager() *Manager {
	client := sim.NewClient(f.svc, logx.Nop())
	return New(Config{}, logx.Nop(), f.store, f.vault, proxy.NewRegistry(f.store, f.vault), client,
		WithClock(f.clock.Now), WithBus(f.bus))
}

func (f *fixture) account(t *testing.T, username, password string, mut func(a *model.Account)) *model.Account {
	t.Helper()
	sealed, _ := f.vault.Seal(password)
	a := &model.Account{Username: username, PasswordSealed: sealed}
	if mut != nil {
		mut(a)
	}
	if err := f.store.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func (f *fixture) state(t *testing.T, id int64) *model.Account {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a
}

func TestAcquireReuseRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := &model.Proxy{Scheme: model.ProxyHTTP, Host: "10.0.0.5", Port: 8080, Active: true}
	if err := f.store.CreateProxy(ctx, p); err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	f.svc.AddUser(sim.User{Username: "x", Password: "pw"})
	acc := f.account(t, "x", "pw", func(a *model.Account) { a.ProxyID = &p.ID })
	m := f.manager()

	if got := f.state(t, acc.ID).LoginState; got != model.LoggedOut {
		t.Fatalf("expected logged_out before acquire, got %s", got)
	}
	h1, err := m.Acquire(ctx, acc.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	a := f.state(t, acc.ID)
	if a.LoginState != model.LoggedIn || a.LastLoginAt == nil {
		t.Fatalf("expected logged_in with timestamp, got %s %v", a.LoginState, a.LastLoginAt)
	}
	if got := f.svc.Egress("x"); got != "http://10.0.0.5:8080" {
		t.Fatalf("expected login through proxy, got %q", got)
	}

	h2, err := m.Acquire(ctx, acc.ID)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected the same handle")
	}
	if f.svc.Logins("x") != 1 {
		t.Fatalf("expected exactly one login, got %d", f.svc.Logins("x"))
	}

	if err := m.Release(ctx, acc.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := f.state(t, acc.ID).LoginState; got != model.LoggedOut {
		t.Fatalf("expected logged_out after release, got %s", got)
	}
	if f.svc.Logouts("x") != 1 || m.Live(acc.ID) {
		t.Fatalf("expected remote logout and no live handle")
	}
	if _, err := f.store.LoadSession(ctx, acc.ID); err != nil {
		t.Fatalf("expected blob to survive release: %v", err)
	}
}

func TestConcurrentFirstUseSharesOneLogin(t *testing.T) {
	f := newFixture(t)
	f.svc.AddUser(sim.User{Username: "busy", Password: "pw"})
	f.svc.SetDelay(50 * time.Millisecond)
	acc := f.account(t, "busy", "pw", nil)
	m := f.manager()

	var wg sync.WaitGroup
	handles := make([]remote.Handle, 12)
	errs := make([]error, 12)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = m.Acquire(context.Background(), acc.ID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if handles[i] != handles[0] {
			t.Fatalf("acquire %d returned a different handle", i)
		}
	}
	if n := f.svc.Logins("busy"); n != 1 {
		t.Fatalf("expected 1 login, got %d", n)
	}
	if p := f.svc.Peak("busy"); p != 1 {
		t.Fatalf("expected no overlapping remote calls, got peak %d", p)
	}
}

func TestChallengeIsStickyAndNeverRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.AddUser(sim.User{Username: "cp", Password: "pw", Checkpoint: true})
	acc := f.account(t, "cp", "pw", nil)
	m := f.manager()
	events, unsub := f.bus.Subscribe(8, eventbus.AccountChallenge)
	defer unsub()

	_, err := m.Acquire(ctx, acc.ID)
	if !fault.Is(err, fault.ClassChallenge) {
		t.Fatalf("expected challenge, got %v", err)
	}
	a := f.state(t, acc.ID)
	if a.LoginState != model.ChallengeRequired {
		t.Fatalf("expected challenge_required, got %s", a.LoginState)
	}
	if !strings.Contains(a.LastError, fault.ManualVerification) {
		t.Fatalf("expected manual verification note, got %q", a.LastError)
	}
	select {
	case <-events:
	default:
		t.Fatalf("expected challenge event")
	}

	for i := 0; i < 3; i++ {
		_, err := m.Acquire(ctx, acc.ID)
		if !fault.Is(err, fault.ClassChallenge) {
			t.Fatalf("expected sticky challenge, got %v", err)
		}
		if n := strings.Count(fault.Message(err), fault.ManualVerification); n != 1 {
			t.Fatalf("expected the stored reason once, got %q", fault.Message(err))
		}
	}
	if n := f.svc.Logins("cp"); n != 1 {
		t.Fatalf("challenge must not be retried, got %d logins", n)
	}

	f.svc.AddUser(sim.User{Username: "cp", Password: "pw"})
	if err := m.Clear(ctx, acc.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := m.Acquire(ctx, acc.ID); err != nil {
		t.Fatalf("acquire after clear: %v", err)
	}
}

func TestAuthFailureRecordsLoggedOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.AddUser(sim.User{Username: "u", Password: "right"})
	acc := f.account(t, "u", "wrong", nil)
	m := f.manager()

	_, err := m.Acquire(ctx, acc.ID)
	if !fault.Is(err, fault.ClassAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	a := f.state(t, acc.ID)
	if a.LoginState != model.LoggedOut || !strings.HasPrefix(a.LastError, "[auth_error]") {
		t.Fatalf("unexpected record %s %q", a.LoginState, a.LastError)
	}
}

func TestStepUpCodeDerivedAtLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.AddUser(sim.User{Username: "tfa", Password: "pw", StepUpSecret: testSecret})
	sealed, _ := f.vault.Seal(testSecret)
	acc := f.account(t, "tfa", "pw", func(a *model.Account) { a.StepUpSealed = sealed })
	m := f.manager()

	if _, err := m.Acquire(ctx, acc.ID); err != nil {
		t.Fatalf("acquire with step-up: %v", err)
	}
	raw, err := f.store.LoadSession(ctx, acc.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if !strings.Contains(string(raw), sealed) {
		t.Fatalf("expected stored blob to carry the sealed step-up secret")
	}
	if strings.Contains(string(raw), testSecret) {
		t.Fatalf("stored blob leaks the plaintext secret")
	}
}

func TestResumeAcrossRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.AddUser(sim.User{Username: "r", Password: "pw", Followers: 5})
	acc := f.account(t, "r", "pw", nil)

	first := f.manager()
	if _, err := first.Acquire(ctx, acc.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	first.Close()
	if _, err := first.Acquire(ctx, acc.ID); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}

	second := f.manager()
	h, err := second.Acquire(ctx, acc.ID)
	if err != nil {
		t.Fatalf("acquire after restart: %v", err)
	}
	if f.svc.Logins("r") != 1 || f.svc.Resumes("r") != 1 {
		t.Fatalf("expected resume without login, got logins=%d resumes=%d", f.svc.Logins("r"), f.svc.Resumes("r"))
	}
	if _, err := sim.NewClient(f.svc, logx.Nop()).ProbeProfile(ctx, h); err != nil {
		t.Fatalf("resumed handle not usable: %v", err)
	}

	// Remote side dropped the session: the next process logs in again.
	f.svc.Expire("r")
	third := f.manager()
	if _, err := third.Acquire(ctx, acc.ID); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if f.svc.Logins("r") != 2 {
		t.Fatalf("expected fallback login, got %d logins", f.svc.Logins("r"))
	}
}

func TestCheckStatusCacheAndSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.AddUser(sim.User{Username: "s", Password: "pw", Followers: 100, Posts: 3})
	acc := f.account(t, "s", "pw", nil)
	m := f.manager()

	st, err := m.CheckStatus(ctx, acc.ID)
	if err != nil || st.Live {
		t.Fatalf("expected no live session before acquire, got %+v (%v)", st, err)
	}
	if _, err := m.Acquire(ctx, acc.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st, err = m.CheckStatus(ctx, acc.ID)
	if err != nil || !st.Live || st.Followers != 100 {
		t.Fatalf("unexpected status %+v (%v)", st, err)
	}

	f.svc.AddUser(sim.User{Username: "s", Password: "pw", Followers: 150, Posts: 4})
	f.clock.Advance(time.Minute)
	st, _ = m.CheckStatus(ctx, acc.ID)
	if st.Followers != 100 {
		t.Fatalf("expected cached status within ttl, got %d followers", st.Followers)
	}

	f.clock.Advance(5 * time.Minute)
	st, _ = m.CheckStatus(ctx, acc.ID)
	if st.Followers != 150 {
		t.Fatalf("expected refreshed status after ttl, got %d followers", st.Followers)
	}

	day := model.DayKey(f.clock.Now().UTC())
	rows, err := f.store.ListDailyStats(ctx, acc.ID, day, day)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one snapshot row for the day, got %d (%v)", len(rows), err)
	}
	if rows[0].Followers != 150 || rows[0].Posts != 4 {
		t.Fatalf("expected last snapshot to win, got %+v", rows[0])
	}
}

func TestInvalidateExpiredDropsBlob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.AddUser(sim.User{Username: "e", Password: "pw"})
	acc := f.account(t, "e", "pw", nil)
	m := f.manager()
	if _, err := m.Acquire(ctx, acc.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m.Invalidate(ctx, acc.ID, fault.New(fault.ClassSessionExpired, "post", "login required"))
	if m.Live(acc.ID) {
		t.Fatalf("expected handle dropped")
	}
	if _, err := f.store.LoadSession(ctx, acc.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected stale blob deleted, got %v", err)
	}
	if got := f.state(t, acc.ID).LoginState; got != model.LoggedOut {
		t.Fatalf("expected logged_out, got %s", got)
	}

	if _, err := m.Acquire(ctx, acc.ID); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	m.Invalidate(ctx, acc.ID, fault.New(fault.ClassBanned, "follow", "disabled"))
	if got := f.state(t, acc.ID).LoginState; got != model.Banned {
		t.Fatalf("expected banned, got %s", got)
	}
}

func TestAcquireMissingAccount(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager().Acquire(context.Background(), 404); !fault.Is(err, fault.ClassNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestReleaseDiscardsLoginInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.AddUser(sim.User{Username: "slow", Password: "pw"})
	f.svc.SetDelay(200 * time.Millisecond)
	acc := f.account(t, "slow", "pw", nil)
	m := f.manager()

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, acc.ID)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := m.Release(ctx, acc.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected acquire to fail after release")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("acquire did not return")
	}
	if m.Live(acc.ID) {
		t.Fatalf("expected no live session after release")
	}
	if got := f.state(t, acc.ID).LoginState; got == model.LoggedIn {
		t.Fatalf("expected account not logged_in after release, got %s", got)
	}
	if n := f.svc.Logouts("slow"); n != 1 {
		t.Fatalf("expected the late session to be logged out, got %d logouts", n)
	}

	f.svc.SetDelay(0)
	if _, err := m.Acquire(ctx, acc.ID); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if !m.Live(acc.ID) {
		t.Fatalf("expected a live session after a fresh acquire")
	}
}
