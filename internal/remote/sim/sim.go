// Package sim is an in-memory stand-in for the remote service. It backs the
// "sim" driver used for dry runs, and tests use it to observe login counts,
// concurrency and injected failures.
package sim

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"igpilot/internal/fault"
	"igpilot/internal/proxy"
	"igpilot/internal/remote"
	"igpilot/internal/vault"
	"igpilot/pkg/logx"
)

func init() {
	remote.Register("sim", func(cfg remote.Config, log logx.Logger) (remote.Client, error) {
		svc := NewService()
		svc.open = cfg.Options["strict"] != "true"
		if d := cfg.Options["delay"]; d != "" {
			v, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("sim: delay: %w", err)
			}
			svc.delay = v
		}
		return NewClient(svc, log), nil
	})
}

// User is one remote identity known to the service.
type User struct {
	Username string
	Password string
	// StepUpSecret, when set, makes every login demand a matching TOTP code.
	StepUpSecret string
	// Checkpoint forces a challenge on login regardless of credentials.
	Checkpoint bool
	Banned     bool
	Followers  int64
	Following  int64
	Posts      int64
}

// Service is the simulated remote side shared by any number of clients.
type Service struct {
	mu       sync.Mutex
	open     bool
	delay    time.Duration
	now      func() time.Time
	users    map[string]*User
	sessions map[string]string // token -> username

	logins   map[string]int
	resumes  map[string]int
	logouts  map[string]int
	inflight map[string]int
	peak     map[string]int
	proxies  map[string]string // username -> egress seen at last login
	faults   map[string][]error
}

func NewService() *Service {
	return &Service{
		now:      time.Now,
		users:    map[string]*User{},
		sessions: map[string]string{},
		logins:   map[string]int{},
		resumes:  map[string]int{},
		logouts:  map[string]int{},
		inflight: map[string]int{},
		peak:     map[string]int{},
		proxies:  map[string]string{},
		faults:   map[string][]error{},
	}
}

func (s *Service) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.Username] = &cp
}

func (s *Service) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Fail queues err as the result of the next call of op
// ("login", "resume", "probe", "post", "follow", "search", "message", "logout").
func (s *Service) Fail(op string, err error) {
	s.mu.Lock()
	s.faults[op] = append(s.faults[op], err)
	s.mu.Unlock()
}

// Expire invalidates every session of username on the remote side.
func (s *Service) Expire(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, u := range s.sessions {
		if u == username {
			delete(s.sessions, tok)
		}
	}
}

func (s *Service) Logins(username string) int  { return s.read(s.logins, username) }
func (s *Service) Resumes(username string) int { return s.read(s.resumes, username) }
func (s *Service) Logouts(username string) int { return s.read(s.logouts, username) }

// Peak is the highest number of simultaneous calls observed for username.
func (s *Service) Peak(username string) int { return s.read(s.peak, username) }

// Egress is the proxy the last login of username went through ("direct" when none).
func (s *Service) Egress(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxies[username]
}

func (s *Service) read(m map[string]int, k string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m[k]
}

// enter tracks an in-flight call, applies the configured delay and pops an injected fault.
func (s *Service) enter(ctx context.Context, op, username string) (func(), error) {
	s.mu.Lock()
	s.inflight[username]++
	if s.inflight[username] > s.peak[username] {
		s.peak[username] = s.inflight[username]
	}
	delay := s.delay
	var injected error
	if q := s.faults[op]; len(q) > 0 {
		injected, s.faults[op] = q[0], q[1:]
	}
	s.mu.Unlock()

	leave := func() {
		s.mu.Lock()
		s.inflight[username]--
		s.mu.Unlock()
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			leave()
			return nil, fault.Wrap(fault.ClassOf(ctx.Err()), op, ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		leave()
		return nil, fault.Wrap(fault.ClassOf(err), op, err)
	}
	if injected != nil {
		leave()
		return nil, injected
	}
	return leave, nil
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

type blob struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

type handle struct {
	token    string
	username string
}

func (h *handle) Username() string { return h.username }

// Client implements remote.Client against a Service.
type Client struct {
	svc *Service
	log logx.Logger
}

func NewClient(svc *Service, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{svc: svc, log: log.With(logx.String("comp", "remote.sim"))}
}

func (c *Client) Login(ctx context.Context, req remote.LoginRequest) (remote.Handle, []byte, error) {
	leave, err := c.svc.enter(ctx, "login", req.Username)
	if err != nil {
		return nil, nil, err
	}
	defer leave()

	s := c.svc
	s.mu.Lock()
	s.logins[req.Username]++
	s.proxies[req.Username] = req.Proxy.Redacted()
	u := s.users[req.Username]
	if u == nil && s.open {
		u = &User{Username: req.Username, Password: req.Password}
		s.users[req.Username] = u
	}
	var cp User
	if u != nil {
		cp = *u
	}
	now := s.now()
	open := s.open
	s.mu.Unlock()

	switch {
	case u == nil || cp.Password != req.Password:
		return nil, nil, fault.New(fault.ClassAuth, "login", "bad credentials")
	case cp.Banned:
		return nil, nil, fault.New(fault.ClassBanned, "login", "account disabled")
	case cp.Checkpoint:
		return nil, nil, fault.New(fault.ClassChallenge, "login", "checkpoint")
	}
	if cp.StepUpSecret != "" || (open && req.StepUp != nil) {
		if req.StepUp == nil {
			return nil, nil, fault.New(fault.ClassChallenge, "login", "two-factor code required")
		}
		code, err := req.StepUp()
		if err != nil {
			return nil, nil, fault.Wrap(fault.ClassChallenge, "login", err)
		}
		if cp.StepUpSecret != "" {
			want, err := vault.TOTP(cp.StepUpSecret, now)
			if err != nil || code != want {
				return nil, nil, fault.New(fault.ClassAuth, "login", "invalid two-factor code")
			}
		}
	}

	tok := newToken()
	s.mu.Lock()
	s.sessions[tok] = req.Username
	s.mu.Unlock()

	b, _ := json.Marshal(blob{Token: tok, Username: req.Username})
	c.log.Debug("sim login", logx.String("user", req.Username), logx.String("egress", req.Proxy.Redacted()))
	return &handle{token: tok, username: req.Username}, b, nil
}

func (c *Client) ResumeSession(ctx context.Context, raw []byte, _ *proxy.Endpoint) (remote.Handle, error) {
	var b blob
	if err := json.Unmarshal(raw, &b); err != nil || b.Token == "" {
		return nil, remote.ErrStaleSession
	}
	leave, err := c.svc.enter(ctx, "resume", b.Username)
	if err != nil {
		return nil, err
	}
	defer leave()

	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes[b.Username]++
	if s.sessions[b.Token] != b.Username {
		return nil, remote.ErrStaleSession
	}
	return &handle{token: b.Token, username: b.Username}, nil
}

// live validates h and returns the user behind it.
func (c *Client) live(h remote.Handle, op string) (*User, error) {
	sh, ok := h.(*handle)
	if !ok || sh == nil {
		return nil, fault.New(fault.ClassInternal, op, "foreign handle")
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sh.token] != sh.username {
		return nil, fault.New(fault.ClassSessionExpired, op, "login required")
	}
	u := s.users[sh.username]
	if u == nil {
		return nil, fault.New(fault.ClassAuth, op, "user gone")
	}
	if u.Banned {
		return nil, fault.New(fault.ClassBanned, op, "account disabled")
	}
	if u.Checkpoint {
		return nil, fault.New(fault.ClassChallenge, op, "checkpoint")
	}
	return u, nil
}

func (c *Client) call(ctx context.Context, h remote.Handle, op string, fn func(u *User) error) error {
	leave, err := c.svc.enter(ctx, op, h.Username())
	if err != nil {
		return err
	}
	defer leave()
	u, err := c.live(h, op)
	if err != nil {
		return err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	return fn(u)
}

func (c *Client) ProbeProfile(ctx context.Context, h remote.Handle) (remote.Profile, error) {
	var p remote.Profile
	err := c.call(ctx, h, "probe", func(u *User) error {
		p = remote.Profile{Username: u.Username, Followers: u.Followers, Following: u.Following, Posts: u.Posts}
		return nil
	})
	return p, err
}

func (c *Client) PostMedia(ctx context.Context, h remote.Handle, m remote.Media, caption string) (remote.PostResult, error) {
	var res remote.PostResult
	err := c.call(ctx, h, "post", func(u *User) error {
		if strings.TrimSpace(m.Path) == "" {
			return fault.New(fault.ClassInvalid, "post", "empty media path")
		}
		u.Posts++
		res = remote.PostResult{MediaID: fmt.Sprintf("%s_%d", u.Username, u.Posts), Code: newToken()[:11]}
		return nil
	})
	return res, err
}

func (c *Client) Follow(ctx context.Context, h remote.Handle, username string) error {
	return c.call(ctx, h, "follow", func(u *User) error {
		switch {
		case strings.HasPrefix(username, "missing_"):
			return fault.Newf(fault.ClassNotFound, "follow", "user %q not found", username)
		case strings.HasPrefix(username, "private_"):
			return fault.Newf(fault.ClassPrivate, "follow", "user %q is private", username)
		}
		u.Following++
		return nil
	})
}

func (c *Client) Search(ctx context.Context, h remote.Handle, q remote.SearchQuery) ([]remote.SearchHit, error) {
	var hits []remote.SearchHit
	err := c.call(ctx, h, "search", func(*User) error {
		n := q.Limit
		if n <= 0 {
			n = 3
		}
		for i := 0; i < n; i++ {
			hits = append(hits, remote.SearchHit{
				Query:    q.Query,
				ID:       fmt.Sprintf("%s-%s-%d", q.Type, q.Query, i),
				Username: fmt.Sprintf("%s_user_%d", strings.TrimPrefix(q.Query, "#"), i),
			})
		}
		return nil
	})
	return hits, err
}

func (c *Client) SendMessage(ctx context.Context, h remote.Handle, recipients []string, text string) (remote.Thread, error) {
	var th remote.Thread
	err := c.call(ctx, h, "message", func(*User) error {
		if len(recipients) == 0 || strings.TrimSpace(text) == "" {
			return fault.New(fault.ClassInvalid, "message", "recipients and text are required")
		}
		th = remote.Thread{ThreadID: "th_" + strings.Join(recipients, "_"), MessageID: newToken()[:12]}
		return nil
	})
	return th, err
}

func (c *Client) Logout(ctx context.Context, h remote.Handle) error {
	sh, ok := h.(*handle)
	if !ok || sh == nil {
		return nil
	}
	leave, err := c.svc.enter(ctx, "logout", sh.username)
	if err != nil {
		return err
	}
	defer leave()

	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts[sh.username]++
	delete(s.sessions, sh.token)
	return nil
}
