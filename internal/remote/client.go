// Package remote defines the automation capability consumed by the session
// manager and the executor. Concrete variants register a driver name and are
// selected once, at construction, through Open.
package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"igpilot/internal/fault"
	"igpilot/internal/proxy"
	"igpilot/pkg/logx"
)

// ErrStaleSession is returned by ResumeSession when the remote side no longer
// honours the stored session.
var ErrStaleSession = fault.New(fault.ClassSessionExpired, "resume", "stale session")

// Handle is a live authenticated session. It is not safe for concurrent use.
type Handle interface {
	// Username is the remote identity the handle is logged in as.
	Username() string
}

type LoginRequest struct {
	Username string
	Password string
	// Proxy is bound to the client before the first network call; nil means direct.
	Proxy *proxy.Endpoint
	// StepUp derives a one-time code on demand; nil when the account has no step-up secret.
	StepUp func() (string, error)
}

type Profile struct {
	Username  string `json:"username"`
	Followers int64  `json:"followers"`
	Following int64  `json:"following"`
	Posts     int64  `json:"posts"`
}

type Media struct {
	Path string
	Type string // photo|video
}

type PostResult struct {
	MediaID string `json:"media_id"`
	Code    string `json:"code,omitempty"`
}

type SearchQuery struct {
	Query string
	Type  string // hashtag|location|username|keyword
	Limit int
}

type SearchHit struct {
	Query    string `json:"query"`
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Caption  string `json:"caption,omitempty"`
	URL      string `json:"url,omitempty"`
}

type Thread struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id,omitempty"`
}

// Client is the remote automation capability. Every error it returns is a
// *fault.Error (or wraps one) so callers can classify without string matching.
type Client interface {
	Login(ctx context.Context, req LoginRequest) (Handle, []byte, error)
	ResumeSession(ctx context.Context, blob []byte, p *proxy.Endpoint) (Handle, error)
	ProbeProfile(ctx context.Context, h Handle) (Profile, error)
	PostMedia(ctx context.Context, h Handle, m Media, caption string) (PostResult, error)
	Follow(ctx context.Context, h Handle, username string) error
	Search(ctx context.Context, h Handle, q SearchQuery) ([]SearchHit, error)
	SendMessage(ctx context.Context, h Handle, recipients []string, text string) (Thread, error)
	Logout(ctx context.Context, h Handle) error
}

type Config struct {
	Driver      string
	CallTimeout time.Duration
	// Options is passed verbatim to the driver.
	Options map[string]string
}

// Factory builds a Client for one driver name.
type Factory func(cfg Config, log logx.Logger) (Client, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Factory{}
)

// Register makes a driver available to Open. It panics on duplicates.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	name = strings.ToLower(strings.TrimSpace(name))
	if _, dup := drivers[name]; dup || f == nil {
		panic("remote: Register called twice or with nil factory for " + name)
	}
	drivers[name] = f
}

// Drivers lists registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]string, 0, len(drivers))
	for k := range drivers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open selects the driver named in cfg. The choice is made once; callers hold
// the returned Client for the process lifetime.
func Open(cfg Config, log logx.Logger) (Client, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	driversMu.RLock()
	f := drivers[name]
	driversMu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("remote: unknown driver %q (registered: %s)", cfg.Driver, strings.Join(Drivers(), ", "))
	}
	c, err := f(cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.CallTimeout > 0 {
		c = WithTimeout(c, cfg.CallTimeout)
	}
	return c, nil
}
