// Package model holds the state types shared by the session manager,
// the scheduler, the executor and the store.
package model

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// LoginState is the persisted login_status of an account.
type LoginState string

const (
	LoggedOut         LoginState = "logged_out"
	LoggedIn          LoginState = "logged_in"
	ChallengeRequired LoginState = "challenge_required"
	Banned            LoginState = "banned"
)

func (s LoginState) Valid() bool {
	switch s {
	case LoggedOut, LoggedIn, ChallengeRequired, Banned:
		return true
	}
	return false
}

// Sticky states survive restarts and block admission until cleared.
func (s LoginState) Sticky() bool { return s == ChallengeRequired || s == Banned }

type Account struct {
	ID       int64
	TenantID int64
	Username string
	// PasswordSealed and StepUpSealed are vault ciphertexts.
	PasswordSealed string
	StepUpSealed   string
	ProxyID        *int64

	LoginState  LoginState
	LastLoginAt *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (a *Account) HasStepUp() bool { return a != nil && a.StepUpSealed != "" }

// ProxyScheme is the egress protocol of a proxy.
type ProxyScheme string

const (
	ProxyHTTP   ProxyScheme = "http"
	ProxyHTTPS  ProxyScheme = "https"
	ProxySOCKS4 ProxyScheme = "socks4"
	ProxySOCKS5 ProxyScheme = "socks5"
)

func ParseProxyScheme(s string) (ProxyScheme, error) {
	switch v := ProxyScheme(strings.ToLower(strings.TrimSpace(s))); v {
	case ProxyHTTP, ProxyHTTPS, ProxySOCKS4, ProxySOCKS5:
		return v, nil
	case "":
		return ProxyHTTP, nil
	default:
		return "", fmt.Errorf("unknown proxy scheme %q", s)
	}
}

type Proxy struct {
	ID             int64
	Name           string
	Scheme         ProxyScheme
	Host           string
	Port           int
	Username       string
	PasswordSealed string
	Active         bool
	CreatedAt      time.Time
}

// URL renders the proxy as scheme://[user:pass@]host:port using the already decrypted password.
func (p *Proxy) URL(password string) *url.URL {
	u := &url.URL{
		Scheme: string(p.Scheme),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != "" {
		if password != "" {
			u.User = url.UserPassword(p.Username, password)
		} else {
			u.User = url.User(p.Username)
		}
	}
	return u
}

// DailyStat is one (account, day) snapshot of profile counters.
type DailyStat struct {
	AccountID int64
	Day       string // YYYY-MM-DD
	Followers int64
	Following int64
	Posts     int64
	UpdatedAt time.Time
}

// DayKey formats t as the stats day key in t's location.
func DayKey(t time.Time) string { return t.Format(time.DateOnly) }
