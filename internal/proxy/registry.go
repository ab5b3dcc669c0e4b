// Package proxy resolves the outbound egress of an account.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"igpilot/internal/fault"
	"igpilot/internal/model"
	"igpilot/internal/storage"
)

// Endpoint is the resolved egress of one account. A nil *Endpoint means direct.
type Endpoint struct {
	ID     int64
	Scheme model.ProxyScheme
	URL    *url.URL
}

// Redacted renders the endpoint without credentials.
func (e *Endpoint) Redacted() string {
	if e == nil || e.URL == nil {
		return "direct"
	}
	return e.URL.Redacted()
}

// Transport returns an http.Transport that dials through the endpoint.
// SOCKS endpoints are only usable by clients with their own dialer, so they get an error.
func (e *Endpoint) Transport() (*http.Transport, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if e == nil {
		return t, nil
	}
	switch e.Scheme {
	case model.ProxyHTTP, model.ProxyHTTPS:
		t.Proxy = http.ProxyURL(e.URL)
		return t, nil
	default:
		return nil, fmt.Errorf("proxy: %s egress needs a custom dialer", e.Scheme)
	}
}

// Opener decrypts sealed proxy passwords.
type Opener interface {
	Open(sealed string) (string, error)
}

type Registry struct {
	proxies storage.ProxyStore
	vault   Opener
	timeout time.Duration
}

func NewRegistry(proxies storage.ProxyStore, vault Opener) *Registry {
	return &Registry{proxies: proxies, vault: vault, timeout: 5 * time.Second}
}

// For resolves the account's proxy. Accounts without a proxy get (nil, nil).
// A missing or inactive proxy is a transient failure: the account must not
// silently fall back to direct egress.
func (r *Registry) For(ctx context.Context, a *model.Account) (*Endpoint, error) {
	if a == nil || a.ProxyID == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.proxies.GetProxy(ctx, *a.ProxyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fault.Newf(fault.ClassTransient, "proxy", "proxy %d not found", *a.ProxyID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.ClassTransient, "proxy", err)
	}
	if !p.Active {
		return nil, fault.Newf(fault.ClassTransient, "proxy", "proxy %d is inactive", p.ID)
	}
	if _, err := model.ParseProxyScheme(string(p.Scheme)); err != nil {
		return nil, fault.Wrap(fault.ClassInvalid, "proxy", err)
	}

	var pass string
	if p.PasswordSealed != "" {
		if r.vault == nil {
			return nil, errors.New("proxy: sealed password but no vault")
		}
		pass, err = r.vault.Open(p.PasswordSealed)
		if err != nil {
			return nil, fmt.Errorf("proxy %d: %w", p.ID, err)
		}
	}
	return &Endpoint{ID: p.ID, Scheme: p.Scheme, URL: p.URL(pass)}, nil
}
