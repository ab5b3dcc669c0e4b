package remote

import (
	"context"
	"time"

	"igpilot/internal/proxy"
)

// WithTimeout bounds every call of c. Deadline errors classify as transient.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return &timeoutClient{next: c, d: d}
}

type timeoutClient struct {
	next Client
	d    time.Duration
}

func (t *timeoutClient) Login(ctx context.Context, req LoginRequest) (Handle, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Login(ctx, req)
}

func (t *timeoutClient) ResumeSession(ctx context.Context, blob []byte, p *proxy.Endpoint) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.ResumeSession(ctx, blob, p)
}

func (t *timeoutClient) ProbeProfile(ctx context.Context, h Handle) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.ProbeProfile(ctx, h)
}

func (t *timeoutClient) PostMedia(ctx context.Context, h Handle, m Media, caption string) (PostResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.PostMedia(ctx, h, m, caption)
}

func (t *timeoutClient) Follow(ctx context.Context, h Handle, username string) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Follow(ctx, h, username)
}

func (t *timeoutClient) Search(ctx context.Context, h Handle, q SearchQuery) ([]SearchHit, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Search(ctx, h, q)
}

func (t *timeoutClient) SendMessage(ctx context.Context, h Handle, recipients []string, text string) (Thread, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.SendMessage(ctx, h, recipients, text)
}

func (t *timeoutClient) Logout(ctx context.Context, h Handle) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.next.Logout(ctx, h)
}
