package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"igpilot/internal/fault"
	"igpilot/internal/remote"
	"igpilot/internal/vault"
	"igpilot/pkg/logx"
)

func TestLoginResumeExpire(t *testing.T) {
	ctx := context.Background()
	svc := NewService()
	svc.AddUser(User{Username: "alice", Password: "pw", Followers: 10})
	c := NewClient(svc, logx.Nop())

	h, blob, err := c.Login(ctx, remote.LoginRequest{Username: "alice", Password: "pw"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if svc.Egress("alice") != "direct" {
		t.Fatalf("expected direct egress, got %q", svc.Egress("alice"))
	}

	// A second client (fresh process) resumes from the blob without a login.
	c2 := NewClient(svc, logx.Nop())
	h2, err := c2.ResumeSession(ctx, blob, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	p, err := c2.ProbeProfile(ctx, h2)
	if err != nil || p.Followers != 10 {
		t.Fatalf("probe: %+v (%v)", p, err)
	}
	if svc.Logins("alice") != 1 {
		t.Fatalf("expected 1 login, got %d", svc.Logins("alice"))
	}

	svc.Expire("alice")
	if _, err := c.ProbeProfile(ctx, h); !fault.Is(err, fault.ClassSessionExpired) {
		t.Fatalf("expected session_expired, got %v", err)
	}
	if _, err := c2.ResumeSession(ctx, blob, nil); !errors.Is(err, remote.ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession, got %v", err)
	}
}

func TestLoginClassification(t *testing.T) {
	ctx := context.Background()
	svc := NewService()
	svc.AddUser(User{Username: "bad", Password: "pw"})
	svc.AddUser(User{Username: "cp", Password: "pw", Checkpoint: true})
	svc.AddUser(User{Username: "ban", Password: "pw", Banned: true})
	c := NewClient(svc, logx.Nop())

	cases := map[string]fault.Class{"bad": fault.ClassAuth, "cp": fault.ClassChallenge, "ban": fault.ClassBanned, "nobody": fault.ClassAuth}
	for user, want := range cases {
		pass := "pw"
		if user == "bad" {
			pass = "wrong"
		}
		_, _, err := c.Login(ctx, remote.LoginRequest{Username: user, Password: pass})
		if got := fault.ClassOf(err); got != want {
			t.Fatalf("%s: expected %s, got %s (%v)", user, want, got, err)
		}
	}
}

func TestLoginStepUp(t *testing.T) {
	ctx := context.Background()
	frozen := time.Unix(1700000000, 0)
	secret := "SGPOGESJNAA6TV4PEQGVJCAN6KTPJ24R"
	svc := NewService()
	svc.SetClock(func() time.Time { return frozen })
	svc.AddUser(User{Username: "tfa", Password: "pw", StepUpSecret: secret})
	c := NewClient(svc, logx.Nop())

	_, _, err := c.Login(ctx, remote.LoginRequest{Username: "tfa", Password: "pw"})
	if !fault.Is(err, fault.ClassChallenge) {
		t.Fatalf("expected challenge without step-up, got %v", err)
	}

	calls := 0
	_, _, err = c.Login(ctx, remote.LoginRequest{Username: "tfa", Password: "pw", StepUp: func() (string, error) {
		calls++
		return vault.TOTP(secret, frozen)
	}})
	if err != nil {
		t.Fatalf("login with code: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected code derived exactly once, got %d", calls)
	}

	_, _, err = c.Login(ctx, remote.LoginRequest{Username: "tfa", Password: "pw", StepUp: func() (string, error) { return "000000", nil }})
	if !fault.Is(err, fault.ClassAuth) {
		t.Fatalf("expected auth error for wrong code, got %v", err)
	}
}

func TestCapabilitiesAndInjectedFaults(t *testing.T) {
	ctx := context.Background()
	svc := NewService()
	svc.AddUser(User{Username: "alice", Password: "pw"})
	c := NewClient(svc, logx.Nop())
	h, _, _ := c.Login(ctx, remote.LoginRequest{Username: "alice", Password: "pw"})

	if err := c.Follow(ctx, h, "missing_bob"); !fault.Is(err, fault.ClassNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if err := c.Follow(ctx, h, "private_bob"); !fault.Is(err, fault.ClassPrivate) {
		t.Fatalf("expected private_resource, got %v", err)
	}
	hits, err := c.Search(ctx, h, remote.SearchQuery{Query: "#go", Type: "hashtag", Limit: 2})
	if err != nil || len(hits) != 2 {
		t.Fatalf("search: %d hits (%v)", len(hits), err)
	}

	svc.Fail("post", fault.New(fault.ClassTransient, "post", "proxy timeout"))
	if _, err := c.PostMedia(ctx, h, remote.Media{Path: "/a.jpg"}, "hi"); !fault.Is(err, fault.ClassTransient) {
		t.Fatalf("expected injected transient, got %v", err)
	}
	if _, err := c.PostMedia(ctx, h, remote.Media{Path: "/a.jpg"}, "hi"); err != nil {
		t.Fatalf("expected second post to succeed: %v", err)
	}
}

func TestOpenSelectsDriverOnce(t *testing.T) {
	c, err := remote.Open(remote.Config{Driver: "sim", CallTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Default sim is permissive: unknown users are accepted.
	if _, _, err := c.Login(context.Background(), remote.LoginRequest{Username: "x", Password: "y"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := remote.Open(remote.Config{Driver: "nope"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	svc := NewService()
	svc.AddUser(User{Username: "slow", Password: "pw"})
	svc.SetDelay(200 * time.Millisecond)
	c := remote.WithTimeout(NewClient(svc, logx.Nop()), 20*time.Millisecond)

	_, _, err := c.Login(context.Background(), remote.LoginRequest{Username: "slow", Password: "pw"})
	if !fault.Is(err, fault.ClassTransient) {
		t.Fatalf("expected transient on timeout, got %v", err)
	}
}
