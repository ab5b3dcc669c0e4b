package systemd

import (
	"context"
	"testing"
	"time"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("expected no-op, got sent=%v err=%v", sent, err)
	}
	if sent, err := Stopping(); sent || err != nil {
		t.Fatalf("expected no-op, got sent=%v err=%v", sent, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Watchdog(ctx, nil); err != nil {
		t.Fatalf("expected nil without a watchdog, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("expected Watchdog to return immediately")
	}
}
