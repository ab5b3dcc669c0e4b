package quota

import (
	"context"
	"testing"
	"time"

	"igpilot/internal/model"
)

func TestBudgetDailyLimits(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	b := NewBudget(Config{DailyActions: 3, DailySearches: 1})
	b.now = func() time.Time { return now }

	if d, _ := b.Admit(ctx, 1, 10, model.KindSearch); !d.Allowed {
		t.Fatalf("expected first search admitted: %+v", d)
	}
	d, _ := b.Admit(ctx, 1, 10, model.KindSearch)
	if d.Allowed || d.RetryAfter != time.Hour {
		t.Fatalf("expected search limit with 1h retry, got %+v", d)
	}
	for i := 0; i < 2; i++ {
		if d, _ := b.Admit(ctx, 1, 10, model.KindPost); !d.Allowed {
			t.Fatalf("post %d denied: %+v", i, d)
		}
	}
	if d, _ := b.Admit(ctx, 1, 10, model.KindFollow); d.Allowed {
		t.Fatalf("expected daily action limit")
	}
	if d, _ := b.Admit(ctx, 2, 20, model.KindFollow); !d.Allowed {
		t.Fatalf("other tenant must have its own budget")
	}

	now = now.Add(2 * time.Hour)
	if d, _ := b.Admit(ctx, 1, 10, model.KindFollow); !d.Allowed {
		t.Fatalf("expected counters to reset on a new day: %+v", d)
	}
	if a, s := b.Usage(1); a != 1 || s != 0 {
		t.Fatalf("expected usage 1/0, got %d/%d", a, s)
	}
}

func TestBudgetPacing(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewBudget(Config{PerAccountPerMinute: 2, Burst: 1})
	b.now = func() time.Time { return now }

	if d, _ := b.Admit(ctx, 1, 7, model.KindPost); !d.Allowed {
		t.Fatalf("expected first action admitted")
	}
	d, _ := b.Admit(ctx, 1, 7, model.KindPost)
	if d.Allowed || d.RetryAfter <= 0 || d.RetryAfter > 30*time.Second {
		t.Fatalf("expected pacing denial within 30s, got %+v", d)
	}
	if d, _ := b.Admit(ctx, 1, 8, model.KindPost); !d.Allowed {
		t.Fatalf("pacing is per account")
	}
	now = now.Add(31 * time.Second)
	if d, _ := b.Admit(ctx, 1, 7, model.KindPost); !d.Allowed {
		t.Fatalf("expected admission after the pacing interval: %+v", d)
	}
	if a, _ := b.Usage(1); a != 3 {
		t.Fatalf("denied attempts must not count, got %d", a)
	}
}

func TestAllowAll(t *testing.T) {
	d, err := AllowAll{}.Admit(context.Background(), 0, 0, model.KindPost)
	if err != nil || !d.Allowed {
		t.Fatalf("expected allow")
	}
}
