package scheduler

import (
	"testing"
	"time"

	"igpilot/internal/model"
)

func TestMonthlyClampsWithoutDrift(t *testing.T) {
	cases := []struct {
		anchor time.Time
		want   []string
	}{
		{time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC), []string{"2024-01-31", "2024-02-29", "2024-03-31", "2024-04-30", "2024-05-31"}},
		{time.Date(2023, 1, 31, 9, 0, 0, 0, time.UTC), []string{"2023-01-31", "2023-02-28", "2023-03-31"}},
		{time.Date(2024, 8, 31, 9, 0, 0, 0, time.UTC), []string{"2024-08-31", "2024-09-30", "2024-10-31"}},
		{time.Date(2024, 12, 15, 9, 0, 0, 0, time.UTC), []string{"2024-12-15", "2025-01-15", "2025-02-15"}},
	}
	for _, tc := range cases {
		for n, want := range tc.want {
			got := Occurrence(tc.anchor, model.RepeatMonthly, n, time.UTC)
			if got.Format(time.DateOnly) != want {
				t.Fatalf("anchor %s n=%d: expected %s, got %s", tc.anchor.Format(time.DateOnly), n, want, got.Format(time.DateOnly))
			}
			if got.Hour() != 9 {
				t.Fatalf("expected time of day kept, got %s", got)
			}
		}
	}
}

func TestDailyAndWeekly(t *testing.T) {
	anchor := time.Date(2024, 2, 27, 18, 30, 0, 0, time.UTC)
	if got := Occurrence(anchor, model.RepeatDaily, 3, time.UTC); !got.Equal(time.Date(2024, 3, 1, 18, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected 2024-03-01 18:30, got %s", got)
	}
	if got := Occurrence(anchor, model.RepeatWeekly, 2, time.UTC); !got.Equal(time.Date(2024, 3, 12, 18, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected 2024-03-12 18:30, got %s", got)
	}
}

func TestNextOccurrenceKeepsLateSlots(t *testing.T) {
	anchor := time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)
	j := &model.Job{ScheduledAt: anchor, Anchor: anchor, Repeat: model.RepeatMonthly, Occurrence: 1}

	// The Feb run finished in mid March; the March slot must not be skipped.
	at, n := nextOccurrence(j, time.UTC)
	if n != 2 || !at.Equal(time.Date(2024, 3, 31, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected occurrence 2 at 2024-03-31 09:00, got %d at %s", n, at)
	}

	j.Occurrence = 0
	at, n = nextOccurrence(j, time.UTC)
	if n != 1 || !at.Equal(time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected occurrence 1 at 2024-02-29 09:00, got %d at %s", n, at)
	}
}

func TestNextOccurrenceWithoutAnchorUsesScheduledTime(t *testing.T) {
	at0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	j := &model.Job{ScheduledAt: at0, Repeat: model.RepeatDaily}
	at, n := nextOccurrence(j, time.UTC)
	if n != 1 || !at.Equal(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected occurrence 1 at 2024-01-02 09:00, got %d at %s", n, at)
	}
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: 5 * time.Second}
	cases := []struct {
		attempt int
		hint    time.Duration
		want    time.Duration
	}{
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 4 * time.Second},
		{4, 0, 5 * time.Second},
		{1, time.Minute, time.Minute},
	}
	for _, tc := range cases {
		if got := backoff(p, tc.attempt, tc.hint); got != tc.want {
			t.Fatalf("attempt %d hint %s: expected %s, got %s", tc.attempt, tc.hint, tc.want, got)
		}
	}
}

func TestParseRoutineSpec(t *testing.T) {
	cases := []struct {
		in    string
		cron  string
		every time.Duration
		ok    bool
	}{
		{"0 2 * * *", "0 2 * * *", 0, true},
		{"@daily", "@daily", 0, true},
		{"@every 90s", "", 90 * time.Second, true},
		{"1m", "", time.Minute, true},
		{"00:15", "", 15 * time.Minute, true},
		{"01:75", "", 0, false},
		{"0s", "", 0, false},
		{"soon", "", 0, false},
		{"", "", 0, false},
	}
	for _, tc := range cases {
		got, err := parseRoutineSpec(tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("%q: expected ok=%v, got err %v", tc.in, tc.ok, err)
		}
		if got.cron != tc.cron || got.every != tc.every {
			t.Fatalf("%q: expected {%q %s}, got {%q %s}", tc.in, tc.cron, tc.every, got.cron, got.every)
		}
	}
}
