package scheduler

import (
	"time"

	"igpilot/internal/model"
)

// Occurrence returns the n-th fire time (n = 0 is the anchor) of a series in loc.
//
// Every occurrence is computed from the anchor, never from the previous one,
// so a series anchored on the 31st goes Jan 31, Feb 28/29, Mar 31 instead of
// drifting to the 28th. Days that do not exist in the target month clamp to
// the month's last day.
func Occurrence(anchor time.Time, repeat model.RepeatType, n int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	a := anchor.In(loc)
	switch repeat {
	case model.RepeatDaily:
		return a.AddDate(0, 0, n)
	case model.RepeatWeekly:
		return a.AddDate(0, 0, 7*n)
	case model.RepeatMonthly:
		first := time.Date(a.Year(), a.Month()+time.Month(n), 1, a.Hour(), a.Minute(), a.Second(), a.Nanosecond(), loc)
		day := min(a.Day(), daysIn(first.Year(), first.Month(), loc))
		return time.Date(first.Year(), first.Month(), day, a.Hour(), a.Minute(), a.Second(), a.Nanosecond(), loc)
	}
	return a
}

// nextOccurrence returns the occurrence that follows j's, and its index.
// It depends only on the series anchor, so a run that finished late still
// yields the next calendar slot; a slot already in the past fires at once.
func nextOccurrence(j *model.Job, loc *time.Location) (time.Time, int) {
	anchor := j.Anchor
	if anchor.IsZero() {
		anchor = j.ScheduledAt
	}
	n := j.Occurrence + 1
	return Occurrence(anchor, j.Repeat, n, loc), n
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
