package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// routineSpec is a maintenance schedule resolved to either a cron expression
// or a fixed interval.
type routineSpec struct {
	cron  string
	every time.Duration
}

// parseRoutineSpec accepts:
//   - cron: "*/15 * * * *", "0 2 * * *", "@daily", "@every 1m"
//   - a Go duration: "1m", "2h30m"
//   - HH:MM as an interval: "00:15" is every 15 minutes
func parseRoutineSpec(raw string) (routineSpec, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return routineSpec{}, fmt.Errorf("schedule required")
	case strings.HasPrefix(s, "@every"):
		return parseEvery(strings.TrimSpace(strings.TrimPrefix(s, "@every")))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return routineSpec{cron: s}, nil
	case reHHMM.MatchString(s):
		m := reHHMM.FindStringSubmatch(s)
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return routineSpec{}, fmt.Errorf("invalid minutes in %q", raw)
		}
		return positive(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
	}
	spec, err := parseEvery(s)
	if err != nil {
		return routineSpec{}, fmt.Errorf("invalid schedule %q (use cron like '0 2 * * *', HH:MM like '00:15', or a duration like '1m')", raw)
	}
	return spec, nil
}

func parseEvery(v string) (routineSpec, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return routineSpec{}, fmt.Errorf("invalid interval %q", v)
	}
	return positive(d)
}

func positive(d time.Duration) (routineSpec, error) {
	if d <= 0 {
		return routineSpec{}, fmt.Errorf("interval must be > 0")
	}
	return routineSpec{every: d}, nil
}

// ValidateRoutineSpec reports whether raw is a usable maintenance schedule.
// Empty is valid and disables the routine.
func ValidateRoutineSpec(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	spec, err := parseRoutineSpec(raw)
	if err != nil {
		return err
	}
	if spec.cron != "" {
		if _, err := cronParser().Parse(spec.cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", spec.cron, err)
		}
	}
	return nil
}

// cronParser accepts 5-field and 6-field (with seconds) specs and descriptors.
func cronParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}
