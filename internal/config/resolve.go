package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"igpilot/internal/notify"
	"igpilot/internal/opsapi"
	"igpilot/internal/quota"
	"igpilot/internal/remote"
	"igpilot/internal/session"
	"igpilot/internal/storage"
	"igpilot/internal/task/engine"
	"igpilot/internal/task/scheduler"
	"igpilot/internal/vault"
	"igpilot/pkg/logx"
)

const defaultSQLitePath = "./data/igpilot.db"

// Resolved is a validated Config converted into each component's settings.
type Resolved struct {
	Location  *time.Location
	Logging   logx.Config
	Storage   storage.Config
	Vault     vault.Config
	Remote    remote.Config
	Sessions  session.Config
	Scheduler scheduler.Config
	Engine    engine.Config
	Quota     quota.Config
	Notify    notify.Config
	Ops       opsapi.Config
}

// Resolve validates cfg and fills defaults. Every problem found is reported,
// not just the first.
func (c *Config) Resolve() (*Resolved, error) {
	if c == nil {
		return nil, errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		check(err)
		return d
	}

	r := &Resolved{Location: time.UTC}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			check(fmt.Errorf("scheduler.timezone: %w", err))
		} else {
			r.Location = loc
		}
	}

	r.Logging = logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		JSON:    c.Logging.JSON,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		check(errors.New("logging.file.path is required when the file sink is enabled"))
	}

	r.Storage = storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:         strings.TrimSpace(c.Storage.Path),
		DSN:          strings.TrimSpace(c.Storage.DSN),
		BusyTimeout:  dur("storage.busy_timeout", c.Storage.BusyTimeout),
		MaxOpenConns: c.Storage.MaxOpenConns,
	}
	switch r.Storage.Driver {
	case "", "sqlite", "sqlite3":
		r.Storage.Driver = "sqlite"
		if r.Storage.Path == "" {
			r.Storage.Path = defaultSQLitePath
		}
		if r.Storage.BusyTimeout <= 0 {
			r.Storage.BusyTimeout = 5 * time.Second
		}
	case "postgres", "postgresql", "pg":
		r.Storage.Driver = "postgres"
		if r.Storage.DSN == "" {
			check(errors.New("storage.dsn is required for postgres"))
		}
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	r.Vault = vault.Config{Key: strings.TrimSpace(c.Vault.Key), KeyFile: strings.TrimSpace(c.Vault.KeyFile)}
	if r.Vault.Key == "" && r.Vault.KeyFile == "" {
		check(errors.New("vault: key or key_file is required"))
	}

	r.Remote = remote.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Remote.Driver)),
		CallTimeout: dur("remote.call_timeout", c.Remote.CallTimeout),
		Options:     c.Remote.Options,
	}
	if r.Remote.Driver == "" {
		check(errors.New("remote.driver is required"))
	}

	r.Sessions = session.Config{
		StatusTTL:    dur("sessions.status_ttl", c.Sessions.StatusTTL),
		LoginTimeout: dur("sessions.login_timeout", c.Sessions.LoginTimeout),
		Location:     r.Location,
	}

	r.Scheduler = resolveScheduler(c.Scheduler, dur, check)
	r.Engine = resolveEngine(c.TaskEngine, dur, check)

	r.Quota = quota.Config{
		DailyActions:        c.Quota.DailyActions,
		DailySearches:       c.Quota.DailySearches,
		PerAccountPerMinute: c.Quota.PerAccountPerMinute,
		Burst:               c.Quota.Burst,
		Location:            r.Location,
	}
	if c.Quota.DailyActions < 0 || c.Quota.DailySearches < 0 || c.Quota.PerAccountPerMinute < 0 || c.Quota.Burst < 0 {
		check(errors.New("quota: limits must be >= 0"))
	}

	if n := c.Notify; n != nil {
		r.Notify = notify.Config{
			Enabled:         n.Enabled,
			Workers:         n.Workers,
			QueueSize:       n.QueueSize,
			RatePerSec:      n.RatePerSec,
			RetryMax:        n.RetryMax,
			RetryBase:       dur("notify.retry_base", n.RetryBase),
			RetryMaxDelay:   dur("notify.retry_max_delay", n.RetryMaxDelay),
			DedupWindow:     dur("notify.dedup_window", n.DedupWindow),
			DedupMaxEntries: n.DedupMaxEntries,
			FailedJobs:      n.FailedJobs,
			Telegram: notify.TelegramConfig{
				Token:    strings.TrimSpace(n.Telegram.Token),
				ChatID:   n.Telegram.ChatID,
				ThreadID: n.Telegram.ThreadID,
			},
		}
		if r.Notify.Telegram.Token != "" && r.Notify.Telegram.ChatID == 0 {
			check(errors.New("notify.telegram.chat_id is required with a token"))
		}
	}

	r.Ops = opsapi.Config{Addr: strings.TrimSpace(c.Ops.Addr), Token: c.Ops.Token, Pprof: c.Ops.Pprof}
	if r.Ops.Pprof && r.Ops.Token == "" {
		check(errors.New("ops.pprof requires ops.token"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return r, nil
}

func resolveScheduler(sc SchedulerConfig, dur func(string, string) time.Duration, check func(error)) scheduler.Config {
	out := scheduler.DefaultConfig()
	out.Timezone = strings.TrimSpace(sc.Timezone)
	if d := dur("scheduler.job_timeout", sc.JobTimeout); d > 0 {
		out.JobTimeout = d
	}
	if d := dur("scheduler.retention", sc.Retention); d > 0 {
		out.Retention = d
	}
	if sc.Sweep != nil {
		out.SweepEvery = strings.TrimSpace(*sc.Sweep)
	}
	if sc.Cleanup != nil {
		out.Cleanup = strings.TrimSpace(*sc.Cleanup)
	}
	if sc.StatusRefresh != nil {
		out.StatusRefresh = strings.TrimSpace(*sc.StatusRefresh)
	}
	for _, r := range []struct{ path, spec string }{
		{"scheduler.sweep", out.SweepEvery},
		{"scheduler.cleanup", out.Cleanup},
		{"scheduler.status_refresh", out.StatusRefresh},
	} {
		if err := scheduler.ValidateRoutineSpec(r.spec); err != nil {
			check(fmt.Errorf("%s: %w", r.path, err))
		}
	}

	out.Retry.Auto = sc.Retry.Auto
	if sc.Retry.MaxAttempts < 0 {
		check(errors.New("scheduler.retry.max_attempts must be >= 0"))
	} else if sc.Retry.MaxAttempts > 0 {
		out.Retry.MaxAttempts = sc.Retry.MaxAttempts
	}
	if d := dur("scheduler.retry.base", sc.Retry.Base); d > 0 {
		out.Retry.Base = d
	}
	if d := dur("scheduler.retry.max", sc.Retry.Max); d > 0 {
		out.Retry.Max = d
	}
	if out.Retry.Max < out.Retry.Base {
		check(errors.New("scheduler.retry.max must be >= scheduler.retry.base"))
	}
	return out
}

func resolveEngine(te *TaskEngineConfig, dur func(string, string) time.Duration, check func(error)) engine.Config {
	if te == nil {
		te = &TaskEngineConfig{}
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		check(errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
	}
	return engine.Config{
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		DefaultTimeout:      dur("task_engine.default_timeout", te.DefaultTimeout),
		MaxQueueDelay:       dur("task_engine.max_queue_delay", te.MaxQueueDelay),
		HistorySize:         te.HistorySize,
		RetryMax:            te.RetryMax,
		CircuitTripFailures: te.CircuitTripFailures,
		CircuitBaseDelay:    dur("task_engine.circuit_base_delay", te.CircuitBaseDelay),
		CircuitMaxDelay:     dur("task_engine.circuit_max_delay", te.CircuitMaxDelay),
		CircuitResetAfter:   dur("task_engine.circuit_reset_after", te.CircuitResetAfter),
	}
}
