package config

// Config is the on-disk configuration. All durations are Go duration strings
// ("500ms", "10s", "1m"); an omitted duration takes the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Vault     VaultConfig     `json:"vault"`
	Remote    RemoteConfig    `json:"remote"`
	Sessions  SessionsConfig  `json:"sessions"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that runs jobs and maintenance.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Quota QuotaConfig `json:"quota"`

	// Notify is the operator alert pipeline. Omitted means disabled.
	Notify *NotifyConfig `json:"notify,omitempty"`

	Ops OpsConfig `json:"ops"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	JSON    bool          `json:"json,omitempty"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistent store.
//
// Defaults:
//   - driver: "sqlite"
//   - path: "./data/igpilot.db" (sqlite)
//   - busy_timeout: "5s" (sqlite)
type StorageConfig struct {
	Driver       string `json:"driver,omitempty"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// VaultConfig holds the credential sealing key. KeyFile wins over Key.
type VaultConfig struct {
	Key     string `json:"key,omitempty"`
	KeyFile string `json:"key_file,omitempty"`
}

type RemoteConfig struct {
	Driver      string            `json:"driver"`
	CallTimeout string            `json:"call_timeout,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

type SessionsConfig struct {
	StatusTTL    string `json:"status_ttl,omitempty"`
	LoginTimeout string `json:"login_timeout,omitempty"`
}

// SchedulerConfig controls job timing and the maintenance routines.
//
// Maintenance schedules (sweep, cleanup, status_refresh) accept cron
// expressions, descriptors ("@hourly"), durations ("1m") or HH:MM intervals.
// An explicit empty string disables the routine; an omitted field keeps the
// default.
type SchedulerConfig struct {
	Timezone   string `json:"timezone,omitempty"`
	JobTimeout string `json:"job_timeout,omitempty"`

	Sweep         *string `json:"sweep,omitempty"`
	Cleanup       *string `json:"cleanup,omitempty"`
	StatusRefresh *string `json:"status_refresh,omitempty"`

	Retention string      `json:"retention,omitempty"`
	Retry     RetryConfig `json:"retry"`
}

type RetryConfig struct {
	Auto        bool   `json:"auto"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Base        string `json:"base,omitempty"`
	Max         string `json:"max,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - history_size: 200
//   - retry_max: 3
//   - circuit_trip_failures: 5 (negative disables the breaker)
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// Use "0s" to disable stale queue dropping.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	// RetryMax is the in-engine retry count for maintenance routines. Jobs
	// never retry inside the engine; their retries are new job rows.
	RetryMax int `json:"retry_max,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// QuotaConfig caps remote actions. Zero values mean unlimited.
type QuotaConfig struct {
	DailyActions        int     `json:"daily_actions,omitempty"`
	DailySearches       int     `json:"daily_searches,omitempty"`
	PerAccountPerMinute float64 `json:"per_account_per_minute,omitempty"`
	Burst               int     `json:"burst,omitempty"`
}

// NotifyConfig controls the operator alert pipeline.
//
// Without a telegram token alerts are written to the log instead.
type NotifyConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	FailedJobs      bool   `json:"failed_jobs,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// OpsConfig is the HTTP ops surface. An empty addr disables it.
type OpsConfig struct {
	Addr  string `json:"addr,omitempty"`
	Token string `json:"token,omitempty"`
	// Pprof mounts the runtime profiles under /debug/pprof, behind Token.
	Pprof bool `json:"pprof,omitempty"`
}
