package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"igpilot/internal/eventbus"
	"igpilot/internal/executor"
	"igpilot/internal/model"
	"igpilot/internal/remote"
	"igpilot/internal/storage"
	"igpilot/internal/task/engine"
	"igpilot/pkg/logx"
)

// ErrFinished is returned when cancelling a job that already reached a terminal state.
var ErrFinished = errors.New("scheduler: job already finished")

type Config struct {
	Timezone string // IANA name; empty means UTC

	// JobTimeout bounds one run, including the wait for the account lock.
	JobTimeout time.Duration

	Retry RetryPolicy

	// Maintenance schedules accept cron ("0 2 * * *", "@hourly"),
	// durations ("1m") or HH:MM intervals. Empty disables the routine.
	SweepEvery    string
	Cleanup       string
	StatusRefresh string

	// Retention is how long terminal jobs are kept before cleanup purges them.
	Retention time.Duration
}

// RetryPolicy governs follow-up attempts of retryable failures. Each attempt
// is a new job row; the failed row stays as history.
type RetryPolicy struct {
	Auto        bool
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func (c Config) withDefaults() Config {
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.Base <= 0 {
		c.Retry.Base = 30 * time.Second
	}
	if c.Retry.Max <= 0 {
		c.Retry.Max = 30 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

// DefaultConfig is what a fresh install runs with.
func DefaultConfig() Config {
	return Config{
		SweepEvery:    "1m",
		Cleanup:       "0 2 * * *",
		StatusRefresh: "*/15 * * * *",
	}.withDefaults()
}

// Store is the persistence the scheduler needs.
type Store interface {
	storage.JobStore
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
}

// Runner executes one job to a terminal outcome.
type Runner interface {
	Execute(ctx context.Context, job *model.Job) executor.Outcome
}

// Refresher probes live sessions; the session manager implements it.
type Refresher interface {
	RefreshAll(ctx context.Context) (int, error)
}

// Status is the externally visible view of one job.
type Status struct {
	ID          string           `json:"id"`
	ParentID    string           `json:"parent_id,omitempty"`
	RetryOf     string           `json:"retry_of,omitempty"`
	AccountID   int64            `json:"account_id"`
	Kind        model.JobKind    `json:"kind"`
	State       model.JobState   `json:"state"`
	Repeat      model.RepeatType `json:"repeat"`
	Attempt     int              `json:"attempt"`
	ScheduledAt time.Time        `json:"scheduled_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	ErrorClass  string           `json:"error_class,omitempty"`
	Error       string           `json:"error,omitempty"`
	Retryable   bool             `json:"retryable,omitempty"`
}

func statusOf(j *model.Job) Status {
	return Status{
		ID:          j.ID,
		ParentID:    j.ParentID,
		RetryOf:     j.RetryOf,
		AccountID:   j.AccountID,
		Kind:        j.Kind,
		State:       j.State,
		Repeat:      j.Repeat,
		Attempt:     j.Attempt,
		ScheduledAt: j.ScheduledAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Result:      j.Result,
		ErrorClass:  j.ErrorClass,
		Error:       j.Error,
		Retryable:   j.Retryable,
	}
}

// SearchRequest is one user-facing search spread over several accounts.
type SearchRequest struct {
	TenantID    int64
	AccountIDs  []int64
	Queries     []string
	SearchType  string
	Limit       int
	ScheduledAt time.Time
	Repeat      model.RepeatType
}

// SearchSummary aggregates the sub-jobs of one fan-out.
type SearchSummary struct {
	ParentID string                 `json:"parent_id"`
	Counts   map[model.JobState]int `json:"counts"`
	Done     bool                   `json:"done"`
	Hits     []remote.SearchHit     `json:"hits"`
	Jobs     []Status               `json:"jobs"`
}

type ScheduleInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type Snapshot struct {
	Timezone    string          `json:"timezone"`
	Armed       int             `json:"armed"`
	Queued      int             `json:"queued"`
	Running     int             `json:"running"`
	Maintenance []ScheduleInfo  `json:"maintenance"`
	Engine      engine.Snapshot `json:"engine"`
}

// armed is one live timer; ver tells a current callback from a stale one.
type armed struct {
	timer *time.Timer
	ver   uint64
	at    time.Time
}

type maintDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	entryID cron.EntryID
	state   *engine.RunState
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	maint  []maintDef
	ctx    context.Context
	cancel context.CancelFunc

	log       logx.Logger
	bus       eventbus.Bus
	store     Store
	engine    *engine.Service
	runner    Runner
	refresher Refresher
	now       func() time.Time

	// jmu serializes job state transitions (read, check, write).
	jmu sync.Mutex

	// tmu guards the runtime maps below.
	tmu     sync.Mutex
	started bool
	seq     uint64
	timers  map[string]*armed
	queued  map[string]struct{}
	running map[string]context.CancelFunc

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}
