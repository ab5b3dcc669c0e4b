package engine

import (
	"context"
	"sync"
	"time"

	"igpilot/internal/runtime/supervisor"
)

// Config controls the worker pool. The scheduler decides when work is due;
// everything about how it runs belongs here.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale dropping.
	MaxQueueDelay time.Duration

	HistorySize int

	// RetryMax is the default in-engine retry count. Negative disables retries.
	RetryMax int

	// Consecutive-failure circuit breaker, keyed by Task.CircuitKey.
	// CircuitTripFailures < 0 disables it; 0 applies the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning refuses a task while another with the same key is queued or running.
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap OverlapPolicy

	// RetryMax: 0 uses Config.RetryMax, negative means a single attempt.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// ConcurrencyLimit caps concurrent runs within ConcurrencyKey. 0 disables the group.
	ConcurrencyLimit int

	// CircuitCounts decides whether a final error counts toward the breaker.
	// nil counts every error except cancellation.
	CircuitCounts func(error) bool
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = max(cfg.RetryMax, 0)
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.ConcurrencyLimit < 0 {
		o.ConcurrencyLimit = 0
	}
	return o
}

// RunState counts queued plus running tasks sharing one overlap key.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the Data of task.* events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// ConcurrencyKey names the concurrency group (and the overlap key); it defaults
// to Name. CircuitKey names the breaker and also defaults to Name.
// OnDrop is called instead of Run when an accepted task is discarded without running.
type Task struct {
	ID             string
	Name           string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
	Opt            TaskOptions
	ConcurrencyKey string
	CircuitKey     string
	State          *RunState
	OnDrop         func(reason error)
}

type Snapshot struct {
	Workers          int                 `json:"workers"`
	QueueLen         int                 `json:"queue_len"`
	QueueCap         int                 `json:"queue_cap"`
	InFlight         int                 `json:"in_flight"`
	Parked           int                 `json:"parked"`
	Dropped          uint64              `json:"dropped"`
	DroppedQueueFull uint64              `json:"dropped_queue_full"`
	DroppedStale     uint64              `json:"dropped_stale"`
	DefaultTimeout   time.Duration       `json:"default_timeout"`
	MaxQueueDelay    time.Duration       `json:"max_queue_delay"`
	RetryMax         int                 `json:"retry_max"`
	CircuitTotal     int                 `json:"circuit_total"`
	CircuitOpen      int                 `json:"circuit_open"`
	History          []HistoryItem       `json:"history"`
	Supervisor       supervisor.Snapshot `json:"supervisor"`
}

// DefaultTaskOptions suits periodic maintenance: skip overlaps, retry with backoff.
func DefaultTaskOptions() TaskOptions {
	return TaskOptions{
		Overlap:       OverlapSkipIfRunning,
		RetryMax:      2,
		RetryBase:     time.Second,
		RetryMaxDelay: 30 * time.Second,
		RetryJitter:   0.2,
	}
}
