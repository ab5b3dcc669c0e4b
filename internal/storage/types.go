package storage

import (
	"context"
	"errors"
	"time"

	"igpilot/internal/model"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
}

type AccountStore interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	// ListAccounts returns every account of tenantID, or all accounts when tenantID is 0.
	ListAccounts(ctx context.Context, tenantID int64) ([]*model.Account, error)
	SetLoginState(ctx context.Context, id int64, u LoginUpdate) error
	// DeleteAccount removes the account together with its session blob and stats.
	DeleteAccount(ctx context.Context, id int64) error
}

// LoginUpdate is one login_status transition. LastLoginAt is only written when set.
type LoginUpdate struct {
	State       model.LoginState
	LastLoginAt *time.Time
	LastError   string
}

type ProxyStore interface {
	CreateProxy(ctx context.Context, p *model.Proxy) error
	GetProxy(ctx context.Context, id int64) (*model.Proxy, error)
	SetProxyActive(ctx context.Context, id int64, active bool) error
}

// SessionStore keeps exactly one serialized session per account.
type SessionStore interface {
	LoadSession(ctx context.Context, accountID int64) ([]byte, error)
	SaveSession(ctx context.Context, accountID int64, data []byte) error
	DeleteSession(ctx context.Context, accountID int64) error
}

type JobStore interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, j *model.Job) error
	ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error)
	// PurgeJobs deletes jobs in one of states completed before cutoff.
	PurgeJobs(ctx context.Context, states []model.JobState, before time.Time) (int64, error)
}

// JobFilter narrows ListJobs; zero fields are ignored.
type JobFilter struct {
	State     model.JobState
	ParentID  string
	AccountID int64
	DueBefore time.Time
	Limit     int
}

type StatsStore interface {
	// UpsertDailyStat writes the (account, day) row; the last write of a day wins.
	UpsertDailyStat(ctx context.Context, s model.DailyStat) error
	ListDailyStats(ctx context.Context, accountID int64, fromDay, toDay string) ([]model.DailyStat, error)
}

// Store is the full persistence API.
type Store interface {
	AccountStore
	ProxyStore
	SessionStore
	JobStore
	StatsStore
	Ping(ctx context.Context) error
	Close() error
}
