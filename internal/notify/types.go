package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notify: disabled")
	ErrQueueFull = errors.New("notify: queue full")
	ErrStopped   = errors.New("notify: stopped")
)

// Config controls the alert pipeline.
type Config struct {
	Enabled bool

	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DedupWindow suppresses an alert with the same key for this long.
	DedupWindow     time.Duration
	DedupMaxEntries int

	// FailedJobs also alerts on terminal job failures, not only on parked accounts.
	FailedJobs bool

	Telegram TelegramConfig
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Alert is one operator message. Alerts sharing a Key are deduplicated.
type Alert struct {
	Priority int
	Key      string
	Text     string
}

// Sender delivers rendered alert text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}
