package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type JobKind string

const (
	KindPost    JobKind = "post"
	KindSearch  JobKind = "search"
	KindFollow  JobKind = "follow"
	KindMessage JobKind = "message"
)

func (k JobKind) Valid() bool {
	switch k {
	case KindPost, KindSearch, KindFollow, KindMessage:
		return true
	}
	return false
}

type RepeatType string

const (
	RepeatNone    RepeatType = "none"
	RepeatDaily   RepeatType = "daily"
	RepeatWeekly  RepeatType = "weekly"
	RepeatMonthly RepeatType = "monthly"
)

func ParseRepeat(s string) (RepeatType, error) {
	switch v := RepeatType(strings.ToLower(strings.TrimSpace(s))); v {
	case "", "once", RepeatNone:
		return RepeatNone, nil
	case RepeatDaily, RepeatWeekly, RepeatMonthly:
		return v, nil
	default:
		return "", fmt.Errorf("unknown repeat type %q", s)
	}
}

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is one scheduled remote action for one account.
type Job struct {
	ID       string
	ParentID string // fan-out correlation id
	RetryOf  string
	TenantID int64

	AccountID   int64
	Kind        JobKind
	Payload     Payload
	ScheduledAt time.Time
	Repeat      RepeatType
	// Anchor is the first scheduled time of a recurring series and Occurrence
	// the zero-based index of this job within it.
	Anchor     time.Time
	Occurrence int
	Attempt    int

	State      JobState
	Result     json.RawMessage
	ErrorClass string
	Error      string
	Retryable  bool

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Payload carries the recognized per-kind job arguments.
type Payload struct {
	// post
	MediaPath string `json:"media_path,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Caption   string `json:"caption,omitempty"`

	// search
	Queries    []string `json:"queries,omitempty"`
	SearchType string   `json:"search_type,omitempty"`
	Limit      int      `json:"limit,omitempty"`

	// follow
	Username string `json:"username,omitempty"`

	// message
	Recipients []string `json:"recipients,omitempty"`
	Text       string   `json:"text,omitempty"`
	ReplyTo    string   `json:"reply_to,omitempty"`
}

var SearchTypes = []string{"hashtag", "location", "username", "keyword"}

// Validate checks that the keys required by kind are present.
func (p Payload) Validate(kind JobKind) error {
	switch kind {
	case KindPost:
		if strings.TrimSpace(p.MediaPath) == "" {
			return errors.New("post: media_path is required")
		}
		switch p.MediaType {
		case "", "photo", "video":
		default:
			return fmt.Errorf("post: unknown media_type %q", p.MediaType)
		}
	case KindSearch:
		if len(p.Queries) == 0 {
			return errors.New("search: queries is required")
		}
		for _, q := range p.Queries {
			if strings.TrimSpace(q) == "" {
				return errors.New("search: empty query")
			}
		}
		if p.SearchType != "" && !contains(SearchTypes, p.SearchType) {
			return fmt.Errorf("search: unknown search_type %q", p.SearchType)
		}
		if p.Limit < 0 {
			return errors.New("search: negative limit")
		}
	case KindFollow:
		if strings.TrimSpace(p.Username) == "" {
			return errors.New("follow: username is required")
		}
	case KindMessage:
		if len(p.Recipients) == 0 {
			return errors.New("message: recipients is required")
		}
		if strings.TrimSpace(p.Text) == "" {
			return errors.New("message: text is required")
		}
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
	return nil
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
