// Package executor runs one job to a terminal outcome.
//
// Order of a run: per-account lock, quota admission, session, capability call,
// classification. The lock is the same keyed lock the session manager takes
// for status probes, so nothing else touches the account's handle meanwhile.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"igpilot/internal/fault"
	"igpilot/internal/keylock"
	"igpilot/internal/model"
	"igpilot/internal/quota"
	"igpilot/internal/remote"
	"igpilot/pkg/logx"
)

const (
	defaultSearchType  = "hashtag"
	defaultSearchLimit = 20
)

// Sessions is the slice of the session manager the executor needs.
type Sessions interface {
	Acquire(ctx context.Context, accountID int64) (remote.Handle, error)
	Invalidate(ctx context.Context, accountID int64, cause error)
}

// Outcome is the terminal result of one run. State is completed, failed or
// cancelled; Err is set for the latter two.
type Outcome struct {
	State      model.JobState
	Result     json.RawMessage
	Err        error
	Class      fault.Class
	Retryable  bool
	RetryAfter time.Duration
}

// Message is the text stored in the job's error column.
func (o Outcome) Message() string { return fault.Message(o.Err) }

type SearchResult struct {
	Queries []string           `json:"queries"`
	Hits    []remote.SearchHit `json:"hits"`
}

type FollowResult struct {
	Username string `json:"username"`
	Followed bool   `json:"followed"`
}

type MessageResult struct {
	remote.Thread
	Recipients []string `json:"recipients"`
	ReplyTo    string   `json:"reply_to,omitempty"`
}

type Executor struct {
	log      logx.Logger
	locks    *keylock.Keyed
	gate     quota.Gate
	sessions Sessions
	client   remote.Client
}

func New(log logx.Logger, locks *keylock.Keyed, gate quota.Gate, sessions Sessions, client remote.Client) *Executor {
	if locks == nil {
		locks = keylock.New()
	}
	if gate == nil {
		gate = quota.AllowAll{}
	}
	return &Executor{log: log, locks: locks, gate: gate, sessions: sessions, client: client}
}

// Execute runs job once. It never returns a non-terminal state and never panics.
func (x *Executor) Execute(ctx context.Context, job *model.Job) (out Outcome) {
	log := x.log.With(logx.String("job", job.ID), logx.Int64("account", job.AccountID), logx.String("kind", string(job.Kind)))
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panic", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
			out = failed(fault.Newf(fault.ClassInternal, "execute", "panic: %v", r))
		}
	}()

	unlock, err := x.locks.Lock(ctx, job.AccountID)
	if err != nil {
		return interrupted(ctx, err)
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return interrupted(ctx, err)
	}
	d, err := x.gate.Admit(ctx, job.TenantID, job.AccountID, job.Kind)
	if err != nil {
		return failed(fault.Wrap(fault.ClassTransient, "quota", err))
	}
	if !d.Allowed {
		qe := fault.New(fault.ClassQuota, "quota", d.Reason)
		qe.RetryAfter = d.RetryAfter
		log.Info("job denied by quota", logx.String("reason", d.Reason))
		return failed(qe)
	}

	if err := ctx.Err(); err != nil {
		return interrupted(ctx, err)
	}
	h, err := x.sessions.Acquire(ctx, job.AccountID)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx, err)
		}
		return failed(err)
	}

	if err := ctx.Err(); err != nil {
		return interrupted(ctx, err)
	}
	res, err := x.invoke(ctx, h, job)
	if err != nil {
		if ctx.Err() != nil && fault.ClassOf(err) == fault.ClassCancelled {
			return interrupted(ctx, err)
		}
		switch fault.ClassOf(err) {
		case fault.ClassSessionExpired, fault.ClassChallenge, fault.ClassBanned:
			x.sessions.Invalidate(ctx, job.AccountID, err)
		}
		return failed(err)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return failed(fault.Wrap(fault.ClassInternal, "encode result", err))
	}
	return Outcome{State: model.JobCompleted, Result: raw}
}

// invoke calls the capability for the job kind.
func (x *Executor) invoke(ctx context.Context, h remote.Handle, job *model.Job) (any, error) {
	p := job.Payload
	switch job.Kind {
	case model.KindPost:
		mt := p.MediaType
		if mt == "" {
			mt = "photo"
		}
		return x.client.PostMedia(ctx, h, remote.Media{Path: p.MediaPath, Type: mt}, p.Caption)

	case model.KindSearch:
		st := p.SearchType
		if st == "" {
			st = defaultSearchType
		}
		limit := p.Limit
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		res := SearchResult{Queries: p.Queries, Hits: []remote.SearchHit{}}
		for _, q := range p.Queries {
			if err := ctx.Err(); err != nil {
				return nil, fault.Wrap(fault.ClassOf(err), "search", err)
			}
			hits, err := x.client.Search(ctx, h, remote.SearchQuery{Query: q, Type: st, Limit: limit})
			if err != nil {
				return nil, err
			}
			res.Hits = append(res.Hits, hits...)
		}
		return res, nil

	case model.KindFollow:
		if err := x.client.Follow(ctx, h, p.Username); err != nil {
			return nil, err
		}
		return FollowResult{Username: p.Username, Followed: true}, nil

	case model.KindMessage:
		th, err := x.client.SendMessage(ctx, h, p.Recipients, p.Text)
		if err != nil {
			return nil, err
		}
		return MessageResult{Thread: th, Recipients: p.Recipients, ReplyTo: p.ReplyTo}, nil
	}
	return nil, fault.Newf(fault.ClassInvalid, "execute", "unknown job kind %q", job.Kind)
}

func failed(err error) Outcome {
	c := fault.ClassOf(err)
	return Outcome{
		State:      model.JobFailed,
		Err:        err,
		Class:      c,
		Retryable:  c.Retryable(),
		RetryAfter: fault.RetryAfterOf(err),
	}
}

// interrupted maps a context error seen between steps. A deadline is a
// transient failure; cancellation ends the run as cancelled.
func interrupted(ctx context.Context, err error) Outcome {
	cause := ctx.Err()
	if cause == nil {
		cause = err
	}
	if fault.ClassOf(cause) == fault.ClassTransient {
		return failed(fault.Wrap(fault.ClassTransient, "execute", cause))
	}
	return Outcome{State: model.JobCancelled, Err: fault.Wrap(fault.ClassCancelled, "execute", cause), Class: fault.ClassCancelled}
}
