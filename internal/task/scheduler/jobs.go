package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"igpilot/internal/eventbus"
	"igpilot/internal/executor"
	"igpilot/internal/fault"
	"igpilot/internal/model"
	"igpilot/internal/storage"
	"igpilot/internal/task/engine"
	"igpilot/pkg/logx"
)

const (
	// resubmitDelay is how long a job waits before another submit after the
	// engine refused it for a reason other than an open circuit.
	resubmitDelay = 5 * time.Second
	finishTimeout = 30 * time.Second
)

// Schedule validates j, persists it when it is new and arms its timer. An
// existing pending job is only re-armed.
func (s *Service) Schedule(ctx context.Context, j *model.Job) (*model.Job, error) {
	if j == nil {
		return nil, fault.New(fault.ClassInvalid, "schedule", "job is required")
	}
	if j.ID != "" {
		cur, err := s.store.GetJob(ctx, j.ID)
		switch {
		case err == nil:
			if cur.State != model.JobPending {
				return nil, fault.Newf(fault.ClassInvalid, "schedule", "job %s is %s", cur.ID, cur.State)
			}
			s.arm(cur.ID, cur.ScheduledAt)
			return cur, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fault.Wrap(fault.ClassInternal, "schedule", err)
		}
	}
	if err := s.prepare(ctx, j); err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, fault.Wrap(fault.ClassInternal, "schedule", err)
	}
	s.publishJob(eventbus.JobScheduled, j)
	s.log.Info("job scheduled",
		logx.String("job", j.ID),
		logx.Int64("account", j.AccountID),
		logx.String("kind", string(j.Kind)),
		logx.String("repeat", string(j.Repeat)),
		logx.Time("at", j.ScheduledAt),
	)
	s.arm(j.ID, j.ScheduledAt)
	return j, nil
}

// prepare validates a new job and fills its defaults.
func (s *Service) prepare(ctx context.Context, j *model.Job) error {
	if !j.Kind.Valid() {
		return fault.Newf(fault.ClassInvalid, "schedule", "unknown job kind %q", j.Kind)
	}
	if err := j.Payload.Validate(j.Kind); err != nil {
		return fault.Wrap(fault.ClassInvalid, "schedule", err)
	}
	repeat, err := model.ParseRepeat(string(j.Repeat))
	if err != nil {
		return fault.Wrap(fault.ClassInvalid, "schedule", err)
	}
	j.Repeat = repeat
	if err := s.admit(ctx, j.AccountID); err != nil {
		return err
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.State = model.JobPending
	if j.Attempt <= 0 {
		j.Attempt = 1
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = s.now()
	}
	if j.Anchor.IsZero() {
		j.Anchor = j.ScheduledAt
	}
	return nil
}

// admit refuses unknown accounts and accounts parked in a sticky state.
func (s *Service) admit(ctx context.Context, accountID int64) error {
	acc, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return fault.Newf(fault.ClassNotFound, "schedule", "account %d not found", accountID)
	}
	if err != nil {
		return fault.Wrap(fault.ClassInternal, "schedule", err)
	}
	switch acc.LoginState {
	case model.ChallengeRequired:
		return fault.Newf(fault.ClassChallenge, "schedule", "account %s is parked", acc.Username)
	case model.Banned:
		return fault.Newf(fault.ClassBanned, "schedule", "account %s is banned", acc.Username)
	}
	return nil
}

// Cancel stops a job. A pending job is disarmed; a running job has its run
// context cancelled and whatever it returns is discarded. Neither creates a
// next occurrence.
func (s *Service) Cancel(ctx context.Context, id string) (model.JobState, error) {
	s.jmu.Lock()
	defer s.jmu.Unlock()

	j, err := s.getJob(ctx, "cancel", id)
	if err != nil {
		return "", err
	}
	if j.State.Terminal() {
		return j.State, ErrFinished
	}
	prev := j.State
	now := s.now()
	j.State = model.JobCancelled
	j.CompletedAt = &now
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return prev, fault.Wrap(fault.ClassInternal, "cancel", err)
	}

	s.tmu.Lock()
	if a := s.timers[id]; a != nil {
		a.timer.Stop()
		delete(s.timers, id)
	}
	stop := s.running[id]
	s.tmu.Unlock()
	if stop != nil {
		stop()
	}

	s.publishJob(eventbus.JobCancelled, j)
	s.log.Info("job cancelled", logx.String("job", id), logx.String("was", string(prev)))
	return model.JobCancelled, nil
}

func (s *Service) Status(ctx context.Context, id string) (Status, error) {
	j, err := s.getJob(ctx, "status", id)
	if err != nil {
		return Status{}, err
	}
	return statusOf(j), nil
}

// Retry schedules the next attempt of a failed retryable job as a new job.
func (s *Service) Retry(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.getJob(ctx, "retry", id)
	if err != nil {
		return nil, err
	}
	if j.State != model.JobFailed || !j.Retryable {
		return nil, fault.Newf(fault.ClassInvalid, "retry", "job %s is not a retryable failure", id)
	}
	return s.retryFrom(ctx, j, 0)
}

func (s *Service) retryFrom(ctx context.Context, j *model.Job, hint time.Duration) (*model.Job, error) {
	p := s.config().Retry
	return s.Schedule(ctx, &model.Job{
		ParentID:    j.ParentID,
		RetryOf:     j.ID,
		TenantID:    j.TenantID,
		AccountID:   j.AccountID,
		Kind:        j.Kind,
		Payload:     j.Payload,
		ScheduledAt: s.now().Add(backoff(p, j.Attempt, hint)),
		Repeat:      model.RepeatNone,
		Attempt:     j.Attempt + 1,
	})
}

// backoff is Base doubled per previous attempt, capped at Max. A larger
// remote hint wins.
func backoff(p RetryPolicy, attempt int, hint time.Duration) time.Duration {
	d := p.Base
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	d = min(d, p.Max)
	return max(d, hint)
}

func (s *Service) getJob(ctx context.Context, op, id string) (*model.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fault.Newf(fault.ClassNotFound, op, "job %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.ClassInternal, op, err)
	}
	return j, nil
}

// arm (re)sets the timer of id. Every arm bumps the version so a callback
// of a replaced or cancelled timer is ignored.
func (s *Service) arm(id string, at time.Time) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if !s.started {
		return
	}
	if a := s.timers[id]; a != nil {
		a.timer.Stop()
	}
	s.seq++
	ver := s.seq
	d := max(at.Sub(s.now()), 0)
	s.timers[id] = &armed{ver: ver, at: at, timer: time.AfterFunc(d, func() { s.fire(id, ver) })}
}

func (s *Service) tracked(id string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if _, ok := s.timers[id]; ok {
		return true
	}
	if _, ok := s.queued[id]; ok {
		return true
	}
	_, ok := s.running[id]
	return ok
}

func (s *Service) unqueue(id string) {
	s.tmu.Lock()
	delete(s.queued, id)
	s.tmu.Unlock()
}

func (s *Service) fire(id string, ver uint64) {
	s.tmu.Lock()
	a := s.timers[id]
	if !s.started || a == nil || a.ver != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, id)
	s.queued[id] = struct{}{}
	s.tmu.Unlock()

	ctx := s.runCtx()
	j, err := s.store.GetJob(ctx, id)
	if err != nil || j.State != model.JobPending {
		s.unqueue(id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("fired job could not be loaded", logx.String("job", id), logx.Err(err))
		}
		return
	}
	s.submit(ctx, j)
}

func accountKey(id int64) string { return fmt.Sprintf("account:%d", id) }

// submit hands j to the worker pool in its account's concurrency group.
func (s *Service) submit(ctx context.Context, j *model.Job) {
	id, key := j.ID, accountKey(j.AccountID)
	err := s.engine.Submit(ctx, engine.Task{
		ID:             id,
		Name:           "job." + string(j.Kind),
		Timeout:        s.config().JobTimeout,
		ConcurrencyKey: key,
		CircuitKey:     key,
		Opt: engine.TaskOptions{
			RetryMax:         -1,
			ConcurrencyLimit: 1,
			CircuitCounts:    fault.IsRetryable,
		},
		Run: func(ctx context.Context) error { return s.run(ctx, id) },
		OnDrop: func(reason error) {
			// Still pending in the store; the sweep arms it again.
			s.unqueue(id)
			s.log.Debug("job dropped by worker pool", logx.String("job", id), logx.Err(reason))
		},
	})
	if err == nil {
		return
	}
	s.unqueue(id)

	var open *engine.CircuitOpenError
	switch {
	case errors.As(err, &open):
		s.log.Info("account circuit open; job deferred", logx.String("job", id), logx.String("circuit", key), logx.Time("until", open.Until))
		s.arm(id, open.Until)
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping), ctx.Err() != nil:
		// Left pending; recovery arms it on the next start.
	default:
		s.reportEnqueueError(key, err)
		s.arm(id, s.now().Add(resubmitDelay))
	}
}

// run is the worker pool side of a fired job.
func (s *Service) run(ctx context.Context, id string) error {
	s.jmu.Lock()
	j, err := s.store.GetJob(ctx, id)
	if err != nil || j.State != model.JobPending {
		s.jmu.Unlock()
		s.unqueue(id)
		if err != nil {
			return engine.NoRetry(fmt.Errorf("load job %s: %w", id, err))
		}
		return nil
	}
	now := s.now()
	j.State = model.JobRunning
	j.StartedAt = &now
	if err := s.store.UpdateJob(ctx, j); err != nil {
		s.jmu.Unlock()
		s.unqueue(id)
		return engine.NoRetry(fmt.Errorf("mark job %s running: %w", id, err))
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.tmu.Lock()
	delete(s.queued, id)
	s.running[id] = cancel
	s.tmu.Unlock()
	s.jmu.Unlock()
	s.publishJob(eventbus.JobStarted, j)

	out := s.runner.Execute(runCtx, j)

	s.tmu.Lock()
	delete(s.running, id)
	s.tmu.Unlock()
	s.finish(j, out)
	return engine.NoRetry(out.Err)
}

// finish persists out unless the job was cancelled meanwhile, then handles
// auto retry and recurrence.
func (s *Service) finish(j *model.Job, out executor.Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.runCtx()), finishTimeout)
	defer cancel()

	s.jmu.Lock()
	cur, err := s.store.GetJob(ctx, j.ID)
	if err != nil {
		s.jmu.Unlock()
		s.log.Error("finished job could not be loaded", logx.String("job", j.ID), logx.Err(err))
		return
	}
	if cur.State == model.JobCancelled {
		s.jmu.Unlock()
		s.log.Info("job cancelled during run; result discarded", logx.String("job", j.ID))
		return
	}
	if out.State == model.JobCancelled {
		// The run context ended without Cancel: the process is shutting down.
		out = interruptedOutcome()
	}
	applyOutcome(cur, out, s.now())
	err = s.store.UpdateJob(ctx, cur)
	s.jmu.Unlock()
	if err != nil {
		s.log.Error("job outcome not persisted", logx.String("job", j.ID), logx.Err(err))
		return
	}
	s.settle(ctx, cur, out.RetryAfter)
}

func interruptedOutcome() executor.Outcome {
	return executor.Outcome{
		State:     model.JobFailed,
		Err:       fault.New(fault.ClassTransient, "run", "interrupted"),
		Class:     fault.ClassTransient,
		Retryable: true,
	}
}

func applyOutcome(j *model.Job, out executor.Outcome, now time.Time) {
	j.State = out.State
	j.Result = out.Result
	j.Retryable = out.Retryable
	j.ErrorClass, j.Error = "", ""
	if out.Err != nil {
		j.ErrorClass = string(out.Class)
		j.Error = out.Message()
	}
	j.CompletedAt = &now
}

// settle runs after a terminal state other than cancelled is stored.
func (s *Service) settle(ctx context.Context, j *model.Job, hint time.Duration) {
	log := s.log.With(logx.String("job", j.ID), logx.Int64("account", j.AccountID), logx.String("kind", string(j.Kind)))
	if j.State == model.JobCompleted {
		s.publishJob(eventbus.JobCompleted, j)
		log.Info("job completed")
	} else {
		s.publishJob(eventbus.JobFailed, j)
		log.Warn("job failed", logx.String("class", j.ErrorClass), logx.String("error", j.Error), logx.Bool("retryable", j.Retryable))
	}

	p := s.config().Retry
	if j.State == model.JobFailed && j.Retryable && p.Auto && j.Attempt < p.MaxAttempts {
		next, err := s.retryFrom(ctx, j, hint)
		if err != nil {
			log.Warn("auto retry not scheduled", logx.Err(err))
		} else {
			log.Info("auto retry scheduled", logx.String("retry", next.ID), logx.Int("attempt", next.Attempt), logx.Time("at", next.ScheduledAt))
		}
	}

	if j.Repeat != model.RepeatNone {
		s.recur(ctx, j)
	}
}

// recur schedules the next occurrence of j's series. Rejection by admission
// (account parked or deleted) ends the series.
func (s *Service) recur(ctx context.Context, j *model.Job) {
	at, n := nextOccurrence(j, s.Location())
	next, err := s.Schedule(ctx, &model.Job{
		ParentID:    j.ParentID,
		TenantID:    j.TenantID,
		AccountID:   j.AccountID,
		Kind:        j.Kind,
		Payload:     j.Payload,
		ScheduledAt: at,
		Repeat:      j.Repeat,
		Anchor:      j.Anchor,
		Occurrence:  n,
	})
	if err != nil {
		s.log.Warn("recurring series ended", logx.String("job", j.ID), logx.String("repeat", string(j.Repeat)), logx.Err(err))
		return
	}
	s.log.Debug("next occurrence scheduled", logx.String("job", next.ID), logx.Int("occurrence", n), logx.Time("at", at))
}

// recoverJobs fails jobs a previous process left running and arms every pending job.
func (s *Service) recoverJobs(ctx context.Context) (int, error) {
	stuck, err := s.store.ListJobs(ctx, storage.JobFilter{State: model.JobRunning})
	if err != nil {
		return 0, fmt.Errorf("scheduler: list running jobs: %w", err)
	}
	for _, j := range stuck {
		if s.tracked(j.ID) {
			continue
		}
		s.jmu.Lock()
		applyOutcome(j, interruptedOutcome(), s.now())
		err := s.store.UpdateJob(ctx, j)
		s.jmu.Unlock()
		if err != nil {
			return 0, fmt.Errorf("scheduler: recover job %s: %w", j.ID, err)
		}
		s.log.Warn("interrupted job recovered as failed", logx.String("job", j.ID))
		s.settle(ctx, j, 0)
	}
	return s.sweep(ctx)
}

// sweep arms every pending job that has no live timer and is not already
// with the worker pool.
func (s *Service) sweep(ctx context.Context) (int, error) {
	pending, err := s.store.ListJobs(ctx, storage.JobFilter{State: model.JobPending})
	if err != nil {
		return 0, fmt.Errorf("scheduler: list pending jobs: %w", err)
	}
	n := 0
	for _, j := range pending {
		if s.tracked(j.ID) {
			continue
		}
		s.arm(j.ID, j.ScheduledAt)
		n++
	}
	if n > 0 {
		s.log.Debug("sweep armed jobs", logx.Int("count", n))
	}
	return n, nil
}

func (s *Service) publishJob(typ string, j *model.Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.now(),
		Data: eventbus.JobEvent{
			JobID:      j.ID,
			ParentID:   j.ParentID,
			AccountID:  j.AccountID,
			Kind:       string(j.Kind),
			State:      string(j.State),
			ErrorClass: j.ErrorClass,
			Error:      j.Error,
			Retryable:  j.Retryable,
		},
	})
}
