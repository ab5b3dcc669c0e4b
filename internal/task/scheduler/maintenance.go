package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"igpilot/internal/model"
	"igpilot/internal/task/engine"
	"igpilot/pkg/logx"
)

var terminalStates = []model.JobState{model.JobCompleted, model.JobFailed, model.JobCancelled}

func (s *Service) maintenanceDefsLocked() []maintDef {
	var defs []maintDef
	add := func(name, spec string, timeout time.Duration, run func(context.Context) error) {
		if strings.TrimSpace(spec) == "" {
			return
		}
		defs = append(defs, maintDef{name: name, spec: spec, timeout: timeout, run: run, state: &engine.RunState{}})
	}
	add("scheduler.sweep", s.cfg.SweepEvery, time.Minute, func(ctx context.Context) error {
		_, err := s.sweep(ctx)
		return err
	})
	add("scheduler.cleanup", s.cfg.Cleanup, 5*time.Minute, func(ctx context.Context) error {
		_, err := s.cleanup(ctx)
		return err
	})
	if s.refresher != nil {
		add("sessions.refresh", s.cfg.StatusRefresh, 10*time.Minute, s.refresh)
	}
	return defs
}

// addCronLocked registers d with cron. Triggers go through the worker pool
// with overlap skipping, so a slow routine never stacks up.
func (s *Service) addCronLocked(d *maintDef) error {
	spec, err := parseRoutineSpec(d.spec)
	if err != nil {
		return err
	}
	name, timeout, run, state := d.name, d.timeout, d.run, d.state
	job := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{
			Name:    name,
			Timeout: timeout,
			Run:     run,
			Opt:     engine.DefaultTaskOptions(),
			State:   state,
		})
		s.reportEnqueueError(name, err)
	})

	if spec.every > 0 {
		sched, jitter := spreadInterval(spec.every, time.Now().In(s.loc), name)
		d.entryID = s.c.Schedule(sched, job)
		s.log.Debug("routine registered", logx.String("schedule", name), logx.Duration("every", spec.every), logx.Duration("spread", jitter))
		return nil
	}
	eid, err := s.c.AddJob(spec.cron, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	s.log.Debug("routine registered", logx.String("schedule", name), logx.String("cron", spec.cron))
	return nil
}

// cleanup purges terminal jobs completed longer than the retention ago.
func (s *Service) cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.config().Retention)
	n, err := s.store.PurgeJobs(ctx, terminalStates, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("old jobs purged", logx.Int64("count", n), logx.Time("before", cutoff))
	}
	return n, nil
}

func (s *Service) refresh(ctx context.Context) error {
	n, err := s.refresher.RefreshAll(ctx)
	s.log.Debug("session status refreshed", logx.Int("accounts", n))
	return err
}
