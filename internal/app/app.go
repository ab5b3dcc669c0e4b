// Package app wires the components of igpilot and owns their lifecycle:
// construction from config, ordered start, live reload and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"igpilot/internal/config"
	"igpilot/internal/eventbus"
	"igpilot/internal/notify"
	"igpilot/internal/opsapi"
	"igpilot/internal/runtime/supervisor"
	"igpilot/internal/session"
	"igpilot/internal/storage"
	"igpilot/internal/task/engine"
	"igpilot/internal/task/scheduler"
	"igpilot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	*components
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	res, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(res.Logging)
	bus := eventbus.New()

	c, err := build(res, log, bus)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:       cfgm,
		log:        log.With(logx.String("comp", "app")),
		logs:       logSvc,
		bus:        bus,
		components: c,
	}
	a.ops = opsapi.New(res.Ops, log.With(logx.String("comp", "opsapi")), opsapi.Deps{
		Jobs:     a.sched,
		Sessions: a.sessions,
		Health:   a.health,
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Sessions() *session.Manager    { return a.sessions }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Engine() *engine.Service       { return a.engine }
func (a *App) Notifier() *notify.Service     { return a.notif }
func (a *App) Bus() eventbus.Bus             { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the engine before the scheduler so recovered jobs have workers,
// then the alert pipeline, the ops API and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.engine.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("scheduler: %w", err)
	}
	a.notif.Start(runCtx)

	a.sup.Go("opsapi", a.ops.Run)

	a.sup.Go("eventbus.log", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the ops API and the config loops unwind immediately.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't
	// stall the whole stop. The caller's deadline is never extended.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Scheduler first: no new submissions. The engine then cancels running
	// jobs, which the scheduler records as interrupted.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("sessions", time.Second, func(context.Context) error { a.sessions.Close(); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// health reports readiness for /healthz: the store answers and no
// supervised routine has failed.
func (a *App) health() (bool, any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok := true
	storeState := "ok"
	if err := a.store.Ping(ctx); err != nil {
		ok = false
		storeState = err.Error()
	}
	detail := map[string]any{
		"storage":   storeState,
		"scheduler": a.sched.Snapshot(),
		"notify":    a.notif.Enabled(),
		"live":      len(a.sessions.LiveAccounts()),
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			ok = false
		}
		detail["supervisor"] = a.sup.Snapshot()
	}
	return ok, detail
}
