package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"igpilot/internal/eventbus"
	"igpilot/internal/task/engine"
	"igpilot/pkg/logx"
)

type Option func(*Service)

// WithRefresher enables the status refresh routine.
func WithRefresher(r Refresher) Option { return func(s *Service) { s.refresher = r } }

// WithClock replaces time.Now; tests use it to move retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store Store, eng *engine.Service, runner Runner, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		store:       store,
		engine:      eng,
		runner:      runner,
		now:         time.Now,
		parser:      cronParser(),
		timers:      map[string]*armed{},
		queued:      map[string]struct{}{},
		running:     map[string]context.CancelFunc{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Location is the zone recurring jobs are computed in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config. A changed timezone or maintenance schedule restarts cron.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg
	changed := strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) ||
		old.SweepEvery != cfg.SweepEvery || old.Cleanup != cfg.Cleanup || old.StatusRefresh != cfg.StatusRefresh
	if !changed {
		return
	}
	s.loc = s.loadLocationLocked()
	if s.c != nil {
		s.restartLocked()
	}
}

// Start starts the maintenance routines, recovers jobs left over by a previous
// process and arms every pending job.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.maint = s.maintenanceDefsLocked()
	for i := range s.maint {
		if err := s.addCronLocked(&s.maint[i]); err != nil {
			s.log.Warn("invalid maintenance schedule", logx.String("schedule", s.maint[i].name), logx.String("spec", s.maint[i].spec), logx.Err(err))
		}
	}
	s.c.Start()
	loc := s.loc
	s.mu.Unlock()

	s.tmu.Lock()
	s.started = true
	s.tmu.Unlock()

	n, err := s.recoverJobs(ctx)
	if err != nil {
		return err
	}
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("armed", n))
	return nil
}

// Stop stops cron and disarms every timer. Pending jobs stay pending in the
// store and are re-armed by the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	s.started = false
	for _, a := range s.timers {
		a.timer.Stop()
	}
	s.timers = map[string]*armed{}
	s.tmu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.maint = s.maintenanceDefsLocked()
	for i := range s.maint {
		if err := s.addCronLocked(&s.maint[i]); err != nil {
			s.log.Warn("invalid maintenance schedule", logx.String("schedule", s.maint[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("routines", len(s.maint)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
