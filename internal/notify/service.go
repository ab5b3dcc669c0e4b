// Package notify turns account and job events into operator alerts.
//
// Alerts go through a small queue drained by supervised workers with a token
// bucket, per-send retry and a dedup window, so a burst of identical
// failures produces one message.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"igpilot/internal/eventbus"
	"igpilot/internal/runtime/supervisor"
	"igpilot/pkg/logx"
)

const historyMax = 300

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Alert
	sup       *supervisor.Supervisor
	unsub     func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sender == nil {
		sender = LogSender{Log: log}
	}
	s := &Service{sender: sender, log: log, bus: bus, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

// Apply swaps rate, retry and dedup settings live. Workers and queue size
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start subscribes to the bus and launches the workers. It is idempotent and
// does nothing while disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	q := make(chan Alert, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	workers := s.cfg.Workers
	sup := supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "notify"))),
		// alert delivery is best-effort and never takes the process down
		supervisor.WithCancelOnError(false),
	)
	s.sup = sup
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(64, eventbus.AccountChallenge, eventbus.AccountBanned, eventbus.JobFailed)
	}
	s.mu.Unlock()

	if events != nil {
		sup.GoRestart("notify.listen", func(c context.Context) error {
			s.listen(c, events)
			return nil
		}, time.Second, 30*time.Second)
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notify.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		}, time.Second, 30*time.Second)
	}
}

// Stop stops intake and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, unsub := s.queue, s.sup, s.unsub
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue, s.sup, s.unsub = nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil && errors.Is(err, ctx.Err()) {
		sup.Cancel()
		s.log.Warn("alert queue not drained before shutdown", logx.Int("left", len(q)))
	}
}

func (s *Service) listen(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.mu.Lock()
			failedJobs := s.cfg.FailedJobs
			s.mu.Unlock()
			a, ok := alertFor(ev, failedJobs)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, a); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Warn("alert dropped", logx.String("key", a.Key), logx.Err(err))
			}
		}
	}
}

// Notify queues a. A duplicate within the dedup window is dropped silently.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && a.Key != "" && !s.dedupAllow(a.Key, window, maxEntries) {
		s.log.Debug("alert deduplicated", logx.String("key", a.Key))
		return nil
	}
	select {
	case q <- a:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, a)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, a Alert) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := prefixForPriority(a.Priority) + a.Text
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.Send(callCtx, text)
		cancel()
		if err == nil {
			s.appendHistory(text)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert not delivered", logx.String("key", a.Key), logx.Err(lastErr))
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			oldest string
			at     time.Time
		)
		for k, until := range s.dedup {
			if oldest == "" || until.Before(at) {
				oldest, at = k, until
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// retryDelay is RetryBase doubled per attempt, capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
