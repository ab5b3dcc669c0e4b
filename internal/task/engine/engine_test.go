package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"igpilot/internal/eventbus"
	"igpilot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConcurrencyGroupSerializes(t *testing.T) {
	s := startEngine(t, Config{Workers: 4})

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		peak    atomic.Int32
		done    atomic.Int32
	)
	for i := 0; i < 6; i++ {
		i := i
		err := s.Enqueue(Task{
			Name:           "job",
			ConcurrencyKey: "account:1",
			Opt:            TaskOptions{ConcurrencyLimit: 1, RetryMax: -1},
			Run: func(ctx context.Context) error {
				n := running.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				running.Add(-1)
				done.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	waitFor(t, "all tasks", func() bool { return done.Load() == 6 })

	if peak.Load() != 1 {
		t.Fatalf("expected peak 1, got %d", peak.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 6 {
		t.Fatalf("expected 6 runs, got %v", order)
	}
}

func TestDistinctGroupsRunConcurrently(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	var started atomic.Int32
	for _, key := range []string{"account:1", "account:2"} {
		_ = s.Enqueue(Task{
			Name:           "job",
			ConcurrencyKey: key,
			Opt:            TaskOptions{ConcurrencyLimit: 1, RetryMax: -1},
			Run: func(ctx context.Context) error {
				started.Add(1)
				<-release
				return nil
			},
		})
	}
	waitFor(t, "both groups running", func() bool { return started.Load() == 2 })
	close(release)
}

func TestRetryPolicy(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 2})

	cases := []struct {
		name string
		opt  TaskOptions
		err  func(error) error
		want int32
	}{
		{"default retries", TaskOptions{RetryBase: time.Millisecond}, func(e error) error { return e }, 3},
		{"disabled", TaskOptions{RetryMax: -1}, func(e error) error { return e }, 1},
		{"no retry error", TaskOptions{RetryBase: time.Millisecond}, NoRetry, 1},
	}
	for _, tc := range cases {
		var calls atomic.Int32
		var finished atomic.Bool
		err := s.Enqueue(Task{
			Name: tc.name,
			Opt:  tc.opt,
			Run: func(ctx context.Context) error {
				calls.Add(1)
				return tc.err(errors.New("boom"))
			},
		})
		if err != nil {
			t.Fatalf("%s: enqueue: %v", tc.name, err)
		}
		waitFor(t, tc.name, func() bool {
			for _, h := range s.Snapshot().History {
				if h.Name == tc.name {
					finished.Store(true)
				}
			}
			return finished.Load()
		})
		if calls.Load() != tc.want {
			t.Fatalf("%s: expected %d calls, got %d", tc.name, tc.want, calls.Load())
		}
	}
}

func TestCircuitOpensOnCountedFailures(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, CircuitTripFailures: 2, CircuitBaseDelay: time.Minute})

	counted := errors.New("transient")
	ignored := errors.New("permanent")
	opt := TaskOptions{RetryMax: -1, CircuitCounts: func(err error) bool { return errors.Is(err, counted) }}

	var runs atomic.Int32
	run := func(err error) {
		t.Helper()
		before := runs.Load()
		if e := s.Enqueue(Task{Name: "job", CircuitKey: "account:7", Opt: opt, Run: func(context.Context) error {
			runs.Add(1)
			return err
		}}); e != nil {
			t.Fatalf("enqueue: %v", e)
		}
		waitFor(t, "run", func() bool { return runs.Load() == before+1 && len(s.Snapshot().History) == int(before+1) })
	}

	run(ignored)
	run(ignored)
	run(counted)
	run(counted)

	err := s.Enqueue(Task{Name: "job", CircuitKey: "account:7", Opt: opt, Run: func(context.Context) error { return nil }})
	var open *CircuitOpenError
	if !errors.As(err, &open) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if open.Key != "account:7" || !open.Until.After(time.Now()) {
		t.Fatalf("unexpected circuit error %+v", open)
	}
	if err := s.Enqueue(Task{Name: "job", CircuitKey: "account:8", Opt: opt, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("other circuit must stay closed, got %v", err)
	}
}

func TestPanicIsIsolated(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})

	var after atomic.Bool
	_ = s.Enqueue(Task{Name: "bad", Opt: TaskOptions{RetryMax: 3}, Run: func(context.Context) error { panic("boom") }})
	_ = s.Enqueue(Task{Name: "good", Run: func(context.Context) error {
		after.Store(true)
		return nil
	}})
	waitFor(t, "task after panic", after.Load)

	h := s.Snapshot().History
	if len(h) < 1 || h[0].Name != "bad" || h[0].Attempts != 1 || h[0].Error != "panic: boom" {
		t.Fatalf("expected single panicked attempt, got %+v", h)
	}
}

func TestOverlapSkip(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})

	release := make(chan struct{})
	opt := TaskOptions{Overlap: OverlapSkipIfRunning}
	if err := s.Enqueue(Task{Name: "sweep", Opt: opt, Run: func(context.Context) error {
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "sweep", Opt: opt, Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("expected overlap skip, got %v", err)
	}
	close(release)
}

func TestStopDropsParkedTasks(t *testing.T) {
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	var dropped atomic.Int32
	opt := TaskOptions{ConcurrencyLimit: 1, RetryMax: -1}
	_ = s.Enqueue(Task{Name: "first", ConcurrencyKey: "k", Opt: opt, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started
	for i := 0; i < 3; i++ {
		_ = s.Enqueue(Task{Name: "next", ConcurrencyKey: "k", Opt: opt,
			Run:    func(context.Context) error { return nil },
			OnDrop: func(error) { dropped.Add(1) },
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if dropped.Load() != 3 {
		t.Fatalf("expected 3 dropped, got %d", dropped.Load())
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
