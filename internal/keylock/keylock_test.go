package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSameKeySerializes(t *testing.T) {
	k := New()
	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), 1)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer unlock()
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			cur.Add(-1)
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("expected at most 1 holder, got %d", peak.Load())
	}
	if len(k.slots) != 0 {
		t.Fatalf("expected slots to be released, got %d", len(k.slots))
	}
}

func TestDistinctKeysIndependent(t *testing.T) {
	k := New()
	u1, _ := k.Lock(context.Background(), 1)
	defer u1()
	u2, ok := k.TryLock(2)
	if !ok {
		t.Fatalf("expected key 2 to be free")
	}
	u2()
	if _, ok := k.TryLock(1); ok {
		t.Fatalf("expected key 1 to be held")
	}
	if !k.Held(1) || k.Held(2) {
		t.Fatalf("unexpected Held results")
	}
}

func TestLockHonoursContext(t *testing.T) {
	k := New()
	unlock, _ := k.Lock(context.Background(), 5)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, 5); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	unlock()
	unlock()
	u, err := k.Lock(context.Background(), 5)
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	u()
}
