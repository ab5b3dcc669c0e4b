// Package keylock provides one context-aware mutex per account id.
//
// Slots are reference counted and dropped once nobody holds or waits on them,
// so the map does not grow with every account ever seen.
package keylock

import (
	"context"
	"sync"
)

type Keyed struct {
	mu    sync.Mutex
	slots map[int64]*slot
}

type slot struct {
	ch   chan struct{} // one token; holding the lock means having taken it
	refs int
}

func New() *Keyed {
	return &Keyed{slots: map[int64]*slot{}}
}

func (k *Keyed) ref(key int64) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := k.slots[key]
	if s == nil {
		s = &slot{ch: make(chan struct{}, 1)}
		s.ch <- struct{}{}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *Keyed) unref(key int64, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 && k.slots[key] == s {
		delete(k.slots, key)
	}
}

// Lock blocks until key is free or ctx is done. The returned unlock is idempotent.
func (k *Keyed) Lock(ctx context.Context, key int64) (func(), error) {
	s := k.ref(key)
	select {
	case <-s.ch:
		return k.unlocker(key, s), nil
	case <-ctx.Done():
		k.unref(key, s)
		return nil, ctx.Err()
	}
}

// TryLock takes key only if it is free right now.
func (k *Keyed) TryLock(key int64) (func(), bool) {
	s := k.ref(key)
	select {
	case <-s.ch:
		return k.unlocker(key, s), true
	default:
		k.unref(key, s)
		return nil, false
	}
}

// Held reports whether key is currently locked.
func (k *Keyed) Held(key int64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := k.slots[key]
	return s != nil && len(s.ch) == 0
}

func (k *Keyed) unlocker(key int64, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.ch <- struct{}{}
			k.unref(key, s)
		})
	}
}
