package engine

import (
	"strings"
	"sync"
)

// groupSemaphore bounds concurrent runs of one ConcurrencyKey. A task that
// finds the group full is parked; a finishing run hands its slot straight to
// the oldest parked task instead of going back through the queue.
//
// The limit is fixed by the first task that creates the group.
type groupSemaphore struct {
	mu     sync.Mutex
	limit  int
	held   int
	parked []queuedTask
}

// acquireOrPark takes a slot for t, or parks t and returns false.
func (g *groupSemaphore) acquireOrPark(t queuedTask) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held < g.limit {
		g.held++
		return true
	}
	g.parked = append(g.parked, t)
	return false
}

// handoff releases the caller's slot. If a task is parked, the slot passes to
// it and it is returned for the caller to run.
func (g *groupSemaphore) handoff() (queuedTask, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.parked) > 0 {
		next := g.parked[0]
		g.parked[0] = queuedTask{}
		g.parked = g.parked[1:]
		return next, true
	}
	if g.held > 0 {
		g.held--
	}
	return queuedTask{}, false
}

// drain releases the caller's slot and returns every parked task.
func (g *groupSemaphore) drain() []queuedTask {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.parked
	g.parked = nil
	if g.held > 0 {
		g.held--
	}
	return out
}

func (g *groupSemaphore) waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.parked)
}

func groupKey(concurrencyKey, name string) string {
	k := strings.TrimSpace(concurrencyKey)
	if k == "" {
		k = strings.TrimSpace(name)
	}
	return k
}

type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

func (s *groupLimiterStore) get(key string, limit int) *groupSemaphore {
	if limit <= 0 || key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := s.groups[key]
	if gs == nil {
		gs = &groupSemaphore{limit: limit}
		s.groups[key] = gs
	}
	return gs
}

func (s *groupLimiterStore) parked() int {
	s.mu.Lock()
	groups := make([]*groupSemaphore, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()
	n := 0
	for _, g := range groups {
		n += g.waiting()
	}
	return n
}

// drainAll empties every group's parking lot; used at shutdown.
func (s *groupLimiterStore) drainAll() []queuedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queuedTask
	for _, g := range s.groups {
		g.mu.Lock()
		out = append(out, g.parked...)
		g.parked = nil
		g.mu.Unlock()
	}
	s.groups = nil
	return out
}
