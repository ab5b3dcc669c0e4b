package scheduler

import (
	"errors"
	"time"

	"igpilot/internal/task/engine"
	"igpilot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a refused submit at most once per key and throttle window.
func (s *Service) reportEnqueueError(key string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("routine skipped; previous run still active", logx.String("key", key))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	if last, ok := s.lastEnqWarn[key]; ok && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[key] = now
	s.enqMu.Unlock()

	s.log.Warn("worker pool refused task", logx.String("key", key), logx.Err(err))
}
