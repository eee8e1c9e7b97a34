package scheduler

import (
	"errors"
	"time"

	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a refused job at most once per throttle window per
// job name.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("fire skipped; previous run still active", logx.String("job", name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	// Names are per task; forget stale entries so the map stays small.
	for k, at := range s.lastEnqWarn {
		if now.Sub(at) > time.Minute {
			delete(s.lastEnqWarn, k)
		}
	}
	s.enqMu.Unlock()

	s.log.Warn("failed to enqueue fire", logx.String("job", name), logx.Err(err))
}
