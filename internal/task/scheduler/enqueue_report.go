package scheduler

import (
	"errors"
	"time"

	"botfleet/internal/task/engine"
	logx "botfleet/pkg/logx"
)

const (
	enqueueWarnThrottle = 5 * time.Second
	enqueueWarnKeys     = 512
)

// reportEnqueueError logs a rejected fire at most once per key per throttle
// window. Overlap skips only reach debug.
func (s *Service) reportEnqueueError(key string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("trigger skipped", logx.String("key", key), logx.Err(err))
	case s.enqWarned.Contains(key):
	default:
		s.enqWarned.Add(key, struct{}{})
		s.log.Warn("trigger failed to enqueue", logx.String("key", key), logx.Err(err))
	}
}
