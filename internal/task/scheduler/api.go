package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"botfleet/internal/eventbus"
	"botfleet/internal/storage"
	"botfleet/internal/task/engine"
	logx "botfleet/pkg/logx"
)

func onceKey(jobID int64) string      { return fmt.Sprintf("oneshot_%d", jobID) }
func recurringKey(jobID int64) string { return fmt.Sprintf("recurring_%d", jobID) }

// ScheduleOnce registers (or replaces) the timer of a PENDING one-off job.
// A fire time in the past fires immediately.
func (s *Service) ScheduleOnce(job storage.BroadcastJob) error {
	if job.ID == 0 || job.Kind != storage.JobOnce {
		return fmt.Errorf("%w: job %d is not a one-off", ErrInvalidJob, job.ID)
	}
	if job.Status != storage.StatusPending {
		return fmt.Errorf("%w: job %d is %s", ErrInvalidJob, job.ID, job.Status)
	}
	if job.FireAt.IsZero() {
		return fmt.Errorf("%w: job %d has no fire time", ErrInvalidJob, job.ID)
	}

	s.armOnce(job.ID, job.FireAt, job.FireAt, true)
	return nil
}

// armOnce sets the timer of jobID to due. at is the fire time the job was
// created with; retries measure the misfire grace from it. Without replace
// an already armed timer wins and armOnce reports false.
func (s *Service) armOnce(jobID int64, at, due time.Time, replace bool) bool {
	key := onceKey(jobID)

	s.tmu.Lock()
	defer s.tmu.Unlock()

	// upsert: stop existing timer with the same key
	if prev, ok := s.once[key]; ok {
		if !replace {
			return false
		}
		prev.timer.Stop()
		delete(s.once, key)
	}
	ver := s.onceVer[key] + 1
	s.onceVer[key] = ver

	delay := max(due.Sub(s.now()), 0)
	e := &onceEntry{jobID: jobID, at: at, due: due, ver: ver}
	e.timer = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		cur, ok := s.once[key]
		if !ok || cur.ver != ver {
			// removed or replaced
			s.tmu.Unlock()
			return
		}
		delete(s.once, key)
		s.tmu.Unlock()

		if err := s.trigger(key, jobID, engine.OverlapSkipIfRunning); err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
			s.retryOnce(jobID, at)
		}
	})
	s.once[key] = e

	s.log.Debug("one-off registered", logx.String("key", key), logx.Time("at", at), logx.Duration("in", delay))
	return true
}

// retryOnce re-arms a one-off whose fire could not run. Once the retry would
// land past the misfire grace the job is marked MISSED instead.
func (s *Service) retryOnce(jobID int64, at time.Time) {
	s.mu.Lock()
	grace, delay := s.cfg.MisfireGrace, s.cfg.RetryDelay
	s.mu.Unlock()
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	due := s.now().Add(delay)
	if due.Sub(at) > grace {
		s.markMissed(jobID, at)
		return
	}
	if s.armOnce(jobID, at, due, false) {
		s.log.Info("one-off re-armed", logx.Int64("job", jobID), logx.Time("due", due))
	}
}

// markMissed gives up on a one-off that can no longer fire inside the grace.
func (s *Service) markMissed(jobID int64, at time.Time) {
	s.dmu.RLock()
	st, bus := s.deps.Store, s.deps.Bus
	s.dmu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	changed, err := st.MarkMissed(ctx, jobID)
	if err != nil {
		s.log.Error("mark missed failed", logx.Int64("job", jobID), logx.Err(err))
		return
	}
	if changed {
		s.log.Warn("one-off missed", logx.Int64("job", jobID), logx.Duration("late", s.now().Sub(at)))
		eventbus.Emit(bus, eventbus.SchedulerMissed, eventbus.Outcome{Kind: string(storage.JobOnce), Result: "missed"})
	}
}

// ResumeTenant arms the PENDING one-offs of a tenant that just came up.
// Jobs already armed keep their timer; jobs past the grace are marked MISSED.
func (s *Service) ResumeTenant(ctx context.Context, tenantID int64) (int, error) {
	s.mu.Lock()
	grace := s.cfg.MisfireGrace
	s.mu.Unlock()
	s.dmu.RLock()
	st := s.deps.Store
	s.dmu.RUnlock()

	jobs, err := st.PendingOnce(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs of tenant %d: %w", tenantID, err)
	}
	armed := 0
	now := s.now()
	for _, job := range jobs {
		if late := now.Sub(job.FireAt); late > grace && late > 0 {
			s.markMissed(job.ID, job.FireAt)
			continue
		}
		if s.armOnce(job.ID, job.FireAt, job.FireAt, false) {
			armed++
		}
	}
	if armed > 0 {
		s.log.Info("tenant one-offs resumed", logx.Int64("tenant", tenantID), logx.Int("armed", armed))
	}
	return armed, nil
}

// ScheduleRecurring registers (or replaces) the cron entry of an active
// recurring job.
func (s *Service) ScheduleRecurring(job storage.BroadcastJob) error {
	if job.ID == 0 || job.Kind != storage.JobRecurring {
		return fmt.Errorf("%w: job %d is not recurring", ErrInvalidJob, job.ID)
	}
	if !job.Active {
		return fmt.Errorf("%w: job %d is not active", ErrInvalidJob, job.ID)
	}
	spec, err := CronSpec(job.Interval)
	if err != nil {
		return err
	}

	key := recurringKey(job.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.recurring[key]; ok && prev.entryID != 0 {
		s.c.Remove(prev.entryID)
	}
	e := &recurringEntry{job: job, spec: spec}
	if err := s.addCronLocked(key, e); err != nil {
		delete(s.recurring, key)
		return fmt.Errorf("register %s: %w", key, err)
	}
	s.recurring[key] = e

	args := []logx.Field{logx.String("key", key), logx.String("spec", spec)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("recurring registered", args...)
	return nil
}

// Cancel removes both timers of jobID. Absent timers are not an error.
func (s *Service) Cancel(jobID int64) bool {
	removed := false

	key := onceKey(jobID)
	s.tmu.Lock()
	if e, ok := s.once[key]; ok {
		e.timer.Stop()
		delete(s.once, key)
		removed = true
	}
	// A callback already past its timer sees the bumped version and exits.
	s.onceVer[key]++
	s.tmu.Unlock()

	rkey := recurringKey(jobID)
	s.mu.Lock()
	if e, ok := s.recurring[rkey]; ok {
		if e.entryID != 0 {
			s.c.Remove(e.entryID)
		}
		delete(s.recurring, rkey)
		removed = true
	}
	s.mu.Unlock()

	if removed {
		s.log.Debug("timers canceled", logx.Int64("job", jobID))
	}
	return removed
}

// addCronLocked registers e on the current cron instance. Call with s.mu held.
func (s *Service) addCronLocked(key string, e *recurringEntry) error {
	jobID := e.job.ID
	job := cron.FuncJob(func() {
		_ = s.trigger(key, jobID, engine.OverlapSkipIfRunning)
	})

	// @every entries get a startup spread so a fleet of jobs reconciled at
	// boot does not fire in the same second.
	if every, ok := strings.CutPrefix(e.spec, "@every "); ok {
		if d, err := time.ParseDuration(every); err == nil && d > 0 {
			sched, _ := makeIntervalScheduleWithSpread(d, s.now().In(s.loc))
			e.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	id, err := s.c.AddJob(e.spec, job)
	if err != nil {
		return err
	}
	e.entryID = id
	return nil
}

// trigger hands one fire to the task engine.
func (s *Service) trigger(key string, jobID int64, overlap engine.OverlapPolicy) error {
	s.dmu.RLock()
	eng := s.deps.Engine
	timeout := s.fireTimeout
	s.dmu.RUnlock()
	if eng == nil {
		return errNoEngine
	}
	err := eng.Enqueue(engine.Task{
		Name:    key,
		Timeout: timeout,
		Overlap: overlap,
		Run:     func(ctx context.Context) error { return s.fire(ctx, jobID) },
	})
	if err != nil {
		s.reportEnqueueError(key, err)
	}
	return err
}
