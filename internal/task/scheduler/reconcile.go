package scheduler

import (
	"context"
	"fmt"

	"botfleet/internal/eventbus"
	"botfleet/internal/storage"
	logx "botfleet/pkg/logx"
)

// Reconcile registers every PENDING one-off and every active recurring job
// exactly once. Overdue one-offs late by less than MisfireGrace fire now;
// older ones are marked MISSED. A failing job is logged and counted and
// never stops the pass. Only a failure to list jobs is returned.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	s.mu.Lock()
	grace := s.cfg.MisfireGrace
	s.mu.Unlock()
	s.dmu.RLock()
	st, bus := s.deps.Store, s.deps.Bus
	s.dmu.RUnlock()

	once, err := st.PendingOnce(ctx, 0)
	if err != nil {
		return rep, fmt.Errorf("list pending jobs: %w", err)
	}
	recurring, err := st.ActiveRecurring(ctx, 0)
	if err != nil {
		return rep, fmt.Errorf("list recurring jobs: %w", err)
	}

	now := s.now()
	for _, job := range once {
		log := s.log.With(logx.Int64("job", job.ID), logx.Int64("tenant", job.TenantID))

		late := now.Sub(job.FireAt)
		if late > grace && late > 0 {
			if _, err := st.MarkMissed(ctx, job.ID); err != nil {
				rep.Failed++
				log.Error("mark missed failed", logx.Err(err))
				continue
			}
			rep.Missed++
			log.Warn("one-off missed", logx.Duration("late", late), logx.Duration("grace", grace))
			eventbus.Emit(bus, eventbus.SchedulerMissed, eventbus.Outcome{TenantID: job.TenantID, Kind: string(storage.JobOnce), Result: "missed"})
			continue
		}
		if err := s.ScheduleOnce(job); err != nil {
			rep.Failed++
			log.Error("one-off register failed", logx.Err(err))
			continue
		}
		rep.Once++
		if late > 0 {
			rep.Immediate++
		}
	}

	for _, job := range recurring {
		if err := s.ScheduleRecurring(job); err != nil {
			rep.Failed++
			s.log.Error("recurring register failed", logx.Int64("job", job.ID), logx.Int64("tenant", job.TenantID), logx.Err(err))
			continue
		}
		rep.Recurring++
	}

	s.log.Info("reconciled",
		logx.Int("once", rep.Once),
		logx.Int("recurring", rep.Recurring),
		logx.Int("immediate", rep.Immediate),
		logx.Int("missed", rep.Missed),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}
