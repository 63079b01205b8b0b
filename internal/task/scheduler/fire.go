package scheduler

import (
	"context"
	"errors"
	"fmt"

	"botfleet/internal/eventbus"
	"botfleet/internal/notifier"
	"botfleet/internal/notifier/broadcast"
	"botfleet/internal/storage"
	logx "botfleet/pkg/logx"
)

// Skip reasons carried in SchedulerSkipped events.
const (
	skipGone       = "gone"
	skipNotPending = "not_pending"
	skipInactive   = "inactive"
	skipNotRunning = "tenant_not_running"
	skipRaced      = "raced"
	skipSuspended  = "suspended"
)

// fire runs one trigger of jobID. Lookup misses are logged and swallowed;
// only storage failures are returned (and recorded by the task engine).
func (s *Service) fire(ctx context.Context, jobID int64) error {
	s.dmu.RLock()
	d := s.deps
	s.dmu.RUnlock()

	log := s.log.With(logx.Int64("job", jobID))

	job, err := d.Store.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("fire of a deleted job ignored")
		s.skipped(storage.JobKind(""), 0, skipGone)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}
	log = log.With(logx.Int64("tenant", job.TenantID), logx.String("kind", string(job.Kind)))

	switch {
	case job.Kind == storage.JobOnce && job.Status != storage.StatusPending:
		log.Info("fire of a finished job ignored", logx.String("status", string(job.Status)))
		s.skipped(job.Kind, job.TenantID, skipNotPending)
		return nil
	case job.Kind == storage.JobRecurring && !job.Active:
		log.Info("fire of a stopped job ignored")
		s.Cancel(job.ID)
		s.skipped(job.Kind, job.TenantID, skipInactive)
		return nil
	}

	if d.Tenants == nil {
		log.Warn("fire skipped: no tenant registry bound")
		s.skipped(job.Kind, job.TenantID, skipNotRunning)
		return nil
	}
	deliverer, tenant, ok := d.Tenants.Deliverer(job.TenantID)
	if !ok {
		// A one-off stays PENDING and is retried inside the misfire grace.
		log.Warn("fire skipped: tenant not running")
		s.skipped(job.Kind, job.TenantID, skipNotRunning)
		if job.Kind == storage.JobOnce {
			s.retryOnce(job.ID, job.FireAt)
		}
		return nil
	}
	if tenant.Expired(s.now()) {
		log.Info("fire skipped: subscription expired")
		s.skipped(job.Kind, job.TenantID, skipSuspended)
		if job.Kind == storage.JobOnce {
			s.retryOnce(job.ID, job.FireAt)
		}
		return nil
	}

	var recipients []int64
	switch job.Audience {
	case storage.AudienceGroups:
		recipients, err = d.Store.KnownGroupIDs(ctx, job.TenantID)
	default:
		recipients, err = d.Store.Users(ctx, job.TenantID)
	}
	if err != nil {
		return fmt.Errorf("resolve recipients of job %d: %w", jobID, err)
	}

	if job.Kind == storage.JobOnce {
		won, err := d.Store.MarkSent(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("mark job %d sent: %w", jobID, err)
		}
		if !won {
			log.Info("fire lost the race to another trigger")
			s.skipped(job.Kind, job.TenantID, skipRaced)
			return nil
		}
	} else if err := d.Store.TouchFired(ctx, job.ID, s.now()); err != nil {
		// Bookkeeping only; deliver anyway.
		log.Warn("touch fired failed", logx.Err(err))
	}

	res := d.Fanout.Execute(ctx, deliverer, job.Payload, recipients, broadcast.Meta{
		TenantID: job.TenantID,
		JobID:    job.ID,
		Origin:   broadcast.OriginScheduler,
	})
	log.Info("broadcast fired",
		logx.String("run", res.RunID),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Duration("took", res.Took),
	)
	eventbus.Emit(d.Bus, eventbus.SchedulerFired, eventbus.Outcome{TenantID: job.TenantID, Kind: string(job.Kind), Result: "fired"})

	if d.Reporter != nil && tenant.OwnerID != 0 {
		n := notifier.Notification{TenantID: job.TenantID, ChatID: tenant.OwnerID, Text: reportText(job, res)}
		if err := d.Reporter.Notify(context.WithoutCancel(ctx), n); err != nil {
			log.Debug("owner report not queued", logx.Err(err))
		}
	}
	return nil
}

func (s *Service) skipped(kind storage.JobKind, tenantID int64, reason string) {
	s.dmu.RLock()
	bus := s.deps.Bus
	s.dmu.RUnlock()
	eventbus.Emit(bus, eventbus.SchedulerSkipped, eventbus.Outcome{TenantID: tenantID, Kind: string(kind), Result: reason})
}

func reportText(job storage.BroadcastJob, res broadcast.Result) string {
	what := "Broadcast"
	if job.Kind == storage.JobRecurring {
		what = "Recurring broadcast (" + DescribeInterval(job.Interval) + ")"
	}
	return fmt.Sprintf("%s #%d finished: %d sent, %d failed.", what, job.ID, res.Sent, res.Failed)
}
