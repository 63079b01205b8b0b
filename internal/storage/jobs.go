package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"botfleet/internal/transport"
)

const jobCols = `id, tenant_id, kind, audience, payload, fire_at, interval_unit, interval_every, interval_hour, status, active, created_at, last_fired_at`

func scanJob(sc interface{ Scan(...any) error }) (BroadcastJob, error) {
	var (
		j                      BroadcastJob
		kind, aud, unit, st    string
		payload                string
		fireAt, crAt, lastFire int64
		active                 int
	)
	err := sc.Scan(&j.ID, &j.TenantID, &kind, &aud, &payload, &fireAt, &unit, &j.Interval.Every, &j.Interval.Hour,
		&st, &active, &crAt, &lastFire)
	if err != nil {
		return BroadcastJob{}, err
	}
	j.Kind = JobKind(kind)
	j.Audience = Audience(aud)
	j.Interval.Unit = IntervalUnit(unit)
	j.Status = JobStatus(st)
	j.Active = active != 0
	j.FireAt = fromMS(fireAt)
	j.CreatedAt = fromMS(crAt)
	j.LastFiredAt = fromMS(lastFire)
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return BroadcastJob{}, fmt.Errorf("job %d payload: %w", j.ID, err)
	}
	return j, nil
}

func (s *DB) insertJob(ctx context.Context, j BroadcastJob) (BroadcastJob, error) {
	b, err := json.Marshal(j.Payload)
	if err != nil {
		return BroadcastJob{}, err
	}
	j.CreatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcast_jobs(tenant_id, kind, audience, payload, fire_at, interval_unit, interval_every, interval_hour, status, active, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		j.TenantID, string(j.Kind), string(j.Audience), string(b), toMS(j.FireAt),
		string(j.Interval.Unit), j.Interval.Every, j.Interval.Hour, string(j.Status), boolInt(j.Active), toMS(j.CreatedAt),
	)
	if err != nil {
		return BroadcastJob{}, err
	}
	j.ID, err = res.LastInsertId()
	return j, err
}

// CreateOnce persists a PENDING one-off job.
func (s *DB) CreateOnce(ctx context.Context, tenantID int64, aud Audience, p transport.Payload, fireAt time.Time) (BroadcastJob, error) {
	return s.insertJob(ctx, BroadcastJob{
		TenantID: tenantID,
		Kind:     JobOnce,
		Audience: aud,
		Payload:  p,
		FireAt:   fireAt,
		Status:   StatusPending,
		Active:   true,
	})
}

// CreateRecurring persists an active recurring job.
func (s *DB) CreateRecurring(ctx context.Context, tenantID int64, aud Audience, p transport.Payload, iv Interval) (BroadcastJob, error) {
	return s.insertJob(ctx, BroadcastJob{
		TenantID: tenantID,
		Kind:     JobRecurring,
		Audience: aud,
		Payload:  p,
		Interval: iv,
		Status:   StatusPending,
		Active:   true,
	})
}

func (s *DB) GetJob(ctx context.Context, id int64) (BroadcastJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM broadcast_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return BroadcastJob{}, ErrNotFound
	}
	return j, err
}

func (s *DB) listJobs(ctx context.Context, where string, args ...any) ([]BroadcastJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobCols+` FROM broadcast_jobs WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BroadcastJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PendingOnce returns PENDING one-off jobs; tenantID 0 means all tenants.
func (s *DB) PendingOnce(ctx context.Context, tenantID int64) ([]BroadcastJob, error) {
	return s.listJobs(ctx, `kind = 'once' AND status = 'PENDING' AND (? = 0 OR tenant_id = ?)`, tenantID, tenantID)
}

// ActiveRecurring returns active recurring jobs; tenantID 0 means all tenants.
func (s *DB) ActiveRecurring(ctx context.Context, tenantID int64) ([]BroadcastJob, error) {
	return s.listJobs(ctx, `kind = 'recurring' AND active = 1 AND (? = 0 OR tenant_id = ?)`, tenantID, tenantID)
}

// MarkSent moves a one-off job from PENDING to SENT. It reports false when
// the job was not PENDING (already fired, missed or deleted).
func (s *DB) MarkSent(ctx context.Context, id int64) (bool, error) {
	return affected(s.db.ExecContext(ctx,
		`UPDATE broadcast_jobs SET status = 'SENT', last_fired_at = ? WHERE id = ? AND kind = 'once' AND status = 'PENDING'`,
		toMS(s.now()), id))
}

// MarkMissed moves a one-off job from PENDING to MISSED.
func (s *DB) MarkMissed(ctx context.Context, id int64) (bool, error) {
	return affected(s.db.ExecContext(ctx,
		`UPDATE broadcast_jobs SET status = 'MISSED' WHERE id = ? AND kind = 'once' AND status = 'PENDING'`, id))
}

// TouchFired records the last fire time of a recurring job.
func (s *DB) TouchFired(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE broadcast_jobs SET last_fired_at = ? WHERE id = ?`, toMS(at), id)
	return err
}

// DeleteJob removes a job owned by tenantID. It reports false when no such job exists.
func (s *DB) DeleteJob(ctx context.Context, tenantID, id int64) (bool, error) {
	return affected(s.db.ExecContext(ctx, `DELETE FROM broadcast_jobs WHERE id = ? AND tenant_id = ?`, id, tenantID))
}

// OpenJobs lists a tenant's PENDING one-offs and active recurring jobs.
func (s *DB) OpenJobs(ctx context.Context, tenantID int64) ([]BroadcastJob, error) {
	return s.listJobs(ctx,
		`tenant_id = ? AND ((kind = 'once' AND status = 'PENDING') OR (kind = 'recurring' AND active = 1))`, tenantID)
}

// AppendRun stores the audit record of a fan-out pass.
func (s *DB) AppendRun(ctx context.Context, r BroadcastRun) error {
	if r.At.IsZero() {
		r.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcast_runs(run_id, tenant_id, job_id, origin, sent, failed, took_ms, at) VALUES(?,?,?,?,?,?,?,?)`,
		r.RunID, r.TenantID, r.JobID, r.Origin, r.Sent, r.Failed, r.Took.Milliseconds(), toMS(r.At),
	)
	return err
}

// RecentRuns returns up to limit runs of a job, newest first.
func (s *DB) RecentRuns(ctx context.Context, jobID int64, limit int) ([]BroadcastRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, tenant_id, job_id, origin, sent, failed, took_ms, at FROM broadcast_runs
		 WHERE job_id = ? ORDER BY at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BroadcastRun
	for rows.Next() {
		var (
			r        BroadcastRun
			took, at int64
		)
		if err := rows.Scan(&r.RunID, &r.TenantID, &r.JobID, &r.Origin, &r.Sent, &r.Failed, &took, &at); err != nil {
			return nil, err
		}
		r.Took = time.Duration(took) * time.Millisecond
		r.At = fromMS(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
