package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const tenantCols = `id, token, owner_id, username, active, subscription_end, created_at`

func scanTenant(sc interface{ Scan(...any) error }) (Tenant, error) {
	var (
		t         Tenant
		active    int
		end, crAt int64
	)
	if err := sc.Scan(&t.ID, &t.Token, &t.OwnerID, &t.Username, &active, &end, &crAt); err != nil {
		return Tenant{}, err
	}
	t.Active = active != 0
	t.SubscriptionEnd = fromMS(end)
	t.CreatedAt = fromMS(crAt)
	return t, nil
}

// CreateTenant registers a new bot credential. Tokens are unique.
func (s *DB) CreateTenant(ctx context.Context, t Tenant) (Tenant, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(token, owner_id, username, active, subscription_end, created_at) VALUES(?,?,?,?,?,?)`,
		t.Token, t.OwnerID, t.Username, boolInt(t.Active), toMS(t.SubscriptionEnd), toMS(t.CreatedAt),
	)
	if isUniqueViolation(err) {
		return Tenant{}, fmt.Errorf("tenant token: %w", ErrDuplicate)
	}
	if err != nil {
		return Tenant{}, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (s *DB) GetTenant(ctx context.Context, id int64) (Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `SELECT `+tenantCols+` FROM tenants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	return t, err
}

func (s *DB) GetTenantByToken(ctx context.Context, token string) (Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `SELECT `+tenantCols+` FROM tenants WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	return t, err
}

// ListTenants returns tenants ordered by id.
func (s *DB) ListTenants(ctx context.Context, activeOnly bool) ([]Tenant, error) {
	q := `SELECT ` + tenantCols + ` FROM tenants`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *DB) SetTenantActive(ctx context.Context, id int64, active bool) error {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE tenants SET active = ? WHERE id = ?`, boolInt(active), id))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *DB) SetTenantUsername(ctx context.Context, id int64, username string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tenants SET username = ? WHERE id = ?`, username, id)
	return err
}

// ExtendSubscription adds d to the later of now and the current end, and
// reactivates the tenant. It returns the new end.
func (s *DB) ExtendSubscription(ctx context.Context, id int64, d time.Duration) (time.Time, error) {
	var end time.Time
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var cur int64
		err := tx.QueryRowContext(ctx, `SELECT subscription_end FROM tenants WHERE id = ?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		base := s.now()
		if c := fromMS(cur); c.After(base) {
			base = c
		}
		end = base.Add(d)
		_, err = tx.ExecContext(ctx, `UPDATE tenants SET subscription_end = ?, active = 1 WHERE id = ?`, toMS(end), id)
		return err
	})
	return end, err
}

// ExpiredTenants lists active tenants whose subscription ended before now.
// They keep running in suspended mode until an operator extends or stops them.
func (s *DB) ExpiredTenants(ctx context.Context, now time.Time) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE active = 1 AND subscription_end > 0 AND subscription_end < ? ORDER BY id`,
		toMS(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
