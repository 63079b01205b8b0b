package storage

import "context"

// AddUser records a user of a tenant. It reports whether the user is new.
func (s *DB) AddUser(ctx context.Context, tenantID, userID int64) (bool, error) {
	return affected(s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users(tenant_id, user_id, joined_at) VALUES(?,?,?)`,
		tenantID, userID, toMS(s.now())))
}

// Users returns the ids of all users of a tenant.
func (s *DB) Users(ctx context.Context, tenantID int64) ([]int64, error) {
	return s.ids(ctx, `SELECT user_id FROM users WHERE tenant_id = ? ORDER BY joined_at, user_id`, tenantID)
}

func (s *DB) CountUsers(ctx context.Context, tenantID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

// UpsertKnownGroup records (or re-activates) a group the tenant's bot is in.
func (s *DB) UpsertKnownGroup(ctx context.Context, g KnownGroup) error {
	if g.SeenAt.IsZero() {
		g.SeenAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO known_groups(tenant_id, chat_id, title, active, seen_at) VALUES(?,?,?,1,?)
		 ON CONFLICT(tenant_id, chat_id) DO UPDATE SET
		   title = CASE WHEN excluded.title != '' THEN excluded.title ELSE known_groups.title END,
		   active = 1,
		   seen_at = excluded.seen_at`,
		g.TenantID, g.ChatID, g.Title, toMS(g.SeenAt))
	return err
}

// DeactivateKnownGroup excludes a group from future BROADCAST passes.
func (s *DB) DeactivateKnownGroup(ctx context.Context, tenantID, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE known_groups SET active = 0 WHERE tenant_id = ? AND chat_id = ?`, tenantID, chatID)
	return err
}

// KnownGroups returns the active groups of a tenant.
func (s *DB) KnownGroups(ctx context.Context, tenantID int64) ([]KnownGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, chat_id, title, active, seen_at FROM known_groups
		 WHERE tenant_id = ? AND active = 1 ORDER BY seen_at, chat_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnownGroup
	for rows.Next() {
		var (
			g      KnownGroup
			active int
			seen   int64
		)
		if err := rows.Scan(&g.TenantID, &g.ChatID, &g.Title, &active, &seen); err != nil {
			return nil, err
		}
		g.Active = active != 0
		g.SeenAt = fromMS(seen)
		out = append(out, g)
	}
	return out, rows.Err()
}

// KnownGroupIDs returns the chat ids of the active groups of a tenant.
func (s *DB) KnownGroupIDs(ctx context.Context, tenantID int64) ([]int64, error) {
	return s.ids(ctx,
		`SELECT chat_id FROM known_groups WHERE tenant_id = ? AND active = 1 ORDER BY seen_at, chat_id`, tenantID)
}

func (s *DB) ids(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
