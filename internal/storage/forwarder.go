package storage

import (
	"context"
	"database/sql"
	"errors"
)

func loadForwarder(ctx context.Context, q querier, tenantID int64) (ForwarderConfig, error) {
	cfg := ForwarderConfig{TenantID: tenantID, Mode: ModeSingle}

	var (
		mode           string
		active, onceOn int
	)
	err := q.QueryRowContext(ctx,
		`SELECT target_id, target_name, mode, filter, active, activated_once FROM forwarder_config WHERE tenant_id = ?`,
		tenantID).Scan(&cfg.TargetID, &cfg.TargetName, &mode, &cfg.Filter, &active, &onceOn)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return ForwarderConfig{}, err
	default:
		cfg.Mode = ForwardMode(mode)
		cfg.Active = active != 0
		cfg.ActivatedOnce = onceOn != 0
	}

	rows, err := q.QueryContext(ctx,
		`SELECT chat_id, name FROM forwarder_sources WHERE tenant_id = ? ORDER BY rowid`, tenantID)
	if err != nil {
		return ForwarderConfig{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ChatID, &src.Name); err != nil {
			return ForwarderConfig{}, err
		}
		cfg.Sources = append(cfg.Sources, src)
	}
	return cfg, rows.Err()
}

func saveForwarder(ctx context.Context, q querier, cfg ForwarderConfig) error {
	if cfg.Mode == "" {
		cfg.Mode = ModeSingle
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO forwarder_config(tenant_id, target_id, target_name, mode, filter, active, activated_once)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   target_id = excluded.target_id,
		   target_name = excluded.target_name,
		   mode = excluded.mode,
		   filter = excluded.filter,
		   active = excluded.active,
		   activated_once = excluded.activated_once`,
		cfg.TenantID, cfg.TargetID, cfg.TargetName, string(cfg.Mode), cfg.Filter,
		boolInt(cfg.Active), boolInt(cfg.ActivatedOnce))
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM forwarder_sources WHERE tenant_id = ?`, cfg.TenantID); err != nil {
		return err
	}
	for _, src := range cfg.Sources {
		if _, err := q.ExecContext(ctx,
			`INSERT OR REPLACE INTO forwarder_sources(tenant_id, chat_id, name) VALUES(?,?,?)`,
			cfg.TenantID, src.ChatID, src.Name); err != nil {
			return err
		}
	}
	return nil
}

// ForwarderConfig returns the tenant's forwarder configuration. A tenant that
// never configured one gets the zero config in SINGLE mode.
func (s *DB) ForwarderConfig(ctx context.Context, tenantID int64) (ForwarderConfig, error) {
	return loadForwarder(ctx, s.db, tenantID)
}

// SaveForwarderConfig replaces the stored configuration (sources included).
func (s *DB) SaveForwarderConfig(ctx context.Context, cfg ForwarderConfig) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return saveForwarder(ctx, tx, cfg) })
}

// UpdateForwarderConfig applies fn to the current configuration and stores
// the result in one transaction. If fn returns an error nothing is written.
func (s *DB) UpdateForwarderConfig(ctx context.Context, tenantID int64, fn func(*ForwarderConfig) error) (ForwarderConfig, error) {
	var out ForwarderConfig
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cfg, err := loadForwarder(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if err := fn(&cfg); err != nil {
			return err
		}
		cfg.TenantID = tenantID
		if err := saveForwarder(ctx, tx, cfg); err != nil {
			return err
		}
		out = cfg
		return nil
	})
	return out, err
}
