package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const latestVersion = 2

// Migrate brings the schema up to date.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	cur, err := currentVersion(ctx, d.db)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latestVersion; v++ {
		if err := apply(ctx, d.db, v, d.now().UnixNano()); err != nil {
			return err
		}
	}
	return nil
}

// Version is the applied schema version.
func (d *DB) Version(ctx context.Context) (int, error) {
	return currentVersion(ctx, d.db)
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func apply(ctx context.Context, db *sql.DB, version int, nowNs int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch version {
	case 1:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS lock_control (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  status TEXT NOT NULL,
  updated_at_ns INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	case 2:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS lock_history (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  status TEXT NOT NULL,
  at_ns INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("migration v2 failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, ?);`, version, nowNs); err != nil {
		return err
	}
	return tx.Commit()
}
