// Package storage keeps the pan-tilt lock control status in SQLite so the
// orchestrator boots into the state it last reached.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ptzhead/internal/ptz"
)

// ErrNotFound means nothing has been saved yet.
var ErrNotFound = errors.New("not found")

// DB is the state database.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Config for Open.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Open opens or creates the database at cfg.Path and applies migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	d := &DB{db: sqlDB, now: time.Now}
	if err := d.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// LoadLockControlStatus returns the last saved status, or ErrNotFound.
func (d *DB) LoadLockControlStatus(ctx context.Context) (ptz.LockControlStatus, error) {
	var name string
	err := d.db.QueryRowContext(ctx, `SELECT status FROM lock_control WHERE id = 1;`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return ptz.LockNone, ErrNotFound
	}
	if err != nil {
		return ptz.LockNone, fmt.Errorf("load lock control status: %w", err)
	}
	s, err := ptz.ParseLockControlStatus(name)
	if err != nil {
		return ptz.LockNone, fmt.Errorf("load lock control status: %w", err)
	}
	return s, nil
}

// SaveLockControlStatus stores s and appends it to the history.
func (d *DB) SaveLockControlStatus(ctx context.Context, s ptz.LockControlStatus) error {
	nowNs := d.now().UnixNano()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save lock control status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO lock_control(id, status, updated_at_ns)
VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status=excluded.status,
	updated_at_ns=excluded.updated_at_ns;
`, s.String(), nowNs); err != nil {
		return fmt.Errorf("save lock control status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO lock_history(status, at_ns) VALUES (?, ?);`, s.String(), nowNs); err != nil {
		return fmt.Errorf("append lock history: %w", err)
	}
	return tx.Commit()
}

// Transition is one saved status change.
type Transition struct {
	Status ptz.LockControlStatus `json:"status"`
	At     time.Time             `json:"at"`
}

// History returns up to limit of the most recent transitions, newest first.
func (d *DB) History(ctx context.Context, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `SELECT status, at_ns FROM lock_history ORDER BY seq DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query lock history: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var name string
		var atNs int64
		if err := rows.Scan(&name, &atNs); err != nil {
			return nil, fmt.Errorf("scan lock history: %w", err)
		}
		s, err := ptz.ParseLockControlStatus(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Transition{Status: s, At: time.Unix(0, atNs).UTC()})
	}
	return out, rows.Err()
}
