// Package history persists transfer outcomes so the user can see what
// was pushed to the accessory and when, across app restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver
)

// Open opens (creating if needed) the history database at path.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transfers_created_at ON transfers(created_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate history schema: %w", err)
	}
	return nil
}

// Transfer is one persisted transfer outcome.
type Transfer struct {
	ID        string
	Filename  string
	Bytes     int64
	Duration  time.Duration
	Status    string // "completed" or "failed"
	Err       string
	CreatedAt time.Time
}

// Repo stores transfer records.
type Repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Record inserts one transfer outcome.
func (r *Repo) Record(ctx context.Context, t Transfer) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfers(id, filename, bytes, duration_ms, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Filename, t.Bytes, t.Duration.Milliseconds(), t.Status, t.Err, t.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// ListRecent returns up to limit transfers, newest first.
func (r *Repo) ListRecent(ctx context.Context, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, filename, bytes, duration_ms, status, error, created_at
		FROM transfers ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		var t Transfer
		var durMs, createdMs int64
		if err := rows.Scan(&t.ID, &t.Filename, &t.Bytes, &durMs, &t.Status, &t.Err, &createdMs); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		t.Duration = time.Duration(durMs) * time.Millisecond
		t.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, t)
	}
	return out, rows.Err()
}
