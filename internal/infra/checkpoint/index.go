package checkpoint

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// index is the SQLite catalog over all checkpoint records. It answers
// resume lookups and summaries without opening the JSON records.
type index struct {
	db *sql.DB
}

// entry mirrors one row of the checkpoints table.
type entry struct {
	ID           string
	TaskID       string
	SourceRef    string
	IdentityHash string
	Bucket       string
	Phase        string
	Progress     int
	Failures     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// openIndex creates or opens dir/index.db.
func openIndex(dir string) (*index, error) {
	dsn := filepath.Join(dir, "index.db") + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ix := &index{db: db}
	if err := ix.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return ix, nil
}

func (ix *index) Close() error { return ix.db.Close() }

// migrate runs idempotent schema migrations.
func (ix *index) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id            TEXT PRIMARY KEY,
			task_id       TEXT NOT NULL,
			source_ref    TEXT NOT NULL DEFAULT '',
			identity_hash TEXT NOT NULL,
			bucket        TEXT NOT NULL,
			phase         TEXT NOT NULL,
			progress      INTEGER NOT NULL DEFAULT 0,
			failures      INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ckpt_hash ON checkpoints(identity_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_ckpt_bucket ON checkpoints(bucket)`,
		`CREATE INDEX IF NOT EXISTS idx_ckpt_updated ON checkpoints(updated_at)`,
	}

	for _, m := range migrations {
		if _, err := ix.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// upsert inserts or replaces the row for one checkpoint.
func (ix *index) upsert(e entry) error {
	_, err := ix.db.Exec(
		`INSERT INTO checkpoints (id, task_id, source_ref, identity_hash, bucket, phase, progress, failures, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			bucket=excluded.bucket,
			phase=excluded.phase,
			progress=excluded.progress,
			failures=excluded.failures,
			updated_at=excluded.updated_at`,
		e.ID, e.TaskID, e.SourceRef, e.IdentityHash, e.Bucket, e.Phase,
		e.Progress, e.Failures, e.CreatedAt.Unix(), e.UpdatedAt.Unix(),
	)
	return err
}

// delete removes the row for one checkpoint.
func (ix *index) delete(id string) error {
	_, err := ix.db.Exec(`DELETE FROM checkpoints WHERE id = ?`, id)
	return err
}

// get returns the row for one checkpoint, or nil if absent.
func (ix *index) get(id string) (*entry, error) {
	row := ix.db.QueryRow(
		`SELECT id, task_id, source_ref, identity_hash, bucket, phase, progress, failures, created_at, updated_at
		 FROM checkpoints WHERE id = ?`, id,
	)
	return scanEntry(row)
}

// findActiveByHash returns the most recently updated active checkpoint
// for the given task-identity hash, or nil.
func (ix *index) findActiveByHash(hash string) (*entry, error) {
	row := ix.db.QueryRow(
		`SELECT id, task_id, source_ref, identity_hash, bucket, phase, progress, failures, created_at, updated_at
		 FROM checkpoints WHERE identity_hash = ? AND bucket = ?
		 ORDER BY updated_at DESC LIMIT 1`, hash, BucketActive,
	)
	return scanEntry(row)
}

// list returns rows in a bucket ("" for all), newest first.
func (ix *index) list(bucket string) ([]entry, error) {
	q := `SELECT id, task_id, source_ref, identity_hash, bucket, phase, progress, failures, created_at, updated_at
	      FROM checkpoints`
	var args []any
	if bucket != "" {
		q += ` WHERE bucket = ?`
		args = append(args, bucket)
	}
	q += ` ORDER BY updated_at DESC`

	rows, err := ix.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// listOlderThan returns rows last touched before the cutoff, any bucket.
func (ix *index) listOlderThan(cutoff time.Time) ([]entry, error) {
	rows, err := ix.db.Query(
		`SELECT id, task_id, source_ref, identity_hash, bucket, phase, progress, failures, created_at, updated_at
		 FROM checkpoints WHERE updated_at < ?`, cutoff.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*entry, error) {
	var e entry
	var created, updated int64

	err := s.Scan(&e.ID, &e.TaskID, &e.SourceRef, &e.IdentityHash,
		&e.Bucket, &e.Phase, &e.Progress, &e.Failures, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.CreatedAt = time.Unix(created, 0)
	e.UpdatedAt = time.Unix(updated, 0)
	return &e, nil
}
