package uploader

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Status is a pending upload's position in its retry lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// PendingUpload is a durable queue entry for a recording not yet
// confirmed delivered. At most one entry exists per call log.
type PendingUpload struct {
	CallLogID  int64
	FilePath   string
	LeadID     int64
	RetryCount int
	Status     Status
	LastError  string
	UpdatedAt  time.Time
}

// Queue is the durable upload queue, backed by a local SQLite file so
// undelivered uploads survive process restarts.
type Queue struct {
	db *sql.DB
}

// OpenQueue creates or opens the agent's queue database under dataDir.
func OpenQueue(dataDir string) (*Queue, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating agent data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "agent.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS pending_uploads (
		call_log_id INTEGER PRIMARY KEY,
		file_path   TEXT NOT NULL,
		lead_id     INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL,
		last_error  TEXT NOT NULL DEFAULT '',
		updated_at  DATETIME NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating pending_uploads table: %w", err)
	}

	return &Queue{db: db}, nil
}

// Close releases the queue database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Upsert writes an entry, replacing any existing entry for the same call
// log. This is the only write path, which keeps the one-entry-per-call-log
// invariant in the schema rather than in callers.
func (q *Queue) Upsert(ctx context.Context, p *PendingUpload) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_uploads (call_log_id, file_path, lead_id, retry_count, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_log_id) DO UPDATE SET
			file_path   = excluded.file_path,
			lead_id     = excluded.lead_id,
			retry_count = excluded.retry_count,
			status      = excluded.status,
			last_error  = excluded.last_error,
			updated_at  = excluded.updated_at`,
		p.CallLogID, p.FilePath, p.LeadID, p.RetryCount, string(p.Status), p.LastError, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upserting pending upload: %w", err)
	}
	return nil
}

// Get returns the entry for a call log, or nil if none exists.
func (q *Queue) Get(ctx context.Context, callLogID int64) (*PendingUpload, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT call_log_id, file_path, lead_id, retry_count, status, last_error, updated_at
		FROM pending_uploads WHERE call_log_id = ?`, callLogID)

	p, err := scanPendingUpload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting pending upload: %w", err)
	}
	return p, nil
}

// Remove deletes the entry for a call log. Removing a missing entry is
// not an error.
func (q *Queue) Remove(ctx context.Context, callLogID int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_uploads WHERE call_log_id = ?`, callLogID); err != nil {
		return fmt.Errorf("removing pending upload: %w", err)
	}
	return nil
}

// ListRetryable returns entries eligible for a drain pass: not completed
// and still under the retry ceiling, oldest first.
func (q *Queue) ListRetryable(ctx context.Context, maxRetries int) ([]PendingUpload, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT call_log_id, file_path, lead_id, retry_count, status, last_error, updated_at
		FROM pending_uploads
		WHERE status != ? AND retry_count < ?
		ORDER BY updated_at ASC`, string(StatusCompleted), maxRetries)
	if err != nil {
		return nil, fmt.Errorf("listing retryable uploads: %w", err)
	}
	defer rows.Close()

	var out []PendingUpload
	for rows.Next() {
		p, err := scanPendingUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending upload: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Count returns the total number of queue entries.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_uploads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending uploads: %w", err)
	}
	return n, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPendingUpload(s scanner) (*PendingUpload, error) {
	var p PendingUpload
	var status string
	if err := s.Scan(&p.CallLogID, &p.FilePath, &p.LeadID, &p.RetryCount, &status, &p.LastError, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = Status(status)
	return &p, nil
}
