package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/leadline/leadline/internal/database/models"
)

// recordingRepo implements RecordingRepository.
type recordingRepo struct {
	db *DB
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(db *DB) RecordingRepository {
	return &recordingRepo{db: db}
}

// Create inserts a new recording record.
func (r *recordingRepo) Create(ctx context.Context, rec *models.Recording) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO recordings (lead_id, call_log_id, storage_path, file_size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.LeadID, rec.CallLogID, rec.StoragePath, rec.FileSizeBytes, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByID returns a recording by ID, or nil if not found.
func (r *recordingRepo) GetByID(ctx context.Context, id int64) (*models.Recording, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, lead_id, call_log_id, storage_path, file_size_bytes, created_at
		 FROM recordings WHERE id = ?`, id,
	))
}

// GetByCallLogID returns the recording attached to a call log, or nil if none.
func (r *recordingRepo) GetByCallLogID(ctx context.Context, callLogID int64) (*models.Recording, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, lead_id, call_log_id, storage_path, file_size_bytes, created_at
		 FROM recordings WHERE call_log_id = ?`, callLogID,
	))
}

// ListByLead returns all recordings for a lead, newest first.
func (r *recordingRepo) ListByLead(ctx context.Context, leadID int64) ([]models.Recording, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, lead_id, call_log_id, storage_path, file_size_bytes, created_at
		 FROM recordings WHERE lead_id = ? ORDER BY created_at DESC`, leadID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recordings: %w", err)
	}
	defer rows.Close()

	var recs []models.Recording
	for rows.Next() {
		var rec models.Recording
		if err := rows.Scan(&rec.ID, &rec.LeadID, &rec.CallLogID, &rec.StoragePath, &rec.FileSizeBytes, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning recording: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Delete removes a recording record.
func (r *recordingRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting recording: %w", err)
	}
	return nil
}

// Count returns the number of recording records.
func (r *recordingRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recordings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting recordings: %w", err)
	}
	return count, nil
}

// scanOne scans a single recording row, returning nil for sql.ErrNoRows.
func (r *recordingRepo) scanOne(row *sql.Row) (*models.Recording, error) {
	rec := &models.Recording{}
	err := row.Scan(&rec.ID, &rec.LeadID, &rec.CallLogID, &rec.StoragePath, &rec.FileSizeBytes, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning recording: %w", err)
	}
	return rec, nil
}
