package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/leadline/leadline/internal/database/models"
)

// callLogRepo implements CallLogRepository.
type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

// Create inserts a new call log record.
func (r *callLogRepo) Create(ctx context.Context, log *models.CallLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_logs (lead_id, agent_id, phone_number, outcome, duration_seconds, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		log.LeadID, log.AgentID, log.PhoneNumber, log.Outcome, log.DurationSeconds, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	log.ID = id
	return nil
}

// GetByID returns a call log by ID, or nil if not found.
func (r *callLogRepo) GetByID(ctx context.Context, id int64) (*models.CallLog, error) {
	log := &models.CallLog{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, lead_id, agent_id, phone_number, outcome, duration_seconds, created_at
		 FROM call_logs WHERE id = ?`, id,
	).Scan(&log.ID, &log.LeadID, &log.AgentID, &log.PhoneNumber, &log.Outcome, &log.DurationSeconds, &log.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call log: %w", err)
	}
	return log, nil
}

// List returns call logs for a lead, newest first.
func (r *callLogRepo) List(ctx context.Context, leadID int64) ([]models.CallLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, lead_id, agent_id, phone_number, outcome, duration_seconds, created_at
		 FROM call_logs WHERE lead_id = ? ORDER BY created_at DESC`, leadID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying call logs: %w", err)
	}
	defer rows.Close()

	var logs []models.CallLog
	for rows.Next() {
		var log models.CallLog
		if err := rows.Scan(&log.ID, &log.LeadID, &log.AgentID, &log.PhoneNumber, &log.Outcome, &log.DurationSeconds, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning call log: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
