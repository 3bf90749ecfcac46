// Package pgstore provides PostgreSQL-backed implementations of the
// database repositories for multi-node deployments. The embedded SQLite
// store remains the default for single-node installs.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/leadline/leadline/internal/database"
	"github.com/leadline/leadline/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store holds a PostgreSQL connection and exposes repository constructors.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	// Ensure schema_migrations table exists.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

// CallLogs returns a CallLogRepository backed by this store.
func (s *Store) CallLogs() database.CallLogRepository {
	return &callLogRepo{db: s.db}
}

// Recordings returns a RecordingRepository backed by this store.
func (s *Store) Recordings() database.RecordingRepository {
	return &recordingRepo{db: s.db}
}

// callLogRepo implements database.CallLogRepository on PostgreSQL.
type callLogRepo struct {
	db *sql.DB
}

func (r *callLogRepo) Create(ctx context.Context, log *models.CallLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO call_logs (lead_id, agent_id, phone_number, outcome, duration_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		log.LeadID, log.AgentID, log.PhoneNumber, log.Outcome, log.DurationSeconds, log.CreatedAt,
	).Scan(&log.ID)
	if err != nil {
		return fmt.Errorf("inserting call log: %w", err)
	}
	return nil
}

func (r *callLogRepo) GetByID(ctx context.Context, id int64) (*models.CallLog, error) {
	log := &models.CallLog{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, lead_id, agent_id, phone_number, outcome, duration_seconds, created_at
		 FROM call_logs WHERE id = $1`, id,
	).Scan(&log.ID, &log.LeadID, &log.AgentID, &log.PhoneNumber, &log.Outcome, &log.DurationSeconds, &log.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call log: %w", err)
	}
	return log, nil
}

func (r *callLogRepo) List(ctx context.Context, leadID int64) ([]models.CallLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, lead_id, agent_id, phone_number, outcome, duration_seconds, created_at
		 FROM call_logs WHERE lead_id = $1 ORDER BY created_at DESC`, leadID,
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

// recordingRepo implements database.RecordingRepository on PostgreSQL.
type recordingRepo struct {
	db *sql.DB
}

func (r *recordingRepo) Create(ctx context.Context, rec *models.Recording) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO recordings (lead_id, call_log_id, storage_path, file_size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		rec.LeadID, rec.CallLogID, rec.StoragePath, rec.FileSizeBytes, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}
	return nil
}

func (r *recordingRepo) GetByID(ctx context.Context, id int64) (*models.Recording, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, lead_id, call_log_id, storage_path, file_size_bytes, created_at
		 FROM recordings WHERE id = $1`, id,
	))
}

func (r *recordingRepo) GetByCallLogID(ctx context.Context, callLogID int64) (*models.Recording, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, lead_id, call_log_id, storage_path, file_size_bytes, created_at
		 FROM recordings WHERE call_log_id = $1`, callLogID,
	))
}

func (r *recordingRepo) ListByLead(ctx context.Context, leadID int64) ([]models.Recording, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, lead_id, call_log_id, storage_path, file_size_bytes, created_at
		 FROM recordings WHERE lead_id = $1 ORDER BY created_at DESC`, leadID,
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

func (r *recordingRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting recording: %w", err)
	}
	return nil
}

func (r *recordingRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recordings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting recordings: %w", err)
	}
	return count, nil
}

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
