package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/leadline/leadline/internal/database/models"
)

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	// Verify database file was created.
	dbPath := filepath.Join(dir, "leadline.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	// Verify WAL mode is active.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	// Verify all tables exist.
	tables := []string{"schema_migrations", "call_logs", "recordings"}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db.Close()

	// Re-opening must not re-run migrations.
	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db.Close()
}

func TestCallLogRepository(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	repo := NewCallLogRepository(db)
	ctx := context.Background()

	log := &models.CallLog{
		LeadID:          42,
		AgentID:         7,
		PhoneNumber:     "+15550100",
		Outcome:         "connected",
		DurationSeconds: 95,
	}
	if err := repo.Create(ctx, log); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if log.ID == 0 {
		t.Fatal("Create did not set ID")
	}

	got, err := repo.GetByID(ctx, log.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID returned nil for existing record")
	}
	if got.LeadID != 42 || got.Outcome != "connected" || got.DurationSeconds != 95 {
		t.Errorf("GetByID = %+v, want lead 42 connected 95s", got)
	}

	missing, err := repo.GetByID(ctx, 9999)
	if err != nil {
		t.Fatalf("GetByID(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("GetByID(missing) = %+v, want nil", missing)
	}

	logs, err := repo.List(ctx, 42)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(logs) != 1 {
		t.Errorf("List returned %d logs, want 1", len(logs))
	}
}

func TestRecordingRepository(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	callLogs := NewCallLogRepository(db)
	log := &models.CallLog{LeadID: 5, Outcome: "connected"}
	if err := callLogs.Create(ctx, log); err != nil {
		t.Fatalf("creating call log: %v", err)
	}

	repo := NewRecordingRepository(db)

	rec := &models.Recording{
		LeadID:        5,
		CallLogID:     log.ID,
		StoragePath:   "recordings/2026/08/30/call_abc.wav",
		FileSizeBytes: 3670016,
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("Create did not set ID")
	}

	byLog, err := repo.GetByCallLogID(ctx, log.ID)
	if err != nil {
		t.Fatalf("GetByCallLogID: %v", err)
	}
	if byLog == nil || byLog.ID != rec.ID {
		t.Errorf("GetByCallLogID = %+v, want id %d", byLog, rec.ID)
	}

	byLead, err := repo.ListByLead(ctx, 5)
	if err != nil {
		t.Fatalf("ListByLead: %v", err)
	}
	if len(byLead) != 1 || byLead[0].FileSizeBytes != 3670016 {
		t.Errorf("ListByLead = %+v, want one record of 3670016 bytes", byLead)
	}

	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("Count = %d, want 1", count)
	}

	if err := repo.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	gone, err := repo.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID after delete: %v", err)
	}
	if gone != nil {
		t.Errorf("recording still present after delete: %+v", gone)
	}
}
