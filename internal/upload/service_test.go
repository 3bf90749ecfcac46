package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leadline/leadline/internal/database"
	"github.com/leadline/leadline/internal/database/models"
	"github.com/leadline/leadline/internal/storage"
)

type testEnv struct {
	svc       *Service
	store     *storage.FilesystemStore
	callLogs  database.CallLogRepository
	tempDir   string
	callLogID int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewFilesystemStore(t.TempDir(), "http://localhost:8080")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	tempDir := t.TempDir()

	callLogs := database.NewCallLogRepository(db)
	svc, err := NewService(store, database.NewRecordingRepository(db), callLogs, tempDir, logger)
	if err != nil {
		t.Fatalf("creating service: %v", err)
	}

	log := &models.CallLog{LeadID: 1, Outcome: "connected", DurationSeconds: 60}
	if err := callLogs.Create(context.Background(), log); err != nil {
		t.Fatalf("creating call log: %v", err)
	}

	return &testEnv{svc: svc, store: store, callLogs: callLogs, tempDir: tempDir, callLogID: log.ID}
}

// testPayload returns size deterministic pseudo-random bytes.
func testPayload(size int) []byte {
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(42))
	rng.Read(data)
	return data
}

func chunksOf(data []byte) [][]byte {
	var chunks [][]byte
	for off := 0; off < len(data); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

func TestChunkedUploadReassemblesAnyOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 3.5 MiB file -> 4 chunks, last one 0.5 MiB.
	data := testPayload(3*ChunkSize + ChunkSize/2)
	chunks := chunksOf(data)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}

	id, err := env.svc.InitSession(1, env.callLogID, "call.wav")
	if err != nil {
		t.Fatalf("InitSession: %v", err)
	}

	// Deliver chunks in a shuffled order.
	order := []int{2, 0, 3, 1}
	var last AppendResult
	for _, i := range order {
		last, err = env.svc.AppendChunk(id, i, chunks[i])
		if err != nil {
			t.Fatalf("AppendChunk(%d): %v", i, err)
		}
	}
	if last.ChunksReceived != 4 {
		t.Errorf("ChunksReceived = %d, want 4", last.ChunksReceived)
	}
	if last.TotalSize != int64(len(data)) {
		t.Errorf("TotalSize = %d, want %d", last.TotalSize, len(data))
	}

	rec, err := env.svc.FinalizeSession(ctx, id, 4, env.callLogID)
	if err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	if rec.FileSizeBytes != int64(len(data)) {
		t.Errorf("FileSizeBytes = %d, want %d", rec.FileSizeBytes, len(data))
	}

	// The assembled object must be byte-identical to the original.
	rc, err := env.store.Open(ctx, rec.StoragePath, 0, -1)
	if err != nil {
		t.Fatalf("opening assembled object: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading assembled object: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("assembled object differs from original upload")
	}
}

func TestAppendChunkIdempotent(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.svc.InitSession(1, env.callLogID, "call.wav")
	if err != nil {
		t.Fatalf("InitSession: %v", err)
	}

	chunk := testPayload(1024)
	first, err := env.svc.AppendChunk(id, 0, chunk)
	if err != nil {
		t.Fatalf("first AppendChunk: %v", err)
	}

	// Re-sending the same index must not double-count bytes or chunks.
	second, err := env.svc.AppendChunk(id, 0, chunk)
	if err != nil {
		t.Fatalf("second AppendChunk: %v", err)
	}
	if second.ChunksReceived != first.ChunksReceived {
		t.Errorf("ChunksReceived grew on re-send: %d -> %d", first.ChunksReceived, second.ChunksReceived)
	}
	if second.TotalSize != first.TotalSize {
		t.Errorf("TotalSize grew on re-send: %d -> %d", first.TotalSize, second.TotalSize)
	}
}

func TestFinalizeIncompleteReportsMissing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.svc.InitSession(1, env.callLogID, "call.wav")
	if err != nil {
		t.Fatalf("InitSession: %v", err)
	}

	data := testPayload(2*ChunkSize + 100)
	chunks := chunksOf(data)

	// Send only chunks 0 and 2.
	if _, err := env.svc.AppendChunk(id, 0, chunks[0]); err != nil {
		t.Fatalf("AppendChunk(0): %v", err)
	}
	if _, err := env.svc.AppendChunk(id, 2, chunks[2]); err != nil {
		t.Fatalf("AppendChunk(2): %v", err)
	}

	_, err = env.svc.FinalizeSession(ctx, id, 3, env.callLogID)
	var incomplete *IncompleteUploadError
	if !errors.As(err, &incomplete) {
		t.Fatalf("FinalizeSession = %v, want IncompleteUploadError", err)
	}
	if len(incomplete.Missing) != 1 || incomplete.Missing[0] != 1 {
		t.Errorf("Missing = %v, want [1]", incomplete.Missing)
	}

	// The session survives an incomplete finalize: send the missing chunk
	// and finalize again.
	if _, err := env.svc.AppendChunk(id, 1, chunks[1]); err != nil {
		t.Fatalf("AppendChunk(1) after incomplete finalize: %v", err)
	}
	rec, err := env.svc.FinalizeSession(ctx, id, 3, env.callLogID)
	if err != nil {
		t.Fatalf("second FinalizeSession: %v", err)
	}
	if rec.FileSizeBytes != int64(len(data)) {
		t.Errorf("FileSizeBytes = %d, want %d", rec.FileSizeBytes, len(data))
	}
}

func TestAppendAfterFinalizeRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.svc.InitSession(1, env.callLogID, "call.wav")
	if err != nil {
		t.Fatalf("InitSession: %v", err)
	}
	if _, err := env.svc.AppendChunk(id, 0, testPayload(100)); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}
	if _, err := env.svc.FinalizeSession(ctx, id, 1, env.callLogID); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}

	if _, err := env.svc.AppendChunk(id, 1, testPayload(100)); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("append after finalize = %v, want ErrSessionNotFound", err)
	}
}

func TestCancelSessionReleasesTempStorage(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.svc.InitSession(1, env.callLogID, "call.wav")
	if err != nil {
		t.Fatalf("InitSession: %v", err)
	}
	if _, err := env.svc.AppendChunk(id, 0, testPayload(512)); err != nil {
		t.Fatalf("AppendChunk: %v", err)
	}

	env.svc.CancelSession(id)

	// No orphaned temp files survive a cancel.
	entries, err := os.ReadDir(env.tempDir)
	if err != nil {
		t.Fatalf("reading temp dir: %v", err)
	}
	for _, e := range entries {
		t.Errorf("orphaned temp file after cancel: %s", filepath.Join(env.tempDir, e.Name()))
	}

	// Cancel is idempotent, and the session is gone.
	env.svc.CancelSession(id)
	if _, err := env.svc.AppendChunk(id, 1, testPayload(10)); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("append after cancel = %v, want ErrSessionNotFound", err)
	}
}

func TestSaveDirectRejectsUnknownCallLog(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.SaveDirect(context.Background(), 1, 99999, bytes.NewReader(testPayload(100)))
	if !errors.Is(err, ErrInvalidCallLog) {
		t.Errorf("SaveDirect = %v, want ErrInvalidCallLog", err)
	}
}

func TestSaveDirectStoresAndRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	data := testPayload(2048)
	rec, err := env.svc.SaveDirect(ctx, 1, env.callLogID, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("SaveDirect: %v", err)
	}
	if rec.FileSizeBytes != 2048 {
		t.Errorf("FileSizeBytes = %d, want 2048", rec.FileSizeBytes)
	}

	info, err := env.store.Stat(ctx, rec.StoragePath)
	if err != nil {
		t.Fatalf("Stat stored object: %v", err)
	}
	if info.Size != 2048 {
		t.Errorf("stored size = %d, want 2048", info.Size)
	}
}

func TestConfirmDirect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Simulate a device that uploaded straight to the store via presign.
	key := RecordingKey(env.callLogID, time.Now())
	if _, err := env.store.Put(ctx, key, bytes.NewReader(testPayload(4096))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec, err := env.svc.ConfirmDirect(ctx, 1, env.callLogID, key)
	if err != nil {
		t.Fatalf("ConfirmDirect: %v", err)
	}
	if rec.FileSizeBytes != 4096 {
		t.Errorf("FileSizeBytes = %d, want 4096", rec.FileSizeBytes)
	}
	if rec.StoragePath != key {
		t.Errorf("StoragePath = %q, want %q", rec.StoragePath, key)
	}

	// Confirming a key that was never uploaded fails.
	if _, err := env.svc.ConfirmDirect(ctx, 1, env.callLogID, "nope/missing.wav"); err == nil {
		t.Error("ConfirmDirect with missing object succeeded, want error")
	}
}

func TestReclaimIdle(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.svc.InitSession(1, env.callLogID, "call.wav")
	if err != nil {
		t.Fatalf("InitSession: %v", err)
	}

	// A fresh session is not reclaimed.
	if n := env.svc.ReclaimIdle(time.Hour); n != 0 {
		t.Errorf("ReclaimIdle(1h) = %d, want 0", n)
	}

	// With a zero idle allowance every session is stale.
	if n := env.svc.ReclaimIdle(0); n != 1 {
		t.Errorf("ReclaimIdle(0) = %d, want 1", n)
	}
	if _, err := env.svc.AppendChunk(id, 0, testPayload(10)); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("append after reclaim = %v, want ErrSessionNotFound", err)
	}
}
