// Package upload implements the backend recording storage service: whole
// file saves, presign confirmation, and chunked upload sessions
// (init/append/finalize/cancel) with index-addressed reassembly.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leadline/leadline/internal/database"
	"github.com/leadline/leadline/internal/database/models"
	"github.com/leadline/leadline/internal/storage"
)

// ChunkSize is the fixed chunk size for chunked uploads. It is shared
// between the device agent and the backend; session byte arithmetic
// assumes both sides agree on it.
const ChunkSize = 1 << 20 // 1 MiB

// Errors surfaced to callers. The API layer maps these to HTTP statuses.
var (
	ErrSessionNotFound   = errors.New("upload: session not found")
	ErrInvalidCallLog    = errors.New("upload: call log does not exist")
	ErrInvalidChunkIndex = errors.New("upload: invalid chunk index")
	ErrChunkTooLarge     = errors.New("upload: chunk exceeds chunk size")
)

// IncompleteUploadError reports which chunk indexes were missing when a
// finalize was attempted, so the device can retry just those chunks.
type IncompleteUploadError struct {
	TotalChunks int
	Missing     []int
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("upload: incomplete session: %d of %d chunks missing (indexes %v)",
		len(e.Missing), e.TotalChunks, e.Missing)
}

// AppendResult reports session progress after a chunk is stored.
type AppendResult struct {
	ChunksReceived int
	TotalSize      int64
}

// session is the server-side state of one chunked transfer. Chunks are
// written into a single temp file at index*ChunkSize so arrival order
// does not matter.
type session struct {
	id         string
	filename   string
	callLogID  int64
	leadID     int64
	tempPath   string
	file       *os.File
	createdAt  time.Time
	lastActive time.Time

	mu       sync.Mutex
	received map[int]int64 // chunk index -> stored byte count
}

// Service implements recording storage on top of a blob store and the
// recording/call-log repositories.
type Service struct {
	store      storage.Store
	recordings database.RecordingRepository
	callLogs   database.CallLogRepository
	tempDir    string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewService creates the recording storage service. Temp chunk files live
// under tempDir and are removed on finalize, cancel, and reclaim.
func NewService(store storage.Store, recordings database.RecordingRepository, callLogs database.CallLogRepository, tempDir string, logger *slog.Logger) (*Service, error) {
	if err := os.MkdirAll(tempDir, 0750); err != nil {
		return nil, fmt.Errorf("creating upload temp directory: %w", err)
	}
	return &Service{
		store:      store,
		recordings: recordings,
		callLogs:   callLogs,
		tempDir:    tempDir,
		logger:     logger.With("subsystem", "upload"),
		sessions:   make(map[string]*session),
	}, nil
}

// RecordingKey returns the blob store key for a call log's recording.
// Objects are organized by date: recordings/YYYY/MM/DD/call_<id>_<unix>.wav
func RecordingKey(callLogID int64, t time.Time) string {
	return fmt.Sprintf("%s/call_%d_%d.wav", t.Format("2006/01/02"), callLogID, t.Unix())
}

// SaveDirect persists a whole uploaded file and creates the recording
// record. Returns ErrInvalidCallLog if the referenced call log does not
// exist.
func (s *Service) SaveDirect(ctx context.Context, leadID, callLogID int64, r io.Reader) (*models.Recording, error) {
	log, err := s.callLogs.GetByID(ctx, callLogID)
	if err != nil {
		return nil, fmt.Errorf("looking up call log: %w", err)
	}
	if log == nil {
		return nil, ErrInvalidCallLog
	}

	key := RecordingKey(callLogID, time.Now())
	size, err := s.store.Put(ctx, key, r)
	if err != nil {
		return nil, fmt.Errorf("storing recording: %w", err)
	}

	rec := &models.Recording{
		LeadID:        leadID,
		CallLogID:     callLogID,
		StoragePath:   key,
		FileSizeBytes: size,
	}
	if err := s.recordings.Create(ctx, rec); err != nil {
		// Keep the stored object out of the namespace if the record failed.
		s.store.Delete(ctx, key)
		return nil, fmt.Errorf("creating recording record: %w", err)
	}

	s.logger.Info("recording saved",
		"recording_id", rec.ID,
		"call_log_id", callLogID,
		"key", key,
		"size_bytes", size,
	)
	return rec, nil
}

// ConfirmDirect completes a presigned direct upload: the device has already
// PUT the bytes to the store under key, and now reports the object key with
// its call log. The object must exist in the store.
func (s *Service) ConfirmDirect(ctx context.Context, leadID, callLogID int64, key string) (*models.Recording, error) {
	log, err := s.callLogs.GetByID(ctx, callLogID)
	if err != nil {
		return nil, fmt.Errorf("looking up call log: %w", err)
	}
	if log == nil {
		return nil, ErrInvalidCallLog
	}

	info, err := s.store.Stat(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("verifying uploaded object: %w", err)
	}

	rec := &models.Recording{
		LeadID:        leadID,
		CallLogID:     callLogID,
		StoragePath:   key,
		FileSizeBytes: info.Size,
	}
	if err := s.recordings.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating recording record: %w", err)
	}

	s.logger.Info("direct upload confirmed",
		"recording_id", rec.ID,
		"call_log_id", callLogID,
		"key", key,
		"size_bytes", info.Size,
	)
	return rec, nil
}

// InitSession creates a chunked upload session and returns its upload ID.
func (s *Service) InitSession(leadID, callLogID int64, filename string) (string, error) {
	id := uuid.NewString()

	f, err := os.CreateTemp(s.tempDir, "chunks-*.part")
	if err != nil {
		return "", fmt.Errorf("creating session temp file: %w", err)
	}

	now := time.Now()
	sess := &session{
		id:         id,
		filename:   filename,
		callLogID:  callLogID,
		leadID:     leadID,
		tempPath:   f.Name(),
		file:       f,
		createdAt:  now,
		lastActive: now,
		received:   make(map[int]int64),
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.logger.Info("chunked session started",
		"upload_id", id,
		"call_log_id", callLogID,
		"filename", filename,
	)
	return id, nil
}

// AppendChunk writes one chunk at its index-addressed offset. Re-sending
// an index is idempotent: the bytes are overwritten in place and the
// received count does not increase. Returns ErrSessionNotFound for unknown,
// finalized, or cancelled sessions.
func (s *Service) AppendChunk(uploadID string, index int, data []byte) (AppendResult, error) {
	if index < 0 {
		return AppendResult{}, ErrInvalidChunkIndex
	}
	if len(data) > ChunkSize {
		return AppendResult{}, ErrChunkTooLarge
	}

	s.mu.Lock()
	sess, ok := s.sessions[uploadID]
	s.mu.Unlock()
	if !ok {
		return AppendResult{}, ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, err := sess.file.WriteAt(data, int64(index)*ChunkSize); err != nil {
		return AppendResult{}, fmt.Errorf("writing chunk %d: %w", index, err)
	}
	sess.received[index] = int64(len(data))
	sess.lastActive = time.Now()

	var total int64
	for _, n := range sess.received {
		total += n
	}
	return AppendResult{ChunksReceived: len(sess.received), TotalSize: total}, nil
}

// FinalizeSession verifies all chunks arrived, assembles them in index
// order into the blob store, creates the recording record, and destroys
// the session. A late append after finalize gets ErrSessionNotFound.
func (s *Service) FinalizeSession(ctx context.Context, uploadID string, totalChunks int, callLogID int64) (*models.Recording, error) {
	if totalChunks < 1 {
		return nil, ErrInvalidChunkIndex
	}

	log, err := s.callLogs.GetByID(ctx, callLogID)
	if err != nil {
		return nil, fmt.Errorf("looking up call log: %w", err)
	}
	if log == nil {
		return nil, ErrInvalidCallLog
	}

	// Remove the session from the registry before assembling, so any
	// concurrent or late append is rejected rather than racing the copy.
	s.mu.Lock()
	sess, ok := s.sessions[uploadID]
	if ok {
		delete(s.sessions, uploadID)
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	// restore puts the session back in the registry so the device can
	// send missing chunks or retry the finalize.
	restore := func() {
		s.mu.Lock()
		s.sessions[uploadID] = sess
		s.mu.Unlock()
	}

	var missing []int
	for i := 0; i < totalChunks; i++ {
		if _, ok := sess.received[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		restore()
		return nil, &IncompleteUploadError{TotalChunks: totalChunks, Missing: missing}
	}

	key := RecordingKey(callLogID, time.Now())
	size, err := s.assemble(ctx, sess, key)
	if err != nil {
		restore()
		return nil, err
	}

	rec := &models.Recording{
		LeadID:        sess.leadID,
		CallLogID:     callLogID,
		StoragePath:   key,
		FileSizeBytes: size,
	}
	if err := s.recordings.Create(ctx, rec); err != nil {
		restore()
		s.store.Delete(ctx, key)
		return nil, fmt.Errorf("creating recording record: %w", err)
	}

	sess.discard()

	s.logger.Info("chunked session finalized",
		"upload_id", uploadID,
		"recording_id", rec.ID,
		"call_log_id", callLogID,
		"total_chunks", totalChunks,
		"size_bytes", size,
	)
	return rec, nil
}

// assemble copies the received chunks in index order into the blob store
// and returns the assembled size. Caller holds the session lock; the
// deferred discard in FinalizeSession removes the temp file afterwards.
func (s *Service) assemble(ctx context.Context, sess *session, key string) (int64, error) {
	indexes := make([]int, 0, len(sess.received))
	for i := range sess.received {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	pr, pw := io.Pipe()
	go func() {
		for _, i := range indexes {
			n := sess.received[i]
			section := io.NewSectionReader(sess.file, int64(i)*ChunkSize, n)
			if _, err := io.Copy(pw, section); err != nil {
				pw.CloseWithError(fmt.Errorf("reading chunk %d: %w", i, err))
				return
			}
		}
		pw.Close()
	}()

	size, err := s.store.Put(ctx, key, pr)
	if err != nil {
		pr.CloseWithError(err)
		return 0, fmt.Errorf("storing assembled recording: %w", err)
	}
	return size, nil
}

// CancelSession destroys a session and its temp storage. Idempotent:
// cancelling an unknown or already-finalized session is a no-op.
func (s *Service) CancelSession(uploadID string) {
	s.mu.Lock()
	sess, ok := s.sessions[uploadID]
	if ok {
		delete(s.sessions, uploadID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	sess.discard()
	sess.mu.Unlock()

	s.logger.Info("chunked session cancelled", "upload_id", uploadID)
}

// SessionCount returns the number of live chunked sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// discard closes and removes the session temp file. Caller holds sess.mu.
func (sess *session) discard() {
	if sess.file != nil {
		sess.file.Close()
		sess.file = nil
	}
	if sess.tempPath != "" {
		os.Remove(sess.tempPath)
		sess.tempPath = ""
	}
}

// ReclaimIdle cancels sessions with no activity for longer than maxIdle.
// Returns the number of sessions reclaimed.
func (s *Service) ReclaimIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	var stale []string
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.lastActive.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.CancelSession(id)
		s.logger.Warn("reclaimed abandoned chunked session", "upload_id", id, "max_idle", maxIdle)
	}
	return len(stale)
}
