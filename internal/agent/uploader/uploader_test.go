package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leadline/leadline/internal/agent/capture"
	"github.com/leadline/leadline/internal/upload"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBackend implements the recording wire surface in-process with
// injectable failures.
type fakeBackend struct {
	baseURL string

	mu           sync.Mutex
	failPresign  bool
	failAppendAt int // chunk index to fail, -1 disables
	nextSession  int
	sessions     map[string]map[int][]byte
	cancelled    []string
	stored       map[string][]byte // final recordings by key/path
	recordings   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		failAppendAt: -1,
		sessions:     make(map[string]map[int][]byte),
		stored:       make(map[string][]byte),
	}
}

func (f *fakeBackend) writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func (f *fakeBackend) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": msg})
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/recordings/presign"):
		f.handlePresign(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/uploads/"):
		f.handleRawUpload(w, r)
	case r.URL.Path == "/api/v1/recordings/confirm":
		f.handleConfirm(w, r)
	case strings.HasSuffix(r.URL.Path, "/recordings/"):
		f.handleRecordingAction(w, r)
	default:
		f.writeError(w, http.StatusNotFound, "not found")
	}
}

func (f *fakeBackend) handlePresign(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	fail := f.failPresign
	f.mu.Unlock()
	if fail {
		f.writeError(w, http.StatusInternalServerError, "presign unavailable")
		return
	}
	f.writeData(w, http.StatusOK, map[string]string{
		"upload_url": f.baseURL + "/api/v1/uploads/direct-key.wav",
		"key":        "direct-key.wav",
		"public_url": f.baseURL + "/api/v1/objects/direct-key.wav",
	})
}

func (f *fakeBackend) handleRawUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		f.writeError(w, http.StatusBadRequest, "read failed")
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/v1/uploads/")
	f.mu.Lock()
	f.stored[key] = data
	f.mu.Unlock()
	f.writeData(w, http.StatusOK, map[string]any{"key": key, "size": len(data)})
}

func (f *fakeBackend) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	data, ok := f.stored[req.Key]
	if ok {
		f.recordings++
	}
	f.mu.Unlock()
	if !ok {
		f.writeError(w, http.StatusBadRequest, "no such object")
		return
	}
	f.writeData(w, http.StatusOK, map[string]any{
		"id":             1,
		"recording_path": req.Key,
		"file_size":      len(data),
	})
}

func (f *fakeBackend) handleRecordingAction(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		f.handleAppend(w, r)
		return
	}

	var req struct {
		Action      string `json:"action"`
		UploadID    string `json:"upload_id"`
		TotalChunks int    `json:"total_chunks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.writeError(w, http.StatusBadRequest, "bad body")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch req.Action {
	case "init":
		f.nextSession++
		id := fmt.Sprintf("session-%d", f.nextSession)
		f.sessions[id] = make(map[int][]byte)
		f.writeData(w, http.StatusOK, map[string]string{"upload_id": id})

	case "finalize":
		chunks, ok := f.sessions[req.UploadID]
		if !ok {
			f.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		var assembled []byte
		for i := 0; i < req.TotalChunks; i++ {
			part, ok := chunks[i]
			if !ok {
				f.writeError(w, http.StatusConflict, "incomplete")
				return
			}
			assembled = append(assembled, part...)
		}
		delete(f.sessions, req.UploadID)
		key := req.UploadID + ".wav"
		f.stored[key] = assembled
		f.recordings++
		f.writeData(w, http.StatusOK, map[string]any{
			"id":             2,
			"recording_path": key,
			"file_size":      len(assembled),
		})

	case "cancel":
		delete(f.sessions, req.UploadID)
		f.cancelled = append(f.cancelled, req.UploadID)
		f.writeData(w, http.StatusOK, map[string]string{"status": "cancelled"})

	default:
		f.writeError(w, http.StatusBadRequest, "unknown action")
	}
}

func (f *fakeBackend) handleAppend(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(2 << 20); err != nil {
		f.writeError(w, http.StatusBadRequest, "bad multipart")
		return
	}
	uploadID := r.FormValue("upload_id")
	index, _ := strconv.Atoi(r.FormValue("chunk_index"))

	part, _, err := r.FormFile("chunk")
	if err != nil {
		f.writeError(w, http.StatusBadRequest, "missing chunk")
		return
	}
	data, _ := io.ReadAll(part)
	part.Close()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAppendAt == index {
		f.writeError(w, http.StatusInternalServerError, "chunk store failed")
		return
	}
	chunks, ok := f.sessions[uploadID]
	if !ok {
		f.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	chunks[index] = data
	f.writeData(w, http.StatusOK, map[string]any{
		"upload_id":       uploadID,
		"chunks_received": len(chunks),
		"total_size":      0,
	})
}

type uploaderEnv struct {
	backend *fakeBackend
	server  *httptest.Server
	queue   *Queue
	coord   *Coordinator
}

func newUploaderEnv(t *testing.T) *uploaderEnv {
	t.Helper()

	backend := newFakeBackend()
	server := httptest.NewServer(backend)
	backend.baseURL = server.URL
	t.Cleanup(server.Close)

	queue, err := OpenQueue(t.TempDir())
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	coord := NewCoordinator(NewClient(server.URL, "", testLogger()), queue, testLogger())
	coord.SetRetryPolicy(5, time.Millisecond)

	return &uploaderEnv{backend: backend, server: server, queue: queue, coord: coord}
}

// makeRecording writes a deterministic file and returns its metadata.
func makeRecording(t *testing.T, size int, callLogID, leadID int64) *capture.RecordingFile {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 249)
	}
	path := filepath.Join(t.TempDir(), fmt.Sprintf("call_%d.wav", callLogID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing recording: %v", err)
	}
	return &capture.RecordingFile{
		LocalPath:     path,
		FileSizeBytes: int64(size),
		RecordedAt:    time.Now(),
		LeadID:        leadID,
		CallLogID:     callLogID,
	}
}

func TestDirectUploadHappyPath(t *testing.T) {
	env := newUploaderEnv(t)
	file := makeRecording(t, 4096, 11, 5)

	var progress []int
	env.coord.SetProgressFunc(func(callLogID int64, pct int) {
		progress = append(progress, pct)
	})

	rec, err := env.coord.Upload(context.Background(), file)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec.FileSize != 4096 {
		t.Fatalf("expected size 4096, got %d", rec.FileSize)
	}

	// Delivered bytes are identical to the source.
	env.backend.mu.Lock()
	stored := env.backend.stored["direct-key.wav"]
	env.backend.mu.Unlock()
	if len(stored) != 4096 {
		t.Fatalf("expected 4096 stored bytes, got %d", len(stored))
	}

	// Local file and queue entry are gone.
	if _, err := os.Stat(file.LocalPath); !os.IsNotExist(err) {
		t.Fatal("expected local file deleted after confirmed upload")
	}
	if n, _ := env.queue.Count(context.Background()); n != 0 {
		t.Fatalf("expected empty queue, got %d entries", n)
	}

	// Progress is monotonic and ends at 100.
	for i := 1; i < len(progress); i++ {
		if progress[i] <= progress[i-1] {
			t.Fatalf("progress not monotonic: %v", progress)
		}
	}
	if len(progress) == 0 || progress[len(progress)-1] != 100 {
		t.Fatalf("expected progress ending at 100, got %v", progress)
	}
}

func TestPresignFailureFallsBackToChunked(t *testing.T) {
	env := newUploaderEnv(t)
	env.backend.failPresign = true

	size := 2*upload.ChunkSize + 512
	file := makeRecording(t, size, 12, 5)
	want, _ := os.ReadFile(file.LocalPath)

	rec, err := env.coord.Upload(context.Background(), file)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec.FileSize != int64(size) {
		t.Fatalf("expected size %d, got %d", size, rec.FileSize)
	}

	env.backend.mu.Lock()
	defer env.backend.mu.Unlock()

	// Exactly one recording was created despite the failed direct path.
	if env.backend.recordings != 1 {
		t.Fatalf("expected exactly 1 recording, got %d", env.backend.recordings)
	}
	if !bytes.Equal(env.backend.stored[rec.RecordingPath], want) {
		t.Fatal("assembled bytes differ from source file")
	}
	if len(env.backend.cancelled) != 0 {
		t.Fatalf("unexpected cancelled sessions: %v", env.backend.cancelled)
	}
}

func TestChunkFailureCancelsSessionAndQueues(t *testing.T) {
	env := newUploaderEnv(t)
	env.backend.failPresign = true
	env.backend.failAppendAt = 1

	file := makeRecording(t, 2*upload.ChunkSize+512, 13, 5)

	_, err := env.coord.Upload(context.Background(), file)
	if !errors.Is(err, ErrQueued) {
		t.Fatalf("expected ErrQueued, got %v", err)
	}

	// Every failed attempt cancelled its session.
	env.backend.mu.Lock()
	cancelled := len(env.backend.cancelled)
	sessions := len(env.backend.sessions)
	env.backend.mu.Unlock()
	if cancelled == 0 {
		t.Fatal("expected chunked session cancelled on mid-stream failure")
	}
	if sessions != 0 {
		t.Fatalf("expected no live sessions, got %d", sessions)
	}

	// The file stays on disk, referenced by a single failed entry.
	if _, err := os.Stat(file.LocalPath); err != nil {
		t.Fatalf("expected local file kept: %v", err)
	}
	entry, err := env.queue.Get(context.Background(), 13)
	if err != nil || entry == nil {
		t.Fatalf("expected queue entry, got %v, %v", entry, err)
	}
	if entry.Status != StatusFailed || entry.RetryCount != 0 {
		t.Fatalf("expected failed entry with retry 0, got %+v", entry)
	}
}

func TestOfflineQueuesExactlyOnce(t *testing.T) {
	queue, err := OpenQueue(t.TempDir())
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	defer queue.Close()

	// Point at a server that is already gone.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	coord := NewCoordinator(NewClient(deadURL, "", testLogger()), queue, testLogger())
	coord.SetRetryPolicy(5, time.Millisecond)

	file := makeRecording(t, 1024, 14, 5)

	for i := 0; i < 2; i++ {
		if _, err := coord.Upload(context.Background(), file); !errors.Is(err, ErrQueued) {
			t.Fatalf("expected ErrQueued, got %v", err)
		}
	}

	n, err := queue.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one queue entry after repeated failures, got %d", n)
	}
}

func TestProcessRetryQueueDelivers(t *testing.T) {
	env := newUploaderEnv(t)
	file := makeRecording(t, 2048, 15, 5)

	// Park the entry as a crashed upload would leave it.
	entry := &PendingUpload{
		CallLogID: file.CallLogID,
		FilePath:  file.LocalPath,
		LeadID:    file.LeadID,
		Status:    StatusFailed,
	}
	if err := env.queue.Upsert(context.Background(), entry); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if n := env.coord.ProcessRetryQueue(context.Background()); n != 1 {
		t.Fatalf("expected 1 delivered, got %d", n)
	}

	if n, _ := env.queue.Count(context.Background()); n != 0 {
		t.Fatalf("expected empty queue after drain, got %d", n)
	}
	if _, err := os.Stat(file.LocalPath); !os.IsNotExist(err) {
		t.Fatal("expected local file deleted after drain delivery")
	}
}

func TestProcessRetryQueueReentrant(t *testing.T) {
	env := newUploaderEnv(t)
	file := makeRecording(t, 1024, 16, 5)

	entry := &PendingUpload{CallLogID: 16, FilePath: file.LocalPath, LeadID: 5, Status: StatusFailed}
	if err := env.queue.Upsert(context.Background(), entry); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// A pass already in flight makes the trigger a no-op.
	env.coord.draining.Store(true)
	if n := env.coord.ProcessRetryQueue(context.Background()); n != 0 {
		t.Fatalf("expected no-op while draining, got %d", n)
	}
	env.coord.draining.Store(false)

	if n := env.coord.ProcessRetryQueue(context.Background()); n != 1 {
		t.Fatalf("expected 1 delivered after flag cleared, got %d", n)
	}
}

func TestNotifyFiresOnceAfterMaxRetries(t *testing.T) {
	queue, err := OpenQueue(t.TempDir())
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	defer queue.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	coord := NewCoordinator(NewClient(deadURL, "", testLogger()), queue, testLogger())
	coord.SetRetryPolicy(1, 0)

	notified := 0
	coord.SetNotifyFunc(func(p PendingUpload) { notified++ })

	file := makeRecording(t, 512, 17, 5)
	entry := &PendingUpload{CallLogID: 17, FilePath: file.LocalPath, LeadID: 5, Status: StatusFailed}
	if err := queue.Upsert(context.Background(), entry); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// First drain fails the entry past the ceiling and notifies.
	coord.ProcessRetryQueue(context.Background())
	if notified != 1 {
		t.Fatalf("expected 1 notification, got %d", notified)
	}

	// The entry stays for manual retry but no longer drains.
	got, err := queue.Get(context.Background(), 17)
	if err != nil || got == nil {
		t.Fatalf("expected entry retained, got %v, %v", got, err)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", got.RetryCount)
	}
	coord.ProcessRetryQueue(context.Background())
	if notified != 1 {
		t.Fatalf("expected no second notification, got %d", notified)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	queue, err := OpenQueue(dir)
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	entry := &PendingUpload{
		CallLogID:  21,
		FilePath:   "/tmp/call_21.wav",
		LeadID:     9,
		RetryCount: 2,
		Status:     StatusFailed,
		LastError:  "network unreachable",
	}
	if err := queue.Upsert(context.Background(), entry); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	queue.Close()

	queue, err = OpenQueue(dir)
	if err != nil {
		t.Fatalf("reopening queue: %v", err)
	}
	defer queue.Close()

	got, err := queue.Get(context.Background(), 21)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.RetryCount != 2 || got.Status != StatusFailed || got.LastError != "network unreachable" {
		t.Fatalf("entry not persisted across reopen: %+v", got)
	}
}

func TestQueueListRetryableExcludesExhausted(t *testing.T) {
	queue, err := OpenQueue(t.TempDir())
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	defer queue.Close()

	ctx := context.Background()
	entries := []*PendingUpload{
		{CallLogID: 1, FilePath: "a", LeadID: 1, RetryCount: 0, Status: StatusFailed},
		{CallLogID: 2, FilePath: "b", LeadID: 1, RetryCount: 5, Status: StatusFailed},
		{CallLogID: 3, FilePath: "c", LeadID: 1, RetryCount: 1, Status: StatusCompleted},
	}
	for _, e := range entries {
		if err := queue.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	got, err := queue.ListRetryable(ctx, 5)
	if err != nil {
		t.Fatalf("ListRetryable: %v", err)
	}
	if len(got) != 1 || got[0].CallLogID != 1 {
		t.Fatalf("expected only entry 1 retryable, got %+v", got)
	}
}
