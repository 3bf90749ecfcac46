package agent

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/leadline/leadline/internal/agent/call"
	"github.com/leadline/leadline/internal/agent/capture"
	"github.com/leadline/leadline/internal/agent/uploader"
	"github.com/leadline/leadline/internal/api"
	"github.com/leadline/leadline/internal/config"
	"github.com/leadline/leadline/internal/database"
	"github.com/leadline/leadline/internal/storage"
	"github.com/leadline/leadline/internal/upload"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startBackend runs a real backend over httptest and returns its URL and
// the recordings repository for assertions.
func startBackend(t *testing.T) (string, database.RecordingRepository) {
	t.Helper()

	// The filesystem store needs the server URL for presigned uploads,
	// so route through an indirection set after the listener is up.
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewFilesystemStore(t.TempDir(), ts.URL)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	callLogs := database.NewCallLogRepository(db)
	recordings := database.NewRecordingRepository(db)
	uploads, err := upload.NewService(store, recordings, callLogs, t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("creating upload service: %v", err)
	}

	handler = api.NewServer(&config.Config{}, store, uploads, recordings, callLogs, nil)
	return ts.URL, recordings
}

func TestCallToUploadEndToEnd(t *testing.T) {
	serverURL, recordings := startBackend(t)

	queue, err := uploader.OpenQueue(t.TempDir())
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	defer queue.Close()

	client := uploader.NewClient(serverURL, "", testLogger())
	coord := uploader.NewCoordinator(client, queue, testLogger())
	coord.SetRetryPolicy(5, time.Millisecond)

	machine := call.NewMachine(testLogger())
	capturesDir := t.TempDir()
	controller := capture.NewController(capture.NewWAVEngine(testLogger()), capturesDir, 50, testLogger())

	rt := NewRuntime(machine, controller, client, coord, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	if _, err := rt.Dial("+15125550100", 5); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := rt.SetState(call.StateRinging); err != nil {
		t.Fatalf("SetState(ringing): %v", err)
	}
	if err := rt.SetState(call.StateActive); err != nil {
		t.Fatalf("SetState(active): %v", err)
	}

	// Capture arming is asynchronous; wait for it before hanging up.
	waitFor(t, "capture armed", func() bool { return controller.Active() })

	if err := rt.SetState(call.StateDisconnected); err != nil {
		t.Fatalf("SetState(disconnected): %v", err)
	}

	// The recording flows through call log creation and upload in the
	// background; wait for the backend to record it.
	waitFor(t, "recording stored", func() bool {
		n, err := recordings.Count(context.Background())
		return err == nil && n == 1
	})

	// Delivered: the queue entry and the local capture file are gone.
	waitFor(t, "queue empty", func() bool {
		n, err := queue.Count(context.Background())
		return err == nil && n == 0
	})
	waitFor(t, "local capture removed", func() bool {
		entries, err := os.ReadDir(capturesDir)
		return err == nil && len(entries) == 0
	})
}

func TestFailedCallPlacementDoesNotUpload(t *testing.T) {
	serverURL, recordings := startBackend(t)

	queue, err := uploader.OpenQueue(t.TempDir())
	if err != nil {
		t.Fatalf("opening queue: %v", err)
	}
	defer queue.Close()

	client := uploader.NewClient(serverURL, "", testLogger())
	coord := uploader.NewCoordinator(client, queue, testLogger())

	machine := call.NewMachine(testLogger())
	controller := capture.NewController(capture.NewWAVEngine(testLogger()), t.TempDir(), 50, testLogger())
	rt := NewRuntime(machine, controller, client, coord, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	rt.FailCall("ERR_NO_TELEPHONY", "call manager unavailable")

	// Nothing is captured, logged, or uploaded for a call that never
	// existed.
	time.Sleep(100 * time.Millisecond)
	if controller.Active() {
		t.Fatal("unexpected capture after failed placement")
	}
	if n, _ := recordings.Count(context.Background()); n != 0 {
		t.Fatalf("unexpected recordings: %d", n)
	}
}

// waitFor polls cond until true or fails the test after a timeout.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
