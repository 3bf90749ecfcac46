package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Errors reported to the call layer. Capture failures never abort the
// call itself; callers log and continue.
var (
	ErrCaptureInit     = errors.New("capture: failed to start")
	ErrCaptureStop     = errors.New("capture: failed to stop")
	ErrNoActiveCapture = errors.New("capture: nothing to stop")
)

// RecordingFile is the result of a completed capture, handed to the
// upload coordinator.
type RecordingFile struct {
	LocalPath       string
	DurationSeconds int
	FileSizeBytes   int64
	RecordedAt      time.Time
	LeadID          int64
	CallLogID       int64
}

// FreeSpaceFunc reports the free bytes available on the volume holding dir.
type FreeSpaceFunc func(dir string) (int64, error)

// statfsFreeSpace is the default free-space probe.
func statfsFreeSpace(dir string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// Controller arms and disarms the capture engine for one call at a time.
type Controller struct {
	engine    Engine
	outputDir string
	minFreeMB int
	freeSpace FreeSpaceFunc
	logger    *slog.Logger

	mu     sync.Mutex
	active *activeCapture
}

// activeCapture is the in-flight capture's bookkeeping.
type activeCapture struct {
	callID    string
	leadID    int64
	path      string
	startedAt time.Time
}

// NewController creates a capture controller writing into outputDir.
// minFreeMB is the low-storage warning threshold; capture proceeds below
// it and only a genuine write failure blocks recording.
func NewController(engine Engine, outputDir string, minFreeMB int, logger *slog.Logger) *Controller {
	return &Controller{
		engine:    engine,
		outputDir: outputDir,
		minFreeMB: minFreeMB,
		freeSpace: statfsFreeSpace,
		logger:    logger.With("subsystem", "capture"),
	}
}

// SetFreeSpaceFunc overrides the free-space probe. Used by tests.
func (c *Controller) SetFreeSpaceFunc(fn FreeSpaceFunc) {
	c.freeSpace = fn
}

// Start begins capturing audio for a call. Low local storage logs a
// warning but does not block the capture.
func (c *Controller) Start(callID string, leadID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return fmt.Errorf("%w: capture already active for call %s", ErrCaptureInit, c.active.callID)
	}

	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureInit, err)
	}

	if free, err := c.freeSpace(c.outputDir); err != nil {
		c.logger.Warn("free-space probe failed", "error", err)
	} else if free < int64(c.minFreeMB)*1024*1024 {
		c.logger.Warn("low storage, capturing anyway",
			"free_mb", free/(1024*1024),
			"threshold_mb", c.minFreeMB,
		)
	}

	now := time.Now()
	path := filepath.Join(c.outputDir, fmt.Sprintf("call_%s_%d.wav", callID, now.Unix()))

	if err := c.engine.Start(path); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureInit, err)
	}

	c.active = &activeCapture{
		callID:    callID,
		leadID:    leadID,
		path:      path,
		startedAt: now,
	}
	c.logger.Info("capture armed", "call_id", callID, "file", path)
	return nil
}

// Stop finalizes the active capture and returns the finished recording
// with wall-clock duration and on-disk size. Returns ErrNoActiveCapture
// when nothing is recording.
func (c *Controller) Stop() (*RecordingFile, error) {
	c.mu.Lock()
	active := c.active
	c.active = nil
	c.mu.Unlock()

	if active == nil {
		return nil, ErrNoActiveCapture
	}

	if _, err := c.engine.Stop(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureStop, err)
	}

	info, err := os.Stat(active.path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat finished file: %v", ErrCaptureStop, err)
	}

	rec := &RecordingFile{
		LocalPath:       active.path,
		DurationSeconds: int(time.Since(active.startedAt).Seconds()),
		FileSizeBytes:   info.Size(),
		RecordedAt:      active.startedAt,
		LeadID:          active.leadID,
	}
	c.logger.Info("capture finished",
		"call_id", active.callID,
		"file", active.path,
		"duration_secs", rec.DurationSeconds,
		"size_bytes", rec.FileSizeBytes,
	)
	return rec, nil
}

// Cancel aborts the active capture and deletes the partial file. Used on
// error paths only; a no-op when idle.
func (c *Controller) Cancel() {
	c.mu.Lock()
	active := c.active
	c.active = nil
	c.mu.Unlock()

	if active == nil {
		return
	}
	c.engine.Abort()
	c.logger.Info("capture cancelled", "call_id", active.callID, "file", active.path)
}

// Active reports whether a capture is in progress.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}
