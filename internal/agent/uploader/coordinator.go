// Package uploader moves finished call recordings from the device to the
// backend. It tries a direct presigned upload, falls back to a chunked
// session, retries with exponential backoff, and parks undeliverable
// uploads in a durable queue that drains when the network returns.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/leadline/leadline/internal/agent/capture"
	"github.com/leadline/leadline/internal/upload"
)

const (
	// maxAttempts is how many times one Upload call tries the full
	// direct-then-chunked sequence before parking the file in the queue.
	maxAttempts = 3

	// defaultMaxRetries is the queue retry ceiling. An entry that fails
	// this many drain passes stays in the queue for manual retry but no
	// longer drains automatically.
	defaultMaxRetries = 5

	defaultBaseDelay = 2 * time.Second
)

// ErrQueued means the upload failed now but is parked in the durable
// queue. Callers must not treat it as data loss.
var ErrQueued = errors.New("uploader: upload queued for later retry")

// ProgressFunc receives monotonically increasing completion percentages.
type ProgressFunc func(callLogID int64, percent int)

// NotifyFunc fires once when an entry exhausts its automatic retries.
type NotifyFunc func(p PendingUpload)

// Coordinator owns recording transfer to the backend.
type Coordinator struct {
	client *Client
	queue  *Queue
	logger *slog.Logger

	maxRetries int
	baseDelay  time.Duration
	progress   ProgressFunc
	notify     NotifyFunc

	draining atomic.Bool
}

// NewCoordinator creates an upload coordinator over a backend client and
// a durable queue.
func NewCoordinator(client *Client, queue *Queue, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		client:     client,
		queue:      queue,
		logger:     logger.With("subsystem", "uploader"),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
	}
}

// SetProgressFunc installs the progress callback.
func (c *Coordinator) SetProgressFunc(fn ProgressFunc) { c.progress = fn }

// SetNotifyFunc installs the retries-exhausted notification callback.
func (c *Coordinator) SetNotifyFunc(fn NotifyFunc) { c.notify = fn }

// SetRetryPolicy overrides the retry ceiling and backoff base delay.
func (c *Coordinator) SetRetryPolicy(maxRetries int, baseDelay time.Duration) {
	c.maxRetries = maxRetries
	c.baseDelay = baseDelay
}

// Upload transfers a finished recording. The queue entry is written
// before any network I/O so a crash mid-upload leaves a recoverable
// entry, not a lost file. On success the entry and the local file are
// removed; on failure after all attempts the entry stays parked and
// ErrQueued is returned.
func (c *Coordinator) Upload(ctx context.Context, file *capture.RecordingFile) (*RecordingRecord, error) {
	entry := &PendingUpload{
		CallLogID: file.CallLogID,
		FilePath:  file.LocalPath,
		LeadID:    file.LeadID,
		Status:    StatusUploading,
	}
	if err := c.queue.Upsert(ctx, entry); err != nil {
		// Without a durable entry a crash would lose the file; don't
		// start the transfer.
		return nil, fmt.Errorf("persisting upload intent: %w", err)
	}

	rec, err := c.attemptWithBackoff(ctx, file)
	if err != nil {
		entry.Status = StatusFailed
		entry.RetryCount = 0
		entry.LastError = err.Error()
		if qErr := c.queue.Upsert(ctx, entry); qErr != nil {
			c.logger.Error("failed to park upload in queue", "call_log_id", file.CallLogID, "error", qErr)
		}
		c.logger.Warn("upload parked for retry",
			"call_log_id", file.CallLogID,
			"file", file.LocalPath,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrQueued, err)
	}

	c.complete(ctx, file.CallLogID, file.LocalPath)
	return rec, nil
}

// attemptWithBackoff runs the direct-then-chunked sequence up to
// maxAttempts times with exponential delays between attempts.
func (c *Coordinator) attemptWithBackoff(ctx context.Context, file *capture.RecordingFile) (*RecordingRecord, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	var rec *RecordingRecord
	attempt := 0
	op := func() error {
		attempt++
		r, err := c.attemptOnce(ctx, file)
		if err != nil {
			c.logger.Warn("upload attempt failed",
				"call_log_id", file.CallLogID,
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		rec = r
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// attemptOnce tries the direct presigned path and falls back to the
// chunked path on any direct failure.
func (c *Coordinator) attemptOnce(ctx context.Context, file *capture.RecordingFile) (*RecordingRecord, error) {
	tracker := newProgressTracker(c.progress, file.CallLogID)

	rec, err := c.uploadDirect(ctx, file, tracker)
	if err == nil {
		return rec, nil
	}
	c.logger.Info("direct upload failed, falling back to chunked",
		"call_log_id", file.CallLogID,
		"error", err,
	)
	return c.uploadChunked(ctx, file, tracker)
}

// uploadDirect runs presign -> PUT -> confirm. Progress maps the file
// stream onto 0-100.
func (c *Coordinator) uploadDirect(ctx context.Context, file *capture.RecordingFile, tracker *progressTracker) (*RecordingRecord, error) {
	target, err := c.client.Presign(ctx, file.LeadID, filepath.Base(file.LocalPath), "audio/wav")
	if err != nil {
		return nil, err
	}

	f, err := os.Open(file.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("opening recording file: %w", err)
	}
	defer f.Close()

	body := &countingReader{
		r: f,
		report: func(read int64) {
			if file.FileSizeBytes > 0 {
				tracker.set(int(read * 100 / file.FileSizeBytes))
			}
		},
	}
	if err := c.client.PutPresigned(ctx, target.UploadURL, "audio/wav", body); err != nil {
		return nil, err
	}

	rec, err := c.client.Confirm(ctx, file.LeadID, file.CallLogID, target.Key)
	if err != nil {
		return nil, err
	}
	tracker.set(100)
	return rec, nil
}

// uploadChunked splits the file into fixed-size chunks, uploads them
// sequentially, and finalizes. Chunk progress covers 0-90; the finalize
// round-trip takes it to 100. An irrecoverable mid-session failure
// cancels the session so the server releases partial data.
func (c *Coordinator) uploadChunked(ctx context.Context, file *capture.RecordingFile, tracker *progressTracker) (*RecordingRecord, error) {
	f, err := os.Open(file.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("opening recording file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat recording file: %w", err)
	}
	totalChunks := int((info.Size() + upload.ChunkSize - 1) / upload.ChunkSize)
	if totalChunks == 0 {
		totalChunks = 1
	}

	uploadID, err := c.client.InitChunked(ctx, file.LeadID, file.CallLogID, filepath.Base(file.LocalPath))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, upload.ChunkSize)
	for i := 0; i < totalChunks; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			c.cancelSession(file.LeadID, uploadID)
			return nil, fmt.Errorf("%w: reading chunk %d: %v", ErrChunkUploadFailed, i, err)
		}

		if err := c.client.AppendChunk(ctx, file.LeadID, uploadID, i, buf[:n]); err != nil {
			c.cancelSession(file.LeadID, uploadID)
			return nil, err
		}
		tracker.set(90 * (i + 1) / totalChunks)
	}

	rec, err := c.client.FinalizeChunked(ctx, file.LeadID, uploadID, totalChunks, file.CallLogID)
	if err != nil {
		c.cancelSession(file.LeadID, uploadID)
		return nil, err
	}
	tracker.set(100)
	return rec, nil
}

// cancelSession is best-effort cleanup with its own short deadline so a
// dead network does not hold the error path open.
func (c *Coordinator) cancelSession(leadID int64, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CancelChunked(ctx, leadID, uploadID); err != nil {
		c.logger.Warn("failed to cancel chunked session", "upload_id", uploadID, "error", err)
	}
}

// complete removes the queue entry and the local file after a confirmed
// upload. Neither failure un-does the upload; both are logged.
func (c *Coordinator) complete(ctx context.Context, callLogID int64, localPath string) {
	if err := c.queue.Remove(ctx, callLogID); err != nil {
		c.logger.Error("failed to remove queue entry", "call_log_id", callLogID, "error", err)
	}
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove local recording", "file", localPath, "error", err)
	}
	c.logger.Info("upload delivered", "call_log_id", callLogID)
}

// ProcessRetryQueue runs one drain pass over retryable queue entries.
// Re-entrant safe: a pass already running makes this call a no-op.
// Returns the number of entries delivered.
func (c *Coordinator) ProcessRetryQueue(ctx context.Context) int {
	if !c.draining.CompareAndSwap(false, true) {
		c.logger.Debug("drain already running, trigger ignored")
		return 0
	}
	defer c.draining.Store(false)

	entries, err := c.queue.ListRetryable(ctx, c.maxRetries)
	if err != nil {
		c.logger.Error("failed to list retryable uploads", "error", err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}
	c.logger.Info("draining upload queue", "entries", len(entries))

	delivered := 0
	for i := range entries {
		entry := entries[i]

		// Backoff proportional to how often this entry has failed.
		if delay := c.baseDelay * time.Duration(entry.RetryCount); delay > 0 {
			select {
			case <-ctx.Done():
				return delivered
			case <-time.After(delay):
			}
		}

		if _, err := os.Stat(entry.FilePath); err != nil {
			// The local file is gone; nothing can ever be uploaded.
			c.logger.Error("queued recording file missing, dropping entry",
				"call_log_id", entry.CallLogID,
				"file", entry.FilePath,
			)
			c.queue.Remove(ctx, entry.CallLogID)
			continue
		}

		entry.Status = StatusUploading
		if err := c.queue.Upsert(ctx, &entry); err != nil {
			c.logger.Error("failed to mark entry uploading", "call_log_id", entry.CallLogID, "error", err)
			continue
		}

		file := &capture.RecordingFile{
			LocalPath: entry.FilePath,
			LeadID:    entry.LeadID,
			CallLogID: entry.CallLogID,
		}
		if info, err := os.Stat(entry.FilePath); err == nil {
			file.FileSizeBytes = info.Size()
		}

		if _, err := c.attemptOnce(ctx, file); err != nil {
			entry.RetryCount++
			entry.Status = StatusFailed
			entry.LastError = err.Error()
			if qErr := c.queue.Upsert(ctx, &entry); qErr != nil {
				c.logger.Error("failed to requeue entry", "call_log_id", entry.CallLogID, "error", qErr)
			}
			c.logger.Warn("queued upload failed again",
				"call_log_id", entry.CallLogID,
				"retry_count", entry.RetryCount,
				"error", err,
			)
			if entry.RetryCount >= c.maxRetries && c.notify != nil {
				c.notify(entry)
			}
			continue
		}

		c.complete(ctx, entry.CallLogID, entry.FilePath)
		delivered++
	}
	return delivered
}

// StartRetryLoop drains the queue on a periodic ticker and whenever the
// network-restored signal fires, until ctx is cancelled.
func (c *Coordinator) StartRetryLoop(ctx context.Context, networkRestored <-chan struct{}, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-networkRestored:
				c.logger.Info("network restored, draining upload queue")
			}
			if n := c.ProcessRetryQueue(ctx); n > 0 {
				c.logger.Info("upload queue drained", "delivered", n)
			}
		}
	}()
}

// progressTracker clamps progress reports to be monotonically increasing.
type progressTracker struct {
	mu        sync.Mutex
	last      int
	callLogID int64
	fn        ProgressFunc
}

func newProgressTracker(fn ProgressFunc, callLogID int64) *progressTracker {
	return &progressTracker{fn: fn, callLogID: callLogID, last: -1}
}

func (p *progressTracker) set(percent int) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent <= p.last {
		return
	}
	p.last = percent
	p.fn(p.callLogID, percent)
}

// countingReader reports cumulative bytes read to a callback.
type countingReader struct {
	r      io.Reader
	read   int64
	report func(read int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if n > 0 && c.report != nil {
		c.report(c.read)
	}
	return n, err
}
