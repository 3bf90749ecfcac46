package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Upload failure kinds. The coordinator treats all of them as retryable;
// the distinction drives logging and the direct-vs-chunked fallback.
var (
	ErrPresignFailed     = errors.New("uploader: presign request failed")
	ErrChunkUploadFailed = errors.New("uploader: chunk upload failed")
	ErrFinalizeFailed    = errors.New("uploader: finalize failed")
)

// RecordingRecord is the backend's acknowledgment of a stored recording.
type RecordingRecord struct {
	ID            int64  `json:"id"`
	RecordingPath string `json:"recording_path"`
	FileSize      int64  `json:"file_size"`
}

// PresignTarget is a direct-upload destination issued by the backend.
type PresignTarget struct {
	UploadURL string `json:"upload_url"`
	Key       string `json:"key"`
	PublicURL string `json:"public_url"`
}

// Client speaks the backend recording wire surface. All responses use
// the {data, error} envelope.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a backend client. token may be empty when the
// backend runs with auth disabled.
func NewClient(serverURL, token string, logger *slog.Logger) *Client {
	c := resty.New().
		SetBaseURL(serverURL).
		SetTimeout(2 * time.Minute).
		SetHeader("User-Agent", "leadline-agent")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{
		http:   c,
		logger: logger.With("subsystem", "uploader-client"),
	}
}

// envelope mirrors the backend response wrapper.
type envelope[T any] struct {
	Data  T      `json:"data"`
	Error string `json:"error"`
}

// apiError turns a non-2xx envelope response into an error.
func apiError(resp *resty.Response, errMsg string) error {
	if errMsg != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode(), errMsg)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode())
}

// CreateCallLog creates the call-log record a recording attaches to and
// returns its id.
func (c *Client) CreateCallLog(ctx context.Context, leadID, agentID int64, phoneNumber, outcome string, durationSeconds int) (int64, error) {
	var out envelope[struct {
		CallLogID int64 `json:"call_log_id"`
	}]

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"agent_id":         agentID,
			"phone_number":     phoneNumber,
			"outcome":          outcome,
			"duration_seconds": durationSeconds,
		}).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/api/v1/leads/%d/call-logs", leadID))
	if err != nil {
		return 0, fmt.Errorf("logging call: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("logging call: %w", apiError(resp, out.Error))
	}
	return out.Data.CallLogID, nil
}

// Presign requests a direct-upload target for a recording file.
func (c *Client) Presign(ctx context.Context, leadID int64, filename, contentType string) (*PresignTarget, error) {
	var out envelope[PresignTarget]

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"filename": filename, "content_type": contentType}).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/api/v1/leads/%d/recordings/presign", leadID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPresignFailed, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %v", ErrPresignFailed, apiError(resp, out.Error))
	}
	return &out.Data, nil
}

// PutPresigned streams the file body to a presigned URL. The URL is
// absolute and may point at the backend itself or at object storage.
func (c *Client) PutPresigned(ctx context.Context, uploadURL, contentType string, body io.Reader) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(body).
		Put(uploadURL)
	if err != nil {
		return fmt.Errorf("uploading to presigned url: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("presigned upload returned %d", resp.StatusCode())
	}
	return nil
}

// Confirm reports a completed presigned upload so the backend records it.
func (c *Client) Confirm(ctx context.Context, leadID, callLogID int64, key string) (*RecordingRecord, error) {
	var out envelope[RecordingRecord]

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"lead_id": leadID, "call_log_id": callLogID, "key": key}).
		SetResult(&out).
		SetError(&out).
		Post("/api/v1/recordings/confirm")
	if err != nil {
		return nil, fmt.Errorf("confirming upload: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("confirming upload: %w", apiError(resp, out.Error))
	}
	return &out.Data, nil
}

// InitChunked opens a chunked upload session and returns its upload id.
func (c *Client) InitChunked(ctx context.Context, leadID, callLogID int64, filename string) (string, error) {
	var out envelope[struct {
		UploadID string `json:"upload_id"`
	}]

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"action": "init", "filename": filename, "call_log_id": callLogID}).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/api/v1/leads/%d/recordings/", leadID))
	if err != nil {
		return "", fmt.Errorf("%w: init: %v", ErrChunkUploadFailed, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: init: %v", ErrChunkUploadFailed, apiError(resp, out.Error))
	}
	return out.Data.UploadID, nil
}

// AppendChunk uploads one chunk tagged with its zero-based index.
func (c *Client) AppendChunk(ctx context.Context, leadID int64, uploadID string, index int, data []byte) error {
	var out envelope[struct {
		ChunksReceived int   `json:"chunks_received"`
		TotalSize      int64 `json:"total_size"`
	}]

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"action":      "append",
			"upload_id":   uploadID,
			"chunk_index": fmt.Sprint(index),
		}).
		SetFileReader("chunk", "chunk.bin", bytes.NewReader(data)).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/api/v1/leads/%d/recordings/", leadID))
	if err != nil {
		return fmt.Errorf("%w: chunk %d: %v", ErrChunkUploadFailed, index, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: chunk %d: %v", ErrChunkUploadFailed, index, apiError(resp, out.Error))
	}
	return nil
}

// FinalizeChunked completes a chunked session and returns the recording.
func (c *Client) FinalizeChunked(ctx context.Context, leadID int64, uploadID string, totalChunks int, callLogID int64) (*RecordingRecord, error) {
	var out envelope[RecordingRecord]

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"action":       "finalize",
			"upload_id":    uploadID,
			"total_chunks": totalChunks,
			"call_log_id":  callLogID,
		}).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/api/v1/leads/%d/recordings/", leadID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFinalizeFailed, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %v", ErrFinalizeFailed, apiError(resp, out.Error))
	}
	return &out.Data, nil
}

// CancelChunked abandons a chunked session so the server releases its
// partial data. Best-effort; failures are logged by the caller.
func (c *Client) CancelChunked(ctx context.Context, leadID int64, uploadID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"action": "cancel", "upload_id": uploadID}).
		Post(fmt.Sprintf("/api/v1/leads/%d/recordings/", leadID))
	if err != nil {
		return fmt.Errorf("cancelling session: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("cancelling session: server returned %d", resp.StatusCode())
	}
	return nil
}
