package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/leadline/leadline/internal/database/models"
	"github.com/leadline/leadline/internal/storage"
	"github.com/leadline/leadline/internal/upload"
)

// maxDirectUploadBytes caps a whole-file upload through the backend.
// Call audio at G.711 rates stays far below this.
const maxDirectUploadBytes = 256 << 20

// recordingResponse is the JSON shape for a stored recording.
type recordingResponse struct {
	ID            int64  `json:"id"`
	LeadID        int64  `json:"lead_id"`
	CallLogID     int64  `json:"call_log_id"`
	RecordingPath string `json:"recording_path"`
	FileSize      int64  `json:"file_size"`
	CreatedAt     string `json:"created_at"`
}

func toRecordingResponse(rec *models.Recording) recordingResponse {
	return recordingResponse{
		ID:            rec.ID,
		LeadID:        rec.LeadID,
		CallLogID:     rec.CallLogID,
		RecordingPath: rec.StoragePath,
		FileSize:      rec.FileSizeBytes,
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
	}
}

// callLogRequest is the CRM boundary payload for creating a call log.
type callLogRequest struct {
	AgentID         int64  `json:"agent_id"`
	PhoneNumber     string `json:"phone_number"`
	Outcome         string `json:"outcome"`
	DurationSeconds int    `json:"duration_seconds"`
}

// handleCreateCallLog creates the call-log record a recording attaches to.
// The CRM layer calls this once per call attempt, before any upload begins.
func (s *Server) handleCreateCallLog(w http.ResponseWriter, r *http.Request) {
	leadID, err := parseLeadID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lead id")
		return
	}

	var req callLogRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	log := &models.CallLog{
		LeadID:          leadID,
		AgentID:         req.AgentID,
		PhoneNumber:     req.PhoneNumber,
		Outcome:         req.Outcome,
		DurationSeconds: req.DurationSeconds,
	}
	if err := s.callLogs.Create(r.Context(), log); err != nil {
		slog.Error("create call log: insert failed", "error", err, "lead_id", leadID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"call_log_id": log.ID})
}

// handleListCallLogs returns a lead's call history, newest first.
func (s *Server) handleListCallLogs(w http.ResponseWriter, r *http.Request) {
	leadID, err := parseLeadID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lead id")
		return
	}

	logs, err := s.callLogs.List(r.Context(), leadID)
	if err != nil {
		slog.Error("list call logs: query failed", "error", err, "lead_id", leadID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// presignRequest asks for a direct-upload target.
type presignRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// handlePresignRecording returns a presigned upload target so the device
// can push recording bytes straight to storage without the backend
// proxying them.
func (s *Server) handlePresignRecording(w http.ResponseWriter, r *http.Request) {
	leadID, err := parseLeadID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lead id")
		return
	}

	var req presignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}
	if req.ContentType == "" {
		req.ContentType = "audio/wav"
	}

	ext := filepath.Ext(req.Filename)
	if ext == "" {
		ext = ".wav"
	}
	key := fmt.Sprintf("%s/lead_%d_%s%s", time.Now().Format("2006/01/02"), leadID, uuid.NewString(), ext)

	target, err := s.store.PresignPut(r.Context(), key, req.ContentType)
	if err != nil {
		slog.Error("presign recording: presign failed", "error", err, "lead_id", leadID, "key", key)
		writeError(w, http.StatusInternalServerError, "failed to create upload target")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"upload_url": target.UploadURL,
		"key":        target.Key,
		"public_url": target.PublicURL,
	})
}

// recordingAction is the JSON body for init/finalize actions on the
// polymorphic recordings endpoint.
type recordingAction struct {
	Action      string `json:"action"`
	Filename    string `json:"filename"`
	UploadID    string `json:"upload_id"`
	CallLogID   int64  `json:"call_log_id"`
	TotalChunks int    `json:"total_chunks"`
}

// handlePostRecording is the polymorphic upload endpoint. A multipart body
// carries either a chunk (action=append) or a whole file (no action);
// a JSON body carries init or finalize.
func (s *Server) handlePostRecording(w http.ResponseWriter, r *http.Request) {
	leadID, err := parseLeadID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lead id")
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		s.handleMultipartRecording(w, r, leadID)
		return
	}

	var req recordingAction
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Action {
	case "init":
		s.handleInitSession(w, r, leadID, req)
	case "finalize":
		s.handleFinalizeSession(w, r, leadID, req)
	case "cancel":
		s.uploads.CancelSession(req.UploadID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// handleInitSession starts a chunked upload session.
func (s *Server) handleInitSession(w http.ResponseWriter, r *http.Request, leadID int64, req recordingAction) {
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}
	if req.CallLogID == 0 {
		writeError(w, http.StatusBadRequest, "call_log_id is required")
		return
	}

	id, err := s.uploads.InitSession(leadID, req.CallLogID, req.Filename)
	if err != nil {
		slog.Error("init session failed", "error", err, "lead_id", leadID)
		writeError(w, http.StatusInternalServerError, "failed to start upload session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"upload_id": id})
}

// handleFinalizeSession completes a chunked upload session.
func (s *Server) handleFinalizeSession(w http.ResponseWriter, r *http.Request, leadID int64, req recordingAction) {
	rec, err := s.uploads.FinalizeSession(r.Context(), req.UploadID, req.TotalChunks, req.CallLogID)
	if err != nil {
		s.writeUploadError(w, err, "finalize session", req.UploadID)
		return
	}

	s.invalidateLeadCache(r, rec.LeadID)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             rec.ID,
		"recording_path": rec.StoragePath,
		"file_size":      rec.FileSizeBytes,
	})
}

// handleMultipartRecording handles multipart bodies on the polymorphic
// endpoint: a chunk append, or a whole-file direct upload when no action
// field is present.
func (s *Server) handleMultipartRecording(w http.ResponseWriter, r *http.Request, leadID int64) {
	// Chunks are bounded by the chunk size; whole files by the direct cap.
	r.Body = http.MaxBytesReader(w, r.Body, maxDirectUploadBytes)
	if err := r.ParseMultipartForm(upload.ChunkSize + 64*1024); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	if r.FormValue("action") == "append" {
		s.handleAppendChunk(w, r)
		return
	}

	// No action: whole-file direct upload through the backend.
	callLogID, err := strconv.ParseInt(r.FormValue("call_log_id"), 10, 64)
	if err != nil || callLogID == 0 {
		writeError(w, http.StatusBadRequest, "call_log_id is required")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file part is required")
		return
	}
	defer file.Close()

	rec, err := s.uploads.SaveDirect(r.Context(), leadID, callLogID, file)
	if err != nil {
		s.writeUploadError(w, err, "direct upload", "")
		return
	}

	s.invalidateLeadCache(r, rec.LeadID)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             rec.ID,
		"recording_path": rec.StoragePath,
		"file_size":      rec.FileSizeBytes,
	})
}

// handleAppendChunk stores one chunk of an open session.
func (s *Server) handleAppendChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := r.FormValue("upload_id")
	index, err := strconv.Atoi(r.FormValue("chunk_index"))
	if uploadID == "" || err != nil {
		writeError(w, http.StatusBadRequest, "upload_id and chunk_index are required")
		return
	}

	part, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk part is required")
		return
	}
	defer part.Close()

	data, err := io.ReadAll(io.LimitReader(part, upload.ChunkSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read chunk")
		return
	}

	res, err := s.uploads.AppendChunk(uploadID, index, data)
	if err != nil {
		s.writeUploadError(w, err, "append chunk", uploadID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"upload_id":       uploadID,
		"chunks_received": res.ChunksReceived,
		"total_size":      res.TotalSize,
	})
}

// confirmRequest completes a presigned direct upload.
type confirmRequest struct {
	LeadID    int64  `json:"lead_id"`
	CallLogID int64  `json:"call_log_id"`
	Key       string `json:"key"`
}

// handleConfirmRecording records a recording whose bytes were already
// PUT to storage via a presigned URL.
func (s *Server) handleConfirmRecording(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CallLogID == 0 || req.Key == "" {
		writeError(w, http.StatusBadRequest, "call_log_id and key are required")
		return
	}

	rec, err := s.uploads.ConfirmDirect(r.Context(), req.LeadID, req.CallLogID, req.Key)
	if err != nil {
		s.writeUploadError(w, err, "confirm upload", req.Key)
		return
	}

	s.invalidateLeadCache(r, rec.LeadID)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             rec.ID,
		"recording_path": rec.StoragePath,
		"file_size":      rec.FileSizeBytes,
	})
}

// handleListRecordings returns a lead's stored recordings.
func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	leadID, err := parseLeadID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lead id")
		return
	}

	recs, err := s.recordings.ListByLead(r.Context(), leadID)
	if err != nil {
		slog.Error("list recordings: query failed", "error", err, "lead_id", leadID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]recordingResponse, len(recs))
	for i := range recs {
		items[i] = toRecordingResponse(&recs[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleDeleteRecording removes a recording record and its stored object.
func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRecording(w, r)
	if !ok {
		return
	}

	if err := s.store.Delete(r.Context(), rec.StoragePath); err != nil {
		slog.Error("delete recording: removing object failed", "error", err, "recording_id", rec.ID)
		writeError(w, http.StatusInternalServerError, "failed to delete recording object")
		return
	}
	if err := s.recordings.Delete(r.Context(), rec.ID); err != nil {
		slog.Error("delete recording: removing record failed", "error", err, "recording_id", rec.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.invalidateLeadCache(r, rec.LeadID)
	slog.Info("recording deleted", "recording_id", rec.ID, "key", rec.StoragePath)
	w.WriteHeader(http.StatusNoContent)
}

// handleStorageUsage returns storage statistics for recordings.
func (s *Server) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	count, err := s.recordings.Count(r.Context())
	if err != nil {
		slog.Error("storage usage: count failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"recording_count": count,
		"open_sessions":   s.uploads.SessionCount(),
	})
}

// handleRawUpload accepts presigned PUTs for the filesystem store backend.
func (s *Server) handleRawUpload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing object key")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxDirectUploadBytes)
	n, err := s.store.Put(r.Context(), key, r.Body)
	if err != nil {
		slog.Error("raw upload failed", "error", err, "key", key)
		writeError(w, http.StatusInternalServerError, "failed to store object")
		return
	}

	slog.Debug("raw upload stored", "key", key, "size_bytes", n)
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "size": n})
}

// handleRawObject serves a stored object for the filesystem store's
// public URLs. Playback with seeking goes through the recording stream
// endpoint instead.
func (s *Server) handleRawObject(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")

	info, err := s.store.Stat(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}
	if err != nil {
		slog.Error("raw object: stat failed", "error", err, "key", key)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	rc, err := s.store.Open(r.Context(), key, 0, -1)
	if err != nil {
		slog.Error("raw object: open failed", "error", err, "key", key)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentTypeForKey(key))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	io.Copy(w, rc) //nolint:errcheck
}

// writeUploadError maps upload service errors onto HTTP responses with
// enough detail for the device to decide whether to retry.
func (s *Server) writeUploadError(w http.ResponseWriter, err error, op, ref string) {
	var incomplete *upload.IncompleteUploadError

	switch {
	case errors.Is(err, upload.ErrInvalidCallLog):
		writeError(w, http.StatusBadRequest, "call log does not exist")
	case errors.Is(err, upload.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "upload session not found or already closed")
	case errors.Is(err, upload.ErrInvalidChunkIndex), errors.Is(err, upload.ErrChunkTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &incomplete):
		writeError(w, http.StatusConflict, incomplete.Error())
	default:
		slog.Error("upload operation failed", "op", op, "ref", ref, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// invalidateLeadCache clears cached lead data after a successful upload.
// Best-effort: a failing cache never fails the upload.
func (s *Server) invalidateLeadCache(r *http.Request, leadID int64) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(r.Context(), leadID)
}

// lookupRecording resolves {leadID}/{recordingID} to a recording record,
// writing the 404/400 response itself when resolution fails.
func (s *Server) lookupRecording(w http.ResponseWriter, r *http.Request) (*models.Recording, bool) {
	leadID, err := parseLeadID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lead id")
		return nil, false
	}
	recID, err := strconv.ParseInt(chi.URLParam(r, "recordingID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recording id")
		return nil, false
	}

	rec, err := s.recordings.GetByID(r.Context(), recID)
	if err != nil {
		slog.Error("recording lookup failed", "error", err, "recording_id", recID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if rec == nil || rec.LeadID != leadID {
		writeError(w, http.StatusNotFound, "recording not found")
		return nil, false
	}
	return rec, true
}

// parseLeadID extracts the lead ID from the URL.
func parseLeadID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "leadID"), 10, 64)
}

// contentTypeForKey guesses a content type from the object key extension.
func contentTypeForKey(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}
