package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/leadline/leadline/internal/storage"
)

// byteRange is a single parsed Range request window, resolved against the
// object size to absolute offsets.
type byteRange struct {
	start  int64
	length int64
}

// errUnsatisfiableRange marks a syntactically valid Range that no byte of
// the object can satisfy.
var errUnsatisfiableRange = errors.New("unsatisfiable range")

// parseByteRange parses a single-range "bytes=" header against an object
// of the given size. Multi-range requests are not supported; callers fall
// back to a full 200 response for those.
func parseByteRange(header string, size int64) (*byteRange, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("unsupported range unit")
	}
	if strings.Contains(spec, ",") {
		return nil, fmt.Errorf("multiple ranges not supported")
	}

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, fmt.Errorf("malformed range")
	}

	// Suffix form: bytes=-N means the final N bytes.
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("malformed suffix range")
		}
		if n > size {
			n = size
		}
		return &byteRange{start: size - n, length: n}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("malformed range start")
	}
	if start >= size {
		return nil, errUnsatisfiableRange
	}

	// Open-ended form: bytes=N- reads to the end.
	if endStr == "" {
		return &byteRange{start: start, length: size - start}, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return nil, fmt.Errorf("malformed range end")
	}
	if end >= size {
		end = size - 1
	}
	return &byteRange{start: start, length: end - start + 1}, nil
}

// handleStreamRecording serves recording audio with byte-range support so
// the CRM player can seek. An unknown recording is a client 404; a known
// record whose object is missing from storage is a server-side consistency
// failure and is reported as such.
func (s *Server) handleStreamRecording(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupRecording(w, r)
	if !ok {
		return
	}

	info, err := s.store.Stat(r.Context(), rec.StoragePath)
	if errors.Is(err, storage.ErrNotFound) {
		// The database says the recording exists but storage disagrees.
		slog.Error("recording object missing from storage",
			"recording_id", rec.ID, "key", rec.StoragePath)
		writeError(w, http.StatusInternalServerError, "recording data unavailable")
		return
	}
	if err != nil {
		slog.Error("stream recording: stat failed", "error", err, "recording_id", rec.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	contentType := contentTypeForKey(rec.StoragePath)
	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		s.serveObject(w, r, rec.StoragePath, contentType, 0, info.Size, http.StatusOK)
		return
	}

	br, err := parseByteRange(rangeHeader, info.Size)
	if errors.Is(err, errUnsatisfiableRange) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable")
		return
	}
	if err != nil {
		// Malformed or multi-range headers degrade to a full response.
		s.serveObject(w, r, rec.StoragePath, contentType, 0, info.Size, http.StatusOK)
		return
	}

	w.Header().Set("Content-Range",
		fmt.Sprintf("bytes %d-%d/%d", br.start, br.start+br.length-1, info.Size))
	s.serveObject(w, r, rec.StoragePath, contentType, br.start, br.length, http.StatusPartialContent)
}

// serveObject streams a window of a stored object to the client.
func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, key, contentType string, offset, length int64, status int) {
	rc, err := s.store.Open(r.Context(), key, offset, length)
	if err != nil {
		slog.Error("stream recording: open failed", "error", err, "key", key)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		// The client hung up mid-stream; nothing to send back.
		slog.Debug("stream interrupted", "key", key, "error", err)
	}
}
