// Package capture starts and stops the device audio capture engine in
// response to call lifecycle events and produces finished recording files
// with their metadata.
package capture

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	// engineChanSize is the buffered channel capacity for incoming audio
	// frames. At 50 frames/sec this holds a couple of seconds of audio.
	engineChanSize = 128

	// engineFlushSize is how many buffered bytes trigger a disk flush.
	// 8000 bytes is one second of G.711 u-law at 8 kHz.
	engineFlushSize = 8000

	wavHeaderSize = 44
	wavFormatPCMU = 7
)

// Engine is the audio capture source. Start begins writing to the given
// path, Stop finalizes the file and reports its audio byte count, and
// Abort discards an in-progress capture without finalizing.
type Engine interface {
	Start(path string) error
	Stop() (int64, error)
	Abort()
}

// WAVEngine captures G.711 u-law frames into a WAV file. A dedicated
// goroutine drains a buffered channel so the telephony-facing Feed path
// never blocks on disk; frames are dropped if the writer falls behind.
type WAVEngine struct {
	logger *slog.Logger

	mu       sync.Mutex
	file     *os.File
	path     string
	dataSize uint32
	running  bool

	frames chan []byte
	done   chan struct{}
}

// NewWAVEngine creates an idle WAV capture engine.
func NewWAVEngine(logger *slog.Logger) *WAVEngine {
	return &WAVEngine{logger: logger.With("subsystem", "capture-engine")}
}

// Start opens the output file, writes a placeholder WAV header, and
// starts the write goroutine. The header is rewritten with the real data
// size on Stop.
func (e *WAVEngine) Start(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("capture already running for %s", e.path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating capture directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating capture file: %w", err)
	}
	if err := writeWAVHeader(f, 0); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("writing wav header: %w", err)
	}

	e.file = f
	e.path = path
	e.dataSize = 0
	e.running = true
	e.frames = make(chan []byte, engineChanSize)
	e.done = make(chan struct{})

	go e.writeLoop(e.frames, e.done)

	e.logger.Info("capture started", "file", path)
	return nil
}

// Feed queues one audio frame. The frame is copied so the caller's
// buffer can be reused. Non-blocking: frames are dropped when the write
// goroutine is behind.
func (e *WAVEngine) Feed(frame []byte) {
	if len(frame) == 0 {
		return
	}

	e.mu.Lock()
	frames := e.frames
	running := e.running
	e.mu.Unlock()
	if !running {
		return
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case frames <- buf:
	default:
		// Writer behind; drop rather than stall the audio path.
	}
}

// Stop drains pending frames, rewrites the WAV header with the final
// data size, and closes the file. Returns the number of audio bytes
// captured.
func (e *WAVEngine) Stop() (int64, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return 0, fmt.Errorf("capture not running")
	}
	e.running = false
	frames, done := e.frames, e.done
	e.mu.Unlock()

	close(frames)
	<-done

	e.mu.Lock()
	defer e.mu.Unlock()

	var headerErr error
	if _, err := e.file.Seek(0, 0); err != nil {
		headerErr = fmt.Errorf("seeking for header rewrite: %w", err)
	} else if err := writeWAVHeader(e.file, e.dataSize); err != nil {
		headerErr = fmt.Errorf("rewriting wav header: %w", err)
	}
	if err := e.file.Close(); err != nil && headerErr == nil {
		headerErr = fmt.Errorf("closing capture file: %w", err)
	}
	e.file = nil

	e.logger.Info("capture stopped", "file", e.path, "audio_bytes", e.dataSize)
	return int64(e.dataSize), headerErr
}

// Abort discards an in-progress capture and removes the partial file.
// Safe to call when idle.
func (e *WAVEngine) Abort() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	frames, done, path := e.frames, e.done, e.path
	e.mu.Unlock()

	close(frames)
	<-done

	e.mu.Lock()
	defer e.mu.Unlock()
	e.file.Close()
	e.file = nil
	os.Remove(path)

	e.logger.Info("capture aborted", "file", path)
}

// writeLoop drains frames to disk, flushing in engineFlushSize batches.
// Exits when the frame channel closes.
func (e *WAVEngine) writeLoop(frames chan []byte, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 0, engineFlushSize)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		n, err := e.file.Write(buf)
		if err != nil {
			e.logger.Error("capture write failed", "error", err)
		}
		e.mu.Lock()
		e.dataSize += uint32(n)
		e.mu.Unlock()
		buf = buf[:0]
	}

	for frame := range frames {
		buf = append(buf, frame...)
		if len(buf) >= engineFlushSize {
			flush()
		}
	}
	flush()
}

// writeWAVHeader writes a 44-byte WAV header for G.711 u-law audio at
// 8000 Hz mono, 8 bits per sample.
func writeWAVHeader(f *os.File, dataSize uint32) error {
	var hdr [wavHeaderSize]byte

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], wavHeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCMU)
	binary.LittleEndian.PutUint16(hdr[22:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], 8000)
	binary.LittleEndian.PutUint32(hdr[28:32], 8000)
	binary.LittleEndian.PutUint16(hdr[32:34], 1)
	binary.LittleEndian.PutUint16(hdr[34:36], 8)

	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	_, err := f.Write(hdr[:])
	return err
}
