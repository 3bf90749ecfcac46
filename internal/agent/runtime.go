// Package agent glues the device-side pieces together: call lifecycle
// events arm and disarm capture, and finished recordings are logged
// against the lead and handed to the upload coordinator.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/leadline/leadline/internal/agent/call"
	"github.com/leadline/leadline/internal/agent/capture"
	"github.com/leadline/leadline/internal/agent/uploader"
)

// Runtime consumes call lifecycle events and drives capture and upload.
// The platform telephony bridge calls Dial/SetState/FailCall; everything
// downstream of those is asynchronous.
type Runtime struct {
	machine *call.Machine
	capture *capture.Controller
	client  *uploader.Client
	coord   *uploader.Coordinator
	agentID int64
	logger  *slog.Logger

	mu      sync.Mutex
	pending *capture.RecordingFile // finished capture awaiting its call log
}

// NewRuntime wires the device components together.
func NewRuntime(machine *call.Machine, controller *capture.Controller, client *uploader.Client, coord *uploader.Coordinator, agentID int64, logger *slog.Logger) *Runtime {
	return &Runtime{
		machine: machine,
		capture: controller,
		client:  client,
		coord:   coord,
		agentID: agentID,
		logger:  logger.With("subsystem", "agent"),
	}
}

// Dial starts tracking a new outbound call.
func (r *Runtime) Dial(phoneNumber string, leadID int64) (string, error) {
	return r.machine.Begin(phoneNumber, leadID)
}

// SetState forwards a telephony state change to the lifecycle machine.
func (r *Runtime) SetState(s call.State) error {
	return r.machine.Transition(s)
}

// FailCall reports that the platform could not place the call.
func (r *Runtime) FailCall(code, message string) {
	r.machine.Fail(code, message)
}

// Run consumes lifecycle events until ctx is cancelled. Blocking; run it
// on its own goroutine.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.machine.Events():
			r.handleEvent(ctx, ev)
		}
	}
}

func (r *Runtime) handleEvent(ctx context.Context, ev call.Event) {
	switch ev.Type {
	case call.EventRecordingStart:
		// A capture failure never affects the call itself.
		if err := r.capture.Start(ev.CallID, ev.LeadID); err != nil {
			r.logger.Error("recording unavailable for call",
				"call_id", ev.CallID,
				"error", err,
			)
		}

	case call.EventRecordingStop:
		rec, err := r.capture.Stop()
		if errors.Is(err, capture.ErrNoActiveCapture) {
			return
		}
		if err != nil {
			r.logger.Error("failed to finish capture", "call_id", ev.CallID, "error", err)
			return
		}
		r.mu.Lock()
		r.pending = rec
		r.mu.Unlock()

	case call.EventCallEnded:
		r.finishCall(ctx, ev)

	case call.EventConnectionFailed:
		r.logger.Warn("call could not be placed",
			"code", ev.ErrorCode,
			"message", ev.ErrorMessage,
		)
	}
}

// finishCall logs the call with the CRM and, when a recording was
// captured, hands it to the upload coordinator in the background.
func (r *Runtime) finishCall(ctx context.Context, ev call.Event) {
	r.mu.Lock()
	rec := r.pending
	r.pending = nil
	r.mu.Unlock()

	outcome := "no_answer"
	if ev.DurationSeconds > 0 || rec != nil {
		outcome = "connected"
	}

	callLogID, err := r.client.CreateCallLog(ctx, ev.LeadID, r.agentID, ev.PhoneNumber, outcome, ev.DurationSeconds)
	if err != nil {
		// Without a call log the recording cannot be attached. The file
		// stays on disk for a later manual sweep.
		r.logger.Error("failed to log call",
			"lead_id", ev.LeadID,
			"error", err,
		)
		if rec != nil {
			r.logger.Warn("recording kept locally without call log", "file", rec.LocalPath)
		}
		return
	}

	if rec == nil {
		return
	}
	rec.CallLogID = callLogID

	go func() {
		if _, err := r.coord.Upload(context.WithoutCancel(ctx), rec); err != nil {
			if errors.Is(err, uploader.ErrQueued) {
				r.logger.Info("recording queued for retry", "call_log_id", callLogID)
				return
			}
			r.logger.Error("recording upload failed", "call_log_id", callLogID, "error", err)
		}
	}()
}
