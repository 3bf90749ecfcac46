package call

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// eventChanSize is the buffered channel capacity for lifecycle events.
// Consumers that fall behind lose events rather than blocking the
// telephony callback path.
const eventChanSize = 32

// EventType identifies a lifecycle event.
type EventType int

const (
	EventCallStarted EventType = iota
	EventCallConnected
	EventCallEnded
	EventConnectionFailed
	EventRecordingStart
	EventRecordingStop
)

func (t EventType) String() string {
	switch t {
	case EventCallStarted:
		return "call_started"
	case EventCallConnected:
		return "call_connected"
	case EventCallEnded:
		return "call_ended"
	case EventConnectionFailed:
		return "connection_failed"
	case EventRecordingStart:
		return "recording_start"
	case EventRecordingStop:
		return "recording_stop"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification. Recording start/stop events are
// requests to the capture controller; the machine never waits on them.
type Event struct {
	Type        EventType
	CallID      string
	PhoneNumber string
	LeadID      int64
	Timestamp   time.Time

	// Set on EventCallEnded.
	DurationSeconds int

	// Set on EventConnectionFailed.
	ErrorCode    string
	ErrorMessage string
}

// Session is the state of one call attempt. Owned by the machine; the
// copy handed out by Session() is a snapshot.
type Session struct {
	CallID         string
	PhoneNumber    string
	LeadID         int64
	State          State
	StartedAt      time.Time
	ConnectedAt    time.Time // zero until first entry to Active
	EndedAt        time.Time // zero until Disconnected
	RecordingArmed bool
}

// Machine tracks a single active call. Transition runs on the telephony
// callback path and must never block: event delivery is non-blocking and
// drops are counted rather than stalling the caller.
type Machine struct {
	logger *slog.Logger
	events chan Event

	mu      sync.Mutex
	session *Session
	dropped int64
}

// NewMachine creates an idle call lifecycle machine.
func NewMachine(logger *slog.Logger) *Machine {
	return &Machine{
		logger: logger.With("subsystem", "call-lifecycle"),
		events: make(chan Event, eventChanSize),
	}
}

// Events returns the lifecycle event stream. Consume promptly: the
// channel is buffered and events are dropped on backpressure.
func (m *Machine) Events() <-chan Event {
	return m.events
}

// Begin starts tracking a new call attempt in the Dialing state.
// Returns an error if a call is already in progress.
func (m *Machine) Begin(phoneNumber string, leadID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return "", fmt.Errorf("call %s already in progress", m.session.CallID)
	}

	now := time.Now()
	sess := &Session{
		CallID:      uuid.NewString(),
		PhoneNumber: phoneNumber,
		LeadID:      leadID,
		State:       StateDialing,
		StartedAt:   now,
	}
	m.session = sess

	m.logger.Info("call started",
		"call_id", sess.CallID,
		"phone_number", phoneNumber,
		"lead_id", leadID,
	)
	m.emit(Event{
		Type:        EventCallStarted,
		CallID:      sess.CallID,
		PhoneNumber: phoneNumber,
		LeadID:      leadID,
		Timestamp:   now,
	})
	return sess.CallID, nil
}

// Fail reports that the platform could not create the call at all. No
// session exists in that case; listeners get a connection-failed event
// carrying the platform's code and message.
func (m *Machine) Fail(code, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Warn("call connection failed", "code", code, "message", message)
	m.emit(Event{
		Type:         EventConnectionFailed,
		Timestamp:    time.Now(),
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

// Transition moves the active call to a new state, emitting the side
// effects the new state requires. Invalid moves are rejected without
// changing state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.session
	if sess == nil {
		return fmt.Errorf("no active call")
	}
	if !canTransition(sess.State, to) {
		return fmt.Errorf("invalid transition %s -> %s for call %s", sess.State, to, sess.CallID)
	}

	from := sess.State
	sess.State = to
	now := time.Now()

	m.logger.Debug("call state changed",
		"call_id", sess.CallID,
		"from", from.String(),
		"to", to.String(),
	)

	switch to {
	case StateActive:
		// Only the first entry to Active connects the call and arms
		// recording; returning from hold does neither.
		if sess.ConnectedAt.IsZero() {
			sess.ConnectedAt = now
			sess.RecordingArmed = true
			m.emit(Event{
				Type:        EventCallConnected,
				CallID:      sess.CallID,
				PhoneNumber: sess.PhoneNumber,
				LeadID:      sess.LeadID,
				Timestamp:   now,
			})
			m.emit(Event{
				Type:        EventRecordingStart,
				CallID:      sess.CallID,
				PhoneNumber: sess.PhoneNumber,
				LeadID:      sess.LeadID,
				Timestamp:   now,
			})
		}

	case StateDisconnected:
		sess.EndedAt = now
		duration := 0
		if !sess.ConnectedAt.IsZero() {
			duration = int(now.Sub(sess.ConnectedAt).Seconds())
		}

		if sess.RecordingArmed {
			m.emit(Event{
				Type:      EventRecordingStop,
				CallID:    sess.CallID,
				LeadID:    sess.LeadID,
				Timestamp: now,
			})
		}
		m.emit(Event{
			Type:            EventCallEnded,
			CallID:          sess.CallID,
			PhoneNumber:     sess.PhoneNumber,
			LeadID:          sess.LeadID,
			Timestamp:       now,
			DurationSeconds: duration,
		})

		m.logger.Info("call ended",
			"call_id", sess.CallID,
			"duration_secs", duration,
			"connected", !sess.ConnectedAt.IsZero(),
		)

		// Terminal: the session is released once its events are queued.
		m.session = nil
	}

	return nil
}

// Session returns a snapshot of the active call, or nil when idle.
func (m *Machine) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	snap := *m.session
	return &snap
}

// Dropped returns the number of events lost to backpressure.
func (m *Machine) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// emit queues an event without blocking. Caller holds m.mu.
func (m *Machine) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.dropped++
		m.logger.Warn("lifecycle event dropped",
			"type", ev.Type.String(),
			"call_id", ev.CallID,
			"dropped_total", m.dropped,
		)
	}
}
