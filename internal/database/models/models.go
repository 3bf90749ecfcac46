package models

import "time"

// CallLog is the call attempt record a recording attaches to. It is created
// by the CRM layer before any upload begins; the recording pipeline only
// validates that a referenced call log exists.
type CallLog struct {
	ID              int64
	LeadID          int64
	AgentID         int64
	PhoneNumber     string
	Outcome         string // "connected" | "no_answer" | "busy" | "failed"
	DurationSeconds int
	CreatedAt       time.Time
}

// Recording is the durable record of a successfully uploaded call recording.
// Immutable after creation except for deletion.
type Recording struct {
	ID            int64
	LeadID        int64
	CallLogID     int64
	StoragePath   string // blob store key (filesystem-relative path or object key)
	FileSizeBytes int64
	CreatedAt     time.Time
}
