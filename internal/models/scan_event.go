package models

import "time"

type ScanOutcome string

const (
	OutcomeSuccess ScanOutcome = "success"
	OutcomeFailure ScanOutcome = "failure"
)

// ScanEvent describes how one extraction went. It never carries card values,
// image bytes or the provider's answer.
type ScanEvent struct {
	ID         int64       `json:"id"`
	RequestID  string      `json:"request_id"`
	Outcome    ScanOutcome `json:"outcome"`
	Stage      string      `json:"stage"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Provider   string      `json:"provider"`
	Model      string      `json:"model"`
	MIMEType   string      `json:"mime_type,omitempty"`
	ImageBytes int64       `json:"image_bytes"`
	Attempts   int         `json:"attempts"`
	DurationMS int64       `json:"duration_ms"`
	CreatedAt  time.Time   `json:"created_at"`
}
