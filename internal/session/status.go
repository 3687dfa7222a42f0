package session

import (
	"time"
)

// Status is the caller-visible session status
type Status string

const (
	StatusIdle               Status = "idle"
	StatusAwaitingPermission Status = "awaiting_permission"
	StatusRecording          Status = "recording"
	StatusTranscribing       Status = "transcribing"
	StatusError              Status = "error"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{
	StatusIdle,
	StatusAwaitingPermission,
	StatusRecording,
	StatusTranscribing,
	StatusError,
}

func statusNames() []string {
	names := make([]string, len(AllStatuses))
	for i, s := range AllStatuses {
		names[i] = string(s)
	}
	return names
}

// ErrorKind classifies session errors
type ErrorKind string

const (
	KindPermission ErrorKind = "permission"
	KindCapture    ErrorKind = "capture"
	KindStreaming  ErrorKind = "streaming"
	KindSubmission ErrorKind = "submission"
)

// Error is a session failure. It is never returned from Manager methods; its
// message becomes LastError and is passed to the error callback.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TranscriptionEvent is one transcription result surfaced to the caller
type TranscriptionEvent struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	IsPartial bool      `json:"is_partial"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a consistent view of the manager observables
type Snapshot struct {
	Status      Status              `json:"status"`
	SessionID   string              `json:"session_id,omitempty"`
	StartedAt   time.Time           `json:"started_at,omitempty"`
	AudioLevel  float64             `json:"audio_level"`
	LastError   string              `json:"last_error,omitempty"`
	ErrorKind   ErrorKind           `json:"error_kind,omitempty"`
	LastPartial *TranscriptionEvent `json:"last_partial,omitempty"`
	LastFinal   *TranscriptionEvent `json:"last_final,omitempty"`
}
