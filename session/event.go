package session

import (
	"time"

	"github.com/ggoodman/toolsessions-go/protocol"
)

// Status is the state of a session.
type Status string

const (
	StatusInitializing   Status = "initializing"
	StatusRunning        Status = "running"
	StatusAwaitingSample Status = "awaiting_sample"
	StatusAwaitingElicit Status = "awaiting_elicit"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInitializing, StatusRunning, StatusAwaitingSample, StatusAwaitingElicit,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Event is an immutable, sequence-numbered fact about a session. Its JSON
// form is flat: lsn, timestamp and type followed by the payload fields of
// the matching protocol message.
type Event struct {
	LSN       int64         `json:"lsn"`
	Timestamp time.Time     `json:"timestamp"`
	Type      protocol.Type `json:"type"`
	protocol.Body
}

// Terminal reports whether e is the last event of its session.
func (e Event) Terminal() bool { return e.Type.Terminal() }
