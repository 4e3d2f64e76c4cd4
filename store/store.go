// Package store defines the persistence interface the session registry uses
// to track reference counts and last-known status. A store keeps entries
// only; event logs live in memory with their session.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a session id.
	ErrNotFound = errors.New("store: entry not found")
	// ErrNegativeRefCount is returned when an update would take a reference
	// count below zero. The stored count is left unchanged.
	ErrNegativeRefCount = errors.New("store: reference count would go negative")
)

// Entry is the store-side record of a session.
type Entry struct {
	SessionID string    `json:"sessionId"`
	ToolName  string    `json:"toolName"`
	RefCount  int64     `json:"refCount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	// Owner is the subject of the principal that created the session, or
	// empty when the session was created without authentication.
	Owner string `json:"owner,omitempty"`
}

// Store persists session entries. Every method is atomic per session id.
type Store interface {
	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id string) (*Entry, error)
	// Set creates or replaces the entry for e.SessionID.
	Set(ctx context.Context, e Entry) error
	// Delete removes the entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, id string) error
	// UpdateRefCount adds delta to the reference count and returns the new
	// count.
	UpdateRefCount(ctx context.Context, id string, delta int64) (int64, error)
	// UpdateStatus records the session's latest status.
	UpdateStatus(ctx context.Context, id, status string) error
	Close() error
}
