// Package session implements the session registry: active sessions per
// user, inactivity timeout, and termination.
package session

import (
	"context"
	"time"
)

// Record is one server-side session binding a user to credentials and
// activity timestamps. Distinct from the connection that may hold it.
type Record struct {
	SessionID      string
	UserID         string
	DeviceInfo     map[string]string
	IP             string
	UserAgent      string
	Persistent     bool
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
}

// Store persists session records. The registry owns all policy (caps,
// inactivity, eviction); stores only read and write rows.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	ListByUser(ctx context.Context, userID string) ([]Record, error)
	// Touch persists updated activity/expiry stamps for an existing session.
	Touch(ctx context.Context, sessionID string, lastActivity, expiresAt time.Time) error
	Delete(ctx context.Context, sessionID string) error
	// All returns every stored session; used by the background sweep.
	All(ctx context.Context) ([]Record, error)
}
