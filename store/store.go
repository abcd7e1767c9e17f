// Package store defines the SessionStore contract and its backends. The
// persistence coordinator composes against this contract; nothing above this
// package re-implements storage.
package store

import (
	"context"
	"encoding/json"

	"github.com/agentx/sessionsync/internal"
)

// ListOptions bound and filter a user's session listing.
type ListOptions struct {
	Limit  int
	Offset int
	// ActiveOnly drops sessions whose expiresAt has passed.
	ActiveOnly bool
}

const DefaultListLimit = 50

// SessionStore is implemented by each storage backend: the durable relational
// store, the in-process volatile store and the distributed cache store.
// All fields except the id are overwritable; implementations must ignore
// attempts to change the id. expiresAt and lastActivity are stored with at
// least second-level precision.
type SessionStore interface {
	// Create stores a new session. The session must pass internal validation.
	Create(ctx context.Context, s *internal.Session) (*internal.Session, error)
	// Get returns the session or internal.ErrNotFound.
	Get(ctx context.Context, id string) (*internal.Session, error)
	// Update merges the partial document into the stored session and bumps
	// lastActivity. Returns internal.ErrNotFound if the session is absent.
	Update(ctx context.Context, id string, partial json.RawMessage) (*internal.Session, error)
	// Delete removes the session, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	// ListByUser returns a page of the user's sessions, most recently active
	// first.
	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*internal.Session, error)
	// Cleanup sweeps sessions whose expiresAt has passed, returning how many
	// were removed.
	Cleanup(ctx context.Context) (int, error)
	Close() error
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}
