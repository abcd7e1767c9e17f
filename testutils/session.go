package testutils

import (
	"encoding/json"
	"time"

	"github.com/agentx/sessionsync/internal"
)

// NewSession builds a valid session fixture. A zero ttl means no expiry.
func NewSession(id, userID string, ttl time.Duration) *internal.Session {
	now := time.Now().UTC().Truncate(time.Second)
	s := &internal.Session{
		ID:           id,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Preferences:  json.RawMessage(`{"theme":"dark","language":"en"}`),
		Metadata:     json.RawMessage(`{}`),
	}
	if ttl != 0 {
		s.ExpiresAt = now.Add(ttl)
	}
	return s
}
