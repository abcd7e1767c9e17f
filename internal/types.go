package internal

import (
	"encoding/json"
	"time"
)

// Session is the unit of durable state: the per-user (or anonymous) interactive
// state of the browser assistant. The sub-documents are owned by upstream product
// features; this subsystem treats them as opaque JSON except during merge.
type Session struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"userId,omitempty" db:"user_id"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	LastActivity time.Time `json:"lastActivity" db:"last_activity"`
	ExpiresAt    time.Time `json:"expiresAt" db:"expires_at"`

	BrowserState        json.RawMessage `json:"browserState,omitempty" db:"browser_state"`
	ConversationHistory json.RawMessage `json:"conversationHistory,omitempty" db:"conversation_history"`
	Preferences         json.RawMessage `json:"preferences,omitempty" db:"preferences"`
	Metadata            json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	DeviceInfo          json.RawMessage `json:"deviceInfo,omitempty" db:"device_info"`
}

// Expired reports whether the session is logically dead, even if not yet swept.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Validate checks the invariants every store must uphold.
func (s *Session) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if s.LastActivity.Before(s.CreatedAt) {
		return &ValidationError{Field: "lastActivity", Reason: "must not precede createdAt"}
	}
	return nil
}

// Copy returns a deep copy. The raw JSON blobs are copied byte-for-byte so the
// caller can mutate the result without aliasing cached state.
func (s *Session) Copy() *Session {
	c := *s
	c.BrowserState = copyRaw(s.BrowserState)
	c.ConversationHistory = copyRaw(s.ConversationHistory)
	c.Preferences = copyRaw(s.Preferences)
	c.Metadata = copyRaw(s.Metadata)
	c.DeviceInfo = copyRaw(s.DeviceInfo)
	return &c
}

func copyRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	c := make(json.RawMessage, len(b))
	copy(c, b)
	return c
}

type SyncEventType string

const (
	SyncEventCreate SyncEventType = "create"
	SyncEventUpdate SyncEventType = "update"
	SyncEventDelete SyncEventType = "delete"
)

// SyncEvent is an immutable record of one device's intended mutation to a
// session. Never mutated after creation.
type SyncEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	DeviceID  string          `json:"deviceId"`
	Timestamp time.Time       `json:"timestamp"`
	Type      SyncEventType   `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	// Version is a monotonic per-device counter, used to spot devices replaying
	// stale state.
	Version int64 `json:"version"`
}

type ConflictType string

const (
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
	ConflictVersionMismatch  ConflictType = "version_mismatch"
	ConflictDevice           ConflictType = "device_conflict"
)

// SyncConflict records a detected disagreement between a session's current state
// and an incoming event. Retained until explicitly resolved, or swept after the
// retention window.
type SyncConflict struct {
	SessionID     string          `json:"sessionId"`
	Type          ConflictType    `json:"conflictType"`
	LocalVersion  int64           `json:"localVersion"`
	RemoteVersion int64           `json:"remoteVersion"`
	LocalData     json.RawMessage `json:"localData,omitempty"`
	RemoteData    json.RawMessage `json:"remoteData,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}
