// Package sessionsync stores a user's interactive session durably, keeps a
// read cache coherent with durable storage, replicates to a fallback store,
// and reconciles concurrent edits made from different devices.
//
// Sessions is the facade consumed by the HTTP layer and the automation
// engine; everything behind it (coordinator, syncer, stores) is wired here.
package sessionsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentx/sessionsync/internal"
	"github.com/agentx/sessionsync/persist"
	"github.com/agentx/sessionsync/pubsub"
	"github.com/agentx/sessionsync/store"
	"github.com/agentx/sessionsync/syncer"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Config struct {
	// DefaultTTL is applied when a create request carries no TTL. Zero here
	// means sessions never expire by default.
	DefaultTTL time.Duration
	// DefaultPreferences are merged under any preferences the caller supplies
	// on create.
	DefaultPreferences json.RawMessage
	// EnableSync turns on cross-device synchronization. Off, the facade is a
	// plain persistence front and the sync calls are no-ops.
	EnableSync bool
	// CleanupInterval is how often expired sessions are swept out of the
	// stores. Zero disables the periodic sweep; CleanupExpiredSessions can
	// still be called directly.
	CleanupInterval time.Duration

	Persist persist.Config
	Sync    syncer.Config
}

// CreateSessionRequest is the caller-supplied portion of a new session.
type CreateSessionRequest struct {
	UserID              string          `json:"userId,omitempty"`
	TTL                 time.Duration   `json:"-"`
	DeviceID            string          `json:"deviceId,omitempty"`
	BrowserState        json.RawMessage `json:"browserState,omitempty"`
	ConversationHistory json.RawMessage `json:"conversationHistory,omitempty"`
	Preferences         json.RawMessage `json:"preferences,omitempty"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
	DeviceInfo          json.RawMessage `json:"deviceInfo,omitempty"`
}

// Sessions is the facade.
type Sessions struct {
	coordinator *persist.Coordinator
	syncer      *syncer.Service
	notifier    pubsub.Notifier
	cfg         Config

	done chan struct{}

	// per-device monotonic event versions
	mu       sync.Mutex
	versions map[string]int64
}

// New wires a facade over a primary store, an optional secondary store and an
// optional notifier. Call Run to start the background tickers and Stop to
// shut everything down.
func New(primary, secondary store.SessionStore, notifier pubsub.Notifier, cfg Config) *Sessions {
	s := &Sessions{
		coordinator: persist.NewCoordinator(primary, secondary, notifier, cfg.Persist),
		notifier:    notifier,
		cfg:         cfg,
		done:        make(chan struct{}),
		versions:    make(map[string]int64),
	}
	if cfg.EnableSync {
		s.syncer = syncer.NewService(notifier, cfg.Sync)
	}
	return s
}

// Run starts the coordinator's replication/backup tickers and the syncer's
// drain/sweep tickers in the background, then returns.
func (s *Sessions) Run() {
	go s.coordinator.Run()
	if s.syncer != nil {
		go s.syncer.Run()
	}
	if s.cfg.CleanupInterval > 0 {
		go s.cleanupLoop()
	}
}

func (s *Sessions) cleanupLoop() {
	t := time.NewTicker(s.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if _, err := s.CleanupExpiredSessions(context.Background()); err != nil {
				logger.Err(err).Msg("expired session sweep failed")
			}
		}
	}
}

func (s *Sessions) Stop() {
	close(s.done)
	s.coordinator.Stop()
	if s.syncer != nil {
		s.syncer.Stop()
	}
}

// Coordinator exposes the persistence coordinator for callers that need
// export/backup access.
func (s *Sessions) Coordinator() *persist.Coordinator {
	return s.coordinator
}

// Syncer exposes the synchronization service for callers that queue raw sync
// events themselves. Nil when sync is disabled.
func (s *Sessions) Syncer() *syncer.Service {
	return s.syncer
}

func (s *Sessions) notify(p pubsub.Payload) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(pubsub.ChanSessions, p); err != nil {
		logger.Warn().Err(err).Str("payload", p.Type()).Msg("failed to emit notification")
	}
}

func (s *Sessions) nextVersion(deviceID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[deviceID]++
	return s.versions[deviceID]
}

func (s *Sessions) queueEvent(sessionID, deviceID string, typ internal.SyncEventType, data json.RawMessage) {
	if s.syncer == nil {
		return
	}
	s.syncer.QueueSyncEvent(&internal.SyncEvent{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Data:      data,
		Version:   s.nextVersion(deviceID),
	})
}

func mergeDefaults(defaults, supplied json.RawMessage) json.RawMessage {
	if len(supplied) == 0 {
		return append(json.RawMessage(nil), defaults...)
	}
	return internal.DeepMergeJSON(defaults, supplied)
}

// CreateSession mints a session id, stamps timestamps, merges the default
// preferences under the caller's, and persists the result.
func (s *Sessions) CreateSession(ctx context.Context, req CreateSessionRequest) (*internal.Session, error) {
	now := time.Now().UTC()
	sess := &internal.Session{
		ID:                  uuid.NewString(),
		UserID:              req.UserID,
		CreatedAt:           now,
		LastActivity:        now,
		BrowserState:        req.BrowserState,
		ConversationHistory: req.ConversationHistory,
		Preferences:         mergeDefaults(s.cfg.DefaultPreferences, req.Preferences),
		Metadata:            req.Metadata,
		DeviceInfo:          req.DeviceInfo,
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl != 0 {
		sess.ExpiresAt = now.Add(ttl)
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	created, err := s.coordinator.Create(ctx, sess)
	if err != nil {
		return nil, err
	}
	s.notify(&pubsub.SessionCreated{SessionID: created.ID, UserID: created.UserID})
	if req.DeviceID != "" {
		data, _ := json.Marshal(created)
		s.queueEvent(created.ID, req.DeviceID, internal.SyncEventCreate, data)
		if s.syncer != nil {
			s.syncer.TrackSession(req.DeviceID, created.ID)
		}
	}
	return created, nil
}

// GetSession returns internal.ErrNotFound when the session does not exist in
// any store.
func (s *Sessions) GetSession(ctx context.Context, id string) (*internal.Session, error) {
	return s.coordinator.Get(ctx, id)
}

// UpdateSession merges a partial document into the session.
func (s *Sessions) UpdateSession(ctx context.Context, id string, partial json.RawMessage) (*internal.Session, error) {
	return s.UpdateSessionFromDevice(ctx, id, "", partial)
}

// UpdateSessionFromDevice is UpdateSession with device attribution: the write
// is also queued as a sync event so the user's other devices hear about it.
func (s *Sessions) UpdateSessionFromDevice(ctx context.Context, id, deviceID string, partial json.RawMessage) (*internal.Session, error) {
	updated, err := s.coordinator.Update(ctx, id, partial)
	if err != nil {
		return nil, err
	}
	s.notify(&pubsub.SessionUpdated{SessionID: id})
	if deviceID != "" {
		s.queueEvent(id, deviceID, internal.SyncEventUpdate, partial)
	}
	return updated, nil
}

// DeleteSession physically deletes. Returns whether the session existed.
// Tracking devices get the delete intent queued before the row goes away, so
// their next sync drains it instead of them wondering where the session went.
func (s *Sessions) DeleteSession(ctx context.Context, id string) (bool, error) {
	tracked := s.syncer != nil && s.syncer.Tracked(id)
	if tracked {
		// the facade has no author here, so every tracking device is told
		s.queueEvent(id, "", internal.SyncEventDelete, nil)
	}
	existed, err := s.coordinator.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if existed {
		s.notify(&pubsub.SessionDeleted{SessionID: id})
	}
	if tracked {
		s.syncer.PurgeSession(id)
	}
	return existed, nil
}

func (s *Sessions) GetUserSessions(ctx context.Context, userID string, opts store.ListOptions) ([]*internal.Session, error) {
	return s.coordinator.ListByUser(ctx, userID, opts)
}

// CleanupExpiredSessions sweeps expired sessions out of every store.
func (s *Sessions) CleanupExpiredSessions(ctx context.Context) (int, error) {
	return s.coordinator.CleanupExpired(ctx)
}

// RegisterDeviceForSync registers a device and subscribes it to the given
// sessions. A no-op when sync is disabled; never fails the caller.
func (s *Sessions) RegisterDeviceForSync(deviceID string, deviceInfo json.RawMessage, sessionIDs ...string) {
	if s.syncer == nil {
		logger.Info().Str("device", deviceID).Msg("sync disabled, ignoring device registration")
		return
	}
	s.syncer.RegisterDevice(deviceID, deviceInfo)
	for _, sessionID := range sessionIDs {
		s.syncer.TrackSession(deviceID, sessionID)
	}
}

// UnregisterDevice removes a device's sync bookkeeping.
func (s *Sessions) UnregisterDevice(deviceID string) {
	if s.syncer == nil {
		return
	}
	s.syncer.UnregisterDevice(deviceID)
}

// SynchronizeSession applies every sync event pending for deviceID against
// the session and persists the reconciled result. A session whose
// reconciliation hit a delete intent is physically deleted. Returns the
// reconciled session and the conflicts detected, if any.
func (s *Sessions) SynchronizeSession(ctx context.Context, id, deviceID string) (*internal.Session, []*internal.SyncConflict, error) {
	if s.syncer == nil {
		sess, err := s.coordinator.Get(ctx, id)
		return sess, nil, err
	}
	current, err := s.coordinator.Get(ctx, id)
	if err != nil {
		if errors.Is(err, internal.ErrNotFound) {
			// the session was deleted under this device; drain its backlog so
			// the pending list does not hold events for a dead session
			s.syncer.PendingSyncEvents(deviceID, id, time.Time{})
		}
		return nil, nil, err
	}
	events := s.syncer.PendingSyncEvents(deviceID, id, time.Time{})
	if len(events) == 0 {
		return current, nil, nil
	}
	updated, conflicts := s.syncer.ApplySyncEvents(ctx, id, events, current)
	if internal.MarkedForDeletion(updated) {
		if _, err := s.DeleteSession(ctx, id); err != nil {
			return nil, conflicts, err
		}
		return updated, conflicts, nil
	}
	data, merr := json.Marshal(updated)
	if merr != nil {
		return nil, conflicts, merr
	}
	persisted, err := s.coordinator.Update(ctx, id, data)
	if err != nil {
		return nil, conflicts, err
	}
	s.notify(&pubsub.SessionUpdated{SessionID: id})
	return persisted, conflicts, nil
}

// ResolveSessionConflicts resolves the session's conflict ledger with the
// given strategy and persists the outcome. Returns nil when there was nothing
// to resolve.
func (s *Sessions) ResolveSessionConflicts(ctx context.Context, id, strategy string) (*internal.Session, error) {
	if s.syncer == nil {
		return nil, nil
	}
	current, err := s.coordinator.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	resolved, err := s.syncer.ResolveConflicts(ctx, id, strategy, current)
	if err != nil || resolved == nil {
		return nil, err
	}
	data, merr := json.Marshal(resolved)
	if merr != nil {
		return nil, merr
	}
	return s.coordinator.Update(ctx, id, data)
}

// SyncStats reports the syncer's bookkeeping snapshot. Zero when sync is
// disabled.
func (s *Sessions) SyncStats() syncer.Stats {
	if s.syncer == nil {
		return syncer.Stats{}
	}
	return s.syncer.Stats()
}
