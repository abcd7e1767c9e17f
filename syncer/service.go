// Package syncer keeps sessions coherent across the devices of one logical
// user: a device registry, a per-session event log, and a conflict ledger,
// reconciled with a last-writer-clock heuristic.
package syncer

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/agentx/sessionsync/internal"
	"github.com/agentx/sessionsync/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Resolution strategies accepted by ResolveConflicts.
const (
	ResolveAcceptLocal  = "accept_local"
	ResolveAcceptRemote = "accept_remote"
	ResolveMerge        = "merge"
)

type Config struct {
	// MaxHistoryPerSession bounds the per-session event history. Oldest events
	// are dropped first.
	MaxHistoryPerSession int
	// Retention is how long events and unresolved conflicts are kept before the
	// periodic sweep discards them.
	Retention time.Duration
	// DrainInterval is how often queued events are fanned out to tracking
	// devices. 0 enables real-time mode: QueueSyncEvent fans out synchronously.
	DrainInterval time.Duration

	EnablePrometheus bool
}

func (c *Config) defaults() {
	if c.MaxHistoryPerSession == 0 {
		c.MaxHistoryPerSession = 100
	}
	if c.Retention == 0 {
		c.Retention = 24 * time.Hour
	}
}

// DeviceSync is the per-device sync bookkeeping. Process-local only: a restart
// loses it and devices simply re-register.
type DeviceSync struct {
	DeviceID     string
	DeviceInfo   json.RawMessage
	LastSyncTime time.Time
	// SyncVersion is the highest event version seen from this device,
	// including events still queued. AppliedVersion is the highest version
	// actually accepted into a session merge: conflict detection compares
	// against it, so a device replaying an in-order backlog never conflicts
	// with itself.
	SyncVersion    int64
	AppliedVersion int64
	PendingEvents  []*internal.SyncEvent
	ConflictCount  int
}

type Stats struct {
	ConnectedDevices int `json:"connectedDevices"`
	TotalSessions    int `json:"totalSessions"`
	PendingEvents    int `json:"pendingEvents"`
	TotalConflicts   int `json:"totalConflicts"`
	SyncQueueSize    int `json:"syncQueueSize"`
}

// Service owns the device registry, the per-session event queues/history and
// the conflict ledger. All maps are guarded by mu; nothing here touches a
// storage backend, so every method is non-blocking.
type Service struct {
	cfg      Config
	notifier pubsub.Notifier

	mu             sync.Mutex
	devices        map[string]*DeviceSync
	deviceSessions map[string]map[string]struct{}
	sessionDevices map[string]map[string]struct{}
	queue          map[string][]*internal.SyncEvent // awaiting fan-out
	history        map[string][]*internal.SyncEvent // bounded, newest last
	conflicts      map[string][]*internal.SyncConflict

	ticker *Ticker
	done   chan struct{}

	// tests freeze this
	now func() time.Time

	connectedDevices prometheus.Gauge
	conflictsTotal   prometheus.Counter
}

func NewService(notifier pubsub.Notifier, cfg Config) *Service {
	cfg.defaults()
	s := &Service{
		cfg:            cfg,
		notifier:       notifier,
		devices:        make(map[string]*DeviceSync),
		deviceSessions: make(map[string]map[string]struct{}),
		sessionDevices: make(map[string]map[string]struct{}),
		queue:          make(map[string][]*internal.SyncEvent),
		history:        make(map[string][]*internal.SyncEvent),
		conflicts:      make(map[string][]*internal.SyncConflict),
		done:           make(chan struct{}),
		now:            time.Now,
	}
	if cfg.EnablePrometheus {
		s.addPrometheusMetrics()
	}
	s.ticker = NewTicker(cfg.DrainInterval)
	s.ticker.SetCallback(s.onTick)
	return s
}

func (s *Service) addPrometheusMetrics() {
	s.connectedDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessionsync", Subsystem: "syncer", Name: "connected_devices",
		Help: "Number of devices currently registered for sync",
	})
	s.conflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessionsync", Subsystem: "syncer", Name: "conflicts_detected_total",
		Help: "Number of sync conflicts detected",
	})
	prometheus.MustRegister(s.connectedDevices, s.conflictsTotal)
}

// Run drives the periodic drain and retention sweep. Blocks until Stop.
func (s *Service) Run() {
	go s.sweepLoop()
	s.ticker.Run()
	<-s.done
}

func (s *Service) sweepLoop() {
	t := time.NewTicker(s.cfg.Retention / 24)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Service) Stop() {
	close(s.done)
	s.ticker.Stop()
	if s.cfg.EnablePrometheus {
		prometheus.Unregister(s.connectedDevices)
		prometheus.Unregister(s.conflictsTotal)
	}
}

// RegisterDevice creates (or resets) the sync bookkeeping for a device. Never
// fails the caller: sync bookkeeping is a quality concern, not a correctness
// one.
func (s *Service) RegisterDevice(deviceID string, deviceInfo json.RawMessage) {
	if deviceID == "" {
		logger.Warn().Msg("ignoring device registration with empty device id")
		return
	}
	s.mu.Lock()
	if _, exists := s.devices[deviceID]; exists {
		logger.Info().Str("device", deviceID).Msg("re-registering device, resetting sync bookkeeping")
	}
	s.devices[deviceID] = &DeviceSync{
		DeviceID:     deviceID,
		DeviceInfo:   append(json.RawMessage(nil), deviceInfo...),
		LastSyncTime: s.now().UTC(),
	}
	if s.deviceSessions[deviceID] == nil {
		s.deviceSessions[deviceID] = make(map[string]struct{})
	}
	n := len(s.devices)
	s.mu.Unlock()
	if s.connectedDevices != nil {
		s.connectedDevices.Set(float64(n))
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(pubsub.ChanSessions, &pubsub.DeviceRegistered{DeviceID: deviceID}); err != nil {
			logger.Warn().Err(err).Str("device", deviceID).Msg("failed to notify device registration")
		}
	}
}

// UnregisterDevice removes the device and purges its undelivered events from
// the sync queue. Unknown devices are absorbed with a log line.
func (s *Service) UnregisterDevice(deviceID string) {
	s.mu.Lock()
	if _, exists := s.devices[deviceID]; !exists {
		s.mu.Unlock()
		logger.Info().Str("device", deviceID).Msg("unregister for unknown device, ignoring")
		return
	}
	delete(s.devices, deviceID)
	for sessionID := range s.deviceSessions[deviceID] {
		delete(s.sessionDevices[sessionID], deviceID)
		if len(s.sessionDevices[sessionID]) == 0 {
			delete(s.sessionDevices, sessionID)
		}
	}
	delete(s.deviceSessions, deviceID)
	// purge the device's own undelivered events so other devices never receive
	// writes from a device that has since walked away mid-sync
	for sessionID, evs := range s.queue {
		s.queue[sessionID] = discardAuthoredBy(evs, deviceID)
		if len(s.queue[sessionID]) == 0 {
			delete(s.queue, sessionID)
		}
	}
	n := len(s.devices)
	s.mu.Unlock()
	if s.connectedDevices != nil {
		s.connectedDevices.Set(float64(n))
	}
}

func discardAuthoredBy(evs []*internal.SyncEvent, deviceID string) []*internal.SyncEvent {
	kept := evs[:0]
	for _, ev := range evs {
		if ev.DeviceID != deviceID {
			kept = append(kept, ev)
		}
	}
	return kept
}

// TrackSession subscribes a device to a session's sync events. The device must
// be registered; tracking for an unknown device is absorbed.
func (s *Service) TrackSession(deviceID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.devices[deviceID]; !exists {
		logger.Warn().Str("device", deviceID).Str("session", sessionID).Msg("track for unregistered device, ignoring")
		return
	}
	if s.sessionDevices[sessionID] == nil {
		s.sessionDevices[sessionID] = make(map[string]struct{})
	}
	s.sessionDevices[sessionID][deviceID] = struct{}{}
	s.deviceSessions[deviceID][sessionID] = struct{}{}
}

func (s *Service) UntrackSession(deviceID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessionDevices[sessionID], deviceID)
	if len(s.sessionDevices[sessionID]) == 0 {
		delete(s.sessionDevices, sessionID)
	}
	delete(s.deviceSessions[deviceID], sessionID)
}

// Tracked reports whether any device is subscribed to the session.
func (s *Service) Tracked(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessionDevices[sessionID]) > 0
}

// PurgeSession fans out anything still queued for the session, then drops its
// subscriptions, history and conflict ledger. Events moved to a device's
// pending list survive, so a device that syncs after the purge still hears the
// final intents.
func (s *Service) PurgeSession(sessionID string) {
	s.drain(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for deviceID := range s.sessionDevices[sessionID] {
		delete(s.deviceSessions[deviceID], sessionID)
	}
	delete(s.sessionDevices, sessionID)
	delete(s.queue, sessionID)
	delete(s.history, sessionID)
	delete(s.conflicts, sessionID)
}

// QueueSyncEvent records a write made by deviceID against sessionID. The event
// joins the session's bounded history and the fan-out queue; in real-time mode
// the fan-out happens before this returns.
func (s *Service) QueueSyncEvent(ev *internal.SyncEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	s.mu.Lock()
	s.queue[ev.SessionID] = append(s.queue[ev.SessionID], ev)
	hist := append(s.history[ev.SessionID], ev)
	if over := len(hist) - s.cfg.MaxHistoryPerSession; over > 0 {
		hist = hist[over:]
	}
	s.history[ev.SessionID] = hist
	if d := s.devices[ev.DeviceID]; d != nil && ev.Version > d.SyncVersion {
		d.SyncVersion = ev.Version
	}
	s.mu.Unlock()
	s.ticker.Remember(ev.SessionID)
}

// PendingSyncEvents returns, and consumes, the events awaiting delivery to a
// polling device. sessionID narrows to one session when non-empty; since
// excludes events at or before the given time when non-zero. Returned events
// are ordered by timestamp ascending.
func (s *Service) PendingSyncEvents(deviceID, sessionID string, since time.Time) []*internal.SyncEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[deviceID]
	if d == nil {
		return nil
	}
	var out, kept []*internal.SyncEvent
	for _, ev := range d.PendingEvents {
		if sessionID != "" && ev.SessionID != sessionID {
			kept = append(kept, ev)
			continue
		}
		if !since.IsZero() && !ev.Timestamp.After(since) {
			continue // superseded by an earlier poll
		}
		out = append(out, ev)
	}
	d.PendingEvents = kept
	d.LastSyncTime = s.now().UTC()
	sortByTimestamp(out)
	return out
}

func sortByTimestamp(evs []*internal.SyncEvent) {
	slices.SortStableFunc(evs, func(a, b *internal.SyncEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// ApplySyncEvents reconciles a batch of events against the current session
// state and returns the updated session plus any conflicts detected. The input
// session is not mutated. Malformed events are skipped with a warning; the
// batch still returns whatever merged successfully.
//
// An update event conflicts when the session's lastActivity is later than the
/// event's timestamp: the originating device worked from stale state. A clock
// heuristic, not a vector clock, so skewed device clocks can hide a conflict.
func (s *Service) ApplySyncEvents(ctx context.Context, sessionID string, events []*internal.SyncEvent, current *internal.Session) (*internal.Session, []*internal.SyncConflict) {
	_, span := internal.StartSpan(ctx, "Syncer.ApplySyncEvents")
	defer span.End()

	evs := make([]*internal.SyncEvent, len(events))
	copy(evs, events)
	sortByTimestamp(evs)

	updated := current.Copy()
	var detected []*internal.SyncConflict
	deviceConflicts := make(map[string]int)
	for _, ev := range evs {
		switch ev.Type {
		case internal.SyncEventCreate:
			if err := internal.ApplyPartial(updated, ev.Data); err != nil {
				logger.Warn().Err(err).Str("event", ev.ID).Msg("malformed create event payload, skipping")
				continue
			}
			s.advanceActivity(updated, ev.Timestamp)
			s.markApplied(ev.DeviceID, ev.Version)
		case internal.SyncEventUpdate:
			if c := s.detectConflict(updated, ev); c != nil {
				detected = append(detected, c)
				deviceConflicts[ev.DeviceID]++
				continue
			}
			if err := internal.ApplyPartial(updated, ev.Data); err != nil {
				logger.Warn().Err(err).Str("event", ev.ID).Msg("malformed update event payload, skipping")
				continue
			}
			s.advanceActivity(updated, ev.Timestamp)
			s.markApplied(ev.DeviceID, ev.Version)
		case internal.SyncEventDelete:
			// intent only; physical deletion belongs to the persistence layer
			internal.MarkForDeletion(updated, ev.Timestamp)
			s.advanceActivity(updated, ev.Timestamp)
			s.markApplied(ev.DeviceID, ev.Version)
		default:
			logger.Warn().Str("event", ev.ID).Str("type", string(ev.Type)).Msg("unknown sync event type, skipping")
		}
	}

	if len(detected) > 0 {
		s.mu.Lock()
		s.conflicts[sessionID] = append(s.conflicts[sessionID], detected...)
		for deviceID, n := range deviceConflicts {
			if d := s.devices[deviceID]; d != nil {
				d.ConflictCount += n
			}
		}
		s.mu.Unlock()
		if s.conflictsTotal != nil {
			s.conflictsTotal.Add(float64(len(detected)))
		}
	}
	return updated, detected
}

func (s *Service) advanceActivity(sess *internal.Session, at time.Time) {
	if at.After(sess.LastActivity) {
		sess.LastActivity = at
	}
	internal.Assert("event application preserves lastActivity >= createdAt", !sess.LastActivity.Before(sess.CreatedAt))
}

// markApplied records that a device's event was accepted into a merge.
func (s *Service) markApplied(deviceID string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.devices[deviceID]; d != nil && version > d.AppliedVersion {
		d.AppliedVersion = version
	}
}

func (s *Service) detectConflict(sess *internal.Session, ev *internal.SyncEvent) *internal.SyncConflict {
	s.mu.Lock()
	d := s.devices[ev.DeviceID]
	s.mu.Unlock()
	local, _ := json.Marshal(sess)
	// an event at or behind the device's last accepted write is a replay of
	// state that already merged. The highest queued version is deliberately
	// not used here: a reconnecting device's in-order backlog must not
	// conflict with itself.
	if d != nil && ev.Version > 0 && ev.Version <= d.AppliedVersion {
		return &internal.SyncConflict{
			SessionID:     sess.ID,
			Type:          internal.ConflictVersionMismatch,
			LocalVersion:  d.AppliedVersion,
			RemoteVersion: ev.Version,
			LocalData:     local,
			RemoteData:    ev.Data,
			Timestamp:     ev.Timestamp,
		}
	}
	if sess.LastActivity.After(ev.Timestamp) {
		var localVersion int64
		if d != nil {
			localVersion = d.AppliedVersion
		}
		return &internal.SyncConflict{
			SessionID:     sess.ID,
			Type:          internal.ConflictConcurrentUpdate,
			LocalVersion:  localVersion,
			RemoteVersion: ev.Version,
			LocalData:     local,
			RemoteData:    ev.Data,
			Timestamp:     ev.Timestamp,
		}
	}
	return nil
}

// Conflicts returns the unresolved conflict ledger entries for a session.
func (s *Service) Conflicts(sessionID string) []*internal.SyncConflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*internal.SyncConflict(nil), s.conflicts[sessionID]...)
}

// ResolveConflicts applies a resolution strategy to every ledger entry for the
// session and clears the ledger. The input session is not mutated; the
// resolved copy is returned. Returns (nil, nil) when there is nothing to
// resolve.
func (s *Service) ResolveConflicts(ctx context.Context, sessionID, strategy string, current *internal.Session) (*internal.Session, error) {
	_, span := internal.StartSpan(ctx, "Syncer.ResolveConflicts")
	defer span.End()

	s.mu.Lock()
	pending := s.conflicts[sessionID]
	s.mu.Unlock()
	if len(pending) == 0 {
		return nil, nil
	}

	resolved := current.Copy()
	switch strategy {
	case ResolveAcceptLocal:
		// local state wins; the remote data is discarded with the ledger
	case ResolveAcceptRemote:
		for _, c := range pending {
			if err := internal.ApplyOverwrite(resolved, c.RemoteData); err != nil {
				return nil, err
			}
		}
	case ResolveMerge:
		for _, c := range pending {
			if err := internal.ApplyResolveMerge(resolved, c.RemoteData); err != nil {
				return nil, err
			}
		}
	default:
		return nil, &internal.ValidationError{Field: "strategy", Reason: "must be accept_local, accept_remote or merge"}
	}
	resolved.LastActivity = s.now().UTC()

	s.mu.Lock()
	delete(s.conflicts, sessionID)
	s.mu.Unlock()

	if s.notifier != nil {
		err := s.notifier.Notify(pubsub.ChanSessions, &pubsub.ConflictsResolved{
			SessionID:    sessionID,
			NumConflicts: len(pending),
			Strategy:     strategy,
		})
		if err != nil {
			logger.Warn().Err(err).Str("session", sessionID).Msg("failed to notify conflict resolution")
		}
	}
	return resolved, nil
}

// drain fans a session's queued events out to every tracking device other than
// the event's author, then clears the queue. One broadcast notification is
// emitted per target device that received at least one event.
func (s *Service) drain(sessionID string) {
	s.mu.Lock()
	evs := s.queue[sessionID]
	delete(s.queue, sessionID)
	delivered := make(map[string]int)
	for _, ev := range evs {
		for deviceID := range s.sessionDevices[sessionID] {
			if deviceID == ev.DeviceID {
				continue // no echo-back of a device's own writes
			}
			d := s.devices[deviceID]
			if d == nil {
				continue
			}
			d.PendingEvents = append(d.PendingEvents, ev)
			delivered[deviceID]++
		}
	}
	s.mu.Unlock()

	if s.notifier == nil {
		return
	}
	for deviceID, n := range delivered {
		err := s.notifier.Notify(pubsub.ChanSessions, &pubsub.SyncEventsBroadcast{
			SessionID: sessionID,
			DeviceID:  deviceID,
			NumEvents: n,
		})
		if err != nil {
			logger.Warn().Err(err).Str("device", deviceID).Msg("failed to notify sync broadcast")
		}
	}
}

/// onTick is the ticker callback: fan out the named sessions.
func (s *Service) onTick(sessionIDs []string) {
	for _, id := range sessionIDs {
		s.drain(id)
	}
}

// sweep discards events and conflicts older than the retention window.
func (s *Service) sweep() {
	cutoff := s.now().Add(-s.cfg.Retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionID, evs := range s.history {
		s.history[sessionID] = discardBefore(evs, cutoff)
		if len(s.history[sessionID]) == 0 {
			delete(s.history, sessionID)
		}
	}
	for sessionID, evs := range s.queue {
		s.queue[sessionID] = discardBefore(evs, cutoff)
		if len(s.queue[sessionID]) == 0 {
			delete(s.queue, sessionID)
		}
	}
	for _, d := range s.devices {
		d.PendingEvents = discardBefore(d.PendingEvents, cutoff)
	}
	for sessionID, conflicts := range s.conflicts {
		kept := conflicts[:0]
		for _, c := range conflicts {
			if c.Timestamp.After(cutoff) {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(s.conflicts, sessionID)
		} else {
			s.conflicts[sessionID] = kept
		}
	}
}

func discardBefore(evs []*internal.SyncEvent, cutoff time.Time) []*internal.SyncEvent {
	kept := evs[:0]
	for _, ev := range evs {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	return kept
}

// History returns the bounded event history for a session, oldest first.
func (s *Service) History(sessionID string) []*internal.SyncEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*internal.SyncEvent(nil), s.history[sessionID]...)
}

// Stats reports a point-in-time snapshot of the sync bookkeeping.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ConnectedDevices: len(s.devices),
		TotalSessions:    len(s.sessionDevices),
	}
	for _, d := range s.devices {
		st.PendingEvents += len(d.PendingEvents)
	}
	for _, conflicts := range s.conflicts {
		st.TotalConflicts += len(conflicts)
	}
	for _, evs := range s.queue {
		st.SyncQueueSize += len(evs)
	}
	return st
}
