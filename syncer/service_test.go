package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/agentx/sessionsync/internal"
	"github.com/agentx/sessionsync/pubsub"
	"github.com/agentx/sessionsync/testutils"
)

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []pubsub.Payload
}

func (r *recordingNotifier) Notify(chanName string, p pubsub.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) broadcasts() []*pubsub.SyncEventsBroadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*pubsub.SyncEventsBroadcast
	for _, p := range r.payloads {
		if b, ok := p.(*pubsub.SyncEventsBroadcast); ok {
			out = append(out, b)
		}
	}
	return out
}

// realTimeService returns a service in real-time mode: events fan out
// synchronously, no background goroutines.
func realTimeService(t *testing.T, notifier pubsub.Notifier) *Service {
	t.Helper()
	s := NewService(notifier, Config{})
	t.Cleanup(s.Stop)
	return s
}

func event(sessionID, deviceID string, typ internal.SyncEventType, ts time.Time, version int64, data string) *internal.SyncEvent {
	return &internal.SyncEvent{
		ID:        sessionID + "-" + deviceID + "-" + ts.Format(time.RFC3339Nano),
		SessionID: sessionID,
		DeviceID:  deviceID,
		Timestamp: ts,
		Type:      typ,
		Data:      json.RawMessage(data),
		Version:   version,
	}
}

func TestBroadcastExcludesAuthoringDevice(t *testing.T) {
	notifier := &recordingNotifier{}
	s := realTimeService(t, notifier)
	for _, d := range []string{"phone", "laptop", "tablet"} {
		s.RegisterDevice(d, nil)
		s.TrackSession(d, "s1")
	}

	now := time.Now().UTC()
	s.QueueSyncEvent(event("s1", "phone", internal.SyncEventUpdate, now, 1, `{"preferences":{"theme":"light"}}`))

	targets := map[string]bool{}
	for _, b := range notifier.broadcasts() {
		targets[b.DeviceID] = true
		assert.Equal(t, "s1", b.SessionID)
		assert.Equal(t, 1, b.NumEvents)
	}
	assert.False(t, targets["phone"], "author must never receive its own write back")
	assert.True(t, targets["laptop"])
	assert.True(t, targets["tablet"])

	require.Empty(t, s.PendingSyncEvents("phone", "", time.Time{}))
	got := s.PendingSyncEvents("laptop", "", time.Time{})
	require.Len(t, got, 1)
	assert.Equal(t, "phone", got[0].DeviceID)
}

func TestPendingSyncEventsConsumedAndFiltered(t *testing.T) {
	s := realTimeService(t, nil)
	s.RegisterDevice("phone", nil)
	s.RegisterDevice("laptop", nil)
	s.TrackSession("laptop", "s1")
	s.TrackSession("laptop", "s2")

	base := time.Now().UTC()
	s.QueueSyncEvent(event("s1", "phone", internal.SyncEventUpdate, base, 1, `{}`))
	s.QueueSyncEvent(event("s2", "phone", internal.SyncEventUpdate, base.Add(time.Second), 2, `{}`))

	// narrowing to s1 leaves s2's event pending
	got := s.PendingSyncEvents("laptop", "s1", time.Time{})
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)

	// since filter excludes events at or before the watermark
	assert.Empty(t, s.PendingSyncEvents("laptop", "s2", base.Add(time.Second)))

	got = s.PendingSyncEvents("laptop", "", time.Time{})
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].SessionID)

	// the pull consumed everything
	assert.Empty(t, s.PendingSyncEvents("laptop", "", time.Time{}))
	assert.Nil(t, s.PendingSyncEvents("unknown-device", "", time.Time{}))
}

func TestApplySyncEventsMergesInTimestampOrder(t *testing.T) {
	s := realTimeService(t, nil)
	sess := testutils.NewSession("s1", "u1", time.Hour)
	base := sess.LastActivity

	// fed out of order on purpose
	events := []*internal.SyncEvent{
		event("s1", "laptop", internal.SyncEventUpdate, base.Add(2*time.Second), 2, `{"preferences":{"theme":"solarized"}}`),
		event("s1", "phone", internal.SyncEventUpdate, base.Add(time.Second), 1, `{"preferences":{"theme":"light","fontSize":14}}`),
	}
	updated, conflicts := s.ApplySyncEvents(context.Background(), "s1", events, sess)
	require.Empty(t, conflicts)
	assert.Equal(t, "solarized", gjson.GetBytes(updated.Preferences, "theme").Str, "later event must win")
	assert.Equal(t, int64(14), gjson.GetBytes(updated.Preferences, "fontSize").Int())
	assert.Equal(t, "en", gjson.GetBytes(updated.Preferences, "language").Str, "deep merge keeps untouched keys")
	assert.True(t, updated.LastActivity.Equal(base.Add(2*time.Second)))

	// input session untouched
	assert.Equal(t, "dark", gjson.GetBytes(sess.Preferences, "theme").Str)
}

func TestApplySyncEventsDetectsConcurrentUpdate(t *testing.T) {
	s := realTimeService(t, nil)
	sess := testutils.NewSession("s1", "u1", time.Hour)
	sess.LastActivity = sess.LastActivity.Add(10 * time.Second)

	stale := event("s1", "phone", internal.SyncEventUpdate, sess.LastActivity.Add(-5*time.Second), 1, `{"preferences":{"theme":"light"}}`)
	updated, conflicts := s.ApplySyncEvents(context.Background(), "s1", []*internal.SyncEvent{stale}, sess)

	require.Len(t, conflicts, 1)
	assert.Equal(t, internal.ConflictConcurrentUpdate, conflicts[0].Type)
	assert.Equal(t, "dark", gjson.GetBytes(updated.Preferences, "theme").Str, "conflicting event must not merge")
	assert.Len(t, s.Conflicts("s1"), 1, "conflict must land in the ledger")
}

func TestApplySyncEventsDetectsVersionMismatch(t *testing.T) {
	s := realTimeService(t, nil)
	s.RegisterDevice("phone", nil)
	s.TrackSession("phone", "s1")
	sess := testutils.NewSession("s1", "u1", time.Hour)

	// version 5 from this device has already been accepted into a merge
	first := event("s1", "phone", internal.SyncEventUpdate, sess.LastActivity.Add(time.Second), 5, `{}`)
	merged, conflicts := s.ApplySyncEvents(context.Background(), "s1", []*internal.SyncEvent{first}, sess)
	require.Empty(t, conflicts)

	behind := event("s1", "phone", internal.SyncEventUpdate, merged.LastActivity.Add(time.Second), 3, `{"preferences":{"theme":"light"}}`)
	_, conflicts = s.ApplySyncEvents(context.Background(), "s1", []*internal.SyncEvent{behind}, merged)
	require.Len(t, conflicts, 1)
	assert.Equal(t, internal.ConflictVersionMismatch, conflicts[0].Type)
	assert.EqualValues(t, 5, conflicts[0].LocalVersion)
	assert.EqualValues(t, 3, conflicts[0].RemoteVersion)
}

func TestInOrderBacklogFromOneDeviceMergesCleanly(t *testing.T) {
	s := realTimeService(t, nil)
	s.RegisterDevice("phone", nil)
	s.TrackSession("phone", "s1")
	sess := testutils.NewSession("s1", "u1", time.Hour)

	// a reconnecting device queues its whole backlog before anything merges,
	// so the highest queued version runs ahead of the applied one
	e1 := event("s1", "phone", internal.SyncEventUpdate, sess.LastActivity.Add(time.Second), 1, `{"preferences":{"theme":"light"}}`)
	e2 := event("s1", "phone", internal.SyncEventUpdate, sess.LastActivity.Add(2*time.Second), 2, `{"preferences":{"fontSize":14}}`)
	s.QueueSyncEvent(e1)
	s.QueueSyncEvent(e2)

	updated, conflicts := s.ApplySyncEvents(context.Background(), "s1", []*internal.SyncEvent{e1, e2}, sess)
	require.Empty(t, conflicts, "a device's own in-order backlog must not conflict with itself")
	assert.Equal(t, "light", gjson.GetBytes(updated.Preferences, "theme").Str)
	assert.Equal(t, int64(14), gjson.GetBytes(updated.Preferences, "fontSize").Int())
	assert.Empty(t, s.Conflicts("s1"))
}

func TestApplySyncEventsDeleteMarksOnly(t *testing.T) {
	s := realTimeService(t, nil)
	sess := testutils.NewSession("s1", "u1", time.Hour)

	del := event("s1", "phone", internal.SyncEventDelete, sess.LastActivity.Add(time.Second), 1, "")
	updated, conflicts := s.ApplySyncEvents(context.Background(), "s1", []*internal.SyncEvent{del}, sess)
	require.Empty(t, conflicts)
	assert.True(t, internal.MarkedForDeletion(updated))
	assert.NotEmpty(t, gjson.GetBytes(updated.Metadata, "deletedAt").Str)
}

func TestApplySyncEventsIsolatesMalformedPayloads(t *testing.T) {
	s := realTimeService(t, nil)
	sess := testutils.NewSession("s1", "u1", time.Hour)

	events := []*internal.SyncEvent{
		event("s1", "phone", internal.SyncEventUpdate, sess.LastActivity.Add(time.Second), 1, `"not an object"`),
		event("s1", "phone", internal.SyncEventUpdate, sess.LastActivity.Add(2*time.Second), 2, `{"preferences":{"theme":"light"}}`),
	}
	updated, conflicts := s.ApplySyncEvents(context.Background(), "s1", events, sess)
	require.Empty(t, conflicts)
	assert.Equal(t, "light", gjson.GetBytes(updated.Preferences, "theme").Str,
		"healthy events in the batch must still merge")
}

func TestResolveConflictsMergeUnionsHistory(t *testing.T) {
	notifier := &recordingNotifier{}
	s := realTimeService(t, notifier)
	sess := testutils.NewSession("s1", "u1", time.Hour)
	sess.ConversationHistory = json.RawMessage(`[{"id":"m1","timestamp":1,"text":"hi"},{"id":"m2","timestamp":2,"text":"local"}]`)
	sess.LastActivity = sess.LastActivity.Add(10 * time.Second)

	remote := `{"conversationHistory":[{"id":"m2","timestamp":2,"text":"remote"},{"id":"m3","timestamp":3,"text":"new"}]}`
	stale := event("s1", "phone", internal.SyncEventUpdate, sess.LastActivity.Add(-time.Second), 1, remote)
	_, conflicts := s.ApplySyncEvents(context.Background(), "s1", []*internal.SyncEvent{stale}, sess)
	require.Len(t, conflicts, 1)

	resolved, err := s.ResolveConflicts(context.Background(), "s1", ResolveMerge, sess)
	require.NoError(t, err)
	require.NotNil(t, resolved)

	hist := gjson.ParseBytes(resolved.ConversationHistory).Array()
	require.Len(t, hist, 3, "union by id must deduplicate m2")
	assert.Equal(t, "m1", hist[0].Get("id").Str)
	assert.Equal(t, "m2", hist[1].Get("id").Str)
	assert.Equal(t, "remote", hist[1].Get("text").Str, "remote copy wins for a shared id")
	assert.Equal(t, "m3", hist[2].Get("id").Str)

	assert.Empty(t, s.Conflicts("s1"), "resolving must clear the ledger")
	var notified *pubsub.ConflictsResolved
	for _, p := range notifier.payloads {
		if c, ok := p.(*pubsub.ConflictsResolved); ok {
			notified = c
		}
	}
	require.NotNil(t, notified)
	assert.Equal(t, 1, notified.NumConflicts)
	assert.Equal(t, ResolveMerge, notified.Strategy)
}

func TestResolveConflictsStrategies(t *testing.T) {
	newConflicted := func(t *testing.T) (*Service, *internal.Session) {
		s := realTimeService(t, nil)
		sess := testutils.NewSession("s1", "u1", time.Hour)
		sess.LastActivity = sess.LastActivity.Add(10 * time.Second)
		stale := event("s1", "phone", internal.SyncEventUpdate, sess.LastActivity.Add(-time.Second), 1, `{"preferences":{"theme":"light"}}`)
		_, conflicts := s.ApplySyncEvents(context.Background(), "s1", []*internal.SyncEvent{stale}, sess)
		require.Len(t, conflicts, 1)
		return s, sess
	}

	t.Run("AcceptLocal", func(t *testing.T) {
		s, sess := newConflicted(t)
		resolved, err := s.ResolveConflicts(context.Background(), "s1", ResolveAcceptLocal, sess)
		require.NoError(t, err)
		assert.Equal(t, "dark", gjson.GetBytes(resolved.Preferences, "theme").Str)
		assert.Empty(t, s.Conflicts("s1"))
	})

	t.Run("AcceptRemote", func(t *testing.T) {
		s, sess := newConflicted(t)
		resolved, err := s.ResolveConflicts(context.Background(), "s1", ResolveAcceptRemote, sess)
		require.NoError(t, err)
		assert.Equal(t, "light", gjson.GetBytes(resolved.Preferences, "theme").Str)
		assert.False(t, gjson.GetBytes(resolved.Preferences, "language").Exists(),
			"accept_remote replaces the field wholesale")
	})

	t.Run("UnknownStrategy", func(t *testing.T) {
		s, sess := newConflicted(t)
		_, err := s.ResolveConflicts(context.Background(), "s1", "coin_flip", sess)
		var verr *internal.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Len(t, s.Conflicts("s1"), 1, "a failed resolution must keep the ledger")
	})

	t.Run("NothingToResolve", func(t *testing.T) {
		s := realTimeService(t, nil)
		resolved, err := s.ResolveConflicts(context.Background(), "s1", ResolveMerge, testutils.NewSession("s1", "u1", time.Hour))
		require.NoError(t, err)
		assert.Nil(t, resolved)
	})
}

func TestHistoryIsBounded(t *testing.T) {
	s := NewService(nil, Config{MaxHistoryPerSession: 3})
	defer s.Stop()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s.QueueSyncEvent(event("s1", "phone", internal.SyncEventUpdate, base.Add(time.Duration(i)*time.Second), int64(i+1), `{}`))
	}
	hist := s.History("s1")
	require.Len(t, hist, 3)
	assert.EqualValues(t, 3, hist[0].Version, "oldest events drop first")
	assert.EqualValues(t, 5, hist[2].Version)
}

func TestUnregisterDevicePurgesItsQueuedEvents(t *testing.T) {
	// a non-zero interval keeps events queued instead of fanning out instantly
	s := NewService(nil, Config{DrainInterval: time.Hour})
	defer s.Stop()
	s.RegisterDevice("phone", nil)
	s.RegisterDevice("laptop", nil)
	s.TrackSession("phone", "s1")
	s.TrackSession("laptop", "s1")

	now := time.Now().UTC()
	s.QueueSyncEvent(event("s1", "phone", internal.SyncEventUpdate, now, 1, `{}`))
	s.QueueSyncEvent(event("s1", "laptop", internal.SyncEventUpdate, now, 1, `{}`))
	require.Equal(t, 2, s.Stats().SyncQueueSize)

	s.UnregisterDevice("phone")
	st := s.Stats()
	assert.Equal(t, 1, st.ConnectedDevices)
	assert.Equal(t, 1, st.SyncQueueSize, "the departed device's undelivered event must be purged")
}

func TestRetentionSweep(t *testing.T) {
	s := NewService(nil, Config{DrainInterval: time.Hour, Retention: 24 * time.Hour})
	defer s.Stop()
	s.RegisterDevice("laptop", nil)
	s.TrackSession("laptop", "s1")

	now := time.Now().UTC()
	s.QueueSyncEvent(event("s1", "phone", internal.SyncEventUpdate, now.Add(-25*time.Hour), 1, `{}`))
	s.QueueSyncEvent(event("s1", "phone", internal.SyncEventUpdate, now, 2, `{}`))

	sess := testutils.NewSession("s1", "u1", time.Hour)
	sess.LastActivity = now
	stale := event("s1", "phone", internal.SyncEventUpdate, now.Add(-25*time.Hour), 1, `{}`)
	s.ApplySyncEvents(context.Background(), "s1", []*internal.SyncEvent{stale}, sess)
	require.Len(t, s.Conflicts("s1"), 1)

	s.sweep()
	assert.Equal(t, 1, s.Stats().SyncQueueSize, "events older than retention are swept")
	assert.Len(t, s.History("s1"), 1)
	assert.Empty(t, s.Conflicts("s1"), "stale conflicts are swept")
}

func TestStats(t *testing.T) {
	s := realTimeService(t, nil)
	s.RegisterDevice("phone", nil)
	s.RegisterDevice("laptop", nil)
	s.TrackSession("phone", "s1")
	s.TrackSession("laptop", "s1")
	s.TrackSession("laptop", "s2")

	now := time.Now().UTC()
	s.QueueSyncEvent(event("s1", "phone", internal.SyncEventUpdate, now, 1, `{}`))

	st := s.Stats()
	assert.Equal(t, 2, st.ConnectedDevices)
	assert.Equal(t, 2, st.TotalSessions)
	assert.Equal(t, 1, st.PendingEvents, "laptop holds one undelivered event")
	assert.Equal(t, 0, st.SyncQueueSize, "real-time mode drains immediately")
	assert.Equal(t, 0, st.TotalConflicts)
}
