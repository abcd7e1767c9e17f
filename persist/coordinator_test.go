package persist

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentx/sessionsync/internal"
	"github.com/agentx/sessionsync/pubsub"
	"github.com/agentx/sessionsync/store"
	"github.com/agentx/sessionsync/testutils"
)

func testCoordinator(primary, secondary store.SessionStore) *Coordinator {
	return NewCoordinator(primary, secondary, nil, Config{
		CacheTimeout:   time.Minute,
		StorageTimeout: 5 * time.Second,
	})
}

func TestGetServedFromCacheWithinTimeout(t *testing.T) {
	ctx := context.Background()
	primary := newCountingStore()
	c := testCoordinator(primary, nil)
	defer c.Stop()

	if _, err := primary.inner.Create(ctx, testutils.NewSession("s1", "u1", time.Hour)); err != nil {
		t.Fatalf("seed primary: %s", err)
	}

	if _, err := c.Get(ctx, "s1"); err != nil {
		t.Fatalf("first Get: %s", err)
	}
	if _, err := c.Get(ctx, "s1"); err != nil {
		t.Fatalf("second Get: %s", err)
	}
	if n := atomic.LoadInt32(&primary.getCalls); n != 1 {
		t.Fatalf("primary consulted %d times, want exactly 1 (second read must be a cache hit)", n)
	}
}

func TestGetFallsBackToSecondaryOnPrimaryFailure(t *testing.T) {
	ctx := context.Background()
	primary := newCountingStore()
	secondary := store.NewMemoryStore()
	c := testCoordinator(primary, secondary)
	defer c.Stop()

	if _, err := secondary.Create(ctx, testutils.NewSession("s1", "u1", time.Hour)); err != nil {
		t.Fatalf("seed secondary: %s", err)
	}
	primary.failGet = internal.NewStorageError("get", errors.New("connection refused"))

	got, err := c.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get should have been masked by the secondary fallback: %s", err)
	}
	if got.ID != "s1" {
		t.Fatalf("got session %q, want s1", got.ID)
	}
}

func TestGetSurfacesFailureWithoutFallback(t *testing.T) {
	ctx := context.Background()
	primary := newCountingStore()
	c := testCoordinator(primary, nil)
	defer c.Stop()

	cause := internal.NewStorageError("get", errors.New("connection refused"))
	primary.failGet = cause
	_, err := c.Get(ctx, "s1")
	if err == nil {
		t.Fatalf("expected the primary failure to surface with no secondary configured")
	}
	var serr *internal.StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("got %T, want *internal.StorageError", err)
	}
}

func TestCreateFailsLoudly(t *testing.T) {
	ctx := context.Background()
	primary := newCountingStore()
	secondary := store.NewMemoryStore()
	c := testCoordinator(primary, secondary)
	defer c.Stop()

	primary.failCreate = internal.NewStorageError("create", errors.New("disk full"))
	if _, err := c.Create(ctx, testutils.NewSession("s1", "u1", time.Hour)); err == nil {
		t.Fatalf("writes must never be silently dropped")
	}
	if _, err := secondary.Get(ctx, "s1"); !errors.Is(err, internal.ErrNotFound) {
		t.Fatalf("failed create must not reach the secondary")
	}
}

func TestReplicationMirrorsToSecondary(t *testing.T) {
	ctx := context.Background()
	primary := newCountingStore()
	secondary := store.NewMemoryStore()
	c := testCoordinator(primary, secondary)
	defer c.Stop()

	if _, err := c.Create(ctx, testutils.NewSession("s1", "u1", time.Hour)); err != nil {
		t.Fatalf("Create: %s", err)
	}
	if n := c.PendingReplication(); n != 1 {
		t.Fatalf("pending replication = %d, want 1", n)
	}
	c.Flush(ctx)
	if n := c.PendingReplication(); n != 0 {
		t.Fatalf("pending replication after flush = %d, want 0", n)
	}

	got, err := secondary.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("secondary.Get after flush: %s", err)
	}
	if got.UserID != "u1" {
		t.Fatalf("mirrored session userID = %q, want u1", got.UserID)
	}

	t.Log("An update re-queues the id and the next flush converges the secondary.")
	if _, err := c.Update(ctx, "s1", json.RawMessage(`{"preferences":{"theme":"light"}}`)); err != nil {
		t.Fatalf("Update: %s", err)
	}
	c.Flush(ctx)
	got, err = secondary.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("secondary.Get after second flush: %s", err)
	}
	if theme := gjson.GetBytes(got.Preferences, "theme").Str; theme != "light" {
		t.Fatalf("secondary theme = %q, want light", theme)
	}
}

func TestUpdateKeepsUnrelatedPreferences(t *testing.T) {
	ctx := context.Background()
	primary := newCountingStore()
	c := testCoordinator(primary, nil)
	defer c.Stop()

	if _, err := c.Create(ctx, testutils.NewSession("s1", "u1", time.Hour)); err != nil {
		t.Fatalf("Create: %s", err)
	}
	updated, err := c.Update(ctx, "s1", json.RawMessage(`{"preferences":{"theme":"light"}}`))
	if err != nil {
		t.Fatalf("Update: %s", err)
	}
	if theme := gjson.GetBytes(updated.Preferences, "theme").Str; theme != "light" {
		t.Fatalf("theme = %q, want light", theme)
	}
	if lang := gjson.GetBytes(updated.Preferences, "language").Str; lang != "en" {
		t.Fatalf("language = %q, want en (deep merge must keep it)", lang)
	}
	if updated.LastActivity.Before(updated.CreatedAt) {
		t.Fatalf("lastActivity %v precedes createdAt %v", updated.LastActivity, updated.CreatedAt)
	}
}

func TestDeleteCancelsPendingReplication(t *testing.T) {
	ctx := context.Background()
	primary := newCountingStore()
	secondary := store.NewMemoryStore()
	c := testCoordinator(primary, secondary)
	defer c.Stop()

	if _, err := c.Create(ctx, testutils.NewSession("s1", "u1", time.Hour)); err != nil {
		t.Fatalf("Create: %s", err)
	}
	existed, err := c.Delete(ctx, "s1")
	if err != nil {
		t.Fatalf("Delete: %s", err)
	}
	if !existed {
		t.Fatalf("Delete reported the session never existed")
	}
	if n := c.PendingReplication(); n != 0 {
		t.Fatalf("delete must cancel pending replication, still %d pending", n)
	}
	if _, err := c.Get(ctx, "s1"); !errors.Is(err, internal.ErrNotFound) {
		t.Fatalf("deleted session still readable: %v", err)
	}
}

func TestCleanupExpiredCountsAndNotifies(t *testing.T) {
	ctx := context.Background()
	primary := newCountingStore()
	notifier := &recordingNotifier{}
	c := NewCoordinator(primary, nil, notifier, Config{
		CacheTimeout:   time.Minute,
		StorageTimeout: 5 * time.Second,
	})
	defer c.Stop()

	if _, err := primary.inner.Create(ctx, testutils.NewSession("live", "u1", time.Hour)); err != nil {
		t.Fatalf("seed live: %s", err)
	}
	if _, err := primary.inner.Create(ctx, testutils.NewSession("dead", "u1", -time.Hour)); err != nil {
		t.Fatalf("seed dead: %s", err)
	}

	count, err := c.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %s", err)
	}
	if count != 1 {
		t.Fatalf("swept %d sessions, want exactly 1", count)
	}
	if len(notifier.payloads) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notifier.payloads))
	}
	p, ok := notifier.payloads[0].(*pubsub.ExpiredSessionsCleanedUp)
	if !ok || p.NumSessions != 1 {
		t.Fatalf("unexpected payload %+v", notifier.payloads[0])
	}
}

func TestExportFormats(t *testing.T) {
	ctx := context.Background()
	primary := newCountingStore()
	c := testCoordinator(primary, nil)
	defer c.Stop()

	if _, err := c.Create(ctx, testutils.NewSession("s1", "u1", time.Hour)); err != nil {
		t.Fatalf("Create: %s", err)
	}

	jsonBlob, err := c.Export(ctx, ExportFilter{UserID: "u1"}, ExportJSON)
	if err != nil {
		t.Fatalf("Export json: %s", err)
	}
	var decoded []*internal.Session
	if err := json.Unmarshal(jsonBlob, &decoded); err != nil {
		t.Fatalf("exported JSON does not decode: %s", err)
	}
	if len(decoded) != 1 || decoded[0].ID != "s1" {
		t.Fatalf("unexpected export contents: %+v", decoded)
	}

	cborBlob, err := c.Export(ctx, ExportFilter{UserID: "u1"}, ExportCBOR)
	if err != nil {
		t.Fatalf("Export cbor: %s", err)
	}
	if len(cborBlob) == 0 {
		t.Fatalf("empty CBOR export")
	}

	if _, err = c.Export(ctx, ExportFilter{UserID: "u1"}, ExportFormat("xml")); err == nil {
		t.Fatalf("unknown format must be rejected")
	}
}

func TestBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	primary := newCountingStore()
	path := filepath.Join(t.TempDir(), "sessions.bak")
	c := NewCoordinator(primary, nil, nil, Config{
		CacheTimeout:   time.Minute,
		StorageTimeout: 5 * time.Second,
		BackupPath:     path,
		BackupInterval: time.Hour,
	})
	defer c.Stop()

	if _, err := c.Create(ctx, testutils.NewSession("s1", "u1", time.Hour)); err != nil {
		t.Fatalf("Create: %s", err)
	}
	if err := c.writeBackup(); err != nil {
		t.Fatalf("writeBackup: %s", err)
	}
	sessions, takenAt, err := ReadBackup(path)
	if err != nil {
		t.Fatalf("ReadBackup: %s", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Fatalf("backup contents: %+v", sessions)
	}
	if takenAt.IsZero() {
		t.Fatalf("backup timestamp missing")
	}
}
