package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentx/sessionsync/internal"
	"github.com/agentx/sessionsync/sqlutil"
	"github.com/agentx/sessionsync/store/migrations"
	"github.com/agentx/sessionsync/testutils"
)

var postgresConnectionString = "user=xxxxx dbname=sessionsync_test sslmode=disable"

func TestMain(m *testing.M) {
	postgresConnectionString = testutils.PrepareDBConnectionString()
	exitCode := m.Run()
	os.Exit(exitCode)
}

func connectToDB(t *testing.T) (*sqlx.DB, func()) {
	db, err := sqlx.Open("postgres", postgresConnectionString)
	if err != nil {
		t.Fatalf("failed to open SQL db: %s", err)
	}
	return db, func() {
		db.Close()
	}
}

func TestPostgresStoreContract(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	RunSessionStoreContract(t, NewPostgresStoreWithDB(db))
}

func TestPostgresStoreMigrations(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	NewPostgresStoreWithDB(db)
	if err := migrations.Up(context.Background(), db.DB); err != nil {
		t.Fatalf("migrations.Up: %s", err)
	}
}

func TestPostgresStoreUpdateIsTransactional(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	s := NewPostgresStoreWithDB(db)
	ctx := context.Background()

	id := fmt.Sprintf("txn-%d", time.Now().UnixNano())
	sess := testutils.NewSession(id, "txn-user", time.Hour)
	if _, err := s.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %s", err)
	}

	t.Log("A malformed partial must not leave a half-applied write behind.")
	_, err := s.Update(ctx, id, json.RawMessage(`{"expiresAt":"not-a-time","preferences":{"theme":"light"}}`))
	if err == nil {
		t.Fatalf("Update accepted a malformed expiresAt")
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	var prefs map[string]string
	if err := json.Unmarshal(got.Preferences, &prefs); err != nil {
		t.Fatalf("unmarshal preferences: %s", err)
	}
	if prefs["theme"] != "dark" {
		t.Fatalf("rolled-back update leaked: theme=%q", prefs["theme"])
	}
}

func TestPostgresStoreCreateBatchUpserts(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	s := NewPostgresStoreWithDB(db)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	var sessions []*internal.Session
	for i := 0; i < 25; i++ {
		sessions = append(sessions, testutils.NewSession(fmt.Sprintf("batch-%d-%d", stamp, i), "batch-user", time.Hour))
	}
	if err := s.CreateBatch(ctx, sessions); err != nil {
		t.Fatalf("CreateBatch: %s", err)
	}

	t.Log("Replaying a snapshot with changed rows must overwrite, not fail on duplicates.")
	sessions[7].Preferences = json.RawMessage(`{"theme":"light"}`)
	if err := s.CreateBatch(ctx, sessions); err != nil {
		t.Fatalf("CreateBatch replay: %s", err)
	}
	got, err := s.Get(ctx, sessions[7].ID)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	var prefs map[string]string
	if err := json.Unmarshal(got.Preferences, &prefs); err != nil {
		t.Fatalf("unmarshal preferences: %s", err)
	}
	if prefs["theme"] != "light" {
		t.Fatalf("replay did not overwrite: theme=%q", prefs["theme"])
	}
	if err := s.CreateBatch(ctx, nil); err != nil {
		t.Fatalf("CreateBatch with no rows: %s", err)
	}
}

func TestSessionRowChunkerBoundaries(t *testing.T) {
	rows := make(sessionRowChunker, 7)
	for i := range rows {
		rows[i] = *rowFromSession(testutils.NewSession(fmt.Sprintf("chunk-%d", i), "chunk-user", time.Hour))
	}
	// 10 params per row, room for 3 rows per call
	chunks := sqlutil.Chunkify(10, 30, rows)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	var total int
	for _, c := range chunks {
		total += c.Len()
	}
	if total != len(rows) {
		t.Fatalf("chunks cover %d rows, want %d", total, len(rows))
	}
	last := chunks[2].(sessionRowChunker)
	if len(last) != 1 || last[0].ID != "chunk-6" {
		t.Fatalf("tail chunk wrong: %+v", last)
	}
}

func TestPostgresStoreSecondPrecision(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	s := NewPostgresStoreWithDB(db)
	ctx := context.Background()

	id := fmt.Sprintf("precision-%d", time.Now().UnixNano())
	sess := testutils.NewSession(id, "precision-user", 90*time.Minute)
	if _, err := s.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %s", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if got.ExpiresAt.Unix() != sess.ExpiresAt.Unix() {
		t.Fatalf("expiresAt lost second precision: stored %v, got %v", sess.ExpiresAt, got.ExpiresAt)
	}
	if internal.MarkedForDeletion(got) {
		t.Fatalf("fresh session must not carry a deletion mark: %s", got.Metadata)
	}
}
