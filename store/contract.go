package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx/sessionsync/internal"
)

func contractSession(id, userID string, expiresIn time.Duration) *internal.Session {
	now := time.Now().UTC().Truncate(time.Second)
	s := &internal.Session{
		ID:           id,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Preferences:  json.RawMessage(`{"theme":"dark","language":"en"}`),
	}
	if expiresIn != 0 {
		s.ExpiresAt = now.Add(expiresIn)
	}
	return s
}

// RunSessionStoreContract verifies that a SessionStore implementation adheres
// to the storage contract. Every backend's test suite runs it.
func RunSessionStoreContract(t *testing.T, s SessionStore) {
	ctx := context.Background()
	prefix := fmt.Sprintf("contract-%d", time.Now().UnixNano())

	t.Run("CreateAndGet", func(t *testing.T) {
		sess := contractSession(prefix+"-s1", "u1", time.Hour)
		created, err := s.Create(ctx, sess)
		require.NoError(t, err)
		require.Equal(t, sess.ID, created.ID)

		got, err := s.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
		assert.Equal(t, "u1", got.UserID)
		assert.JSONEq(t, `{"theme":"dark","language":"en"}`, string(got.Preferences))
		// second-level precision is the cross-backend guarantee
		assert.WithinDuration(t, sess.ExpiresAt, got.ExpiresAt, time.Second)
		assert.WithinDuration(t, sess.LastActivity, got.LastActivity, time.Second)
	})

	t.Run("DuplicateCreate", func(t *testing.T) {
		sess := contractSession(prefix+"-dup", "u1", time.Hour)
		_, err := s.Create(ctx, sess)
		require.NoError(t, err)
		_, err = s.Create(ctx, sess)
		require.Error(t, err, "creating the same id twice must fail")
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, prefix+"-missing")
		assert.ErrorIs(t, err, internal.ErrNotFound)
	})

	t.Run("UpdateMergesAndBumpsActivity", func(t *testing.T) {
		sess := contractSession(prefix+"-upd", "u1", time.Hour)
		_, err := s.Create(ctx, sess)
		require.NoError(t, err)

		updated, err := s.Update(ctx, sess.ID, json.RawMessage(`{"preferences":{"theme":"light"}}`))
		require.NoError(t, err)
		assert.Equal(t, "light", jsonField(t, updated.Preferences, "theme"))
		assert.Equal(t, "en", jsonField(t, updated.Preferences, "language"), "deep merge must keep sibling keys")
		assert.False(t, updated.LastActivity.Before(sess.LastActivity), "update must bump lastActivity")
		assert.False(t, updated.LastActivity.Before(updated.CreatedAt), "lastActivity >= createdAt must hold")
	})

	t.Run("UpdateCannotChangeID", func(t *testing.T) {
		sess := contractSession(prefix+"-fixed", "u1", time.Hour)
		_, err := s.Create(ctx, sess)
		require.NoError(t, err)
		updated, err := s.Update(ctx, sess.ID, json.RawMessage(`{"id":"hijacked"}`))
		require.NoError(t, err)
		assert.Equal(t, sess.ID, updated.ID)
		_, err = s.Get(ctx, sess.ID)
		assert.NoError(t, err)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		_, err := s.Update(ctx, prefix+"-missing", json.RawMessage(`{}`))
		assert.ErrorIs(t, err, internal.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		sess := contractSession(prefix+"-del", "u1", time.Hour)
		_, err := s.Create(ctx, sess)
		require.NoError(t, err)

		existed, err := s.Delete(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, existed)

		_, err = s.Get(ctx, sess.ID)
		assert.ErrorIs(t, err, internal.ErrNotFound)

		existed, err = s.Delete(ctx, sess.ID)
		require.NoError(t, err)
		assert.False(t, existed, "second delete must report the session was gone")
	})

	t.Run("ListByUser", func(t *testing.T) {
		user := prefix + "-lister"
		for i := 0; i < 3; i++ {
			sess := contractSession(fmt.Sprintf("%s-list-%d", prefix, i), user, time.Hour)
			sess.LastActivity = sess.LastActivity.Add(time.Duration(i) * time.Second)
			_, err := s.Create(ctx, sess)
			require.NoError(t, err)
		}
		expired := contractSession(prefix+"-list-expired", user, -time.Hour)
		expired.CreatedAt = expired.CreatedAt.Add(-2 * time.Hour)
		expired.LastActivity = expired.CreatedAt
		_, err := s.Create(ctx, expired)
		require.NoError(t, err)

		all, err := s.ListByUser(ctx, user, ListOptions{})
		require.NoError(t, err)
		assert.Len(t, all, 4)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i-1].LastActivity.Before(all[i].LastActivity), "most recently active first")
		}

		active, err := s.ListByUser(ctx, user, ListOptions{ActiveOnly: true})
		require.NoError(t, err)
		assert.Len(t, active, 3)

		page, err := s.ListByUser(ctx, user, ListOptions{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Len(t, page, 2)
	})

	t.Run("CleanupSweepsOnlyExpired", func(t *testing.T) {
		user := prefix + "-sweeper"
		live := contractSession(prefix+"-sweep-live", user, time.Hour)
		dead := contractSession(prefix+"-sweep-dead", user, -time.Minute)
		dead.CreatedAt = dead.CreatedAt.Add(-time.Hour)
		dead.LastActivity = dead.CreatedAt
		_, err := s.Create(ctx, live)
		require.NoError(t, err)
		_, err = s.Create(ctx, dead)
		require.NoError(t, err)

		count, err := s.Cleanup(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, 1)

		_, err = s.Get(ctx, live.ID)
		assert.NoError(t, err, "live session must survive cleanup")
		_, err = s.Get(ctx, dead.ID)
		assert.ErrorIs(t, err, internal.ErrNotFound, "expired session must be swept")
	})
}

func jsonField(t *testing.T, doc json.RawMessage, field string) string {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(doc, &m))
	v, _ := m[field].(string)
	return v
}
