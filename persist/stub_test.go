package persist

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/agentx/sessionsync/internal"
	"github.com/agentx/sessionsync/pubsub"
	"github.com/agentx/sessionsync/store"
)

// countingStore wraps a real store and counts calls, optionally failing them.
type countingStore struct {
	inner store.SessionStore

	getCalls    int32
	createCalls int32

	failGet    error
	failCreate error
}

func newCountingStore() *countingStore {
	return &countingStore{inner: store.NewMemoryStore()}
}

func (c *countingStore) Create(ctx context.Context, s *internal.Session) (*internal.Session, error) {
	atomic.AddInt32(&c.createCalls, 1)
	if c.failCreate != nil {
		return nil, c.failCreate
	}
	return c.inner.Create(ctx, s)
}

func (c *countingStore) Get(ctx context.Context, id string) (*internal.Session, error) {
	atomic.AddInt32(&c.getCalls, 1)
	if c.failGet != nil {
		return nil, c.failGet
	}
	return c.inner.Get(ctx, id)
}

func (c *countingStore) Update(ctx context.Context, id string, partial json.RawMessage) (*internal.Session, error) {
	if c.failGet != nil {
		return nil, c.failGet
	}
	return c.inner.Update(ctx, id, partial)
}

func (c *countingStore) Delete(ctx context.Context, id string) (bool, error) {
	return c.inner.Delete(ctx, id)
}

func (c *countingStore) ListByUser(ctx context.Context, userID string, opts store.ListOptions) ([]*internal.Session, error) {
	return c.inner.ListByUser(ctx, userID, opts)
}

func (c *countingStore) Cleanup(ctx context.Context) (int, error) {
	return c.inner.Cleanup(ctx)
}

func (c *countingStore) Close() error { return c.inner.Close() }

// recordingNotifier captures payloads for assertions.
type recordingNotifier struct {
	payloads []pubsub.Payload
}

func (r *recordingNotifier) Notify(chanName string, p pubsub.Payload) error {
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *recordingNotifier) Close() error { return nil }
