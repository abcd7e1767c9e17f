package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/agentx/sessionsync/internal"
)

// MemoryStore is the in-process volatile backend. It is used as a secondary
// fallback store and throughout the tests; contents do not survive a restart.
type MemoryStore struct {
	mu           sync.RWMutex
	sessionsByID map[string]*internal.Session
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessionsByID: make(map[string]*internal.Session),
		now:          time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *internal.Session) (*internal.Session, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessionsByID[s.ID]; exists {
		return nil, &internal.ValidationError{Field: "id", Reason: "already exists"}
	}
	m.sessionsByID[s.ID] = s.Copy()
	return s.Copy(), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*internal.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessionsByID[id]
	if !ok {
		return nil, internal.ErrNotFound
	}
	return s.Copy(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, partial json.RawMessage) (*internal.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessionsByID[id]
	if !ok {
		return nil, internal.ErrNotFound
	}
	updated := s.Copy()
	if err := internal.ApplyPartial(updated, partial); err != nil {
		return nil, err
	}
	updated.LastActivity = m.now()
	m.sessionsByID[id] = updated
	return updated.Copy(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessionsByID[id]
	delete(m.sessionsByID, id)
	return ok, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*internal.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var matched []*internal.Session
	for _, s := range m.sessionsByID {
		if s.UserID != userID {
			continue
		}
		if opts.ActiveOnly && s.Expired(now) {
			continue
		}
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastActivity.After(matched[j].LastActivity)
	})
	if opts.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[opts.Offset:]
	if limit := opts.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*internal.Session, len(matched))
	for i, s := range matched {
		out[i] = s.Copy()
	}
	return out, nil
}

func (m *MemoryStore) Cleanup(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	count := 0
	for id, s := range m.sessionsByID {
		if s.Expired(now) {
			delete(m.sessionsByID, id)
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) Close() error { return nil }
