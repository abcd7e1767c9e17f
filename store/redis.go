package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/agentx/sessionsync/internal"
	backend "github.com/redis/go-redis/v9"
)

// far enough in the future to act as a "never expires" score
const noExpiryScore = 4102444800 // 2100-01-01

// RedisStore is the distributed cache backend. It is intended as the
// coordinator's secondary store: shared across processes, best-effort, and
// happy to let Redis expire entries on its own.
type RedisStore struct {
	client *backend.Client
	prefix string
}

type RedisOption func(*RedisStore)

// WithPrefix overrides the key prefix for sessions.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, opts...)
}

// NewRedisStoreFromClient creates a store from an existing client, which the
// tests use to point at miniredis.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "sessionsync:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(id string) string      { return s.prefix + "session:" + id }
func (s *RedisStore) userKey(uid string) string { return s.prefix + "user:" + uid }
func (s *RedisStore) expiryKey() string         { return s.prefix + "expiry" }

func expiryScore(sess *internal.Session) float64 {
	if sess.ExpiresAt.IsZero() {
		return noExpiryScore
	}
	return float64(sess.ExpiresAt.Unix())
}

func (s *RedisStore) ttl(sess *internal.Session, now time.Time) time.Duration {
	if sess.ExpiresAt.IsZero() {
		return 0 // no expiration
	}
	ttl := sess.ExpiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) write(ctx context.Context, sess *internal.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return internal.NewStorageError("redis.marshal", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(sess.ID), data, s.ttl(sess, time.Now()))
	if sess.UserID != "" {
		pipe.ZAdd(ctx, s.userKey(sess.UserID), backend.Z{
			Score:  float64(sess.LastActivity.Unix()),
			Member: sess.ID,
		})
	}
	pipe.ZAdd(ctx, s.expiryKey(), backend.Z{
		Score:  expiryScore(sess),
		Member: sess.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return internal.NewStorageError("redis.write", err)
	}
	return nil
}

func (s *RedisStore) Create(ctx context.Context, sess *internal.Session) (*internal.Session, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	exists, err := s.client.Exists(ctx, s.key(sess.ID)).Result()
	if err != nil {
		return nil, internal.NewStorageError("redis.exists", err)
	}
	if exists > 0 {
		return nil, &internal.ValidationError{Field: "id", Reason: "already exists"}
	}
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess.Copy(), nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*internal.Session, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if err != nil {
		if err == backend.Nil {
			return nil, internal.ErrNotFound
		}
		return nil, internal.NewStorageError("redis.get", err)
	}
	var sess internal.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, internal.NewStorageError("redis.unmarshal", err)
	}
	return &sess, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, partial json.RawMessage) (*internal.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := internal.ApplyPartial(sess, partial); err != nil {
		return nil, err
	}
	sess.LastActivity = time.Now().UTC()
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess.Copy(), nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	sess, err := s.Get(ctx, id)
	if err == internal.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(id))
	if sess.UserID != "" {
		pipe.ZRem(ctx, s.userKey(sess.UserID), id)
	}
	pipe.ZRem(ctx, s.expiryKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, internal.NewStorageError("redis.delete", err)
	}
	return true, nil
}

func (s *RedisStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*internal.Session, error) {
	// most recently active first; over-fetch to cover entries Redis already expired
	ids, err := s.client.ZRevRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, internal.NewStorageError("redis.list", err)
	}
	now := time.Now()
	var sessions []*internal.Session
	skipped := 0
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err == internal.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if opts.ActiveOnly && sess.Expired(now) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		sessions = append(sessions, sess)
		if len(sessions) >= opts.limit() {
			break
		}
	}
	return sessions, nil
}

func (s *RedisStore) Cleanup(ctx context.Context) (int, error) {
	now := time.Now()
	max := strconv.FormatInt(now.Unix(), 10)
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &backend.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, internal.NewStorageError("redis.cleanup", err)
	}
	count := 0
	for _, id := range ids {
		removed, err := s.Delete(ctx, id)
		if err != nil {
			return count, err
		}
		if removed {
			count++
		}
		// the blob may have been TTL-evicted already; the index entry still counts
		if !removed {
			if err := s.client.ZRem(ctx, s.expiryKey(), id).Err(); err != nil {
				return count, internal.NewStorageError("redis.cleanup", err)
			}
			count++
		}
	}
	return count, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ SessionStore = (*RedisStore)(nil)
var _ SessionStore = (*MemoryStore)(nil)
var _ SessionStore = (*PostgresStore)(nil)

// String implements fmt.Stringer for debug logging.
func (s *RedisStore) String() string {
	return fmt.Sprintf("RedisStore(prefix=%s)", s.prefix)
}
