// Package persist owns the persistence coordinator: a primary store fronted by
// a TTL read cache, with an optional secondary store kept eventually consistent
// through a background replication queue.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/agentx/sessionsync/internal"
	"github.com/agentx/sessionsync/pubsub"
	"github.com/agentx/sessionsync/store"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Config struct {
	// CacheTimeout bounds how long a cache entry is served without consulting
	// the primary store. Entries are refreshed on every successful read.
	CacheTimeout time.Duration
	// ReplicationInterval is how often the pending-replication set is flushed
	// to the secondary store. 0 disables the background flush; call Flush
	// directly (tests do this).
	ReplicationInterval time.Duration
	// StorageTimeout bounds every storage backend call. A timed-out call is
	// treated as a storage failure and falls through to the fallback path.
	StorageTimeout time.Duration
	// ReplicationWorkers is the size of the worker pool mirroring sessions to
	// the secondary store.
	ReplicationWorkers int
	// BackupInterval and BackupPath configure the periodic snapshot of the hot
	// session set. Zero interval or empty path disables backups.
	BackupInterval time.Duration
	BackupPath     string

	EnablePrometheus bool
}

func (c *Config) defaults() {
	if c.CacheTimeout == 0 {
		c.CacheTimeout = 5 * time.Minute
	}
	if c.StorageTimeout == 0 {
		c.StorageTimeout = 30 * time.Second
	}
	if c.ReplicationWorkers == 0 {
		c.ReplicationWorkers = 4
	}
}

// Coordinator makes session reads fast and session writes durable. The primary
// store is the single source of truth; the cache and secondary store are
// derived copies. Writes either succeed against the primary or fail loudly;
// reads trade consistency for availability by falling back to cache/secondary.
type Coordinator struct {
	primary   store.SessionStore
	secondary store.SessionStore // may be nil
	cache     *ttlcache.Cache[string, *internal.Session]
	notifier  pubsub.Notifier
	cfg       Config

	mu      sync.Mutex
	pending map[string]struct{} // session ids awaiting replication

	pool *internal.WorkerPool
	done chan struct{}

	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	degradedReads prometheus.Counter
	queueSize     prometheus.Gauge
}

func NewCoordinator(primary, secondary store.SessionStore, notifier pubsub.Notifier, cfg Config) *Coordinator {
	cfg.defaults()
	c := &Coordinator{
		primary:   primary,
		secondary: secondary,
		notifier:  notifier,
		cfg:       cfg,
		pending:   make(map[string]struct{}),
		pool:      internal.NewWorkerPool(cfg.ReplicationWorkers),
		done:      make(chan struct{}),
		cache: ttlcache.New[string, *internal.Session](
			ttlcache.WithTTL[string, *internal.Session](cfg.CacheTimeout),
		),
	}
	if cfg.EnablePrometheus {
		c.addPrometheusMetrics()
	}
	// replication work can be queued before Run (e.g a create racing startup),
	// so the workers and the cache janitor start now
	c.pool.Start()
	go c.cache.Start()
	return c
}

func (c *Coordinator) addPrometheusMetrics() {
	c.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessionsync", Subsystem: "persist", Name: "cache_hits",
		Help: "Number of session reads served from the cache",
	})
	c.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessionsync", Subsystem: "persist", Name: "cache_misses",
		Help: "Number of session reads that consulted a store",
	})
	c.degradedReads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessionsync", Subsystem: "persist", Name: "degraded_reads",
		Help: "Number of reads served by the secondary store after a primary failure",
	})
	c.queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessionsync", Subsystem: "persist", Name: "replication_queue_size",
		Help: "Session ids awaiting replication to the secondary store",
	})
	prometheus.MustRegister(c.cacheHits, c.cacheMisses, c.degradedReads, c.queueSize)
}

// Run drives the periodic replication and backup tickers. Blocks until Stop is
// called.
func (c *Coordinator) Run() {
	var replicate <-chan time.Time
	if c.secondary != nil && c.cfg.ReplicationInterval > 0 {
		t := time.NewTicker(c.cfg.ReplicationInterval)
		defer t.Stop()
		replicate = t.C
	}
	var backup <-chan time.Time
	if c.cfg.BackupInterval > 0 && c.cfg.BackupPath != "" {
		t := time.NewTicker(c.cfg.BackupInterval)
		defer t.Stop()
		backup = t.C
	}
	for {
		select {
		case <-c.done:
			return
		case <-replicate:
			c.Flush(context.Background())
		case <-backup:
			if err := c.writeBackup(); err != nil {
				logger.Err(err).Str("path", c.cfg.BackupPath).Msg("session backup failed")
			}
		}
	}
}

func (c *Coordinator) Stop() {
	close(c.done)
	c.cache.Stop()
	c.pool.Stop()
	if c.cfg.EnablePrometheus {
		prometheus.Unregister(c.cacheHits)
		prometheus.Unregister(c.cacheMisses)
		prometheus.Unregister(c.degradedReads)
		prometheus.Unregister(c.queueSize)
	}
}

func (c *Coordinator) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.StorageTimeout)
}

func (c *Coordinator) inc(counter prometheus.Counter) {
	if counter != nil {
		counter.Inc()
	}
}

// Create writes to the primary store, populates the cache and queues a mirror
// to the secondary store. Fails only if the primary write fails.
func (c *Coordinator) Create(ctx context.Context, s *internal.Session) (*internal.Session, error) {
	ctx, span := internal.StartSpan(ctx, "Coordinator.Create")
	defer span.End()
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	created, err := c.primary.Create(octx, s)
	if err != nil {
		return nil, err
	}
	c.cache.Set(created.ID, created.Copy(), ttlcache.DefaultTTL)
	c.markPending(created.ID)
	return created, nil
}

// Get checks the cache first, then the primary, then the secondary. A primary
// failure is logged and masked when a fallback copy exists; every successful
// read refreshes the cache entry.
func (c *Coordinator) Get(ctx context.Context, id string) (*internal.Session, error) {
	ctx, span := internal.StartSpan(ctx, "Coordinator.Get")
	defer span.End()
	if item := c.cache.Get(id); item != nil {
		c.inc(c.cacheHits)
		return item.Value().Copy(), nil
	}
	c.inc(c.cacheMisses)
	s, err := c.readThrough(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Set(id, s.Copy(), ttlcache.DefaultTTL)
	return s, nil
}

// readThrough reads primary-then-secondary without touching the cache.
func (c *Coordinator) readThrough(ctx context.Context, id string) (*internal.Session, error) {
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	s, err := c.primary.Get(octx, id)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, internal.ErrNotFound) {
		// the primary is authoritative for absence, but a replica may still
		// hold a copy the primary lost
		if c.secondary == nil {
			return nil, internal.ErrNotFound
		}
	} else {
		if c.secondary == nil {
			return nil, err
		}
		logger.Warn().Err(err).Str("session", id).Msg("primary read failed, serving degraded read from secondary")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		c.inc(c.degradedReads)
	}
	sctx, cancel2 := c.opCtx(ctx)
	defer cancel2()
	s, serr := c.secondary.Get(sctx, id)
	if serr != nil {
		if errors.Is(serr, internal.ErrNotFound) {
			return nil, internal.ErrNotFound
		}
		// both stores down: surface the primary's failure
		return nil, err
	}
	return s, nil
}

// Update merges the partial document into the current session and writes the
// result to the primary. If the session only survives on the secondary (e.g a
// restored replica), the merged result is re-seeded into the primary.
func (c *Coordinator) Update(ctx context.Context, id string, partial json.RawMessage) (*internal.Session, error) {
	ctx, span := internal.StartSpan(ctx, "Coordinator.Update")
	defer span.End()
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	updated, err := c.primary.Update(octx, id, partial)
	if err != nil {
		if !errors.Is(err, internal.ErrNotFound) {
			return nil, err
		}
		current, rerr := c.readThrough(ctx, id)
		if rerr != nil {
			return nil, internal.ErrNotFound
		}
		merged := current.Copy()
		if aerr := internal.ApplyPartial(merged, partial); aerr != nil {
			return nil, aerr
		}
		merged.LastActivity = time.Now().UTC()
		cctx, cancel2 := c.opCtx(ctx)
		defer cancel2()
		if updated, err = c.primary.Create(cctx, merged); err != nil {
			return nil, err
		}
	}
	internal.Assert("update preserves lastActivity >= createdAt", !updated.LastActivity.Before(updated.CreatedAt))
	c.cache.Set(id, updated.Copy(), ttlcache.DefaultTTL)
	c.markPending(id)
	return updated, nil
}

// Delete removes the session from the primary, best-effort deletes from the
// secondary, evicts the cache entry and cancels any pending replication.
func (c *Coordinator) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := internal.StartSpan(ctx, "Coordinator.Delete")
	defer span.End()
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	existed, err := c.primary.Delete(octx, id)
	if err != nil {
		return false, err
	}
	c.cache.Delete(id)
	c.unmarkPending(id)
	if c.secondary != nil {
		c.pool.Queue(func() {
			dctx, cancel := context.WithTimeout(context.Background(), c.cfg.StorageTimeout)
			defer cancel()
			if _, err := c.secondary.Delete(dctx, id); err != nil {
				logger.Warn().Err(err).Str("session", id).Msg("secondary delete failed")
			}
		})
	}
	return existed, nil
}

// ListByUser lists a user's sessions from the primary. A primary failure
// falls back to the secondary's (possibly lagging) view rather than failing
// the read.
func (c *Coordinator) ListByUser(ctx context.Context, userID string, opts store.ListOptions) ([]*internal.Session, error) {
	ctx, span := internal.StartSpan(ctx, "Coordinator.ListByUser")
	defer span.End()
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	sessions, err := c.primary.ListByUser(octx, userID, opts)
	if err == nil || c.secondary == nil {
		return sessions, err
	}
	logger.Warn().Err(err).Str("user", userID).Msg("primary list failed, serving degraded list from secondary")
	internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
	c.inc(c.degradedReads)
	sctx, cancel2 := c.opCtx(ctx)
	defer cancel2()
	return c.secondary.ListByUser(sctx, userID, opts)
}

// CleanupExpired delegates to both stores' own expiry sweep, then evicts cache
// entries past the cache timeout regardless of session expiry. Returns the
// primary's sweep count.
func (c *Coordinator) CleanupExpired(ctx context.Context) (int, error) {
	ctx, span := internal.StartSpan(ctx, "Coordinator.CleanupExpired")
	defer span.End()
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	count, err := c.primary.Cleanup(octx)
	if err != nil {
		return 0, err
	}
	if c.secondary != nil {
		sctx, cancel2 := c.opCtx(ctx)
		defer cancel2()
		if n, serr := c.secondary.Cleanup(sctx); serr != nil {
			logger.Warn().Err(serr).Msg("secondary cleanup failed")
		} else if n > 0 {
			logger.Info().Int("count", n).Msg("secondary cleanup swept sessions")
		}
	}
	c.cache.DeleteExpired()
	if c.notifier != nil && count > 0 {
		if err := c.notifier.Notify(pubsub.ChanSessions, &pubsub.ExpiredSessionsCleanedUp{NumSessions: count}); err != nil {
			logger.Warn().Err(err).Msg("failed to notify expired sessions cleanup")
		}
	}
	return count, nil
}

func (c *Coordinator) markPending(id string) {
	if c.secondary == nil {
		return
	}
	c.mu.Lock()
	c.pending[id] = struct{}{}
	n := len(c.pending)
	c.mu.Unlock()
	if c.queueSize != nil {
		c.queueSize.Set(float64(n))
	}
}

func (c *Coordinator) unmarkPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()
	if c.queueSize != nil {
		c.queueSize.Set(float64(n))
	}
}

// PendingReplication returns how many session ids await replication.
func (c *Coordinator) PendingReplication() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush drains the pending-replication set into the secondary store. Failures
// are logged, captured and re-queued for the next flush, never surfaced:
// secondary storage is a fallback, not a strict-consistency replica.
func (c *Coordinator) Flush(ctx context.Context) {
	if c.secondary == nil {
		return
	}
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.pending = make(map[string]struct{})
	c.mu.Unlock()
	if c.queueSize != nil {
		c.queueSize.Set(0)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		c.pool.Queue(func() {
			defer wg.Done()
			if err := c.mirror(ctx, id); err != nil {
				logger.Warn().Err(err).Str("session", id).Msg("replication failed, re-queueing")
				internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
				c.markPending(id)
			}
		})
	}
	wg.Wait()
}

// mirror copies one session's current primary state onto the secondary.
func (c *Coordinator) mirror(ctx context.Context, id string) error {
	octx, cancel := c.opCtx(ctx)
	defer cancel()
	s, err := c.primary.Get(octx, id)
	if errors.Is(err, internal.ErrNotFound) {
		// deleted since it was queued
		dctx, cancel2 := c.opCtx(ctx)
		defer cancel2()
		_, derr := c.secondary.Delete(dctx, id)
		return derr
	}
	if err != nil {
		return err
	}
	// replace wholesale so the replica is a faithful copy, timestamps included
	uctx, cancel3 := c.opCtx(ctx)
	defer cancel3()
	if _, err := c.secondary.Delete(uctx, id); err != nil {
		return err
	}
	_, err = c.secondary.Create(uctx, s)
	return err
}
