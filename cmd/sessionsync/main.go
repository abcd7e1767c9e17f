package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	sessionsync "github.com/agentx/sessionsync"
	"github.com/agentx/sessionsync/internal"
	"github.com/agentx/sessionsync/persist"
	"github.com/agentx/sessionsync/pubsub"
	"github.com/agentx/sessionsync/store"
	"github.com/agentx/sessionsync/store/migrations"
	"github.com/agentx/sessionsync/syncer"
)

const version = "0.1.0"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// logListener narrates session lifecycle notifications. Downstream consumers
// (analytics, export) subscribe the same way.
type logListener struct{}

func (logListener) OnSessionCreated(p *pubsub.SessionCreated) {
	logger.Info().Str("session", p.SessionID).Str("user", p.UserID).Msg("session created")
}
func (logListener) OnSessionUpdated(p *pubsub.SessionUpdated) {
	logger.Info().Str("session", p.SessionID).Msg("session updated")
}
func (logListener) OnSessionDeleted(p *pubsub.SessionDeleted) {
	logger.Info().Str("session", p.SessionID).Msg("session deleted")
}
func (logListener) OnDeviceRegistered(p *pubsub.DeviceRegistered) {
	logger.Info().Str("device", p.DeviceID).Msg("device registered for sync")
}
func (logListener) OnSyncEventsBroadcast(p *pubsub.SyncEventsBroadcast) {
	logger.Info().Str("session", p.SessionID).Str("device", p.DeviceID).Int("events", p.NumEvents).Msg("sync events delivered")
}
func (logListener) OnConflictsResolved(p *pubsub.ConflictsResolved) {
	logger.Info().Str("session", p.SessionID).Int("conflicts", p.NumConflicts).Str("strategy", p.Strategy).Msg("conflicts resolved")
}
func (logListener) OnExpiredSessionsCleanedUp(p *pubsub.ExpiredSessionsCleanedUp) {
	logger.Info().Int("sessions", p.NumSessions).Msg("expired sessions cleaned up")
}

var (
	flagBindAddr  = flag.String("bind", envOr("SESSIONSYNC_BIND", ":8009"), "Bind address for the metrics/health server")
	flagPostgres  = flag.String("db", envOr("SESSIONSYNC_DB", ""), "Postgres connection string for the primary store (see lib/pq docs); empty uses an in-memory store")
	flagRedis     = flag.String("redis", envOr("SESSIONSYNC_REDIS", ""), "Redis address for the secondary store; empty disables replication")
	flagSentryDSN = flag.String("sentry", envOr("SESSIONSYNC_SENTRY_DSN", ""), "Sentry DSN; empty disables sentry")
	flagOTLPURL   = flag.String("otlp", envOr("SESSIONSYNC_OTLP_URL", ""), "OTLP collector URL; empty disables tracing")
	flagOTLPUser  = flag.String("otlp-user", envOr("SESSIONSYNC_OTLP_USERNAME", ""), "OTLP basic auth username")
	flagOTLPPass  = flag.String("otlp-pass", envOr("SESSIONSYNC_OTLP_PASSWORD", ""), "OTLP basic auth password")
	flagTTL       = flag.Duration("ttl", envDurationOr("SESSIONSYNC_DEFAULT_TTL", 24*time.Hour), "Default session TTL")
	flagSync      = flag.Bool("sync", envOr("SESSIONSYNC_DISABLE_SYNC", "") == "", "Enable cross-device synchronization")
	flagBackup    = flag.String("backup", envOr("SESSIONSYNC_BACKUP_PATH", ""), "Path for periodic session snapshots; empty disables backups")
	flagRestore   = flag.String("restore", envOr("SESSIONSYNC_RESTORE", ""), "Snapshot file to load into the primary store on boot (Postgres only)")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func main() {
	flag.Parse()

	if *flagSentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     *flagSentryDSN,
			Release: "sessionsync@" + version,
		}); err != nil {
			panic(err)
		}
		defer sentry.Flush(2 * time.Second)
	}
	if *flagOTLPURL != "" {
		if err := internal.ConfigureOTLP(*flagOTLPURL, *flagOTLPUser, *flagOTLPPass, version); err != nil {
			panic(err)
		}
	}

	var primary store.SessionStore
	if *flagPostgres != "" {
		pg := store.NewPostgresStore(*flagPostgres)
		if err := migrations.Up(context.Background(), pg.DB().DB); err != nil {
			panic(err)
		}
		if *flagRestore != "" {
			sessions, takenAt, err := persist.ReadBackup(*flagRestore)
			if err != nil {
				panic(err)
			}
			if err := pg.CreateBatch(context.Background(), sessions); err != nil {
				panic(err)
			}
			logger.Info().Int("sessions", len(sessions)).Time("taken_at", takenAt).Msg("restored snapshot into primary store")
		}
		primary = pg
	} else {
		primary = store.NewMemoryStore()
	}
	var secondary store.SessionStore
	if *flagRedis != "" {
		secondary = store.NewRedisStore(*flagRedis, envOr("SESSIONSYNC_REDIS_PASSWORD", ""), 0)
	}

	bus := pubsub.NewPubSub(100)
	sub := pubsub.NewSessionsSub(bus, &logListener{})
	go func() {
		if err := sub.Listen(); err != nil {
			panic(err)
		}
	}()
	notifier := pubsub.NewPromNotifier(bus, "pubsub")
	facade := sessionsync.New(primary, secondary, notifier, sessionsync.Config{
		DefaultTTL:      *flagTTL,
		EnableSync:      *flagSync,
		CleanupInterval: time.Hour,
		Persist: persist.Config{
			ReplicationInterval: 30 * time.Second,
			BackupPath:          *flagBackup,
			BackupInterval:      15 * time.Minute,
			EnablePrometheus:    true,
		},
		Sync: syncer.Config{
			DrainInterval:    time.Second,
			EnablePrometheus: true,
		},
	})
	facade.Run()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		facade.Stop()
		notifier.Close()
		primary.Close()
		if secondary != nil {
			secondary.Close()
		}
		os.Exit(0)
	}()

	sessionsync.RunObservabilityServer(facade, *flagBindAddr)
}
