package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/agentx/sessionsync/internal"
	"github.com/agentx/sessionsync/sqlutil"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Max number of parameters in a single SQL command
const MaxPostgresParameters = 65535

type sessionRow struct {
	ID                  string    `db:"id"`
	UserID              string    `db:"user_id"`
	CreatedAt           time.Time `db:"created_at"`
	LastActivity        time.Time `db:"last_activity"`
	ExpiresAt           time.Time `db:"expires_at"`
	BrowserState        []byte    `db:"browser_state"`
	ConversationHistory []byte    `db:"conversation_history"`
	Preferences         []byte    `db:"preferences"`
	Metadata            []byte    `db:"metadata"`
	DeviceInfo          []byte    `db:"device_info"`
}

func (r *sessionRow) session() *internal.Session {
	return &internal.Session{
		ID:                  r.ID,
		UserID:              r.UserID,
		CreatedAt:           r.CreatedAt,
		LastActivity:        r.LastActivity,
		ExpiresAt:           r.ExpiresAt,
		BrowserState:        json.RawMessage(r.BrowserState),
		ConversationHistory: json.RawMessage(r.ConversationHistory),
		Preferences:         json.RawMessage(r.Preferences),
		Metadata:            json.RawMessage(r.Metadata),
		DeviceInfo:          json.RawMessage(r.DeviceInfo),
	}
}

func rowFromSession(s *internal.Session) *sessionRow {
	return &sessionRow{
		ID:                  s.ID,
		UserID:              s.UserID,
		CreatedAt:           s.CreatedAt.UTC(),
		LastActivity:        s.LastActivity.UTC(),
		ExpiresAt:           s.ExpiresAt.UTC(),
		BrowserState:        orEmptyObject(s.BrowserState),
		ConversationHistory: orEmptyArray(s.ConversationHistory),
		Preferences:         orEmptyObject(s.Preferences),
		Metadata:            orEmptyObject(s.Metadata),
		DeviceInfo:          orEmptyObject(s.DeviceInfo),
	}
}

func orEmptyObject(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte(`{}`)
	}
	return b
}

func orEmptyArray(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte(`[]`)
	}
	return b
}

// PostgresStore is the durable relational backend and the single source of
// truth when used as the coordinator's primary store.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(postgresURI string) *PostgresStore {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewPostgresStoreWithDB(db)
}

func NewPostgresStoreWithDB(db *sqlx.DB) *PostgresStore {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS sessionsync_sessions (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		last_activity TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		browser_state JSONB NOT NULL DEFAULT '{}',
		conversation_history JSONB NOT NULL DEFAULT '[]',
		preferences JSONB NOT NULL DEFAULT '{}',
		metadata JSONB NOT NULL DEFAULT '{}',
		device_info JSONB NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS sessionsync_sessions_user_idx ON sessionsync_sessions(user_id, last_activity DESC);
	CREATE INDEX IF NOT EXISTS sessionsync_sessions_expiry_idx ON sessionsync_sessions(expires_at);
	`)
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle for migrations and tests.
func (p *PostgresStore) DB() *sqlx.DB { return p.db }

func (p *PostgresStore) Create(ctx context.Context, s *internal.Session) (*internal.Session, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	row := rowFromSession(s)
	_, err := p.db.NamedExecContext(ctx, `
	INSERT INTO sessionsync_sessions
	(id, user_id, created_at, last_activity, expires_at, browser_state, conversation_history, preferences, metadata, device_info)
	VALUES (:id, :user_id, :created_at, :last_activity, :expires_at, :browser_state, :conversation_history, :preferences, :metadata, :device_info)`,
		row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, &internal.ValidationError{Field: "id", Reason: "already exists"}
		}
		return nil, internal.NewStorageError("create", err)
	}
	return row.session(), nil
}

type sessionRowChunker []sessionRow

func (s sessionRowChunker) Len() int {
	return len(s)
}
func (s sessionRowChunker) Subslice(i, j int) sqlutil.Chunker {
	return s[i:j]
}

// CreateBatch upserts many sessions in one transaction, chunking the multi-row
// insert to stay under Postgres' bound-parameter limit. Existing rows are
// overwritten, so replaying a backup converges on the snapshot state.
func (p *PostgresStore) CreateBatch(ctx context.Context, sessions []*internal.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	rows := make(sessionRowChunker, 0, len(sessions))
	for _, s := range sessions {
		if err := s.Validate(); err != nil {
			return err
		}
		rows = append(rows, *rowFromSession(s))
	}
	chunks := sqlutil.Chunkify(10, MaxPostgresParameters, rows)
	err := sqlutil.WithTransaction(p.db, func(txn *sqlx.Tx) error {
		for _, chunk := range chunks {
			if _, err := txn.NamedExecContext(ctx, `
			INSERT INTO sessionsync_sessions
			(id, user_id, created_at, last_activity, expires_at, browser_state, conversation_history, preferences, metadata, device_info)
			VALUES (:id, :user_id, :created_at, :last_activity, :expires_at, :browser_state, :conversation_history, :preferences, :metadata, :device_info)
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				created_at = EXCLUDED.created_at,
				last_activity = EXCLUDED.last_activity,
				expires_at = EXCLUDED.expires_at,
				browser_state = EXCLUDED.browser_state,
				conversation_history = EXCLUDED.conversation_history,
				preferences = EXCLUDED.preferences,
				metadata = EXCLUDED.metadata,
				device_info = EXCLUDED.device_info`,
				chunk.(sessionRowChunker)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return internal.NewStorageError("create_batch", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*internal.Session, error) {
	var row sessionRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM sessionsync_sessions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internal.ErrNotFound
		}
		return nil, internal.NewStorageError("get", err)
	}
	return row.session(), nil
}

// Update performs a read-merge-write inside a transaction, locking the row so
// two API instances cannot interleave their merges. This is the only isolation
// the subsystem relies on; there is no distributed locking above it.
func (p *PostgresStore) Update(ctx context.Context, id string, partial json.RawMessage) (result *internal.Session, err error) {
	err = sqlutil.WithTransaction(p.db, func(txn *sqlx.Tx) error {
		var row sessionRow
		if err := txn.GetContext(ctx, &row, `SELECT * FROM sessionsync_sessions WHERE id = $1 FOR UPDATE`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return internal.ErrNotFound
			}
			return internal.NewStorageError("update.select", err)
		}
		s := row.session()
		if err := internal.ApplyPartial(s, partial); err != nil {
			return err
		}
		s.LastActivity = time.Now().UTC()
		updated := rowFromSession(s)
		if _, err := txn.NamedExecContext(ctx, `
		UPDATE sessionsync_sessions SET
			user_id = :user_id,
			last_activity = :last_activity,
			expires_at = :expires_at,
			browser_state = :browser_state,
			conversation_history = :conversation_history,
			preferences = :preferences,
			metadata = :metadata,
			device_info = :device_info
		WHERE id = :id`, updated); err != nil {
			return internal.NewStorageError("update.write", err)
		}
		result = updated.session()
		return nil
	})
	return
}

func (p *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessionsync_sessions WHERE id = $1`, id)
	if err != nil {
		return false, internal.NewStorageError("delete", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*internal.Session, error) {
	query := `SELECT * FROM sessionsync_sessions WHERE user_id = $1`
	if opts.ActiveOnly {
		query += ` AND (expires_at <= $4 OR expires_at > now())`
	}
	query += ` ORDER BY last_activity DESC LIMIT $2 OFFSET $3`
	args := []interface{}{userID, opts.limit(), opts.Offset}
	if opts.ActiveOnly {
		args = append(args, time.Time{})
	}
	var rows []sessionRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, internal.NewStorageError("list", err)
	}
	sessions := make([]*internal.Session, len(rows))
	for i := range rows {
		sessions[i] = rows[i].session()
	}
	return sessions, nil
}

func (p *PostgresStore) Cleanup(ctx context.Context) (int, error) {
	// a zero expires_at means no expiry
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM sessionsync_sessions WHERE expires_at > $1 AND expires_at < now()`, time.Time{})
	if err != nil {
		return 0, internal.NewStorageError("cleanup", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
