// Package realtime is the reference streaming backend: the WebSocket gateway, the SSE handler, the
// turn runner that streams model output as protocol frames, and session persistence.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	v1 "counsel/shared/contracts/stream/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a SessionStore backed by PostgreSQL.
//
// PostgresStore does NOT own the pgx pool: the caller closes it, so Close is a no-op.
// Appends are serialized per session with a transactional advisory lock so seq stays
// strictly monotonic without gaps.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "counsel").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed SessionStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "counsel"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema and tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	sessions := pgIdent(s.schema, "sessions")
	messages := pgIdent(s.schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  owner_id   TEXT NOT NULL,
  title      TEXT,
  chat_type  TEXT NOT NULL,
  status     TEXT NOT NULL CHECK (status IN ('ACTIVE', 'ARCHIVED', 'CLOSED')),
  next_seq   BIGINT NOT NULL DEFAULT 1,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner_type_status
  ON %s (owner_id, chat_type, status, updated_at DESC);

CREATE TABLE IF NOT EXISTS %s (
  session_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  seq        BIGINT NOT NULL,
  id         TEXT NOT NULL UNIQUE,
  sender     TEXT NOT NULL CHECK (sender IN ('USER', 'AI')),
  content    TEXT NOT NULL CHECK (char_length(content) > 0),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (session_id, seq)
);
`, pgx.Identifier{s.schema}.Sanitize(), sessions, sessions, messages, sessions)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("realtime: migrate: %w", err)
	}
	return nil
}

const sessionCols = `id, owner_id, title, chat_type, status, created_at, updated_at`

func scanSession(row pgx.Row) (StoredSession, error) {
	var out StoredSession
	err := row.Scan(&out.ID, &out.OwnerID, &out.Title, &out.ChatType, &out.Status, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredSession{}, ErrSessionNotFound
	}
	return out, err
}

func (s *PostgresStore) CreateSession(ctx context.Context, in CreateSessionInput) (StoredSession, error) {
	if strings.TrimSpace(in.OwnerID) == "" || strings.TrimSpace(in.ChatType) == "" {
		return StoredSession{}, ErrInvalidInput
	}
	now := nowOr(in.Now)

	id, err := NewSessionID(now)
	if err != nil {
		return StoredSession{}, fmt.Errorf("session id: %w", err)
	}

	return scanSession(s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "sessions")+` (id, owner_id, title, chat_type, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 RETURNING `+sessionCols,
		id, in.OwnerID, in.Title, in.ChatType, v1.StatusActive, now,
	))
}

func (s *PostgresStore) GetSession(ctx context.Context, ownerID, sessionID string) (StoredSession, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM `+pgIdent(s.schema, "sessions")+` WHERE id = $1 AND owner_id = $2`,
		sessionID, ownerID,
	))
}

func (s *PostgresStore) ListSessions(ctx context.Context, in ListSessionsInput) ([]StoredSession, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return nil, ErrInvalidInput
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionCols+`
		   FROM `+pgIdent(s.schema, "sessions")+`
		  WHERE owner_id = $1 AND chat_type = $2 AND status = $3
		  ORDER BY updated_at DESC, id DESC`,
		in.OwnerID, in.ChatType, in.Status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]StoredSession, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetStatus(ctx context.Context, in SetStatusInput) (StoredSession, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return StoredSession{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sessions := pgIdent(s.schema, "sessions")

	cur, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM `+sessions+` WHERE id = $1 AND owner_id = $2 FOR UPDATE`,
		in.SessionID, in.OwnerID,
	))
	if err != nil {
		return StoredSession{}, err
	}
	if !CanTransition(cur.Status, in.Status) {
		return StoredSession{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, in.Status)
	}
	if cur.Status == in.Status {
		return cur, tx.Commit(ctx)
	}

	next, err := scanSession(tx.QueryRow(ctx,
		`UPDATE `+sessions+` SET status = $2, updated_at = $3 WHERE id = $1 RETURNING `+sessionCols,
		in.SessionID, in.Status, nowOr(in.Now),
	))
	if err != nil {
		return StoredSession{}, err
	}
	return next, tx.Commit(ctx)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (StoredMessage, error) {
	if in.SessionID == "" || in.Content == "" || !validSender(in.Sender) {
		return StoredMessage{}, ErrInvalidInput
	}
	now := nowOr(in.Now)

	id, err := NewMessageID(now)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("message id: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return StoredMessage{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.SessionID); err != nil {
		return StoredMessage{}, fmt.Errorf("advisory lock: %w", err)
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE `+pgIdent(s.schema, "sessions")+`
		    SET next_seq = next_seq + 1,
		        updated_at = $2
		  WHERE id = $1
		RETURNING (next_seq - 1)`,
		in.SessionID, now,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredMessage{}, ErrSessionNotFound
	}
	if err != nil {
		return StoredMessage{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "messages")+` (session_id, seq, id, sender, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		in.SessionID, seq, id, in.Sender, in.Content, now,
	); err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return StoredMessage{}, err
	}
	return StoredMessage{
		ID:        id,
		SessionID: in.SessionID,
		Seq:       seq,
		Sender:    in.Sender,
		Content:   in.Content,
		CreatedAt: now,
	}, nil
}

func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.SessionID == "" {
		return FetchHistoryResult{}, ErrInvalidInput
	}
	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1
	messages := pgIdent(s.schema, "messages")
	const cols = `session_id, seq, id, sender, content, created_at`

	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case in.Latest:
		rows, err = s.pool.Query(ctx,
			`SELECT `+cols+` FROM `+messages+` WHERE session_id = $1 ORDER BY seq DESC LIMIT $2`,
			in.SessionID, fetch)
	case in.AfterSeq != nil:
		rows, err = s.pool.Query(ctx,
			`SELECT `+cols+` FROM `+messages+` WHERE session_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
			in.SessionID, *in.AfterSeq, fetch)
	default:
		rows, err = s.pool.Query(ctx,
			`SELECT `+cols+` FROM `+messages+` WHERE session_id = $1 ORDER BY seq ASC LIMIT $2`,
			in.SessionID, fetch)
	}
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, fetch)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.SessionID, &m.Seq, &m.ID, &m.Sender, &m.Content, &m.CreatedAt); err != nil {
			return FetchHistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	if len(msgs) == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+pgIdent(s.schema, "sessions")+` WHERE id = $1)`, in.SessionID,
		).Scan(&exists); err != nil {
			return FetchHistoryResult{}, err
		}
		if !exists {
			return FetchHistoryResult{}, ErrSessionNotFound
		}
		return FetchHistoryResult{}, nil
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if in.Latest {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// compile-time checks
var (
	_ SessionStore = (*PostgresStore)(nil)
	_ SessionStore = (*InMemoryStore)(nil)
)
