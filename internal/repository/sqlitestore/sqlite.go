// Package sqlitestore implements every pipeline store on a local SQLite
// database, for the dev server and single-host deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"zela-agent/internal/domain"
)

// Store implements the cache, state, confirmation, queue, metrics and
// history stores using SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and initialises the schema.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open database: %w", err)
	}

	// One connection serialises writers, so claims never race.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		ttl_ms INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
	CREATE INDEX IF NOT EXISTS idx_cache_kind ON cache_entries(kind);

	CREATE TABLE IF NOT EXISTS conversation_states (
		user_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		scratch TEXT,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_states_expires ON conversation_states(expires_at);

	CREATE TABLE IF NOT EXISTS pending_confirmations (
		user_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		candidates_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		source_message_id TEXT
	);

	CREATE TABLE IF NOT EXISTS queued_messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		raw_text TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		claimed_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		result_json TEXT,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_queue_status_enqueued ON queued_messages(status, enqueued_at);

	CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		message_kind TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		success INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL,
		details_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_user_recorded ON metrics(user_id, recorded_at);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		text TEXT NOT NULL,
		service_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_user_created ON turns(user_id, created_at);

	CREATE TABLE IF NOT EXISTS conversation_meta (
		user_id TEXT PRIMARY KEY,
		turns INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawFromNull(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func affected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ---- cache ----

func (s *Store) GetCacheEntry(ctx context.Context, key string) (domain.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cache_key, kind, payload, created_at, ttl_ms
		FROM cache_entries WHERE cache_key = ?`, key)

	var (
		e              domain.CacheEntry
		payload        string
		created, ttlMs int64
	)
	err := row.Scan(&e.Key, &e.Kind, &payload, &created, &ttlMs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CacheEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("sqlitestore: scan cache row: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	e.CreatedAt = fromUnixNano(created)
	e.TTL = time.Duration(ttlMs) * time.Millisecond
	return e, nil
}

func (s *Store) PutCacheEntry(ctx context.Context, e domain.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO cache_entries (cache_key, kind, payload, created_at, ttl_ms, expires_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(cache_key) DO UPDATE SET
		kind = excluded.kind,
		payload = excluded.payload,
		created_at = excluded.created_at,
		ttl_ms = excluded.ttl_ms,
		expires_at = excluded.expires_at`,
		e.Key, e.Kind, string(e.Payload), unixNano(e.CreatedAt), e.TTL.Milliseconds(), unixNano(e.ExpiresAt()))
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int, error) {
	n, err := affected(s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, unixNano(now)))
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: delete expired cache entries: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteCacheEntriesByKind(ctx context.Context, kind string) (int, error) {
	n, err := affected(s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE kind = ?`, kind))
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: delete cache entries by kind: %w", err)
	}
	return n, nil
}

// ---- conversation state ----

func (s *Store) GetConversationState(ctx context.Context, userID string) (domain.ConversationState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, state, scratch, updated_at, expires_at
		FROM conversation_states WHERE user_id = ?`, userID)

	var (
		st               domain.ConversationState
		kind             string
		scratch          sql.NullString
		updated, expires int64
	)
	err := row.Scan(&st.UserID, &kind, &scratch, &updated, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConversationState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("sqlitestore: scan state row: %w", err)
	}
	st.State = domain.StateKind(kind)
	st.Scratch = rawFromNull(scratch)
	st.UpdatedAt = fromUnixNano(updated)
	st.ExpiresAt = fromUnixNano(expires)
	return st, nil
}

func (s *Store) PutConversationState(ctx context.Context, st domain.ConversationState) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO conversation_states (user_id, state, scratch, updated_at, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		state = excluded.state,
		scratch = excluded.scratch,
		updated_at = excluded.updated_at,
		expires_at = excluded.expires_at`,
		st.UserID, string(st.State), nullableJSON(st.Scratch), unixNano(st.UpdatedAt), unixNano(st.ExpiresAt))
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert state: %w", err)
	}
	return nil
}

func (s *Store) DeleteConversationState(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("sqlitestore: delete state: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredConversationStates(ctx context.Context, now time.Time) (int, error) {
	n, err := affected(s.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE expires_at <= ?`, unixNano(now)))
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: delete expired states: %w", err)
	}
	return n, nil
}

// ---- pending confirmations ----

func (s *Store) GetPendingConfirmation(ctx context.Context, userID string) (domain.PendingConfirmation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, token, candidates_json, created_at, source_message_id
		FROM pending_confirmations WHERE user_id = ?`, userID)

	var (
		p          domain.PendingConfirmation
		candidates string
		created    int64
		source     sql.NullString
	)
	err := row.Scan(&p.UserID, &p.Token, &candidates, &created, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PendingConfirmation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PendingConfirmation{}, fmt.Errorf("sqlitestore: scan confirmation row: %w", err)
	}
	if err := json.Unmarshal([]byte(candidates), &p.Candidates); err != nil {
		return domain.PendingConfirmation{}, fmt.Errorf("sqlitestore: decode candidates: %w", err)
	}
	p.CreatedAt = fromUnixNano(created)
	p.SourceMessageID = source.String
	return p, nil
}

func (s *Store) PutPendingConfirmation(ctx context.Context, p domain.PendingConfirmation) error {
	candidates, err := json.Marshal(p.Candidates)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal candidates: %w", err)
	}
	var source any
	if p.SourceMessageID != "" {
		source = p.SourceMessageID
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO pending_confirmations (user_id, token, candidates_json, created_at, source_message_id)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		token = excluded.token,
		candidates_json = excluded.candidates_json,
		created_at = excluded.created_at,
		source_message_id = excluded.source_message_id`,
		p.UserID, p.Token, string(candidates), unixNano(p.CreatedAt), source)
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert confirmation: %w", err)
	}
	return nil
}

func (s *Store) DeletePendingConfirmation(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_confirmations WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("sqlitestore: delete confirmation: %w", err)
	}
	return nil
}

func (s *Store) DeletePendingConfirmationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := affected(s.db.ExecContext(ctx, `DELETE FROM pending_confirmations WHERE created_at <= ?`, unixNano(cutoff)))
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: delete old confirmations: %w", err)
	}
	return n, nil
}
