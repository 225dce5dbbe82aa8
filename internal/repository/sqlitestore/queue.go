package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"zela-agent/internal/domain"
)

// ---- processing queue ----

const queueColumns = `id, user_id, raw_text, status, attempts, enqueued_at, claimed_at, updated_at, result_json, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueued(row rowScanner) (domain.QueuedMessage, error) {
	var (
		msg                        domain.QueuedMessage
		status                     string
		enqueued, claimed, updated int64
		result                     sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.UserID, &msg.RawText, &status, &msg.Attempts,
		&enqueued, &claimed, &updated, &result, &msg.Error)
	if err != nil {
		return domain.QueuedMessage{}, err
	}
	msg.Status = domain.QueueStatus(status)
	msg.EnqueuedAt = fromUnixNano(enqueued)
	msg.ClaimedAt = fromUnixNano(claimed)
	msg.UpdatedAt = fromUnixNano(updated)
	msg.Result = rawFromNull(result)
	return msg, nil
}

func (s *Store) InsertQueuedMessage(ctx context.Context, msg domain.QueuedMessage) error {
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO queued_messages (`+queueColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.UserID, msg.RawText, string(msg.Status), msg.Attempts,
		unixNano(msg.EnqueuedAt), unixNano(msg.ClaimedAt), unixNano(msg.UpdatedAt),
		nullableJSON(msg.Result), msg.Error)
	n, err := affected(res, err)
	if err != nil {
		return fmt.Errorf("sqlitestore: insert queued message: %w", err)
	}
	if n == 0 {
		return domain.ErrConflict
	}
	return nil
}

// ClaimOldestQueuedMessage selects and updates in one statement, so two
// callers never claim the same row.
func (s *Store) ClaimOldestQueuedMessage(ctx context.Context, maxAttempts int, now time.Time) (domain.QueuedMessage, error) {
	row := s.db.QueryRowContext(ctx, `
	UPDATE queued_messages
	SET status = ?, attempts = attempts + 1, claimed_at = ?, updated_at = ?
	WHERE id = (
		SELECT id FROM queued_messages
		WHERE status = ? AND attempts < ?
		ORDER BY enqueued_at ASC, rowid ASC
		LIMIT 1
	)
	RETURNING `+queueColumns,
		string(domain.QueueProcessing), unixNano(now), unixNano(now),
		string(domain.QueuePending), maxAttempts)

	msg, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueuedMessage{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.QueuedMessage{}, fmt.Errorf("sqlitestore: claim queued message: %w", err)
	}
	return msg, nil
}

func (s *Store) FinishQueuedMessage(ctx context.Context, id string, to domain.QueueStatus, result json.RawMessage, errMsg string, now time.Time) error {
	n, err := affected(s.db.ExecContext(ctx, `
	UPDATE queued_messages
	SET status = ?, result_json = ?, error = ?, updated_at = ?
	WHERE id = ? AND status = ?`,
		string(to), nullableJSON(result), errMsg, unixNano(now),
		id, string(domain.QueueProcessing)))
	if err != nil {
		return fmt.Errorf("sqlitestore: finish queued message: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetQueuedMessage(ctx, id); err != nil {
		return err
	}
	return domain.ErrConflict
}

func (s *Store) GetQueuedMessage(ctx context.Context, id string) (domain.QueuedMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queued_messages WHERE id = ?`, id)
	msg, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueuedMessage{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.QueuedMessage{}, fmt.Errorf("sqlitestore: scan queued message: %w", err)
	}
	return msg, nil
}

func (s *Store) CountQueuedMessages(ctx context.Context) (map[domain.QueueStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queued_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: count queued messages: %w", err)
	}
	defer rows.Close()

	counts := map[domain.QueueStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan count row: %w", err)
		}
		counts[domain.QueueStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: iterate count rows: %w", err)
	}
	return counts, nil
}

func (s *Store) RequeueStaleQueuedMessages(ctx context.Context, claimedBefore, now time.Time) (int, error) {
	n, err := affected(s.db.ExecContext(ctx, `
	UPDATE queued_messages SET status = ?, updated_at = ?
	WHERE status = ? AND claimed_at < ?`,
		string(domain.QueuePending), unixNano(now),
		string(domain.QueueProcessing), unixNano(claimedBefore)))
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: requeue stale messages: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteQueuedMessagesBefore(ctx context.Context, cutoff time.Time, statuses []domain.QueueStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, unixNano(cutoff))
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")

	n, err := affected(s.db.ExecContext(ctx,
		`DELETE FROM queued_messages WHERE status IN (`+placeholders+`) AND updated_at < ?`, args...))
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: delete old queued messages: %w", err)
	}
	return n, nil
}

// ---- metrics ----

func (s *Store) InsertMetric(ctx context.Context, m domain.Metric) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO metrics (user_id, message_kind, duration_ms, success, error, recorded_at, details_json)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.UserID, m.MessageKind, m.DurationMs, m.Success, m.Error, unixNano(m.RecordedAt), nullableJSON(m.Details))
	if err != nil {
		return fmt.Errorf("sqlitestore: insert metric: %w", err)
	}
	return nil
}

// ListMetrics returns metrics recorded at or after since, oldest first. An
// empty userID lists every user.
func (s *Store) ListMetrics(ctx context.Context, userID string, since time.Time) ([]domain.Metric, error) {
	query := `
		SELECT user_id, message_kind, duration_ms, success, error, recorded_at, details_json
		FROM metrics WHERE recorded_at >= ?`
	args := []any{unixNano(since)}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY recorded_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.Metric
	for rows.Next() {
		var (
			m        domain.Metric
			recorded int64
			details  sql.NullString
		)
		if err := rows.Scan(&m.UserID, &m.MessageKind, &m.DurationMs, &m.Success, &m.Error, &recorded, &details); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan metric row: %w", err)
		}
		m.RecordedAt = fromUnixNano(recorded)
		m.Details = rawFromNull(details)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: iterate metric rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := affected(s.db.ExecContext(ctx, `DELETE FROM metrics WHERE recorded_at < ?`, unixNano(cutoff)))
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: delete old metrics: %w", err)
	}
	return n, nil
}

// ---- conversation history ----

// AppendTurn inserts the turn and bumps the meta row in one transaction.
func (s *Store) AppendTurn(ctx context.Context, turn domain.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin append turn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO turns (user_id, text, service_id, outcome, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.UserID, turn.Text, string(turn.ServiceID), turn.Outcome, unixNano(turn.CreatedAt)); err != nil {
		return fmt.Errorf("sqlitestore: insert turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO conversation_meta (user_id, turns, last_activity) VALUES (?, 1, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		turns = conversation_meta.turns + 1,
		last_activity = excluded.last_activity`,
		turn.UserID, unixNano(turn.CreatedAt)); err != nil {
		return fmt.Errorf("sqlitestore: upsert conversation meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit append turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit of the user's latest turns in
// chronological order.
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT user_id, text, service_id, outcome, created_at FROM (
		SELECT id, user_id, text, service_id, outcome, created_at
		FROM turns WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	) ORDER BY created_at ASC, id ASC`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: recent turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var (
			t         domain.Turn
			serviceID string
			created   int64
		)
		if err := rows.Scan(&t.UserID, &t.Text, &serviceID, &t.Outcome, &created); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan turn row: %w", err)
		}
		t.ServiceID = domain.ServiceID(serviceID)
		t.CreatedAt = fromUnixNano(created)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: iterate turn rows: %w", err)
	}
	return turns, nil
}

// TurnCount returns the number of turns recorded for the user.
func (s *Store) TurnCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT turns FROM conversation_meta WHERE user_id = ?`, userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: turn count: %w", err)
	}
	return n, nil
}
