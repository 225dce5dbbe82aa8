// Package storetest holds behaviour checks shared by every store
// implementation.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zela-agent/internal/domain"
)

// Store is the union of every persistence contract in the pipeline.
type Store interface {
	GetCacheEntry(ctx context.Context, key string) (domain.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry domain.CacheEntry) error
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int, error)
	DeleteCacheEntriesByKind(ctx context.Context, kind string) (int, error)

	GetConversationState(ctx context.Context, userID string) (domain.ConversationState, error)
	PutConversationState(ctx context.Context, st domain.ConversationState) error
	DeleteConversationState(ctx context.Context, userID string) error
	DeleteExpiredConversationStates(ctx context.Context, now time.Time) (int, error)

	GetPendingConfirmation(ctx context.Context, userID string) (domain.PendingConfirmation, error)
	PutPendingConfirmation(ctx context.Context, p domain.PendingConfirmation) error
	DeletePendingConfirmation(ctx context.Context, userID string) error
	DeletePendingConfirmationsBefore(ctx context.Context, cutoff time.Time) (int, error)

	InsertQueuedMessage(ctx context.Context, msg domain.QueuedMessage) error
	ClaimOldestQueuedMessage(ctx context.Context, maxAttempts int, now time.Time) (domain.QueuedMessage, error)
	FinishQueuedMessage(ctx context.Context, id string, to domain.QueueStatus, result json.RawMessage, errMsg string, now time.Time) error
	GetQueuedMessage(ctx context.Context, id string) (domain.QueuedMessage, error)
	CountQueuedMessages(ctx context.Context) (map[domain.QueueStatus]int, error)
	RequeueStaleQueuedMessages(ctx context.Context, claimedBefore, now time.Time) (int, error)
	DeleteQueuedMessagesBefore(ctx context.Context, cutoff time.Time, statuses []domain.QueueStatus) (int, error)

	InsertMetric(ctx context.Context, m domain.Metric) error
	ListMetrics(ctx context.Context, userID string, since time.Time) ([]domain.Metric, error)
	DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int, error)

	AppendTurn(ctx context.Context, turn domain.Turn) error
	RecentTurns(ctx context.Context, userID string, limit int) ([]domain.Turn, error)
	TurnCount(ctx context.Context, userID string) (int, error)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises s through every namespace. newStore must return an empty
// store on each call.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("cache", func(t *testing.T) { testCache(t, newStore(t)) })
	t.Run("state", func(t *testing.T) { testState(t, newStore(t)) })
	t.Run("confirmation", func(t *testing.T) { testConfirmation(t, newStore(t)) })
	t.Run("queue", func(t *testing.T) { testQueue(t, newStore(t)) })
	t.Run("metrics", func(t *testing.T) { testMetrics(t, newStore(t)) })
	t.Run("history", func(t *testing.T) { testHistory(t, newStore(t)) })
}

func testCache(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.GetCacheEntry(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	short := domain.CacheEntry{Key: "a", Kind: "route", Payload: json.RawMessage(`{"v":1}`), CreatedAt: t0, TTL: time.Minute}
	long := domain.CacheEntry{Key: "b", Kind: "other", Payload: json.RawMessage(`{"v":2}`), CreatedAt: t0, TTL: time.Hour}
	require.NoError(t, s.PutCacheEntry(ctx, short))
	require.NoError(t, s.PutCacheEntry(ctx, long))

	got, err := s.GetCacheEntry(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "route", got.Kind)
	require.JSONEq(t, `{"v":1}`, string(got.Payload))
	require.True(t, got.CreatedAt.Equal(t0))
	require.Equal(t, time.Minute, got.TTL)

	short.Payload = json.RawMessage(`{"v":3}`)
	require.NoError(t, s.PutCacheEntry(ctx, short))
	got, err = s.GetCacheEntry(ctx, "a")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":3}`, string(got.Payload))

	n, err := s.DeleteExpiredCacheEntries(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.DeleteCacheEntriesByKind(ctx, "other")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = s.GetCacheEntry(ctx, "b")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testState(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.GetConversationState(ctx, "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	st := domain.ConversationState{
		UserID:    "u1",
		State:     domain.StateAwaitingInput,
		Scratch:   json.RawMessage(`{"x":1}`),
		UpdatedAt: t0,
		ExpiresAt: t0.Add(10 * time.Minute),
	}
	require.NoError(t, s.PutConversationState(ctx, st))
	st.State = domain.StateConfirming
	require.NoError(t, s.PutConversationState(ctx, st))

	got, err := s.GetConversationState(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StateConfirming, got.State)
	require.JSONEq(t, `{"x":1}`, string(got.Scratch))
	require.True(t, got.ExpiresAt.Equal(st.ExpiresAt))

	require.NoError(t, s.PutConversationState(ctx, domain.ConversationState{UserID: "u2", State: domain.StateInitial, UpdatedAt: t0, ExpiresAt: t0.Add(time.Minute)}))
	n, err := s.DeleteExpiredConversationStates(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, s.DeleteConversationState(ctx, "u1"))
	require.NoError(t, s.DeleteConversationState(ctx, "u1"))
	_, err = s.GetConversationState(ctx, "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testConfirmation(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.GetPendingConfirmation(ctx, "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	p := domain.PendingConfirmation{
		UserID: "u1",
		Token:  "t1",
		Candidates: []domain.TransactionCandidate{
			{ServiceID: domain.ServiceTransaction, Fields: map[string]any{"descricao": "mercado", "valor": 50.0}},
		},
		CreatedAt:       t0,
		SourceMessageID: "m1",
	}
	require.NoError(t, s.PutPendingConfirmation(ctx, p))
	got, err := s.GetPendingConfirmation(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, p.Token, got.Token)
	require.Equal(t, p.Candidates, got.Candidates)
	require.Equal(t, "m1", got.SourceMessageID)

	p.Token = "t2"
	p.CreatedAt = t0.Add(time.Minute)
	require.NoError(t, s.PutPendingConfirmation(ctx, p))
	got, err = s.GetPendingConfirmation(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "t2", got.Token)

	n, err := s.DeletePendingConfirmationsBefore(ctx, t0)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = s.DeletePendingConfirmationsBefore(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, s.DeletePendingConfirmation(ctx, "u1"))
}

func enqueue(t *testing.T, s Store, id string, at time.Time) {
	t.Helper()
	require.NoError(t, s.InsertQueuedMessage(context.Background(), domain.QueuedMessage{
		ID:         id,
		UserID:     "u1",
		RawText:    "msg " + id,
		EnqueuedAt: at,
		UpdatedAt:  at,
		Status:     domain.QueuePending,
	}))
}

func testQueue(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.ClaimOldestQueuedMessage(ctx, 3, t0)
	require.ErrorIs(t, err, domain.ErrNotFound)

	enqueue(t, s, "q2", t0.Add(time.Second))
	enqueue(t, s, "q1", t0)
	enqueue(t, s, "q3", t0.Add(time.Second))
	require.ErrorIs(t, s.InsertQueuedMessage(ctx, domain.QueuedMessage{ID: "q1", Status: domain.QueuePending}), domain.ErrConflict)

	first, err := s.ClaimOldestQueuedMessage(ctx, 3, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "q1", first.ID)
	require.Equal(t, domain.QueueProcessing, first.Status)
	require.Equal(t, 1, first.Attempts)
	require.True(t, first.ClaimedAt.Equal(t0.Add(time.Minute)))

	second, err := s.ClaimOldestQueuedMessage(ctx, 3, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "q2", second.ID, "ties break by insertion order")

	require.NoError(t, s.FinishQueuedMessage(ctx, "q1", domain.QueueDone, json.RawMessage(`{"ok":true}`), "", t0.Add(2*time.Minute)))
	require.ErrorIs(t, s.FinishQueuedMessage(ctx, "q1", domain.QueueFailed, nil, "late", t0.Add(3*time.Minute)), domain.ErrConflict)
	require.ErrorIs(t, s.FinishQueuedMessage(ctx, "nope", domain.QueueDone, nil, "", t0), domain.ErrNotFound)

	done, err := s.GetQueuedMessage(ctx, "q1")
	require.NoError(t, err)
	require.Equal(t, domain.QueueDone, done.Status)
	require.JSONEq(t, `{"ok":true}`, string(done.Result))

	n, err := s.RequeueStaleQueuedMessages(ctx, t0.Add(2*time.Minute), t0.Add(4*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	requeued, err := s.GetQueuedMessage(ctx, "q2")
	require.NoError(t, err)
	require.Equal(t, domain.QueuePending, requeued.Status)
	require.Equal(t, 1, requeued.Attempts)

	counts, err := s.CountQueuedMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[domain.QueuePending])
	require.Equal(t, 1, counts[domain.QueueDone])

	// maxAttempts of 1 excludes q2, which already spent its attempt.
	next, err := s.ClaimOldestQueuedMessage(ctx, 1, t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, "q3", next.ID)

	n, err = s.DeleteQueuedMessagesBefore(ctx, t0.Add(time.Hour), []domain.QueueStatus{domain.QueueDone, domain.QueueFailed})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = s.GetQueuedMessage(ctx, "q1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testMetrics(t *testing.T, s Store) {
	ctx := context.Background()
	for i, user := range []string{"u1", "u1", "u2"} {
		errMsg := ""
		if i == 1 {
			errMsg = "boom"
		}
		require.NoError(t, s.InsertMetric(ctx, domain.Metric{
			UserID:      user,
			MessageKind: "text",
			DurationMs:  int64(100 * (i + 1)),
			Success:     errMsg == "",
			Error:       errMsg,
			RecordedAt:  t0.Add(time.Duration(i) * time.Hour),
			Details:     json.RawMessage(`{"i":1}`),
		}))
	}

	all, err := s.ListMetrics(ctx, "", t0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	mine, err := s.ListMetrics(ctx, "u1", t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.False(t, mine[0].Success)
	require.Equal(t, "boom", mine[0].Error)
	require.Equal(t, int64(200), mine[0].DurationMs)
	require.JSONEq(t, `{"i":1}`, string(mine[0].Details))

	n, err := s.DeleteMetricsBefore(ctx, t0.Add(90*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func testHistory(t *testing.T, s Store) {
	ctx := context.Background()
	turns, err := s.RecentTurns(ctx, "u1", 2)
	require.NoError(t, err)
	require.Empty(t, turns)

	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendTurn(ctx, domain.Turn{
			UserID:    "u1",
			Text:      text,
			ServiceID: domain.ServiceQuery,
			Outcome:   "ok",
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.AppendTurn(ctx, domain.Turn{UserID: "u2", Text: "other", CreatedAt: t0}))

	turns, err = s.RecentTurns(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "two", turns[0].Text)
	require.Equal(t, "three", turns[1].Text)
	require.Equal(t, domain.ServiceQuery, turns[1].ServiceID)

	n, err := s.TurnCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
