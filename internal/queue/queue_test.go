package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zela-agent/internal/domain"
	"zela-agent/internal/repository/memstore"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	seq := 0
	restore := newID
	newID = func() (string, error) {
		seq++
		return fmt.Sprintf("msg-%03d", seq), nil
	}
	t.Cleanup(func() { newID = restore })
	q, err := New(memstore.New(), append([]Option{WithClock(clk.Now)}, opts...)...)
	require.NoError(t, err)
	return q, clk
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestEnqueue_RequiresUser(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), "", "oi")
	require.Error(t, err)
}

func TestClaimNext_FIFO(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()
	first, err := q.Enqueue(ctx, "u1", "primeira")
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := q.Enqueue(ctx, "u2", "segunda")
	require.NoError(t, err)

	msg, ok, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, msg.ID)
	require.Equal(t, domain.QueueProcessing, msg.Status)
	require.Equal(t, 1, msg.Attempts)

	msg, ok, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second, msg.ID)

	_, ok, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimNext_SameInstantKeepsInsertionOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "u1", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		msg, ok, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("m%d", i), msg.RawText)
	}
}

func TestClaimNext_BudgetSpentByUnacknowledgedClaims(t *testing.T) {
	q, clk := newTestQueue(t, WithMaxAttempts(3))
	ctx := context.Background()
	id, err := q.Enqueue(ctx, "u1", "oi")
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		msg, ok, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, id, msg.ID)
		require.Equal(t, attempt, msg.Attempts)
		require.Less(t, msg.Attempts-1, q.MaxAttempts())

		// The worker vanishes; maintenance puts the item back.
		clk.Advance(time.Hour)
		n, err := q.RequeueStale(ctx, 30*time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	_, ok, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.QueuePending, got.Status)
	require.Equal(t, 3, got.Attempts)
}

func TestComplete(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	id, err := q.Enqueue(ctx, "u1", "oi")
	require.NoError(t, err)
	_, _, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, id, json.RawMessage(`{"ok":true}`)))
	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.QueueDone, got.Status)
	require.JSONEq(t, `{"ok":true}`, string(got.Result))

	err = q.Complete(ctx, id, nil)
	require.ErrorIs(t, err, ErrNotClaimed)
	require.ErrorIs(t, q.Fail(ctx, id, errors.New("late")), ErrNotClaimed)
}

func TestFail_IsTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	id, err := q.Enqueue(ctx, "u1", "oi")
	require.NoError(t, err)
	_, _, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, id, errors.New("handler not registered")))
	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.QueueFailed, got.Status)
	require.Equal(t, "handler not registered", got.Error)

	_, ok, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAcknowledgeUnknownID(t *testing.T) {
	q, _ := newTestQueue(t)
	err := q.Complete(context.Background(), "missing", nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRelease_RetriesUntilBudgetThenFails(t *testing.T) {
	q, _ := newTestQueue(t, WithMaxAttempts(2))
	ctx := context.Background()
	id, err := q.Enqueue(ctx, "u1", "oi")
	require.NoError(t, err)

	msg, _, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	to, err := q.Release(ctx, msg, errors.New("i/o timeout"))
	require.NoError(t, err)
	require.Equal(t, domain.QueuePending, to)

	msg, ok, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, msg.Attempts)
	to, err = q.Release(ctx, msg, errors.New("i/o timeout"))
	require.NoError(t, err)
	require.Equal(t, domain.QueueFailed, to)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.QueueFailed, got.Status)
}

func TestStatsAndSweep(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()
	done, err := q.Enqueue(ctx, "u1", "a")
	require.NoError(t, err)
	failed, err := q.Enqueue(ctx, "u1", "b")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "u1", "c")
	require.NoError(t, err)

	_, _, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, done, nil))
	_, _, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, failed, errors.New("x")))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 1, Done: 1, Failed: 1}, stats)
	require.Equal(t, 3, stats.Total())

	clk.Advance(8 * 24 * time.Hour)
	n, err := q.SweepOlderThan(ctx, DefaultRetention)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 1}, stats)

	n, err = q.SweepOlderThan(ctx, time.Hour, domain.QueuePending)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
