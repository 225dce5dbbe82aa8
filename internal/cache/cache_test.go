package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zela-agent/internal/domain"
	"zela-agent/internal/repository/memstore"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

type brokenStore struct{ err error }

func (b brokenStore) GetCacheEntry(context.Context, string) (domain.CacheEntry, error) {
	return domain.CacheEntry{}, b.err
}
func (b brokenStore) PutCacheEntry(context.Context, domain.CacheEntry) error { return b.err }
func (b brokenStore) DeleteExpiredCacheEntries(context.Context, time.Time) (int, error) {
	return 0, b.err
}
func (b brokenStore) DeleteCacheEntriesByKind(context.Context, string) (int, error) {
	return 0, b.err
}

func newTestCache(t *testing.T, clk *fakeClock) *Cache {
	t.Helper()
	c, err := New(memstore.New(), WithClock(clk.Now), WithTTL(time.Hour))
	require.NoError(t, err)
	return c
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "gastei 50 no mercado", Normalize("  Gastei   50\tno\nMERCADO "))
	long := strings.Repeat("á", MaxKeyTextLen+20)
	require.Equal(t, MaxKeyTextLen, len([]rune(Normalize(long))))
}

func TestKey_StableAcrossFormatting(t *testing.T) {
	require.Equal(t, Key("Gastei 50  reais", "route"), Key("gastei 50 reais", "route"))
	require.NotEqual(t, Key("gastei 50 reais", "route"), Key("gastei 50 reais", "reply"))
	require.NotEqual(t, Key("gastei 50 reais", "route"), Key("gastei 60 reais", "route"))
}

func TestGet_DistinctMessagesDoNotShareEntries(t *testing.T) {
	c := newTestCache(t, newClock())
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "gastei 50 no mercado", "route", json.RawMessage(`"v1"`), 0))

	miss := c.Get(ctx, "gastei 60 no mercado", "route")
	require.False(t, miss.Hit)
	require.NoError(t, miss.Err)

	hit := c.Get(ctx, "GASTEI 50   no mercado", "route")
	require.True(t, hit.Hit)
	require.JSONEq(t, `"v1"`, string(hit.Payload))
}

func TestGet_MissAfterTTLWithoutSweep(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "msg", "route", json.RawMessage(`1`), 10*time.Minute))

	clk.Advance(10*time.Minute - time.Second)
	require.True(t, c.Get(ctx, "msg", "route").Hit)

	clk.Advance(time.Second)
	require.False(t, c.Get(ctx, "msg", "route").Hit)
}

func TestPut_Upserts(t *testing.T) {
	c := newTestCache(t, newClock())
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "msg", "route", json.RawMessage(`1`), 0))
	require.NoError(t, c.Put(ctx, "msg", "route", json.RawMessage(`2`), 0))
	require.JSONEq(t, `2`, string(c.Get(ctx, "msg", "route").Payload))
}

func TestSweepExpiredAndClear(t *testing.T) {
	clk := newClock()
	c := newTestCache(t, clk)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "a", "route", json.RawMessage(`1`), time.Minute))
	require.NoError(t, c.Put(ctx, "b", "route", json.RawMessage(`1`), time.Hour))
	require.NoError(t, c.Put(ctx, "c", "reply", json.RawMessage(`1`), time.Hour))

	clk.Advance(2 * time.Minute)
	n, err := c.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = c.Clear(ctx, "route")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, c.Get(ctx, "c", "reply").Hit)
}

func TestBrokenStore_FailuresAreSwallowed(t *testing.T) {
	boom := errors.New("table unavailable")
	c, err := New(brokenStore{err: boom})
	require.NoError(t, err)
	ctx := context.Background()

	got := c.Get(ctx, "msg", "route")
	require.False(t, got.Hit)
	require.ErrorIs(t, got.Err, boom)
	require.ErrorIs(t, c.Put(ctx, "msg", "route", json.RawMessage(`1`), 0), boom)

	calls := 0
	out, err := WithCache(ctx, c, "msg", "route", 0, func(context.Context) (string, error) {
		calls++
		return "fresh", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", out)
	require.Equal(t, 1, calls)

	_, err = c.SweepExpired(ctx)
	require.ErrorIs(t, err, boom)
}

func TestWithCache_HitSkipsOperation(t *testing.T) {
	c := newTestCache(t, newClock())
	ctx := context.Background()
	calls := 0
	op := func(context.Context) (map[string]int, error) {
		calls++
		return map[string]int{"n": calls}, nil
	}

	first, err := WithCache(ctx, c, "msg", "route", 0, op)
	require.NoError(t, err)
	second, err := WithCache(ctx, c, "  MSG ", "route", 0, op)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, first, second)
}

func TestWithCache_ErrorIsNotCached(t *testing.T) {
	c := newTestCache(t, newClock())
	ctx := context.Background()
	boom := errors.New("upstream")
	_, err := WithCache(ctx, c, "msg", "route", 0, func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	require.False(t, c.Get(ctx, "msg", "route").Hit)
}

func TestWithCache_UndecodablePayloadIsMiss(t *testing.T) {
	c := newTestCache(t, newClock())
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "msg", "route", json.RawMessage(`"text"`), 0))
	out, err := WithCache(ctx, c, "msg", "route", 0, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 7, out)
}

func TestWithCache_NilCacheRunsOperation(t *testing.T) {
	out, err := WithCache(context.Background(), nil, "msg", "route", 0, func(context.Context) (int, error) { return 3, nil })
	require.NoError(t, err)
	require.Equal(t, 3, out)
}
