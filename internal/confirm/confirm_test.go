package confirm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zela-agent/internal/domain"
	"zela-agent/internal/repository/memstore"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, err := New(memstore.New(), WithClock(clk.Now))
	require.NoError(t, err)
	return m, clk
}

func candidate(desc string, valor float64) domain.TransactionCandidate {
	return domain.TransactionCandidate{
		ServiceID: domain.ServiceTransaction,
		Fields:    map[string]any{"descricao": desc, "valor": valor},
	}
}

func TestStage_LastWriteWins(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	first, err := m.Stage(ctx, "u1", []domain.TransactionCandidate{candidate("mercado", 50)}, "wamid.1")
	require.NoError(t, err)
	second, err := m.Stage(ctx, "u1", []domain.TransactionCandidate{candidate("farmácia", 20), candidate("uber", 15)}, "")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	p, ok, err := m.Peek(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second, p.Token)
	require.Len(t, p.Candidates, 2)
	require.Equal(t, "farmácia", p.Candidates[0].Fields["descricao"])
	require.Empty(t, p.SourceMessageID)
}

func TestStage_Validation(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Stage(context.Background(), "", []domain.TransactionCandidate{candidate("x", 1)}, "")
	require.Error(t, err)
	_, err = m.Stage(context.Background(), "u1", nil, "")
	require.Error(t, err)
}

func TestPeek_ExpiredEntryIsPurged(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()
	_, err := m.Stage(ctx, "u1", []domain.TransactionCandidate{candidate("mercado", 50)}, "")
	require.NoError(t, err)

	clk.Advance(DefaultWindow - time.Second)
	_, ok, err := m.Peek(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(time.Second)
	_, ok, err = m.Peek(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)

	clk.now = clk.now.Add(-time.Hour)
	_, ok, err = m.Peek(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok, "expired entry must have been deleted on read")
}

func TestClearAndSweep(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()
	_, err := m.Stage(ctx, "u1", []domain.TransactionCandidate{candidate("a", 1)}, "")
	require.NoError(t, err)
	require.NoError(t, m.Clear(ctx, "u1"))
	_, ok, err := m.Peek(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = m.Stage(ctx, "u2", []domain.TransactionCandidate{candidate("b", 1)}, "")
	require.NoError(t, err)
	clk.Advance(10 * time.Minute)
	n, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestReplyPredicates(t *testing.T) {
	require.True(t, IsConfirmation("confirmar"))
	require.True(t, IsConfirmation("SIM"))
	require.True(t, IsConfirmation("  ok "))
	require.True(t, IsConfirmation("✅"))
	require.True(t, IsConfirmation("Confirmar todos"))
	require.True(t, IsConfirmation("confirm all"))
	require.False(t, IsConfirmation(""))
	require.False(t, IsConfirmation("   "))
	require.False(t, IsConfirmation("simples"))

	require.True(t, IsCancellation("não"))
	require.True(t, IsCancellation("NAO"))
	require.True(t, IsCancellation("n"))
	require.True(t, IsCancellation("cancelar tudo"))
	require.True(t, IsCancellation("❌"))
	require.False(t, IsCancellation("nunca mais"))

	require.True(t, IsEdit("corrigir valor"))
	require.True(t, IsEdit("editar"))
	require.True(t, IsEdit("alterar a data"))
	require.False(t, IsEdit(""))
}

func TestClassify_FixedOrder(t *testing.T) {
	require.Equal(t, ReplyConfirm, Classify("confirm and change the amount"))
	require.Equal(t, ReplyCancel, Classify("cancel edit"))
	require.Equal(t, ReplyEdit, Classify("editar"))
	require.Equal(t, ReplyOther, Classify("gastei 50 no mercado"))
	require.Equal(t, "confirm", ReplyConfirm.String())
	require.Equal(t, "other", ReplyOther.String())
}
