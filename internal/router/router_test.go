package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zela-agent/internal/cache"
	"zela-agent/internal/catalog"
	"zela-agent/internal/domain"
	"zela-agent/internal/repository/memstore"
	"zela-agent/internal/retry"
)

type fakeCompleter struct {
	responses []string
	errs      []error
	prompts   []string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	i := len(f.prompts)
	f.prompts = append(f.prompts, prompt)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return "upstream error" }
func (e *statusErr) HTTPStatusCode() int { return e.code }

func noSleep(context.Context, time.Duration) error { return nil }

func newTestRouter(t *testing.T, fc *fakeCompleter, opts ...Option) *Router {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	base := []Option{WithRetry(retry.New(retry.DefaultPolicy(), retry.WithSleep(noSleep)))}
	r, err := New(c, fc, append(base, opts...)...)
	require.NoError(t, err)
	return r
}

func TestNew_ValidatesDependencies(t *testing.T) {
	c, err := catalog.Default()
	require.NoError(t, err)
	_, err = New(nil, &fakeCompleter{})
	require.Error(t, err)
	_, err = New(c, nil)
	require.Error(t, err)
}

func TestClassify_ValidTransaction(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{"endpointIndex":0,"params":{"descricao":"mercado","valor":50,"tipo":"despesa"},"confidence":0.93}`}}
	r := newTestRouter(t, fc)

	d, err := r.Classify(context.Background(), "gastei 50 no mercado", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ServiceTransaction, d.ServiceID)
	require.InDelta(t, 0.93, d.Confidence, 1e-9)
	require.Equal(t, "mercado", d.ExtractedFields["descricao"])
}

func TestClassify_ProseWrappedNullEndpointIsNoAction(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`Here is the JSON: {"endpointIndex": null, "params": {}} thanks`}}
	r := newTestRouter(t, fc)

	_, err := r.Classify(context.Background(), "bom dia", nil)
	require.ErrorIs(t, err, ErrNoAction)
}

func TestClassify_UnknownEndpointFallsBackToQuery(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{"endpointIndex":7,"params":{"x":1},"confidence":0.99}`}}
	r := newTestRouter(t, fc)

	d, err := r.Classify(context.Background(), " quanto gastei? ", nil)
	require.NoError(t, err)
	require.Equal(t, Fallback("quanto gastei?"), d)
	require.Equal(t, domain.ServiceQuery, d.ServiceID)
	require.Equal(t, 0.5, d.Confidence)
}

func TestClassify_UnknownServiceIDFallsBackToQuery(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{"serviceId":"transfer","params":{}}`}}
	r := newTestRouter(t, fc)

	d, err := r.Classify(context.Background(), "transfere 10", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ServiceQuery, d.ServiceID)
}

func TestClassify_LowConfidenceInvalidFallsBack(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{"endpointIndex":0,"params":{"descricao":"x","valor":"50"},"confidence":0.4}`}}
	r := newTestRouter(t, fc)

	d, err := r.Classify(context.Background(), "gastei 50", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ServiceQuery, d.ServiceID)
}

func TestClassify_ConfidentInvalidReportsValidationErrors(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{"endpointIndex":0,"params":{"descricao":"x","valor":"50"},"confidence":0.9}`}}
	r := newTestRouter(t, fc)

	d, err := r.Classify(context.Background(), "gastei 50", nil)
	var verr *catalog.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{"valor: expected number, got string"}, verr.Errors)
	require.Equal(t, domain.ServiceTransaction, d.ServiceID)
}

func TestClassifyFor_KeepsPartialFieldsOfDraftService(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{"endpointIndex":0,"params":{"valor":42.5},"confidence":0.6}`}}
	r := newTestRouter(t, fc)

	d, err := r.ClassifyFor(context.Background(), "foi 42,50", nil, domain.ServiceTransaction)
	require.NoError(t, err)
	require.Equal(t, domain.ServiceTransaction, d.ServiceID)
	require.Equal(t, 0.6, d.Confidence)
	require.Equal(t, map[string]any{"valor": 42.5}, d.ExtractedFields)
}

func TestClassifyFor_OtherServiceResolvesAsClassify(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{"endpointIndex":0,"params":{"descricao":"x"},"confidence":0.4}`}}
	r := newTestRouter(t, fc)

	d, err := r.ClassifyFor(context.Background(), "gastei", nil, domain.ServiceSchedule)
	require.NoError(t, err)
	require.Equal(t, domain.ServiceQuery, d.ServiceID)

	fc = &fakeCompleter{responses: []string{`{"endpointIndex":null,"params":{}}`}}
	r = newTestRouter(t, fc)
	_, err = r.ClassifyFor(context.Background(), "ok", nil, domain.ServiceTransaction)
	require.ErrorIs(t, err, ErrNoAction)
}

func TestClassify_RetriesTransientFailures(t *testing.T) {
	fc := &fakeCompleter{
		errs:      []error{&statusErr{code: 503}, errors.New("read: connection reset by peer")},
		responses: []string{"", "", `{"endpointIndex":2,"params":{},"confidence":1}`},
	}
	r := newTestRouter(t, fc)

	d, err := r.Classify(context.Background(), "saldo", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ServiceQuery, d.ServiceID)
	require.Len(t, fc.prompts, 3)
}

func TestClassify_NonRetryableFailsFast(t *testing.T) {
	fc := &fakeCompleter{errs: []error{&statusErr{code: 401}}, responses: []string{""}}
	r := newTestRouter(t, fc)

	_, err := r.Classify(context.Background(), "saldo", nil)
	var se *statusErr
	require.ErrorAs(t, err, &se)
	require.Len(t, fc.prompts, 1)
}

func TestClassify_UnparseableIsError(t *testing.T) {
	fc := &fakeCompleter{responses: []string{"sorry"}}
	r := newTestRouter(t, fc)

	_, err := r.Classify(context.Background(), "saldo", nil)
	require.ErrorIs(t, err, ErrUnparseable)
	require.Len(t, fc.prompts, 1)
}

func TestClassify_CacheSkipsCompletion(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{"endpointIndex":2,"params":{"periodo":"mes"},"confidence":0.8}`}}
	c, err := cache.New(memstore.New())
	require.NoError(t, err)
	r := newTestRouter(t, fc, WithCache(c, time.Hour))
	ctx := context.Background()

	first, err := r.Classify(ctx, "Quanto gastei no mês?", nil)
	require.NoError(t, err)
	second, err := r.Classify(ctx, "quanto  gastei no mês?", nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, fc.prompts, 1)
}

func TestClassify_PromptEmbedsCatalogAndHistory(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{"endpointIndex":null,"params":{}}`}}
	r := newTestRouter(t, fc, WithHistoryTurns(2))
	history := []domain.Turn{
		{Text: "oldest turn"},
		{Text: "gastei 10 no café", ServiceID: domain.ServiceTransaction, Outcome: "staged"},
		{Text: "sim", ServiceID: domain.ServiceTransaction, Outcome: "executed"},
	}

	_, err := r.Classify(context.Background(), "e ontem?", history)
	require.ErrorIs(t, err, ErrNoAction)
	prompt := fc.prompts[0]
	require.Contains(t, prompt, "0) Registrar transação (transaction)")
	require.Contains(t, prompt, "2) Consultar (query)")
	require.Contains(t, prompt, "- user: gastei 10 no café [transaction: staged]")
	require.NotContains(t, prompt, "oldest turn")
	require.True(t, strings.Contains(prompt, "e ontem?"))
}

func TestDispatcher(t *testing.T) {
	var gotUser string
	d, err := NewDispatcher(map[domain.ServiceID]Handler{
		domain.ServiceQuery: func(_ context.Context, fields map[string]any, userID string) (any, error) {
			gotUser = userID
			return fields["pergunta"], nil
		},
	})
	require.NoError(t, err)

	out, err := d.Execute(context.Background(), Fallback("saldo?"), "u1")
	require.NoError(t, err)
	require.Equal(t, "saldo?", out)
	require.Equal(t, "u1", gotUser)

	_, err = d.Execute(context.Background(), domain.RouteDecision{ServiceID: domain.ServiceSchedule}, "u1")
	require.ErrorIs(t, err, ErrHandlerNotRegistered)

	_, err = d.Execute(context.Background(), domain.RouteDecision{ServiceID: "transfer"}, "u1")
	require.ErrorIs(t, err, ErrHandlerNotRegistered)
}

func TestNewDispatcher_RejectsUnknownOrNil(t *testing.T) {
	_, err := NewDispatcher(map[domain.ServiceID]Handler{"transfer": func(context.Context, map[string]any, string) (any, error) { return nil, nil }})
	require.Error(t, err)
	_, err = NewDispatcher(map[domain.ServiceID]Handler{domain.ServiceQuery: nil})
	require.Error(t, err)
}
