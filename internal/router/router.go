// Package router classifies free-text messages into catalog operations and
// dispatches the resulting decisions.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zela-agent/internal/cache"
	"zela-agent/internal/catalog"
	"zela-agent/internal/domain"
	"zela-agent/internal/retry"
)

const (
	// ConfidenceThreshold is the confidence below which a decision that
	// fails validation is replaced by the query fallback.
	ConfidenceThreshold = 0.7
	fallbackConfidence  = 0.5
	cacheKind           = "route"
)

// ErrNoAction means the completion service found nothing to do. It is not
// a failure.
var ErrNoAction = errors.New("router: no action for message")

// Completer sends a prompt to a completion service and returns its text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Router turns messages into route decisions.
type Router struct {
	catalog      *catalog.Catalog
	completer    Completer
	retry        *retry.Executor
	cache        *cache.Cache
	cacheTTL     time.Duration
	historyTurns int
	logger       *slog.Logger
}

type Option func(*Router)

// WithCache memoizes parsed completions by message content.
func WithCache(c *cache.Cache, ttl time.Duration) Option {
	return func(r *Router) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

func WithRetry(e *retry.Executor) Option {
	return func(r *Router) {
		if e != nil {
			r.retry = e
		}
	}
}

func WithHistoryTurns(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.historyTurns = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New returns a Router over the catalog and completion client.
func New(c *catalog.Catalog, completer Completer, opts ...Option) (*Router, error) {
	if c == nil {
		return nil, errors.New("router: catalog must not be nil")
	}
	if completer == nil {
		return nil, errors.New("router: completer must not be nil")
	}
	r := &Router{
		catalog:      c,
		completer:    completer,
		retry:        retry.New(retry.DefaultPolicy()),
		historyTurns: DefaultHistoryTurns,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Classify asks the completion service which operation message requests.
//
// It returns ErrNoAction when the model selects no endpoint, and a
// *catalog.ValidationError when a confident decision has invalid fields.
// Unknown endpoints and unconfident invalid decisions degrade to a query.
func (r *Router) Classify(ctx context.Context, message string, history []domain.Turn) (domain.RouteDecision, error) {
	raw, err := r.complete(ctx, message, history)
	if err != nil {
		return domain.RouteDecision{}, err
	}
	return r.resolve(message, raw)
}

// ClassifyFor classifies a follow-up to a draft of service id. When the
// model picks id, its fields are returned as extracted, without validation
// or the confidence gate, so the caller can merge them into the draft
// before validating. Any other choice resolves as Classify would.
func (r *Router) ClassifyFor(ctx context.Context, message string, history []domain.Turn, id domain.ServiceID) (domain.RouteDecision, error) {
	raw, err := r.complete(ctx, message, history)
	if err != nil {
		return domain.RouteDecision{}, err
	}
	if def, known, selected := r.lookup(raw); selected && known && def.ID == id {
		return decisionFor(def, raw), nil
	}
	return r.resolve(message, raw)
}

func (r *Router) complete(ctx context.Context, message string, history []domain.Turn) (rawDecision, error) {
	return cache.WithCache(ctx, r.cache, message, cacheKind, r.cacheTTL, func(ctx context.Context) (rawDecision, error) {
		prompt := buildPrompt(r.catalog, message, history, r.historyTurns)
		return retry.Do(ctx, r.retry, func(ctx context.Context) (rawDecision, error) {
			text, err := r.completer.Complete(ctx, prompt)
			if err != nil {
				return rawDecision{}, fmt.Errorf("router: complete: %w", err)
			}
			return parseCompletion(text)
		})
	})
}

func (r *Router) resolve(message string, raw rawDecision) (domain.RouteDecision, error) {
	def, known, selected := r.lookup(raw)
	if !selected {
		return domain.RouteDecision{}, ErrNoAction
	}
	if !known {
		r.logger.Info("unknown endpoint, falling back to query", "endpoint_index", raw.EndpointIndex)
		return Fallback(message), nil
	}

	decision := decisionFor(def, raw)
	res := r.catalog.Validate(def.ID, decision.ExtractedFields)
	if res.Valid {
		return decision, nil
	}
	if decision.Confidence < ConfidenceThreshold {
		r.logger.Info("unconfident invalid decision, falling back to query",
			"service", def.ID, "confidence", decision.Confidence, "errors", res.Errors)
		return Fallback(message), nil
	}
	return decision, res.Err(def.ID)
}

func decisionFor(def catalog.ServiceDefinition, raw rawDecision) domain.RouteDecision {
	confidence := 0.0
	if raw.Confidence != nil {
		confidence = min(max(*raw.Confidence, 0), 1)
	}
	fields := raw.Params
	if fields == nil {
		fields = map[string]any{}
	}
	return domain.RouteDecision{
		ServiceID:       def.ID,
		Confidence:      confidence,
		ExtractedFields: fields,
	}
}

// lookup resolves the selected endpoint. selected is false when the model
// chose nothing; known is false when the choice is not in the catalog.
func (r *Router) lookup(raw rawDecision) (def catalog.ServiceDefinition, known, selected bool) {
	if raw.EndpointIndex != nil {
		def, known = r.catalog.At(*raw.EndpointIndex)
		return def, known, true
	}
	if raw.ServiceID != nil && strings.TrimSpace(*raw.ServiceID) != "" {
		def, known = r.catalog.Lookup(domain.ServiceID(strings.TrimSpace(*raw.ServiceID)))
		return def, known, true
	}
	return catalog.ServiceDefinition{}, false, false
}

// Fallback is the decision used when a message cannot be routed with
// confidence: it is treated as a question.
func Fallback(message string) domain.RouteDecision {
	return domain.RouteDecision{
		ServiceID:       domain.ServiceQuery,
		Confidence:      fallbackConfidence,
		ExtractedFields: map[string]any{"pergunta": strings.TrimSpace(message)},
	}
}
