// Package app assembles the processing pipeline from configuration. Every
// entry point builds its service here so that Lambda and the dev server run
// the same wiring over different stores.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"zela-agent/internal/cache"
	"zela-agent/internal/catalog"
	"zela-agent/internal/config"
	"zela-agent/internal/confirm"
	"zela-agent/internal/integrations/backend"
	"zela-agent/internal/integrations/openai"
	"zela-agent/internal/integrations/paramstore"
	"zela-agent/internal/metrics"
	"zela-agent/internal/queue"
	"zela-agent/internal/retry"
	"zela-agent/internal/router"
	"zela-agent/internal/state"
	"zela-agent/internal/usecase"
)

// Store is every persistence contract of the pipeline. The DynamoDB, SQLite
// and in-memory stores all satisfy it.
type Store interface {
	cache.Store
	state.Store
	confirm.Store
	queue.Store
	metrics.Store
	usecase.History
}

// NewProcessService wires the pipeline over store. Secrets (the completion
// API key and the optional backend token) are read through secrets.
func NewProcessService(cfg *config.Config, store Store, secrets paramstore.Getter, logger *slog.Logger) (*usecase.ProcessService, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if store == nil {
		return nil, errors.New("app: store must not be nil")
	}
	if secrets == nil {
		return nil, errors.New("app: secrets getter must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cat, err := catalog.Default()
	if err != nil {
		return nil, fmt.Errorf("app: load catalog: %w", err)
	}
	retrier := retry.New(retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		Multiplier:   cfg.Retry.Multiplier,
		MaxDelay:     cfg.Retry.MaxDelay,
	}, retry.WithLogger(logger))

	resultCache, err := cache.New(store, cache.WithTTL(cfg.Pipeline.CacheTTL), cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: create cache: %w", err)
	}

	openaiOpts := []openai.Option{openai.WithModel(cfg.OpenAIModel)}
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	completer, err := openai.NewClient(secrets, cfg.ParamPrefix, openaiOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create completion client: %w", err)
	}
	rt, err := router.New(cat, completer,
		router.WithCache(resultCache, cfg.Pipeline.CacheTTL),
		router.WithRetry(retrier),
		router.WithHistoryTurns(cfg.Pipeline.HistoryTurns),
		router.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create router: %w", err)
	}

	var backendOpts []backend.Option
	if cfg.BackendTokenParam != "" {
		backendOpts = append(backendOpts, backend.WithToken(secrets, cfg.BackendTokenParam))
	}
	be, err := backend.New(cfg.BackendURL, backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create backend client: %w", err)
	}
	dispatcher, err := router.NewDispatcher(be.Handlers())
	if err != nil {
		return nil, fmt.Errorf("app: create dispatcher: %w", err)
	}

	states, err := state.New(store, state.WithTTL(cfg.Pipeline.StateTTL))
	if err != nil {
		return nil, fmt.Errorf("app: create state manager: %w", err)
	}
	confirmations, err := confirm.New(store, confirm.WithWindow(cfg.Pipeline.ConfirmWindow))
	if err != nil {
		return nil, fmt.Errorf("app: create confirmation manager: %w", err)
	}
	q, err := queue.New(store, queue.WithMaxAttempts(cfg.Pipeline.QueueMaxAttempts), queue.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: create queue: %w", err)
	}
	recorder, err := metrics.New(store, metrics.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("app: create metrics recorder: %w", err)
	}

	return usecase.NewProcessService(usecase.Deps{
		Catalog:    cat,
		Router:     rt,
		Dispatcher: dispatcher,
		State:      states,
		Confirm:    confirmations,
		Queue:      q,
		Metrics:    recorder,
		History:    store,
		Cache:      resultCache,
		Deliverer:  be,
		Retry:      retrier,
	},
		usecase.WithMaxTextLen(cfg.Pipeline.MaxTextLen),
		usecase.WithHistoryTurns(cfg.Pipeline.HistoryTurns),
		usecase.WithStaleAfter(cfg.Pipeline.StaleAfter),
		usecase.WithQueueRetention(cfg.Pipeline.QueueRetention),
		usecase.WithMetricsRetentionDays(cfg.Pipeline.MetricsRetentionDays),
		usecase.WithLogger(logger),
	)
}

// NewLogger returns the JSON logger every entry point installs as default.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
