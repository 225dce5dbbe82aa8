package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"zela-agent/internal/cache"
	"zela-agent/internal/catalog"
	"zela-agent/internal/confirm"
	"zela-agent/internal/domain"
	"zela-agent/internal/metrics"
	"zela-agent/internal/queue"
	"zela-agent/internal/retry"
	"zela-agent/internal/state"
)

const (
	defaultMaxTextLen       = 2000
	defaultHistoryTurns     = 6
	defaultStaleAfter       = 5 * time.Minute
	defaultDrainBatch       = 10
	defaultMetricsRetention = metrics.DefaultRetentionDays
	failedKind              = "failed"
)

// Classifier routes messages. ClassifyFor handles follow-ups to a draft of
// service id and returns that service's fields unvalidated.
type Classifier interface {
	Classify(ctx context.Context, message string, history []domain.Turn) (domain.RouteDecision, error)
	ClassifyFor(ctx context.Context, message string, history []domain.Turn, id domain.ServiceID) (domain.RouteDecision, error)
}

type Executor interface {
	Execute(ctx context.Context, decision domain.RouteDecision, userID string) (any, error)
}

type History interface {
	AppendTurn(ctx context.Context, turn domain.Turn) error
	RecentTurns(ctx context.Context, userID string, limit int) ([]domain.Turn, error)
	TurnCount(ctx context.Context, userID string) (int, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, outcome domain.Outcome) error
}

// Deps are the collaborators of a ProcessService. Cache and Deliverer are
// optional; Retry defaults to the default policy.
type Deps struct {
	Catalog    *catalog.Catalog
	Router     Classifier
	Dispatcher Executor
	State      *state.Manager
	Confirm    *confirm.Manager
	Queue      *queue.Queue
	Metrics    *metrics.Recorder
	History    History
	Cache      *cache.Cache
	Deliverer  Deliverer
	Retry      *retry.Executor
}

type ProcessService struct {
	catalog    *catalog.Catalog
	router     Classifier
	dispatcher Executor
	state      *state.Manager
	confirm    *confirm.Manager
	queue      *queue.Queue
	metrics    *metrics.Recorder
	history    History
	cache      *cache.Cache
	deliverer  Deliverer
	retry      *retry.Executor

	maxTextLen       int
	historyTurns     int
	staleAfter       time.Duration
	queueRetention   time.Duration
	metricsRetention int
	now              func() time.Time
	logger           *slog.Logger
}

type Option func(*ProcessService)

func WithMaxTextLen(n int) Option {
	return func(s *ProcessService) {
		if n > 0 {
			s.maxTextLen = n
		}
	}
}

// WithHistoryTurns sets how many past turns are handed to the classifier.
// Zero disables history lookups.
func WithHistoryTurns(n int) Option {
	return func(s *ProcessService) {
		if n >= 0 {
			s.historyTurns = n
		}
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(s *ProcessService) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func WithQueueRetention(d time.Duration) Option {
	return func(s *ProcessService) {
		if d > 0 {
			s.queueRetention = d
		}
	}
}

func WithMetricsRetentionDays(days int) Option {
	return func(s *ProcessService) {
		if days > 0 {
			s.metricsRetention = days
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *ProcessService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *ProcessService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewProcessService(d Deps, opts ...Option) (*ProcessService, error) {
	if d.Catalog == nil {
		return nil, errors.New("usecase: catalog must not be nil")
	}
	if d.Router == nil {
		return nil, errors.New("usecase: router must not be nil")
	}
	if d.Dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	if d.State == nil {
		return nil, errors.New("usecase: state manager must not be nil")
	}
	if d.Confirm == nil {
		return nil, errors.New("usecase: confirmation manager must not be nil")
	}
	if d.Queue == nil {
		return nil, errors.New("usecase: queue must not be nil")
	}
	if d.Metrics == nil {
		return nil, errors.New("usecase: metrics recorder must not be nil")
	}
	if d.History == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if d.Retry == nil {
		d.Retry = retry.New(retry.DefaultPolicy())
	}
	s := &ProcessService{
		catalog:          d.Catalog,
		router:           d.Router,
		dispatcher:       d.Dispatcher,
		state:            d.State,
		confirm:          d.Confirm,
		queue:            d.Queue,
		metrics:          d.Metrics,
		history:          d.History,
		cache:            d.Cache,
		deliverer:        d.Deliverer,
		retry:            d.Retry,
		maxTextLen:       defaultMaxTextLen,
		historyTurns:     defaultHistoryTurns,
		staleAfter:       defaultStaleAfter,
		queueRetention:   queue.DefaultRetention,
		metricsRetention: defaultMetricsRetention,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type SubmitInput struct {
	UserID string
	Text   string
}

// Submit validates an inbound message and enqueues it for processing.
func (s *ProcessService) Submit(ctx context.Context, in SubmitInput) (string, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return "", newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return "", newError(ErrorInvalidInput, "empty_text", nil)
	}
	if utf8.RuneCountInString(text) > s.maxTextLen {
		return "", newError(ErrorInvalidInput, "text_too_long", nil)
	}
	id, err := s.queue.Enqueue(ctx, userID, text)
	if err != nil {
		return "", newError(ErrorInternal, "queue_enqueue_error", err)
	}
	return id, nil
}

// ProcessNext claims the oldest eligible message and settles it. It reports
// false when nothing was eligible. A failed message is still reported as
// processed; only queue bookkeeping errors are returned.
func (s *ProcessService) ProcessNext(ctx context.Context) (bool, error) {
	msg, ok, err := s.queue.ClaimNext(ctx)
	if err != nil {
		return false, newError(ErrorInternal, "queue_claim_error", err)
	}
	if !ok {
		return false, nil
	}

	var outcome domain.Outcome
	handleErr := s.metrics.Wrap(ctx, msg.UserID, func(ctx context.Context) (metrics.Entry, error) {
		var err error
		outcome, err = s.Handle(ctx, Message{ID: msg.ID, UserID: msg.UserID, Text: msg.RawText})
		return metricEntry(msg, outcome, err), err
	})

	if handleErr == nil {
		payload, err := json.Marshal(outcome)
		if err != nil {
			return true, newError(ErrorInternal, "outcome_encode_error", err)
		}
		if err := s.queue.Complete(ctx, msg.ID, payload); err != nil {
			return true, newError(ErrorInternal, "queue_complete_error", err)
		}
		s.deliver(ctx, outcome)
		return true, nil
	}

	if s.retryable(handleErr) {
		status, err := s.queue.Release(ctx, msg, handleErr)
		if err != nil {
			return true, newError(ErrorInternal, "queue_release_error", err)
		}
		s.logger.Warn("message released for retry", "id", msg.ID, "attempts", msg.Attempts, "status", status, "err", handleErr)
		if status == domain.QueueFailed {
			s.deliver(ctx, failedOutcome(msg, handleErr))
		}
		return true, nil
	}

	if err := s.queue.Fail(ctx, msg.ID, handleErr); err != nil {
		return true, newError(ErrorInternal, "queue_fail_error", err)
	}
	s.logger.Error("message failed", "id", msg.ID, "user_id", msg.UserID, "err", handleErr)
	s.deliver(ctx, failedOutcome(msg, handleErr))
	return true, nil
}

type metricDetails struct {
	Attempts int                `json:"attempts"`
	Outcome  domain.OutcomeKind `json:"outcome,omitempty"`
	Code     ErrorCode          `json:"code,omitempty"`
}

// metricEntry keys a processed message by the operation it resolved to, or
// by its outcome when no operation was involved.
func metricEntry(msg domain.QueuedMessage, outcome domain.Outcome, err error) metrics.Entry {
	details := metricDetails{Attempts: msg.Attempts}
	if err != nil {
		var uerr *Error
		if errors.As(err, &uerr) {
			details.Code = uerr.Code
		}
		return metrics.Entry{Kind: failedKind, Details: details}
	}
	details.Outcome = outcome.Kind
	kind := string(outcome.ServiceID)
	if kind == "" {
		kind = strings.ToLower(string(outcome.Kind))
	}
	return metrics.Entry{Kind: kind, Details: details}
}

// Drain processes up to limit messages and returns how many were settled.
func (s *ProcessService) Drain(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultDrainBatch
	}
	n := 0
	for n < limit {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := s.ProcessNext(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		n++
	}
	return n, nil
}

// Lookup returns the queue item id.
func (s *ProcessService) Lookup(ctx context.Context, id string) (domain.QueuedMessage, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.QueuedMessage{}, newError(ErrorInvalidInput, "empty_message_id", nil)
	}
	msg, err := s.queue.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.QueuedMessage{}, newError(ErrorNotFound, "message_not_found", err)
	}
	if err != nil {
		return domain.QueuedMessage{}, newError(ErrorInternal, "queue_read_error", err)
	}
	return msg, nil
}

type MaintenanceReport struct {
	Requeued      int `json:"requeued"`
	CacheEntries  int `json:"cacheEntries"`
	States        int `json:"states"`
	Confirmations int `json:"confirmations"`
	QueueItems    int `json:"queueItems"`
	Metrics       int `json:"metrics"`
}

// Maintain runs every sweep. A failing sweep does not stop the others.
func (s *ProcessService) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var (
		report MaintenanceReport
		errs   []error
		err    error
	)
	if report.Requeued, err = s.queue.RequeueStale(ctx, s.staleAfter); err != nil {
		errs = append(errs, err)
	}
	if s.cache != nil {
		if report.CacheEntries, err = s.cache.SweepExpired(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if report.States, err = s.state.SweepExpired(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.Confirmations, err = s.confirm.SweepExpired(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.QueueItems, err = s.queue.SweepOlderThan(ctx, s.queueRetention); err != nil {
		errs = append(errs, err)
	}
	if report.Metrics, err = s.metrics.PurgeOlderThan(ctx, s.metricsRetention); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return report, newError(ErrorInternal, "maintenance_error", errors.Join(errs...))
	}
	return report, nil
}

type StatsOutput struct {
	Queue   queue.Stats     `json:"queue"`
	Metrics metrics.Summary `json:"metrics"`
	Turns   int             `json:"turns,omitempty"`
}

// Stats reports queue counts and the metric summary over windowDays. With a
// userID the summary and turn count are scoped to that user.
func (s *ProcessService) Stats(ctx context.Context, userID string, windowDays int) (StatsOutput, error) {
	userID = strings.TrimSpace(userID)
	qs, err := s.queue.Stats(ctx)
	if err != nil {
		return StatsOutput{}, newError(ErrorInternal, "queue_stats_error", err)
	}
	summary, err := s.metrics.Summarize(ctx, userID, windowDays)
	if err != nil {
		return StatsOutput{}, newError(ErrorInternal, "metrics_summary_error", err)
	}
	out := StatsOutput{Queue: qs, Metrics: summary}
	if userID != "" {
		if out.Turns, err = s.history.TurnCount(ctx, userID); err != nil {
			return StatsOutput{}, newError(ErrorInternal, "turn_count_error", err)
		}
	}
	return out, nil
}

func (s *ProcessService) retryable(err error) bool {
	switch code, _ := CodeOf(err); code {
	case ErrorRateLimited:
		return true
	case ErrorInvalidInput, ErrorConfiguration:
		return false
	}
	return s.retry.Policy().Retryable(err)
}

func (s *ProcessService) deliver(ctx context.Context, outcome domain.Outcome) {
	if s.deliverer == nil {
		return
	}
	err := s.retry.Run(ctx, func(ctx context.Context) error {
		return s.deliverer.Deliver(ctx, outcome)
	})
	if err != nil {
		s.logger.Error("reply delivery failed", "message_id", outcome.MessageID, "kind", outcome.Kind, "err", err)
	}
}

func failedOutcome(msg domain.QueuedMessage, err error) domain.Outcome {
	reason := "internal_error"
	var ue *Error
	if errors.As(err, &ue) {
		reason = fmt.Sprintf("%s:%s", ue.Code, ue.Reason)
	}
	return domain.Outcome{
		MessageID: msg.ID,
		UserID:    msg.UserID,
		Kind:      domain.OutcomeFailed,
		Errors:    []string{reason},
	}
}
