// Package metrics records per-message processing outcomes.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"zela-agent/internal/domain"
)

const (
	DefaultWindowDays    = 7
	DefaultRetentionDays = 30

	// UnknownKind is recorded when a wrapped operation names no kind.
	UnknownKind = "unknown"
)

// Store is the persistence collaborator behind a Recorder.
type Store interface {
	InsertMetric(ctx context.Context, m domain.Metric) error
	ListMetrics(ctx context.Context, userID string, since time.Time) ([]domain.Metric, error)
	DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Summary aggregates metrics over a window.
type Summary struct {
	Total         int            `json:"total"`
	Success       int            `json:"success"`
	Failure       int            `json:"failure"`
	SuccessRate   float64        `json:"successRate"`
	AvgDurationMs float64        `json:"avgDurationMs"`
	CountsByKind  map[string]int `json:"countsByKind"`
}

// Recorder persists metrics and mirrors them to the global otel meter.
type Recorder struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger

	processed otelmetric.Int64Counter
	duration  otelmetric.Float64Histogram
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New returns a Recorder over store.
func New(store Store, opts ...Option) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("metrics: store must not be nil")
	}
	r := &Recorder{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	meter := otel.Meter("zela-agent/metrics")
	var err error
	r.processed, err = meter.Int64Counter("messages_processed_total",
		otelmetric.WithDescription("Messages processed by kind and outcome."))
	if err != nil {
		return nil, fmt.Errorf("metrics: create counter: %w", err)
	}
	r.duration, err = meter.Float64Histogram("message_duration_ms",
		otelmetric.WithDescription("Message processing latency."),
		otelmetric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("metrics: create histogram: %w", err)
	}
	return r, nil
}

// Record appends one metric. It never fails the caller: a store error is
// logged and returned only so it can be observed.
func (r *Recorder) Record(ctx context.Context, userID, kind string, duration time.Duration, success bool, cause error, details any) error {
	m := domain.Metric{
		UserID:      userID,
		MessageKind: kind,
		DurationMs:  duration.Milliseconds(),
		Success:     success,
		RecordedAt:  r.now().UTC(),
	}
	if cause != nil {
		m.Error = cause.Error()
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			r.logger.Warn("metric details unencodable", "kind", kind, "err", err)
		} else {
			m.Details = raw
		}
	}

	attrs := otelmetric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	)
	r.processed.Add(ctx, 1, attrs)
	r.duration.Record(ctx, float64(m.DurationMs), attrs)

	if err := r.store.InsertMetric(ctx, m); err != nil {
		r.logger.Warn("metric write failed", "user_id", userID, "kind", kind, "err", err)
		return err
	}
	return nil
}

// Entry names what a wrapped operation turned out to be.
type Entry struct {
	Kind    string
	Details any
}

// Wrap times op and records exactly one metric for it, under the kind op
// reports. The error returned is op's own, unchanged.
func (r *Recorder) Wrap(ctx context.Context, userID string, op func(ctx context.Context) (Entry, error)) error {
	start := r.now()
	entry, err := op(ctx)
	kind := entry.Kind
	if kind == "" {
		kind = UnknownKind
	}
	_ = r.Record(ctx, userID, kind, r.now().Sub(start), err == nil, err, entry.Details)
	return err
}

// Summarize aggregates metrics recorded in the last windowDays days. An
// empty userID covers every user.
func (r *Recorder) Summarize(ctx context.Context, userID string, windowDays int) (Summary, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	since := r.now().UTC().AddDate(0, 0, -windowDays)
	rows, err := r.store.ListMetrics(ctx, userID, since)
	if err != nil {
		return Summary{}, fmt.Errorf("metrics: summarize: %w", err)
	}

	s := Summary{CountsByKind: map[string]int{}}
	var totalMs int64
	for _, m := range rows {
		s.Total++
		if m.Success {
			s.Success++
		} else {
			s.Failure++
		}
		totalMs += m.DurationMs
		s.CountsByKind[m.MessageKind]++
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Success) / float64(s.Total)
		s.AvgDurationMs = float64(totalMs) / float64(s.Total)
	}
	return s, nil
}

// PurgeOlderThan deletes metrics older than days.
func (r *Recorder) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	n, err := r.store.DeleteMetricsBefore(ctx, r.now().UTC().AddDate(0, 0, -days))
	if err != nil {
		return n, fmt.Errorf("metrics: purge: %w", err)
	}
	return n, nil
}
