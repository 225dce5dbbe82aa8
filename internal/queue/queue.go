// Package queue tracks inbound messages from enqueue to a terminal status.
//
// Attempts are counted when an item is claimed, not when it fails, so an
// item whose worker disappears mid-processing still spends its budget and
// is never retried more than MaxAttempts times.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"zela-agent/internal/domain"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetention   = 7 * 24 * time.Hour
)

// ErrNotClaimed is returned when an item is acknowledged without being in
// PROCESSING.
var ErrNotClaimed = errors.New("queue: item is not being processed")

// Store is the persistence collaborator behind a Queue. ClaimOldest must
// select and transition a single row atomically.
type Store interface {
	InsertQueuedMessage(ctx context.Context, msg domain.QueuedMessage) error
	ClaimOldestQueuedMessage(ctx context.Context, maxAttempts int, now time.Time) (domain.QueuedMessage, error)
	FinishQueuedMessage(ctx context.Context, id string, to domain.QueueStatus, result json.RawMessage, errMsg string, now time.Time) error
	GetQueuedMessage(ctx context.Context, id string) (domain.QueuedMessage, error)
	CountQueuedMessages(ctx context.Context) (map[domain.QueueStatus]int, error)
	RequeueStaleQueuedMessages(ctx context.Context, claimedBefore time.Time, now time.Time) (int, error)
	DeleteQueuedMessagesBefore(ctx context.Context, cutoff time.Time, statuses []domain.QueueStatus) (int, error)
}

// Stats counts items by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// Total returns the number of tracked items.
func (s Stats) Total() int {
	return s.Pending + s.Processing + s.Done + s.Failed
}

// Queue is a durable FIFO of inbound messages with a bounded attempt budget.
type Queue struct {
	store       Store
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Queue)

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// New returns a Queue over store.
func New(store Store, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, errors.New("queue: store must not be nil")
	}
	q := &Queue{
		store:       store,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// MaxAttempts returns the per-item claim budget.
func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Enqueue stores a PENDING item and returns its id. Ids are time-ordered.
func (q *Queue) Enqueue(ctx context.Context, userID, text string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("queue: user id is required")
	}
	id, err := newID()
	if err != nil {
		return "", fmt.Errorf("queue: new id: %w", err)
	}
	now := q.now().UTC()
	msg := domain.QueuedMessage{
		ID:         id,
		UserID:     userID,
		RawText:    text,
		EnqueuedAt: now,
		UpdatedAt:  now,
		Status:     domain.QueuePending,
	}
	if err := q.store.InsertQueuedMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// ClaimNext moves the oldest eligible PENDING item to PROCESSING and
// returns it with its attempt count already incremented.
func (q *Queue) ClaimNext(ctx context.Context) (domain.QueuedMessage, bool, error) {
	msg, err := q.store.ClaimOldestQueuedMessage(ctx, q.maxAttempts, q.now().UTC())
	if errors.Is(err, domain.ErrNotFound) {
		return domain.QueuedMessage{}, false, nil
	}
	if err != nil {
		return domain.QueuedMessage{}, false, fmt.Errorf("queue: claim: %w", err)
	}
	return msg, true, nil
}

// Complete marks a claimed item DONE.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return q.finish(ctx, id, domain.QueueDone, result, "")
}

// Fail marks a claimed item FAILED. It will not be retried.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	return q.finish(ctx, id, domain.QueueFailed, nil, errString(cause))
}

// Release returns a claimed item to PENDING for another attempt, or marks
// it FAILED when its attempt budget is already spent.
func (q *Queue) Release(ctx context.Context, msg domain.QueuedMessage, cause error) (domain.QueueStatus, error) {
	to := domain.QueuePending
	if msg.Attempts >= q.maxAttempts {
		to = domain.QueueFailed
	}
	if err := q.finish(ctx, msg.ID, to, nil, errString(cause)); err != nil {
		return "", err
	}
	return to, nil
}

func (q *Queue) finish(ctx context.Context, id string, to domain.QueueStatus, result json.RawMessage, errMsg string) error {
	err := q.store.FinishQueuedMessage(ctx, id, to, result, errMsg, q.now().UTC())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrConflict):
		return fmt.Errorf("queue: %s -> %s: %w", id, to, ErrNotClaimed)
	default:
		return fmt.Errorf("queue: %s -> %s: %w", id, to, err)
	}
}

// Get returns the item with id.
func (q *Queue) Get(ctx context.Context, id string) (domain.QueuedMessage, error) {
	msg, err := q.store.GetQueuedMessage(ctx, id)
	if err != nil {
		return domain.QueuedMessage{}, fmt.Errorf("queue: get %s: %w", id, err)
	}
	return msg, nil
}

// Stats counts items by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountQueuedMessages(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return Stats{
		Pending:    counts[domain.QueuePending],
		Processing: counts[domain.QueueProcessing],
		Done:       counts[domain.QueueDone],
		Failed:     counts[domain.QueueFailed],
	}, nil
}

// RequeueStale returns PROCESSING items claimed longer than olderThan ago
// to PENDING. Their consumed attempts are kept.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.now().UTC()
	n, err := q.store.RequeueStaleQueuedMessages(ctx, now.Add(-olderThan), now)
	if err != nil {
		return n, fmt.Errorf("queue: requeue stale: %w", err)
	}
	if n > 0 {
		q.logger.Warn("requeued stale queue items", "count", n)
	}
	return n, nil
}

// SweepOlderThan deletes items in statuses last updated before the
// retention window. With no statuses, DONE and FAILED items are swept.
func (q *Queue) SweepOlderThan(ctx context.Context, age time.Duration, statuses ...domain.QueueStatus) (int, error) {
	if len(statuses) == 0 {
		statuses = []domain.QueueStatus{domain.QueueDone, domain.QueueFailed}
	}
	n, err := q.store.DeleteQueuedMessagesBefore(ctx, q.now().Add(-age), statuses)
	if err != nil {
		return n, fmt.Errorf("queue: sweep: %w", err)
	}
	return n, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var newID = func() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
