// Package retry runs fallible operations under a bounded exponential
// backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultSignatures are the error message fragments treated as transient.
var DefaultSignatures = []string{
	"econnreset",
	"connection reset",
	"etimedout",
	"timeout",
	"enotfound",
	"no such host",
	"eai_again",
	"network",
}

// DefaultStatuses are the upstream HTTP statuses treated as transient.
var DefaultStatuses = []int{500, 502, 503, 504}

// Policy configures one Executor.
type Policy struct {
	MaxAttempts         int
	InitialDelay        time.Duration
	Multiplier          float64
	MaxDelay            time.Duration
	RetryableSignatures []string
	RetryableStatuses   []int
}

// DefaultPolicy returns three attempts with 1s, 2s delays capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         3,
		InitialDelay:        time.Second,
		Multiplier:          2,
		MaxDelay:            10 * time.Second,
		RetryableSignatures: DefaultSignatures,
		RetryableStatuses:   DefaultStatuses,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.RetryableSignatures == nil {
		p.RetryableSignatures = def.RetryableSignatures
	}
	if p.RetryableStatuses == nil {
		p.RetryableStatuses = def.RetryableStatuses
	}
	return p
}

// Delay returns the wait before attempt+1, where attempt counts from 1.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return min(time.Duration(d), p.MaxDelay)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Retryable reports whether err matches a transient signature or status.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	var sc httpStatusCoder
	if errors.As(err, &sc) && slices.Contains(p.RetryableStatuses, sc.HTTPStatusCode()) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range p.RetryableSignatures {
		if sig != "" && strings.Contains(msg, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}

// Retryable reports whether err is transient under the default policy.
func Retryable(err error) bool {
	return DefaultPolicy().Retryable(err)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor applies a Policy to operations.
type Executor struct {
	policy Policy
	sleep  SleepFunc
	logger *slog.Logger
}

type Option func(*Executor)

func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New returns an Executor; zero fields of p take their defaults.
func New(p Policy, opts ...Option) *Executor {
	e := &Executor{
		policy: p.normalized(),
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// WithPolicy returns a copy of e running under p.
func (e *Executor) WithPolicy(p Policy) *Executor {
	cp := *e
	cp.policy = p.normalized()
	return &cp
}

// Run attempts op until it succeeds, fails with a non-retryable error, or
// the attempt budget is spent. The last error is returned unchanged.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !e.policy.Retryable(err) || attempt >= e.policy.MaxAttempts {
			return err
		}
		delay := e.policy.Delay(attempt)
		e.logger.Warn("retrying operation", "attempt", attempt, "delay", delay, "err", err)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Run(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// All runs ops concurrently, each under its own retry budget, and returns
// the successful results in input order. It fails only when every op fails.
func All[T any](ctx context.Context, e *Executor, ops []func(ctx context.Context) (T, error)) ([]T, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	results := make([]T, len(ops))
	errs := make([]error, len(ops))

	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op func(ctx context.Context) (T, error)) {
			defer wg.Done()
			results[i], errs[i] = Do(ctx, e, op)
		}(i, op)
	}
	wg.Wait()

	out := make([]T, 0, len(ops))
	var failed []error
	for i := range ops {
		if errs[i] != nil {
			failed = append(failed, errs[i])
			continue
		}
		out = append(out, results[i])
	}
	if len(failed) == len(ops) {
		return nil, fmt.Errorf("retry: all %d operations failed: %w", len(ops), errors.Join(failed...))
	}
	if len(failed) > 0 {
		e.logger.Warn("parallel operations partially failed", "failed", len(failed), "total", len(ops))
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
