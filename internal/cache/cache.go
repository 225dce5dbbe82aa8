// Package cache memoizes expensive results by normalized message content.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zela-agent/internal/domain"
)

// DefaultTTL is used by Put and WithCache when no TTL is given.
const DefaultTTL = 24 * time.Hour

// Store is the persistence collaborator behind a Cache.
type Store interface {
	GetCacheEntry(ctx context.Context, key string) (domain.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry domain.CacheEntry) error
	DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int, error)
	DeleteCacheEntriesByKind(ctx context.Context, kind string) (int, error)
}

// Lookup is the result of Get. Err carries a swallowed store failure so
// callers can observe it; a failed lookup is always a miss.
type Lookup struct {
	Payload json.RawMessage
	Hit     bool
	Err     error
}

// Cache is a best-effort content-addressed result cache.
type Cache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a Cache over store.
func New(store Store, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, errors.New("cache: store must not be nil")
	}
	c := &Cache{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the payload stored for message under kind while it is valid.
func (c *Cache) Get(ctx context.Context, message, kind string) Lookup {
	key := Key(message, kind)
	entry, err := c.store.GetCacheEntry(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Lookup{}
		}
		c.logger.Warn("cache read failed", "kind", kind, "key", key, "err", err)
		return Lookup{Err: err}
	}
	if !entry.Valid(c.now()) {
		return Lookup{}
	}
	return Lookup{Payload: entry.Payload, Hit: true}
}

// Put upserts payload for message under kind. A ttl <= 0 uses the default.
// Failures are logged and returned for observation only.
func (c *Cache) Put(ctx context.Context, message, kind string, payload json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	entry := domain.CacheEntry{
		Key:       Key(message, kind),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: c.now().UTC(),
		TTL:       ttl,
	}
	if err := c.store.PutCacheEntry(ctx, entry); err != nil {
		c.logger.Warn("cache write failed", "kind", kind, "key", entry.Key, "err", err)
		return err
	}
	return nil
}

// SweepExpired deletes entries whose TTL has elapsed.
func (c *Cache) SweepExpired(ctx context.Context) (int, error) {
	n, err := c.store.DeleteExpiredCacheEntries(ctx, c.now())
	if err != nil {
		return n, fmt.Errorf("cache: sweep expired: %w", err)
	}
	return n, nil
}

// Clear deletes every entry of kind.
func (c *Cache) Clear(ctx context.Context, kind string) (int, error) {
	n, err := c.store.DeleteCacheEntriesByKind(ctx, kind)
	if err != nil {
		return n, fmt.Errorf("cache: clear %q: %w", kind, err)
	}
	return n, nil
}

// WithCache returns the cached value for message under kind, or runs op,
// stores its result and returns it. Cache failures never fail the call; a
// payload that no longer decodes into T is treated as a miss.
func WithCache[T any](ctx context.Context, c *Cache, message, kind string, ttl time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if c == nil {
		return op(ctx)
	}
	if hit := c.Get(ctx, message, kind); hit.Hit {
		var cached T
		err := json.Unmarshal(hit.Payload, &cached)
		if err == nil {
			return cached, nil
		}
		c.logger.Warn("cache payload undecodable", "kind", kind, "err", err)
	}

	out, err := op(ctx)
	if err != nil {
		return out, err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		c.logger.Warn("cache payload unencodable", "kind", kind, "err", err)
		return out, nil
	}
	_ = c.Put(ctx, message, kind, payload, ttl)
	return out, nil
}
