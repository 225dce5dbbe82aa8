package domain

import (
	"encoding/json"
	"time"
)

// CacheEntry is a stored result addressed by a content-derived key.
type CacheEntry struct {
	Key       string
	Kind      string
	Payload   json.RawMessage
	CreatedAt time.Time
	TTL       time.Duration
}

// ExpiresAt returns the first instant at which the entry is no longer valid.
func (e CacheEntry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Valid reports whether a read at now may use the entry.
func (e CacheEntry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}
