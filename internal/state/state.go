// Package state persists the per-user conversation state machine.
//
// The store records whatever state it is given; legal transitions are the
// caller's concern. A row past its expiry reads as absent, which is the
// same as INITIAL.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"zela-agent/internal/domain"
)

// DefaultTTL is the lifetime of a state row after its last write.
const DefaultTTL = 10 * time.Minute

// ErrNoState is returned by UpdateScratch when the user has no live state.
var ErrNoState = errors.New("state: no live conversation state")

// Store is the persistence collaborator behind a Manager.
type Store interface {
	GetConversationState(ctx context.Context, userID string) (domain.ConversationState, error)
	PutConversationState(ctx context.Context, st domain.ConversationState) error
	DeleteConversationState(ctx context.Context, userID string) error
	DeleteExpiredConversationStates(ctx context.Context, now time.Time) (int, error)
}

// Manager reads and writes conversation state rows.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New returns a Manager over store.
func New(store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("state: store must not be nil")
	}
	m := &Manager{store: store, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Get returns the live state for userID. ok is false when there is no row
// or the row has expired.
func (m *Manager) Get(ctx context.Context, userID string) (st domain.ConversationState, ok bool, err error) {
	st, err = m.store.GetConversationState(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ConversationState{}, false, nil
	}
	if err != nil {
		return domain.ConversationState{}, false, fmt.Errorf("state: get %s: %w", userID, err)
	}
	if st.Expired(m.now()) {
		return domain.ConversationState{}, false, nil
	}
	return st, true, nil
}

// Set upserts the state for userID and refreshes its expiry. A ttl <= 0
// uses the manager default.
func (m *Manager) Set(ctx context.Context, userID string, kind domain.StateKind, scratch json.RawMessage, ttl time.Duration) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("state: user id is required")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now().UTC()
	st := domain.ConversationState{
		UserID:    userID,
		State:     kind,
		Scratch:   scratch,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.PutConversationState(ctx, st); err != nil {
		return fmt.Errorf("state: set %s: %w", userID, err)
	}
	return nil
}

// Clear removes the state for userID. Clearing an absent row is not an error.
func (m *Manager) Clear(ctx context.Context, userID string) error {
	err := m.store.DeleteConversationState(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("state: clear %s: %w", userID, err)
	}
	return nil
}

// SweepExpired deletes expired rows.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpiredConversationStates(ctx, m.now())
	if err != nil {
		return n, fmt.Errorf("state: sweep expired: %w", err)
	}
	return n, nil
}

// Scratch returns the scratch data of the live state for userID.
func (m *Manager) Scratch(ctx context.Context, userID string) (json.RawMessage, bool, error) {
	st, ok, err := m.Get(ctx, userID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return st.Scratch, true, nil
}

// UpdateScratch replaces the scratch data of the live state for userID
// without changing the state itself. The row keeps its original lifetime,
// measured from this write. It returns ErrNoState when there is no live row.
func (m *Manager) UpdateScratch(ctx context.Context, userID string, scratch json.RawMessage) error {
	st, ok, err := m.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("state: update scratch %s: %w", userID, ErrNoState)
	}
	ttl := st.ExpiresAt.Sub(st.UpdatedAt)
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now().UTC()
	st.Scratch = scratch
	st.UpdatedAt = now
	st.ExpiresAt = now.Add(ttl)
	if err := m.store.PutConversationState(ctx, st); err != nil {
		return fmt.Errorf("state: update scratch %s: %w", userID, err)
	}
	return nil
}
