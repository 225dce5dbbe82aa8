// Package confirm stages extracted transactions until the user approves,
// edits or cancels them.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"zela-agent/internal/domain"
)

// DefaultWindow is how long a staged confirmation stays answerable.
const DefaultWindow = 5 * time.Minute

// Store is the persistence collaborator behind a Manager.
type Store interface {
	GetPendingConfirmation(ctx context.Context, userID string) (domain.PendingConfirmation, error)
	PutPendingConfirmation(ctx context.Context, p domain.PendingConfirmation) error
	DeletePendingConfirmation(ctx context.Context, userID string) error
	DeletePendingConfirmationsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Manager owns the pending confirmation of each user. A user has at most
// one; staging again replaces it.
type Manager struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

type Option func(*Manager)

func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
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
		return nil, errors.New("confirm: store must not be nil")
	}
	m := &Manager{store: store, window: DefaultWindow, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Stage records candidates for userID, replacing any earlier pending entry,
// and returns the token identifying this staging.
func (m *Manager) Stage(ctx context.Context, userID string, candidates []domain.TransactionCandidate, sourceMessageID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("confirm: user id is required")
	}
	if len(candidates) == 0 {
		return "", errors.New("confirm: at least one candidate is required")
	}
	p := domain.PendingConfirmation{
		UserID:          userID,
		Token:           newToken(),
		Candidates:      candidates,
		CreatedAt:       m.now().UTC(),
		SourceMessageID: sourceMessageID,
	}
	if err := m.store.PutPendingConfirmation(ctx, p); err != nil {
		return "", fmt.Errorf("confirm: stage %s: %w", userID, err)
	}
	return p.Token, nil
}

// Peek returns the pending confirmation for userID. An entry past the
// window is deleted and reported as absent.
func (m *Manager) Peek(ctx context.Context, userID string) (domain.PendingConfirmation, bool, error) {
	p, err := m.store.GetPendingConfirmation(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PendingConfirmation{}, false, nil
	}
	if err != nil {
		return domain.PendingConfirmation{}, false, fmt.Errorf("confirm: peek %s: %w", userID, err)
	}
	if m.expired(p) {
		if err := m.Clear(ctx, userID); err != nil {
			return domain.PendingConfirmation{}, false, err
		}
		return domain.PendingConfirmation{}, false, nil
	}
	return p, true, nil
}

// Clear removes the pending confirmation for userID, if any.
func (m *Manager) Clear(ctx context.Context, userID string) error {
	err := m.store.DeletePendingConfirmation(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("confirm: clear %s: %w", userID, err)
	}
	return nil
}

// SweepExpired deletes every entry past the window.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	n, err := m.store.DeletePendingConfirmationsBefore(ctx, m.now().Add(-m.window))
	if err != nil {
		return n, fmt.Errorf("confirm: sweep expired: %w", err)
	}
	return n, nil
}

func (m *Manager) expired(p domain.PendingConfirmation) bool {
	return !m.now().Before(p.CreatedAt.Add(m.window))
}

var newToken = func() string {
	return uuid.NewString()
}
