// Package memstore is an in-process implementation of every store used by
// the pipeline, for tests and single-process runs.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"zela-agent/internal/domain"
)

// Store keeps all namespaces behind one mutex so that claim is atomic.
type Store struct {
	mu       sync.Mutex
	cache    map[string]domain.CacheEntry
	states   map[string]domain.ConversationState
	confirms map[string]domain.PendingConfirmation
	queue    map[string]*queued
	seq      int64
	metrics  []domain.Metric
	turns    map[string][]domain.Turn
}

type queued struct {
	msg domain.QueuedMessage
	seq int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		cache:    map[string]domain.CacheEntry{},
		states:   map[string]domain.ConversationState{},
		confirms: map[string]domain.PendingConfirmation{},
		queue:    map[string]*queued{},
		turns:    map[string][]domain.Turn{},
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return bytes.Clone(raw)
}

// ---- cache ----

func (s *Store) GetCacheEntry(_ context.Context, key string) (domain.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return domain.CacheEntry{}, domain.ErrNotFound
	}
	e.Payload = cloneRaw(e.Payload)
	return e, nil
}

func (s *Store) PutCacheEntry(_ context.Context, entry domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Payload = cloneRaw(entry.Payload)
	s.cache[entry.Key] = entry
	return nil
}

func (s *Store) DeleteExpiredCacheEntries(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.cache {
		if !e.Valid(now) {
			delete(s.cache, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteCacheEntriesByKind(_ context.Context, kind string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.cache {
		if e.Kind == kind {
			delete(s.cache, k)
			n++
		}
	}
	return n, nil
}

// ---- conversation state ----

func (s *Store) GetConversationState(_ context.Context, userID string) (domain.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[userID]
	if !ok {
		return domain.ConversationState{}, domain.ErrNotFound
	}
	st.Scratch = cloneRaw(st.Scratch)
	return st, nil
}

func (s *Store) PutConversationState(_ context.Context, st domain.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Scratch = cloneRaw(st.Scratch)
	s.states[st.UserID] = st
	return nil
}

func (s *Store) DeleteConversationState(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userID)
	return nil
}

func (s *Store) DeleteExpiredConversationStates(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, st := range s.states {
		if st.Expired(now) {
			delete(s.states, k)
			n++
		}
	}
	return n, nil
}

// ---- pending confirmations ----

func (s *Store) GetPendingConfirmation(_ context.Context, userID string) (domain.PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.confirms[userID]
	if !ok {
		return domain.PendingConfirmation{}, domain.ErrNotFound
	}
	p.Candidates = slices.Clone(p.Candidates)
	return p, nil
}

func (s *Store) PutPendingConfirmation(_ context.Context, p domain.PendingConfirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Candidates = slices.Clone(p.Candidates)
	s.confirms[p.UserID] = p
	return nil
}

func (s *Store) DeletePendingConfirmation(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.confirms, userID)
	return nil
}

func (s *Store) DeletePendingConfirmationsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, p := range s.confirms {
		if !p.CreatedAt.After(cutoff) {
			delete(s.confirms, k)
			n++
		}
	}
	return n, nil
}

// ---- processing queue ----

func (s *Store) InsertQueuedMessage(_ context.Context, msg domain.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queue[msg.ID]; exists {
		return domain.ErrConflict
	}
	s.seq++
	s.queue[msg.ID] = &queued{msg: msg, seq: s.seq}
	return nil
}

func (s *Store) ClaimOldestQueuedMessage(_ context.Context, maxAttempts int, now time.Time) (domain.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *queued
	for _, q := range s.queue {
		if q.msg.Status != domain.QueuePending || q.msg.Attempts >= maxAttempts {
			continue
		}
		if oldest == nil || earlier(q, oldest) {
			oldest = q
		}
	}
	if oldest == nil {
		return domain.QueuedMessage{}, domain.ErrNotFound
	}
	oldest.msg.Status = domain.QueueProcessing
	oldest.msg.Attempts++
	oldest.msg.ClaimedAt = now
	oldest.msg.UpdatedAt = now
	return oldest.msg, nil
}

func earlier(a, b *queued) bool {
	if !a.msg.EnqueuedAt.Equal(b.msg.EnqueuedAt) {
		return a.msg.EnqueuedAt.Before(b.msg.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (s *Store) FinishQueuedMessage(_ context.Context, id string, to domain.QueueStatus, result json.RawMessage, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queue[id]
	if !ok {
		return domain.ErrNotFound
	}
	if q.msg.Status != domain.QueueProcessing {
		return domain.ErrConflict
	}
	q.msg.Status = to
	q.msg.Result = cloneRaw(result)
	q.msg.Error = errMsg
	q.msg.UpdatedAt = now
	return nil
}

func (s *Store) GetQueuedMessage(_ context.Context, id string) (domain.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queue[id]
	if !ok {
		return domain.QueuedMessage{}, domain.ErrNotFound
	}
	return q.msg, nil
}

func (s *Store) CountQueuedMessages(_ context.Context) (map[domain.QueueStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[domain.QueueStatus]int{}
	for _, q := range s.queue {
		counts[q.msg.Status]++
	}
	return counts, nil
}

func (s *Store) RequeueStaleQueuedMessages(_ context.Context, claimedBefore, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queue {
		if q.msg.Status == domain.QueueProcessing && q.msg.ClaimedAt.Before(claimedBefore) {
			q.msg.Status = domain.QueuePending
			q.msg.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteQueuedMessagesBefore(_ context.Context, cutoff time.Time, statuses []domain.QueueStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, q := range s.queue {
		if slices.Contains(statuses, q.msg.Status) && q.msg.UpdatedAt.Before(cutoff) {
			delete(s.queue, id)
			n++
		}
	}
	return n, nil
}

// ---- metrics ----

func (s *Store) InsertMetric(_ context.Context, m domain.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Details = cloneRaw(m.Details)
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *Store) ListMetrics(_ context.Context, userID string, since time.Time) ([]domain.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Metric
	for _, m := range s.metrics {
		if userID != "" && m.UserID != userID {
			continue
		}
		if m.RecordedAt.Before(since) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) DeleteMetricsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.metrics[:0]
	for _, m := range s.metrics {
		if m.RecordedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, m)
	}
	n := len(s.metrics) - len(kept)
	s.metrics = kept
	return n, nil
}

// ---- conversation history ----

func (s *Store) AppendTurn(_ context.Context, turn domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.UserID] = append(s.turns[turn.UserID], turn)
	return nil
}

func (s *Store) RecentTurns(_ context.Context, userID string, limit int) ([]domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := slices.Clone(s.turns[userID])
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].CreatedAt.Before(turns[j].CreatedAt) })
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (s *Store) TurnCount(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns[userID]), nil
}
