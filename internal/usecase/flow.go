package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"zela-agent/internal/catalog"
	"zela-agent/internal/confirm"
	"zela-agent/internal/domain"
	"zela-agent/internal/retry"
	"zela-agent/internal/router"
)

// Message is one inbound message being processed.
type Message struct {
	ID     string
	UserID string
	Text   string
}

// draft is the scratch data of the editing and awaiting-data states.
type draft struct {
	Candidates []domain.TransactionCandidate `json:"candidates"`
}

func confirmingState(k domain.StateKind) bool {
	switch k {
	case domain.StateConfirming, domain.StateProcessingSchedule, domain.StateAwaitingConfirmation:
		return true
	}
	return false
}

func editingState(k domain.StateKind) bool {
	return k == domain.StateEditing || k == domain.StateEditingSchedule
}

func awaitingState(k domain.StateKind) bool {
	return k == domain.StateAwaitingData || k == domain.StateAwaitingInput
}

// Handle processes one message against the user's live conversation state.
// A user with a pending confirmation is answering it, a user editing or
// completing a draft is supplying fields, and anyone else starts a new
// request.
func (s *ProcessService) Handle(ctx context.Context, in Message) (domain.Outcome, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return domain.Outcome{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	in.UserID = userID
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" {
		return domain.Outcome{}, newError(ErrorInvalidInput, "empty_text", nil)
	}

	st, live, err := s.state.Get(ctx, userID)
	if err != nil {
		return domain.Outcome{}, newError(ErrorInternal, "state_read_error", err)
	}

	var out domain.Outcome
	switch {
	case live && confirmingState(st.State):
		out, err = s.handleConfirmationReply(ctx, in, st)
	case live && (editingState(st.State) || awaitingState(st.State)):
		out, err = s.handleDraftReply(ctx, in, st)
	default:
		out, err = s.handleFresh(ctx, in)
	}
	if err != nil {
		return domain.Outcome{}, err
	}
	out.MessageID = in.ID
	out.UserID = userID
	s.appendTurn(ctx, in, out)
	return out, nil
}

func (s *ProcessService) handleConfirmationReply(ctx context.Context, in Message, st domain.ConversationState) (domain.Outcome, error) {
	pending, ok, err := s.confirm.Peek(ctx, in.UserID)
	if err != nil {
		return domain.Outcome{}, newError(ErrorInternal, "confirmation_read_error", err)
	}
	if !ok {
		// The window elapsed, so the reply is read as a new request.
		if err := s.state.Clear(ctx, in.UserID); err != nil {
			return domain.Outcome{}, newError(ErrorInternal, "state_write_error", err)
		}
		return s.handleFresh(ctx, in)
	}

	switch confirm.Classify(in.Text) {
	case confirm.ReplyConfirm:
		return s.executeConfirmed(ctx, in.UserID, pending)
	case confirm.ReplyCancel:
		if err := s.clearFlow(ctx, in.UserID); err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{
			Kind:       domain.OutcomeCancelled,
			ServiceID:  pending.Candidates[0].ServiceID,
			Candidates: pending.Candidates,
		}, nil
	case confirm.ReplyEdit:
		next := domain.StateEditing
		if st.State == domain.StateProcessingSchedule {
			next = domain.StateEditingSchedule
		}
		if err := s.confirm.Clear(ctx, in.UserID); err != nil {
			return domain.Outcome{}, newError(ErrorInternal, "confirmation_write_error", err)
		}
		if err := s.saveDraft(ctx, in.UserID, next, pending.Candidates); err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{
			Kind:       domain.OutcomeEditing,
			ServiceID:  pending.Candidates[0].ServiceID,
			Candidates: pending.Candidates,
		}, nil
	default:
		return domain.Outcome{
			Kind:       domain.OutcomeAwaitingConfirmation,
			ServiceID:  pending.Candidates[0].ServiceID,
			Candidates: pending.Candidates,
			Token:      pending.Token,
		}, nil
	}
}

// handleDraftReply merges the fields of a follow-up message into the draft
// kept by the editing and awaiting-data states.
func (s *ProcessService) handleDraftReply(ctx context.Context, in Message, st domain.ConversationState) (domain.Outcome, error) {
	if confirm.IsCancellation(in.Text) {
		if err := s.clearFlow(ctx, in.UserID); err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{Kind: domain.OutcomeCancelled}, nil
	}

	var d draft
	if err := json.Unmarshal(st.Scratch, &d); err != nil || len(d.Candidates) == 0 {
		s.logger.Warn("discarding unreadable draft", "user_id", in.UserID, "state", st.State, "err", err)
		if err := s.state.Clear(ctx, in.UserID); err != nil {
			return domain.Outcome{}, newError(ErrorInternal, "state_write_error", err)
		}
		return s.handleFresh(ctx, in)
	}
	base := d.Candidates[0]
	pendingKind := domain.OutcomeNeedsData
	if editingState(st.State) {
		pendingKind = domain.OutcomeEditing
	}

	decision, err := s.router.ClassifyFor(ctx, in.Text, s.recentTurns(ctx, in.UserID), base.ServiceID)
	var verr *catalog.ValidationError
	switch {
	case errors.Is(err, router.ErrNoAction):
		return domain.Outcome{
			Kind:       pendingKind,
			ServiceID:  base.ServiceID,
			Candidates: d.Candidates,
			Errors:     []string{"no fields recognized"},
		}, nil
	case errors.As(err, &verr):
	case err != nil:
		return domain.Outcome{}, upstreamError("classification_error", err)
	}

	if decision.ServiceID != base.ServiceID {
		if awaitingState(st.State) {
			// A different request abandons the incomplete one.
			return s.settle(ctx, in, decision, err, true)
		}
		return domain.Outcome{
			Kind:       pendingKind,
			ServiceID:  base.ServiceID,
			Candidates: d.Candidates,
			Errors:     []string{"message did not change any field"},
		}, nil
	}

	merged := maps.Clone(base.Fields)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, decision.ExtractedFields)
	d.Candidates[0].Fields = merged

	res := s.catalog.Validate(base.ServiceID, merged)
	if !res.Valid {
		if err := s.saveDraft(ctx, in.UserID, st.State, d.Candidates); err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{
			Kind:       pendingKind,
			ServiceID:  base.ServiceID,
			Candidates: d.Candidates,
			Errors:     res.Errors,
		}, nil
	}
	return s.proceed(ctx, in, base.ServiceID, decision.Confidence, d.Candidates, true)
}

func (s *ProcessService) handleFresh(ctx context.Context, in Message) (domain.Outcome, error) {
	decision, err := s.router.Classify(ctx, in.Text, s.recentTurns(ctx, in.UserID))
	return s.settle(ctx, in, decision, err, false)
}

// settle turns a classification into an outcome. inFlow reports whether
// the user has a live state that must be replaced or cleared.
func (s *ProcessService) settle(ctx context.Context, in Message, decision domain.RouteDecision, classifyErr error, inFlow bool) (domain.Outcome, error) {
	var verr *catalog.ValidationError
	switch {
	case errors.Is(classifyErr, router.ErrNoAction):
		if inFlow {
			if err := s.clearFlow(ctx, in.UserID); err != nil {
				return domain.Outcome{}, err
			}
		}
		return domain.Outcome{Kind: domain.OutcomeNoAction}, nil
	case errors.As(classifyErr, &verr):
		candidates := []domain.TransactionCandidate{{ServiceID: decision.ServiceID, Fields: decision.ExtractedFields}}
		if err := s.saveDraft(ctx, in.UserID, domain.StateAwaitingData, candidates); err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{
			Kind:       domain.OutcomeNeedsData,
			ServiceID:  decision.ServiceID,
			Confidence: decision.Confidence,
			Candidates: candidates,
			Errors:     verr.Errors,
		}, nil
	case classifyErr != nil:
		return domain.Outcome{}, upstreamError("classification_error", classifyErr)
	}
	candidates := []domain.TransactionCandidate{{ServiceID: decision.ServiceID, Fields: decision.ExtractedFields}}
	return s.proceed(ctx, in, decision.ServiceID, decision.Confidence, candidates, inFlow)
}

// proceed runs a query at once and stages transactions and schedules for
// confirmation.
func (s *ProcessService) proceed(ctx context.Context, in Message, id domain.ServiceID, confidence float64, candidates []domain.TransactionCandidate, inFlow bool) (domain.Outcome, error) {
	if id == domain.ServiceQuery {
		result, err := s.execute(ctx, in.UserID, candidates[0])
		if err != nil {
			return domain.Outcome{}, err
		}
		if inFlow {
			if err := s.clearFlow(ctx, in.UserID); err != nil {
				return domain.Outcome{}, err
			}
		}
		return domain.Outcome{
			Kind:       domain.OutcomeExecuted,
			ServiceID:  id,
			Confidence: confidence,
			Results:    []json.RawMessage{result},
		}, nil
	}

	next := domain.StateConfirming
	if id == domain.ServiceSchedule {
		next = domain.StateProcessingSchedule
	}
	token, err := s.confirm.Stage(ctx, in.UserID, candidates, in.ID)
	if err != nil {
		return domain.Outcome{}, newError(ErrorInternal, "confirmation_write_error", err)
	}
	if err := s.state.Set(ctx, in.UserID, next, nil, 0); err != nil {
		return domain.Outcome{}, newError(ErrorInternal, "state_write_error", err)
	}
	return domain.Outcome{
		Kind:       domain.OutcomeAwaitingConfirmation,
		ServiceID:  id,
		Confidence: confidence,
		Candidates: candidates,
		Token:      token,
	}, nil
}

// executeConfirmed runs every staged candidate. The flow is cleared once at
// least one succeeded; when all fail the pending entry is kept so a retry
// of the same reply can still confirm it.
func (s *ProcessService) executeConfirmed(ctx context.Context, userID string, pending domain.PendingConfirmation) (domain.Outcome, error) {
	ops := make([]func(ctx context.Context) (json.RawMessage, error), len(pending.Candidates))
	for i, c := range pending.Candidates {
		ops[i] = func(ctx context.Context) (json.RawMessage, error) {
			return s.dispatch(ctx, userID, c)
		}
	}
	results, err := retry.All(ctx, s.retry, ops)
	if err != nil {
		return domain.Outcome{}, executionError(err)
	}
	// The operations ran; a retry of this message must not run them again.
	s.finishFlow(ctx, userID)
	out := domain.Outcome{
		Kind:       domain.OutcomeConfirmed,
		ServiceID:  pending.Candidates[0].ServiceID,
		Candidates: pending.Candidates,
		Results:    results,
		Token:      pending.Token,
	}
	if failed := len(pending.Candidates) - len(results); failed > 0 {
		out.Errors = []string{fmt.Sprintf("%d of %d operations failed", failed, len(pending.Candidates))}
	}
	return out, nil
}

func (s *ProcessService) execute(ctx context.Context, userID string, c domain.TransactionCandidate) (json.RawMessage, error) {
	result, err := retry.Do(ctx, s.retry, func(ctx context.Context) (json.RawMessage, error) {
		return s.dispatch(ctx, userID, c)
	})
	if err != nil {
		return nil, executionError(err)
	}
	return result, nil
}

func (s *ProcessService) dispatch(ctx context.Context, userID string, c domain.TransactionCandidate) (json.RawMessage, error) {
	v, err := s.dispatcher.Execute(ctx, domain.RouteDecision{ServiceID: c.ServiceID, Confidence: 1, ExtractedFields: c.Fields}, userID)
	if err != nil {
		return nil, err
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("usecase: encode %s result: %w", c.ServiceID, err)
	}
	return raw, nil
}

func executionError(err error) *Error {
	if errors.Is(err, router.ErrHandlerNotRegistered) {
		return newError(ErrorConfiguration, "handler_not_registered", err)
	}
	return upstreamError("backend_execute_error", err)
}

func (s *ProcessService) saveDraft(ctx context.Context, userID string, kind domain.StateKind, candidates []domain.TransactionCandidate) error {
	scratch, err := json.Marshal(draft{Candidates: candidates})
	if err != nil {
		return newError(ErrorInternal, "draft_encode_error", err)
	}
	if err := s.state.Set(ctx, userID, kind, scratch, 0); err != nil {
		return newError(ErrorInternal, "state_write_error", err)
	}
	return nil
}

func (s *ProcessService) clearFlow(ctx context.Context, userID string) error {
	if err := s.confirm.Clear(ctx, userID); err != nil {
		return newError(ErrorInternal, "confirmation_write_error", err)
	}
	if err := s.state.Clear(ctx, userID); err != nil {
		return newError(ErrorInternal, "state_write_error", err)
	}
	return nil
}

// finishFlow is clearFlow for a flow whose operations already ran. Both
// records are attempted and failures are only logged.
func (s *ProcessService) finishFlow(ctx context.Context, userID string) {
	if err := s.confirm.Clear(ctx, userID); err != nil {
		s.logger.Warn("pending confirmation not cleared after execution", "user_id", userID, "err", err)
	}
	if err := s.state.Clear(ctx, userID); err != nil {
		s.logger.Warn("state not cleared after execution", "user_id", userID, "err", err)
	}
}

func (s *ProcessService) recentTurns(ctx context.Context, userID string) []domain.Turn {
	if s.historyTurns == 0 {
		return nil
	}
	turns, err := s.history.RecentTurns(ctx, userID, s.historyTurns)
	if err != nil {
		s.logger.Warn("history read failed", "user_id", userID, "err", err)
		return nil
	}
	return turns
}

func (s *ProcessService) appendTurn(ctx context.Context, in Message, out domain.Outcome) {
	turn := domain.Turn{
		UserID:    in.UserID,
		Text:      in.Text,
		ServiceID: out.ServiceID,
		Outcome:   string(out.Kind),
		CreatedAt: s.now().UTC(),
	}
	if err := s.history.AppendTurn(ctx, turn); err != nil {
		s.logger.Warn("history append failed", "user_id", in.UserID, "err", err)
	}
}
