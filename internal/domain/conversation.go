package domain

import (
	"encoding/json"
	"time"
)

// StateKind is a step of the per-user conversation state machine.
type StateKind string

const (
	StateInitial              StateKind = "INITIAL"
	StateExtracting           StateKind = "EXTRACTING"
	StateConfirming           StateKind = "CONFIRMING"
	StateEditing              StateKind = "EDITING"
	StateAwaitingInput        StateKind = "AWAITING_INPUT"
	StateAwaitingData         StateKind = "AWAITING_DATA"
	StateScheduling           StateKind = "SCHEDULING"
	StateProcessingSchedule   StateKind = "PROCESSING_SCHEDULE"
	StateEditingSchedule      StateKind = "EDITING_SCHEDULE"
	StateAwaitingConfirmation StateKind = "AWAITING_CONFIRMATION"
)

// ConversationState is the single live state row for a user.
type ConversationState struct {
	UserID    string
	State     StateKind
	Scratch   json.RawMessage
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the row must be treated as absent at now.
func (s ConversationState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Turn is one processed message in a user's conversation history.
type Turn struct {
	UserID    string
	Text      string
	ServiceID ServiceID
	Outcome   string
	CreatedAt time.Time
}
