package domain

import "encoding/json"

// OutcomeKind is what processing one message led to.
type OutcomeKind string

const (
	OutcomeExecuted             OutcomeKind = "EXECUTED"
	OutcomeAwaitingConfirmation OutcomeKind = "AWAITING_CONFIRMATION"
	OutcomeConfirmed            OutcomeKind = "CONFIRMED"
	OutcomeCancelled            OutcomeKind = "CANCELLED"
	OutcomeEditing              OutcomeKind = "EDITING"
	OutcomeNeedsData            OutcomeKind = "NEEDS_DATA"
	OutcomeNoAction             OutcomeKind = "NO_ACTION"
	OutcomeFailed               OutcomeKind = "FAILED"
)

// Outcome is the structured result of processing one message. It is stored
// as the queue item's result and handed to the reply layer.
type Outcome struct {
	MessageID  string                 `json:"messageId"`
	UserID     string                 `json:"userId"`
	Kind       OutcomeKind            `json:"kind"`
	ServiceID  ServiceID              `json:"serviceId,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Results    []json.RawMessage      `json:"results,omitempty"`
	Candidates []TransactionCandidate `json:"candidates,omitempty"`
	Token      string                 `json:"token,omitempty"`
	Errors     []string               `json:"errors,omitempty"`
}
