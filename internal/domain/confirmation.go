package domain

import "time"

// TransactionCandidate is an extracted transaction awaiting user approval.
type TransactionCandidate struct {
	ServiceID ServiceID      `json:"serviceId"`
	Fields    map[string]any `json:"fields"`
}

// PendingConfirmation holds the candidates staged for one user.
type PendingConfirmation struct {
	UserID          string                 `json:"userId"`
	Token           string                 `json:"token"`
	Candidates      []TransactionCandidate `json:"candidates"`
	CreatedAt       time.Time              `json:"createdAt"`
	SourceMessageID string                 `json:"sourceMessageId,omitempty"`
}
