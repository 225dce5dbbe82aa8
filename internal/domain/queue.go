package domain

import (
	"encoding/json"
	"time"
)

// QueueStatus is the lifecycle status of a queued message.
type QueueStatus string

const (
	QueuePending    QueueStatus = "PENDING"
	QueueProcessing QueueStatus = "PROCESSING"
	QueueDone       QueueStatus = "DONE"
	QueueFailed     QueueStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s QueueStatus) Terminal() bool {
	return s == QueueDone || s == QueueFailed
}

// QueuedMessage is an inbound message tracked by the processing queue.
type QueuedMessage struct {
	ID         string
	UserID     string
	RawText    string
	EnqueuedAt time.Time
	ClaimedAt  time.Time
	UpdatedAt  time.Time
	Status     QueueStatus
	Attempts   int
	Result     json.RawMessage
	Error      string
}
