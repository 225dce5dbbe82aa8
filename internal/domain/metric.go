package domain

import (
	"encoding/json"
	"time"
)

// Metric is one append-only processing measurement.
type Metric struct {
	UserID      string
	MessageKind string
	DurationMs  int64
	Success     bool
	Error       string
	RecordedAt  time.Time
	Details     json.RawMessage
}
