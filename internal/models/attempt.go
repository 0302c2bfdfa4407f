package models

import "time"

// AttemptStatus is the outcome recorded in the attempt ledger.
type AttemptStatus string

const (
	AttemptStarted AttemptStatus = "STARTED"
	AttemptSent    AttemptStatus = "SENT"
	AttemptRetry   AttemptStatus = "RETRY"
	AttemptDead    AttemptStatus = "DEAD"
	AttemptFailed  AttemptStatus = "FAILED"
)

// DeliveryAttempt is one ledger row. It is written as STARTED and finalized
// exactly once; after that it never changes.
type DeliveryAttempt struct {
	ID            string        `json:"attempt_id"`
	OutboxItemID  string        `json:"outbox_item_id"`
	AttemptNumber int           `json:"attempt_number"`
	Status        AttemptStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	DurationMS    int64         `json:"duration_ms"`
	HTTPStatus    int           `json:"http_status,omitempty"`
	ErrorCode     string        `json:"error_code,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

// AttemptResult carries the fields written when an attempt is finalized.
type AttemptResult struct {
	Status       AttemptStatus
	CompletedAt  time.Time
	HTTPStatus   int
	ErrorCode    string
	ErrorMessage string
}

// DeliveryStats summarizes the outbox and the attempt ledger.
type DeliveryStats struct {
	OutboxByState      map[OutboxState]int   `json:"outbox_by_state"`
	AttemptsByStatus   map[AttemptStatus]int `json:"attempts_by_status"`
	OldestPendingAt    *time.Time            `json:"oldest_pending_at,omitempty"`
	LatencyP50MS       int64                 `json:"latency_p50_ms"`
	LatencyP95MS       int64                 `json:"latency_p95_ms"`
	CompletedAttempts  int                   `json:"completed_attempts"`
	SuccessRatePercent float64               `json:"success_rate_percent"`
}

// DeliveryTrendPoint is the per-day attempt breakdown.
type DeliveryTrendPoint struct {
	Day    string                `json:"day"`
	Counts map[AttemptStatus]int `json:"counts"`
}
