package models

import "time"

// Acknowledgement marks an alert as being handled by a human.
type Acknowledgement struct {
	AlertID        string     `json:"alert_id"`
	AcknowledgedBy string     `json:"acknowledged_by"`
	AcknowledgedAt time.Time  `json:"acknowledged_at"`
	Note           string     `json:"note,omitempty"`
	ClearedAt      *time.Time `json:"cleared_at,omitempty"`
}

// Active reports whether the acknowledgement has not been cleared.
func (a Acknowledgement) Active() bool {
	return a.ClearedAt == nil
}
