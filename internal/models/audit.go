package models

import "time"

// AuditEventType classifies an audit log entry.
type AuditEventType string

const (
	AuditAck           AuditEventType = "ACK"
	AuditUnack         AuditEventType = "UNACK"
	AuditSilenceCreate AuditEventType = "SILENCE_CREATE"
	AuditSilenceExpire AuditEventType = "SILENCE_EXPIRE"
	AuditEvaluation    AuditEventType = "EVALUATION"
	AuditDispatch      AuditEventType = "DISPATCH"
	AuditReplay        AuditEventType = "REPLAY"
)

// SystemActor is recorded for actions taken by the scheduler.
const SystemActor = "system"

// AuditEvent is an immutable record of a state-affecting action.
type AuditEvent struct {
	ID        string                 `json:"event_id"`
	AlertID   string                 `json:"alert_id,omitempty"`
	EventType AuditEventType         `json:"event_type"`
	Actor     string                 `json:"actor"`
	EventAt   time.Time              `json:"event_at"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	AlertID   string
	EventType AuditEventType
	Limit     int
}
