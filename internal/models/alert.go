package models

import (
	"time"

	"github.com/google/uuid"
)

// AlertStatus is the computed condition of an alert.
type AlertStatus string

const (
	StatusOK       AlertStatus = "OK"
	StatusPending  AlertStatus = "PENDING"
	StatusFiring   AlertStatus = "FIRING"
	StatusResolved AlertStatus = "RESOLVED"
)

// Active reports whether the status counts as an active alert for reads and dispatch.
func (s AlertStatus) Active() bool {
	return s == StatusPending || s == StatusFiring
}

// Valid reports whether s is one of the four known statuses.
func (s AlertStatus) Valid() bool {
	switch s {
	case StatusOK, StatusPending, StatusFiring, StatusResolved:
		return true
	}
	return false
}

// idNamespace seeds the name-based UUIDs used for alert and event ids.
var idNamespace = uuid.MustParse("6f1c3a52-8d0e-4b7a-9c55-1e0f7d2b9a41")

// AlertID derives the stable alert id for a (policy, scope) pair.
func AlertID(policyID, scope string) string {
	return uuid.NewSHA1(idNamespace, []byte(policyID+"|"+scope)).String()
}

// EventID derives the idempotency key receivers use to drop duplicate deliveries.
// at is hashed at microsecond precision so a timestamp read back from
// Postgres yields the same id as the one it was written with.
func EventID(alertID string, status AlertStatus, at time.Time) string {
	key := alertID + "|" + string(status) + "|" + at.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

// Alert is the single live record for a (policy_id, scope) pair.
type Alert struct {
	ID                     string                 `json:"alert_id"`
	PolicyID               string                 `json:"policy_id"`
	RuleID                 string                 `json:"rule_id,omitempty"`
	Scope                  string                 `json:"scope"`
	Status                 AlertStatus            `json:"status"`
	Severity               Severity               `json:"severity"`
	FirstSeenAt            *time.Time             `json:"first_seen_at,omitempty"`
	LastSeenAt             *time.Time             `json:"last_seen_at,omitempty"`
	ResolvedAt             *time.Time             `json:"resolved_at,omitempty"`
	StatusChangedAt        time.Time              `json:"status_changed_at"`
	CurrentValue           float64                `json:"current_value"`
	Threshold              float64                `json:"threshold"`
	Message                string                 `json:"message"`
	EvaluatedAt            time.Time              `json:"evaluated_at"`
	EvaluationContext      map[string]interface{} `json:"evaluation_context,omitempty"`
	ConsecutiveBreachCount int                    `json:"consecutive_breach_count"`
	Version                int64                  `json:"-"`
}

// Transition is a status change recorded by the state machine.
type Transition struct {
	AlertID string      `json:"alert_id"`
	From    AlertStatus `json:"from"`
	To      AlertStatus `json:"to"`
	At      time.Time   `json:"at"`
	Alert   Alert       `json:"alert"`
}

// EventID returns the idempotency key of the notification this transition produces.
func (t Transition) EventID() string {
	return EventID(t.AlertID, t.To, t.At)
}

// AlertView is an alert joined with its human overlays at read time.
type AlertView struct {
	Alert
	Silenced        bool             `json:"silenced"`
	SilencedBy      *Silence         `json:"silenced_by,omitempty"`
	Acknowledged    bool             `json:"acknowledged"`
	Acknowledgement *Acknowledgement `json:"acknowledgement,omitempty"`
}
