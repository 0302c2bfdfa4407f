package models

import "time"

// SilenceState is the derived lifecycle state of a silence.
type SilenceState string

const (
	SilenceStatePending SilenceState = "pending"
	SilenceStateActive  SilenceState = "active"
	SilenceStateExpired SilenceState = "expired"
)

// SilenceMatcher selects alerts by field equality. A nil field matches anything.
type SilenceMatcher struct {
	PolicyID *string   `json:"policy_id,omitempty"`
	Scope    *string   `json:"scope,omitempty"`
	Severity *Severity `json:"severity,omitempty"`
	RuleID   *string   `json:"rule_id,omitempty"`
}

// Matches AND-matches every populated field against the alert.
func (m SilenceMatcher) Matches(a Alert) bool {
	if m.PolicyID != nil && *m.PolicyID != a.PolicyID {
		return false
	}
	if m.Scope != nil && *m.Scope != a.Scope {
		return false
	}
	if m.Severity != nil && *m.Severity != a.Severity {
		return false
	}
	if m.RuleID != nil && *m.RuleID != a.RuleID {
		return false
	}
	return true
}

// Silence suppresses delivery for matching alerts between StartsAt and EndsAt.
type Silence struct {
	ID        string         `json:"silence_id"`
	Matcher   SilenceMatcher `json:"matcher"`
	StartsAt  time.Time      `json:"starts_at"`
	EndsAt    time.Time      `json:"ends_at"`
	Reason    string         `json:"reason"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiredAt *time.Time     `json:"expired_at,omitempty"`
}

// IsActive reports whether now is inside [StartsAt, EndsAt) and the silence was not expired.
func (s Silence) IsActive(now time.Time) bool {
	if s.ExpiredAt != nil {
		return false
	}
	return !now.Before(s.StartsAt) && now.Before(s.EndsAt)
}

// State returns the silence state at now.
func (s Silence) State(now time.Time) SilenceState {
	switch {
	case s.ExpiredAt != nil:
		return SilenceStateExpired
	case now.Before(s.StartsAt):
		return SilenceStatePending
	case now.Before(s.EndsAt):
		return SilenceStateActive
	default:
		return SilenceStateExpired
	}
}

// SilenceCreate is the input for creating a silence.
type SilenceCreate struct {
	Matcher  SilenceMatcher `json:"matcher"`
	StartsAt *time.Time     `json:"starts_at,omitempty"`
	EndsAt   time.Time      `json:"ends_at" binding:"required"`
	Reason   string         `json:"reason" binding:"required"`
}
