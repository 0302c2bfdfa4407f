// Package alerting advances one alert per (policy, scope) through
// OK, PENDING, FIRING and RESOLVED.
package alerting

import (
	"fmt"
	"time"

	"preflight-alerting/internal/models"
)

// Advance applies one evaluation of value against p to prev and returns the
// next alert state. prev is nil when no alert exists yet. The transition is
// nil when the status did not change. ok is false when there is nothing to
// store: alerts are only created on their first breach.
func Advance(prev *models.Alert, p models.AlertPolicy, value float64, evalCtx map[string]interface{}, now time.Time) (next models.Alert, tr *models.Transition, ok bool) {
	breach := p.Breached(value)
	if prev == nil && !breach {
		return models.Alert{}, nil, false
	}

	if prev == nil {
		next = models.Alert{
			ID:       models.AlertID(p.ID, p.Scope()),
			PolicyID: p.ID,
			Scope:    p.Scope(),
			Status:   models.StatusOK,
		}
	} else {
		next = *prev
	}
	from := next.Status

	next.RuleID = p.RuleID
	next.Severity = p.Severity
	next.Threshold = p.Threshold
	next.CurrentValue = value
	next.EvaluatedAt = now
	next.EvaluationContext = evalCtx

	debounce := p.Debounce()
	switch from {
	case models.StatusPending:
		if breach {
			next.ConsecutiveBreachCount++
			next.LastSeenAt = timePtr(now)
			if next.ConsecutiveBreachCount >= debounce {
				next.Status = models.StatusFiring
			}
		} else {
			next.Status = models.StatusOK
			next.ConsecutiveBreachCount = 0
		}
	case models.StatusFiring:
		if breach {
			next.ConsecutiveBreachCount++
			next.LastSeenAt = timePtr(now)
		} else {
			next.Status = models.StatusResolved
			next.ResolvedAt = timePtr(now)
			next.ConsecutiveBreachCount = 0
		}
	default:
		// OK, RESOLVED and a fresh alert share the same entry rules.
		if breach {
			next.ConsecutiveBreachCount = 1
			next.FirstSeenAt = timePtr(now)
			next.LastSeenAt = timePtr(now)
			next.ResolvedAt = nil
			if debounce > 1 {
				next.Status = models.StatusPending
			} else {
				next.Status = models.StatusFiring
			}
		} else {
			next.Status = models.StatusOK
			next.ConsecutiveBreachCount = 0
		}
	}

	next.Message = message(p, next.Status, value)

	if prev == nil || next.Status != from {
		next.StatusChangedAt = now
		tr = &models.Transition{
			AlertID: next.ID,
			From:    from,
			To:      next.Status,
			At:      now,
			Alert:   next,
		}
	}
	return next, tr, true
}

// Refresh records a new observation on prev without advancing it: status,
// breach count and transition timestamps stay as they are.
func Refresh(prev models.Alert, p models.AlertPolicy, value float64, evalCtx map[string]interface{}, now time.Time) models.Alert {
	next := prev
	next.CurrentValue = value
	next.EvaluatedAt = now
	next.EvaluationContext = evalCtx
	if p.Breached(value) && next.Status.Active() {
		next.LastSeenAt = timePtr(now)
	}
	next.Message = message(p, next.Status, value)
	return next
}

func message(p models.AlertPolicy, status models.AlertStatus, value float64) string {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	switch status {
	case models.StatusResolved, models.StatusOK:
		return fmt.Sprintf("%s: %s is %.4g, no longer %s %.4g", name, p.MetricType, value, p.Operator, p.Threshold)
	default:
		return fmt.Sprintf("%s: %s is %.4g, %s %.4g", name, p.MetricType, value, p.Operator, p.Threshold)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
