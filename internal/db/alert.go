package db

import (
	"context"
	"fmt"

	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

const alertColumns = `
	alert_id, policy_id, rule_id, scope, status, severity, first_seen_at, last_seen_at,
	resolved_at, status_changed_at, current_value, threshold, message, evaluated_at,
	evaluation_context, consecutive_breach_count, version`

func scanAlert(row scanner) (models.Alert, error) {
	var a models.Alert
	err := row.Scan(
		&a.ID,
		&a.PolicyID,
		&a.RuleID,
		&a.Scope,
		&a.Status,
		&a.Severity,
		&a.FirstSeenAt,
		&a.LastSeenAt,
		&a.ResolvedAt,
		&a.StatusChangedAt,
		&a.CurrentValue,
		&a.Threshold,
		&a.Message,
		&a.EvaluatedAt,
		&a.EvaluationContext,
		&a.ConsecutiveBreachCount,
		&a.Version,
	)
	return a, err
}

// GetAlert fetches a single alert by its deterministic id.
func (d *DB) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	row := d.Pool.QueryRow(ctx, `SELECT`+alertColumns+` FROM alerts WHERE alert_id = $1`, id)
	a, err := scanAlert(row)
	if err != nil {
		return models.Alert{}, notFound(err, "alert "+id)
	}
	return a, nil
}

// ListAlerts returns alerts in the given statuses, most recently changed first.
func (d *DB) ListAlerts(ctx context.Context, statuses ...models.AlertStatus) ([]models.Alert, error) {
	query := `SELECT` + alertColumns + ` FROM alerts`
	var args []interface{}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY status_changed_at DESC, alert_id`

	rows, err := d.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var list []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// SaveAlert inserts or version-checked updates an alert.
func (d *DB) SaveAlert(ctx context.Context, a models.Alert, expectedVersion int64) (models.Alert, error) {
	a.Version = expectedVersion + 1
	if expectedVersion == 0 {
		query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (alert_id) DO NOTHING`
		tag, err := d.Pool.Exec(ctx, query,
			a.ID, a.PolicyID, a.RuleID, a.Scope, a.Status, a.Severity,
			a.FirstSeenAt, a.LastSeenAt, a.ResolvedAt, a.StatusChangedAt,
			a.CurrentValue, a.Threshold, a.Message, a.EvaluatedAt,
			a.EvaluationContext, a.ConsecutiveBreachCount, a.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return models.Alert{}, fmt.Errorf("alert %s already exists: %w", a.ID, store.ErrConflict)
			}
			return models.Alert{}, fmt.Errorf("failed to insert alert: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.Alert{}, fmt.Errorf("alert %s already exists: %w", a.ID, store.ErrConflict)
		}
		return a, nil
	}

	query := `
	UPDATE alerts
	SET status = $2, severity = $3, rule_id = $4, first_seen_at = $5, last_seen_at = $6,
	    resolved_at = $7, status_changed_at = $8, current_value = $9, threshold = $10,
	    message = $11, evaluated_at = $12, evaluation_context = $13,
	    consecutive_breach_count = $14, version = $15
	WHERE alert_id = $1 AND version = $16`
	tag, err := d.Pool.Exec(ctx, query,
		a.ID, a.Status, a.Severity, a.RuleID, a.FirstSeenAt, a.LastSeenAt,
		a.ResolvedAt, a.StatusChangedAt, a.CurrentValue, a.Threshold,
		a.Message, a.EvaluatedAt, a.EvaluationContext,
		a.ConsecutiveBreachCount, a.Version, expectedVersion,
	)
	if err != nil {
		return models.Alert{}, fmt.Errorf("failed to update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Alert{}, fmt.Errorf("alert %s version %d: %w", a.ID, expectedVersion, store.ErrConflict)
	}
	return a, nil
}
