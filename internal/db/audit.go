package db

import (
	"context"
	"fmt"

	"preflight-alerting/internal/models"
)

func (d *DB) AppendAudit(ctx context.Context, e models.AuditEvent) error {
	_, err := d.Pool.Exec(ctx, `
	INSERT INTO audit_events (event_id, alert_id, event_type, actor, event_at, payload)
	VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.AlertID, e.EventType, e.Actor, e.EventAt, e.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (d *DB) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := d.Pool.Query(ctx, `
	SELECT event_id, alert_id, event_type, actor, event_at, payload
	FROM audit_events
	WHERE ($1 = '' OR alert_id = $1) AND ($2 = '' OR event_type = $2)
	ORDER BY seq DESC
	LIMIT $3`, f.AlertID, string(f.EventType), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var list []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.ID, &e.AlertID, &e.EventType, &e.Actor, &e.EventAt, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
