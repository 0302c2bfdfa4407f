package db

import (
	"context"
	"fmt"
	"time"

	"preflight-alerting/internal/models"
)

// SaveAck creates or refreshes the acknowledgement of an alert.
func (d *DB) SaveAck(ctx context.Context, a models.Acknowledgement) error {
	query := `
	INSERT INTO acknowledgements (alert_id, acknowledged_by, acknowledged_at, note, cleared_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (alert_id) DO UPDATE SET
		acknowledged_by = EXCLUDED.acknowledged_by,
		acknowledged_at = EXCLUDED.acknowledged_at,
		note = EXCLUDED.note,
		cleared_at = EXCLUDED.cleared_at`
	if _, err := d.Pool.Exec(ctx, query, a.AlertID, a.AcknowledgedBy, a.AcknowledgedAt, a.Note, a.ClearedAt); err != nil {
		return fmt.Errorf("failed to save acknowledgement: %w", err)
	}
	return nil
}

func (d *DB) GetAck(ctx context.Context, alertID string) (models.Acknowledgement, error) {
	var a models.Acknowledgement
	err := d.Pool.QueryRow(ctx, `
	SELECT alert_id, acknowledged_by, acknowledged_at, note, cleared_at
	FROM acknowledgements WHERE alert_id = $1 AND cleared_at IS NULL`, alertID).Scan(
		&a.AlertID, &a.AcknowledgedBy, &a.AcknowledgedAt, &a.Note, &a.ClearedAt,
	)
	if err != nil {
		return models.Acknowledgement{}, notFound(err, "acknowledgement "+alertID)
	}
	return a, nil
}

func (d *DB) ClearAck(ctx context.Context, alertID string, at time.Time) (models.Acknowledgement, error) {
	var a models.Acknowledgement
	err := d.Pool.QueryRow(ctx, `
	UPDATE acknowledgements SET cleared_at = $2
	WHERE alert_id = $1 AND cleared_at IS NULL
	RETURNING alert_id, acknowledged_by, acknowledged_at, note, cleared_at`, alertID, at).Scan(
		&a.AlertID, &a.AcknowledgedBy, &a.AcknowledgedAt, &a.Note, &a.ClearedAt,
	)
	if err != nil {
		return models.Acknowledgement{}, notFound(err, "acknowledgement "+alertID)
	}
	return a, nil
}

func (d *DB) ListAcks(ctx context.Context) ([]models.Acknowledgement, error) {
	rows, err := d.Pool.Query(ctx, `
	SELECT alert_id, acknowledged_by, acknowledged_at, note, cleared_at
	FROM acknowledgements WHERE cleared_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list acknowledgements: %w", err)
	}
	defer rows.Close()

	var list []models.Acknowledgement
	for rows.Next() {
		var a models.Acknowledgement
		if err := rows.Scan(&a.AlertID, &a.AcknowledgedBy, &a.AcknowledgedAt, &a.Note, &a.ClearedAt); err != nil {
			return nil, fmt.Errorf("failed to scan acknowledgement: %w", err)
		}
		list = append(list, a)
	}
	return list, rows.Err()
}
