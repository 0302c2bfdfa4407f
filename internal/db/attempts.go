package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

const attemptColumns = `
	attempt_id, outbox_item_id, attempt_number, status, started_at, completed_at,
	duration_ms, http_status, error_code, error_message`

func scanAttempt(row scanner) (models.DeliveryAttempt, error) {
	var a models.DeliveryAttempt
	err := row.Scan(
		&a.ID,
		&a.OutboxItemID,
		&a.AttemptNumber,
		&a.Status,
		&a.StartedAt,
		&a.CompletedAt,
		&a.DurationMS,
		&a.HTTPStatus,
		&a.ErrorCode,
		&a.ErrorMessage,
	)
	return a, err
}

func collectAttempts(rows pgx.Rows) ([]models.DeliveryAttempt, error) {
	defer rows.Close()
	var list []models.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func (d *DB) InsertAttempt(ctx context.Context, a models.DeliveryAttempt) error {
	_, err := d.Pool.Exec(ctx, `
	INSERT INTO delivery_attempts (`+attemptColumns+`)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.OutboxItemID, a.AttemptNumber, a.Status, a.StartedAt, a.CompletedAt,
		a.DurationMS, a.HTTPStatus, a.ErrorCode, a.ErrorMessage,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("attempt %d for item %s: %w", a.AttemptNumber, a.OutboxItemID, store.ErrConflict)
		}
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	return nil
}

// FinalizeAttempt is the only write a ledger row receives after insert.
func (d *DB) FinalizeAttempt(ctx context.Context, id string, res models.AttemptResult) (models.DeliveryAttempt, error) {
	row := d.Pool.QueryRow(ctx, `
	UPDATE delivery_attempts
	SET status = $2, completed_at = $3,
	    duration_ms = GREATEST(0, (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::BIGINT),
	    http_status = $4, error_code = $5, error_message = $6
	WHERE attempt_id = $1 AND status = 'STARTED'
	RETURNING`+attemptColumns,
		id, res.Status, res.CompletedAt, res.HTTPStatus, res.ErrorCode, res.ErrorMessage,
	)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DeliveryAttempt{}, fmt.Errorf("attempt %s not started: %w", id, store.ErrConflict)
		}
		return models.DeliveryAttempt{}, fmt.Errorf("failed to finalize attempt: %w", err)
	}
	return a, nil
}

func (d *DB) GetAttempt(ctx context.Context, id string) (models.DeliveryAttempt, error) {
	row := d.Pool.QueryRow(ctx, `SELECT`+attemptColumns+` FROM delivery_attempts WHERE attempt_id = $1`, id)
	a, err := scanAttempt(row)
	if err != nil {
		return models.DeliveryAttempt{}, notFound(err, "attempt "+id)
	}
	return a, nil
}

func (d *DB) ListAttempts(ctx context.Context, itemID string) ([]models.DeliveryAttempt, error) {
	rows, err := d.Pool.Query(ctx, `SELECT`+attemptColumns+`
	FROM delivery_attempts WHERE outbox_item_id = $1 ORDER BY attempt_number`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return collectAttempts(rows)
}

func (d *DB) ListRecentAttempts(ctx context.Context, since time.Time, limit int) ([]models.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := d.Pool.Query(ctx, `SELECT`+attemptColumns+`
	FROM delivery_attempts WHERE started_at >= $1
	ORDER BY started_at DESC, attempt_number DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent attempts: %w", err)
	}
	return collectAttempts(rows)
}

func (d *DB) ListStaleAttempts(ctx context.Context, startedBefore time.Time) ([]models.DeliveryAttempt, error) {
	rows, err := d.Pool.Query(ctx, `SELECT`+attemptColumns+`
	FROM delivery_attempts WHERE status = 'STARTED' AND started_at < $1
	ORDER BY started_at`, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale attempts: %w", err)
	}
	return collectAttempts(rows)
}
