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

const outboxColumns = `
	id, event_id, delivery_id, channel_id, alert_id, event_type, payload, state,
	attempt_count, attempt_seq, next_attempt_at, created_at, updated_at, sent_at,
	last_error, replayed_from_id`

func scanOutbox(row scanner) (models.OutboxItem, error) {
	var it models.OutboxItem
	var payload []byte
	err := row.Scan(
		&it.ID,
		&it.EventID,
		&it.DeliveryID,
		&it.ChannelID,
		&it.AlertID,
		&it.EventType,
		&payload,
		&it.State,
		&it.AttemptCount,
		&it.AttemptSeq,
		&it.NextAttemptAt,
		&it.CreatedAt,
		&it.UpdatedAt,
		&it.SentAt,
		&it.LastError,
		&it.ReplayedFromID,
	)
	it.Payload = payload
	return it, err
}

func collectOutbox(rows pgx.Rows) ([]models.OutboxItem, error) {
	defer rows.Close()
	var items []models.OutboxItem
	for rows.Next() {
		it, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// EnqueueOutboxItem relies on the partial unique index over
// (event_id, channel_id) for non-replayed rows to drop duplicates.
func (d *DB) EnqueueOutboxItem(ctx context.Context, it models.OutboxItem) (bool, error) {
	query := `
	INSERT INTO notification_outbox (` + outboxColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT DO NOTHING`
	tag, err := d.Pool.Exec(ctx, query,
		it.ID, it.EventID, it.DeliveryID, it.ChannelID, it.AlertID, it.EventType,
		[]byte(it.Payload), it.State, it.AttemptCount, it.AttemptSeq, it.NextAttemptAt,
		it.CreatedAt, it.UpdatedAt, it.SentAt, it.LastError, it.ReplayedFromID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue outbox item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (d *DB) GetOutboxItem(ctx context.Context, id string) (models.OutboxItem, error) {
	row := d.Pool.QueryRow(ctx, `SELECT`+outboxColumns+` FROM notification_outbox WHERE id = $1`, id)
	it, err := scanOutbox(row)
	if err != nil {
		return models.OutboxItem{}, notFound(err, "outbox item "+id)
	}
	return it, nil
}

func (d *DB) ListOutbox(ctx context.Context, f models.OutboxFilter) ([]models.OutboxItem, error) {
	states := make([]string, len(f.States))
	for i, s := range f.States {
		states[i] = string(s)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT` + outboxColumns + ` FROM notification_outbox
	WHERE (cardinality($1::text[]) = 0 OR state = ANY($1))
	  AND ($2 = '' OR channel_id = $2)
	  AND ($3 = '' OR alert_id = $3)
	  AND (NOT $5 OR NOT EXISTS (
		SELECT 1 FROM notification_outbox child WHERE child.replayed_from_id = notification_outbox.id))
	ORDER BY created_at DESC, id
	LIMIT $4`
	rows, err := d.Pool.Query(ctx, query, states, f.ChannelID, f.AlertID, limit, f.Unreplayed)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	return collectOutbox(rows)
}

func (d *DB) HasOutboxEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := d.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notification_outbox WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check outbox event: %w", err)
	}
	return exists, nil
}

func (d *DB) ListDue(ctx context.Context, now time.Time, limit int) ([]models.OutboxItem, error) {
	query := `SELECT` + outboxColumns + ` FROM notification_outbox
	WHERE state IN ('pending', 'retrying') AND next_attempt_at <= $1
	ORDER BY next_attempt_at, created_at
	LIMIT $2`
	rows, err := d.Pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due outbox items: %w", err)
	}
	return collectOutbox(rows)
}

func (d *DB) ClaimOutboxItem(ctx context.Context, id string, state models.OutboxState, seq int, now, claimUntil time.Time) (models.OutboxItem, error) {
	row := d.Pool.QueryRow(ctx, `
	UPDATE notification_outbox
	SET attempt_seq = attempt_seq + 1, next_attempt_at = $5, updated_at = $4
	WHERE id = $1 AND state = $2 AND attempt_seq = $3 AND next_attempt_at <= $4
	RETURNING`+outboxColumns, id, state, seq, now, claimUntil)
	it, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.OutboxItem{}, fmt.Errorf("claim outbox item %s: %w", id, store.ErrConflict)
		}
		return models.OutboxItem{}, fmt.Errorf("failed to claim outbox item: %w", err)
	}
	return it, nil
}

func (d *DB) UpdateOutboxItem(ctx context.Context, it models.OutboxItem, state models.OutboxState, seq int) error {
	tag, err := d.Pool.Exec(ctx, `
	UPDATE notification_outbox
	SET state = $2, attempt_count = $3, next_attempt_at = $4, sent_at = $5,
	    last_error = $6, updated_at = $7
	WHERE id = $1 AND state = $8 AND attempt_seq = $9`,
		it.ID, it.State, it.AttemptCount, it.NextAttemptAt, it.SentAt,
		it.LastError, it.UpdatedAt, state, seq,
	)
	if err != nil {
		return fmt.Errorf("failed to update outbox item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update outbox item %s: %w", it.ID, store.ErrConflict)
	}
	return nil
}

func (d *DB) CountOutboxByState(ctx context.Context) (map[models.OutboxState]int, error) {
	counts := map[models.OutboxState]int{
		models.OutboxPending:  0,
		models.OutboxRetrying: 0,
		models.OutboxSent:     0,
		models.OutboxDead:     0,
	}
	rows, err := d.Pool.Query(ctx, `SELECT state, COUNT(*) FROM notification_outbox GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state models.OutboxState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (d *DB) OldestPending(ctx context.Context) (*time.Time, error) {
	var oldest *time.Time
	err := d.Pool.QueryRow(ctx, `
	SELECT MIN(created_at) FROM notification_outbox WHERE state IN ('pending', 'retrying')`).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to get oldest pending: %w", err)
	}
	return oldest, nil
}
