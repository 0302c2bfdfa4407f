package db

import (
	"context"
	"fmt"
	"time"

	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

const silenceColumns = `
	silence_id, policy_id, scope, severity, rule_id, starts_at, ends_at,
	reason, created_by, created_at, expired_at`

func scanSilence(row scanner) (models.Silence, error) {
	var s models.Silence
	var severity *string
	err := row.Scan(
		&s.ID,
		&s.Matcher.PolicyID,
		&s.Matcher.Scope,
		&severity,
		&s.Matcher.RuleID,
		&s.StartsAt,
		&s.EndsAt,
		&s.Reason,
		&s.CreatedBy,
		&s.CreatedAt,
		&s.ExpiredAt,
	)
	if severity != nil {
		sev := models.Severity(*severity)
		s.Matcher.Severity = &sev
	}
	return s, err
}

func (d *DB) CreateSilence(ctx context.Context, s models.Silence) error {
	var severity *string
	if s.Matcher.Severity != nil {
		v := string(*s.Matcher.Severity)
		severity = &v
	}
	query := `
	INSERT INTO silences (` + silenceColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := d.Pool.Exec(ctx, query,
		s.ID, s.Matcher.PolicyID, s.Matcher.Scope, severity, s.Matcher.RuleID,
		s.StartsAt, s.EndsAt, s.Reason, s.CreatedBy, s.CreatedAt, s.ExpiredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("silence %s: %w", s.ID, store.ErrConflict)
		}
		return fmt.Errorf("failed to create silence: %w", err)
	}
	return nil
}

func (d *DB) GetSilence(ctx context.Context, id string) (models.Silence, error) {
	row := d.Pool.QueryRow(ctx, `SELECT`+silenceColumns+` FROM silences WHERE silence_id = $1`, id)
	s, err := scanSilence(row)
	if err != nil {
		return models.Silence{}, notFound(err, "silence "+id)
	}
	return s, nil
}

func (d *DB) ListSilences(ctx context.Context) ([]models.Silence, error) {
	rows, err := d.Pool.Query(ctx, `SELECT`+silenceColumns+` FROM silences ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list silences: %w", err)
	}
	defer rows.Close()

	var list []models.Silence
	for rows.Next() {
		s, err := scanSilence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan silence: %w", err)
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// ExpireSilence stamps expired_at once; a second expire is a conflict.
func (d *DB) ExpireSilence(ctx context.Context, id string, at time.Time) (models.Silence, error) {
	row := d.Pool.QueryRow(ctx, `
	UPDATE silences SET expired_at = $2
	WHERE silence_id = $1 AND expired_at IS NULL
	RETURNING`+silenceColumns, id, at)
	s, err := scanSilence(row)
	if err == nil {
		return s, nil
	}
	if _, getErr := d.GetSilence(ctx, id); getErr != nil {
		return models.Silence{}, getErr
	}
	return models.Silence{}, fmt.Errorf("silence %s already expired: %w", id, store.ErrConflict)
}
