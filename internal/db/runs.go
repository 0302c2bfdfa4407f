package db

import (
	"context"
	"fmt"
	"time"

	"preflight-alerting/internal/models"
)

// UpsertRun records a run observation, replacing an earlier report of the same run.
func (d *DB) UpsertRun(ctx context.Context, r models.RunObservation) error {
	query := `
	INSERT INTO run_observations (
		run_id, source_name, status, started_at, finished_at,
		rows_total, rows_failed, checks_total, checks_failed
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (run_id) DO UPDATE SET
		source_name = EXCLUDED.source_name,
		status = EXCLUDED.status,
		started_at = EXCLUDED.started_at,
		finished_at = EXCLUDED.finished_at,
		rows_total = EXCLUDED.rows_total,
		rows_failed = EXCLUDED.rows_failed,
		checks_total = EXCLUDED.checks_total,
		checks_failed = EXCLUDED.checks_failed`
	_, err := d.Pool.Exec(ctx, query,
		r.RunID, r.SourceName, r.Status, r.StartedAt, r.FinishedAt,
		r.RowsTotal, r.RowsFailed, r.ChecksTotal, r.ChecksFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", r.RunID, err)
	}
	return nil
}

// ListRuns returns runs started since the given time, optionally for one source.
func (d *DB) ListRuns(ctx context.Context, source string, since time.Time) ([]models.RunObservation, error) {
	query := `
	SELECT run_id, source_name, status, started_at, finished_at,
	       rows_total, rows_failed, checks_total, checks_failed
	FROM run_observations
	WHERE started_at >= $1 AND ($2 = '' OR source_name = $2)
	ORDER BY started_at`
	rows, err := d.Pool.Query(ctx, query, since, source)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunObservation
	for rows.Next() {
		var r models.RunObservation
		if err := rows.Scan(
			&r.RunID, &r.SourceName, &r.Status, &r.StartedAt, &r.FinishedAt,
			&r.RowsTotal, &r.RowsFailed, &r.ChecksTotal, &r.ChecksFailed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestSuccess returns the finish time of the most recent successful run.
func (d *DB) LatestSuccess(ctx context.Context, source string) (*time.Time, error) {
	var latest *time.Time
	err := d.Pool.QueryRow(ctx, `
	SELECT MAX(finished_at) FROM run_observations
	WHERE status = 'success' AND ($1 = '' OR source_name = $1)`, source).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest success: %w", err)
	}
	return latest, nil
}

func (d *DB) CountRuns(ctx context.Context) (int, error) {
	var n int
	if err := d.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM run_observations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}
