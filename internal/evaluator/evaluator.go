// Package evaluator computes policy metrics from run history.
package evaluator

import (
	"context"
	"fmt"
	"time"

	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

// Result is a computed metric value plus the diagnostics stored on the alert.
type Result struct {
	Value   float64
	Context map[string]interface{}
}

type Evaluator struct {
	runs store.RunStore
}

func New(runs store.RunStore) *Evaluator {
	return &Evaluator{runs: runs}
}

// Compute evaluates p over the window ending at now.
func (e *Evaluator) Compute(ctx context.Context, p models.AlertPolicy, now time.Time) (Result, error) {
	windowDays := p.WindowDays
	if windowDays < 1 {
		windowDays = 1
	}
	since := now.Add(-time.Duration(windowDays) * 24 * time.Hour)

	if p.MetricType == models.MetricHoursSinceSuccess {
		return e.hoursSinceSuccess(ctx, p, now, since)
	}

	runs, err := e.runs.ListRuns(ctx, p.SourceName, since)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load runs for policy %s: %w", p.ID, err)
	}

	var failed, rowsTotal, rowsFailed, checksTotal, checksFailed int64
	for _, r := range runs {
		if !r.Succeeded() {
			failed++
		}
		rowsTotal += r.RowsTotal
		rowsFailed += r.RowsFailed
		checksTotal += int64(r.ChecksTotal)
		checksFailed += int64(r.ChecksFailed)
	}

	res := Result{Context: map[string]interface{}{
		"metric_type": string(p.MetricType),
		"window_days": windowDays,
		"window_from": since.Format(time.RFC3339),
		"run_count":   len(runs),
	}}
	if p.SourceName != "" {
		res.Context["source_name"] = p.SourceName
	}

	switch p.MetricType {
	case models.MetricFailRate:
		res.Value = ratio(failed, int64(len(runs)))
		res.Context["failed_runs"] = failed
	case models.MetricFailedRuns:
		res.Value = float64(failed)
	case models.MetricRunCount:
		res.Value = float64(len(runs))
	case models.MetricRowErrorRate:
		res.Value = ratio(rowsFailed, rowsTotal)
		res.Context["rows_total"] = rowsTotal
		res.Context["rows_failed"] = rowsFailed
	case models.MetricCheckFailureRate:
		res.Value = ratio(checksFailed, checksTotal)
		res.Context["checks_total"] = checksTotal
		res.Context["checks_failed"] = checksFailed
	default:
		return Result{}, fmt.Errorf("policy %s: unsupported metric_type %q", p.ID, p.MetricType)
	}
	return res, nil
}

// hoursSinceSuccess counts from the latest successful run, or from the start
// of the window when there was none.
func (e *Evaluator) hoursSinceSuccess(ctx context.Context, p models.AlertPolicy, now, since time.Time) (Result, error) {
	latest, err := e.runs.LatestSuccess(ctx, p.SourceName)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load latest success for policy %s: %w", p.ID, err)
	}
	res := Result{Context: map[string]interface{}{
		"metric_type": string(p.MetricType),
		"window_days": p.WindowDays,
	}}
	from := since
	if latest != nil {
		from = *latest
		res.Context["last_success_at"] = latest.Format(time.RFC3339)
	}
	hours := now.Sub(from).Hours()
	if hours < 0 {
		hours = 0
	}
	res.Value = hours
	return res, nil
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
