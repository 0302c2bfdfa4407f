package delivery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

// statsWindow is the ledger span summarized by Stats.
const statsWindow = 7 * 24 * time.Hour

// Stats summarizes the outbox and the last week of attempts.
func Stats(ctx context.Context, outbox store.OutboxStore, attempts store.AttemptStore, now time.Time) (models.DeliveryStats, error) {
	byState, err := outbox.CountOutboxByState(ctx)
	if err != nil {
		return models.DeliveryStats{}, fmt.Errorf("failed to count outbox: %w", err)
	}
	oldest, err := outbox.OldestPending(ctx)
	if err != nil {
		return models.DeliveryStats{}, fmt.Errorf("failed to get oldest pending: %w", err)
	}
	recent, err := attempts.ListRecentAttempts(ctx, now.Add(-statsWindow), 0)
	if err != nil {
		return models.DeliveryStats{}, fmt.Errorf("failed to list attempts: %w", err)
	}

	stats := models.DeliveryStats{
		OutboxByState:    byState,
		AttemptsByStatus: map[models.AttemptStatus]int{},
		OldestPendingAt:  oldest,
	}
	var durations []int64
	sent := 0
	for _, a := range recent {
		stats.AttemptsByStatus[a.Status]++
		if a.Status == models.AttemptStarted {
			continue
		}
		stats.CompletedAttempts++
		durations = append(durations, a.DurationMS)
		if a.Status == models.AttemptSent {
			sent++
		}
	}
	if stats.CompletedAttempts > 0 {
		stats.SuccessRatePercent = float64(sent) * 100 / float64(stats.CompletedAttempts)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.LatencyP50MS = percentile(durations, 0.50)
	stats.LatencyP95MS = percentile(durations, 0.95)
	return stats, nil
}

// Trends returns one point per UTC day for the last days days, oldest first.
func Trends(ctx context.Context, attempts store.AttemptStore, days int, now time.Time) ([]models.DeliveryTrendPoint, error) {
	if days <= 0 {
		days = 7
	}
	start := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, -(days - 1))
	recent, err := attempts.ListRecentAttempts(ctx, start, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	points := make([]models.DeliveryTrendPoint, days)
	index := make(map[string]int, days)
	for i := range points {
		day := start.AddDate(0, 0, i).Format("2006-01-02")
		points[i] = models.DeliveryTrendPoint{Day: day, Counts: map[models.AttemptStatus]int{}}
		index[day] = i
	}
	for _, a := range recent {
		if i, ok := index[a.StartedAt.UTC().Format("2006-01-02")]; ok {
			points[i].Counts[a.Status]++
		}
	}
	return points, nil
}

// percentile uses nearest rank over sorted values.
func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(q*float64(len(sorted))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
