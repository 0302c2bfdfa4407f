package alerting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/models"
)

func failRatePolicy(pending int) models.AlertPolicy {
	return models.AlertPolicy{
		ID:                 "orders-fail-rate",
		Enabled:            true,
		Severity:           models.SeverityCritical,
		MetricType:         models.MetricFailRate,
		Operator:           models.OpGT,
		Threshold:          0.5,
		WindowDays:         7,
		SourceName:         "orders",
		PendingEvaluations: pending,
	}
}

func TestAdvance_NoAlertWithoutBreach(t *testing.T) {
	_, tr, ok := Advance(nil, failRatePolicy(1), 0.1, nil, time.Now())
	assert.False(t, ok)
	assert.Nil(t, tr)
}

func TestAdvance_FirstBreachFiresWithoutDebounce(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := failRatePolicy(1)

	next, tr, ok := Advance(nil, p, 0.8, nil, now)
	require.True(t, ok)
	require.NotNil(t, tr)
	assert.Equal(t, models.StatusOK, tr.From)
	assert.Equal(t, models.StatusFiring, tr.To)
	assert.Equal(t, models.AlertID(p.ID, "source:orders"), next.ID)
	assert.Equal(t, 1, next.ConsecutiveBreachCount)
	require.NotNil(t, next.FirstSeenAt)
	assert.Equal(t, now, *next.FirstSeenAt)
	assert.Equal(t, now, next.StatusChangedAt)
}

func TestAdvance_DebounceSequence(t *testing.T) {
	p := failRatePolicy(2)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	steps := []struct {
		value float64
		want  models.AlertStatus
		trans bool
	}{
		{0.6, models.StatusPending, true},
		{0.6, models.StatusFiring, true},
		{0.7, models.StatusFiring, false},
		{0.2, models.StatusResolved, true},
		{0.2, models.StatusOK, true},
		{0.1, models.StatusOK, false},
	}

	var cur *models.Alert
	for i, step := range steps {
		now := start.Add(time.Duration(i) * time.Minute)
		next, tr, ok := Advance(cur, p, step.value, nil, now)
		require.True(t, ok, "step %d", i)
		assert.Equal(t, step.want, next.Status, "step %d", i)
		assert.Equal(t, step.trans, tr != nil, "step %d", i)
		cur = &next
	}
	assert.Equal(t, 0, cur.ConsecutiveBreachCount)
}

func TestAdvance_PendingRecovers(t *testing.T) {
	p := failRatePolicy(3)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	a, _, _ := Advance(nil, p, 0.9, nil, now)
	require.Equal(t, models.StatusPending, a.Status)

	b, tr, ok := Advance(&a, p, 0.1, nil, now.Add(time.Minute))
	require.True(t, ok)
	require.NotNil(t, tr)
	assert.Equal(t, models.StatusPending, tr.From)
	assert.Equal(t, models.StatusOK, b.Status)
	assert.Equal(t, 0, b.ConsecutiveBreachCount)
}

func TestAdvance_ResolvedStartsFreshCycle(t *testing.T) {
	p := failRatePolicy(1)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	a, _, _ := Advance(nil, p, 0.9, nil, t0)
	b, _, _ := Advance(&a, p, 0.1, nil, t0.Add(time.Minute))
	require.Equal(t, models.StatusResolved, b.Status)
	require.NotNil(t, b.ResolvedAt)

	c, tr, ok := Advance(&b, p, 0.9, nil, t0.Add(2*time.Minute))
	require.True(t, ok)
	require.NotNil(t, tr)
	assert.Equal(t, models.StatusResolved, tr.From)
	assert.Equal(t, models.StatusFiring, c.Status)
	assert.Equal(t, 1, c.ConsecutiveBreachCount)
	assert.Nil(t, c.ResolvedAt)
	assert.Equal(t, t0.Add(2*time.Minute), *c.FirstSeenAt)
}

func TestAdvance_FiringKeepsStatusChangedAt(t *testing.T) {
	p := failRatePolicy(1)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	a, _, _ := Advance(nil, p, 0.9, nil, t0)
	b, tr, ok := Advance(&a, p, 0.95, nil, t0.Add(time.Minute))
	require.True(t, ok)
	assert.Nil(t, tr)
	assert.Equal(t, t0, b.StatusChangedAt)
	assert.Equal(t, 0.95, b.CurrentValue)
	assert.Equal(t, t0.Add(time.Minute), *b.LastSeenAt)
	assert.Equal(t, 2, b.ConsecutiveBreachCount)
}

func TestRefresh_KeepsStateMachinePosition(t *testing.T) {
	p := models.AlertPolicy{ID: "p", Operator: models.OpGT, Threshold: 0.5, PendingEvaluations: 3}
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	prev, _, ok := Advance(nil, p, 0.6, nil, t0)
	require.True(t, ok)

	next := Refresh(prev, p, 0.9, map[string]interface{}{"runs": 4}, t0.Add(time.Second))
	assert.Equal(t, models.StatusPending, next.Status)
	assert.Equal(t, 1, next.ConsecutiveBreachCount)
	assert.Equal(t, prev.StatusChangedAt, next.StatusChangedAt)
	assert.Equal(t, 0.9, next.CurrentValue)
	assert.Equal(t, t0.Add(time.Second), next.EvaluatedAt)
	require.NotNil(t, next.LastSeenAt)
	assert.Equal(t, t0.Add(time.Second), *next.LastSeenAt)
}
