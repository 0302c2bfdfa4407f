package silence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/audit"
	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/logging"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newManager() (*Manager, *store.Memory, *clock.Fake) {
	st := store.NewMemory()
	clk := clock.NewFake(t0)
	logger := logging.Discard()
	return NewManager(st, audit.New(st, clk, logger), clk, logger), st, clk
}

func ptr[T any](v T) *T { return &v }

func TestCreate_Validation(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	_, err := m.Create(ctx, models.SilenceCreate{EndsAt: t0.Add(-time.Minute), Reason: "late"}, "alice")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = m.Create(ctx, models.SilenceCreate{
		StartsAt: ptr(t0.Add(2 * time.Hour)),
		EndsAt:   t0.Add(time.Hour),
		Reason:   "backwards",
	}, "alice")
	assert.ErrorIs(t, err, ErrInvalid)

	s, err := m.Create(ctx, models.SilenceCreate{EndsAt: t0.Add(time.Hour), Reason: "deploy"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, t0, s.StartsAt)
	assert.Equal(t, "alice", s.CreatedBy)
	assert.Equal(t, models.SilenceStateActive, s.State(t0))
}

func TestLifecycle_PendingActiveExpired(t *testing.T) {
	m, st, clk := newManager()
	ctx := context.Background()

	s, err := m.Create(ctx, models.SilenceCreate{
		Matcher:  models.SilenceMatcher{PolicyID: ptr("orders-fail-rate"), Scope: ptr("source:orders")},
		StartsAt: ptr(t0.Add(time.Hour)),
		EndsAt:   t0.Add(2 * time.Hour),
		Reason:   "window",
	}, "alice")
	require.NoError(t, err)

	active, err := m.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	listed, err := m.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	clk.Set(t0.Add(90 * time.Minute))
	active, err = m.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	clk.Set(t0.Add(2 * time.Hour))
	listed, err = m.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, listed)
	listed, err = m.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	events, err := st.ListAudit(ctx, models.AuditFilter{EventType: models.AuditSilenceCreate})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AlertID("orders-fail-rate", "source:orders"), events[0].AlertID)
	assert.Equal(t, s.ID, events[0].Payload["silence_id"])
}

func TestExpire(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()
	s, err := m.Create(ctx, models.SilenceCreate{EndsAt: t0.Add(time.Hour), Reason: "deploy"}, "alice")
	require.NoError(t, err)

	expired, err := m.Expire(ctx, s.ID, "bob")
	require.NoError(t, err)
	require.NotNil(t, expired.ExpiredAt)
	assert.Equal(t, models.SilenceStateExpired, expired.State(t0))

	active, err := m.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = m.Expire(ctx, s.ID, "bob")
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = m.Expire(ctx, "missing", "bob")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMatch(t *testing.T) {
	alert := models.Alert{PolicyID: "orders-fail-rate", Scope: "source:orders", Severity: models.SeverityCritical}
	warning := models.SeverityWarning

	silences := []models.Silence{
		{ID: "other-policy", Matcher: models.SilenceMatcher{PolicyID: ptr("billing")}, EndsAt: t0.Add(5 * time.Hour)},
		{ID: "short", Matcher: models.SilenceMatcher{PolicyID: ptr("orders-fail-rate")}, EndsAt: t0.Add(time.Hour)},
		{ID: "wrong-severity", Matcher: models.SilenceMatcher{Severity: &warning}, EndsAt: t0.Add(5 * time.Hour)},
		{ID: "long", Matcher: models.SilenceMatcher{Scope: ptr("source:orders")}, EndsAt: t0.Add(3 * time.Hour)},
	}
	got := Match(silences, alert)
	require.NotNil(t, got)
	assert.Equal(t, "long", got.ID)

	assert.Nil(t, Match(silences[:1], alert))

	// an empty matcher selects everything
	all := []models.Silence{{ID: "all", EndsAt: t0.Add(time.Hour)}}
	require.NotNil(t, Match(all, alert))
}
