package ack

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

func TestAckLifecycle(t *testing.T) {
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	logger := logging.Discard()
	m := NewManager(st, st, audit.New(st, clk, logger), clk, logger)
	ctx := context.Background()

	alertID := models.AlertID("orders-fail-rate", "source:orders")
	_, err := m.Ack(ctx, alertID, "alice", "looking")
	assert.ErrorIs(t, err, store.ErrNotFound)

	alert, err := st.SaveAlert(ctx, models.Alert{ID: alertID, PolicyID: "orders-fail-rate", Status: models.StatusFiring}, 0)
	require.NoError(t, err)

	a, err := m.Ack(ctx, alertID, "alice", "looking")
	require.NoError(t, err)
	assert.Equal(t, "alice", a.AcknowledgedBy)
	assert.Equal(t, clk.Now(), a.AcknowledgedAt)

	// status flips leave the acknowledgement alone
	alert.Status = models.StatusResolved
	_, err = st.SaveAlert(ctx, alert, alert.Version)
	require.NoError(t, err)
	got, err := m.Get(ctx, alertID)
	require.NoError(t, err)
	assert.Equal(t, "looking", got.Note)

	active, err := m.Active(ctx)
	require.NoError(t, err)
	assert.Contains(t, active, alertID)

	cleared, err := m.Unack(ctx, alertID, "bob")
	require.NoError(t, err)
	require.NotNil(t, cleared.ClearedAt)

	_, err = m.Get(ctx, alertID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.Unack(ctx, alertID, "bob")
	assert.ErrorIs(t, err, store.ErrNotFound)

	events, err := st.ListAudit(ctx, models.AuditFilter{AlertID: alertID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.AuditUnack, events[0].EventType)
	assert.Equal(t, "bob", events[0].Actor)
	assert.Equal(t, models.AuditAck, events[1].EventType)
}
