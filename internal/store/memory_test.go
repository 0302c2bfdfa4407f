package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMemory_SaveAlertVersioning(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := models.Alert{ID: "a1", Status: models.StatusPending, EvaluationContext: map[string]interface{}{"k": 1}}

	saved, err := m.SaveAlert(ctx, a, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	_, err = m.SaveAlert(ctx, a, 0)
	assert.ErrorIs(t, err, ErrConflict)

	saved.Status = models.StatusFiring
	saved, err = m.SaveAlert(ctx, saved, saved.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	// a stale writer loses
	_, err = m.SaveAlert(ctx, saved, 1)
	assert.ErrorIs(t, err, ErrConflict)

	// callers get copies
	saved.EvaluationContext["k"] = 2
	got, err := m.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.EvaluationContext["k"])

	_, err = m.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func item(id, eventID, channel string) models.OutboxItem {
	return models.OutboxItem{
		ID:            id,
		EventID:       eventID,
		ChannelID:     channel,
		Payload:       json.RawMessage(`{}`),
		State:         models.OutboxPending,
		NextAttemptAt: t0,
		CreatedAt:     t0,
	}
}

func TestMemory_EnqueueDedupes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.EnqueueOutboxItem(ctx, item("i1", "e1", "c1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.EnqueueOutboxItem(ctx, item("i2", "e1", "c1"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.EnqueueOutboxItem(ctx, item("i3", "e1", "c2"))
	require.NoError(t, err)
	assert.True(t, ok)

	// replays of the same event are allowed
	replay := item("i4", "e1", "c1")
	src := "i1"
	replay.ReplayedFromID = &src
	ok, err = m.EnqueueOutboxItem(ctx, replay)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.EnqueueOutboxItem(ctx, item("i1", "e9", "c9"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemory_ClaimIsCheckAndSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.EnqueueOutboxItem(ctx, item("i1", "e1", "c1"))
	require.NoError(t, err)

	claimed, err := m.ClaimOutboxItem(ctx, "i1", models.OutboxPending, 0, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.AttemptSeq)
	assert.Equal(t, t0.Add(time.Minute), claimed.NextAttemptAt)

	// a second worker holding the same snapshot loses
	_, err = m.ClaimOutboxItem(ctx, "i1", models.OutboxPending, 0, t0, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrConflict)

	// not due again until the claim window lapses
	due, err := m.ListDue(ctx, t0.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	claimed.State = models.OutboxSent
	require.NoError(t, m.UpdateOutboxItem(ctx, claimed, models.OutboxPending, 1))
	assert.ErrorIs(t, m.UpdateOutboxItem(ctx, claimed, models.OutboxPending, 1), ErrConflict)

	due, err = m.ListDue(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	counts, err := m.CountOutboxByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.OutboxSent])
	assert.Equal(t, 0, counts[models.OutboxPending])
}

func TestMemory_FinalizeAttemptOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := models.DeliveryAttempt{ID: "a1", OutboxItemID: "i1", AttemptNumber: 1, Status: models.AttemptStarted, StartedAt: t0}
	require.NoError(t, m.InsertAttempt(ctx, a))

	dup := a
	dup.ID = "a2"
	assert.ErrorIs(t, m.InsertAttempt(ctx, dup), ErrConflict)

	stale, err := m.ListStaleAttempts(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	done, err := m.FinalizeAttempt(ctx, "a1", models.AttemptResult{
		Status:      models.AttemptSent,
		CompletedAt: t0.Add(250 * time.Millisecond),
		HTTPStatus:  200,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(250), done.DurationMS)
	assert.Equal(t, models.AttemptSent, done.Status)

	_, err = m.FinalizeAttempt(ctx, "a1", models.AttemptResult{Status: models.AttemptFailed, CompletedAt: t0})
	assert.ErrorIs(t, err, ErrConflict)

	stale, err = m.ListStaleAttempts(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestMemory_AcksAndSilences(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveAck(ctx, models.Acknowledgement{AlertID: "a1", AcknowledgedBy: "alice"}))
	acks, err := m.ListAcks(ctx)
	require.NoError(t, err)
	assert.Len(t, acks, 1)

	_, err = m.ClearAck(ctx, "a1", t0)
	require.NoError(t, err)
	acks, err = m.ListAcks(ctx)
	require.NoError(t, err)
	assert.Empty(t, acks)

	require.NoError(t, m.CreateSilence(ctx, models.Silence{ID: "s1", EndsAt: t0.Add(time.Hour)}))
	assert.ErrorIs(t, m.CreateSilence(ctx, models.Silence{ID: "s1"}), ErrConflict)
	_, err = m.ExpireSilence(ctx, "s1", t0)
	require.NoError(t, err)
	_, err = m.ExpireSilence(ctx, "s1", t0)
	assert.ErrorIs(t, err, ErrConflict)
}
