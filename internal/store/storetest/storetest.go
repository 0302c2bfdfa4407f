// Package storetest holds behaviour every store.Store backend must share.
// Backends call Run from their own tests with a factory returning an empty store.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/lease"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// t0 is microsecond aligned so equality holds after a Postgres round trip.
var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Run executes the contract against fresh stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AlertVersioning", func(t *testing.T) { alertVersioning(t, newStore(t)) })
	t.Run("AlertEventIDSurvivesRoundTrip", func(t *testing.T) { alertEventID(t, newStore(t)) })
	t.Run("EnqueueDedupe", func(t *testing.T) { enqueueDedupe(t, newStore(t)) })
	t.Run("UnreplayedFilter", func(t *testing.T) { unreplayedFilter(t, newStore(t)) })
	t.Run("ClaimAndUpdate", func(t *testing.T) { claimAndUpdate(t, newStore(t)) })
	t.Run("Attempts", func(t *testing.T) { attempts(t, newStore(t)) })
	t.Run("Silences", func(t *testing.T) { silences(t, newStore(t)) })
	t.Run("Acks", func(t *testing.T) { acks(t, newStore(t)) })
	t.Run("AuditNewestFirst", func(t *testing.T) { auditNewestFirst(t, newStore(t)) })
	t.Run("Runs", func(t *testing.T) { runs(t, newStore(t)) })
}

// RunLease checks exclusivity of a lease backend without relying on expiry.
func RunLease(t *testing.T, l lease.Lease) {
	ctx := context.Background()
	name := "contract-" + t.Name()

	ok, err := l.Acquire(ctx, name, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, name, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Acquire(ctx, name, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, l.Release(ctx, name, "b"))
	ok, err = l.Acquire(ctx, name, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder is ignored")

	require.NoError(t, l.Release(ctx, name, "a"))
	ok, err = l.Acquire(ctx, name, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func newAlert(id string, at time.Time) models.Alert {
	return models.Alert{
		ID:              id,
		PolicyID:        "policy-" + id,
		Scope:           "global",
		Status:          models.StatusPending,
		Severity:        models.SeverityCritical,
		StatusChangedAt: at,
		EvaluatedAt:     at,
		CurrentValue:    0.4,
		Threshold:       0.2,
		Message:         "failure rate above threshold",
		EvaluationContext: map[string]interface{}{
			"runs": float64(3),
		},
		ConsecutiveBreachCount: 1,
	}
}

func newItem(id, eventID, channelID string, state models.OutboxState, at time.Time) models.OutboxItem {
	return models.OutboxItem{
		ID:            id,
		EventID:       eventID,
		DeliveryID:    "delivery-" + id,
		ChannelID:     channelID,
		AlertID:       "alert-1",
		EventType:     models.StatusFiring,
		Payload:       json.RawMessage(`{"alert_id":"alert-1"}`),
		State:         state,
		NextAttemptAt: at,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func ids(items []models.OutboxItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func alertVersioning(t *testing.T, s store.Store) {
	ctx := context.Background()

	saved, err := s.SaveAlert(ctx, newAlert("a1", t0), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	_, err = s.SaveAlert(ctx, newAlert("a1", t0), 0)
	assert.ErrorIs(t, err, store.ErrConflict)

	saved.Status = models.StatusFiring
	updated, err := s.SaveAlert(ctx, saved, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// a writer still holding version 1 loses
	_, err = s.SaveAlert(ctx, saved, 1)
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFiring, got.Status)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, float64(3), got.EvaluationContext["runs"])

	_, err = s.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	firing, err := s.ListAlerts(ctx, models.StatusFiring)
	require.NoError(t, err)
	assert.Len(t, firing, 1)
	resolved, err := s.ListAlerts(ctx, models.StatusResolved)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func alertEventID(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := t0.Add(123456789 * time.Nanosecond)

	a := newAlert("a1", at)
	a.Status = models.StatusFiring
	_, err := s.SaveAlert(ctx, a, 0)
	require.NoError(t, err)

	got, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t,
		models.EventID(a.ID, a.Status, at),
		models.EventID(got.ID, got.Status, got.StatusChangedAt),
	)
}

func enqueueDedupe(t *testing.T, s store.Store) {
	ctx := context.Background()

	ok, err := s.EnqueueOutboxItem(ctx, newItem("i1", "e1", "c1", models.OutboxPending, t0))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.EnqueueOutboxItem(ctx, newItem("i2", "e1", "c1", models.OutboxPending, t0))
	require.NoError(t, err)
	assert.False(t, ok, "same event on the same channel is deduplicated")

	ok, err = s.EnqueueOutboxItem(ctx, newItem("i3", "e1", "c2", models.OutboxPending, t0))
	require.NoError(t, err)
	assert.True(t, ok)

	from := "i1"
	replay := newItem("i4", "e1", "c1", models.OutboxPending, t0.Add(time.Second))
	replay.ReplayedFromID = &from
	ok, err = s.EnqueueOutboxItem(ctx, replay)
	require.NoError(t, err)
	assert.True(t, ok, "replays bypass deduplication")

	got, err := s.GetOutboxItem(ctx, "i4")
	require.NoError(t, err)
	require.NotNil(t, got.ReplayedFromID)
	assert.Equal(t, "i1", *got.ReplayedFromID)
	assert.JSONEq(t, `{"alert_id":"alert-1"}`, string(got.Payload))

	_, err = s.GetOutboxItem(ctx, "i2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	has, err := s.HasOutboxEvent(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.HasOutboxEvent(ctx, "e2")
	require.NoError(t, err)
	assert.False(t, has)

	list, err := s.ListOutbox(ctx, models.OutboxFilter{ChannelID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"i4", "i1"}, ids(list))
}

func unreplayedFilter(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.EnqueueOutboxItem(ctx, newItem("i1", "e1", "c1", models.OutboxDead, t0))
	require.NoError(t, err)
	from := "i1"
	replay := newItem("i2", "e1", "c1", models.OutboxDead, t0.Add(time.Second))
	replay.ReplayedFromID = &from
	_, err = s.EnqueueOutboxItem(ctx, replay)
	require.NoError(t, err)
	_, err = s.EnqueueOutboxItem(ctx, newItem("i3", "e2", "c1", models.OutboxDead, t0.Add(2*time.Second)))
	require.NoError(t, err)

	all, err := s.ListOutbox(ctx, models.OutboxFilter{States: []models.OutboxState{models.OutboxDead}})
	require.NoError(t, err)
	assert.Equal(t, []string{"i3", "i2", "i1"}, ids(all))

	leaves, err := s.ListOutbox(ctx, models.OutboxFilter{
		States:     []models.OutboxState{models.OutboxDead},
		Unreplayed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"i3", "i2"}, ids(leaves))
}

func claimAndUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.EnqueueOutboxItem(ctx, newItem("i1", "e1", "c1", models.OutboxPending, t0))
	require.NoError(t, err)
	_, err = s.EnqueueOutboxItem(ctx, newItem("i2", "e2", "c1", models.OutboxSent, t0))
	require.NoError(t, err)

	due, err := s.ListDue(ctx, t0.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.ListDue(ctx, t0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1"}, ids(due))

	claimed, err := s.ClaimOutboxItem(ctx, "i1", models.OutboxPending, 0, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.AttemptSeq)
	assert.WithinDuration(t, t0.Add(time.Minute), claimed.NextAttemptAt, 0)

	_, err = s.ClaimOutboxItem(ctx, "i1", models.OutboxPending, 0, t0, t0.Add(time.Minute))
	assert.ErrorIs(t, err, store.ErrConflict, "second claimer loses")

	due, err = s.ListDue(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "claimed item is hidden until the claim runs out")

	next := claimed
	next.State = models.OutboxRetrying
	next.AttemptCount = 1
	next.NextAttemptAt = t0.Add(30 * time.Second)
	next.LastError = "http_500"
	next.UpdatedAt = t0
	require.NoError(t, s.UpdateOutboxItem(ctx, next, models.OutboxPending, 1))
	assert.ErrorIs(t, s.UpdateOutboxItem(ctx, next, models.OutboxPending, 1), store.ErrConflict)

	got, err := s.GetOutboxItem(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.OutboxRetrying, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "http_500", got.LastError)

	counts, err := s.CountOutboxByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.OutboxRetrying])
	assert.Equal(t, 1, counts[models.OutboxSent])
	assert.Equal(t, 0, counts[models.OutboxPending])

	oldest, err := s.OldestPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.WithinDuration(t, t0, *oldest, 0)
}

func attempts(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.EnqueueOutboxItem(ctx, newItem("i1", "e1", "c1", models.OutboxPending, t0))
	require.NoError(t, err)

	first := models.DeliveryAttempt{ID: "at1", OutboxItemID: "i1", AttemptNumber: 1, Status: models.AttemptStarted, StartedAt: t0}
	require.NoError(t, s.InsertAttempt(ctx, first))

	dup := first
	dup.ID = "at-dup"
	assert.ErrorIs(t, s.InsertAttempt(ctx, dup), store.ErrConflict)

	done, err := s.FinalizeAttempt(ctx, "at1", models.AttemptResult{
		Status:      models.AttemptSent,
		CompletedAt: t0.Add(1500 * time.Millisecond),
		HTTPStatus:  200,
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttemptSent, done.Status)
	assert.Equal(t, int64(1500), done.DurationMS)
	require.NotNil(t, done.CompletedAt)

	_, err = s.FinalizeAttempt(ctx, "at1", models.AttemptResult{Status: models.AttemptFailed, CompletedAt: t0.Add(time.Minute)})
	assert.ErrorIs(t, err, store.ErrConflict, "attempts finalize once")

	second := models.DeliveryAttempt{ID: "at2", OutboxItemID: "i1", AttemptNumber: 2, Status: models.AttemptStarted, StartedAt: t0}
	require.NoError(t, s.InsertAttempt(ctx, second))

	stale, err := s.ListStaleAttempts(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "at2", stale[0].ID)

	list, err := s.ListAttempts(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].AttemptNumber)

	recent, err := s.ListRecentAttempts(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "at2", recent[0].ID)

	got, err := s.GetAttempt(ctx, "at1")
	require.NoError(t, err)
	assert.Equal(t, 200, got.HTTPStatus)
	_, err = s.GetAttempt(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func silences(t *testing.T, s store.Store) {
	ctx := context.Background()
	policyID := "p1"
	sev := models.SeverityCritical

	require.NoError(t, s.CreateSilence(ctx, models.Silence{
		ID:        "s1",
		Matcher:   models.SilenceMatcher{PolicyID: &policyID, Severity: &sev},
		StartsAt:  t0,
		EndsAt:    t0.Add(time.Hour),
		Reason:    "deploy",
		CreatedBy: "alice",
		CreatedAt: t0,
	}))

	got, err := s.GetSilence(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.Matcher.PolicyID)
	assert.Equal(t, "p1", *got.Matcher.PolicyID)
	require.NotNil(t, got.Matcher.Severity)
	assert.Equal(t, models.SeverityCritical, *got.Matcher.Severity)
	assert.Nil(t, got.Matcher.Scope)
	assert.True(t, got.IsActive(t0.Add(time.Minute)))

	expired, err := s.ExpireSilence(ctx, "s1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, expired.ExpiredAt)
	assert.False(t, expired.IsActive(t0.Add(2*time.Minute)))

	_, err = s.ExpireSilence(ctx, "s1", t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = s.ExpireSilence(ctx, "missing", t0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, err := s.ListSilences(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func acks(t *testing.T, s store.Store) {
	ctx := context.Background()
	ack := models.Acknowledgement{AlertID: "a1", AcknowledgedBy: "alice", AcknowledgedAt: t0, Note: "looking"}
	require.NoError(t, s.SaveAck(ctx, ack))

	got, err := s.GetAck(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.AcknowledgedBy)

	cleared, err := s.ClearAck(ctx, "a1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, cleared.ClearedAt)

	_, err = s.GetAck(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.ClearAck(ctx, "a1", t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, store.ErrNotFound)
	list, err := s.ListAcks(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// acknowledging again replaces the cleared record
	ack.AcknowledgedBy = "bob"
	require.NoError(t, s.SaveAck(ctx, ack))
	got, err = s.GetAck(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.AcknowledgedBy)
}

func auditNewestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	events := []models.AuditEvent{
		{ID: "ev1", AlertID: "a1", EventType: models.AuditEvaluation, Actor: models.SystemActor, EventAt: t0},
		{ID: "ev2", AlertID: "a1", EventType: models.AuditAck, Actor: "alice", EventAt: t0, Payload: map[string]interface{}{"note": "on it"}},
		{ID: "ev3", AlertID: "a2", EventType: models.AuditAck, Actor: "bob", EventAt: t0},
	}
	for _, e := range events {
		require.NoError(t, s.AppendAudit(ctx, e))
	}

	byAlert, err := s.ListAudit(ctx, models.AuditFilter{AlertID: "a1"})
	require.NoError(t, err)
	require.Len(t, byAlert, 2)
	assert.Equal(t, "ev2", byAlert[0].ID)
	assert.Equal(t, "ev1", byAlert[1].ID)
	assert.Equal(t, "on it", byAlert[0].Payload["note"])

	ackEvents, err := s.ListAudit(ctx, models.AuditFilter{EventType: models.AuditAck, Limit: 1})
	require.NoError(t, err)
	require.Len(t, ackEvents, 1)
	assert.Equal(t, "ev3", ackEvents[0].ID)
}

func runs(t *testing.T, s store.Store) {
	ctx := context.Background()
	observations := []models.RunObservation{
		{RunID: "r1", SourceName: "orders", Status: models.RunSuccess, StartedAt: t0.Add(-2 * time.Hour), FinishedAt: t0.Add(-115 * time.Minute)},
		{RunID: "r2", SourceName: "orders", Status: models.RunFailed, StartedAt: t0.Add(-time.Hour), FinishedAt: t0.Add(-55 * time.Minute)},
		{RunID: "r3", SourceName: "users", Status: models.RunSuccess, StartedAt: t0.Add(-30 * time.Minute), FinishedAt: t0.Add(-25 * time.Minute)},
	}
	for _, r := range observations {
		require.NoError(t, s.UpsertRun(ctx, r))
	}
	// ingesting the same run again updates it in place
	observations[1].RowsFailed = 7
	require.NoError(t, s.UpsertRun(ctx, observations[1]))

	n, err := s.CountRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	orders, err := s.ListRuns(ctx, "orders", t0.Add(-3*time.Hour))
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "r1", orders[0].RunID)
	assert.Equal(t, int64(7), orders[1].RowsFailed)

	recent, err := s.ListRuns(ctx, "", t0.Add(-90*time.Minute))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "r2", recent[0].RunID)
	assert.Equal(t, "r3", recent[1].RunID)

	latest, err := s.LatestSuccess(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.WithinDuration(t, t0.Add(-115*time.Minute), *latest, 0)

	none, err := s.LatestSuccess(ctx, "billing")
	require.NoError(t, err)
	assert.Nil(t, none)
}
