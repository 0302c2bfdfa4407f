// Package notification turns alert transitions into durable outbox items.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/audit"
	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

// sweepLookback bounds how far back Sweep looks for transitions without an
// outbox item, so a newly added channel is not flooded with old history.
const sweepLookback = time.Hour

const defaultReplayLimit = 100

// Definitions is the subset of the policy store the dispatcher reads.
type Definitions interface {
	Policy(id string) (models.AlertPolicy, bool)
	Channels() []models.NotificationChannel
}

type Dispatcher struct {
	outbox store.OutboxStore
	alerts store.AlertStore
	defs   Definitions
	audit  *audit.Log
	clock  clock.Clock
	logger *logrus.Logger
}

func NewDispatcher(outbox store.OutboxStore, alerts store.AlertStore, defs Definitions, log *audit.Log, clk clock.Clock, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		outbox: outbox,
		alerts: alerts,
		defs:   defs,
		audit:  log,
		clock:  clk,
		logger: logger,
	}
}

// OnTransition adapts Enqueue to the engine's transition hook.
func (d *Dispatcher) OnTransition(ctx context.Context, tr models.Transition, p models.AlertPolicy) error {
	_, err := d.Enqueue(ctx, tr, p)
	return err
}

// Enqueue writes one pending item per enabled channel that accepts the
// transition's target status. Items already present for the same event and
// channel are skipped. It returns the items actually inserted.
func (d *Dispatcher) Enqueue(ctx context.Context, tr models.Transition, p models.AlertPolicy) ([]models.OutboxItem, error) {
	eventID := tr.EventID()
	payload, err := json.Marshal(models.NotificationPayload{
		EventID:    eventID,
		EventType:  tr.To,
		PolicyName: p.Name,
		OccurredAt: tr.At,
		Alert:      tr.Alert,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for alert %s: %w", tr.AlertID, err)
	}

	now := d.clock.Now()
	var inserted []models.OutboxItem
	for _, ch := range d.defs.Channels() {
		if !ch.Enabled || !ch.Accepts(tr.To) {
			continue
		}
		item := models.OutboxItem{
			ID:            uuid.New().String(),
			EventID:       eventID,
			DeliveryID:    uuid.New().String(),
			ChannelID:     ch.ID,
			AlertID:       tr.AlertID,
			EventType:     tr.To,
			Payload:       payload,
			State:         models.OutboxPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		ok, err := d.outbox.EnqueueOutboxItem(ctx, item)
		if err != nil {
			return inserted, fmt.Errorf("failed to enqueue %s for channel %s: %w", eventID, ch.ID, err)
		}
		if !ok {
			d.logger.WithFields(logrus.Fields{"event_id": eventID, "channel_id": ch.ID}).Debug("outbox item already exists, skipped")
			continue
		}
		inserted = append(inserted, item)
		d.audit.RecordOrLog(ctx, tr.AlertID, models.AuditDispatch, models.SystemActor, map[string]interface{}{
			"event_id":    eventID,
			"event_type":  string(tr.To),
			"channel_id":  ch.ID,
			"outbox_id":   item.ID,
			"delivery_id": item.DeliveryID,
		})
		d.logger.WithFields(logrus.Fields{
			"alert_id":   tr.AlertID,
			"event_id":   eventID,
			"channel_id": ch.ID,
			"item_id":    item.ID,
		}).Infof("Enqueued %s notification", tr.To)
	}
	return inserted, nil
}

// Sweep re-derives the latest transition of every recently changed alert and
// enqueues it again. Enqueue is idempotent, so this only fills gaps left by a
// crash between storing a transition and enqueueing it.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	alerts, err := d.alerts.ListAlerts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list alerts for sweep: %w", err)
	}
	cutoff := d.clock.Now().Add(-sweepLookback)
	total := 0
	for _, a := range alerts {
		if a.StatusChangedAt.IsZero() || a.StatusChangedAt.Before(cutoff) {
			continue
		}
		p, ok := d.defs.Policy(a.PolicyID)
		if !ok {
			continue
		}
		tr := models.Transition{AlertID: a.ID, To: a.Status, At: a.StatusChangedAt, Alert: a}
		items, err := d.Enqueue(ctx, tr, p)
		if err != nil {
			d.logger.WithField("alert_id", a.ID).Errorf("Sweep enqueue failed: %v", err)
			continue
		}
		total += len(items)
	}
	if total > 0 {
		d.logger.Infof("Sweep enqueued %d missing notifications", total)
	}
	return total, nil
}

// Replay copies an item into a new pending item with a fresh delivery id and
// the same event id, linked back through replayed_from_id.
func (d *Dispatcher) Replay(ctx context.Context, itemID, actor string) (models.OutboxItem, error) {
	src, err := d.outbox.GetOutboxItem(ctx, itemID)
	if err != nil {
		return models.OutboxItem{}, err
	}
	return d.replay(ctx, src, actor)
}

// ReplayDead replays up to limit dead items that have not been replayed yet,
// so repeated calls against a receiver that is still down do not fan out.
func (d *Dispatcher) ReplayDead(ctx context.Context, limit int, actor string) ([]models.OutboxItem, error) {
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	dead, err := d.outbox.ListOutbox(ctx, models.OutboxFilter{
		States:     []models.OutboxState{models.OutboxDead},
		Unreplayed: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead items: %w", err)
	}
	var out []models.OutboxItem
	for _, src := range dead {
		item, err := d.replay(ctx, src, actor)
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (d *Dispatcher) replay(ctx context.Context, src models.OutboxItem, actor string) (models.OutboxItem, error) {
	now := d.clock.Now()
	srcID := src.ID
	item := models.OutboxItem{
		ID:             uuid.New().String(),
		EventID:        src.EventID,
		DeliveryID:     uuid.New().String(),
		ChannelID:      src.ChannelID,
		AlertID:        src.AlertID,
		EventType:      src.EventType,
		Payload:        src.Payload,
		State:          models.OutboxPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
		ReplayedFromID: &srcID,
	}
	ok, err := d.outbox.EnqueueOutboxItem(ctx, item)
	if err != nil {
		return models.OutboxItem{}, fmt.Errorf("failed to enqueue replay of %s: %w", src.ID, err)
	}
	if !ok {
		return models.OutboxItem{}, fmt.Errorf("replay of %s was not stored: %w", src.ID, store.ErrConflict)
	}
	d.audit.RecordOrLog(ctx, src.AlertID, models.AuditReplay, actor, map[string]interface{}{
		"event_id":         src.EventID,
		"channel_id":       src.ChannelID,
		"outbox_id":        item.ID,
		"replayed_from_id": src.ID,
		"source_state":     string(src.State),
	})
	d.logger.WithFields(logrus.Fields{
		"item_id":          item.ID,
		"replayed_from_id": src.ID,
		"actor":            actor,
	}).Info("Outbox item replayed")
	return item, nil
}
