// Package delivery drains the outbox: it claims due items, sends them through
// the channel's provider and records every attempt in the ledger.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"preflight-alerting/internal/audit"
	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/metrics"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/providers"
	"preflight-alerting/internal/silence"
	"preflight-alerting/internal/store"
	"preflight-alerting/internal/utils"
)

type Config struct {
	BatchSize   int
	Concurrency int
	// GracePeriod pads the claim window past the channel timeout and is the
	// age after which an attempt stuck in STARTED is reaped.
	GracePeriod time.Duration
	// SuppressionRecheck caps how long a silenced item is deferred at once.
	SuppressionRecheck time.Duration
	// BreakerOpenFor is how long a tripped channel breaker stays open.
	BreakerOpenFor time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Minute
	}
	if c.SuppressionRecheck <= 0 {
		c.SuppressionRecheck = 5 * time.Minute
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = time.Minute
	}
	return c
}

// Channels resolves channel ids against the current definitions.
type Channels interface {
	Channel(id string) (models.NotificationChannel, bool)
}

// Silences lists the silences active now.
type Silences interface {
	Active(ctx context.Context) ([]models.Silence, error)
}

// Report counts what one ProcessDue pass did.
type Report struct {
	Due        int `json:"due"`
	Sent       int `json:"sent"`
	Retried    int `json:"retried"`
	Dead       int `json:"dead"`
	Suppressed int `json:"suppressed"`
	Conflicts  int `json:"conflicts"`
	Errors     int `json:"errors"`
}

type Worker struct {
	outbox    store.OutboxStore
	attempts  store.AttemptStore
	channels  Channels
	silences  Silences
	providers providers.Registry
	breakers  *breakers
	audit     *audit.Log
	recorder  *metrics.Recorder
	clock     clock.Clock
	cfg       Config
	logger    *logrus.Logger
}

func NewWorker(outbox store.OutboxStore, attempts store.AttemptStore, channels Channels, silences Silences, reg providers.Registry, log *audit.Log, rec *metrics.Recorder, clk clock.Clock, cfg Config, logger *logrus.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		outbox:    outbox,
		attempts:  attempts,
		channels:  channels,
		silences:  silences,
		providers: reg,
		breakers:  newBreakers(cfg.BreakerOpenFor, logger),
		audit:     log,
		recorder:  rec,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeDead
	outcomeSuppressed
	outcomeConflict
	outcomeError
)

// ProcessDue delivers up to BatchSize due items.
func (w *Worker) ProcessDue(ctx context.Context) (Report, error) {
	due, err := w.outbox.ListDue(ctx, w.clock.Now(), w.cfg.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list due items: %w", err)
	}
	rep := Report{Due: len(due)}
	if len(due) == 0 {
		return rep, nil
	}

	active, err := w.silences.Active(ctx)
	if err != nil {
		// deliver anyway rather than stall the outbox on a silence read
		w.logger.Errorf("Failed to load active silences: %v", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, item := range due {
		g.Go(func() error {
			res := w.process(gctx, item, active)
			mu.Lock()
			rep.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if rep.Sent+rep.Retried+rep.Dead+rep.Suppressed > 0 {
		w.logger.WithFields(logrus.Fields{
			"due":        rep.Due,
			"sent":       rep.Sent,
			"retried":    rep.Retried,
			"dead":       rep.Dead,
			"suppressed": rep.Suppressed,
			"conflicts":  rep.Conflicts,
		}).Info("Delivery pass finished")
	}
	return rep, nil
}

func (r *Report) add(o outcome) {
	switch o {
	case outcomeSent:
		r.Sent++
	case outcomeRetry:
		r.Retried++
	case outcomeDead:
		r.Dead++
	case outcomeSuppressed:
		r.Suppressed++
	case outcomeConflict:
		r.Conflicts++
	case outcomeError:
		r.Errors++
	}
}

func (w *Worker) process(ctx context.Context, item models.OutboxItem, active []models.Silence) outcome {
	log := w.logger.WithFields(logrus.Fields{"item_id": item.ID, "channel_id": item.ChannelID, "event_id": item.EventID})

	ch, ok := w.channels.Channel(item.ChannelID)
	if !ok || !ch.Enabled {
		return w.failUnavailable(ctx, item, log)
	}

	if s := w.matchSilence(item, active); s != nil {
		return w.suppress(ctx, item, s, log)
	}

	now := w.clock.Now()
	claimed, err := w.outbox.ClaimOutboxItem(ctx, item.ID, item.State, item.AttemptSeq, now, now.Add(ch.Timeout()+w.cfg.GracePeriod))
	if err != nil {
		return w.casFailure(err, "claim", log)
	}

	attempt := models.DeliveryAttempt{
		ID:            uuid.New().String(),
		OutboxItemID:  claimed.ID,
		AttemptNumber: claimed.AttemptSeq,
		Status:        models.AttemptStarted,
		StartedAt:     now,
	}
	if err := w.attempts.InsertAttempt(ctx, attempt); err != nil {
		// the claim window lapses and the item is picked up again
		log.Errorf("Failed to write STARTED attempt: %v", err)
		return outcomeError
	}

	status, sendErr := w.send(ctx, ch, claimed)
	finished := w.clock.Now()
	w.recorder.Attempt(statusFor(sendErr, claimed.AttemptCount+1, ch.Attempts()), finished.Sub(now))

	updated := claimed
	updated.UpdatedAt = finished
	res := models.AttemptResult{CompletedAt: finished, HTTPStatus: status}
	var out outcome

	if sendErr == nil {
		res.Status = models.AttemptSent
		updated.State = models.OutboxSent
		updated.SentAt = &finished
		updated.LastError = ""
		out = outcomeSent
	} else {
		se := providers.Classify(sendErr)
		res.ErrorCode = se.Code
		res.ErrorMessage = sanitize(se.Error(), ch)
		if res.HTTPStatus == 0 {
			res.HTTPStatus = se.HTTPStatus
		}
		updated.AttemptCount = claimed.AttemptCount + 1
		updated.LastError = se.Code
		if updated.AttemptCount >= ch.Attempts() {
			res.Status = models.AttemptDead
			updated.State = models.OutboxDead
			out = outcomeDead
		} else {
			res.Status = models.AttemptRetry
			updated.State = models.OutboxRetrying
			updated.NextAttemptAt = finished.Add(utils.Backoff(ch.BaseBackoff(), updated.AttemptCount))
			out = outcomeRetry
		}
	}

	if _, err := w.attempts.FinalizeAttempt(ctx, attempt.ID, res); err != nil {
		// reaped while in flight; the reaper's verdict stands
		log.Warnf("Attempt %d could not be finalized: %v", attempt.AttemptNumber, err)
		return outcomeConflict
	}
	if err := w.outbox.UpdateOutboxItem(ctx, updated, claimed.State, claimed.AttemptSeq); err != nil {
		return w.casFailure(err, "update", log)
	}

	entry := log.WithFields(logrus.Fields{"attempt": attempt.AttemptNumber, "status": res.Status})
	switch out {
	case outcomeSent:
		entry.Infof("Delivered %s notification", claimed.EventType)
	case outcomeRetry:
		entry.Warnf("Delivery failed (%s), retry at %s", res.ErrorCode, updated.NextAttemptAt.Format(time.RFC3339))
	case outcomeDead:
		entry.Errorf("Delivery failed (%s), item is dead after %d attempts", res.ErrorCode, updated.AttemptCount)
	}
	return out
}

func (w *Worker) send(ctx context.Context, ch models.NotificationChannel, item models.OutboxItem) (int, error) {
	send, ok := w.providers[ch.Type]
	if !ok {
		return 0, &providers.SendError{Code: providers.CodeChannelUnavailable, Err: fmt.Errorf("no provider for channel type %s", ch.Type)}
	}
	msg := providers.Message{
		DeliveryID: item.DeliveryID,
		EventID:    item.EventID,
		EventType:  item.EventType,
		Body:       item.Payload,
		SentAt:     w.clock.Now(),
	}

	sendCtx, cancel := context.WithTimeout(ctx, ch.Timeout())
	defer cancel()

	var status int
	_, err := w.breakers.get(ch.ID).Execute(func() (interface{}, error) {
		s, err := send(sendCtx, ch, msg)
		status = s
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, &providers.SendError{Code: providers.CodeCircuitOpen, Err: err}
	}
	return status, err
}

func statusFor(err error, failures, max int) models.AttemptStatus {
	switch {
	case err == nil:
		return models.AttemptSent
	case failures >= max:
		return models.AttemptDead
	default:
		return models.AttemptRetry
	}
}

// failUnavailable kills an item whose channel was removed or disabled,
// leaving a DEAD attempt so it can be inspected and replayed.
func (w *Worker) failUnavailable(ctx context.Context, item models.OutboxItem, log *logrus.Entry) outcome {
	now := w.clock.Now()
	claimed, err := w.outbox.ClaimOutboxItem(ctx, item.ID, item.State, item.AttemptSeq, now, now)
	if err != nil {
		return w.casFailure(err, "claim", log)
	}
	attempt := models.DeliveryAttempt{
		ID:            uuid.New().String(),
		OutboxItemID:  claimed.ID,
		AttemptNumber: claimed.AttemptSeq,
		Status:        models.AttemptStarted,
		StartedAt:     now,
	}
	if err := w.attempts.InsertAttempt(ctx, attempt); err != nil {
		log.Errorf("Failed to write attempt: %v", err)
		return outcomeError
	}
	if _, err := w.attempts.FinalizeAttempt(ctx, attempt.ID, models.AttemptResult{
		Status:       models.AttemptDead,
		CompletedAt:  now,
		ErrorCode:    providers.CodeChannelUnavailable,
		ErrorMessage: "channel " + item.ChannelID + " is missing or disabled",
	}); err != nil {
		log.Warnf("Attempt %d could not be finalized: %v", attempt.AttemptNumber, err)
		return outcomeConflict
	}
	updated := claimed
	updated.State = models.OutboxDead
	updated.AttemptCount = claimed.AttemptCount + 1
	updated.LastError = providers.CodeChannelUnavailable
	updated.UpdatedAt = now
	if err := w.outbox.UpdateOutboxItem(ctx, updated, claimed.State, claimed.AttemptSeq); err != nil {
		return w.casFailure(err, "update", log)
	}
	w.recorder.AttemptUnsent(models.AttemptDead)
	log.Errorf("Channel %s unavailable, item is dead", item.ChannelID)
	return outcomeDead
}

func (w *Worker) matchSilence(item models.OutboxItem, active []models.Silence) *models.Silence {
	if len(active) == 0 {
		return nil
	}
	var payload models.NotificationPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return nil
	}
	now := w.clock.Now()
	var live []models.Silence
	for _, s := range active {
		if s.IsActive(now) {
			live = append(live, s)
		}
	}
	return silence.Match(live, payload.Alert)
}

// suppress defers a silenced item without writing an attempt.
func (w *Worker) suppress(ctx context.Context, item models.OutboxItem, s *models.Silence, log *logrus.Entry) outcome {
	now := w.clock.Now()
	until := now.Add(w.cfg.SuppressionRecheck)
	if s.EndsAt.Before(until) {
		until = s.EndsAt
	}
	reason := "suppressed:" + s.ID
	firstTime := item.LastError != reason

	updated := item
	updated.NextAttemptAt = until
	updated.LastError = reason
	updated.UpdatedAt = now
	if err := w.outbox.UpdateOutboxItem(ctx, updated, item.State, item.AttemptSeq); err != nil {
		return w.casFailure(err, "defer", log)
	}
	w.recorder.Suppressed()
	if firstTime {
		w.audit.RecordOrLog(ctx, item.AlertID, models.AuditDispatch, models.SystemActor, map[string]interface{}{
			"event_id":   item.EventID,
			"channel_id": item.ChannelID,
			"outbox_id":  item.ID,
			"suppressed": true,
			"silence_id": s.ID,
		})
	}
	log.WithField("silence_id", s.ID).Debugf("Delivery suppressed until %s", until.Format(time.RFC3339))
	return outcomeSuppressed
}

func (w *Worker) casFailure(err error, op string, log *logrus.Entry) outcome {
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		log.Debugf("Outbox %s lost a race, skipping: %v", op, err)
		return outcomeConflict
	}
	log.Errorf("Outbox %s failed: %v", op, err)
	return outcomeError
}

// ReapStale fails attempts left in STARTED after their claim window plus the
// grace period, counting them against the item's attempt budget.
func (w *Worker) ReapStale(ctx context.Context) (int, error) {
	now := w.clock.Now()
	stale, err := w.attempts.ListStaleAttempts(ctx, now.Add(-w.cfg.GracePeriod))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale attempts: %w", err)
	}
	reaped := 0
	for _, a := range stale {
		item, err := w.outbox.GetOutboxItem(ctx, a.OutboxItemID)
		if err != nil {
			w.logger.WithField("attempt_id", a.ID).Errorf("Stale attempt without item: %v", err)
			continue
		}
		// a removed channel falls back to the default timeout and budget
		ch, _ := w.channels.Channel(item.ChannelID)
		if a.StartedAt.Add(ch.Timeout() + w.cfg.GracePeriod).After(now) {
			continue
		}
		if _, err := w.attempts.FinalizeAttempt(ctx, a.ID, models.AttemptResult{
			Status:       models.AttemptFailed,
			CompletedAt:  now,
			ErrorCode:    providers.CodeReaped,
			ErrorMessage: "attempt abandoned in STARTED state",
		}); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				w.logger.WithField("attempt_id", a.ID).Errorf("Failed to reap attempt: %v", err)
			}
			continue
		}
		reaped++
		w.recorder.AttemptUnsent(models.AttemptFailed)

		if item.State.Terminal() || item.AttemptSeq != a.AttemptNumber {
			continue
		}
		updated := item
		updated.AttemptCount++
		updated.LastError = providers.CodeReaped
		updated.UpdatedAt = now
		if updated.AttemptCount >= ch.Attempts() {
			updated.State = models.OutboxDead
		} else {
			updated.State = models.OutboxRetrying
			updated.NextAttemptAt = now
		}
		if err := w.outbox.UpdateOutboxItem(ctx, updated, item.State, item.AttemptSeq); err != nil && !errors.Is(err, store.ErrConflict) {
			w.logger.WithField("item_id", item.ID).Errorf("Failed to update reaped item: %v", err)
		}
	}
	if reaped > 0 {
		w.logger.Warnf("Reaped %d stale delivery attempts", reaped)
	}
	return reaped, nil
}
