// Package services is the application facade used by the HTTP API and the
// scheduler. It joins alerts with their silence and acknowledgement overlays
// and composes the evaluation and dispatch passes.
package services

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/ack"
	"preflight-alerting/internal/alerting"
	"preflight-alerting/internal/audit"
	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/delivery"
	"preflight-alerting/internal/metrics"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/notification"
	"preflight-alerting/internal/policy"
	"preflight-alerting/internal/silence"
	"preflight-alerting/internal/store"
)

const (
	defaultHistoryLimit = 100
	maxListLimit        = 1000
)

// Deps are the collaborators a Service is built from.
type Deps struct {
	Store      store.Store
	Policies   *policy.Store
	Engine     *alerting.Engine
	Silences   *silence.Manager
	Acks       *ack.Manager
	Dispatcher *notification.Dispatcher
	Worker     *delivery.Worker
	Audit      *audit.Log
	Exporter   *metrics.Exporter
	Hub        *Hub
	Clock      clock.Clock
	Logger     *logrus.Logger
}

type Service struct {
	store      store.Store
	policies   *policy.Store
	engine     *alerting.Engine
	silences   *silence.Manager
	acks       *ack.Manager
	dispatcher *notification.Dispatcher
	worker     *delivery.Worker
	audit      *audit.Log
	exporter   *metrics.Exporter
	hub        *Hub
	clock      clock.Clock
	logger     *logrus.Logger
}

func New(d Deps) *Service {
	return &Service{
		store:      d.Store,
		policies:   d.Policies,
		engine:     d.Engine,
		silences:   d.Silences,
		acks:       d.Acks,
		dispatcher: d.Dispatcher,
		worker:     d.Worker,
		audit:      d.Audit,
		exporter:   d.Exporter,
		hub:        d.Hub,
		clock:      d.Clock,
		logger:     d.Logger,
	}
}

// Logger exposes the Service's logger
func (s *Service) Logger() *logrus.Logger {
	return s.logger
}

// Hub returns the live transition stream.
func (s *Service) Hub() *Hub {
	return s.hub
}

// DispatchReport is the outcome of one dispatch pass.
type DispatchReport struct {
	Swept    int             `json:"swept"`
	Reaped   int             `json:"reaped"`
	Delivery delivery.Report `json:"delivery"`
}

// RunEvaluation is the evaluation scheduler tick.
func (s *Service) RunEvaluation(ctx context.Context) error {
	sum := s.engine.EvaluateAll(ctx)
	if sum.Failed > 0 {
		s.logger.Warnf("Evaluation pass: %d of %d policies failed", sum.Failed, sum.Evaluated+sum.Failed)
	}
	return nil
}

// Evaluate runs a synchronous evaluation of every enabled policy, or only
// policyID when it is set.
func (s *Service) Evaluate(ctx context.Context, policyID string) (alerting.Summary, error) {
	if policyID != "" {
		return s.engine.EvaluatePolicy(ctx, policyID)
	}
	return s.engine.EvaluateAll(ctx), nil
}

// Dispatch repairs missing enqueues, reaps stale attempts and drains due items.
func (s *Service) Dispatch(ctx context.Context) (DispatchReport, error) {
	var rep DispatchReport
	swept, err := s.dispatcher.Sweep(ctx)
	if err != nil {
		s.logger.Errorf("Outbox sweep failed: %v", err)
	}
	rep.Swept = swept

	reaped, err := s.worker.ReapStale(ctx)
	if err != nil {
		s.logger.Errorf("Attempt reaper failed: %v", err)
	}
	rep.Reaped = reaped

	rep.Delivery, err = s.worker.ProcessDue(ctx)
	if err != nil {
		return rep, fmt.Errorf("failed to process outbox: %w", err)
	}
	if rep.Delivery.Due > 0 {
		s.logger.WithFields(logrus.Fields{
			"due":        rep.Delivery.Due,
			"sent":       rep.Delivery.Sent,
			"retried":    rep.Delivery.Retried,
			"dead":       rep.Delivery.Dead,
			"suppressed": rep.Delivery.Suppressed,
		}).Info("Dispatch pass finished")
	}
	return rep, nil
}

// RunDispatch is the dispatch scheduler tick.
func (s *Service) RunDispatch(ctx context.Context) error {
	_, err := s.Dispatch(ctx)
	return err
}

// ListAlerts returns alerts joined with their overlays. Without statuses only
// active alerts are returned. autoEvaluate runs an evaluation pass first.
func (s *Service) ListAlerts(ctx context.Context, statuses []models.AlertStatus, autoEvaluate bool) ([]models.AlertView, error) {
	if autoEvaluate {
		s.engine.EvaluateAll(ctx)
	}
	if len(statuses) == 0 {
		statuses = []models.AlertStatus{models.StatusPending, models.StatusFiring}
	}
	alerts, err := s.store.ListAlerts(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return s.views(ctx, alerts)
}

// GetAlert returns one alert with its overlays.
func (s *Service) GetAlert(ctx context.Context, id string) (models.AlertView, error) {
	a, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return models.AlertView{}, err
	}
	views, err := s.views(ctx, []models.Alert{a})
	if err != nil {
		return models.AlertView{}, err
	}
	return views[0], nil
}

func (s *Service) views(ctx context.Context, alerts []models.Alert) ([]models.AlertView, error) {
	active, err := s.silences.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load silences: %w", err)
	}
	acks, err := s.acks.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load acknowledgements: %w", err)
	}
	out := make([]models.AlertView, 0, len(alerts))
	for _, a := range alerts {
		v := models.AlertView{Alert: a}
		if m := silence.Match(active, a); m != nil {
			v.Silenced = true
			v.SilencedBy = m
		}
		if ak, ok := acks[a.ID]; ok {
			v.Acknowledged = true
			v.Acknowledgement = &ak
		}
		out = append(out, v)
	}
	return out, nil
}

// AlertHistory returns the audit trail of one alert, newest first.
func (s *Service) AlertHistory(ctx context.Context, id string, limit int) ([]models.AuditEvent, error) {
	if _, err := s.store.GetAlert(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.List(ctx, models.AuditFilter{AlertID: id, Limit: clampLimit(limit, defaultHistoryLimit)})
}

func (s *Service) Ack(ctx context.Context, alertID, actor, note string) (models.Acknowledgement, error) {
	return s.acks.Ack(ctx, alertID, actor, note)
}

func (s *Service) Unack(ctx context.Context, alertID, actor string) (models.Acknowledgement, error) {
	return s.acks.Unack(ctx, alertID, actor)
}

func (s *Service) Policies() []models.AlertPolicy {
	return s.policies.Policies()
}

// ReloadPolicies re-reads the definitions file.
func (s *Service) ReloadPolicies() (policy.LoadResult, error) {
	return s.policies.Load()
}

func (s *Service) Silences(ctx context.Context, includeExpired bool) ([]models.Silence, error) {
	return s.silences.List(ctx, includeExpired)
}

func (s *Service) CreateSilence(ctx context.Context, req models.SilenceCreate, actor string) (models.Silence, error) {
	return s.silences.Create(ctx, req, actor)
}

func (s *Service) ExpireSilence(ctx context.Context, id, actor string) (models.Silence, error) {
	return s.silences.Expire(ctx, id, actor)
}

func (s *Service) Audit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	filter.Limit = clampLimit(filter.Limit, defaultHistoryLimit)
	return s.audit.List(ctx, filter)
}

// OutboxDetail is an outbox item with its attempt ledger.
type OutboxDetail struct {
	models.OutboxItem
	Attempts []models.DeliveryAttempt `json:"attempts"`
}

func (s *Service) Outbox(ctx context.Context, filter models.OutboxFilter) ([]models.OutboxItem, error) {
	filter.Limit = clampLimit(filter.Limit, defaultHistoryLimit)
	return s.store.ListOutbox(ctx, filter)
}

func (s *Service) OutboxItem(ctx context.Context, id string) (OutboxDetail, error) {
	item, err := s.store.GetOutboxItem(ctx, id)
	if err != nil {
		return OutboxDetail{}, err
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return OutboxDetail{}, fmt.Errorf("failed to list attempts: %w", err)
	}
	return OutboxDetail{OutboxItem: item, Attempts: attempts}, nil
}

// History returns the most recent delivery attempts, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]models.DeliveryAttempt, error) {
	return s.store.ListRecentAttempts(ctx, time.Time{}, clampLimit(limit, defaultHistoryLimit))
}

func (s *Service) Attempt(ctx context.Context, id string) (models.DeliveryAttempt, error) {
	return s.store.GetAttempt(ctx, id)
}

func (s *Service) Stats(ctx context.Context) (models.DeliveryStats, error) {
	return delivery.Stats(ctx, s.store, s.store, s.clock.Now())
}

func (s *Service) Trends(ctx context.Context, days int) ([]models.DeliveryTrendPoint, error) {
	if days > 90 {
		days = 90
	}
	return delivery.Trends(ctx, s.store, days, s.clock.Now())
}

func (s *Service) Channels() []models.NotificationChannel {
	return s.policies.Channels()
}

func (s *Service) Replay(ctx context.Context, itemID, actor string) (models.OutboxItem, error) {
	return s.dispatcher.Replay(ctx, itemID, actor)
}

func (s *Service) ReplayDead(ctx context.Context, limit int, actor string) ([]models.OutboxItem, error) {
	return s.dispatcher.ReplayDead(ctx, clampLimit(limit, 0), actor)
}

// RenderMetrics writes the exposition text to w.
func (s *Service) RenderMetrics(ctx context.Context, w io.Writer) error {
	return s.exporter.Render(ctx, w)
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
