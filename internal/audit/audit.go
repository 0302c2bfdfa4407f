// Package audit appends immutable records of state-affecting actions.
package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

type Log struct {
	store  store.AuditStore
	clock  clock.Clock
	logger *logrus.Logger
}

func New(s store.AuditStore, clk clock.Clock, logger *logrus.Logger) *Log {
	return &Log{store: s, clock: clk, logger: logger}
}

// Record appends an event stamped with the current time.
func (l *Log) Record(ctx context.Context, alertID string, typ models.AuditEventType, actor string, payload map[string]interface{}) (models.AuditEvent, error) {
	if actor == "" {
		actor = models.SystemActor
	}
	e := models.AuditEvent{
		ID:        uuid.New().String(),
		AlertID:   alertID,
		EventType: typ,
		Actor:     actor,
		EventAt:   l.clock.Now(),
		Payload:   payload,
	}
	if err := l.store.AppendAudit(ctx, e); err != nil {
		return models.AuditEvent{}, fmt.Errorf("failed to record %s audit event: %w", typ, err)
	}
	l.logger.WithFields(logrus.Fields{
		"audit_event": typ,
		"alert_id":    alertID,
		"actor":       actor,
	}).Debug("audit event recorded")
	return e, nil
}

// RecordOrLog records the event and logs instead of returning a failure.
// Used on paths where the primary mutation already succeeded.
func (l *Log) RecordOrLog(ctx context.Context, alertID string, typ models.AuditEventType, actor string, payload map[string]interface{}) {
	if _, err := l.Record(ctx, alertID, typ, actor, payload); err != nil {
		l.logger.WithField("alert_id", alertID).Errorf("Audit write failed: %v", err)
	}
}

func (l *Log) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	return l.store.ListAudit(ctx, filter)
}
