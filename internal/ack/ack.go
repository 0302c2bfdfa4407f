// Package ack records human acknowledgements on alerts. An acknowledgement
// is an overlay; it never affects firing or resolving.
package ack

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/audit"
	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

type Manager struct {
	acks   store.AckStore
	alerts store.AlertStore
	audit  *audit.Log
	clock  clock.Clock
	logger *logrus.Logger
}

func NewManager(acks store.AckStore, alerts store.AlertStore, log *audit.Log, clk clock.Clock, logger *logrus.Logger) *Manager {
	return &Manager{acks: acks, alerts: alerts, audit: log, clock: clk, logger: logger}
}

// Ack creates or refreshes the acknowledgement of alertID.
func (m *Manager) Ack(ctx context.Context, alertID, actor, note string) (models.Acknowledgement, error) {
	if _, err := m.alerts.GetAlert(ctx, alertID); err != nil {
		return models.Acknowledgement{}, err
	}
	a := models.Acknowledgement{
		AlertID:        alertID,
		AcknowledgedBy: actor,
		AcknowledgedAt: m.clock.Now(),
		Note:           note,
	}
	if err := m.acks.SaveAck(ctx, a); err != nil {
		return models.Acknowledgement{}, fmt.Errorf("failed to save acknowledgement: %w", err)
	}
	m.audit.RecordOrLog(ctx, alertID, models.AuditAck, actor, map[string]interface{}{"note": note})
	m.logger.WithFields(logrus.Fields{"alert_id": alertID, "actor": actor}).Info("Alert acknowledged")
	return a, nil
}

// Unack clears the active acknowledgement of alertID.
func (m *Manager) Unack(ctx context.Context, alertID, actor string) (models.Acknowledgement, error) {
	a, err := m.acks.ClearAck(ctx, alertID, m.clock.Now())
	if err != nil {
		return models.Acknowledgement{}, err
	}
	m.audit.RecordOrLog(ctx, alertID, models.AuditUnack, actor, nil)
	m.logger.WithFields(logrus.Fields{"alert_id": alertID, "actor": actor}).Info("Alert acknowledgement cleared")
	return a, nil
}

// Get returns the active acknowledgement, or store.ErrNotFound.
func (m *Manager) Get(ctx context.Context, alertID string) (models.Acknowledgement, error) {
	return m.acks.GetAck(ctx, alertID)
}

// Active indexes the active acknowledgements by alert id.
func (m *Manager) Active(ctx context.Context) (map[string]models.Acknowledgement, error) {
	list, err := m.acks.ListAcks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list acknowledgements: %w", err)
	}
	out := make(map[string]models.Acknowledgement, len(list))
	for _, a := range list {
		out[a.AlertID] = a
	}
	return out, nil
}
