// Package silence manages time-boxed suppression of alert notifications.
// Silences never change an alert's status.
package silence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/audit"
	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

// ErrInvalid marks a rejected silence request.
var ErrInvalid = errors.New("invalid silence")

type Manager struct {
	store  store.SilenceStore
	audit  *audit.Log
	clock  clock.Clock
	logger *logrus.Logger
}

func NewManager(s store.SilenceStore, log *audit.Log, clk clock.Clock, logger *logrus.Logger) *Manager {
	return &Manager{store: s, audit: log, clock: clk, logger: logger}
}

// Create stores a new silence. StartsAt defaults to now; EndsAt must be in
// the future and after StartsAt.
func (m *Manager) Create(ctx context.Context, req models.SilenceCreate, actor string) (models.Silence, error) {
	now := m.clock.Now()
	starts := now
	if req.StartsAt != nil {
		starts = req.StartsAt.UTC()
	}
	ends := req.EndsAt.UTC()
	if !ends.After(now) {
		return models.Silence{}, fmt.Errorf("%w: ends_at must be in the future", ErrInvalid)
	}
	if !ends.After(starts) {
		return models.Silence{}, fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalid)
	}

	s := models.Silence{
		ID:        uuid.New().String(),
		Matcher:   req.Matcher,
		StartsAt:  starts,
		EndsAt:    ends,
		Reason:    req.Reason,
		CreatedBy: actor,
		CreatedAt: now,
	}
	if err := m.store.CreateSilence(ctx, s); err != nil {
		return models.Silence{}, fmt.Errorf("failed to create silence: %w", err)
	}

	m.audit.RecordOrLog(ctx, matcherAlertHint(s.Matcher), models.AuditSilenceCreate, actor, map[string]interface{}{
		"silence_id": s.ID,
		"starts_at":  s.StartsAt.Format(time.RFC3339),
		"ends_at":    s.EndsAt.Format(time.RFC3339),
		"reason":     s.Reason,
		"matcher":    s.Matcher,
	})
	m.logger.WithFields(logrus.Fields{"silence_id": s.ID, "actor": actor}).Info("Silence created")
	return s, nil
}

// Expire ends a silence immediately.
func (m *Manager) Expire(ctx context.Context, id, actor string) (models.Silence, error) {
	s, err := m.store.ExpireSilence(ctx, id, m.clock.Now())
	if err != nil {
		return models.Silence{}, err
	}
	m.audit.RecordOrLog(ctx, matcherAlertHint(s.Matcher), models.AuditSilenceExpire, actor, map[string]interface{}{
		"silence_id": s.ID,
	})
	m.logger.WithFields(logrus.Fields{"silence_id": s.ID, "actor": actor}).Info("Silence expired")
	return s, nil
}

// List returns silences newest first. Expired silences are dropped unless includeExpired.
func (m *Manager) List(ctx context.Context, includeExpired bool) ([]models.Silence, error) {
	all, err := m.store.ListSilences(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list silences: %w", err)
	}
	if includeExpired {
		return all, nil
	}
	now := m.clock.Now()
	var out []models.Silence
	for _, s := range all {
		if s.State(now) != models.SilenceStateExpired {
			out = append(out, s)
		}
	}
	return out, nil
}

// Active returns the silences active at the current time.
func (m *Manager) Active(ctx context.Context) ([]models.Silence, error) {
	all, err := m.store.ListSilences(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list silences: %w", err)
	}
	now := m.clock.Now()
	var out []models.Silence
	for _, s := range all {
		if s.IsActive(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// IsSilenced returns the first active silence matching a, or nil.
func (m *Manager) IsSilenced(ctx context.Context, a models.Alert) (*models.Silence, error) {
	active, err := m.Active(ctx)
	if err != nil {
		return nil, err
	}
	return Match(active, a), nil
}

// Match returns the first silence in active whose matcher selects a. When
// several match, the one ending last wins so callers defer for the longest span.
func Match(active []models.Silence, a models.Alert) *models.Silence {
	var found *models.Silence
	for i := range active {
		if !active[i].Matcher.Matches(a) {
			continue
		}
		if found == nil || active[i].EndsAt.After(found.EndsAt) {
			found = &active[i]
		}
	}
	return found
}

// matcherAlertHint ties the audit entry to an alert when the matcher pins one down.
func matcherAlertHint(m models.SilenceMatcher) string {
	if m.PolicyID != nil && m.Scope != nil {
		return models.AlertID(*m.PolicyID, *m.Scope)
	}
	return ""
}
