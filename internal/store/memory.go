package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"preflight-alerting/internal/models"
)

// Memory is an in-process Store used when no database is configured and in tests.
type Memory struct {
	mu       sync.RWMutex
	runs     map[string]models.RunObservation
	alerts   map[string]models.Alert
	silences map[string]models.Silence
	acks     map[string]models.Acknowledgement
	outbox   map[string]models.OutboxItem
	attempts map[string]models.DeliveryAttempt
	audit    []models.AuditEvent
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:     make(map[string]models.RunObservation),
		alerts:   make(map[string]models.Alert),
		silences: make(map[string]models.Silence),
		acks:     make(map[string]models.Acknowledgement),
		outbox:   make(map[string]models.OutboxItem),
		attempts: make(map[string]models.DeliveryAttempt),
	}
}

func (m *Memory) Close() {}

/* --------------------------------- runs --------------------------------- */

func (m *Memory) UpsertRun(_ context.Context, run models.RunObservation) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	m.mu.Lock()
	m.runs[run.RunID] = run
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListRuns(_ context.Context, source string, since time.Time) ([]models.RunObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RunObservation
	for _, r := range m.runs {
		if source != "" && r.SourceName != source {
			continue
		}
		if r.StartedAt.Before(since) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) LatestSuccess(_ context.Context, source string) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *time.Time
	for _, r := range m.runs {
		if !r.Succeeded() || (source != "" && r.SourceName != source) {
			continue
		}
		if latest == nil || r.FinishedAt.After(*latest) {
			t := r.FinishedAt
			latest = &t
		}
	}
	return latest, nil
}

func (m *Memory) CountRuns(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs), nil
}

/* -------------------------------- alerts -------------------------------- */

func copyAlert(a models.Alert) models.Alert {
	if a.EvaluationContext != nil {
		ctx := make(map[string]interface{}, len(a.EvaluationContext))
		for k, v := range a.EvaluationContext {
			ctx[k] = v
		}
		a.EvaluationContext = ctx
	}
	return a
}

func (m *Memory) GetAlert(_ context.Context, id string) (models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return models.Alert{}, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return copyAlert(a), nil
}

func (m *Memory) ListAlerts(_ context.Context, statuses ...models.AlertStatus) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if len(statuses) > 0 && !containsStatus(statuses, a.Status) {
			continue
		}
		out = append(out, copyAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StatusChangedAt.Equal(out[j].StatusChangedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StatusChangedAt.After(out[j].StatusChangedAt)
	})
	return out, nil
}

func containsStatus(list []models.AlertStatus, s models.AlertStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *Memory) SaveAlert(_ context.Context, alert models.Alert, expectedVersion int64) (models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.alerts[alert.ID]
	switch {
	case expectedVersion == 0 && exists:
		return models.Alert{}, fmt.Errorf("alert %s already exists: %w", alert.ID, ErrConflict)
	case expectedVersion != 0 && (!exists || current.Version != expectedVersion):
		return models.Alert{}, fmt.Errorf("alert %s version %d: %w", alert.ID, expectedVersion, ErrConflict)
	}
	alert.Version = expectedVersion + 1
	m.alerts[alert.ID] = copyAlert(alert)
	return copyAlert(alert), nil
}

/* ------------------------------- silences ------------------------------- */

func (m *Memory) CreateSilence(_ context.Context, s models.Silence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.silences[s.ID]; ok {
		return fmt.Errorf("silence %s: %w", s.ID, ErrConflict)
	}
	m.silences[s.ID] = s
	return nil
}

func (m *Memory) GetSilence(_ context.Context, id string) (models.Silence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.silences[id]
	if !ok {
		return models.Silence{}, fmt.Errorf("silence %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) ListSilences(_ context.Context) ([]models.Silence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Silence, 0, len(m.silences))
	for _, s := range m.silences {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ExpireSilence(_ context.Context, id string, at time.Time) (models.Silence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.silences[id]
	if !ok {
		return models.Silence{}, fmt.Errorf("silence %s: %w", id, ErrNotFound)
	}
	if s.ExpiredAt != nil {
		return models.Silence{}, fmt.Errorf("silence %s already expired: %w", id, ErrConflict)
	}
	s.ExpiredAt = &at
	m.silences[id] = s
	return s, nil
}

/* --------------------------------- acks --------------------------------- */

func (m *Memory) SaveAck(_ context.Context, a models.Acknowledgement) error {
	m.mu.Lock()
	m.acks[a.AlertID] = a
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetAck(_ context.Context, alertID string) (models.Acknowledgement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.acks[alertID]
	if !ok || !a.Active() {
		return models.Acknowledgement{}, fmt.Errorf("acknowledgement %s: %w", alertID, ErrNotFound)
	}
	return a, nil
}

func (m *Memory) ClearAck(_ context.Context, alertID string, at time.Time) (models.Acknowledgement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.acks[alertID]
	if !ok || !a.Active() {
		return models.Acknowledgement{}, fmt.Errorf("acknowledgement %s: %w", alertID, ErrNotFound)
	}
	a.ClearedAt = &at
	m.acks[alertID] = a
	return a, nil
}

func (m *Memory) ListAcks(_ context.Context) ([]models.Acknowledgement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Acknowledgement
	for _, a := range m.acks {
		if a.Active() {
			out = append(out, a)
		}
	}
	return out, nil
}

/* -------------------------------- outbox -------------------------------- */

func copyItem(it models.OutboxItem) models.OutboxItem {
	if it.Payload != nil {
		it.Payload = append(json.RawMessage(nil), it.Payload...)
	}
	return it
}

func (m *Memory) EnqueueOutboxItem(_ context.Context, item models.OutboxItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.outbox[item.ID]; ok {
		return false, fmt.Errorf("outbox item %s: %w", item.ID, ErrConflict)
	}
	if item.ReplayedFromID == nil {
		for _, existing := range m.outbox {
			if existing.ReplayedFromID == nil && existing.EventID == item.EventID && existing.ChannelID == item.ChannelID {
				return false, nil
			}
		}
	}
	m.outbox[item.ID] = copyItem(item)
	return true, nil
}

func (m *Memory) GetOutboxItem(_ context.Context, id string) (models.OutboxItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.outbox[id]
	if !ok {
		return models.OutboxItem{}, fmt.Errorf("outbox item %s: %w", id, ErrNotFound)
	}
	return copyItem(it), nil
}

func (m *Memory) ListOutbox(_ context.Context, filter models.OutboxFilter) ([]models.OutboxItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	replayed := make(map[string]bool)
	if filter.Unreplayed {
		for _, it := range m.outbox {
			if it.ReplayedFromID != nil {
				replayed[*it.ReplayedFromID] = true
			}
		}
	}
	var out []models.OutboxItem
	for _, it := range m.outbox {
		if len(filter.States) > 0 && !containsState(filter.States, it.State) {
			continue
		}
		if replayed[it.ID] {
			continue
		}
		if filter.ChannelID != "" && it.ChannelID != filter.ChannelID {
			continue
		}
		if filter.AlertID != "" && it.AlertID != filter.AlertID {
			continue
		}
		out = append(out, copyItem(it))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsState(list []models.OutboxState, s models.OutboxState) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *Memory) HasOutboxEvent(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, it := range m.outbox {
		if it.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListDue(_ context.Context, now time.Time, limit int) ([]models.OutboxItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OutboxItem
	for _, it := range m.outbox {
		if it.State.Terminal() || it.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, copyItem(it))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimOutboxItem(_ context.Context, id string, state models.OutboxState, seq int, now, claimUntil time.Time) (models.OutboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.outbox[id]
	if !ok {
		return models.OutboxItem{}, fmt.Errorf("outbox item %s: %w", id, ErrNotFound)
	}
	if it.State != state || it.AttemptSeq != seq || it.NextAttemptAt.After(now) {
		return models.OutboxItem{}, fmt.Errorf("claim outbox item %s: %w", id, ErrConflict)
	}
	it.AttemptSeq++
	it.NextAttemptAt = claimUntil
	it.UpdatedAt = now
	m.outbox[id] = it
	return copyItem(it), nil
}

func (m *Memory) UpdateOutboxItem(_ context.Context, item models.OutboxItem, state models.OutboxState, seq int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.outbox[item.ID]
	if !ok {
		return fmt.Errorf("outbox item %s: %w", item.ID, ErrNotFound)
	}
	if it.State != state || it.AttemptSeq != seq {
		return fmt.Errorf("update outbox item %s: %w", item.ID, ErrConflict)
	}
	it.State = item.State
	it.AttemptCount = item.AttemptCount
	it.NextAttemptAt = item.NextAttemptAt
	it.SentAt = item.SentAt
	it.LastError = item.LastError
	it.UpdatedAt = item.UpdatedAt
	m.outbox[item.ID] = it
	return nil
}

func (m *Memory) CountOutboxByState(_ context.Context) (map[models.OutboxState]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[models.OutboxState]int{
		models.OutboxPending:  0,
		models.OutboxRetrying: 0,
		models.OutboxSent:     0,
		models.OutboxDead:     0,
	}
	for _, it := range m.outbox {
		counts[it.State]++
	}
	return counts, nil
}

func (m *Memory) OldestPending(_ context.Context) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest *time.Time
	for _, it := range m.outbox {
		if it.State.Terminal() {
			continue
		}
		if oldest == nil || it.CreatedAt.Before(*oldest) {
			t := it.CreatedAt
			oldest = &t
		}
	}
	return oldest, nil
}

/* ------------------------------- attempts ------------------------------- */

func (m *Memory) InsertAttempt(_ context.Context, a models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[a.ID]; ok {
		return fmt.Errorf("attempt %s: %w", a.ID, ErrConflict)
	}
	for _, existing := range m.attempts {
		if existing.OutboxItemID == a.OutboxItemID && existing.AttemptNumber == a.AttemptNumber {
			return fmt.Errorf("attempt %d for item %s: %w", a.AttemptNumber, a.OutboxItemID, ErrConflict)
		}
	}
	m.attempts[a.ID] = a
	return nil
}

func (m *Memory) FinalizeAttempt(_ context.Context, id string, res models.AttemptResult) (models.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return models.DeliveryAttempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	if a.Status != models.AttemptStarted {
		return models.DeliveryAttempt{}, fmt.Errorf("attempt %s already %s: %w", id, a.Status, ErrConflict)
	}
	completed := res.CompletedAt
	a.Status = res.Status
	a.CompletedAt = &completed
	a.DurationMS = completed.Sub(a.StartedAt).Milliseconds()
	a.HTTPStatus = res.HTTPStatus
	a.ErrorCode = res.ErrorCode
	a.ErrorMessage = res.ErrorMessage
	m.attempts[id] = a
	return a, nil
}

func (m *Memory) GetAttempt(_ context.Context, id string) (models.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[id]
	if !ok {
		return models.DeliveryAttempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *Memory) ListAttempts(_ context.Context, itemID string) ([]models.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DeliveryAttempt
	for _, a := range m.attempts {
		if a.OutboxItemID == itemID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (m *Memory) ListRecentAttempts(_ context.Context, since time.Time, limit int) ([]models.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DeliveryAttempt
	for _, a := range m.attempts {
		if !a.StartedAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].AttemptNumber > out[j].AttemptNumber
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListStaleAttempts(_ context.Context, startedBefore time.Time) ([]models.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DeliveryAttempt
	for _, a := range m.attempts {
		if a.Status == models.AttemptStarted && a.StartedAt.Before(startedBefore) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

/* --------------------------------- audit -------------------------------- */

func (m *Memory) AppendAudit(_ context.Context, e models.AuditEvent) error {
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListAudit(_ context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditEvent
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.AlertID != "" && e.AlertID != filter.AlertID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
