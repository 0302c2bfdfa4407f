// Package store defines the persistence contract shared by the in-memory
// arena and the Postgres implementation in internal/db.
//
// Every mutation that can race between the evaluation path, the dispatch
// path and API requests is expressed as a check-and-set: the caller passes
// the value it read and the write fails with ErrConflict when the row has
// moved on in between.
package store

import (
	"context"
	"errors"
	"time"

	"preflight-alerting/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("concurrent modification")
)

// RunStore is the read side of the run registry plus ingest.
type RunStore interface {
	UpsertRun(ctx context.Context, run models.RunObservation) error
	// ListRuns returns runs that started at or after since. An empty source lists all sources.
	ListRuns(ctx context.Context, source string, since time.Time) ([]models.RunObservation, error)
	LatestSuccess(ctx context.Context, source string) (*time.Time, error)
	CountRuns(ctx context.Context) (int, error)
}

// AlertStore persists one alert per (policy, scope).
type AlertStore interface {
	GetAlert(ctx context.Context, id string) (models.Alert, error)
	// ListAlerts returns alerts in any of statuses, or all alerts when statuses is empty.
	ListAlerts(ctx context.Context, statuses ...models.AlertStatus) ([]models.Alert, error)
	// SaveAlert inserts the alert when expectedVersion is 0 and updates it
	// otherwise. The stored version must equal expectedVersion.
	SaveAlert(ctx context.Context, alert models.Alert, expectedVersion int64) (models.Alert, error)
}

type SilenceStore interface {
	CreateSilence(ctx context.Context, s models.Silence) error
	GetSilence(ctx context.Context, id string) (models.Silence, error)
	ListSilences(ctx context.Context) ([]models.Silence, error)
	// ExpireSilence sets expired_at. It fails with ErrConflict when already expired.
	ExpireSilence(ctx context.Context, id string, at time.Time) (models.Silence, error)
}

type AckStore interface {
	SaveAck(ctx context.Context, a models.Acknowledgement) error
	// GetAck returns the active acknowledgement for the alert.
	GetAck(ctx context.Context, alertID string) (models.Acknowledgement, error)
	// ClearAck clears the active acknowledgement; ErrNotFound when there is none.
	ClearAck(ctx context.Context, alertID string, at time.Time) (models.Acknowledgement, error)
	ListAcks(ctx context.Context) ([]models.Acknowledgement, error)
}

type OutboxStore interface {
	// EnqueueOutboxItem inserts the item. For non-replayed items it returns
	// false without inserting when a non-replayed item with the same
	// event_id already exists for the channel.
	EnqueueOutboxItem(ctx context.Context, item models.OutboxItem) (bool, error)
	GetOutboxItem(ctx context.Context, id string) (models.OutboxItem, error)
	ListOutbox(ctx context.Context, filter models.OutboxFilter) ([]models.OutboxItem, error)
	HasOutboxEvent(ctx context.Context, eventID string) (bool, error)
	// ListDue returns pending/retrying items with next_attempt_at <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.OutboxItem, error)
	// ClaimOutboxItem bumps attempt_seq and pushes next_attempt_at to
	// claimUntil if the item is still due, in state and at attempt_seq seq.
	ClaimOutboxItem(ctx context.Context, id string, state models.OutboxState, seq int, now, claimUntil time.Time) (models.OutboxItem, error)
	// UpdateOutboxItem writes state, attempt_count, next_attempt_at, sent_at
	// and last_error if the stored item is still in state at attempt_seq seq.
	UpdateOutboxItem(ctx context.Context, item models.OutboxItem, state models.OutboxState, seq int) error
	CountOutboxByState(ctx context.Context) (map[models.OutboxState]int, error)
	OldestPending(ctx context.Context) (*time.Time, error)
}

type AttemptStore interface {
	InsertAttempt(ctx context.Context, a models.DeliveryAttempt) error
	// FinalizeAttempt moves a STARTED attempt to its final status; ErrConflict otherwise.
	FinalizeAttempt(ctx context.Context, id string, res models.AttemptResult) (models.DeliveryAttempt, error)
	GetAttempt(ctx context.Context, id string) (models.DeliveryAttempt, error)
	ListAttempts(ctx context.Context, itemID string) ([]models.DeliveryAttempt, error)
	// ListRecentAttempts returns attempts started at or after since, newest first.
	ListRecentAttempts(ctx context.Context, since time.Time, limit int) ([]models.DeliveryAttempt, error)
	ListStaleAttempts(ctx context.Context, startedBefore time.Time) ([]models.DeliveryAttempt, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e models.AuditEvent) error
	// ListAudit returns events newest first.
	ListAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)
}

// Store is the full persistence surface.
type Store interface {
	RunStore
	AlertStore
	SilenceStore
	AckStore
	OutboxStore
	AttemptStore
	AuditStore
	Close()
}
