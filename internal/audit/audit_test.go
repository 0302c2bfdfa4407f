package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type failingStore struct{}

func (failingStore) AppendAudit(context.Context, models.AuditEvent) error {
	return errors.New("disk full")
}

func (failingStore) ListAudit(context.Context, models.AuditFilter) ([]models.AuditEvent, error) {
	return nil, nil
}

func TestRecord(t *testing.T) {
	st := store.NewMemory()
	logger, _ := logtest.NewNullLogger()
	l := New(st, clock.NewFake(t0), logger)

	e, err := l.Record(context.Background(), "a1", models.AuditAck, "", map[string]interface{}{"note": "on it"})
	require.NoError(t, err)
	assert.Equal(t, models.SystemActor, e.Actor)
	assert.Equal(t, t0, e.EventAt)

	events, err := l.List(context.Background(), models.AuditFilter{AlertID: "a1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, e.ID, events[0].ID)
}

func TestRecordOrLog_LogsFailures(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	l := New(failingStore{}, clock.NewFake(t0), logger)

	_, err := l.Record(context.Background(), "a1", models.AuditAck, "alice", nil)
	assert.Error(t, err)

	l.RecordOrLog(context.Background(), "a1", models.AuditAck, "alice", nil)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "a1", entry.Data["alert_id"])
	assert.Contains(t, entry.Message, "disk full")
}
