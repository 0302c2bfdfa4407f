package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/ack"
	"preflight-alerting/internal/alerting"
	"preflight-alerting/internal/audit"
	"preflight-alerting/internal/clock"
	"preflight-alerting/internal/delivery"
	"preflight-alerting/internal/evaluator"
	"preflight-alerting/internal/logging"
	"preflight-alerting/internal/metrics"
	"preflight-alerting/internal/models"
	"preflight-alerting/internal/notification"
	"preflight-alerting/internal/policy"
	"preflight-alerting/internal/providers"
	"preflight-alerting/internal/services"
	"preflight-alerting/internal/silence"
	"preflight-alerting/internal/store"
)

const (
	readerKey   = "reader-key"
	writerKey   = "writer-key"
	notifierKey = "notifier-key"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	router *gin.Engine
	store  *store.Memory
	clock  *clock.Fake
	sent   int
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logging.Discard()
	ts := &testServer{store: store.NewMemory(), clock: clock.NewFake(t0)}
	st, clk := ts.store, ts.clock

	defs, res := policy.NewStatic(policy.Definitions{
		Policies: []models.AlertPolicy{{
			ID:         "orders-fail-rate",
			Name:       "Orders feed failing",
			Enabled:    true,
			Severity:   models.SeverityCritical,
			MetricType: models.MetricFailRate,
			Operator:   models.OpGT,
			Threshold:  0.5,
			WindowDays: 7,
			SourceName: "orders",
		}},
		Channels: []models.NotificationChannel{
			{ID: "ops", Type: models.ChannelWebhook, Enabled: true, Target: "https://hooks.example.com/ops"},
		},
		APIKeys: []models.APIKey{
			{Name: "dashboard", Key: readerKey, Scopes: []string{"alerts:read"}},
			{Name: "oncall", Key: writerKey, Scopes: []string{"alerts:read", "alerts:write"}},
			{Name: "deliveries", Key: notifierKey, Scopes: []string{"notifications:read", "notifications:write"}},
		},
	}, logger)
	require.Empty(t, res.Warnings)

	reg := providers.Registry{models.ChannelWebhook: func(context.Context, models.NotificationChannel, providers.Message) (int, error) {
		ts.sent++
		return http.StatusOK, nil
	}}
	rec := metrics.NewRecorder()
	auditLog := audit.New(st, clk, logger)
	engine := alerting.NewEngine(defs, evaluator.New(st), st, auditLog, rec, clk, time.Minute, logger)
	silences := silence.NewManager(st, auditLog, clk, logger)
	dispatcher := notification.NewDispatcher(st, st, defs, auditLog, clk, logger)
	hub := services.NewHub(logger)
	engine.OnTransition(dispatcher.OnTransition)
	engine.OnTransition(hub.OnTransition)

	svc := services.New(services.Deps{
		Store:      st,
		Policies:   defs,
		Engine:     engine,
		Silences:   silences,
		Acks:       ack.NewManager(st, st, auditLog, clk, logger),
		Dispatcher: dispatcher,
		Worker:     delivery.NewWorker(st, st, defs, silences, reg, auditLog, rec, clk, delivery.Config{}, logger),
		Audit:      auditLog,
		Exporter:   metrics.NewExporter(st, rec, nil, clk, logger),
		Hub:        hub,
		Clock:      clk,
		Logger:     logger,
	})
	ts.router = NewRouter(svc, defs, opts, logger)
	return ts
}

func (ts *testServer) failingRuns(t *testing.T) {
	t.Helper()
	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, ts.store.UpsertRun(context.Background(), models.RunObservation{
			RunID:      id,
			SourceName: "orders",
			Status:     models.RunFailed,
			StartedAt:  t0.Add(-time.Hour),
			FinishedAt: t0.Add(-time.Hour),
		}))
	}
}

func (ts *testServer) do(method, path, key, body string, remote ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if len(remote) > 0 {
		req.RemoteAddr = remote[0]
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, Options{})

	assert.Equal(t, http.StatusOK, ts.do("GET", "/health", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do("GET", "/api/v1/alerts", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do("GET", "/api/v1/alerts", "nope", "").Code)
	assert.Equal(t, http.StatusOK, ts.do("GET", "/api/v1/alerts", readerKey, "").Code)

	w := ts.do("POST", "/api/v1/silences", readerKey, `{}`)
	require.Equal(t, http.StatusForbidden, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, "alerts:write", body["required_scope"])

	assert.Equal(t, http.StatusForbidden, ts.do("GET", "/api/v1/notifications/outbox", writerKey, "").Code)
	assert.Equal(t, http.StatusOK, ts.do("GET", "/api/v1/notifications/outbox", notifierKey, "").Code)
	assert.Equal(t, http.StatusForbidden, ts.do("POST", "/api/v1/policies/reload", writerKey, "").Code)

	assert.Equal(t, http.StatusUnauthorized, ts.do("GET", "/metrics", "", "").Code)
	assert.Equal(t, http.StatusOK, ts.do("GET", "/metrics", readerKey, "").Code)
}

func TestMetricsPublic(t *testing.T) {
	ts := newTestServer(t, Options{MetricsPublic: true})
	w := ts.do("GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, metrics.ContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `preflight_alerts{status="FIRING"} 0`)
}

func TestEvaluateRoute(t *testing.T) {
	off := newTestServer(t, Options{})
	assert.Equal(t, http.StatusNotFound, off.do("POST", "/api/v1/alerts/evaluate", writerKey, "", "127.0.0.1:4000").Code)

	ts := newTestServer(t, Options{ManualEvaluationEnabled: true})
	ts.failingRuns(t)

	assert.Equal(t, http.StatusForbidden, ts.do("POST", "/api/v1/alerts/evaluate", readerKey, "", "127.0.0.1:4000").Code)
	assert.Equal(t, http.StatusForbidden, ts.do("POST", "/api/v1/alerts/evaluate", writerKey, "", "203.0.113.9:4000").Code)

	w := ts.do("POST", "/api/v1/alerts/evaluate", writerKey, `{"policy_id":"orders-fail-rate"}`, "127.0.0.1:4000")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sum := decode[alerting.Summary](t, w)
	require.Len(t, sum.Transitions, 1)
	assert.Equal(t, models.StatusFiring, sum.Transitions[0].To)

	w = ts.do("POST", "/api/v1/alerts/evaluate", writerKey, `{"policy_id":"missing"}`, "[::1]:4000")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAlertLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.failingRuns(t)

	w := ts.do("GET", "/api/v1/alerts?auto_evaluate=true", readerKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decode[[]models.AlertView](t, w)
	require.Len(t, alerts, 1)
	alertID := alerts[0].ID
	assert.Equal(t, models.StatusFiring, alerts[0].Status)
	assert.False(t, alerts[0].Silenced)
	assert.False(t, alerts[0].Acknowledged)

	assert.Equal(t, http.StatusNotFound, ts.do("GET", "/api/v1/alerts/unknown", readerKey, "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/api/v1/alerts?status=weird", readerKey, "").Code)

	w = ts.do("POST", "/api/v1/alerts/"+alertID+"/ack", writerKey, `{"note":"on it"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "oncall", decode[models.Acknowledgement](t, w).AcknowledgedBy)

	silenceBody := `{"matcher":{"policy_id":"orders-fail-rate"},"ends_at":"` + t0.Add(time.Hour).Format(time.RFC3339) + `","reason":"deploy"}`
	w = ts.do("POST", "/api/v1/silences", writerKey, silenceBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	silenceID := decode[models.Silence](t, w).ID

	past := `{"ends_at":"` + t0.Add(-time.Hour).Format(time.RFC3339) + `","reason":"late"}`
	assert.Equal(t, http.StatusBadRequest, ts.do("POST", "/api/v1/silences", writerKey, past).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("POST", "/api/v1/silences", writerKey, `{"reason":"no end"}`).Code)

	w = ts.do("GET", "/api/v1/alerts/"+alertID, readerKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[models.AlertView](t, w)
	assert.True(t, view.Silenced)
	require.NotNil(t, view.SilencedBy)
	assert.Equal(t, silenceID, view.SilencedBy.ID)
	assert.True(t, view.Acknowledged)

	assert.Equal(t, http.StatusOK, ts.do("DELETE", "/api/v1/silences/"+silenceID, writerKey, "").Code)
	assert.Equal(t, http.StatusConflict, ts.do("DELETE", "/api/v1/silences/"+silenceID, writerKey, "").Code)
	assert.Equal(t, http.StatusOK, ts.do("DELETE", "/api/v1/alerts/"+alertID+"/ack", writerKey, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do("DELETE", "/api/v1/alerts/"+alertID+"/ack", writerKey, "").Code)

	w = ts.do("GET", "/api/v1/alerts/"+alertID+"/history", readerKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[[]models.AuditEvent](t, w)
	var types []models.AuditEventType
	for _, e := range history {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, models.AuditEvaluation)
	assert.Contains(t, types, models.AuditAck)
	assert.Contains(t, types, models.AuditUnack)
}

func TestDispatchAndReplay(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.failingRuns(t)
	require.Equal(t, http.StatusOK, ts.do("GET", "/api/v1/alerts?auto_evaluate=true", readerKey, "").Code)

	w := ts.do("POST", "/api/v1/notifications/dispatch", notifierKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode[services.DispatchReport](t, w)
	assert.Equal(t, 1, rep.Delivery.Sent)
	assert.Equal(t, 1, ts.sent)

	w = ts.do("GET", "/api/v1/notifications/outbox?state=sent", notifierKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	items := decode[[]models.OutboxItem](t, w)
	require.Len(t, items, 1)

	w = ts.do("GET", "/api/v1/notifications/outbox/"+items[0].ID, notifierKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[services.OutboxDetail](t, w)
	require.Len(t, detail.Attempts, 1)
	assert.Equal(t, models.AttemptSent, detail.Attempts[0].Status)

	assert.Equal(t, http.StatusOK, ts.do("GET", "/api/v1/notifications/attempts/"+detail.Attempts[0].ID, notifierKey, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do("GET", "/api/v1/notifications/attempts/missing", notifierKey, "").Code)

	w = ts.do("POST", "/api/v1/notifications/outbox/"+items[0].ID+"/replay", notifierKey, "")
	require.Equal(t, http.StatusCreated, w.Code)
	replayed := decode[models.OutboxItem](t, w)
	require.NotNil(t, replayed.ReplayedFromID)
	assert.Equal(t, items[0].ID, *replayed.ReplayedFromID)
	assert.Equal(t, items[0].EventID, replayed.EventID)

	w = ts.do("POST", "/api/v1/notifications/dispatch", notifierKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, ts.sent)

	w = ts.do("GET", "/api/v1/notifications/stats", notifierKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[models.DeliveryStats](t, w)
	assert.Equal(t, 2, stats.OutboxByState[models.OutboxSent])

	w = ts.do("GET", "/api/v1/notifications/channels", notifierKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "hooks.example.com/ops")

	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/api/v1/notifications/outbox?state=lost", notifierKey, "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/api/v1/notifications/history?limit=-1", notifierKey, "").Code)
}
