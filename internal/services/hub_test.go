package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/logging"
	"preflight-alerting/internal/models"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(logging.Discard())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, "alice")
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_BroadcastsTransitions(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := models.Transition{AlertID: "a1", From: models.StatusPending, To: models.StatusFiring, At: at}
	p := models.AlertPolicy{ID: "orders-fail-rate", Name: "Orders feed failing", Severity: models.SeverityCritical}
	require.NoError(t, hub.OnTransition(context.Background(), tr, p))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev StreamEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "transition", ev.Type)
	assert.Equal(t, models.StatusFiring, ev.Transition.To)
	assert.Equal(t, "Orders feed failing", ev.PolicyName)
	assert.Equal(t, models.SeverityCritical, ev.Severity)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_LimitsConnectionsPerCaller(t *testing.T) {
	hub, url := startHub(t)
	for i := 0; i < maxConnsPerCaller; i++ {
		dial(t, url)
	}
	require.Eventually(t, func() bool { return hub.Count() == maxConnsPerCaller }, 5*time.Second, 10*time.Millisecond)

	extra := dial(t, url)
	require.NoError(t, extra.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := extra.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, maxConnsPerCaller, hub.Count())
}

func TestHub_SlowSubscriberDoesNotBlockBroadcast(t *testing.T) {
	hub, url := startHub(t)
	dial(t, url) // never reads
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	payload := []byte(strings.Repeat("x", 64*1024))
	start := time.Now()
	for i := 0; i < 500; i++ {
		hub.Broadcast(payload)
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, hub.Count())
}
