package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/models"
	"preflight-alerting/pkg/webhook"
)

func TestWebhookSend_SignsWithDecodedSecret(t *testing.T) {
	key := []byte{0x01, 0x02, 0x03, 0xfe}
	sentAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var verifyErr error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verifyErr = webhook.Verify(key, r.Header, body, time.Minute, sentAt)
		assert.Equal(t, "d-1", r.Header.Get(webhook.HeaderDeliveryID))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := models.NotificationChannel{ID: "ops", Type: models.ChannelWebhook, Target: srv.URL, Secret: "base64:" + base64.StdEncoding.EncodeToString(key)}
	status, err := NewWebhook(srv.Client()).Send(context.Background(), ch, Message{DeliveryID: "d-1", EventID: "e-1", Body: []byte(`{"ok":true}`), SentAt: sentAt})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.NoError(t, verifyErr)
}

func TestWebhookSend_ClassifiesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	wh := NewWebhook(srv.Client())
	msg := Message{DeliveryID: "d-1", EventID: "e-1", Body: []byte(`{}`), SentAt: time.Now()}

	status, err := wh.Send(context.Background(), models.NotificationChannel{Target: srv.URL}, msg)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	se := Classify(err)
	require.NotNil(t, se)
	assert.Equal(t, "http_503", se.Code)

	_, err = wh.Send(context.Background(), models.NotificationChannel{Target: srv.URL, Secret: "base64:%%%"}, msg)
	assert.Equal(t, CodeSigning, Classify(err).Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = wh.Send(ctx, models.NotificationChannel{Target: srv.URL}, msg)
	require.Error(t, err)
	assert.Equal(t, CodeConnection, Classify(err).Code)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Equal(t, CodeTimeout, Classify(context.DeadlineExceeded).Code)
	assert.Equal(t, CodeConnection, Classify(errors.New("refused")).Code)
	wrapped := &SendError{Code: CodeCircuitOpen, Err: errors.New("open")}
	assert.Same(t, wrapped, Classify(wrapped))
}
