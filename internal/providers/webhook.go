package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"preflight-alerting/internal/models"
	"preflight-alerting/pkg/webhook"
)

const userAgent = "preflight-alerting/1.0"

// Webhook posts signed JSON bodies. The per-attempt timeout comes from ctx.
type Webhook struct {
	client *http.Client
}

// NewWebhook returns a webhook sender. A nil client uses a dedicated default client.
func NewWebhook(client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{
			// never follow redirects to a target the channel did not name
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return &Webhook{client: client}
}

func (w *Webhook) Send(ctx context.Context, ch models.NotificationChannel, msg Message) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Target, bytes.NewReader(msg.Body))
	if err != nil {
		return 0, &SendError{Code: CodeConnection, Err: fmt.Errorf("build request: %w", err)}
	}
	ts := msg.SentAt.Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(webhook.HeaderDeliveryID, msg.DeliveryID)
	req.Header.Set(webhook.HeaderEventID, msg.EventID)
	req.Header.Set(webhook.HeaderTimestamp, strconv.FormatInt(ts, 10))
	if ch.Secret != "" {
		key, err := secretKey(ch.Secret)
		if err != nil {
			return 0, &SendError{Code: CodeSigning, Err: err}
		}
		req.Header.Set(webhook.HeaderSignature, webhook.Sign(key, ts, msg.Body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, Classify(err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &SendError{
			Code:       "http_" + strconv.Itoa(resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Err:        fmt.Errorf("receiver responded %s: %s", resp.Status, strings.TrimSpace(string(snippet))),
		}
	}
	return resp.StatusCode, nil
}

// secretKey accepts a raw secret or a "base64:" prefixed one.
func secretKey(secret string) ([]byte, error) {
	if enc, ok := strings.CutPrefix(secret, "base64:"); ok {
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decode channel secret: %w", err)
		}
		return key, nil
	}
	return []byte(secret), nil
}
