package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"preflight-alerting/internal/models"
)

// Error codes recorded on failed attempts.
const (
	CodeTimeout            = "timeout"
	CodeConnection         = "connection_error"
	CodeSigning            = "signing_error"
	CodePayload            = "payload_error"
	CodeProvider           = "provider_error"
	CodeCircuitOpen        = "circuit_open"
	CodeChannelUnavailable = "channel_unavailable"
	CodeReaped             = "reaped"
)

// Message is one delivery of an outbox item.
type Message struct {
	DeliveryID string
	EventID    string
	EventType  models.AlertStatus
	Body       []byte
	SentAt     time.Time
}

// SendError is a classified delivery failure.
type SendError struct {
	Code       string
	HTTPStatus int
	Err        error
}

func (e *SendError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Code, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// SendFunc delivers msg to ch and returns the HTTP status seen, if any.
type SendFunc func(ctx context.Context, ch models.NotificationChannel, msg Message) (int, error)

// Registry maps channel types to their senders.
type Registry map[models.ChannelType]SendFunc

// NewRegistry wires the webhook and telegram providers.
func NewRegistry(logger *logrus.Logger) Registry {
	wh := NewWebhook(nil)
	tg := NewTelegram(logger, 20)
	return Registry{
		models.ChannelWebhook:  wh.Send,
		models.ChannelTelegram: tg.Send,
	}
}

// Classify turns any send error into a SendError.
func Classify(err error) *SendError {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	if isTimeout(err) {
		return &SendError{Code: CodeTimeout, Err: err}
	}
	return &SendError{Code: CodeConnection, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
