package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"preflight-alerting/internal/models"
)

// Telegram sends alert notifications through the Bot API. All channels share
// one rate limiter.
type Telegram struct {
	logger  *logrus.Logger
	limiter *rate.Limiter
	opts    []bot.Option

	mu   sync.Mutex
	bots map[string]*bot.Bot
}

// NewTelegram returns a sender limited to ratePerSecond messages per second.
func NewTelegram(logger *logrus.Logger, ratePerSecond int, opts ...bot.Option) *Telegram {
	return &Telegram{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerSecond)), ratePerSecond),
		opts:    append([]bot.Option{bot.WithSkipGetMe()}, opts...),
		bots:    make(map[string]*bot.Bot),
	}
}

func (t *Telegram) Send(ctx context.Context, ch models.NotificationChannel, msg Message) (int, error) {
	var payload models.NotificationPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return 0, &SendError{Code: CodePayload, Err: fmt.Errorf("decode payload: %w", err)}
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return 0, Classify(fmt.Errorf("telegram rate limit wait: %w", err))
	}

	b, err := t.client(ch.Secret)
	if err != nil {
		return 0, &SendError{Code: CodeProvider, Err: err}
	}

	params := &bot.SendMessageParams{
		ChatID: chatID(ch.Target),
		Text:   formatTelegram(payload),
	}
	if _, err := b.SendMessage(ctx, params); err != nil {
		if isTimeout(err) {
			return 0, &SendError{Code: CodeTimeout, Err: err}
		}
		return 0, &SendError{Code: CodeProvider, Err: fmt.Errorf("send message: %w", err)}
	}
	return 200, nil
}

func (t *Telegram) client(token string) (*bot.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.bots[token]; ok {
		return b, nil
	}
	b, err := bot.New(token, t.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	t.bots[token] = b
	return b, nil
}

// chatID passes numeric ids as int64 and @channel names through.
func chatID(target string) any {
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return id
	}
	return target
}

func formatTelegram(p models.NotificationPayload) string {
	var sb strings.Builder
	title := p.PolicyName
	if title == "" {
		title = p.Alert.PolicyID
	}
	fmt.Fprintf(&sb, "[%s] %s\n", p.EventType, title)
	fmt.Fprintf(&sb, "%s\n\n", p.Alert.Message)
	fmt.Fprintf(&sb, "Severity: %s\n", p.Alert.Severity)
	fmt.Fprintf(&sb, "Scope: %s\n", p.Alert.Scope)
	fmt.Fprintf(&sb, "Value: %.4g (threshold %.4g)\n", p.Alert.CurrentValue, p.Alert.Threshold)
	fmt.Fprintf(&sb, "At: %s\n", p.OccurredAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "Event: %s", p.EventID)
	return sb.String()
}
