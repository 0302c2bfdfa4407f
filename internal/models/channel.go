package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// ChannelType selects the provider used to deliver a channel's notifications.
type ChannelType string

const (
	ChannelWebhook  ChannelType = "webhook"
	ChannelTelegram ChannelType = "telegram"
)

// NotificationChannel is a delivery endpoint. Target and Secret are never
// serialized; callers only ever see TargetHint.
type NotificationChannel struct {
	ID                 string        `json:"id" yaml:"id"`
	Type               ChannelType   `json:"channel_type" yaml:"channel_type"`
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	Target             string        `json:"-" yaml:"target"`
	Secret             string        `json:"-" yaml:"secret"`
	TimeoutSeconds     int           `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxAttempts        int           `json:"max_attempts" yaml:"max_attempts"`
	BaseBackoffSeconds int           `json:"base_backoff_seconds" yaml:"base_backoff_seconds"`
	EventTypes         []AlertStatus `json:"event_types" yaml:"event_types"`
}

// Timeout returns the per-attempt timeout, defaulting to 10s.
func (c NotificationChannel) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Attempts returns the attempt budget, defaulting to 5.
func (c NotificationChannel) Attempts() int {
	if c.MaxAttempts <= 0 {
		return 5
	}
	return c.MaxAttempts
}

// BaseBackoff returns the first retry delay, defaulting to 30s.
func (c NotificationChannel) BaseBackoff() time.Duration {
	if c.BaseBackoffSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.BaseBackoffSeconds) * time.Second
}

// Accepts reports whether transitions into status are delivered on this channel.
func (c NotificationChannel) Accepts(status AlertStatus) bool {
	for _, s := range c.EventTypes {
		if s == status {
			return true
		}
	}
	return false
}

// TargetHint returns a sanitized description of the target safe to show callers.
func (c NotificationChannel) TargetHint() string {
	switch c.Type {
	case ChannelWebhook:
		u, err := url.Parse(c.Target)
		if err != nil || u.Host == "" {
			return "webhook:invalid"
		}
		return fmt.Sprintf("%s://%s/***", u.Scheme, u.Host)
	case ChannelTelegram:
		if len(c.Target) <= 4 {
			return "telegram:***"
		}
		return "telegram:***" + c.Target[len(c.Target)-4:]
	default:
		return string(c.Type) + ":***"
	}
}

// Validate reports the first problem that makes the channel unusable.
func (c NotificationChannel) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("channel id is required")
	}
	switch c.Type {
	case ChannelWebhook:
		u, err := url.Parse(c.Target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("channel %s: target must be an http(s) URL", c.ID)
		}
	case ChannelTelegram:
		if c.Target == "" || c.Secret == "" {
			return fmt.Errorf("channel %s: telegram needs a chat id target and a bot token secret", c.ID)
		}
	default:
		return fmt.Errorf("channel %s: unknown channel_type %q", c.ID, c.Type)
	}
	for _, s := range c.EventTypes {
		if !s.Valid() {
			return fmt.Errorf("channel %s: unknown event type %q", c.ID, s)
		}
	}
	return nil
}

func (c NotificationChannel) MarshalJSON() ([]byte, error) {
	type Alias NotificationChannel
	return json.Marshal(&struct {
		TargetHint string `json:"target_hint"`
		*Alias
	}{
		TargetHint: c.TargetHint(),
		Alias:      (*Alias)(&c),
	})
}

// APIKey grants a named caller a set of scopes. The key itself is never serialized.
type APIKey struct {
	Name   string   `json:"name" yaml:"name"`
	Key    string   `json:"-" yaml:"key"`
	Scopes []string `json:"scopes" yaml:"scopes"`
}
