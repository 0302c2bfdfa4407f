package models

import (
	"encoding/json"
	"time"
)

// OutboxState is the delivery state of an outbox item.
type OutboxState string

const (
	OutboxPending  OutboxState = "pending"
	OutboxRetrying OutboxState = "retrying"
	OutboxSent     OutboxState = "sent"
	OutboxDead     OutboxState = "dead"
)

// Terminal reports whether no further automatic attempts will happen.
func (s OutboxState) Terminal() bool {
	return s == OutboxSent || s == OutboxDead
}

// OutboxItem is a durable notification waiting for (or done with) delivery.
type OutboxItem struct {
	ID             string          `json:"id"`
	EventID        string          `json:"event_id"`
	DeliveryID     string          `json:"delivery_id"`
	ChannelID      string          `json:"channel_id"`
	AlertID        string          `json:"alert_id"`
	EventType      AlertStatus     `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	State          OutboxState     `json:"state"`
	AttemptCount   int             `json:"attempt_count"`
	AttemptSeq     int             `json:"attempt_seq"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	ReplayedFromID *string         `json:"replayed_from_id,omitempty"`
}

// OutboxFilter narrows outbox queries.
type OutboxFilter struct {
	States    []OutboxState
	ChannelID string
	AlertID   string
	Limit     int

	// Unreplayed keeps only items no other item was replayed from.
	Unreplayed bool
}

// NotificationPayload is the JSON body posted to receivers.
type NotificationPayload struct {
	EventID    string      `json:"event_id"`
	EventType  AlertStatus `json:"event_type"`
	PolicyName string      `json:"policy_name,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
	Alert      Alert       `json:"alert"`
}
