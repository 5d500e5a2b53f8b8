package models

import (
	"time"

	"github.com/google/uuid"
)

// ChannelType identifies a notification channel.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSMS     ChannelType = "sms"
	ChannelPush    ChannelType = "push"
	ChannelWebhook ChannelType = "webhook"
	ChannelChat    ChannelType = "chat"
)

// DeliveryStatus is the outcome recorded for one channel send attempt.
// deferred and rate_limited are policy outcomes, not failures.
type DeliveryStatus string

const (
	DeliveryPending     DeliveryStatus = "pending"
	DeliverySent        DeliveryStatus = "sent"
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryFailed      DeliveryStatus = "failed"
	DeliveryBounced     DeliveryStatus = "bounced"
	DeliveryDeferred    DeliveryStatus = "deferred"
	DeliveryRateLimited DeliveryStatus = "rate_limited"
)

// DeliveryLog is an append-only audit row, one per channel send attempt.
// Retries of the same escalation step produce new rows referencing the same
// escalation.
type DeliveryLog struct {
	ID           string
	EscalationID string
	UserID       string
	Channel      ChannelType
	Status       DeliveryStatus
	RetryCount   int
	NextRetryAt  *time.Time
	Error        string
	CreatedAt    time.Time
}

// NewDeliveryLog creates a delivery log row for an escalation attempt.
func NewDeliveryLog(escalationID, userID string, channel ChannelType, retryCount int, createdAt time.Time) *DeliveryLog {
	return &DeliveryLog{
		ID:           uuid.NewString(),
		EscalationID: escalationID,
		UserID:       userID,
		Channel:      channel,
		Status:       DeliveryPending,
		RetryCount:   retryCount,
		CreatedAt:    createdAt,
	}
}
