package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// QueuePriority orders purchase intents; higher values dequeue first.
type QueuePriority int

const (
	QueueLow      QueuePriority = 1
	QueueMedium   QueuePriority = 2
	QueueHigh     QueuePriority = 3
	QueueUrgent   QueuePriority = 4
	QueueCritical QueuePriority = 5
)

func (p QueuePriority) String() string {
	switch p {
	case QueueLow:
		return "low"
	case QueueMedium:
		return "medium"
	case QueueHigh:
		return "high"
	case QueueUrgent:
		return "urgent"
	case QueueCritical:
		return "critical"
	}
	return "unknown"
}

// ParseQueuePriority maps a priority name to its value. Unknown names map
// to medium.
func ParseQueuePriority(s string) QueuePriority {
	switch strings.ToLower(s) {
	case "low":
		return QueueLow
	case "high":
		return QueueHigh
	case "urgent":
		return QueueUrgent
	case "critical":
		return QueueCritical
	}
	return QueueMedium
}

// QueueStatus is the lifecycle of a purchase queue entry.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s QueueStatus) Terminal() bool {
	switch s {
	case QueueStatusCompleted, QueueStatusFailed, QueueStatusCancelled:
		return true
	}
	return false
}

// CancelReasonExpired marks entries swept past their expiry.
const CancelReasonExpired = "expired"

// PurchaseQueueEntry is one purchase intent. TransactionID is the
// idempotency token: assigned once at enqueue and reused by every attempt
// for this entry, so a platform-side duplicate submit is detectable. A new
// entry always gets a fresh token.
type PurchaseQueueEntry struct {
	ID                 string
	TicketID           string
	UserID             string
	AlertID            string
	Platform           string
	Status             QueueStatus
	Priority           QueuePriority
	MaxPrice           float64
	Quantity           int
	ScheduledFor       time.Time
	ExpiresAt          *time.Time
	TransactionID      string
	CancelRequested    bool
	CancellationReason string
	FailureReason      string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// NewQueueEntry creates a queued entry with a fresh idempotency token.
func NewQueueEntry(ticketID, userID, platform string, priority QueuePriority, maxPrice float64, quantity int, scheduledFor time.Time) *PurchaseQueueEntry {
	return &PurchaseQueueEntry{
		ID:            uuid.NewString(),
		TicketID:      ticketID,
		UserID:        userID,
		Platform:      platform,
		Status:        QueueStatusQueued,
		Priority:      priority,
		MaxPrice:      maxPrice,
		Quantity:      quantity,
		ScheduledFor:  scheduledFor,
		TransactionID: NewTransactionID(),
		CreatedAt:     scheduledFor,
	}
}

// NewTransactionID generates an idempotency token for a purchase intent.
func NewTransactionID() string {
	return "AUTO-" + strings.ToUpper(uuid.NewString()[:18])
}
