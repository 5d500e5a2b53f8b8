package models

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus is the lifecycle of a single purchase execution.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
	AttemptCancelled  AttemptStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptSuccess, AttemptFailed, AttemptCancelled:
		return true
	}
	return false
}

// Failure reasons reported by platform adapters. The orchestrator maps
// each to a transient or permanent class.
const (
	ReasonTimeout          = "timeout"
	ReasonRateLimited      = "rate_limited"
	ReasonTempUnavailable  = "temporary_unavailable"
	ReasonSoldOut          = "sold_out"
	ReasonInvalidPayment   = "invalid_payment"
	ReasonPriceChanged     = "price_changed_beyond_threshold"
	ReasonAlreadyPurchased = "already_purchased"
)

// PurchaseAttempt is one execution of a PurchaseQueueEntry. Retries of the
// same entry create new attempts sharing the entry's TransactionID.
type PurchaseAttempt struct {
	ID            string
	EntryID       string
	TicketID      string
	Platform      string
	Status        AttemptStatus
	TransactionID string
	Price         float64
	Quantity      int
	RetryCount    int
	NextRetryAt   *time.Time
	FailureReason string
	Confirmation  string
	FinalPrice    float64
	Fees          float64
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

// NewAttempt creates a pending attempt for a queue entry, reusing the
// entry's idempotency token.
func NewAttempt(entry *PurchaseQueueEntry, retryCount int, createdAt time.Time) *PurchaseAttempt {
	return &PurchaseAttempt{
		ID:            uuid.NewString(),
		EntryID:       entry.ID,
		TicketID:      entry.TicketID,
		Platform:      entry.Platform,
		Status:        AttemptPending,
		TransactionID: entry.TransactionID,
		Price:         entry.MaxPrice,
		Quantity:      entry.Quantity,
		RetryCount:    retryCount,
		CreatedAt:     createdAt,
	}
}
