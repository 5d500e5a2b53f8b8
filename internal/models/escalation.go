package models

import (
	"time"

	"github.com/google/uuid"
)

// EscalationStatus is the fine-grained per-occurrence state machine of a
// triggered alert.
type EscalationStatus string

const (
	EscalationScheduled   EscalationStatus = "scheduled"
	EscalationDispatching EscalationStatus = "dispatching" // claimed by a worker for one step
	EscalationRetrying    EscalationStatus = "retrying"
	EscalationCompleted   EscalationStatus = "completed"
	EscalationFailed      EscalationStatus = "failed"
	EscalationCancelled   EscalationStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s EscalationStatus) Terminal() bool {
	switch s {
	case EscalationCompleted, EscalationFailed, EscalationCancelled:
		return true
	}
	return false
}

// Cancellation reasons recorded on escalations.
const (
	CancelNoLongerValid = "no_longer_valid"
	CancelAcknowledged  = "acknowledged"
	CancelUserRequest   = "user_request"
)

// AlertEscalation is one notification campaign for one alert trigger.
// Invariants: Attempts <= MaxAttempts; NextRetryAt is set only while the
// status is retrying.
type AlertEscalation struct {
	ID                 string
	AlertID            string
	UserID             string
	TicketID           string
	Priority           int
	Strategy           string
	Score              float64
	TriggerReason      string
	ScheduledAt        time.Time
	Attempts           int
	MaxAttempts        int
	Status             EscalationStatus
	NextRetryAt        *time.Time
	LastAttemptAt      *time.Time
	CancellationReason string
	CreatedAt          time.Time
}

// NewEscalation builds a scheduled escalation for a matched alert.
func NewEscalation(match AlertMatch, strategy string, scheduledAt time.Time, maxAttempts int) *AlertEscalation {
	return &AlertEscalation{
		ID:            uuid.NewString(),
		AlertID:       match.Alert.ID,
		UserID:        match.Alert.UserID,
		TicketID:      match.Observation.TicketID,
		Priority:      match.Alert.Priority,
		Strategy:      strategy,
		Score:         match.Score,
		TriggerReason: match.Reason,
		ScheduledAt:   scheduledAt,
		MaxAttempts:   maxAttempts,
		Status:        EscalationScheduled,
		CreatedAt:     match.MatchedAt,
	}
}
