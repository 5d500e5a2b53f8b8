// Package store provides data persistence for alerts, escalations,
// delivery logs, the purchase queue, and purchase attempts.
package store

import (
	"context"
	"time"

	"ticketwatch/internal/models"
)

// AlertFilter filters alert listings.
type AlertFilter struct {
	UserID   string
	TicketID string
	Status   models.AlertStatus
	Limit    int
}

// EscalationFilter filters escalation listings.
type EscalationFilter struct {
	AlertID string
	UserID  string
	Status  models.EscalationStatus
	Limit   int
}

// QueueFilter filters purchase queue listings.
type QueueFilter struct {
	UserID   string
	TicketID string
	Status   models.QueueStatus
	Limit    int
}

// PlatformStats aggregates purchase attempt outcomes per platform,
// used for reliability reporting.
type PlatformStats struct {
	Platform    string
	Attempts    int
	Successes   int
	Failures    int
	SuccessRate float64
	TotalSpent  float64
}

// DataStore is the persistence contract for the scheduling core. All
// status transitions are conditional on the current status so concurrent
// workers cannot double-process a row; a lost race returns ErrConflict.
type DataStore interface {
	// Observations (append-only)
	SaveObservation(ctx context.Context, obs models.TicketObservation) error
	ListObservations(ctx context.Context, ticketID string, limit int) ([]models.TicketObservation, error)

	// Alerts
	SaveAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error)
	AlertsForTicket(ctx context.Context, ticketID string) ([]models.Alert, error)
	TouchAlertChecked(ctx context.Context, id string, at time.Time) error
	RecordAlertTrigger(ctx context.Context, id string, at time.Time) error
	UpdateAlertStatus(ctx context.Context, id string, from, to models.AlertStatus) error
	AcknowledgeAlert(ctx context.Context, id string, at time.Time) error
	ExpireAlerts(ctx context.Context, now time.Time) (int64, error)

	// Escalations
	SaveEscalation(ctx context.Context, esc *models.AlertEscalation) error
	GetEscalation(ctx context.Context, id string) (*models.AlertEscalation, error)
	ListEscalations(ctx context.Context, filter EscalationFilter) ([]models.AlertEscalation, error)
	DueEscalations(ctx context.Context, now time.Time, limit int) ([]models.AlertEscalation, error)
	ClaimEscalation(ctx context.Context, id string, at time.Time) error
	ReleaseStuckEscalations(ctx context.Context, cutoff, retryAt time.Time) (int64, error)
	MarkEscalationAttempt(ctx context.Context, id string, attempts int, at time.Time) error
	RescheduleEscalation(ctx context.Context, id string, attempts int, nextRetryAt time.Time) error
	CompleteEscalation(ctx context.Context, id string) error
	FailEscalation(ctx context.Context, id string) error
	CancelEscalation(ctx context.Context, id, reason string) error

	// Delivery logs (append-only)
	SaveDeliveryLog(ctx context.Context, log *models.DeliveryLog) error
	ListDeliveryLogs(ctx context.Context, escalationID string) ([]models.DeliveryLog, error)
	DeliveryCountSince(ctx context.Context, userID string, channel models.ChannelType, since time.Time) (int, error)

	// Purchase queue
	SaveQueueEntry(ctx context.Context, entry *models.PurchaseQueueEntry) error
	GetQueueEntry(ctx context.Context, id string) (*models.PurchaseQueueEntry, error)
	ListQueueEntries(ctx context.Context, filter QueueFilter) ([]models.PurchaseQueueEntry, error)
	EligibleQueueEntries(ctx context.Context, now time.Time, limit int) ([]models.PurchaseQueueEntry, error)
	ClaimQueueEntry(ctx context.Context, id string) error
	ReleaseQueueEntry(ctx context.Context, id string, to models.QueueStatus, reason string, at time.Time) error
	RequeueEntry(ctx context.Context, id string, scheduledFor time.Time) error
	RequestCancel(ctx context.Context, id string) error
	CancelQueueEntry(ctx context.Context, id, reason string) error
	SweepExpiredEntries(ctx context.Context, now time.Time) (int64, error)

	// Purchase attempts
	SaveAttempt(ctx context.Context, attempt *models.PurchaseAttempt) error
	GetAttempt(ctx context.Context, id string) (*models.PurchaseAttempt, error)
	ListAttempts(ctx context.Context, entryID string) ([]models.PurchaseAttempt, error)
	StartAttempt(ctx context.Context, id string, at time.Time) error
	FinishAttempt(ctx context.Context, attempt *models.PurchaseAttempt) error
	SuccessfulAttemptByToken(ctx context.Context, token string) (*models.PurchaseAttempt, error)
	StaleAttempts(ctx context.Context, cutoff time.Time, limit int) ([]models.PurchaseAttempt, error)
	PlatformStats(ctx context.Context) ([]PlatformStats, error)

	Close() error
}
