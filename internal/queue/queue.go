// Package queue manages purchase intents: ordering, claiming, cancellation,
// and expiry.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	apperrors "ticketwatch/internal/errors"
	"ticketwatch/internal/models"
	"ticketwatch/internal/store"
)

// EnqueueRequest describes a purchase intent to add to the queue.
type EnqueueRequest struct {
	TicketID     string
	UserID       string
	AlertID      string
	Platform     string
	Priority     models.QueuePriority
	MaxPrice     float64
	Quantity     int
	ScheduledFor time.Time // zero means now
	ExpiresAt    *time.Time
}

// Queue is the purchase queue service. Ordering and the one-purchase-per-
// ticket rule are enforced by the store's claim semantics, so any number of
// workers can dequeue concurrently.
type Queue struct {
	store  store.DataStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewQueue creates a purchase queue service.
func NewQueue(st store.DataStore, logger zerolog.Logger) *Queue {
	return &Queue{
		store:  st,
		logger: logger.With().Str("component", "queue").Logger(),
		now:    time.Now,
	}
}

// Enqueue adds a purchase intent to the queue with a fresh idempotency
// token.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.PurchaseQueueEntry, error) {
	switch {
	case req.TicketID == "":
		return nil, apperrors.NewValidationError("ticket_id", req.TicketID, "required")
	case req.UserID == "":
		return nil, apperrors.NewValidationError("user_id", req.UserID, "required")
	case req.Platform == "":
		return nil, apperrors.NewValidationError("platform", req.Platform, "required")
	case req.Quantity <= 0:
		return nil, apperrors.NewValidationError("quantity", req.Quantity, "must be positive")
	case req.MaxPrice <= 0:
		return nil, apperrors.NewValidationError("max_price", req.MaxPrice, "must be positive")
	}

	scheduledFor := req.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = q.now()
	}

	entry := models.NewQueueEntry(req.TicketID, req.UserID, req.Platform, req.Priority, req.MaxPrice, req.Quantity, scheduledFor)
	entry.AlertID = req.AlertID
	entry.ExpiresAt = req.ExpiresAt
	entry.CreatedAt = q.now()

	if err := q.store.SaveQueueEntry(ctx, entry); err != nil {
		return nil, apperrors.Wrapf(err, "failed to enqueue ticket %s", req.TicketID)
	}

	q.logger.Info().
		Str("entry_id", entry.ID).
		Str("ticket_id", entry.TicketID).
		Str("platform", entry.Platform).
		Str("priority", entry.Priority.String()).
		Str("transaction_id", entry.TransactionID).
		Msg("purchase intent enqueued")

	return entry, nil
}

// EnqueueFromMatch enqueues an auto-purchase for a matched alert, inheriting
// the alert's priority and price ceiling.
func (q *Queue) EnqueueFromMatch(ctx context.Context, match models.AlertMatch) (*models.PurchaseQueueEntry, error) {
	alert := match.Alert
	maxPrice := match.Observation.Price
	if alert.MaxPrice != nil {
		maxPrice = *alert.MaxPrice
	}
	quantity := alert.MinQuantity
	if quantity <= 0 {
		quantity = 1
	}

	return q.Enqueue(ctx, EnqueueRequest{
		TicketID:     match.Observation.TicketID,
		UserID:       alert.UserID,
		AlertID:      alert.ID,
		Platform:     match.Observation.Platform,
		Priority:     models.QueuePriority(alert.Priority),
		MaxPrice:     maxPrice,
		Quantity:     quantity,
		ScheduledFor: match.MatchedAt,
		ExpiresAt:    alert.ExpiresAt,
	})
}

// Dequeue claims the highest-priority eligible entry. Claims race between
// workers; a lost claim just moves on to the next candidate. Returns nil
// when nothing is eligible.
func (q *Queue) Dequeue(ctx context.Context) (*models.PurchaseQueueEntry, error) {
	candidates, err := q.store.EligibleQueueEntries(ctx, q.now(), 10)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible entries: %w", err)
	}

	for i := range candidates {
		entry := &candidates[i]
		if err := q.store.ClaimQueueEntry(ctx, entry.ID); err != nil {
			if err == apperrors.ErrConflict {
				continue
			}
			return nil, fmt.Errorf("failed to claim entry: %w", err)
		}
		entry.Status = models.QueueStatusProcessing
		q.logger.Debug().
			Str("entry_id", entry.ID).
			Str("ticket_id", entry.TicketID).
			Msg("queue entry claimed")
		return entry, nil
	}

	return nil, nil
}

// Cancel cancels a purchase intent. A queued entry cancels immediately; a
// processing entry is flagged and the orchestrator honors the flag at its
// next checkpoint. Cancelling a terminal entry is a no-op.
func (q *Queue) Cancel(ctx context.Context, id, reason string) error {
	entry, err := q.store.GetQueueEntry(ctx, id)
	if err != nil {
		return err
	}

	switch entry.Status {
	case models.QueueStatusQueued:
		if err := q.store.CancelQueueEntry(ctx, id, reason); err != nil {
			if err == apperrors.ErrConflict {
				return q.Cancel(ctx, id, reason)
			}
			return err
		}
		q.logger.Info().Str("entry_id", id).Str("reason", reason).Msg("queue entry cancelled")
	case models.QueueStatusProcessing:
		if err := q.store.RequestCancel(ctx, id); err != nil && err != apperrors.ErrConflict {
			return err
		}
		q.logger.Info().Str("entry_id", id).Msg("cancel requested for in-flight purchase")
	default:
		q.logger.Debug().Str("entry_id", id).Str("status", string(entry.Status)).Msg("cancel ignored, entry already terminal")
	}

	return nil
}

// SweepExpired cancels queued entries past their expiry.
func (q *Queue) SweepExpired(ctx context.Context) (int64, error) {
	swept, err := q.store.SweepExpiredEntries(ctx, q.now())
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		q.logger.Info().Int64("count", swept).Msg("expired queue entries swept")
	}
	return swept, nil
}
