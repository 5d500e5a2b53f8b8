package purchase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ticketwatch/internal/config"
	apperrors "ticketwatch/internal/errors"
	"ticketwatch/internal/models"
	"ticketwatch/internal/resilience"
	"ticketwatch/internal/store"
	"ticketwatch/pkg/utils"
)

// Orchestrator executes claimed queue entries. Each execution creates one
// attempt; transient failures requeue the entry with backoff while
// permanent ones terminate it. A per-platform circuit breaker shields
// unhealthy platforms.
type Orchestrator struct {
	store    store.DataStore
	adapters map[string]PlatformAdapter
	breakers *resilience.Registry
	cfg      config.PurchaseConfig
	backoff  utils.Backoff
	logger   zerolog.Logger
	now      func() time.Time
}

// NewOrchestrator creates a purchase orchestrator.
func NewOrchestrator(st store.DataStore, cfg config.PurchaseConfig, breakers *resilience.Registry, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		adapters: make(map[string]PlatformAdapter),
		breakers: breakers,
		cfg:      cfg,
		backoff: utils.Backoff{
			Base:       cfg.RetryBase,
			Cap:        cfg.RetryCap,
			Multiplier: cfg.RetryMultiplier,
		},
		logger: logger.With().Str("component", "purchase").Logger(),
		now:    time.Now,
	}
}

// Register installs a platform adapter.
func (o *Orchestrator) Register(adapter PlatformAdapter) {
	o.adapters[adapter.Platform()] = adapter
}

// Execute runs one purchase attempt for a claimed (processing) entry and
// routes the entry to its next state. A prior successful attempt with the
// entry's idempotency token short-circuits to completed without touching
// the platform.
func (o *Orchestrator) Execute(ctx context.Context, entry *models.PurchaseQueueEntry) error {
	now := o.now()

	if entry.CancelRequested {
		return o.release(ctx, entry, models.QueueStatusCancelled, models.CancelUserRequest)
	}

	prior, err := o.store.SuccessfulAttemptByToken(ctx, entry.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to check idempotency token: %w", err)
	}
	if prior != nil {
		o.logger.Info().
			Str("entry_id", entry.ID).
			Str("transaction_id", entry.TransactionID).
			Str("attempt_id", prior.ID).
			Msg("purchase already confirmed for token, completing entry")
		return o.release(ctx, entry, models.QueueStatusCompleted, "")
	}

	previous, err := o.store.ListAttempts(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("failed to list prior attempts: %w", err)
	}
	retryCount := len(previous)

	attempt := models.NewAttempt(entry, retryCount, now)
	if err := o.store.SaveAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	if err := o.store.StartAttempt(ctx, attempt.ID, now); err != nil {
		return fmt.Errorf("failed to start attempt: %w", err)
	}
	attempt.Status = models.AttemptInProgress
	attempt.StartedAt = &now

	adapter, ok := o.adapters[entry.Platform]
	if !ok {
		return o.finishFailed(ctx, entry, attempt, apperrors.ErrUnknownPlatform.Error(), apperrors.ClassPermanent)
	}

	breaker := o.breakers.Get(entry.Platform)
	if err := breaker.Allow(); err != nil {
		o.logger.Warn().
			Str("entry_id", entry.ID).
			Str("platform", entry.Platform).
			Msg("circuit open, deferring purchase")
		return o.finishFailed(ctx, entry, attempt, models.ReasonTempUnavailable, apperrors.ClassTransient)
	}

	result, reason := o.callAdapter(ctx, adapter, entry)

	// Honor a cancel that arrived while the platform call was in flight
	if !result.Success {
		fresh, gerr := o.store.GetQueueEntry(ctx, entry.ID)
		if gerr == nil && fresh.CancelRequested {
			attempt.Status = models.AttemptCancelled
			attempt.CompletedAt = timeRef(o.now())
			if ferr := o.store.FinishAttempt(ctx, attempt); ferr != nil && ferr != apperrors.ErrConflict {
				return ferr
			}
			return o.release(ctx, entry, models.QueueStatusCancelled, models.CancelUserRequest)
		}
	}

	if result.Success || reason == models.ReasonAlreadyPurchased {
		breaker.RecordSuccess()
		attempt.Status = models.AttemptSuccess
		attempt.Confirmation = result.Confirmation
		attempt.FinalPrice = result.FinalPrice
		attempt.Fees = result.Fees
		attempt.CompletedAt = timeRef(o.now())
		if err := o.store.FinishAttempt(ctx, attempt); err != nil && err != apperrors.ErrConflict {
			return err
		}
		o.logger.Info().
			Str("entry_id", entry.ID).
			Str("ticket_id", entry.TicketID).
			Str("platform", entry.Platform).
			Str("confirmation", result.Confirmation).
			Float64("final_price", result.FinalPrice).
			Msg("purchase confirmed")
		return o.release(ctx, entry, models.QueueStatusCompleted, "")
	}

	class := apperrors.Classify(reason)
	if class == apperrors.ClassTransient {
		breaker.RecordFailure()
	} else {
		// A definitive business answer still proves the platform is up
		breaker.RecordSuccess()
	}

	return o.finishFailed(ctx, entry, attempt, reason, class)
}

// callAdapter invokes the platform within the attempt timeout and distills
// the outcome to a result plus raw failure reason.
func (o *Orchestrator) callAdapter(ctx context.Context, adapter PlatformAdapter, entry *models.PurchaseQueueEntry) (Result, string) {
	callCtx := ctx
	if o.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		defer cancel()
	}

	result, err := adapter.Purchase(callCtx, AttemptRequest{
		TicketID:      entry.TicketID,
		Quantity:      entry.Quantity,
		MaxPrice:      entry.MaxPrice,
		TransactionID: entry.TransactionID,
	})
	if err != nil {
		var ae *apperrors.AdapterError
		switch {
		case apperrors.Is(err, context.DeadlineExceeded):
			return Result{}, models.ReasonTimeout
		case apperrors.As(err, &ae):
			return Result{}, ae.Reason
		default:
			return Result{}, models.ReasonTempUnavailable
		}
	}
	if result.Success {
		return result, ""
	}
	return result, result.Reason
}

// finishFailed records the attempt outcome and routes the entry: permanent
// failures terminate it, transient ones requeue it with backoff until the
// attempt budget runs out.
func (o *Orchestrator) finishFailed(ctx context.Context, entry *models.PurchaseQueueEntry, attempt *models.PurchaseAttempt, reason string, class apperrors.FailureClass) error {
	now := o.now()
	attempt.Status = models.AttemptFailed
	attempt.FailureReason = reason
	attempt.CompletedAt = &now

	exhausted := attempt.RetryCount+1 >= o.cfg.MaxAttempts

	if class == apperrors.ClassTransient && !exhausted {
		next := now.Add(o.backoff.Delay(attempt.RetryCount + 1))
		attempt.NextRetryAt = &next
		if err := o.store.FinishAttempt(ctx, attempt); err != nil && err != apperrors.ErrConflict {
			return err
		}
		if err := o.store.RequeueEntry(ctx, entry.ID, next); err != nil && err != apperrors.ErrConflict {
			return err
		}
		o.logger.Warn().
			Str("entry_id", entry.ID).
			Str("reason", reason).
			Int("retry_count", attempt.RetryCount).
			Time("next_retry_at", next).
			Msg("purchase failed, retry scheduled")
		return nil
	}

	if err := o.store.FinishAttempt(ctx, attempt); err != nil && err != apperrors.ErrConflict {
		return err
	}
	o.logger.Warn().
		Str("entry_id", entry.ID).
		Str("reason", reason).
		Str("class", string(class)).
		Bool("exhausted", exhausted).
		Msg("purchase failed permanently")
	return o.release(ctx, entry, models.QueueStatusFailed, reason)
}

func (o *Orchestrator) release(ctx context.Context, entry *models.PurchaseQueueEntry, to models.QueueStatus, reason string) error {
	if err := o.store.ReleaseQueueEntry(ctx, entry.ID, to, reason, o.now()); err != nil {
		if err == apperrors.ErrConflict {
			o.logger.Debug().Str("entry_id", entry.ID).Msg("entry released by another worker")
			return nil
		}
		return err
	}
	return nil
}

// ReapStale force-fails in-progress attempts stuck past the configured
// ceiling, typically after a crash mid-purchase, and puts their entries
// back on a retry path. Returns the number of attempts reaped.
func (o *Orchestrator) ReapStale(ctx context.Context) (int, error) {
	now := o.now()
	cutoff := now.Add(-o.cfg.StuckCeiling)

	stale, err := o.store.StaleAttempts(ctx, cutoff, 50)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale attempts: %w", err)
	}

	reaped := 0
	for i := range stale {
		attempt := &stale[i]
		attempt.Status = models.AttemptFailed
		attempt.FailureReason = models.ReasonTimeout
		attempt.CompletedAt = &now

		if err := o.store.FinishAttempt(ctx, attempt); err != nil {
			if err == apperrors.ErrConflict {
				continue
			}
			return reaped, err
		}
		reaped++

		o.logger.Warn().
			Str("attempt_id", attempt.ID).
			Str("entry_id", attempt.EntryID).
			Time("started_at", *attempt.StartedAt).
			Msg("stale purchase attempt reaped")

		entry, err := o.store.GetQueueEntry(ctx, attempt.EntryID)
		if err != nil || entry.Status != models.QueueStatusProcessing {
			continue
		}
		if attempt.RetryCount+1 >= o.cfg.MaxAttempts {
			if err := o.release(ctx, entry, models.QueueStatusFailed, models.ReasonTimeout); err != nil {
				return reaped, err
			}
			continue
		}
		next := now.Add(o.backoff.Delay(attempt.RetryCount + 1))
		if err := o.store.RequeueEntry(ctx, entry.ID, next); err != nil && err != apperrors.ErrConflict {
			return reaped, err
		}
	}

	return reaped, nil
}

func timeRef(t time.Time) *time.Time {
	return &t
}
