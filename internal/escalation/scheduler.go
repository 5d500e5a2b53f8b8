package escalation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ticketwatch/internal/dispatch"
	apperrors "ticketwatch/internal/errors"
	"ticketwatch/internal/models"
	"ticketwatch/internal/store"
)

// Notifier sends one escalation step across a set of channels and reports
// the step outcome.
type Notifier interface {
	Notify(ctx context.Context, esc *models.AlertEscalation, channels []models.ChannelType) (dispatch.StepResult, error)
}

// Scheduler owns the escalation state machine. It creates escalations for
// matched alerts and processes due ones: re-check validity, hand the step
// to the notifier, then complete, retry, or fail based on the outcome.
type Scheduler struct {
	store    store.DataStore
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewScheduler creates an escalation scheduler.
func NewScheduler(st store.DataStore, notifier Notifier, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		notifier: notifier,
		logger:   logger.With().Str("component", "escalation").Logger(),
		now:      time.Now,
	}
}

// ScheduleFromMatch creates a scheduled escalation for a matched alert,
// shaped by the priority's strategy.
func (s *Scheduler) ScheduleFromMatch(ctx context.Context, match models.AlertMatch) (*models.AlertEscalation, error) {
	strategy := StrategyFor(match.Alert.Priority)
	scheduledAt := match.MatchedAt.Add(strategy.InitialDelay)

	esc := models.NewEscalation(match, strategy.Name, scheduledAt, strategy.MaxAttempts)
	if err := s.store.SaveEscalation(ctx, esc); err != nil {
		return nil, apperrors.Wrap(err, "failed to save escalation")
	}

	s.logger.Info().
		Str("escalation_id", esc.ID).
		Str("alert_id", esc.AlertID).
		Str("strategy", strategy.Name).
		Int("priority", esc.Priority).
		Time("scheduled_at", scheduledAt).
		Msg("escalation scheduled")

	return esc, nil
}

// Process runs one due escalation step. The row is claimed before the
// notifier is invoked so concurrent due snapshots cannot send the same
// step twice. A step that was entirely deferred or rate-limited by
// delivery policy is rescheduled without consuming an attempt; any other
// outcome consumes one.
func (s *Scheduler) Process(ctx context.Context, esc *models.AlertEscalation) error {
	if esc.Status.Terminal() {
		return nil
	}

	if cancelled, err := s.cancelIfStale(ctx, esc); err != nil || cancelled {
		return err
	}

	if err := s.store.ClaimEscalation(ctx, esc.ID, s.now()); err != nil {
		return s.swallowConflict(err, esc.ID, "claim")
	}

	strategy := StrategyFor(esc.Priority)
	attempt := esc.Attempts + 1
	channels := strategy.ChannelsForAttempt(attempt)

	result, err := s.notifier.Notify(ctx, esc, channels)
	if err != nil {
		return apperrors.Wrap(err, "failed to dispatch escalation step")
	}

	now := s.now()

	if result.Delivered == 0 && result.Failed == 0 {
		if result.Deferred != nil {
			if err := s.store.RescheduleEscalation(ctx, esc.ID, esc.Attempts, *result.Deferred); err != nil {
				return s.swallowConflict(err, esc.ID, "reschedule deferred")
			}
			s.logger.Info().
				Str("escalation_id", esc.ID).
				Time("next_retry_at", *result.Deferred).
				Msg("escalation deferred by delivery policy")
			return nil
		}
		if result.RateLimited > 0 {
			resume := startOfNextDay(now)
			if err := s.store.RescheduleEscalation(ctx, esc.ID, esc.Attempts, resume); err != nil {
				return s.swallowConflict(err, esc.ID, "reschedule rate limited")
			}
			s.logger.Info().
				Str("escalation_id", esc.ID).
				Time("next_retry_at", resume).
				Msg("escalation rate limited, step pushed to the next day")
			return nil
		}
	}

	if err := s.store.MarkEscalationAttempt(ctx, esc.ID, attempt, now); err != nil {
		return s.swallowConflict(err, esc.ID, "mark attempt")
	}
	esc.Attempts = attempt

	switch {
	case result.Delivered > 0:
		if err := s.store.CompleteEscalation(ctx, esc.ID); err != nil {
			return s.swallowConflict(err, esc.ID, "complete")
		}
		s.logger.Info().
			Str("escalation_id", esc.ID).
			Int("attempts", attempt).
			Int("delivered", result.Delivered).
			Msg("escalation completed")

	case result.NonRetryable:
		if err := s.store.FailEscalation(ctx, esc.ID); err != nil {
			return s.swallowConflict(err, esc.ID, "fail")
		}
		s.logger.Warn().
			Str("escalation_id", esc.ID).
			Int("attempts", attempt).
			Msg("escalation failed on non-retryable delivery error")

	case attempt >= esc.MaxAttempts:
		if err := s.store.FailEscalation(ctx, esc.ID); err != nil {
			return s.swallowConflict(err, esc.ID, "fail")
		}
		s.logger.Warn().
			Str("escalation_id", esc.ID).
			Int("attempts", attempt).
			Msg("escalation exhausted all attempts")

	default:
		nextRetry := now.Add(strategy.Backoff.Delay(attempt))
		if err := s.store.RescheduleEscalation(ctx, esc.ID, attempt, nextRetry); err != nil {
			return s.swallowConflict(err, esc.ID, "reschedule")
		}
		s.logger.Info().
			Str("escalation_id", esc.ID).
			Int("attempts", attempt).
			Time("next_retry_at", nextRetry).
			Msg("escalation retry scheduled")
	}

	return nil
}

// Cancel terminates a live escalation with the given reason.
func (s *Scheduler) Cancel(ctx context.Context, id, reason string) error {
	if err := s.store.CancelEscalation(ctx, id, reason); err != nil {
		if apperrors.Is(err, apperrors.ErrConflict) {
			return err
		}
		return apperrors.Wrap(err, "failed to cancel escalation")
	}
	s.logger.Info().Str("escalation_id", id).Str("reason", reason).Msg("escalation cancelled")
	return nil
}

// cancelIfStale cancels the escalation when its alert is gone, paused, or
// expired, or when the user already acknowledged the trigger it belongs
// to. The user should not be chased for a condition that no longer holds.
func (s *Scheduler) cancelIfStale(ctx context.Context, esc *models.AlertEscalation) (bool, error) {
	alert, err := s.store.GetAlert(ctx, esc.AlertID)
	if err != nil && !apperrors.Is(err, apperrors.ErrAlertNotFound) {
		return false, apperrors.Wrap(err, "failed to load alert for escalation")
	}

	reason := models.CancelNoLongerValid
	if alert != nil && (alert.Status == models.AlertActive || alert.Status == models.AlertTriggered) {
		if alert.AcknowledgedAt == nil || alert.AcknowledgedAt.Before(esc.CreatedAt) {
			return false, nil
		}
		reason = models.CancelAcknowledged
	}

	if err := s.store.CancelEscalation(ctx, esc.ID, reason); err != nil {
		if apperrors.Is(err, apperrors.ErrConflict) {
			return true, nil
		}
		return false, apperrors.Wrap(err, "failed to cancel stale escalation")
	}
	s.logger.Info().
		Str("escalation_id", esc.ID).
		Str("alert_id", esc.AlertID).
		Str("reason", reason).
		Msg("escalation cancelled before dispatch")
	return true, nil
}

func (s *Scheduler) swallowConflict(err error, id, op string) error {
	if apperrors.Is(err, apperrors.ErrConflict) {
		s.logger.Debug().Str("escalation_id", id).Str("op", op).Msg("escalation claimed by another worker")
		return nil
	}
	return err
}

// startOfNextDay returns local midnight after t, when daily channel
// limits reset.
func startOfNextDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}
