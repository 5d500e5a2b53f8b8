// Package matcher evaluates ticket observations against user alerts.
package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	apperrors "ticketwatch/internal/errors"
	"ticketwatch/internal/models"
	"ticketwatch/internal/store"
)

// MatchResult holds the outcome of evaluating one alert against one
// observation.
type MatchResult struct {
	Matched      bool
	BlockReason  string
	ChecksPassed []string
	ChecksFailed []string
	Score        float64
	Reason       string
}

// Matcher evaluates observations against the stored alerts for a ticket.
type Matcher struct {
	store  store.DataStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewMatcher creates an alert matcher.
func NewMatcher(st store.DataStore, logger zerolog.Logger) *Matcher {
	return &Matcher{
		store:  st,
		logger: logger.With().Str("component", "matcher").Logger(),
		now:    time.Now,
	}
}

// Match evaluates an observation against every live alert for its ticket
// and returns the matches. Each evaluated alert gets its last-checked time
// updated; each match increments the alert's trigger count exactly once.
func (m *Matcher) Match(ctx context.Context, obs models.TicketObservation) ([]models.AlertMatch, error) {
	alerts, err := m.store.AlertsForTicket(ctx, obs.TicketID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts for ticket: %w", err)
	}

	now := m.now()
	var matches []models.AlertMatch

	for i := range alerts {
		alert := &alerts[i]

		if err := m.store.TouchAlertChecked(ctx, alert.ID, now); err != nil {
			m.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to record alert check")
		}

		if alert.QuotaExhausted() {
			// Soft-expire; conflict means another worker already did it
			if err := m.store.UpdateAlertStatus(ctx, alert.ID, alert.Status, models.AlertExpired); err != nil && err != apperrors.ErrConflict {
				m.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to expire alert")
			}
			continue
		}

		if alert.InCooldown(now) {
			continue
		}

		// A triggered alert whose cooldown has lapsed becomes matchable again
		if alert.Status == models.AlertTriggered {
			if err := m.store.UpdateAlertStatus(ctx, alert.ID, models.AlertTriggered, models.AlertActive); err != nil && err != apperrors.ErrConflict {
				m.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to reactivate alert")
			}
			alert.Status = models.AlertActive
		}

		result := m.Evaluate(alert, obs)
		if !result.Matched {
			continue
		}

		if err := m.store.RecordAlertTrigger(ctx, alert.ID, now); err != nil {
			if err == apperrors.ErrConflict {
				continue
			}
			return nil, fmt.Errorf("failed to record alert trigger: %w", err)
		}
		alert.TriggerCount++
		alert.LastTriggeredAt = &now
		alert.Status = models.AlertTriggered

		if alert.QuotaExhausted() {
			if err := m.store.UpdateAlertStatus(ctx, alert.ID, models.AlertTriggered, models.AlertExpired); err != nil && err != apperrors.ErrConflict {
				m.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to expire alert")
			}
		}

		m.logger.Info().
			Str("alert_id", alert.ID).
			Str("ticket_id", obs.TicketID).
			Str("platform", obs.Platform).
			Float64("price", obs.Price).
			Float64("score", result.Score).
			Msg("alert matched")

		matches = append(matches, models.AlertMatch{
			Alert:       alert,
			Observation: obs,
			Score:       result.Score,
			Reason:      result.Reason,
			MatchedAt:   now,
		})
	}

	return matches, nil
}

// Evaluate runs the criteria checks for one alert against one observation.
// Checks run in order and the first failure blocks the match.
func (m *Matcher) Evaluate(alert *models.Alert, obs models.TicketObservation) MatchResult {
	result := MatchResult{Matched: true}

	// Check 1: Platform allow-list
	platformOK, platformReason := m.checkPlatform(alert, obs)
	if !platformOK {
		result.Matched = false
		result.BlockReason = platformReason
		result.ChecksFailed = append(result.ChecksFailed, "platform")
		return result
	}
	result.ChecksPassed = append(result.ChecksPassed, "platform")

	// Check 2: Section allow-list
	sectionOK, sectionReason := m.checkSection(alert, obs)
	if !sectionOK {
		result.Matched = false
		result.BlockReason = sectionReason
		result.ChecksFailed = append(result.ChecksFailed, "section")
		return result
	}
	result.ChecksPassed = append(result.ChecksPassed, "section")

	// Check 3: Minimum quantity
	quantityOK, quantityReason := m.checkQuantity(alert, obs)
	if !quantityOK {
		result.Matched = false
		result.BlockReason = quantityReason
		result.ChecksFailed = append(result.ChecksFailed, "quantity")
		return result
	}
	result.ChecksPassed = append(result.ChecksPassed, "quantity")

	// Check 4: Price bounds
	priceOK, priceReason := m.checkPrice(alert, obs)
	if !priceOK {
		result.Matched = false
		result.BlockReason = priceReason
		result.ChecksFailed = append(result.ChecksFailed, "price")
		return result
	}
	result.ChecksPassed = append(result.ChecksPassed, "price")

	result.Score = scoreMatch(alert, obs)
	result.Reason = matchReason(alert, obs)
	return result
}

// checkPlatform validates the observation's platform is allowed. An empty
// allow-list admits any platform.
func (m *Matcher) checkPlatform(alert *models.Alert, obs models.TicketObservation) (bool, string) {
	if len(alert.Platforms) == 0 {
		return true, ""
	}
	for _, p := range alert.Platforms {
		if p == obs.Platform {
			return true, ""
		}
	}
	return false, fmt.Sprintf("platform %s not in allow-list", obs.Platform)
}

// checkSection validates the observed section is allowed. An empty
// allow-list admits any section.
func (m *Matcher) checkSection(alert *models.Alert, obs models.TicketObservation) (bool, string) {
	if len(alert.Sections) == 0 {
		return true, ""
	}
	for _, s := range alert.Sections {
		if s == obs.Section {
			return true, ""
		}
	}
	return false, fmt.Sprintf("section %s not in allow-list", obs.Section)
}

// checkQuantity validates enough tickets are available.
func (m *Matcher) checkQuantity(alert *models.Alert, obs models.TicketObservation) (bool, string) {
	if alert.MinQuantity > 0 && obs.Quantity < alert.MinQuantity {
		return false, fmt.Sprintf("quantity %d below minimum %d", obs.Quantity, alert.MinQuantity)
	}
	return true, ""
}

// checkPrice validates the observed price is within the alert's bounds.
// A nil bound is unbounded on that side.
func (m *Matcher) checkPrice(alert *models.Alert, obs models.TicketObservation) (bool, string) {
	if alert.MinPrice != nil && obs.Price < *alert.MinPrice {
		return false, fmt.Sprintf("price %.2f below floor %.2f", obs.Price, *alert.MinPrice)
	}
	if alert.MaxPrice != nil && obs.Price > *alert.MaxPrice {
		return false, fmt.Sprintf("price %.2f above ceiling %.2f", obs.Price, *alert.MaxPrice)
	}
	return true, ""
}

// scoreMatch normalizes how far below the price ceiling the observation
// landed into 0..1. Without a ceiling there is no distance to measure.
func scoreMatch(alert *models.Alert, obs models.TicketObservation) float64 {
	if alert.MaxPrice == nil || *alert.MaxPrice <= 0 {
		return 0
	}
	score := (*alert.MaxPrice - obs.Price) / *alert.MaxPrice
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func matchReason(alert *models.Alert, obs models.TicketObservation) string {
	if alert.MaxPrice != nil {
		return fmt.Sprintf("price %.2f within ceiling %.2f on %s", obs.Price, *alert.MaxPrice, obs.Platform)
	}
	return fmt.Sprintf("listing available on %s at %.2f", obs.Platform, obs.Price)
}
