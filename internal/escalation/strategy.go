// Package escalation drives the per-trigger notification campaign: which
// channels to use at each attempt, when to retry, and when to give up.
package escalation

import (
	"time"

	"ticketwatch/internal/models"
	"ticketwatch/pkg/utils"
)

// Strategy maps an alert priority to a notification campaign shape. Each
// attempt widens the channel set one level; the last level repeats once
// the levels are exhausted.
type Strategy struct {
	Name         string
	InitialDelay time.Duration
	MaxAttempts  int
	Backoff      utils.Backoff
	Levels       [][]models.ChannelType
}

// ChannelsForAttempt returns the channel set for a 1-based attempt number.
func (s Strategy) ChannelsForAttempt(attempt int) []models.ChannelType {
	if len(s.Levels) == 0 {
		return nil
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.Levels) {
		idx = len(s.Levels) - 1
	}
	return s.Levels[idx]
}

// StrategyFor returns the campaign strategy for an alert priority. Higher
// priorities start sooner, hit more channels, and retry harder.
func StrategyFor(priority int) Strategy {
	switch priority {
	case models.PriorityCritical:
		return Strategy{
			Name:         "aggressive",
			InitialDelay: 0,
			MaxAttempts:  5,
			Backoff:      utils.Backoff{Base: time.Minute, Cap: 10 * time.Minute, Multiplier: 2.0},
			Levels: [][]models.ChannelType{
				{models.ChannelPush, models.ChannelSMS},
				{models.ChannelPush, models.ChannelSMS, models.ChannelChat},
				{models.ChannelPush, models.ChannelSMS, models.ChannelChat, models.ChannelEmail, models.ChannelWebhook},
			},
		}
	case models.PriorityHigh:
		return Strategy{
			Name:         "persistent",
			InitialDelay: 0,
			MaxAttempts:  4,
			Backoff:      utils.Backoff{Base: 2 * time.Minute, Cap: 20 * time.Minute, Multiplier: 2.0},
			Levels: [][]models.ChannelType{
				{models.ChannelPush},
				{models.ChannelPush, models.ChannelChat},
				{models.ChannelPush, models.ChannelChat, models.ChannelEmail},
			},
		}
	case models.PriorityElevated:
		return Strategy{
			Name:         "standard",
			InitialDelay: time.Minute,
			MaxAttempts:  3,
			Backoff:      utils.Backoff{Base: 5 * time.Minute, Cap: 30 * time.Minute, Multiplier: 2.0},
			Levels: [][]models.ChannelType{
				{models.ChannelPush},
				{models.ChannelPush, models.ChannelEmail},
				{models.ChannelPush, models.ChannelEmail, models.ChannelChat},
			},
		}
	default:
		return Strategy{
			Name:         "gentle",
			InitialDelay: 5 * time.Minute,
			MaxAttempts:  2,
			Backoff:      utils.Backoff{Base: 15 * time.Minute, Cap: time.Hour, Multiplier: 2.0},
			Levels: [][]models.ChannelType{
				{models.ChannelEmail},
				{models.ChannelEmail, models.ChannelPush},
			},
		}
	}
}
