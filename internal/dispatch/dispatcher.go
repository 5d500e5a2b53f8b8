// Package dispatch sends escalation notifications across the configured
// channels and records a delivery log row for every send.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ticketwatch/internal/config"
	apperrors "ticketwatch/internal/errors"
	"ticketwatch/internal/models"
	"ticketwatch/internal/resilience"
	"ticketwatch/internal/store"
)

// Message is the rendered notification content handed to channel adapters.
type Message struct {
	Title     string
	Body      string
	Data      map[string]interface{}
	Timestamp time.Time
}

// ChannelAdapter sends one message to one recipient on one channel.
type ChannelAdapter interface {
	Name() models.ChannelType
	Enabled() bool
	Send(ctx context.Context, recipient string, msg Message) error
}

// UserDirectory resolves a user's recipient addresses and notification
// preferences. Recipient returns ErrMissingRecipient when the user has no
// address on that channel; QuietHours reports ok=false when the user has
// no override, falling back to the configured window.
type UserDirectory interface {
	Recipient(userID string, channel models.ChannelType) (string, error)
	QuietHours(userID string) (start, end config.Clock, ok bool)
}

// UserProfile holds one user's contact addresses and an optional
// quiet-hours override ("HH:MM" strings, window may wrap midnight).
type UserProfile struct {
	Contacts   map[models.ChannelType]string `json:"contacts"`
	QuietStart string                        `json:"quiet_hours_start,omitempty"`
	QuietEnd   string                        `json:"quiet_hours_end,omitempty"`
}

// StaticDirectory is a fixed in-memory user directory keyed by user ID.
type StaticDirectory map[string]UserProfile

// Recipient resolves a recipient address from the static table.
func (d StaticDirectory) Recipient(userID string, channel models.ChannelType) (string, error) {
	profile, ok := d[userID]
	if !ok {
		return "", apperrors.ErrMissingRecipient
	}
	addr, ok := profile.Contacts[channel]
	if !ok || addr == "" {
		return "", apperrors.ErrMissingRecipient
	}
	return addr, nil
}

// QuietHours returns the user's quiet-hours override, if any. Malformed
// overrides are ignored rather than silencing the user entirely.
func (d StaticDirectory) QuietHours(userID string) (config.Clock, config.Clock, bool) {
	profile, ok := d[userID]
	if !ok || profile.QuietStart == "" || profile.QuietEnd == "" {
		return 0, 0, false
	}
	start, err := config.ParseClock(profile.QuietStart)
	if err != nil {
		return 0, 0, false
	}
	end, err := config.ParseClock(profile.QuietEnd)
	if err != nil {
		return 0, 0, false
	}
	return start, end, true
}

// StepResult summarizes one escalation step across its channel set.
// Deferred is set when quiet hours pushed the whole step to a later time.
// RateLimited counts channels dropped by the daily limit; drops count as
// neither delivered nor failed.
type StepResult struct {
	Delivered    int
	Failed       int
	RateLimited  int
	Deferred     *time.Time
	NonRetryable bool
}

type channelStats struct {
	delivered int64
	failed    int64
}

// ChannelStats is a reliability snapshot for one channel.
type ChannelStats struct {
	Channel     models.ChannelType
	Delivered   int64
	Failed      int64
	Reliability float64
}

// Dispatcher fans an escalation step out to its channels, honoring quiet
// hours and the per-user daily channel limit, and auditing every send.
// A per-channel circuit breaker skips transports that keep failing.
type Dispatcher struct {
	store      store.DataStore
	directory  UserDirectory
	adapters   map[models.ChannelType]ChannelAdapter
	breakers   *resilience.Registry
	quietStart config.Clock
	quietEnd   config.Clock
	dailyLimit int
	timeout    time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	mu    sync.Mutex
	stats map[models.ChannelType]*channelStats
}

// NewDispatcher creates a dispatcher with adapters built from config.
func NewDispatcher(st store.DataStore, cfg config.DispatchConfig, directory UserDirectory, logger zerolog.Logger) (*Dispatcher, error) {
	quietStart, err := config.ParseClock(cfg.QuietHoursStart)
	if err != nil {
		return nil, fmt.Errorf("invalid quiet hours start: %w", err)
	}
	quietEnd, err := config.ParseClock(cfg.QuietHoursEnd)
	if err != nil {
		return nil, fmt.Errorf("invalid quiet hours end: %w", err)
	}

	d := &Dispatcher{
		store:      st,
		directory:  directory,
		adapters:   make(map[models.ChannelType]ChannelAdapter),
		breakers:   resilience.NewRegistry(resilience.DefaultBreakerConfig()),
		quietStart: quietStart,
		quietEnd:   quietEnd,
		dailyLimit: cfg.DailyChannelLimit,
		timeout:    cfg.SendTimeout,
		logger:     logger.With().Str("component", "dispatch").Logger(),
		now:        time.Now,
		stats:      make(map[models.ChannelType]*channelStats),
	}

	d.Register(NewWebhookAdapter(cfg.Webhook))
	d.Register(NewEmailAdapter(cfg.Email))
	d.Register(NewChatAdapter(cfg.Chat))
	d.Register(NewGatewayAdapter(models.ChannelPush, cfg.Push))
	d.Register(NewGatewayAdapter(models.ChannelSMS, cfg.SMS))

	return d, nil
}

// Register installs or replaces a channel adapter.
func (d *Dispatcher) Register(adapter ChannelAdapter) {
	d.adapters[adapter.Name()] = adapter
}

// Notify sends one escalation step to the given channels. Every channel
// call leaves a delivery log row. Quiet hours defer the entire step unless
// the escalation is critical priority.
func (d *Dispatcher) Notify(ctx context.Context, esc *models.AlertEscalation, channels []models.ChannelType) (StepResult, error) {
	now := d.now()
	var result StepResult

	quietStart, quietEnd := d.quietWindow(esc.UserID)
	if inQuietHours(now, quietStart, quietEnd) && esc.Priority < models.PriorityCritical {
		resume := quietHoursEnd(now, quietEnd)
		for _, ch := range channels {
			row := models.NewDeliveryLog(esc.ID, esc.UserID, ch, esc.Attempts, now)
			row.Status = models.DeliveryDeferred
			row.NextRetryAt = &resume
			if err := d.store.SaveDeliveryLog(ctx, row); err != nil {
				return result, fmt.Errorf("failed to log deferred delivery: %w", err)
			}
		}
		result.Deferred = &resume
		d.logger.Info().
			Str("escalation_id", esc.ID).
			Time("resume_at", resume).
			Msg("delivery deferred to end of quiet hours")
		return result, nil
	}

	msg := buildMessage(esc, now)

	for _, ch := range channels {
		row := models.NewDeliveryLog(esc.ID, esc.UserID, ch, esc.Attempts, now)

		adapter, ok := d.adapters[ch]
		if !ok || !adapter.Enabled() {
			row.Status = models.DeliveryFailed
			row.Error = apperrors.ErrChannelDisabled.Error()
			result.Failed++
			if err := d.store.SaveDeliveryLog(ctx, row); err != nil {
				return result, fmt.Errorf("failed to save delivery log: %w", err)
			}
			continue
		}

		if d.dailyLimit > 0 {
			count, err := d.store.DeliveryCountSince(ctx, esc.UserID, ch, startOfDay(now))
			if err != nil {
				return result, fmt.Errorf("failed to check daily limit: %w", err)
			}
			if count >= d.dailyLimit {
				// Policy drop: consumes neither a delivery nor a failure
				row.Status = models.DeliveryRateLimited
				row.Error = apperrors.ErrRateLimited.Error()
				result.RateLimited++
				if err := d.store.SaveDeliveryLog(ctx, row); err != nil {
					return result, fmt.Errorf("failed to save delivery log: %w", err)
				}
				d.logger.Warn().
					Str("user_id", esc.UserID).
					Str("channel", string(ch)).
					Msg("daily channel limit reached, dropping send")
				continue
			}
		}

		recipient, err := d.directory.Recipient(esc.UserID, ch)
		if err != nil {
			row.Status = models.DeliveryFailed
			row.Error = err.Error()
			result.Failed++
			result.NonRetryable = true
			if serr := d.store.SaveDeliveryLog(ctx, row); serr != nil {
				return result, fmt.Errorf("failed to save delivery log: %w", serr)
			}
			d.logger.Warn().
				Str("user_id", esc.UserID).
				Str("channel", string(ch)).
				Msg("no recipient address for channel")
			continue
		}

		if err := d.send(ctx, adapter, recipient, msg); err != nil {
			row.Status = models.DeliveryFailed
			row.Error = err.Error()
			result.Failed++
			d.bump(ch, false)
			d.logger.Warn().Err(err).
				Str("escalation_id", esc.ID).
				Str("channel", string(ch)).
				Msg("delivery failed")
		} else {
			row.Status = models.DeliverySent
			result.Delivered++
			d.bump(ch, true)
			d.logger.Info().
				Str("escalation_id", esc.ID).
				Str("channel", string(ch)).
				Str("recipient", recipient).
				Msg("notification sent")
		}

		if err := d.store.SaveDeliveryLog(ctx, row); err != nil {
			return result, fmt.Errorf("failed to save delivery log: %w", err)
		}
	}

	return result, nil
}

// send runs one adapter call behind the channel's circuit breaker. An open
// circuit fails the send without touching the transport; the escalation
// retry path picks it up once the breaker admits traffic again.
func (d *Dispatcher) send(ctx context.Context, adapter ChannelAdapter, recipient string, msg Message) error {
	breaker := d.breakers.Get(string(adapter.Name()))
	if err := breaker.Allow(); err != nil {
		return apperrors.NewDispatchError(string(adapter.Name()), recipient, "circuit open", err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := adapter.Send(ctx, recipient, msg); err != nil {
		breaker.RecordFailure()
		return apperrors.NewDispatchError(string(adapter.Name()), recipient, "send failed", err)
	}
	breaker.RecordSuccess()
	return nil
}

// Stats returns the in-process per-channel reliability counters.
func (d *Dispatcher) Stats() []ChannelStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := make([]ChannelStats, 0, len(d.stats))
	for ch, cs := range d.stats {
		s := ChannelStats{Channel: ch, Delivered: cs.delivered, Failed: cs.failed}
		if total := cs.delivered + cs.failed; total > 0 {
			s.Reliability = float64(cs.delivered) / float64(total)
		}
		stats = append(stats, s)
	}
	return stats
}

func (d *Dispatcher) bump(ch models.ChannelType, delivered bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.stats[ch]
	if !ok {
		cs = &channelStats{}
		d.stats[ch] = cs
	}
	if delivered {
		cs.delivered++
	} else {
		cs.failed++
	}
}

// quietWindow returns the quiet-hours window for a user: their directory
// override when present, the configured window otherwise.
func (d *Dispatcher) quietWindow(userID string) (config.Clock, config.Clock) {
	if start, end, ok := d.directory.QuietHours(userID); ok {
		return start, end
	}
	return d.quietStart, d.quietEnd
}

// inQuietHours reports whether t falls inside the quiet window. A window
// whose start is after its end wraps past midnight.
func inQuietHours(t time.Time, start, end config.Clock) bool {
	if start == end {
		return false
	}
	minutes := config.Clock(t.Hour()*60 + t.Minute())
	if start < end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

// quietHoursEnd returns the next moment the quiet window closes after t.
func quietHoursEnd(t time.Time, end config.Clock) time.Time {
	closes := time.Date(t.Year(), t.Month(), t.Day(), end.Minutes()/60, end.Minutes()%60, 0, 0, t.Location())
	if !closes.After(t) {
		closes = closes.AddDate(0, 0, 1)
	}
	return closes
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func buildMessage(esc *models.AlertEscalation, now time.Time) Message {
	return Message{
		Title: fmt.Sprintf("Ticket alert: %s", esc.TicketID),
		Body:  esc.TriggerReason,
		Data: map[string]interface{}{
			"escalation_id": esc.ID,
			"alert_id":      esc.AlertID,
			"ticket_id":     esc.TicketID,
			"priority":      esc.Priority,
			"score":         esc.Score,
			"attempt":       esc.Attempts + 1,
		},
		Timestamp: now,
	}
}
