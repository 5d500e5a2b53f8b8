package models

import "time"

// AlertStatus is the coarse lifecycle of an alert. Per-occurrence progress
// lives on AlertEscalation, not here.
type AlertStatus string

const (
	AlertActive    AlertStatus = "active"
	AlertPaused    AlertStatus = "paused"
	AlertTriggered AlertStatus = "triggered"
	AlertExpired   AlertStatus = "expired"
)

// AlertPriority maps to an escalation strategy; higher priorities start on
// more urgent channels.
const (
	PriorityLowest   = 1
	PriorityNormal   = 2
	PriorityElevated = 3
	PriorityHigh     = 4
	PriorityCritical = 5
)

// Alert is a user-defined rule matching ticket price/availability.
// Either price bound may be nil (unbounded).
type Alert struct {
	ID              string
	UserID          string
	TicketID        string
	MinPrice        *float64
	MaxPrice        *float64
	MinQuantity     int
	Sections        []string
	Platforms       []string // allow-list; empty means any platform
	Status          AlertStatus
	Priority        int // 1..5, see Priority constants
	AutoPurchase    bool
	Cooldown        time.Duration // minimum interval between triggers
	TriggerCount    int
	MaxTriggers     int // 0 = unlimited; alert soft-expires when exhausted
	ExpiresAt       *time.Time
	LastCheckedAt   *time.Time
	LastTriggeredAt *time.Time
	AcknowledgedAt  *time.Time // user saw the current trigger; cancels its live escalation
	CreatedAt       time.Time
}

// InCooldown reports whether the alert triggered within its cooldown window
// as of now.
func (a *Alert) InCooldown(now time.Time) bool {
	if a.LastTriggeredAt == nil || a.Cooldown <= 0 {
		return false
	}
	return now.Before(a.LastTriggeredAt.Add(a.Cooldown))
}

// QuotaExhausted reports whether the alert used up its trigger budget.
func (a *Alert) QuotaExhausted() bool {
	return a.MaxTriggers > 0 && a.TriggerCount >= a.MaxTriggers
}

// AlertMatch is emitted when an observation satisfies an alert's criteria.
type AlertMatch struct {
	Alert       *Alert
	Observation TicketObservation
	Score       float64 // 0..1, normalized distance below the price bound
	Reason      string
	MatchedAt   time.Time
}
