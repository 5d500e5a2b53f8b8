// Package models defines the core domain types shared across the application.
package models

import (
	"time"

	"github.com/google/uuid"
)

// TicketObservation is a single price/availability snapshot of a ticket
// listing on a resale platform. Observations are immutable once recorded;
// history per ticket is append-only.
type TicketObservation struct {
	ID         string
	TicketID   string
	Platform   string
	Price      float64
	Quantity   int
	Section    string
	Row        string
	ObservedAt time.Time
}

// NewObservation creates an observation with a fresh ID and the given
// observation time.
func NewObservation(ticketID, platform string, price float64, quantity int, observedAt time.Time) TicketObservation {
	return TicketObservation{
		ID:         uuid.NewString(),
		TicketID:   ticketID,
		Platform:   platform,
		Price:      price,
		Quantity:   quantity,
		ObservedAt: observedAt,
	}
}
