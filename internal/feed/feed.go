// Package feed pulls ticket listing snapshots from an observation source.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ticketwatch/internal/config"
	"ticketwatch/internal/models"
	"ticketwatch/pkg/utils"
)

// Feed is a source of ticket observations.
type Feed interface {
	Poll(ctx context.Context) ([]models.TicketObservation, error)
}

type listing struct {
	TicketID   string    `json:"ticket_id"`
	Platform   string    `json:"platform"`
	Price      float64   `json:"price"`
	Quantity   int       `json:"quantity"`
	Section    string    `json:"section"`
	Row        string    `json:"row"`
	ObservedAt time.Time `json:"observed_at"`
}

// HTTPFeed polls an aggregator endpoint returning a JSON array of current
// listings.
type HTTPFeed struct {
	url    string
	client *http.Client
	retry  utils.RetryConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewHTTPFeed creates an HTTP observation feed.
func NewHTTPFeed(cfg config.FeedConfig, logger zerolog.Logger) *HTTPFeed {
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFeed{
		url: cfg.URL,
		client: &http.Client{
			Timeout: timeout,
		},
		retry:  utils.DefaultRetryConfig(),
		logger: logger.With().Str("component", "feed").Logger(),
		now:    time.Now,
	}
}

// Poll fetches the current listings, retrying transient fetch failures.
// Listings without an observation time get stamped with the poll time;
// listings missing a ticket or platform are dropped.
func (f *HTTPFeed) Poll(ctx context.Context) ([]models.TicketObservation, error) {
	if f.url == "" {
		return nil, nil
	}

	listings, err := utils.RetryWithResult(ctx, f.retry, func() ([]listing, error) {
		return f.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}

	now := f.now()
	obs := make([]models.TicketObservation, 0, len(listings))
	for _, l := range listings {
		if l.TicketID == "" || l.Platform == "" {
			f.logger.Debug().Msg("dropping listing without ticket or platform")
			continue
		}
		observedAt := l.ObservedAt
		if observedAt.IsZero() {
			observedAt = now
		}
		obs = append(obs, models.TicketObservation{
			ID:         uuid.NewString(),
			TicketID:   l.TicketID,
			Platform:   l.Platform,
			Price:      l.Price,
			Quantity:   l.Quantity,
			Section:    l.Section,
			Row:        l.Row,
			ObservedAt: observedAt,
		})
	}

	f.logger.Debug().Int("listings", len(obs)).Msg("feed polled")
	return obs, nil
}

func (f *HTTPFeed) fetch(ctx context.Context) ([]listing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	var listings []listing
	if err := json.NewDecoder(resp.Body).Decode(&listings); err != nil {
		return nil, fmt.Errorf("decoding feed response: %w", err)
	}
	return listings, nil
}

// StaticFeed returns a fixed set of observations once, then nothing. Used
// for one-shot ticks and tests.
type StaticFeed struct {
	observations []models.TicketObservation
	drained      bool
}

// NewStaticFeed creates a feed serving the given observations once.
func NewStaticFeed(obs []models.TicketObservation) *StaticFeed {
	return &StaticFeed{observations: obs}
}

// Poll returns the remaining observations.
func (f *StaticFeed) Poll(ctx context.Context) ([]models.TicketObservation, error) {
	if f.drained {
		return nil, nil
	}
	f.drained = true
	return f.observations, nil
}
