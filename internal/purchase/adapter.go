// Package purchase executes claimed queue entries against resale platform
// adapters and owns the attempt state machine.
package purchase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "ticketwatch/internal/errors"
	"ticketwatch/internal/models"
)

// AttemptRequest is the purchase order handed to a platform adapter.
// TransactionID is the idempotency token; platforms deduplicate on it.
type AttemptRequest struct {
	TicketID      string
	Quantity      int
	MaxPrice      float64
	TransactionID string
}

// Result is the platform's answer to a purchase request. A failed result
// carries one of the failure reason constants; the orchestrator classifies
// it, never the adapter.
type Result struct {
	Success      bool
	Reason       string
	Confirmation string
	FinalPrice   float64
	Fees         float64
}

// PlatformAdapter executes purchases against one resale platform.
type PlatformAdapter interface {
	Platform() string
	Purchase(ctx context.Context, req AttemptRequest) (Result, error)
}

// HTTPAdapter executes purchases against a platform's HTTP checkout API.
type HTTPAdapter struct {
	platform string
	baseURL  string
	apiKey   string
	client   *http.Client
}

// NewHTTPAdapter creates an HTTP-backed platform adapter.
func NewHTTPAdapter(platform, baseURL, apiKey string) *HTTPAdapter {
	return &HTTPAdapter{
		platform: platform,
		baseURL:  baseURL,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Platform returns the platform this adapter serves.
func (a *HTTPAdapter) Platform() string {
	return a.platform
}

type purchaseResponse struct {
	Status       string  `json:"status"`
	Reason       string  `json:"reason"`
	Confirmation string  `json:"confirmation"`
	FinalPrice   float64 `json:"final_price"`
	Fees         float64 `json:"fees"`
}

// Purchase submits a checkout request. The idempotency token rides in both
// the payload and a header so replays are safe on either side.
func (a *HTTPAdapter) Purchase(ctx context.Context, req AttemptRequest) (Result, error) {
	payload := map[string]interface{}{
		"ticket_id":      req.TicketID,
		"quantity":       req.Quantity,
		"max_price":      req.MaxPrice,
		"transaction_id": req.TransactionID,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling purchase payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/checkout", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating purchase request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.TransactionID)
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Result{}, apperrors.NewAdapterError(a.platform, models.ReasonTempUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{Reason: models.ReasonRateLimited}, nil
	}
	if resp.StatusCode >= 500 {
		return Result{Reason: models.ReasonTempUnavailable}, nil
	}

	var pr purchaseResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return Result{}, apperrors.NewAdapterError(a.platform, models.ReasonTempUnavailable, err)
	}

	if pr.Status == "confirmed" {
		return Result{
			Success:      true,
			Confirmation: pr.Confirmation,
			FinalPrice:   pr.FinalPrice,
			Fees:         pr.Fees,
		}, nil
	}

	return Result{
		Reason:     pr.Reason,
		FinalPrice: pr.FinalPrice,
	}, nil
}
