package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "ticketwatch/internal/errors"
	"ticketwatch/internal/models"
	"ticketwatch/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, store.DataStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewQueue(st, zerolog.Nop()), st
}

func request(ticketID string, priority models.QueuePriority) EnqueueRequest {
	return EnqueueRequest{
		TicketID: ticketID,
		UserID:   "user-1",
		Platform: "stubhub",
		Priority: priority,
		MaxPrice: 120.0,
		Quantity: 2,
	}
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   EnqueueRequest
		field string
	}{
		{"missing ticket", EnqueueRequest{UserID: "u", Platform: "p", MaxPrice: 10, Quantity: 1}, "ticket_id"},
		{"missing user", EnqueueRequest{TicketID: "t", Platform: "p", MaxPrice: 10, Quantity: 1}, "user_id"},
		{"missing platform", EnqueueRequest{TicketID: "t", UserID: "u", MaxPrice: 10, Quantity: 1}, "platform"},
		{"zero quantity", EnqueueRequest{TicketID: "t", UserID: "u", Platform: "p", MaxPrice: 10}, "quantity"},
		{"zero price", EnqueueRequest{TicketID: "t", UserID: "u", Platform: "p", Quantity: 1}, "max_price"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tc.req)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			var ve *apperrors.ValidationError
			if !apperrors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %T: %v", err, err)
			}
			if ve.Field != tc.field {
				t.Errorf("Expected field %q, got %q", tc.field, ve.Field)
			}
		})
	}
}

func TestEnqueueAssignsToken(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, request("ticket-1", models.QueueMedium))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if entry.TransactionID == "" {
		t.Fatal("Expected idempotency token to be assigned")
	}
	if entry.Status != models.QueueStatusQueued {
		t.Errorf("Expected queued status, got %s", entry.Status)
	}

	second, err := q.Enqueue(ctx, request("ticket-2", models.QueueMedium))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if second.TransactionID == entry.TransactionID {
		t.Error("Each entry must get a fresh idempotency token")
	}

	got, err := st.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	if got.TransactionID != entry.TransactionID {
		t.Error("Token must survive persistence")
	}
}

func TestDequeuePriorityOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	for _, p := range []models.QueuePriority{models.QueueLow, models.QueueCritical, models.QueueMedium} {
		req := request(uuid.NewString(), p)
		req.ScheduledFor = base.Add(-time.Minute)
		if _, err := q.Enqueue(ctx, req); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	want := []models.QueuePriority{models.QueueCritical, models.QueueMedium, models.QueueLow}
	for i, p := range want {
		entry, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d failed: %v", i, err)
		}
		if entry == nil {
			t.Fatalf("Expected entry at dequeue %d", i)
		}
		if entry.Priority != p {
			t.Errorf("Dequeue %d: expected priority %s, got %s", i, p, entry.Priority)
		}
		if entry.Status != models.QueueStatusProcessing {
			t.Errorf("Dequeued entry must be processing, got %s", entry.Status)
		}
	}

	entry, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if entry != nil {
		t.Errorf("Expected empty queue, got %+v", entry)
	}
}

func TestDequeueTicketExclusivity(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	first := request("ticket-1", models.QueueCritical)
	first.ScheduledFor = base.Add(-time.Minute)
	second := request("ticket-1", models.QueueMedium)
	second.ScheduledFor = base.Add(-time.Minute)
	second.UserID = "user-2"

	for _, req := range []EnqueueRequest{first, second} {
		if _, err := q.Enqueue(ctx, req); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	entry, err := q.Dequeue(ctx)
	if err != nil || entry == nil {
		t.Fatalf("Expected first dequeue to claim: %v", err)
	}

	// The second intent for the same ticket stays parked until the first
	// purchase resolves
	blocked, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if blocked != nil {
		t.Errorf("Expected no dequeue while ticket is in flight, got %+v", blocked)
	}
}

func TestDequeueSkipsFutureEntries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	req := request("ticket-1", models.QueueCritical)
	req.ScheduledFor = base.Add(time.Hour)
	if _, err := q.Enqueue(ctx, req); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	entry, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if entry != nil {
		t.Errorf("Expected no dequeue before scheduled time, got %+v", entry)
	}

	q.now = func() time.Time { return base.Add(2 * time.Hour) }
	entry, err = q.Dequeue(ctx)
	if err != nil || entry == nil {
		t.Fatalf("Expected dequeue once due: %v", err)
	}
}

func TestCancelQueued(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, request("ticket-1", models.QueueMedium))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := q.Cancel(ctx, entry.ID, models.CancelUserRequest); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, err := st.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	if got.Status != models.QueueStatusCancelled {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}
	if got.CancellationReason != models.CancelUserRequest {
		t.Errorf("Expected reason %q, got %q", models.CancelUserRequest, got.CancellationReason)
	}
}

func TestCancelProcessing(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	req := request("ticket-1", models.QueueMedium)
	req.ScheduledFor = base.Add(-time.Minute)
	entry, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	claimed, err := q.Dequeue(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Expected dequeue to claim: %v", err)
	}

	if err := q.Cancel(ctx, entry.ID, models.CancelUserRequest); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// In-flight purchases are flagged, not terminated
	got, err := st.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	if got.Status != models.QueueStatusProcessing {
		t.Errorf("Expected processing, got %s", got.Status)
	}
	if !got.CancelRequested {
		t.Error("Expected cancel flag to be set")
	}
}

func TestCancelTerminalIsNoop(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	req := request("ticket-1", models.QueueMedium)
	req.ScheduledFor = base.Add(-time.Minute)
	entry, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if err := st.ReleaseQueueEntry(ctx, entry.ID, models.QueueStatusCompleted, "", base); err != nil {
		t.Fatalf("Failed to complete entry: %v", err)
	}

	if err := q.Cancel(ctx, entry.ID, models.CancelUserRequest); err != nil {
		t.Fatalf("Cancel on terminal entry must not error: %v", err)
	}

	got, err := st.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	if got.Status != models.QueueStatusCompleted {
		t.Errorf("Terminal status must not change, got %s", got.Status)
	}
}

func TestSweepExpired(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	expired := base.Add(-time.Minute)
	req := request("ticket-1", models.QueueMedium)
	req.ExpiresAt = &expired
	if _, err := q.Enqueue(ctx, req); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	swept, err := q.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("Expected 1 entry swept, got %d", swept)
	}
}

func TestEnqueueFromMatch(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	maxPrice := 150.0
	alert := &models.Alert{
		ID:       uuid.NewString(),
		UserID:   "user-1",
		TicketID: "ticket-1",
		MaxPrice: &maxPrice,
		Priority: models.PriorityHigh,
		Status:   models.AlertTriggered,
	}
	match := models.AlertMatch{
		Alert:       alert,
		Observation: models.NewObservation("ticket-1", "seatgeek", 95.0, 3, base),
		MatchedAt:   base,
	}

	entry, err := q.EnqueueFromMatch(ctx, match)
	if err != nil {
		t.Fatalf("EnqueueFromMatch failed: %v", err)
	}
	if entry.Platform != "seatgeek" {
		t.Errorf("Expected observation platform, got %s", entry.Platform)
	}
	if entry.Priority != models.QueueUrgent {
		t.Errorf("Expected priority inherited from alert, got %s", entry.Priority)
	}
	if entry.MaxPrice != 150.0 {
		t.Errorf("Expected alert ceiling as max price, got %.2f", entry.MaxPrice)
	}
	if entry.Quantity != 1 {
		t.Errorf("Expected default quantity 1, got %d", entry.Quantity)
	}
	if entry.AlertID != alert.ID {
		t.Errorf("Expected alert linkage, got %q", entry.AlertID)
	}
}
