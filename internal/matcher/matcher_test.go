package matcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ticketwatch/internal/models"
	"ticketwatch/internal/store"
)

func newTestMatcher(t *testing.T) (*Matcher, store.DataStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewMatcher(st, zerolog.Nop()), st
}

func saveAlert(t *testing.T, st store.DataStore, alert *models.Alert) {
	t.Helper()
	if err := st.SaveAlert(context.Background(), alert); err != nil {
		t.Fatalf("Failed to save alert: %v", err)
	}
}

func ceilingAlert(ticketID string, maxPrice float64) *models.Alert {
	return &models.Alert{
		ID:        uuid.NewString(),
		UserID:    "user-1",
		TicketID:  ticketID,
		MaxPrice:  &maxPrice,
		Status:    models.AlertActive,
		Priority:  models.PriorityNormal,
		CreatedAt: time.Now(),
	}
}

func TestMatchPriceCeiling(t *testing.T) {
	m, st := newTestMatcher(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	alert := ceilingAlert("ticket-1", 150.0)
	saveAlert(t, st, alert)

	tooExpensive := models.NewObservation("ticket-1", "stubhub", 200.0, 2, base)
	matches, err := m.Match(ctx, tooExpensive)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("Expected no match above ceiling, got %d", len(matches))
	}

	cheap := models.NewObservation("ticket-1", "stubhub", 100.0, 2, base)
	matches, err = m.Match(ctx, cheap)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Expected 1 match below ceiling, got %d", len(matches))
	}
	if matches[0].MatchedAt != base {
		t.Errorf("Expected match timestamp %v, got %v", base, matches[0].MatchedAt)
	}

	got, err := st.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("Failed to get alert: %v", err)
	}
	if got.TriggerCount != 1 {
		t.Errorf("Expected exactly 1 trigger recorded, got %d", got.TriggerCount)
	}
	if got.Status != models.AlertTriggered {
		t.Errorf("Expected triggered status, got %s", got.Status)
	}
	if got.LastCheckedAt == nil {
		t.Error("Expected last checked time to be set")
	}
}

func TestMatchCooldown(t *testing.T) {
	m, st := newTestMatcher(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	alert := ceilingAlert("ticket-1", 150.0)
	alert.Cooldown = 30 * time.Minute
	saveAlert(t, st, alert)

	obs := models.NewObservation("ticket-1", "stubhub", 100.0, 2, base)

	m.now = func() time.Time { return base }
	matches, err := m.Match(ctx, obs)
	if err != nil || len(matches) != 1 {
		t.Fatalf("Expected initial match: %v, %d", err, len(matches))
	}

	// Ten minutes later the alert is still cooling down
	m.now = func() time.Time { return base.Add(10 * time.Minute) }
	matches, err = m.Match(ctx, obs)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("Expected no match inside cooldown, got %d", len(matches))
	}

	// Past the cooldown it triggers again
	m.now = func() time.Time { return base.Add(31 * time.Minute) }
	matches, err = m.Match(ctx, obs)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Expected match after cooldown, got %d", len(matches))
	}

	got, err := st.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("Failed to get alert: %v", err)
	}
	if got.TriggerCount != 2 {
		t.Errorf("Expected 2 triggers total, got %d", got.TriggerCount)
	}
}

func TestMatchTriggerQuota(t *testing.T) {
	m, st := newTestMatcher(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	alert := ceilingAlert("ticket-1", 150.0)
	alert.MaxTriggers = 1
	saveAlert(t, st, alert)

	obs := models.NewObservation("ticket-1", "stubhub", 100.0, 2, base)
	matches, err := m.Match(ctx, obs)
	if err != nil || len(matches) != 1 {
		t.Fatalf("Expected initial match: %v, %d", err, len(matches))
	}

	got, err := st.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("Failed to get alert: %v", err)
	}
	if got.Status != models.AlertExpired {
		t.Errorf("Expected alert expired after last trigger, got %s", got.Status)
	}

	// Expired alerts are no longer matchable
	m.now = func() time.Time { return base.Add(time.Hour) }
	matches, err = m.Match(ctx, obs)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Expected no match for exhausted alert, got %d", len(matches))
	}
}

func TestEvaluateCheckOrder(t *testing.T) {
	m, _ := newTestMatcher(t)
	maxPrice := 150.0

	alert := &models.Alert{
		ID:          uuid.NewString(),
		UserID:      "user-1",
		TicketID:    "ticket-1",
		MaxPrice:    &maxPrice,
		MinQuantity: 2,
		Sections:    []string{"101"},
		Platforms:   []string{"stubhub"},
		Status:      models.AlertActive,
	}

	obs := models.TicketObservation{
		TicketID: "ticket-1",
		Platform: "seatgeek",
		Price:    100.0,
		Quantity: 4,
		Section:  "101",
	}

	result := m.Evaluate(alert, obs)
	if result.Matched {
		t.Fatal("Expected platform check to block the match")
	}
	if len(result.ChecksFailed) != 1 || result.ChecksFailed[0] != "platform" {
		t.Errorf("Expected platform failure, got %v", result.ChecksFailed)
	}
	if len(result.ChecksPassed) != 0 {
		t.Errorf("Expected no checks passed before the block, got %v", result.ChecksPassed)
	}

	obs.Platform = "stubhub"
	obs.Section = "999"
	result = m.Evaluate(alert, obs)
	if result.Matched || result.ChecksFailed[0] != "section" {
		t.Errorf("Expected section failure, got %v", result.ChecksFailed)
	}
	if len(result.ChecksPassed) != 1 || result.ChecksPassed[0] != "platform" {
		t.Errorf("Expected platform passed first, got %v", result.ChecksPassed)
	}

	obs.Section = "101"
	obs.Quantity = 1
	result = m.Evaluate(alert, obs)
	if result.Matched || result.ChecksFailed[0] != "quantity" {
		t.Errorf("Expected quantity failure, got %v", result.ChecksFailed)
	}

	obs.Quantity = 2
	obs.Price = 151.0
	result = m.Evaluate(alert, obs)
	if result.Matched || result.ChecksFailed[0] != "price" {
		t.Errorf("Expected price failure, got %v", result.ChecksFailed)
	}

	obs.Price = 75.0
	result = m.Evaluate(alert, obs)
	if !result.Matched {
		t.Fatalf("Expected full match, blocked by %q", result.BlockReason)
	}
	if len(result.ChecksPassed) != 4 {
		t.Errorf("Expected all 4 checks passed, got %v", result.ChecksPassed)
	}
	if result.Score != 0.5 {
		t.Errorf("Expected score 0.5 at half the ceiling, got %f", result.Score)
	}
}

func TestEvaluatePriceFloor(t *testing.T) {
	m, _ := newTestMatcher(t)
	minPrice := 50.0

	alert := &models.Alert{
		ID:       uuid.NewString(),
		UserID:   "user-1",
		TicketID: "ticket-1",
		MinPrice: &minPrice,
		Status:   models.AlertActive,
	}

	// Suspiciously cheap listings stay below the floor
	obs := models.TicketObservation{TicketID: "ticket-1", Platform: "stubhub", Price: 10.0, Quantity: 1}
	result := m.Evaluate(alert, obs)
	if result.Matched {
		t.Error("Expected price below floor to block the match")
	}

	obs.Price = 60.0
	result = m.Evaluate(alert, obs)
	if !result.Matched {
		t.Errorf("Expected match above floor, blocked by %q", result.BlockReason)
	}
	if result.Score != 0 {
		t.Errorf("Expected zero score without a ceiling, got %f", result.Score)
	}
}

func TestMatchMultipleAlerts(t *testing.T) {
	m, st := newTestMatcher(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	loose := ceilingAlert("ticket-1", 200.0)
	tight := ceilingAlert("ticket-1", 80.0)
	tight.UserID = "user-2"
	saveAlert(t, st, loose)
	saveAlert(t, st, tight)

	obs := models.NewObservation("ticket-1", "stubhub", 100.0, 2, base)
	matches, err := m.Match(ctx, obs)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Expected only the loose alert to match, got %d", len(matches))
	}
	if matches[0].Alert.ID != loose.ID {
		t.Errorf("Expected alert %s, got %s", loose.ID, matches[0].Alert.ID)
	}
}
