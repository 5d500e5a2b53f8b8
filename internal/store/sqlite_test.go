package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	apperrors "ticketwatch/internal/errors"
	"ticketwatch/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testAlert(userID, ticketID string) *models.Alert {
	maxPrice := 150.0
	return &models.Alert{
		ID:          uuid.NewString(),
		UserID:      userID,
		TicketID:    ticketID,
		MaxPrice:    &maxPrice,
		MinQuantity: 2,
		Sections:    []string{"101", "102"},
		Status:      models.AlertActive,
		Priority:    models.PriorityElevated,
		Cooldown:    30 * time.Minute,
		CreatedAt:   time.Now(),
	}
}

func testEscalation(alertID string, priority int, scheduledAt time.Time) *models.AlertEscalation {
	return &models.AlertEscalation{
		ID:          uuid.NewString(),
		AlertID:     alertID,
		UserID:      "user-1",
		TicketID:    "ticket-1",
		Priority:    priority,
		Strategy:    "standard",
		Score:       0.5,
		ScheduledAt: scheduledAt,
		MaxAttempts: 3,
		Status:      models.EscalationScheduled,
		CreatedAt:   scheduledAt,
	}
}

func testEntry(ticketID string, priority models.QueuePriority, scheduledFor time.Time) *models.PurchaseQueueEntry {
	return models.NewQueueEntry(ticketID, "user-1", "stubhub", priority, 120.0, 2, scheduledFor)
}

func TestNewSQLiteStoreBadPath(t *testing.T) {
	_, err := NewSQLiteStore(filepath.Join(t.TempDir(), "missing", "nested", "test.db"))
	if err == nil {
		t.Fatal("Expected error for unreachable database path")
	}
	if !apperrors.Is(err, apperrors.ErrDatabaseError) {
		t.Errorf("Expected ErrDatabaseError, got %v", err)
	}
}

// ============================================================================
// Observation Tests
// ============================================================================

func TestObservationRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	obs := models.NewObservation("ticket-1", "stubhub", 99.50, 4, time.Now())
	obs.Section = "101"
	obs.Row = "F"

	if err := st.SaveObservation(ctx, obs); err != nil {
		t.Fatalf("Failed to save observation: %v", err)
	}

	got, err := st.ListObservations(ctx, "ticket-1", 10)
	if err != nil {
		t.Fatalf("Failed to list observations: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 observation, got %d", len(got))
	}
	if got[0].Price != 99.50 || got[0].Section != "101" || got[0].Row != "F" {
		t.Errorf("Observation fields mismatch: %+v", got[0])
	}
}

// ============================================================================
// Alert Tests
// ============================================================================

func TestAlertRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	alert := testAlert("user-1", "ticket-1")
	if err := st.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("Failed to save alert: %v", err)
	}

	got, err := st.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("Failed to get alert: %v", err)
	}
	if got.UserID != "user-1" || got.TicketID != "ticket-1" {
		t.Errorf("Alert identity mismatch: %+v", got)
	}
	if got.MaxPrice == nil || *got.MaxPrice != 150.0 {
		t.Errorf("Expected max price 150.0, got %v", got.MaxPrice)
	}
	if got.MinPrice != nil {
		t.Errorf("Expected nil min price, got %v", got.MinPrice)
	}
	if len(got.Sections) != 2 || got.Sections[0] != "101" {
		t.Errorf("Sections mismatch: %v", got.Sections)
	}
	if got.Cooldown != 30*time.Minute {
		t.Errorf("Expected cooldown 30m, got %v", got.Cooldown)
	}
}

func TestGetAlertNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetAlert(context.Background(), "missing")
	if err != apperrors.ErrAlertNotFound {
		t.Errorf("Expected ErrAlertNotFound, got %v", err)
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	alert := testAlert("user-1", "ticket-1")
	if err := st.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("Failed to save alert: %v", err)
	}

	ackAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := st.AcknowledgeAlert(ctx, alert.ID, ackAt); err != nil {
		t.Fatalf("Failed to acknowledge alert: %v", err)
	}

	got, err := st.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("Failed to get alert: %v", err)
	}
	if got.AcknowledgedAt == nil || !got.AcknowledgedAt.Equal(ackAt) {
		t.Errorf("Expected acknowledged at %v, got %v", ackAt, got.AcknowledgedAt)
	}

	if err := st.AcknowledgeAlert(ctx, "missing", ackAt); err != apperrors.ErrAlertNotFound {
		t.Errorf("Expected ErrAlertNotFound, got %v", err)
	}
}

func TestUpdateAlertStatusConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	alert := testAlert("user-1", "ticket-1")
	if err := st.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("Failed to save alert: %v", err)
	}

	if err := st.UpdateAlertStatus(ctx, alert.ID, models.AlertActive, models.AlertPaused); err != nil {
		t.Fatalf("Expected transition active->paused to succeed: %v", err)
	}

	// Alert is paused now; a second active->paused transition must conflict
	if err := st.UpdateAlertStatus(ctx, alert.ID, models.AlertActive, models.AlertPaused); err != apperrors.ErrConflict {
		t.Errorf("Expected ErrConflict, got %v", err)
	}
}

func TestRecordAlertTrigger(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	alert := testAlert("user-1", "ticket-1")
	if err := st.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("Failed to save alert: %v", err)
	}

	if err := st.RecordAlertTrigger(ctx, alert.ID, now); err != nil {
		t.Fatalf("Failed to record trigger: %v", err)
	}
	if err := st.RecordAlertTrigger(ctx, alert.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("Failed to record second trigger: %v", err)
	}

	got, err := st.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("Failed to get alert: %v", err)
	}
	if got.TriggerCount != 2 {
		t.Errorf("Expected trigger count 2, got %d", got.TriggerCount)
	}
	if got.Status != models.AlertTriggered {
		t.Errorf("Expected status triggered, got %s", got.Status)
	}
	if got.LastTriggeredAt == nil {
		t.Error("Expected last triggered time to be set")
	}
}

func TestRecordAlertTriggerPausedConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	alert := testAlert("user-1", "ticket-1")
	alert.Status = models.AlertPaused
	if err := st.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("Failed to save alert: %v", err)
	}

	if err := st.RecordAlertTrigger(ctx, alert.ID, time.Now()); err != apperrors.ErrConflict {
		t.Errorf("Expected ErrConflict for paused alert, got %v", err)
	}
}

func TestExpireAlerts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := testAlert("user-1", "ticket-1")
	expired.ExpiresAt = &past
	live := testAlert("user-1", "ticket-2")
	live.ExpiresAt = &future
	unbounded := testAlert("user-1", "ticket-3")

	for _, a := range []*models.Alert{expired, live, unbounded} {
		if err := st.SaveAlert(ctx, a); err != nil {
			t.Fatalf("Failed to save alert: %v", err)
		}
	}

	swept, err := st.ExpireAlerts(ctx, now)
	if err != nil {
		t.Fatalf("Failed to expire alerts: %v", err)
	}
	if swept != 1 {
		t.Errorf("Expected 1 alert swept, got %d", swept)
	}

	got, err := st.GetAlert(ctx, expired.ID)
	if err != nil {
		t.Fatalf("Failed to get alert: %v", err)
	}
	if got.Status != models.AlertExpired {
		t.Errorf("Expected expired status, got %s", got.Status)
	}
}

func TestAlertsForTicketExcludesTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	active := testAlert("user-1", "ticket-1")
	paused := testAlert("user-2", "ticket-1")
	paused.Status = models.AlertPaused
	expired := testAlert("user-3", "ticket-1")
	expired.Status = models.AlertExpired
	other := testAlert("user-1", "ticket-2")

	for _, a := range []*models.Alert{active, paused, expired, other} {
		if err := st.SaveAlert(ctx, a); err != nil {
			t.Fatalf("Failed to save alert: %v", err)
		}
	}

	got, err := st.AlertsForTicket(ctx, "ticket-1")
	if err != nil {
		t.Fatalf("Failed to list alerts for ticket: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 matchable alert, got %d", len(got))
	}
	if got[0].ID != active.ID {
		t.Errorf("Expected active alert %s, got %s", active.ID, got[0].ID)
	}
}

// ============================================================================
// Escalation Tests
// ============================================================================

func TestDueEscalationsOrderingAndSelection(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	low := testEscalation("a1", models.PriorityNormal, now.Add(-time.Minute))
	high := testEscalation("a2", models.PriorityCritical, now.Add(-time.Minute))
	mid := testEscalation("a3", models.PriorityHigh, now.Add(-time.Minute))
	future := testEscalation("a4", models.PriorityCritical, now.Add(time.Hour))

	retrying := testEscalation("a5", models.PriorityLowest, now.Add(-2*time.Hour))
	retrying.Status = models.EscalationRetrying
	retryAt := now.Add(-time.Second)
	retrying.NextRetryAt = &retryAt

	for _, e := range []*models.AlertEscalation{low, high, mid, future, retrying} {
		if err := st.SaveEscalation(ctx, e); err != nil {
			t.Fatalf("Failed to save escalation: %v", err)
		}
	}

	due, err := st.DueEscalations(ctx, now, 10)
	if err != nil {
		t.Fatalf("Failed to list due escalations: %v", err)
	}
	if len(due) != 4 {
		t.Fatalf("Expected 4 due escalations, got %d", len(due))
	}
	if due[0].ID != high.ID {
		t.Errorf("Expected critical escalation first, got priority %d", due[0].Priority)
	}
	if due[1].ID != mid.ID || due[2].ID != low.ID || due[3].ID != retrying.ID {
		t.Errorf("Unexpected priority ordering: %d, %d, %d", due[1].Priority, due[2].Priority, due[3].Priority)
	}
}

func TestEscalationLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	esc := testEscalation("a1", models.PriorityElevated, now)
	if err := st.SaveEscalation(ctx, esc); err != nil {
		t.Fatalf("Failed to save escalation: %v", err)
	}

	if err := st.MarkEscalationAttempt(ctx, esc.ID, 1, now); err != nil {
		t.Fatalf("Failed to mark attempt: %v", err)
	}
	if err := st.RescheduleEscalation(ctx, esc.ID, 1, now.Add(5*time.Minute)); err != nil {
		t.Fatalf("Failed to reschedule: %v", err)
	}

	got, err := st.GetEscalation(ctx, esc.ID)
	if err != nil {
		t.Fatalf("Failed to get escalation: %v", err)
	}
	if got.Status != models.EscalationRetrying || got.Attempts != 1 {
		t.Errorf("Expected retrying with 1 attempt, got %s/%d", got.Status, got.Attempts)
	}
	if got.NextRetryAt == nil {
		t.Error("Expected next retry time to be set")
	}

	if err := st.CompleteEscalation(ctx, esc.ID); err != nil {
		t.Fatalf("Failed to complete escalation: %v", err)
	}

	got, err = st.GetEscalation(ctx, esc.ID)
	if err != nil {
		t.Fatalf("Failed to get escalation: %v", err)
	}
	if got.Status != models.EscalationCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	if got.NextRetryAt != nil {
		t.Error("Expected next retry time cleared on terminal status")
	}

	// Terminal escalations reject further transitions
	if err := st.FailEscalation(ctx, esc.ID); err != apperrors.ErrConflict {
		t.Errorf("Expected ErrConflict on completed escalation, got %v", err)
	}
	if err := st.CancelEscalation(ctx, esc.ID, models.CancelUserRequest); err != apperrors.ErrConflict {
		t.Errorf("Expected ErrConflict on completed escalation, got %v", err)
	}
}

func TestClaimEscalation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	esc := testEscalation("a1", models.PriorityHigh, now)
	if err := st.SaveEscalation(ctx, esc); err != nil {
		t.Fatalf("Failed to save escalation: %v", err)
	}

	if err := st.ClaimEscalation(ctx, esc.ID, now); err != nil {
		t.Fatalf("Failed to claim escalation: %v", err)
	}

	got, err := st.GetEscalation(ctx, esc.ID)
	if err != nil {
		t.Fatalf("Failed to get escalation: %v", err)
	}
	if got.Status != models.EscalationDispatching {
		t.Errorf("Expected dispatching, got %s", got.Status)
	}

	// A second claim loses the race
	if err := st.ClaimEscalation(ctx, esc.ID, now); err != apperrors.ErrConflict {
		t.Errorf("Expected ErrConflict on double claim, got %v", err)
	}

	// Claimed rows drop out of the due set
	due, err := st.DueEscalations(ctx, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("Failed to list due escalations: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("Claimed escalation must not be due, got %d rows", len(due))
	}

	// The claim holder can still finish the step
	if err := st.CompleteEscalation(ctx, esc.ID); err != nil {
		t.Fatalf("Failed to complete claimed escalation: %v", err)
	}
}

func TestReleaseStuckEscalations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	stale := testEscalation("a1", models.PriorityHigh, now.Add(-time.Hour))
	fresh := testEscalation("a2", models.PriorityHigh, now)
	for _, esc := range []*models.AlertEscalation{stale, fresh} {
		if err := st.SaveEscalation(ctx, esc); err != nil {
			t.Fatalf("Failed to save escalation: %v", err)
		}
	}
	if err := st.ClaimEscalation(ctx, stale.ID, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("Failed to claim escalation: %v", err)
	}
	if err := st.ClaimEscalation(ctx, fresh.ID, now); err != nil {
		t.Fatalf("Failed to claim escalation: %v", err)
	}

	retryAt := now.Add(time.Minute)
	released, err := st.ReleaseStuckEscalations(ctx, now.Add(-5*time.Minute), retryAt)
	if err != nil {
		t.Fatalf("Failed to release stuck escalations: %v", err)
	}
	if released != 1 {
		t.Errorf("Expected 1 released row, got %d", released)
	}

	got, err := st.GetEscalation(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Failed to get escalation: %v", err)
	}
	if got.Status != models.EscalationRetrying {
		t.Errorf("Expected stale claim released to retrying, got %s", got.Status)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(retryAt) {
		t.Errorf("Expected retry at %v, got %v", retryAt, got.NextRetryAt)
	}

	got, err = st.GetEscalation(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("Failed to get escalation: %v", err)
	}
	if got.Status != models.EscalationDispatching {
		t.Errorf("Fresh claim must stay dispatching, got %s", got.Status)
	}
}

func TestCancelEscalationRecordsReason(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	esc := testEscalation("a1", models.PriorityNormal, time.Now())
	if err := st.SaveEscalation(ctx, esc); err != nil {
		t.Fatalf("Failed to save escalation: %v", err)
	}

	if err := st.CancelEscalation(ctx, esc.ID, models.CancelNoLongerValid); err != nil {
		t.Fatalf("Failed to cancel escalation: %v", err)
	}

	got, err := st.GetEscalation(ctx, esc.ID)
	if err != nil {
		t.Fatalf("Failed to get escalation: %v", err)
	}
	if got.Status != models.EscalationCancelled {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}
	if got.CancellationReason != models.CancelNoLongerValid {
		t.Errorf("Expected reason %q, got %q", models.CancelNoLongerValid, got.CancellationReason)
	}
}

// ============================================================================
// Delivery Log Tests
// ============================================================================

func TestDeliveryCountSince(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	recent := models.NewDeliveryLog("esc-1", "user-1", models.ChannelPush, 0, now.Add(-time.Hour))
	recent.Status = models.DeliverySent
	old := models.NewDeliveryLog("esc-1", "user-1", models.ChannelPush, 0, now.Add(-48*time.Hour))
	old.Status = models.DeliverySent
	otherChannel := models.NewDeliveryLog("esc-1", "user-1", models.ChannelEmail, 0, now.Add(-time.Hour))
	otherChannel.Status = models.DeliverySent
	otherUser := models.NewDeliveryLog("esc-2", "user-2", models.ChannelPush, 0, now.Add(-time.Hour))
	otherUser.Status = models.DeliverySent

	for _, l := range []*models.DeliveryLog{recent, old, otherChannel, otherUser} {
		if err := st.SaveDeliveryLog(ctx, l); err != nil {
			t.Fatalf("Failed to save delivery log: %v", err)
		}
	}

	count, err := st.DeliveryCountSince(ctx, "user-1", models.ChannelPush, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("Failed to count deliveries: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 delivery counted, got %d", count)
	}
}

func TestListDeliveryLogs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := models.NewDeliveryLog("esc-1", "user-1", models.ChannelPush, 0, now.Add(-2*time.Minute))
	second := models.NewDeliveryLog("esc-1", "user-1", models.ChannelSMS, 1, now.Add(-time.Minute))
	unrelated := models.NewDeliveryLog("esc-2", "user-1", models.ChannelPush, 0, now)

	for _, l := range []*models.DeliveryLog{first, second, unrelated} {
		if err := st.SaveDeliveryLog(ctx, l); err != nil {
			t.Fatalf("Failed to save delivery log: %v", err)
		}
	}

	logs, err := st.ListDeliveryLogs(ctx, "esc-1")
	if err != nil {
		t.Fatalf("Failed to list delivery logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("Expected 2 logs, got %d", len(logs))
	}
}

// ============================================================================
// Purchase Queue Tests
// ============================================================================

func TestEligibleQueueEntriesOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	low := testEntry("ticket-1", models.QueueLow, now.Add(-time.Minute))
	critical := testEntry("ticket-2", models.QueueCritical, now.Add(-time.Minute))
	medium := testEntry("ticket-3", models.QueueMedium, now.Add(-time.Minute))

	for _, e := range []*models.PurchaseQueueEntry{low, critical, medium} {
		if err := st.SaveQueueEntry(ctx, e); err != nil {
			t.Fatalf("Failed to save queue entry: %v", err)
		}
	}

	eligible, err := st.EligibleQueueEntries(ctx, now, 10)
	if err != nil {
		t.Fatalf("Failed to list eligible entries: %v", err)
	}
	if len(eligible) != 3 {
		t.Fatalf("Expected 3 eligible entries, got %d", len(eligible))
	}
	if eligible[0].ID != critical.ID || eligible[1].ID != medium.ID || eligible[2].ID != low.ID {
		t.Errorf("Unexpected dequeue order: %s, %s, %s",
			eligible[0].Priority, eligible[1].Priority, eligible[2].Priority)
	}
}

func TestEligibleQueueEntriesExclusions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)

	eligible := testEntry("ticket-1", models.QueueMedium, past)

	notDue := testEntry("ticket-2", models.QueueMedium, now.Add(time.Hour))

	expired := testEntry("ticket-3", models.QueueMedium, past)
	exp := now.Add(-time.Second)
	expired.ExpiresAt = &exp

	flagged := testEntry("ticket-4", models.QueueMedium, past)
	flagged.CancelRequested = true

	inFlight := testEntry("ticket-5", models.QueueMedium, past)
	inFlight.Status = models.QueueStatusProcessing
	sameTicket := testEntry("ticket-5", models.QueueCritical, past)

	for _, e := range []*models.PurchaseQueueEntry{eligible, notDue, expired, flagged, inFlight, sameTicket} {
		if err := st.SaveQueueEntry(ctx, e); err != nil {
			t.Fatalf("Failed to save queue entry: %v", err)
		}
	}

	got, err := st.EligibleQueueEntries(ctx, now, 10)
	if err != nil {
		t.Fatalf("Failed to list eligible entries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected only 1 eligible entry, got %d", len(got))
	}
	if got[0].ID != eligible.ID {
		t.Errorf("Expected entry %s, got %s", eligible.ID, got[0].ID)
	}
}

func TestClaimQueueEntry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := testEntry("ticket-1", models.QueueMedium, now)
	if err := st.SaveQueueEntry(ctx, entry); err != nil {
		t.Fatalf("Failed to save queue entry: %v", err)
	}

	if err := st.ClaimQueueEntry(ctx, entry.ID); err != nil {
		t.Fatalf("Failed to claim entry: %v", err)
	}

	// Double-claim loses
	if err := st.ClaimQueueEntry(ctx, entry.ID); err != apperrors.ErrConflict {
		t.Errorf("Expected ErrConflict on double claim, got %v", err)
	}

	// Another entry for the same ticket cannot be claimed while one is in flight
	rival := testEntry("ticket-1", models.QueueCritical, now)
	if err := st.SaveQueueEntry(ctx, rival); err != nil {
		t.Fatalf("Failed to save rival entry: %v", err)
	}
	if err := st.ClaimQueueEntry(ctx, rival.ID); err != apperrors.ErrConflict {
		t.Errorf("Expected ErrConflict for same-ticket claim, got %v", err)
	}

	// Releasing the first entry frees the ticket
	if err := st.ReleaseQueueEntry(ctx, entry.ID, models.QueueStatusFailed, models.ReasonSoldOut, now); err != nil {
		t.Fatalf("Failed to release entry: %v", err)
	}
	if err := st.ClaimQueueEntry(ctx, rival.ID); err != nil {
		t.Errorf("Expected rival claim to succeed after release: %v", err)
	}
}

func TestReleaseQueueEntryStatuses(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := testEntry("ticket-1", models.QueueMedium, now)
	if err := st.SaveQueueEntry(ctx, entry); err != nil {
		t.Fatalf("Failed to save queue entry: %v", err)
	}

	// Releasing a queued entry conflicts; only processing entries release
	if err := st.ReleaseQueueEntry(ctx, entry.ID, models.QueueStatusCompleted, "", now); err != apperrors.ErrConflict {
		t.Errorf("Expected ErrConflict releasing queued entry, got %v", err)
	}

	if err := st.ClaimQueueEntry(ctx, entry.ID); err != nil {
		t.Fatalf("Failed to claim entry: %v", err)
	}
	if err := st.ReleaseQueueEntry(ctx, entry.ID, models.QueueStatusCompleted, "", now); err != nil {
		t.Fatalf("Failed to release entry: %v", err)
	}

	got, err := st.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	if got.Status != models.QueueStatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("Expected completion time to be set")
	}
}

func TestRequeueEntry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := testEntry("ticket-1", models.QueueMedium, now)
	if err := st.SaveQueueEntry(ctx, entry); err != nil {
		t.Fatalf("Failed to save queue entry: %v", err)
	}
	if err := st.ClaimQueueEntry(ctx, entry.ID); err != nil {
		t.Fatalf("Failed to claim entry: %v", err)
	}

	next := now.Add(time.Minute)
	if err := st.RequeueEntry(ctx, entry.ID, next); err != nil {
		t.Fatalf("Failed to requeue entry: %v", err)
	}

	got, err := st.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	if got.Status != models.QueueStatusQueued {
		t.Errorf("Expected queued after requeue, got %s", got.Status)
	}
	if !got.ScheduledFor.After(now) {
		t.Errorf("Expected scheduled time pushed forward, got %v", got.ScheduledFor)
	}
	if got.TransactionID != entry.TransactionID {
		t.Errorf("Requeue must not change the idempotency token")
	}
}

func TestSweepExpiredEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	stale := testEntry("ticket-1", models.QueueMedium, past)
	stale.ExpiresAt = &past
	fresh := testEntry("ticket-2", models.QueueMedium, past)
	fresh.ExpiresAt = &future

	for _, e := range []*models.PurchaseQueueEntry{stale, fresh} {
		if err := st.SaveQueueEntry(ctx, e); err != nil {
			t.Fatalf("Failed to save queue entry: %v", err)
		}
	}

	swept, err := st.SweepExpiredEntries(ctx, now)
	if err != nil {
		t.Fatalf("Failed to sweep entries: %v", err)
	}
	if swept != 1 {
		t.Errorf("Expected 1 entry swept, got %d", swept)
	}

	got, err := st.GetQueueEntry(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	if got.Status != models.QueueStatusCancelled {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}
	if got.CancellationReason != models.CancelReasonExpired {
		t.Errorf("Expected reason %q, got %q", models.CancelReasonExpired, got.CancellationReason)
	}
}

func TestRequestCancel(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := testEntry("ticket-1", models.QueueMedium, now)
	if err := st.SaveQueueEntry(ctx, entry); err != nil {
		t.Fatalf("Failed to save queue entry: %v", err)
	}

	// Only processing entries take a cancel flag
	if err := st.RequestCancel(ctx, entry.ID); err != apperrors.ErrConflict {
		t.Errorf("Expected ErrConflict for queued entry, got %v", err)
	}

	if err := st.ClaimQueueEntry(ctx, entry.ID); err != nil {
		t.Fatalf("Failed to claim entry: %v", err)
	}
	if err := st.RequestCancel(ctx, entry.ID); err != nil {
		t.Fatalf("Failed to request cancel: %v", err)
	}

	got, err := st.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	if !got.CancelRequested {
		t.Error("Expected cancel flag to be set")
	}
}

// ============================================================================
// Purchase Attempt Tests
// ============================================================================

func TestAttemptLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := testEntry("ticket-1", models.QueueMedium, now)
	if err := st.SaveQueueEntry(ctx, entry); err != nil {
		t.Fatalf("Failed to save queue entry: %v", err)
	}

	attempt := models.NewAttempt(entry, 0, now)
	if err := st.SaveAttempt(ctx, attempt); err != nil {
		t.Fatalf("Failed to save attempt: %v", err)
	}
	if err := st.StartAttempt(ctx, attempt.ID, now); err != nil {
		t.Fatalf("Failed to start attempt: %v", err)
	}

	attempt.Status = models.AttemptSuccess
	attempt.Confirmation = "CONF-123"
	attempt.FinalPrice = 118.50
	attempt.Fees = 12.75
	done := now.Add(2 * time.Second)
	attempt.CompletedAt = &done
	if err := st.FinishAttempt(ctx, attempt); err != nil {
		t.Fatalf("Failed to finish attempt: %v", err)
	}

	got, err := st.GetAttempt(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("Failed to get attempt: %v", err)
	}
	if got.Status != models.AttemptSuccess || got.Confirmation != "CONF-123" {
		t.Errorf("Attempt outcome mismatch: %+v", got)
	}
	if got.FinalPrice != 118.50 || got.Fees != 12.75 {
		t.Errorf("Attempt pricing mismatch: %.2f/%.2f", got.FinalPrice, got.Fees)
	}
	if got.TransactionID != entry.TransactionID {
		t.Errorf("Attempt must carry the entry's idempotency token")
	}

	// Finished attempts reject further writes
	attempt.Status = models.AttemptFailed
	if err := st.FinishAttempt(ctx, attempt); err != apperrors.ErrConflict {
		t.Errorf("Expected ErrConflict finishing terminal attempt, got %v", err)
	}
}

func TestSuccessfulAttemptByToken(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := testEntry("ticket-1", models.QueueMedium, now)
	if err := st.SaveQueueEntry(ctx, entry); err != nil {
		t.Fatalf("Failed to save queue entry: %v", err)
	}

	got, err := st.SuccessfulAttemptByToken(ctx, entry.TransactionID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("Expected no attempt for fresh token, got %+v", got)
	}

	failed := models.NewAttempt(entry, 0, now)
	failed.Status = models.AttemptFailed
	if err := st.SaveAttempt(ctx, failed); err != nil {
		t.Fatalf("Failed to save attempt: %v", err)
	}

	got, err = st.SuccessfulAttemptByToken(ctx, entry.TransactionID)
	if err != nil || got != nil {
		t.Fatalf("Failed attempt must not satisfy the token lookup: %v, %+v", err, got)
	}

	success := models.NewAttempt(entry, 1, now)
	success.Status = models.AttemptSuccess
	success.Confirmation = "CONF-456"
	if err := st.SaveAttempt(ctx, success); err != nil {
		t.Fatalf("Failed to save attempt: %v", err)
	}

	got, err = st.SuccessfulAttemptByToken(ctx, entry.TransactionID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got == nil || got.ID != success.ID {
		t.Errorf("Expected successful attempt %s, got %+v", success.ID, got)
	}
}

func TestStaleAttempts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := testEntry("ticket-1", models.QueueMedium, now)
	if err := st.SaveQueueEntry(ctx, entry); err != nil {
		t.Fatalf("Failed to save queue entry: %v", err)
	}

	stuck := models.NewAttempt(entry, 0, now.Add(-time.Hour))
	if err := st.SaveAttempt(ctx, stuck); err != nil {
		t.Fatalf("Failed to save attempt: %v", err)
	}
	if err := st.StartAttempt(ctx, stuck.ID, now.Add(-time.Hour)); err != nil {
		t.Fatalf("Failed to start attempt: %v", err)
	}

	recent := models.NewAttempt(entry, 1, now)
	if err := st.SaveAttempt(ctx, recent); err != nil {
		t.Fatalf("Failed to save attempt: %v", err)
	}
	if err := st.StartAttempt(ctx, recent.ID, now); err != nil {
		t.Fatalf("Failed to start attempt: %v", err)
	}

	stale, err := st.StaleAttempts(ctx, now.Add(-5*time.Minute), 10)
	if err != nil {
		t.Fatalf("Failed to list stale attempts: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("Expected 1 stale attempt, got %d", len(stale))
	}
	if stale[0].ID != stuck.ID {
		t.Errorf("Expected stuck attempt %s, got %s", stuck.ID, stale[0].ID)
	}
}

func TestPlatformStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := testEntry("ticket-1", models.QueueMedium, now)
	if err := st.SaveQueueEntry(ctx, entry); err != nil {
		t.Fatalf("Failed to save queue entry: %v", err)
	}

	success := models.NewAttempt(entry, 0, now)
	success.Status = models.AttemptSuccess
	success.FinalPrice = 100.0
	failed := models.NewAttempt(entry, 1, now)
	failed.Status = models.AttemptFailed
	failed.FailureReason = models.ReasonSoldOut

	for _, a := range []*models.PurchaseAttempt{success, failed} {
		if err := st.SaveAttempt(ctx, a); err != nil {
			t.Fatalf("Failed to save attempt: %v", err)
		}
	}

	stats, err := st.PlatformStats(ctx)
	if err != nil {
		t.Fatalf("Failed to compute stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("Expected stats for 1 platform, got %d", len(stats))
	}
	s := stats[0]
	if s.Platform != "stubhub" || s.Attempts != 2 || s.Successes != 1 || s.Failures != 1 {
		t.Errorf("Stats mismatch: %+v", s)
	}
	if s.SuccessRate != 0.5 {
		t.Errorf("Expected success rate 0.5, got %f", s.SuccessRate)
	}
	if s.TotalSpent != 100.0 {
		t.Errorf("Expected total spent 100.0, got %f", s.TotalSpent)
	}
}
