package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "ticketwatch/internal/errors"
	"ticketwatch/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", apperrors.ErrDatabaseError, dbPath, err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing schema: %v", apperrors.ErrDatabaseError, err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Observations table for ticket price/availability snapshots
	CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		section TEXT,
		row_label TEXT,
		observed_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Alerts table for user-defined matching rules
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		ticket_id TEXT NOT NULL,
		min_price REAL,
		max_price REAL,
		min_quantity INTEGER DEFAULT 0,
		sections TEXT,
		platforms TEXT,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		auto_purchase INTEGER DEFAULT 0,
		cooldown INTEGER DEFAULT 0,
		trigger_count INTEGER DEFAULT 0,
		max_triggers INTEGER DEFAULT 0,
		expires_at DATETIME,
		last_checked_at DATETIME,
		last_triggered_at DATETIME,
		acknowledged_at DATETIME,
		created_at DATETIME NOT NULL
	);

	-- Escalations table, one row per alert trigger occurrence
	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		ticket_id TEXT NOT NULL,
		priority INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		score REAL DEFAULT 0,
		trigger_reason TEXT,
		scheduled_at DATETIME NOT NULL,
		attempts INTEGER DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		status TEXT NOT NULL,
		next_retry_at DATETIME,
		last_attempt_at DATETIME,
		cancellation_reason TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (alert_id) REFERENCES alerts(id)
	);

	-- Delivery logs table, append-only audit of channel sends
	CREATE TABLE IF NOT EXISTS delivery_logs (
		id TEXT PRIMARY KEY,
		escalation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER DEFAULT 0,
		next_retry_at DATETIME,
		error TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (escalation_id) REFERENCES escalations(id)
	);

	-- Purchase queue table for pending purchase intents
	CREATE TABLE IF NOT EXISTS purchase_queue (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		alert_id TEXT,
		platform TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		max_price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		scheduled_for DATETIME NOT NULL,
		expires_at DATETIME,
		transaction_id TEXT NOT NULL,
		cancel_requested INTEGER DEFAULT 0,
		cancellation_reason TEXT,
		failure_reason TEXT,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	-- Purchase attempts table, one row per execution of a queue entry
	CREATE TABLE IF NOT EXISTS purchase_attempts (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL,
		ticket_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		status TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		price REAL NOT NULL,
		quantity INTEGER NOT NULL,
		retry_count INTEGER DEFAULT 0,
		next_retry_at DATETIME,
		failure_reason TEXT,
		confirmation TEXT,
		final_price REAL DEFAULT 0,
		fees REAL DEFAULT 0,
		started_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (entry_id) REFERENCES purchase_queue(id)
	);

	-- Create indexes for performance
	CREATE INDEX IF NOT EXISTS idx_observations_ticket ON observations(ticket_id, observed_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_ticket ON alerts(ticket_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
	CREATE INDEX IF NOT EXISTS idx_escalations_due ON escalations(status, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_escalations_retry ON escalations(status, next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_escalations_alert ON escalations(alert_id);
	CREATE INDEX IF NOT EXISTS idx_delivery_escalation ON delivery_logs(escalation_id);
	CREATE INDEX IF NOT EXISTS idx_delivery_user_channel ON delivery_logs(user_id, channel, created_at);
	CREATE INDEX IF NOT EXISTS idx_queue_dequeue ON purchase_queue(status, priority, scheduled_for);
	CREATE INDEX IF NOT EXISTS idx_queue_ticket ON purchase_queue(ticket_id, status);
	CREATE INDEX IF NOT EXISTS idx_attempts_entry ON purchase_attempts(entry_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_token ON purchase_attempts(transaction_id, status);
	CREATE INDEX IF NOT EXISTS idx_attempts_stale ON purchase_attempts(status, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// requireRow converts a zero-rows-affected update into notFound, used by
// the conditional status transition methods so a lost race surfaces as
// ErrConflict instead of silently succeeding.
func requireRow(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

// ============================================================================
// Observation Methods
// ============================================================================

// SaveObservation records a ticket snapshot. Observations are append-only.
func (s *SQLiteStore) SaveObservation(ctx context.Context, obs models.TicketObservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (id, ticket_id, platform, price, quantity, section, row_label, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, obs.ID, obs.TicketID, obs.Platform, obs.Price, obs.Quantity, obs.Section, obs.Row, obs.ObservedAt)
	if err != nil {
		return fmt.Errorf("failed to save observation: %w", err)
	}
	return nil
}

// ListObservations returns the most recent observations for a ticket,
// newest first.
func (s *SQLiteStore) ListObservations(ctx context.Context, ticketID string, limit int) ([]models.TicketObservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, platform, price, quantity, section, row_label, observed_at
		FROM observations
		WHERE ticket_id = ?
		ORDER BY observed_at DESC
		LIMIT ?
	`, ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	var obs []models.TicketObservation
	for rows.Next() {
		var o models.TicketObservation
		if err := rows.Scan(&o.ID, &o.TicketID, &o.Platform, &o.Price, &o.Quantity, &o.Section, &o.Row, &o.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		obs = append(obs, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}

	return obs, nil
}

// ============================================================================
// Alert Methods
// ============================================================================

const alertColumns = `id, user_id, ticket_id, min_price, max_price, min_quantity, sections, platforms, status, priority, auto_purchase, cooldown, trigger_count, max_triggers, expires_at, last_checked_at, last_triggered_at, acknowledged_at, created_at`

func scanAlert(scan func(dest ...interface{}) error) (*models.Alert, error) {
	var (
		a                   models.Alert
		minPrice, maxPrice  sql.NullFloat64
		sections, platforms string
		autoPurchase        int
		cooldownNs          int64
		expires, checked    sql.NullTime
		triggered, acked    sql.NullTime
	)
	err := scan(&a.ID, &a.UserID, &a.TicketID, &minPrice, &maxPrice, &a.MinQuantity,
		&sections, &platforms, &a.Status, &a.Priority, &autoPurchase, &cooldownNs,
		&a.TriggerCount, &a.MaxTriggers, &expires, &checked, &triggered, &acked, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.MinPrice = floatPtr(minPrice)
	a.MaxPrice = floatPtr(maxPrice)
	a.AutoPurchase = autoPurchase != 0
	a.Cooldown = time.Duration(cooldownNs)
	a.ExpiresAt = timePtr(expires)
	a.LastCheckedAt = timePtr(checked)
	a.LastTriggeredAt = timePtr(triggered)
	a.AcknowledgedAt = timePtr(acked)
	if sections != "" {
		json.Unmarshal([]byte(sections), &a.Sections)
	}
	if platforms != "" {
		json.Unmarshal([]byte(platforms), &a.Platforms)
	}
	return &a, nil
}

// SaveAlert inserts or replaces an alert.
func (s *SQLiteStore) SaveAlert(ctx context.Context, alert *models.Alert) error {
	sections, _ := json.Marshal(alert.Sections)
	platforms, _ := json.Marshal(alert.Platforms)
	autoPurchase := 0
	if alert.AutoPurchase {
		autoPurchase = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.UserID, alert.TicketID, nullFloat(alert.MinPrice), nullFloat(alert.MaxPrice),
		alert.MinQuantity, string(sections), string(platforms), alert.Status, alert.Priority,
		autoPurchase, alert.Cooldown.Nanoseconds(), alert.TriggerCount, alert.MaxTriggers,
		nullTime(alert.ExpiresAt), nullTime(alert.LastCheckedAt), nullTime(alert.LastTriggeredAt),
		nullTime(alert.AcknowledgedAt), alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// GetAlert retrieves an alert by ID.
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	alert, err := scanAlert(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// ListAlerts retrieves alerts matching the filter.
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE 1=1`
	args := []interface{}{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.TicketID != "" {
		query += " AND ticket_id = ?"
		args = append(args, filter.TicketID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}

	return alerts, nil
}

// AlertsForTicket retrieves the alerts eligible for matching against an
// observation of the given ticket. Triggered alerts are included so their
// cooldown can be evaluated.
func (s *SQLiteStore) AlertsForTicket(ctx context.Context, ticketID string) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE ticket_id = ? AND status IN ('active', 'triggered')
		ORDER BY priority DESC, created_at ASC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts for ticket: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}

	return alerts, nil
}

// TouchAlertChecked records when the alert was last evaluated.
func (s *SQLiteStore) TouchAlertChecked(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET last_checked_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch alert: %w", err)
	}
	return nil
}

// RecordAlertTrigger increments the trigger count and marks the alert
// triggered. Only active or already-triggered alerts can trigger.
func (s *SQLiteStore) RecordAlertTrigger(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET trigger_count = trigger_count + 1, last_triggered_at = ?, status = 'triggered'
		WHERE id = ? AND status IN ('active', 'triggered')
	`, at, id)
	if err != nil {
		return fmt.Errorf("failed to record alert trigger: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// UpdateAlertStatus transitions an alert between statuses. Returns
// ErrConflict if the alert is no longer in the expected status.
func (s *SQLiteStore) UpdateAlertStatus(ctx context.Context, id string, from, to models.AlertStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = ? WHERE id = ? AND status = ?
	`, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// AcknowledgeAlert records that the user saw the alert's current trigger.
// The scheduler cancels any escalation created before this moment.
func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET acknowledged_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return requireRow(res, apperrors.ErrAlertNotFound)
}

// ExpireAlerts marks all alerts past their expiry as expired and returns
// the number of rows swept.
func (s *SQLiteStore) ExpireAlerts(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'expired'
		WHERE status IN ('active', 'triggered') AND expires_at IS NOT NULL AND expires_at <= ?
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire alerts: %w", err)
	}
	return res.RowsAffected()
}

// ============================================================================
// Escalation Methods
// ============================================================================

const escalationColumns = `id, alert_id, user_id, ticket_id, priority, strategy, score, trigger_reason, scheduled_at, attempts, max_attempts, status, next_retry_at, last_attempt_at, cancellation_reason, created_at`

func scanEscalation(scan func(dest ...interface{}) error) (*models.AlertEscalation, error) {
	var (
		e            models.AlertEscalation
		nextRetry    sql.NullTime
		lastAttempt  sql.NullTime
		cancelReason sql.NullString
	)
	err := scan(&e.ID, &e.AlertID, &e.UserID, &e.TicketID, &e.Priority, &e.Strategy,
		&e.Score, &e.TriggerReason, &e.ScheduledAt, &e.Attempts, &e.MaxAttempts,
		&e.Status, &nextRetry, &lastAttempt, &cancelReason, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.NextRetryAt = timePtr(nextRetry)
	e.LastAttemptAt = timePtr(lastAttempt)
	e.CancellationReason = cancelReason.String
	return &e, nil
}

// SaveEscalation inserts or replaces an escalation.
func (s *SQLiteStore) SaveEscalation(ctx context.Context, esc *models.AlertEscalation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO escalations (`+escalationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, esc.ID, esc.AlertID, esc.UserID, esc.TicketID, esc.Priority, esc.Strategy,
		esc.Score, esc.TriggerReason, esc.ScheduledAt, esc.Attempts, esc.MaxAttempts,
		esc.Status, nullTime(esc.NextRetryAt), nullTime(esc.LastAttemptAt), esc.CancellationReason, esc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save escalation: %w", err)
	}
	return nil
}

// GetEscalation retrieves an escalation by ID.
func (s *SQLiteStore) GetEscalation(ctx context.Context, id string) (*models.AlertEscalation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id)
	esc, err := scanEscalation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrEscalationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation: %w", err)
	}
	return esc, nil
}

// ListEscalations retrieves escalations matching the filter.
func (s *SQLiteStore) ListEscalations(ctx context.Context, filter EscalationFilter) ([]models.AlertEscalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations WHERE 1=1`
	args := []interface{}{}

	if filter.AlertID != "" {
		query += " AND alert_id = ?"
		args = append(args, filter.AlertID)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer rows.Close()

	var escs []models.AlertEscalation
	for rows.Next() {
		esc, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		escs = append(escs, *esc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalations: %w", err)
	}

	return escs, nil
}

// DueEscalations retrieves escalations ready to process: scheduled ones
// whose scheduled time has arrived and retrying ones whose retry time has
// arrived. Ordered by priority, then by how long they have waited.
func (s *SQLiteStore) DueEscalations(ctx context.Context, now time.Time, limit int) ([]models.AlertEscalation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escalationColumns+` FROM escalations
		WHERE (status = 'scheduled' AND scheduled_at <= ?)
		   OR (status = 'retrying' AND next_retry_at <= ?)
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT ?
	`, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due escalations: %w", err)
	}
	defer rows.Close()

	var escs []models.AlertEscalation
	for rows.Next() {
		esc, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		escs = append(escs, *esc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalations: %w", err)
	}

	return escs, nil
}

// ClaimEscalation moves a due escalation into dispatching so exactly one
// worker runs the step. Returns ErrConflict when another worker holds the
// claim or the row already moved on.
func (s *SQLiteStore) ClaimEscalation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = 'dispatching', last_attempt_at = ?
		WHERE id = ? AND status IN ('scheduled', 'retrying')
	`, at, id)
	if err != nil {
		return fmt.Errorf("failed to claim escalation: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// ReleaseStuckEscalations puts dispatching rows whose claim is older than
// cutoff back on the retry path, recovering claims lost to a crash
// mid-step. Returns the number of rows released.
func (s *SQLiteStore) ReleaseStuckEscalations(ctx context.Context, cutoff, retryAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = 'retrying', next_retry_at = ?
		WHERE status = 'dispatching' AND last_attempt_at <= ?
	`, retryAt, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stuck escalations: %w", err)
	}
	return res.RowsAffected()
}

// MarkEscalationAttempt records a consumed delivery attempt on a live
// escalation.
func (s *SQLiteStore) MarkEscalationAttempt(ctx context.Context, id string, attempts int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations
		SET attempts = ?, last_attempt_at = ?, next_retry_at = NULL
		WHERE id = ? AND status IN ('scheduled', 'retrying', 'dispatching')
	`, attempts, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark escalation attempt: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// RescheduleEscalation moves a live escalation into retrying with the given
// retry time.
func (s *SQLiteStore) RescheduleEscalation(ctx context.Context, id string, attempts int, nextRetryAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations
		SET status = 'retrying', attempts = ?, next_retry_at = ?
		WHERE id = ? AND status IN ('scheduled', 'retrying', 'dispatching')
	`, attempts, nextRetryAt, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule escalation: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// CompleteEscalation terminates a live escalation as completed.
func (s *SQLiteStore) CompleteEscalation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = 'completed', next_retry_at = NULL
		WHERE id = ? AND status IN ('scheduled', 'retrying', 'dispatching')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to complete escalation: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// FailEscalation terminates a live escalation as failed.
func (s *SQLiteStore) FailEscalation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = 'failed', next_retry_at = NULL
		WHERE id = ? AND status IN ('scheduled', 'retrying', 'dispatching')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to fail escalation: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// CancelEscalation terminates a live escalation as cancelled with a reason.
func (s *SQLiteStore) CancelEscalation(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = 'cancelled', cancellation_reason = ?, next_retry_at = NULL
		WHERE id = ? AND status IN ('scheduled', 'retrying', 'dispatching')
	`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to cancel escalation: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// ============================================================================
// Delivery Log Methods
// ============================================================================

// SaveDeliveryLog appends a delivery audit row.
func (s *SQLiteStore) SaveDeliveryLog(ctx context.Context, log *models.DeliveryLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_logs (id, escalation_id, user_id, channel, status, retry_count, next_retry_at, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.EscalationID, log.UserID, log.Channel, log.Status, log.RetryCount,
		nullTime(log.NextRetryAt), log.Error, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save delivery log: %w", err)
	}
	return nil
}

// ListDeliveryLogs retrieves all delivery rows for an escalation, oldest
// first.
func (s *SQLiteStore) ListDeliveryLogs(ctx context.Context, escalationID string) ([]models.DeliveryLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, escalation_id, user_id, channel, status, retry_count, next_retry_at, error, created_at
		FROM delivery_logs
		WHERE escalation_id = ?
		ORDER BY created_at ASC
	`, escalationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery logs: %w", err)
	}
	defer rows.Close()

	var logs []models.DeliveryLog
	for rows.Next() {
		var (
			l         models.DeliveryLog
			nextRetry sql.NullTime
			errMsg    sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.EscalationID, &l.UserID, &l.Channel, &l.Status,
			&l.RetryCount, &nextRetry, &errMsg, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery log: %w", err)
		}
		l.NextRetryAt = timePtr(nextRetry)
		l.Error = errMsg.String
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery logs: %w", err)
	}

	return logs, nil
}

// DeliveryCountSince counts successful sends for a user on a channel since
// the given time, used for daily rate limiting.
func (s *SQLiteStore) DeliveryCountSince(ctx context.Context, userID string, channel models.ChannelType, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM delivery_logs
		WHERE user_id = ? AND channel = ? AND status IN ('sent', 'delivered') AND created_at >= ?
	`, userID, channel, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return count, nil
}

// ============================================================================
// Purchase Queue Methods
// ============================================================================

const queueColumns = `id, ticket_id, user_id, alert_id, platform, status, priority, max_price, quantity, scheduled_for, expires_at, transaction_id, cancel_requested, cancellation_reason, failure_reason, created_at, completed_at`

func scanQueueEntry(scan func(dest ...interface{}) error) (*models.PurchaseQueueEntry, error) {
	var (
		e               models.PurchaseQueueEntry
		alertID         sql.NullString
		expires         sql.NullTime
		cancelRequested int
		cancelReason    sql.NullString
		failureReason   sql.NullString
		completed       sql.NullTime
	)
	err := scan(&e.ID, &e.TicketID, &e.UserID, &alertID, &e.Platform, &e.Status,
		&e.Priority, &e.MaxPrice, &e.Quantity, &e.ScheduledFor, &expires,
		&e.TransactionID, &cancelRequested, &cancelReason, &failureReason,
		&e.CreatedAt, &completed)
	if err != nil {
		return nil, err
	}
	e.AlertID = alertID.String
	e.ExpiresAt = timePtr(expires)
	e.CancelRequested = cancelRequested != 0
	e.CancellationReason = cancelReason.String
	e.FailureReason = failureReason.String
	e.CompletedAt = timePtr(completed)
	return &e, nil
}

// SaveQueueEntry inserts or replaces a purchase queue entry.
func (s *SQLiteStore) SaveQueueEntry(ctx context.Context, entry *models.PurchaseQueueEntry) error {
	cancelRequested := 0
	if entry.CancelRequested {
		cancelRequested = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO purchase_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.TicketID, entry.UserID, entry.AlertID, entry.Platform, entry.Status,
		entry.Priority, entry.MaxPrice, entry.Quantity, entry.ScheduledFor, nullTime(entry.ExpiresAt),
		entry.TransactionID, cancelRequested, entry.CancellationReason, entry.FailureReason,
		entry.CreatedAt, nullTime(entry.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save queue entry: %w", err)
	}
	return nil
}

// GetQueueEntry retrieves a queue entry by ID.
func (s *SQLiteStore) GetQueueEntry(ctx context.Context, id string) (*models.PurchaseQueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM purchase_queue WHERE id = ?`, id)
	entry, err := scanQueueEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return entry, nil
}

// ListQueueEntries retrieves queue entries matching the filter.
func (s *SQLiteStore) ListQueueEntries(ctx context.Context, filter QueueFilter) ([]models.PurchaseQueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM purchase_queue WHERE 1=1`
	args := []interface{}{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.TicketID != "" {
		query += " AND ticket_id = ?"
		args = append(args, filter.TicketID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY priority DESC, scheduled_for ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entries: %w", err)
	}
	defer rows.Close()

	var entries []models.PurchaseQueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}

	return entries, nil
}

// EligibleQueueEntries retrieves queued entries ready to dequeue: scheduled
// time arrived, not expired, and no other entry for the same ticket is
// currently processing. Highest priority first, FIFO within a priority.
func (s *SQLiteStore) EligibleQueueEntries(ctx context.Context, now time.Time, limit int) ([]models.PurchaseQueueEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM purchase_queue
		WHERE status = 'queued'
		  AND cancel_requested = 0
		  AND scheduled_for <= ?
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND ticket_id NOT IN (SELECT ticket_id FROM purchase_queue WHERE status = 'processing')
		ORDER BY priority DESC, scheduled_for ASC, created_at ASC
		LIMIT ?
	`, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible entries: %w", err)
	}
	defer rows.Close()

	var entries []models.PurchaseQueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}

	return entries, nil
}

// ClaimQueueEntry atomically moves a queued entry to processing. The claim
// fails with ErrConflict if the entry was taken by another worker or if a
// purchase for the same ticket is already in flight.
func (s *SQLiteStore) ClaimQueueEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_queue SET status = 'processing'
		WHERE id = ? AND status = 'queued'
		  AND ticket_id NOT IN (SELECT ticket_id FROM purchase_queue WHERE status = 'processing')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to claim queue entry: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// ReleaseQueueEntry moves a processing entry to a terminal status.
func (s *SQLiteStore) ReleaseQueueEntry(ctx context.Context, id string, to models.QueueStatus, reason string, at time.Time) error {
	var res sql.Result
	var err error
	switch to {
	case models.QueueStatusCompleted:
		res, err = s.db.ExecContext(ctx, `
			UPDATE purchase_queue SET status = 'completed', completed_at = ?
			WHERE id = ? AND status = 'processing'
		`, at, id)
	case models.QueueStatusFailed:
		res, err = s.db.ExecContext(ctx, `
			UPDATE purchase_queue SET status = 'failed', failure_reason = ?, completed_at = ?
			WHERE id = ? AND status = 'processing'
		`, reason, at, id)
	case models.QueueStatusCancelled:
		res, err = s.db.ExecContext(ctx, `
			UPDATE purchase_queue SET status = 'cancelled', cancellation_reason = ?, completed_at = ?
			WHERE id = ? AND status = 'processing'
		`, reason, at, id)
	default:
		return fmt.Errorf("invalid release status: %s", to)
	}
	if err != nil {
		return fmt.Errorf("failed to release queue entry: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// RequeueEntry puts a processing entry back in the queue for a later retry.
func (s *SQLiteStore) RequeueEntry(ctx context.Context, id string, scheduledFor time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_queue SET status = 'queued', scheduled_for = ?
		WHERE id = ? AND status = 'processing'
	`, scheduledFor, id)
	if err != nil {
		return fmt.Errorf("failed to requeue entry: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// RequestCancel flags a processing entry for cancellation. The orchestrator
// honors the flag at its next checkpoint.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_queue SET cancel_requested = 1
		WHERE id = ? AND status = 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// CancelQueueEntry cancels a queued entry immediately.
func (s *SQLiteStore) CancelQueueEntry(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_queue SET status = 'cancelled', cancellation_reason = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'queued'
	`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to cancel queue entry: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// SweepExpiredEntries cancels queued entries past their expiry and returns
// the number of rows swept.
func (s *SQLiteStore) SweepExpiredEntries(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_queue SET status = 'cancelled', cancellation_reason = ?, completed_at = ?
		WHERE status = 'queued' AND expires_at IS NOT NULL AND expires_at <= ?
	`, models.CancelReasonExpired, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired entries: %w", err)
	}
	return res.RowsAffected()
}

// ============================================================================
// Purchase Attempt Methods
// ============================================================================

const attemptColumns = `id, entry_id, ticket_id, platform, status, transaction_id, price, quantity, retry_count, next_retry_at, failure_reason, confirmation, final_price, fees, started_at, completed_at, created_at`

func scanAttempt(scan func(dest ...interface{}) error) (*models.PurchaseAttempt, error) {
	var (
		a             models.PurchaseAttempt
		nextRetry     sql.NullTime
		failureReason sql.NullString
		confirmation  sql.NullString
		started       sql.NullTime
		completed     sql.NullTime
	)
	err := scan(&a.ID, &a.EntryID, &a.TicketID, &a.Platform, &a.Status, &a.TransactionID,
		&a.Price, &a.Quantity, &a.RetryCount, &nextRetry, &failureReason, &confirmation,
		&a.FinalPrice, &a.Fees, &started, &completed, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.NextRetryAt = timePtr(nextRetry)
	a.FailureReason = failureReason.String
	a.Confirmation = confirmation.String
	a.StartedAt = timePtr(started)
	a.CompletedAt = timePtr(completed)
	return &a, nil
}

// SaveAttempt inserts or replaces a purchase attempt.
func (s *SQLiteStore) SaveAttempt(ctx context.Context, attempt *models.PurchaseAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO purchase_attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, attempt.ID, attempt.EntryID, attempt.TicketID, attempt.Platform, attempt.Status,
		attempt.TransactionID, attempt.Price, attempt.Quantity, attempt.RetryCount,
		nullTime(attempt.NextRetryAt), attempt.FailureReason, attempt.Confirmation,
		attempt.FinalPrice, attempt.Fees, nullTime(attempt.StartedAt), nullTime(attempt.CompletedAt), attempt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	return nil
}

// GetAttempt retrieves a purchase attempt by ID.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*models.PurchaseAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM purchase_attempts WHERE id = ?`, id)
	attempt, err := scanAttempt(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return attempt, nil
}

// ListAttempts retrieves all attempts for a queue entry, oldest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, entryID string) ([]models.PurchaseAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM purchase_attempts
		WHERE entry_id = ?
		ORDER BY created_at ASC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.PurchaseAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, *attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return attempts, nil
}

// StartAttempt moves a pending attempt to in_progress.
func (s *SQLiteStore) StartAttempt(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_attempts SET status = 'in_progress', started_at = ?
		WHERE id = ? AND status = 'pending'
	`, at, id)
	if err != nil {
		return fmt.Errorf("failed to start attempt: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// FinishAttempt writes the terminal outcome of an attempt. The attempt must
// still be pending or in progress.
func (s *SQLiteStore) FinishAttempt(ctx context.Context, attempt *models.PurchaseAttempt) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_attempts
		SET status = ?, failure_reason = ?, confirmation = ?, final_price = ?, fees = ?, next_retry_at = ?, completed_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`, attempt.Status, attempt.FailureReason, attempt.Confirmation, attempt.FinalPrice,
		attempt.Fees, nullTime(attempt.NextRetryAt), nullTime(attempt.CompletedAt), attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to finish attempt: %w", err)
	}
	return requireRow(res, apperrors.ErrConflict)
}

// SuccessfulAttemptByToken looks up a prior successful attempt carrying the
// given idempotency token. Returns nil when none exists.
func (s *SQLiteStore) SuccessfulAttemptByToken(ctx context.Context, token string) (*models.PurchaseAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+` FROM purchase_attempts
		WHERE transaction_id = ? AND status = 'success'
		LIMIT 1
	`, token)
	attempt, err := scanAttempt(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt by token: %w", err)
	}
	return attempt, nil
}

// StaleAttempts retrieves in-progress attempts that started before the
// cutoff, candidates for the stuck-attempt reaper.
func (s *SQLiteStore) StaleAttempts(ctx context.Context, cutoff time.Time, limit int) ([]models.PurchaseAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM purchase_attempts
		WHERE status = 'in_progress' AND started_at IS NOT NULL AND started_at <= ?
		ORDER BY started_at ASC
		LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.PurchaseAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, *attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return attempts, nil
}

// PlatformStats aggregates attempt outcomes per platform.
func (s *SQLiteStore) PlatformStats(ctx context.Context) ([]PlatformStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform,
		       COUNT(*) AS attempts,
		       SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) AS successes,
		       SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failures,
		       COALESCE(SUM(CASE WHEN status = 'success' THEN final_price ELSE 0 END), 0) AS total_spent
		FROM purchase_attempts
		GROUP BY platform
		ORDER BY platform ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query platform stats: %w", err)
	}
	defer rows.Close()

	var stats []PlatformStats
	for rows.Next() {
		var st PlatformStats
		if err := rows.Scan(&st.Platform, &st.Attempts, &st.Successes, &st.Failures, &st.TotalSpent); err != nil {
			return nil, fmt.Errorf("failed to scan platform stats: %w", err)
		}
		if st.Attempts > 0 {
			st.SuccessRate = float64(st.Successes) / float64(st.Attempts)
		}
		stats = append(stats, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating platform stats: %w", err)
	}

	return stats, nil
}
