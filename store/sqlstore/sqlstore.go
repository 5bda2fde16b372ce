/*
Package sqlstore provides a SQL-backed implementation of analytics.Store.

PURPOSE:
  Persists the engine's own tables (snapshots, alerts, alert audit, context
  events) next to the ledger, roster and pay configuration it reads. The same
  code runs on SQLite and PostgreSQL; sqlx rebinds `?` placeholders for the
  driver in use.

INTERFACES IMPLEMENTED:
  analytics.Store:        everything the engine reads and writes
  analytics.LedgerWriter: host-side writes used by scenarios and tests

CONCURRENCY:
  No process-level locks. Uniqueness is enforced by the database:
  - analytics_snapshots UNIQUE (tenant_key, window_type, window_start, window_end);
    the upsert only replaces a row while is_complete is false
  - idx_alerts_one_active: partial unique index on (tenant_key, kind) WHERE is_active
  A write that loses either race affects zero rows and is reported as
  ErrDuplicateSnapshot / ErrDuplicateActiveAlert.

TIMESTAMPS:
  Stored as fixed-width UTC text (microsecond precision) so lexical order is
  chronological order in both dialects.

USAGE:
  store, err := sqlstore.Open("sqlite3", "./data/economy.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := analytics.NewEngine(store, logger)

SEE ALSO:
  - analytics/store.go: interface definitions and uniqueness contract
  - analytics/store/memory.go: in-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/economy-analytics/analytics"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements analytics.Store on a SQL database.
type Store struct {
	db *sqlx.DB
}

// Open connects to driver ("sqlite3" or "postgres") and migrates the schema.
// Use ":memory:" with sqlite3 for an in-memory database.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite3":
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" && strings.HasPrefix(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open connection and migrates the schema.
func New(db *sqlx.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Read-only collaborators (owned by the host application)
	CREATE TABLE IF NOT EXISTS tenants (
		join_code TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		join_code TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		PRIMARY KEY (join_code, subject_id)
	);

	-- join_code is NULL for rows written before tenant keys existed
	CREATE TABLE IF NOT EXISTS ledger_events (
		id TEXT PRIMARY KEY,
		join_code TEXT,
		owner_id TEXT,
		subject_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		account TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		description TEXT,
		is_void BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_tenant_time
		ON ledger_events(join_code, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_bucket
		ON ledger_events(account, join_code);

	CREATE TABLE IF NOT EXISTS presence_events (
		id TEXT PRIMARY KEY,
		join_code TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		status TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_presence_tenant_time
		ON presence_events(join_code, occurred_at);

	-- join_code '' is the owner's global row
	CREATE TABLE IF NOT EXISTS baseline_configs (
		owner_id TEXT NOT NULL,
		join_code TEXT NOT NULL DEFAULT '',
		rate_per_minute TEXT NOT NULL,
		expected_weekly_hours TEXT NOT NULL,
		PRIMARY KEY (owner_id, join_code)
	);

	-- Snapshots: one row per (tenant, window type, start, end)
	CREATE TABLE IF NOT EXISTS analytics_snapshots (
		id TEXT PRIMARY KEY,
		tenant_key TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		window_type TEXT NOT NULL,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		participation_rate DOUBLE PRECISION NOT NULL,
		money_velocity DOUBLE PRECISION NOT NULL,
		within_band_pct DOUBLE PRECISION NOT NULL,
		solvency_pass_rate DOUBLE PRECISION NOT NULL,
		baseline DOUBLE PRECISION NOT NULL,
		average_balance DOUBLE PRECISION NOT NULL,
		balance_trend TEXT NOT NULL,
		velocity_trend TEXT NOT NULL,
		participation_trend TEXT NOT NULL,
		enrolled_count INTEGER NOT NULL,
		active_count INTEGER NOT NULL,
		transaction_count INTEGER NOT NULL,
		is_complete BOOLEAN NOT NULL,
		computed_at TEXT NOT NULL,
		UNIQUE (tenant_key, window_type, window_start, window_end)
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_previous
		ON analytics_snapshots(tenant_key, window_type, window_start);

	-- Alerts: at most one active row per (tenant, kind)
	CREATE TABLE IF NOT EXISTS economy_alerts (
		id TEXT PRIMARY KEY,
		tenant_key TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		what_changed TEXT NOT NULL,
		why_it_matters TEXT NOT NULL,
		suggested_action TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		current_value DOUBLE PRECISION NOT NULL,
		threshold_value DOUBLE PRECISION NOT NULL,
		triggered_at TEXT NOT NULL,
		acknowledged_at TEXT,
		resolved_at TEXT,
		is_active BOOLEAN NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_active
		ON economy_alerts(tenant_key, kind) WHERE is_active;

	CREATE TABLE IF NOT EXISTS alert_audit (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		tenant_key TEXT NOT NULL,
		action TEXT NOT NULL,
		at TEXT NOT NULL,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alert_audit_alert
		ON alert_audit(alert_id, seq);

	CREATE TABLE IF NOT EXISTS context_events (
		id TEXT PRIMARY KEY,
		tenant_key TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		description TEXT NOT NULL,
		old_value DOUBLE PRECISION,
		new_value DOUBLE PRECISION,
		created_by_admin BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_context_events_tenant_time
		ON context_events(tenant_key, occurred_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ROSTER & LEDGER (read side)
// =============================================================================

type ledgerRow struct {
	ID          string          `db:"id"`
	JoinCode    sql.NullString  `db:"join_code"`
	OwnerID     sql.NullString  `db:"owner_id"`
	SubjectID   string          `db:"subject_id"`
	Amount      decimal.Decimal `db:"amount"`
	Account     string          `db:"account"`
	OccurredAt  string          `db:"occurred_at"`
	Description sql.NullString  `db:"description"`
	IsVoid      bool            `db:"is_void"`
}

func (r ledgerRow) event() analytics.LedgerEvent {
	return analytics.LedgerEvent{
		ID:          r.ID,
		TenantKey:   analytics.TenantKey(r.JoinCode.String),
		OwnerID:     analytics.OwnerID(r.OwnerID.String),
		SubjectID:   analytics.SubjectID(r.SubjectID),
		Amount:      r.Amount,
		Account:     analytics.Account(r.Account),
		Timestamp:   parseTime(r.OccurredAt),
		Description: r.Description.String,
		Void:        r.IsVoid,
	}
}

type presenceRow struct {
	ID         string `db:"id"`
	JoinCode   string `db:"join_code"`
	SubjectID  string `db:"subject_id"`
	Status     string `db:"status"`
	OccurredAt string `db:"occurred_at"`
	IsDeleted  bool   `db:"is_deleted"`
}

const ledgerColumns = `id, join_code, owner_id, subject_id, amount, account, occurred_at, description, is_void`

func (s *Store) EnrolledSubjects(ctx context.Context, tenant analytics.TenantKey) ([]analytics.SubjectID, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(
		`SELECT subject_id FROM enrollments WHERE join_code = ? ORDER BY subject_id`), tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	out := make([]analytics.SubjectID, len(ids))
	for i, id := range ids {
		out[i] = analytics.SubjectID(id)
	}
	return out, nil
}

func (s *Store) Tenants(ctx context.Context) ([]analytics.Tenant, error) {
	var rows []struct {
		JoinCode string `db:"join_code"`
		OwnerID  string `db:"owner_id"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT join_code, owner_id FROM tenants ORDER BY join_code`); err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	out := make([]analytics.Tenant, len(rows))
	for i, r := range rows {
		out[i] = analytics.Tenant{Key: analytics.TenantKey(r.JoinCode), Owner: analytics.OwnerID(r.OwnerID)}
	}
	return out, nil
}

func (s *Store) MonetaryEvents(ctx context.Context, tenant analytics.TenantKey, w analytics.Window) ([]analytics.LedgerEvent, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_events
		WHERE join_code = ? AND is_void = FALSE
		  AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at ASC
	`
	return s.queryLedger(ctx, query, tenant, formatTime(w.Start), formatTime(w.End))
}

func (s *Store) BucketEvents(ctx context.Context, tenant analytics.TenantKey, account analytics.Account) ([]analytics.LedgerEvent, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_events
		WHERE account = ? AND (join_code = ? OR join_code IS NULL)
		ORDER BY occurred_at ASC
	`
	return s.queryLedger(ctx, query, account, tenant)
}

func (s *Store) queryLedger(ctx context.Context, query string, args ...any) ([]analytics.LedgerEvent, error) {
	var rows []ledgerRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query ledger events: %w", err)
	}
	out := make([]analytics.LedgerEvent, len(rows))
	for i, r := range rows {
		out[i] = r.event()
	}
	return out, nil
}

func (s *Store) PresenceEvents(ctx context.Context, tenant analytics.TenantKey, w analytics.Window) ([]analytics.PresenceEvent, error) {
	var rows []presenceRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, join_code, subject_id, status, occurred_at, is_deleted
		FROM presence_events
		WHERE join_code = ? AND is_deleted = FALSE
		  AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at ASC
	`), tenant, formatTime(w.Start), formatTime(w.End))
	if err != nil {
		return nil, fmt.Errorf("failed to query presence events: %w", err)
	}
	out := make([]analytics.PresenceEvent, len(rows))
	for i, r := range rows {
		out[i] = analytics.PresenceEvent{
			ID:        r.ID,
			TenantKey: analytics.TenantKey(r.JoinCode),
			SubjectID: analytics.SubjectID(r.SubjectID),
			Status:    analytics.PresenceStatus(r.Status),
			Timestamp: parseTime(r.OccurredAt),
			Deleted:   r.IsDeleted,
		}
	}
	return out, nil
}

func (s *Store) BaselineConfigs(ctx context.Context, owner analytics.OwnerID) ([]analytics.BaselineConfig, error) {
	var rows []struct {
		OwnerID             string          `db:"owner_id"`
		JoinCode            string          `db:"join_code"`
		RatePerMinute       decimal.Decimal `db:"rate_per_minute"`
		ExpectedWeeklyHours decimal.Decimal `db:"expected_weekly_hours"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT owner_id, join_code, rate_per_minute, expected_weekly_hours
		FROM baseline_configs WHERE owner_id = ?
	`), owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline configs: %w", err)
	}
	out := make([]analytics.BaselineConfig, len(rows))
	for i, r := range rows {
		out[i] = analytics.BaselineConfig{
			OwnerID:             analytics.OwnerID(r.OwnerID),
			TenantKey:           analytics.TenantKey(r.JoinCode),
			RatePerMinute:       r.RatePerMinute,
			ExpectedWeeklyHours: r.ExpectedWeeklyHours,
		}
	}
	return out, nil
}

// =============================================================================
// SNAPSHOTS (analytics.SnapshotStore interface)
// =============================================================================

type snapshotRow struct {
	ID                 string  `db:"id"`
	TenantKey          string  `db:"tenant_key"`
	OwnerID            string  `db:"owner_id"`
	WindowType         string  `db:"window_type"`
	WindowStart        string  `db:"window_start"`
	WindowEnd          string  `db:"window_end"`
	ParticipationRate  float64 `db:"participation_rate"`
	MoneyVelocity      float64 `db:"money_velocity"`
	WithinBandPct      float64 `db:"within_band_pct"`
	SolvencyPassRate   float64 `db:"solvency_pass_rate"`
	Baseline           float64 `db:"baseline"`
	AverageBalance     float64 `db:"average_balance"`
	BalanceTrend       string  `db:"balance_trend"`
	VelocityTrend      string  `db:"velocity_trend"`
	ParticipationTrend string  `db:"participation_trend"`
	EnrolledCount      int     `db:"enrolled_count"`
	ActiveCount        int     `db:"active_count"`
	TransactionCount   int     `db:"transaction_count"`
	IsComplete         bool    `db:"is_complete"`
	ComputedAt         string  `db:"computed_at"`
}

const snapshotColumns = `id, tenant_key, owner_id, window_type, window_start, window_end,
	participation_rate, money_velocity, within_band_pct, solvency_pass_rate,
	baseline, average_balance, balance_trend, velocity_trend, participation_trend,
	enrolled_count, active_count, transaction_count, is_complete, computed_at`

func toSnapshotRow(s analytics.Snapshot) snapshotRow {
	return snapshotRow{
		ID:                 s.ID,
		TenantKey:          string(s.TenantKey),
		OwnerID:            string(s.OwnerID),
		WindowType:         string(s.WindowType),
		WindowStart:        formatTime(s.Window.Start),
		WindowEnd:          formatTime(s.Window.End),
		ParticipationRate:  s.Metrics.ParticipationRate,
		MoneyVelocity:      s.Metrics.MoneyVelocity,
		WithinBandPct:      s.Metrics.BaselineWithinBandPct,
		SolvencyPassRate:   s.Metrics.SolvencyPassRate,
		Baseline:           s.Baseline,
		AverageBalance:     s.AverageBalance,
		BalanceTrend:       string(s.Trends.Balance),
		VelocityTrend:      string(s.Trends.Velocity),
		ParticipationTrend: string(s.Trends.Participation),
		EnrolledCount:      s.EnrolledCount,
		ActiveCount:        s.ActiveCount,
		TransactionCount:   s.TransactionCount,
		IsComplete:         s.Complete,
		ComputedAt:         formatTime(s.ComputedAt),
	}
}

func (r snapshotRow) snapshot() analytics.Snapshot {
	return analytics.Snapshot{
		ID:         r.ID,
		TenantKey:  analytics.TenantKey(r.TenantKey),
		OwnerID:    analytics.OwnerID(r.OwnerID),
		WindowType: analytics.WindowType(r.WindowType),
		Window:     analytics.Window{Start: parseTime(r.WindowStart), End: parseTime(r.WindowEnd)},
		Metrics: analytics.HealthMetrics{
			ParticipationRate:     r.ParticipationRate,
			MoneyVelocity:         r.MoneyVelocity,
			BaselineWithinBandPct: r.WithinBandPct,
			SolvencyPassRate:      r.SolvencyPassRate,
		},
		Baseline:       r.Baseline,
		AverageBalance: r.AverageBalance,
		Trends: analytics.Trends{
			Balance:       analytics.Trend(r.BalanceTrend),
			Velocity:      analytics.Trend(r.VelocityTrend),
			Participation: analytics.Trend(r.ParticipationTrend),
		},
		EnrolledCount:    r.EnrolledCount,
		ActiveCount:      r.ActiveCount,
		TransactionCount: r.TransactionCount,
		Complete:         r.IsComplete,
		ComputedAt:       parseTime(r.ComputedAt),
	}
}

func (s *Store) FindSnapshot(ctx context.Context, key analytics.SnapshotKey) (*analytics.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM analytics_snapshots
		WHERE tenant_key = ? AND window_type = ? AND window_start = ? AND window_end = ?`
	return s.getSnapshot(ctx, query, key.TenantKey, key.WindowType, formatTime(key.WindowStart), formatTime(key.WindowEnd))
}

func (s *Store) PreviousComplete(ctx context.Context, tenant analytics.TenantKey, wt analytics.WindowType, before time.Time) (*analytics.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM analytics_snapshots
		WHERE tenant_key = ? AND window_type = ? AND is_complete = TRUE AND window_start < ?
		ORDER BY window_start DESC
		LIMIT 1`
	return s.getSnapshot(ctx, query, tenant, wt, formatTime(before))
}

func (s *Store) getSnapshot(ctx context.Context, query string, args ...any) (*analytics.Snapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	snap := row.snapshot()
	return &snap, nil
}

// SaveSnapshot upserts a snapshot. The update branch only fires while the
// stored row is incomplete, so a complete row is never replaced.
func (s *Store) SaveSnapshot(ctx context.Context, snap analytics.Snapshot) (analytics.Snapshot, error) {
	query := `
		INSERT INTO analytics_snapshots (` + snapshotColumns + `)
		VALUES (:id, :tenant_key, :owner_id, :window_type, :window_start, :window_end,
			:participation_rate, :money_velocity, :within_band_pct, :solvency_pass_rate,
			:baseline, :average_balance, :balance_trend, :velocity_trend, :participation_trend,
			:enrolled_count, :active_count, :transaction_count, :is_complete, :computed_at)
		ON CONFLICT (tenant_key, window_type, window_start, window_end) DO UPDATE SET
			participation_rate = excluded.participation_rate,
			money_velocity = excluded.money_velocity,
			within_band_pct = excluded.within_band_pct,
			solvency_pass_rate = excluded.solvency_pass_rate,
			baseline = excluded.baseline,
			average_balance = excluded.average_balance,
			balance_trend = excluded.balance_trend,
			velocity_trend = excluded.velocity_trend,
			participation_trend = excluded.participation_trend,
			enrolled_count = excluded.enrolled_count,
			active_count = excluded.active_count,
			transaction_count = excluded.transaction_count,
			is_complete = excluded.is_complete,
			computed_at = excluded.computed_at
		WHERE analytics_snapshots.is_complete = FALSE
	`
	res, err := s.db.NamedExecContext(ctx, query, toSnapshotRow(snap))
	if err != nil {
		return analytics.Snapshot{}, fmt.Errorf("failed to save snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return analytics.Snapshot{}, analytics.ErrDuplicateSnapshot
	}

	// The row keeps its original id when an incomplete snapshot was replaced.
	stored, err := s.FindSnapshot(ctx, snap.Key())
	if err != nil {
		return analytics.Snapshot{}, err
	}
	if stored == nil {
		return analytics.Snapshot{}, fmt.Errorf("snapshot %s vanished after save", snap.ID)
	}
	return *stored, nil
}

// =============================================================================
// ALERTS (analytics.AlertStore interface)
// =============================================================================

type alertRow struct {
	ID              string         `db:"id"`
	TenantKey       string         `db:"tenant_key"`
	OwnerID         string         `db:"owner_id"`
	Kind            string         `db:"kind"`
	Severity        string         `db:"severity"`
	WhatChanged     string         `db:"what_changed"`
	WhyItMatters    string         `db:"why_it_matters"`
	SuggestedAction string         `db:"suggested_action"`
	MetricName      string         `db:"metric_name"`
	CurrentValue    float64        `db:"current_value"`
	ThresholdValue  float64        `db:"threshold_value"`
	TriggeredAt     string         `db:"triggered_at"`
	AcknowledgedAt  sql.NullString `db:"acknowledged_at"`
	ResolvedAt      sql.NullString `db:"resolved_at"`
	IsActive        bool           `db:"is_active"`
}

const alertColumns = `id, tenant_key, owner_id, kind, severity, what_changed, why_it_matters,
	suggested_action, metric_name, current_value, threshold_value, triggered_at,
	acknowledged_at, resolved_at, is_active`

func (r alertRow) alert() analytics.Alert {
	return analytics.Alert{
		ID:              r.ID,
		TenantKey:       analytics.TenantKey(r.TenantKey),
		OwnerID:         analytics.OwnerID(r.OwnerID),
		Kind:            analytics.AlertKind(r.Kind),
		Severity:        analytics.Severity(r.Severity),
		WhatChanged:     r.WhatChanged,
		WhyItMatters:    r.WhyItMatters,
		SuggestedAction: r.SuggestedAction,
		MetricName:      r.MetricName,
		CurrentValue:    r.CurrentValue,
		ThresholdValue:  r.ThresholdValue,
		TriggeredAt:     parseTime(r.TriggeredAt),
		AcknowledgedAt:  parseNullTime(r.AcknowledgedAt),
		ResolvedAt:      parseNullTime(r.ResolvedAt),
		Active:          r.IsActive,
	}
}

func (s *Store) ActiveAlerts(ctx context.Context, tenant analytics.TenantKey) ([]analytics.Alert, error) {
	var rows []alertRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+alertColumns+` FROM economy_alerts WHERE tenant_key = ? AND is_active = TRUE`), tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	out := make([]analytics.Alert, len(rows))
	for i, r := range rows {
		out[i] = r.alert()
	}
	return out, nil
}

func (s *Store) InsertAlert(ctx context.Context, a analytics.Alert) error {
	query := `
		INSERT INTO economy_alerts (` + alertColumns + `)
		VALUES (:id, :tenant_key, :owner_id, :kind, :severity, :what_changed, :why_it_matters,
			:suggested_action, :metric_name, :current_value, :threshold_value, :triggered_at,
			:acknowledged_at, :resolved_at, :is_active)
		ON CONFLICT DO NOTHING
	`
	res, err := s.db.NamedExecContext(ctx, query, alertRow{
		ID:              a.ID,
		TenantKey:       string(a.TenantKey),
		OwnerID:         string(a.OwnerID),
		Kind:            string(a.Kind),
		Severity:        string(a.Severity),
		WhatChanged:     a.WhatChanged,
		WhyItMatters:    a.WhyItMatters,
		SuggestedAction: a.SuggestedAction,
		MetricName:      a.MetricName,
		CurrentValue:    a.CurrentValue,
		ThresholdValue:  a.ThresholdValue,
		TriggeredAt:     formatTime(a.TriggeredAt),
		IsActive:        true,
	})
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return analytics.ErrDuplicateActiveAlert
	}
	return nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (*analytics.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+alertColumns+` FROM economy_alerts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alert: %w", err)
	}
	a := row.alert()
	return &a, nil
}

func (s *Store) MarkAcknowledged(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.updateAlert(ctx,
		`UPDATE economy_alerts SET acknowledged_at = ? WHERE id = ? AND acknowledged_at IS NULL`,
		formatTime(at), id)
}

func (s *Store) MarkResolved(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.updateAlert(ctx,
		`UPDATE economy_alerts SET resolved_at = ?, is_active = FALSE WHERE id = ? AND resolved_at IS NULL`,
		formatTime(at), id)
}

func (s *Store) updateAlert(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update alert: %w", err)
	}
	return n > 0, nil
}

// =============================================================================
// AUDIT LOG (analytics.AuditLog interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e analytics.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO alert_audit (id, alert_id, tenant_key, action, at, seq)
		SELECT ?, ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1
		FROM alert_audit WHERE alert_id = ?
	`), e.ID, e.AlertID, e.TenantKey, e.Action, formatTime(e.At), e.AlertID)
	if err != nil {
		return fmt.Errorf("failed to append alert audit: %w", err)
	}
	return nil
}

func (s *Store) AuditTrail(ctx context.Context, alertID string) ([]analytics.AuditEntry, error) {
	var rows []struct {
		ID        string `db:"id"`
		AlertID   string `db:"alert_id"`
		TenantKey string `db:"tenant_key"`
		Action    string `db:"action"`
		At        string `db:"at"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, alert_id, tenant_key, action, at
		FROM alert_audit WHERE alert_id = ? ORDER BY seq ASC
	`), alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert audit: %w", err)
	}
	out := make([]analytics.AuditEntry, len(rows))
	for i, r := range rows {
		out[i] = analytics.AuditEntry{
			ID:        r.ID,
			AlertID:   r.AlertID,
			TenantKey: analytics.TenantKey(r.TenantKey),
			Action:    analytics.AuditAction(r.Action),
			At:        parseTime(r.At),
		}
	}
	return out, nil
}

// =============================================================================
// CONTEXT EVENTS (analytics.EventStore interface)
// =============================================================================

type contextEventRow struct {
	ID             string          `db:"id"`
	TenantKey      string          `db:"tenant_key"`
	OwnerID        string          `db:"owner_id"`
	EventType      string          `db:"event_type"`
	OccurredAt     string          `db:"occurred_at"`
	Description    string          `db:"description"`
	OldValue       sql.NullFloat64 `db:"old_value"`
	NewValue       sql.NullFloat64 `db:"new_value"`
	CreatedByAdmin bool            `db:"created_by_admin"`
	CreatedAt      string          `db:"created_at"`
}

func (s *Store) AppendEvent(ctx context.Context, ev analytics.ContextEvent) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO context_events
		(id, tenant_key, owner_id, event_type, occurred_at, description, old_value, new_value, created_by_admin, created_at)
		VALUES (:id, :tenant_key, :owner_id, :event_type, :occurred_at, :description, :old_value, :new_value, :created_by_admin, :created_at)
	`, contextEventRow{
		ID:             ev.ID,
		TenantKey:      string(ev.TenantKey),
		OwnerID:        string(ev.OwnerID),
		EventType:      string(ev.Type),
		OccurredAt:     formatTime(ev.OccurredAt),
		Description:    ev.Description,
		OldValue:       nullFloat(ev.OldValue),
		NewValue:       nullFloat(ev.NewValue),
		CreatedByAdmin: ev.CreatedByAdmin,
		CreatedAt:      formatTime(ev.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to append context event: %w", err)
	}
	return nil
}

func (s *Store) ContextEvents(ctx context.Context, tenant analytics.TenantKey, w analytics.Window, limit int) ([]analytics.ContextEvent, error) {
	query := `
		SELECT id, tenant_key, owner_id, event_type, occurred_at, description,
		       old_value, new_value, created_by_admin, created_at
		FROM context_events
		WHERE tenant_key = ? AND occurred_at >= ? AND occurred_at <= ?
		ORDER BY occurred_at DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []contextEventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), tenant, formatTime(w.Start), formatTime(w.End)); err != nil {
		return nil, fmt.Errorf("failed to query context events: %w", err)
	}
	out := make([]analytics.ContextEvent, len(rows))
	for i, r := range rows {
		out[i] = analytics.ContextEvent{
			ID:             r.ID,
			TenantKey:      analytics.TenantKey(r.TenantKey),
			OwnerID:        analytics.OwnerID(r.OwnerID),
			Type:           analytics.EventType(r.EventType),
			OccurredAt:     parseTime(r.OccurredAt),
			Description:    r.Description,
			OldValue:       floatPtr(r.OldValue),
			NewValue:       floatPtr(r.NewValue),
			CreatedByAdmin: r.CreatedByAdmin,
			CreatedAt:      parseTime(r.CreatedAt),
		}
	}
	return out, nil
}

// =============================================================================
// HOST WRITES (analytics.LedgerWriter interface)
// =============================================================================

func (s *Store) AddTenant(ctx context.Context, t analytics.Tenant) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tenants (join_code, owner_id) VALUES (?, ?)
		ON CONFLICT (join_code) DO UPDATE SET owner_id = excluded.owner_id
	`), t.Key, t.Owner)
	if err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

func (s *Store) Enroll(ctx context.Context, tenant analytics.TenantKey, subjects ...analytics.SubjectID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`INSERT INTO enrollments (join_code, subject_id) VALUES (?, ?) ON CONFLICT DO NOTHING`)
		for _, id := range subjects {
			if _, err := tx.ExecContext(ctx, query, tenant, id); err != nil {
				return fmt.Errorf("failed to enroll subject: %w", err)
			}
		}
		return nil
	})
}

// AppendLedger inserts monetary events atomically.
func (s *Store) AppendLedger(ctx context.Context, events ...analytics.LedgerEvent) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, ev := range events {
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO ledger_events (`+ledgerColumns+`)
				VALUES (:id, :join_code, :owner_id, :subject_id, :amount, :account, :occurred_at, :description, :is_void)
			`, ledgerRow{
				ID:          ev.ID,
				JoinCode:    nullString(string(ev.TenantKey)),
				OwnerID:     nullString(string(ev.OwnerID)),
				SubjectID:   string(ev.SubjectID),
				Amount:      ev.Amount,
				Account:     string(ev.Account),
				OccurredAt:  formatTime(ev.Timestamp),
				Description: nullString(ev.Description),
				IsVoid:      ev.Void,
			})
			if err != nil {
				return fmt.Errorf("failed to append ledger event: %w", err)
			}
		}
		return nil
	})
}

// VoidLedger flips is_void. The amount column is never rewritten.
func (s *Store) VoidLedger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE ledger_events SET is_void = TRUE WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to void ledger event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger event %q not found", id)
	}
	return nil
}

func (s *Store) AppendPresence(ctx context.Context, events ...analytics.PresenceEvent) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, ev := range events {
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO presence_events (id, join_code, subject_id, status, occurred_at, is_deleted)
				VALUES (:id, :join_code, :subject_id, :status, :occurred_at, :is_deleted)
			`, presenceRow{
				ID:         ev.ID,
				JoinCode:   string(ev.TenantKey),
				SubjectID:  string(ev.SubjectID),
				Status:     string(ev.Status),
				OccurredAt: formatTime(ev.Timestamp),
				IsDeleted:  ev.Deleted,
			})
			if err != nil {
				return fmt.Errorf("failed to append presence event: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) SetBaselineConfig(ctx context.Context, cfg analytics.BaselineConfig) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO baseline_configs (owner_id, join_code, rate_per_minute, expected_weekly_hours)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id, join_code) DO UPDATE SET
			rate_per_minute = excluded.rate_per_minute,
			expected_weekly_hours = excluded.expected_weekly_hours
	`), cfg.OwnerID, cfg.TenantKey, cfg.RatePerMinute, cfg.ExpectedWeeklyHours)
	if err != nil {
		return fmt.Errorf("failed to save baseline config: %w", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"context_events", "alert_audit", "economy_alerts", "analytics_snapshots",
		"baseline_configs", "presence_events", "ledger_events", "enrollments", "tenants",
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

var (
	_ analytics.Store        = (*Store)(nil)
	_ analytics.LedgerWriter = (*Store)(nil)
)
