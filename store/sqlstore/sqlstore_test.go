package sqlstore_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/economy-analytics/analytics"
	"github.com/warp/economy-analytics/store/sqlstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	tenant  = analytics.Tenant{Key: "JOIN-A", Owner: "teacher-1"}
	sibling = analytics.Tenant{Key: "JOIN-B", Owner: "teacher-1"}

	weekStart = time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC)
	week      = analytics.Window{Start: weekStart, End: weekStart.AddDate(0, 0, 7)}
	now       = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newPostgresStore is skipped unless ECONOMY_TEST_POSTGRES_DSN is set.
func newPostgresStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := os.Getenv("ECONOMY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ECONOMY_TEST_POSTGRES_DSN not set")
	}
	store, err := sqlstore.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, store.Reset(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func snapshot(id string, w analytics.Window, complete bool) analytics.Snapshot {
	return analytics.Snapshot{
		ID:         id,
		TenantKey:  tenant.Key,
		OwnerID:    tenant.Owner,
		WindowType: analytics.WindowWeek,
		Window:     w,
		Metrics:    analytics.HealthMetrics{ParticipationRate: 60, MoneyVelocity: 0.4, BaselineWithinBandPct: 80, SolvencyPassRate: 90},
		Baseline:   120,
		Trends:     analytics.Trends{Balance: analytics.TrendStable, Velocity: analytics.TrendImproving, Participation: analytics.TrendStable},
		Complete:   complete,
		ComputedAt: now,
	}
}

func alert(id string, kind analytics.AlertKind) analytics.Alert {
	return analytics.Alert{
		ID:          id,
		TenantKey:   tenant.Key,
		OwnerID:     tenant.Owner,
		Kind:        kind,
		Severity:    analytics.SeverityWarning,
		WhatChanged: "Participation rate is 40.0%",
		MetricName:  "participation_rate",
		TriggeredAt: now,
	}
}

func TestSQLite(t *testing.T) {
	runStoreSuite(t, newTestStore)
}

func TestPostgres(t *testing.T) {
	runStoreSuite(t, newPostgresStore)
}

func runStoreSuite(t *testing.T, open func(*testing.T) *sqlstore.Store) {
	t.Run("LedgerScoping", func(t *testing.T) { testLedgerScoping(t, open(t)) })
	t.Run("SnapshotUpsert", func(t *testing.T) { testSnapshotUpsert(t, open(t)) })
	t.Run("PreviousComplete", func(t *testing.T) { testPreviousComplete(t, open(t)) })
	t.Run("OneActiveAlertPerKind", func(t *testing.T) { testOneActiveAlertPerKind(t, open(t)) })
	t.Run("AuditTrailOrder", func(t *testing.T) { testAuditTrailOrder(t, open(t)) })
	t.Run("ContextEvents", func(t *testing.T) { testContextEvents(t, open(t)) })
	t.Run("EngineEndToEnd", func(t *testing.T) { testEngineEndToEnd(t, open(t)) })
}

// =============================================================================
// LEDGER
// =============================================================================

func testLedgerScoping(t *testing.T, store *sqlstore.Store) {
	ctx := context.Background()
	require.NoError(t, store.AddTenant(ctx, tenant))
	require.NoError(t, store.Enroll(ctx, tenant.Key, "s1", "s2", "s1"))

	inWeek := weekStart.Add(time.Hour)
	require.NoError(t, store.AppendLedger(ctx,
		analytics.LedgerEvent{ID: "a", TenantKey: tenant.Key, OwnerID: tenant.Owner, SubjectID: "s1", Amount: decimal.NewFromFloat(12.5), Account: analytics.AccountChecking, Timestamp: inWeek},
		analytics.LedgerEvent{ID: "legacy", OwnerID: tenant.Owner, SubjectID: "s1", Amount: decimal.NewFromInt(3), Account: analytics.AccountChecking, Timestamp: inWeek},
		analytics.LedgerEvent{ID: "b", TenantKey: sibling.Key, OwnerID: tenant.Owner, SubjectID: "s1", Amount: decimal.NewFromInt(100), Account: analytics.AccountChecking, Timestamp: inWeek},
		analytics.LedgerEvent{ID: "edge", TenantKey: tenant.Key, OwnerID: tenant.Owner, SubjectID: "s2", Amount: decimal.NewFromInt(1), Account: analytics.AccountChecking, Timestamp: week.End},
	))
	require.NoError(t, store.AppendLedger(ctx, analytics.LedgerEvent{
		ID: "v", TenantKey: tenant.Key, SubjectID: "s2", Amount: decimal.NewFromInt(50), Account: analytics.AccountChecking, Timestamp: inWeek,
	}))
	require.NoError(t, store.VoidLedger(ctx, "v"))
	assert.Error(t, store.VoidLedger(ctx, "missing"))

	enrolled, err := store.EnrolledSubjects(ctx, tenant.Key)
	require.NoError(t, err)
	assert.Equal(t, []analytics.SubjectID{"s1", "s2"}, enrolled)

	events, err := store.MonetaryEvents(ctx, tenant.Key, week)
	require.NoError(t, err)
	require.Len(t, events, 1, "sibling, legacy, void and end-boundary rows excluded")
	assert.Equal(t, "a", events[0].ID)
	assert.True(t, decimal.NewFromFloat(12.5).Equal(events[0].Amount))
	assert.Equal(t, inWeek, events[0].Timestamp)

	bucket, err := store.BucketEvents(ctx, tenant.Key, analytics.AccountChecking)
	require.NoError(t, err)
	var ids []string
	for _, ev := range bucket {
		ids = append(ids, ev.ID)
	}
	assert.ElementsMatch(t, []string{"a", "legacy", "v", "edge"}, ids)
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func testSnapshotUpsert(t *testing.T, store *sqlstore.Store) {
	ctx := context.Background()

	saved, err := store.SaveSnapshot(ctx, snapshot("first", week, false))
	require.NoError(t, err)
	assert.Equal(t, "first", saved.ID)

	// An incomplete row is replaced in place and keeps its id.
	replacement := snapshot("second", week, true)
	replacement.Metrics.ParticipationRate = 75
	saved, err = store.SaveSnapshot(ctx, replacement)
	require.NoError(t, err)
	assert.Equal(t, "first", saved.ID)
	assert.True(t, saved.Complete)
	assert.Equal(t, 75.0, saved.Metrics.ParticipationRate)

	// A complete row is never replaced.
	_, err = store.SaveSnapshot(ctx, snapshot("third", week, true))
	assert.ErrorIs(t, err, analytics.ErrDuplicateSnapshot)

	found, err := store.FindSnapshot(ctx, replacement.Key())
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "first", found.ID)
	assert.Equal(t, week, found.Window)
	assert.Equal(t, analytics.TrendImproving, found.Trends.Velocity)
	assert.Equal(t, now, found.ComputedAt)

	missing, err := store.FindSnapshot(ctx, analytics.SnapshotKey{TenantKey: sibling.Key, WindowType: analytics.WindowWeek, WindowStart: week.Start, WindowEnd: week.End})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testPreviousComplete(t *testing.T, store *sqlstore.Store) {
	ctx := context.Background()
	older := week.PreviousWindow()
	oldest := older.PreviousWindow()

	_, err := store.SaveSnapshot(ctx, snapshot("oldest", oldest, true))
	require.NoError(t, err)
	_, err = store.SaveSnapshot(ctx, snapshot("older", older, true))
	require.NoError(t, err)
	_, err = store.SaveSnapshot(ctx, snapshot("open", analytics.Window{Start: week.Start.Add(-time.Hour), End: now.Add(time.Hour)}, false))
	require.NoError(t, err)

	prev, err := store.PreviousComplete(ctx, tenant.Key, analytics.WindowWeek, week.Start)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "older", prev.ID, "latest complete with an earlier start; incomplete rows are skipped")

	none, err := store.PreviousComplete(ctx, tenant.Key, analytics.WindowMonth, week.Start)
	require.NoError(t, err)
	assert.Nil(t, none)
}

// =============================================================================
// ALERTS
// =============================================================================

func testOneActiveAlertPerKind(t *testing.T, store *sqlstore.Store) {
	ctx := context.Background()

	require.NoError(t, store.InsertAlert(ctx, alert("a1", analytics.AlertParticipationLow)))
	assert.ErrorIs(t, store.InsertAlert(ctx, alert("a2", analytics.AlertParticipationLow)), analytics.ErrDuplicateActiveAlert)
	require.NoError(t, store.InsertAlert(ctx, alert("a3", analytics.AlertSolvencyLow)))

	active, err := store.ActiveAlerts(ctx, tenant.Key)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	changed, err := store.MarkAcknowledged(ctx, "a1", now)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = store.MarkAcknowledged(ctx, "a1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = store.MarkResolved(ctx, "a1", now)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := store.GetAlert(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Active)
	require.NotNil(t, got.AcknowledgedAt)
	assert.Equal(t, now, *got.AcknowledgedAt)
	require.NotNil(t, got.ResolvedAt)

	// Resolved rows no longer block a new alert of the same kind.
	require.NoError(t, store.InsertAlert(ctx, alert("a4", analytics.AlertParticipationLow)))

	missing, err := store.GetAlert(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testAuditTrailOrder(t *testing.T, store *sqlstore.Store) {
	ctx := context.Background()
	actions := []analytics.AuditAction{analytics.AuditAlertTriggered, analytics.AuditAlertAcknowledged, analytics.AuditAlertResolved}
	for i, a := range actions {
		require.NoError(t, store.AppendAudit(ctx, analytics.AuditEntry{
			ID: string(rune('x' + i)), AlertID: "a1", TenantKey: tenant.Key, Action: a, At: now,
		}))
	}

	trail, err := store.AuditTrail(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	for i, e := range trail {
		assert.Equal(t, actions[i], e.Action, "same-instant entries keep insertion order")
	}
}

// =============================================================================
// CONTEXT EVENTS
// =============================================================================

func testContextEvents(t *testing.T, store *sqlstore.Store) {
	ctx := context.Background()
	old, updated := 50.0, 60.0

	require.NoError(t, store.AppendEvent(ctx, analytics.ContextEvent{
		ID: "e1", TenantKey: tenant.Key, OwnerID: tenant.Owner, Type: analytics.EventRentChange,
		OccurredAt: weekStart.AddDate(0, 0, 1), Description: "Rent raised", OldValue: &old, NewValue: &updated, CreatedAt: now,
	}))
	require.NoError(t, store.AppendEvent(ctx, analytics.ContextEvent{
		ID: "e2", TenantKey: tenant.Key, OwnerID: tenant.Owner, Type: analytics.EventHoliday,
		OccurredAt: weekStart.AddDate(0, 0, 4), Description: "Spring break", CreatedAt: now,
	}))

	events, err := store.ContextEvents(ctx, tenant.Key, week, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].ID)
	assert.Nil(t, events[0].OldValue)
	require.NotNil(t, events[1].NewValue)
	assert.Equal(t, 60.0, *events[1].NewValue)

	limited, err := store.ContextEvents(ctx, tenant.Key, week, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// =============================================================================
// ENGINE ON SQL
// =============================================================================

func testEngineEndToEnd(t *testing.T, store *sqlstore.Store) {
	ctx := context.Background()
	require.NoError(t, store.AddTenant(ctx, tenant))
	require.NoError(t, store.Enroll(ctx, tenant.Key, "s1", "s2"))
	require.NoError(t, store.SetBaselineConfig(ctx, analytics.BaselineConfig{
		OwnerID: tenant.Owner, RatePerMinute: decimal.NewFromFloat(0.5), ExpectedWeeklyHours: decimal.NewFromInt(4),
	}))
	require.NoError(t, store.AppendLedger(ctx, analytics.LedgerEvent{
		ID: "pay", TenantKey: tenant.Key, OwnerID: tenant.Owner, SubjectID: "s1", Amount: decimal.NewFromInt(120),
		Account: analytics.AccountChecking, Timestamp: weekStart.Add(time.Hour),
	}))

	logger, _ := logtest.NewNullLogger()
	engine := analytics.NewEngine(store, logger)
	engine.Now = func() time.Time { return now }

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := engine.GetOrCreateSnapshot(ctx, tenant, analytics.WindowWeek, week)
			assert.NoError(t, err)
			ids[i] = snap.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	snap, err := engine.GetOrCreateSnapshot(ctx, tenant, analytics.WindowWeek, week)
	require.NoError(t, err)
	assert.Equal(t, 120.0, snap.Baseline)
	assert.Equal(t, 50.0, snap.Metrics.ParticipationRate)
	assert.Equal(t, 50.0, snap.Metrics.BaselineWithinBandPct)
	assert.Equal(t, 50.0, snap.Metrics.SolvencyPassRate)

	alerts, err := engine.ListActiveAlerts(ctx, tenant.Key)
	require.NoError(t, err)
	var kinds []analytics.AlertKind
	for _, a := range alerts {
		kinds = append(kinds, a.Kind)
	}
	assert.ElementsMatch(t, []analytics.AlertKind{analytics.AlertParticipationLow, analytics.AlertBaselineDeviation}, kinds)

	tenants, err := store.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []analytics.Tenant{tenant}, tenants)
}
