/*
handlers_test.go - HTTP tests for the analytics API

Tests for:
- Snapshot retrieval and window fallback
- Alert listing, acknowledge/resolve lifecycle and audit history
- Context events
- Drill-down tenant checks
- Error status mapping (400/404/503)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/economy-analytics/analytics"
	"github.com/warp/economy-analytics/analytics/store"
	"github.com/warp/economy-analytics/store/rediscache"
)

// Wednesday noon.
var testNow = time.Date(2025, time.March, 12, 12, 0, 0, 0, time.UTC)

type testServer struct {
	handler *Handler
	router  *chi.Mux
	mem     *store.Memory
	hook    *logtest.Hook
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	return newTestServerWith(t, mem, mem)
}

func newTestServerWith(t *testing.T, st analytics.Store, mem *store.Memory) *testServer {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	clock := func() time.Time { return testNow }

	engine := analytics.NewEngine(st, logger)
	engine.Now = clock
	engine.Windows = &analytics.WindowResolver{Now: clock}

	h := NewHandler(engine, mem, logger)
	return &testServer{handler: h, router: NewRouter(h, nil), mem: mem, hook: hook}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) load(t *testing.T, scenario string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: scenario})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func TestGetSnapshot_TwoPeriodsStayIsolated(t *testing.T) {
	// GIVEN: One teacher with two periods, a legacy row and a voided fee in period 1
	// WHEN: Requesting each period's week snapshot
	// THEN: Each period sees only its own roster, balances and CWI

	ts := newTestServer(t)
	ts.load(t, "two-periods")

	rec := ts.do(t, http.MethodGet, "/api/tenants/PERIOD-1/snapshot/week", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p1 := decode[SnapshotDTO](t, rec)

	assert.Equal(t, "week", p1.WindowType)
	assert.Equal(t, "2025-03-05T12:00:00Z", p1.WindowStart)
	assert.Equal(t, "2025-03-12T12:00:00Z", p1.WindowEnd)
	assert.Equal(t, 120.0, p1.CWIValue)
	assert.Equal(t, 4, p1.Context.TotalStudents)
	assert.Equal(t, 4, p1.Context.ActiveStudents)
	assert.Equal(t, 100.0, p1.Metrics.ParticipationRate)
	// 150 (legacy 50 + 100) and -40 fall outside 96..144.
	assert.Equal(t, 50.0, p1.Metrics.CWIDeviationWithin20Pct)
	assert.Equal(t, 75.0, p1.Metrics.BudgetSurvivalPassRate)
	assert.Equal(t, "stable", p1.Trends.Balance)

	rec = ts.do(t, http.MethodGet, "/api/tenants/PERIOD-2/snapshot/week", nil, OwnerHeader, string(DemoOwner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p2 := decode[SnapshotDTO](t, rec)

	assert.Equal(t, 96.0, p2.CWIValue)
	assert.Equal(t, 3, p2.Context.TotalStudents)
	assert.Equal(t, 66.7, p2.Metrics.CWIDeviationWithin20Pct)
	assert.Equal(t, 100.0, p2.Metrics.BudgetSurvivalPassRate)
	assert.NotEqual(t, p1.ID, p2.ID)
}

func TestGetSnapshot_RepeatedRequestReusesSnapshot(t *testing.T) {
	ts := newTestServer(t)
	ts.load(t, "healthy-economy")

	first := decode[SnapshotDTO](t, ts.do(t, http.MethodGet, "/api/tenants/HEALTHY-1/snapshot/week", nil))
	second := decode[SnapshotDTO](t, ts.do(t, http.MethodGet, "/api/tenants/HEALTHY-1/snapshot/week", nil))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ComputedAt, second.ComputedAt)
	assert.Equal(t, 100.0, first.Metrics.ParticipationRate)
	assert.Equal(t, 100.0, first.Metrics.CWIDeviationWithin20Pct)
	assert.Equal(t, 100.0, first.Metrics.BudgetSurvivalPassRate)
}

func TestGetSnapshot_Windows(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name      string
		path      string
		wantType  string
		wantStart string
		wantEnd   string
	}{
		{"custom", "/api/tenants/T1/snapshot/custom?start=2025-03-01&end=2025-03-08",
			"custom", "2025-03-01T00:00:00Z", "2025-03-08T00:00:00Z"},
		{"inverted custom falls back to week", "/api/tenants/T1/snapshot/custom?start=2025-03-08&end=2025-03-01",
			"week", "2025-03-05T12:00:00Z", "2025-03-12T12:00:00Z"},
		{"custom without end falls back to week", "/api/tenants/T1/snapshot/custom?start=2025-03-08",
			"week", "2025-03-05T12:00:00Z", "2025-03-12T12:00:00Z"},
		{"unknown name falls back to week", "/api/tenants/T1/snapshot/fortnight",
			"week", "2025-03-05T12:00:00Z", "2025-03-12T12:00:00Z"},
		{"closed week", "/api/tenants/T1/snapshot/closed_week",
			"closed_week", "2025-03-03T00:00:00Z", "2025-03-10T00:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.path, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			snap := decode[SnapshotDTO](t, rec)
			assert.Equal(t, tt.wantType, snap.WindowType)
			assert.Equal(t, tt.wantStart, snap.WindowStart)
			assert.Equal(t, tt.wantEnd, snap.WindowEnd)
		})
	}
}

func TestGetSnapshot_EmptyTenantIsZeroNotError(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/tenants/NOBODY/snapshot/month", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[SnapshotDTO](t, rec)
	assert.Zero(t, snap.Metrics.ParticipationRate)
	assert.Zero(t, snap.CWIValue)
	assert.Zero(t, snap.Context.TotalStudents)
}

func TestGetSnapshot_FutureCustomWindowIsIncomplete(t *testing.T) {
	ts := newTestServer(t)

	snap := decode[SnapshotDTO](t, ts.do(t, http.MethodGet, "/api/tenants/T1/snapshot/custom?start=2025-03-10&end=2025-03-17", nil))
	assert.False(t, snap.IsComplete)
}

func TestGetSnapshot_MalformedBoundsFallBackToWeek(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{
		"/api/tenants/T1/snapshot/custom?start=yesterday&end=2025-03-08",
		"/api/tenants/T1/snapshot/week?end=garbage",
	} {
		rec := ts.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		snap := decode[SnapshotDTO](t, rec)
		assert.Equal(t, "week", snap.WindowType, path)
		assert.Equal(t, "2025-03-05T12:00:00Z", snap.WindowStart, path)
		assert.Equal(t, "2025-03-12T12:00:00Z", snap.WindowEnd, path)
	}
}

// brokenRoster fails every roster read, like an unreachable database.
type brokenRoster struct {
	*store.Memory
	failFor analytics.TenantKey
}

func (b brokenRoster) EnrolledSubjects(ctx context.Context, tenant analytics.TenantKey) ([]analytics.SubjectID, error) {
	if b.failFor == "" || tenant == b.failFor {
		return nil, errors.New("connection refused")
	}
	return b.Memory.EnrolledSubjects(ctx, tenant)
}

func TestGetSnapshot_StorageFailureIs503(t *testing.T) {
	// GIVEN: A store that cannot be reached
	// WHEN: Requesting a snapshot
	// THEN: 503 asking the client to retry, never an all-zero snapshot

	mem := store.NewMemory()
	ts := newTestServerWith(t, brokenRoster{Memory: mem}, mem)

	rec := ts.do(t, http.MethodGet, "/api/tenants/T1/snapshot/week", nil, OwnerHeader, "teacher-1")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "try again")

	var warned bool
	for _, e := range ts.hook.AllEntries() {
		if e.Message == "storage unavailable" && e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned)
}

// =============================================================================
// ALERTS
// =============================================================================

func TestAlerts_Lifecycle(t *testing.T) {
	// GIVEN: A struggling economy whose snapshot raised alerts
	// WHEN: Acknowledging then resolving the critical alert
	// THEN: It leaves the active list and its history records every step

	ts := newTestServer(t)
	ts.load(t, "struggling-economy")

	snap := decode[SnapshotDTO](t, ts.do(t, http.MethodGet, "/api/tenants/STRUGGLE-1/snapshot/week", nil))
	assert.InDelta(t, 33.3, snap.Metrics.ParticipationRate, 0.1)
	assert.Equal(t, 16.7, snap.Metrics.CWIDeviationWithin20Pct)
	assert.InDelta(t, 16.7, snap.Metrics.BudgetSurvivalPassRate, 0.1)

	alerts := decode[[]AlertDTO](t, ts.do(t, http.MethodGet, "/api/tenants/STRUGGLE-1/alerts", nil))
	require.Len(t, alerts, 3)
	critical := alerts[0]
	assert.Equal(t, "budget_survival_low", critical.AlertType)
	assert.Equal(t, "critical", critical.Severity)
	assert.Equal(t, "budget_survival_pass_rate", critical.MetricName)
	assert.Equal(t, 50.0, critical.ThresholdValue)
	assert.ElementsMatch(t, []string{"participation_low", "cwi_deviation"}, []string{alerts[1].AlertType, alerts[2].AlertType})

	// A second snapshot request does not duplicate alerts.
	ts.do(t, http.MethodGet, "/api/tenants/STRUGGLE-1/snapshot/month", nil)
	assert.Len(t, decode[[]AlertDTO](t, ts.do(t, http.MethodGet, "/api/tenants/STRUGGLE-1/alerts", nil)), 3)

	base := "/api/tenants/STRUGGLE-1/alerts/" + critical.ID

	rec := ts.do(t, http.MethodPost, base+"/acknowledge", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	acked := decode[AlertDTO](t, rec)
	assert.NotNil(t, acked.AcknowledgedAt)
	assert.True(t, acked.IsActive)

	// Acknowledging twice is a no-op.
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, base+"/acknowledge", nil).Code)

	rec = ts.do(t, http.MethodPost, base+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decode[AlertDTO](t, rec)
	assert.False(t, resolved.IsActive)
	assert.NotNil(t, resolved.ResolvedAt)

	remaining := decode[[]AlertDTO](t, ts.do(t, http.MethodGet, "/api/tenants/STRUGGLE-1/alerts", nil))
	assert.Len(t, remaining, 2)

	history := decode[[]AuditEntryDTO](t, ts.do(t, http.MethodGet, base+"/history", nil))
	var actions []string
	for _, e := range history {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"alert_triggered", "alert_acknowledged", "alert_resolved"}, actions)
}

func TestAlerts_UnknownOrForeignAlertIs404(t *testing.T) {
	ts := newTestServer(t)
	ts.load(t, "struggling-economy")
	ts.do(t, http.MethodGet, "/api/tenants/STRUGGLE-1/snapshot/week", nil)
	alerts := decode[[]AlertDTO](t, ts.do(t, http.MethodGet, "/api/tenants/STRUGGLE-1/alerts", nil))
	require.NotEmpty(t, alerts)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/tenants/STRUGGLE-1/alerts/nope/acknowledge", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/tenants/OTHER/alerts/"+alerts[0].ID+"/resolve", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/tenants/OTHER/alerts/"+alerts[0].ID+"/history", nil).Code)
}

func TestAlerts_HealthyEconomyHasNone(t *testing.T) {
	ts := newTestServer(t)
	ts.load(t, "healthy-economy")
	ts.do(t, http.MethodGet, "/api/tenants/HEALTHY-1/snapshot/week", nil)

	rec := ts.do(t, http.MethodGet, "/api/tenants/HEALTHY-1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

// =============================================================================
// CONTEXT EVENTS
// =============================================================================

func TestEvents_CreateAndList(t *testing.T) {
	ts := newTestServer(t)
	path := "/api/tenants/JOIN-A/events"

	rec := ts.do(t, http.MethodPost, path, CreateEventRequest{
		EventType:   "holiday",
		EventDate:   "2025-03-11",
		Description: "Spring assembly",
	}, OwnerHeader, "teacher-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[ContextEventDTO](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "2025-03-11T00:00:00Z", created.EventDate)

	old, updated := 100.0, 120.0
	rec = ts.do(t, http.MethodPost, path, CreateEventRequest{
		EventType:      "rent_change",
		EventDate:      "2025-03-01T09:00:00Z",
		Description:    "Rent increase",
		OldValue:       &old,
		NewValue:       &updated,
		CreatedByAdmin: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	events := decode[[]ContextEventDTO](t, ts.do(t, http.MethodGet, path, nil))
	require.Len(t, events, 2)
	assert.Equal(t, "holiday", events[0].EventType, "newest first")
	assert.Equal(t, 120.0, *events[1].NewValue)

	limited := decode[[]ContextEventDTO](t, ts.do(t, http.MethodGet, path+"?limit=1", nil))
	assert.Len(t, limited, 1)

	ranged := decode[[]ContextEventDTO](t, ts.do(t, http.MethodGet, path+"?start=2025-03-10&end=2025-03-12", nil))
	require.Len(t, ranged, 1)
	assert.Equal(t, "holiday", ranged[0].EventType)

	other := decode[[]ContextEventDTO](t, ts.do(t, http.MethodGet, "/api/tenants/JOIN-B/events", nil))
	assert.Empty(t, other)
}

func TestEvents_InvalidInputIs400(t *testing.T) {
	ts := newTestServer(t)
	path := "/api/tenants/JOIN-A/events"

	tests := []struct {
		name string
		body any
	}{
		{"unknown type", CreateEventRequest{EventType: "party", EventDate: "2025-03-11", Description: "x"}},
		{"missing description", CreateEventRequest{EventType: "holiday", EventDate: "2025-03-11"}},
		{"bad date", CreateEventRequest{EventType: "holiday", EventDate: "11/03/2025", Description: "x"}},
		{"not json", "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, path, tt.body).Code)
		})
	}

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, path+"?limit=many", nil).Code)
}

// =============================================================================
// DRILL-DOWN
// =============================================================================

func TestDrilldown(t *testing.T) {
	// GIVEN: A student with a legacy stipend and a tagged payroll deposit
	// WHEN: Drilling down in their own period and in the sibling period
	// THEN: The balance includes the legacy row; the sibling period refuses

	ts := newTestServer(t)
	ts.load(t, "two-periods")

	rec := ts.do(t, http.MethodGet, "/api/tenants/PERIOD-1/subjects/p1-ana/drilldown", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d := decode[DrilldownDTO](t, rec)

	assert.Equal(t, "p1-ana", d.StudentID)
	assert.Equal(t, "150.00", d.CheckingBalance)
	assert.Equal(t, "0.00", d.SavingsBalance)
	assert.Equal(t, 120.0, d.CWIValue)
	assert.Equal(t, 2160.0, d.ExpectedBalance)
	require.Len(t, d.Recent, 1)
	assert.Equal(t, "100.00", d.Recent[0].Amount)

	rec = ts.do(t, http.MethodGet, "/api/tenants/PERIOD-2/subjects/p1-ana/drilldown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRouter_LogsRequestsAndAllowsOwnerHeader(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	last := ts.hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "request served", last.Message)
	assert.Equal(t, http.StatusOK, last.Data["status"])
	assert.Equal(t, "/api/health", last.Data["path"])
	assert.NotEmpty(t, last.Data["request_id"])

	req := httptest.NewRequest(http.MethodOptions, "/api/tenants/T1/alerts", nil)
	req.Header.Set("Origin", "http://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", OwnerHeader)
	preflight := httptest.NewRecorder()
	ts.router.ServeHTTP(preflight, req)
	assert.Equal(t, "*", preflight.Header().Get("Access-Control-Allow-Origin"))
}

// downDatabase is a store whose database does not answer pings.
type downDatabase struct {
	*store.Memory
}

func (downDatabase) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth_ChecksDatabaseBehindCache(t *testing.T) {
	mem := store.NewMemory()
	logger, _ := logtest.NewNullLogger()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	ts := newTestServerWith(t, rediscache.New(downDatabase{mem}, rdb, time.Minute, logger), mem)

	rec := ts.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
