/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built classroom economies that populate storage with
	realistic data for demos and manual exploration of the dashboard.
	Each scenario creates tenants, rosters, pay configuration, ledger rows
	and presence taps relative to the current time.

AVAILABLE SCENARIOS:

	healthy-economy:    One class period, everyone active, balances near CWI
	two-periods:        One teacher, two class periods, legacy untagged rows
	struggling-economy: Low attendance and widespread negative balances

HOW SCENARIOS WORK:
 1. Reset storage (clear all data, including snapshots and alerts)
 2. Register tenants and enroll students
 3. Write pay configuration (global and per-period rows)
 4. Append ledger events and presence taps
 5. Optionally record context events

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "two-periods"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description, tenants
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset storage. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and error helpers
  - analytics/store.go: LedgerWriter
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/economy-analytics/analytics"
)

// DemoOwner owns every demo tenant.
const DemoOwner analytics.OwnerID = "teacher-demo"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "healthy-economy",
		Name:        "Healthy Economy",
		Description: "Five students, all active this week, balances tracking expected income",
		Tenants:     []string{"HEALTHY-1"},
	},
	{
		ID:          "two-periods",
		Name:        "Two Class Periods",
		Description: "One teacher with two periods, a per-period wage override and pre-migration ledger rows",
		Tenants:     []string{"PERIOD-1", "PERIOD-2"},
	},
	{
		ID:          "struggling-economy",
		Name:        "Struggling Economy",
		Description: "Rent outpaces wages and most students stopped tapping in",
		Tenants:     []string{"STRUGGLE-1"},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Writer == nil {
		writeError(w, http.StatusNotImplemented, "scenarios are disabled for this store", nil)
		return
	}

	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "healthy-economy":
		load = h.loadHealthyScenario
	case "two-periods":
		load = h.loadTwoPeriodsScenario
	case "struggling-economy":
		load = h.loadStrugglingScenario
	default:
		writeError(w, http.StatusBadRequest, "unknown scenario", fmt.Errorf("%q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Writer.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset storage", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if h.Writer == nil {
		writeError(w, http.StatusNotImplemented, "reset is disabled for this store", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Writer.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset storage", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadHealthyScenario(ctx context.Context) error {
	tenant := analytics.Tenant{Key: "HEALTHY-1", Owner: DemoOwner}
	students := []analytics.SubjectID{"h-ada", "h-ben", "h-cy", "h-dee", "h-eli"}
	if err := h.addTenant(ctx, tenant, students); err != nil {
		return err
	}
	if err := h.Writer.SetBaselineConfig(ctx, standardPay(DemoOwner, "")); err != nil {
		return err
	}

	// Four paydays; spending leaves each student a little above or below CWI.
	seed := h.newSeed(tenant)
	closing := []float64{130, 115, 122, 112, 108}
	for i, s := range students {
		for week := 4; week >= 1; week-- {
			seed.add(s, 120, analytics.AccountChecking, days(7*week-1), "Weekly payroll")
		}
		seed.add(s, closing[i]-480, analytics.AccountChecking, days(3), "Rent and store purchases")
		seed.add(s, 10, analytics.AccountSavings, days(2), "Savings deposit")
		seed.tapIn(s, days(1))
	}
	return seed.flush(ctx)
}

func (h *Handler) loadTwoPeriodsScenario(ctx context.Context) error {
	first := analytics.Tenant{Key: "PERIOD-1", Owner: DemoOwner}
	second := analytics.Tenant{Key: "PERIOD-2", Owner: DemoOwner}
	if err := h.addTenant(ctx, first, []analytics.SubjectID{"p1-ana", "p1-bo", "p1-cal", "p1-dax"}); err != nil {
		return err
	}
	if err := h.addTenant(ctx, second, []analytics.SubjectID{"p2-eve", "p2-fin", "p2-gus"}); err != nil {
		return err
	}

	// Owner-wide pay, with a lower rate for the second period.
	if err := h.Writer.SetBaselineConfig(ctx, standardPay(DemoOwner, "")); err != nil {
		return err
	}
	if err := h.Writer.SetBaselineConfig(ctx, analytics.BaselineConfig{
		OwnerID:             DemoOwner,
		TenantKey:           second.Key,
		RatePerMinute:       decimal.RequireFromString("0.20"),
		ExpectedWeeklyHours: decimal.NewFromInt(8),
	}); err != nil {
		return err
	}

	p1 := h.newSeed(first)
	// Rows written before tenant keys existed still count for this owner.
	p1.legacy("p1-ana", 50, days(60), "Opening stipend")
	p1.add("p1-ana", 100, analytics.AccountChecking, days(2), "Weekly payroll")
	p1.add("p1-bo", 120, analytics.AccountChecking, days(2), "Weekly payroll")
	p1.add("p1-cal", 120, analytics.AccountChecking, days(2), "Weekly payroll")
	p1.add("p1-cal", -160, analytics.AccountChecking, days(1), "Rent")
	fine := p1.add("p1-dax", -40, analytics.AccountChecking, days(3), "Late fee")
	p1.add("p1-dax", 118, analytics.AccountChecking, days(2), "Weekly payroll")
	p1.tapIn("p1-ana", days(1))
	p1.tapIn("p1-bo", days(1))
	if err := p1.flush(ctx); err != nil {
		return err
	}
	// The late fee was issued by mistake.
	if err := h.Writer.VoidLedger(ctx, fine); err != nil {
		return err
	}

	p2 := h.newSeed(second)
	p2.add("p2-eve", 96, analytics.AccountChecking, days(2), "Weekly payroll")
	p2.add("p2-fin", 96, analytics.AccountChecking, days(2), "Weekly payroll")
	p2.add("p2-gus", 96, analytics.AccountChecking, days(2), "Weekly payroll")
	p2.add("p2-gus", -30, analytics.AccountChecking, days(1), "Class store")
	if err := p2.flush(ctx); err != nil {
		return err
	}

	_, err := h.Engine.RecordEvent(ctx, second, analytics.ContextEvent{
		Type:           analytics.EventWageChange,
		OccurredAt:     h.now().AddDate(0, 0, -14),
		Description:    "Lowered hourly wage for period 2",
		OldValue:       floatPtr(0.25),
		NewValue:       floatPtr(0.20),
		CreatedByAdmin: true,
	})
	return err
}

func (h *Handler) loadStrugglingScenario(ctx context.Context) error {
	tenant := analytics.Tenant{Key: "STRUGGLE-1", Owner: DemoOwner}
	students := []analytics.SubjectID{"s-ari", "s-bea", "s-col", "s-dru", "s-emi", "s-fox"}
	if err := h.addTenant(ctx, tenant, students); err != nil {
		return err
	}
	if err := h.Writer.SetBaselineConfig(ctx, standardPay(DemoOwner, "")); err != nil {
		return err
	}

	// All money moved more than a week ago; only two students tapped in since.
	seed := h.newSeed(tenant)
	for i, s := range students {
		seed.add(s, 120, analytics.AccountChecking, days(12), "Weekly payroll")
		if i > 0 {
			seed.add(s, -200, analytics.AccountChecking, days(10), "Rent")
		}
	}
	seed.tapIn("s-ari", days(2))
	seed.tapIn("s-bea", days(2))
	if err := seed.flush(ctx); err != nil {
		return err
	}

	_, err := h.Engine.RecordEvent(ctx, tenant, analytics.ContextEvent{
		Type:           analytics.EventRentChange,
		OccurredAt:     h.now().AddDate(0, 0, -10),
		Description:    "Rent raised from 150 to 200",
		OldValue:       floatPtr(150),
		NewValue:       floatPtr(200),
		CreatedByAdmin: true,
	})
	return err
}

// =============================================================================
// SEED HELPERS
// =============================================================================

// standardPay is 0.25/min for 8 hours a week, a CWI of 120.
func standardPay(owner analytics.OwnerID, tenant analytics.TenantKey) analytics.BaselineConfig {
	return analytics.BaselineConfig{
		OwnerID:             owner,
		TenantKey:           tenant,
		RatePerMinute:       decimal.RequireFromString("0.25"),
		ExpectedWeeklyHours: decimal.NewFromInt(8),
	}
}

func (h *Handler) addTenant(ctx context.Context, t analytics.Tenant, students []analytics.SubjectID) error {
	if err := h.Writer.AddTenant(ctx, t); err != nil {
		return err
	}
	return h.Writer.Enroll(ctx, t.Key, students...)
}

// ledgerSeed buffers one tenant's demo rows, timestamped relative to now.
type ledgerSeed struct {
	w        analytics.LedgerWriter
	tenant   analytics.Tenant
	now      time.Time
	n        int
	ledger   []analytics.LedgerEvent
	presence []analytics.PresenceEvent
}

func (h *Handler) newSeed(t analytics.Tenant) *ledgerSeed {
	return &ledgerSeed{w: h.Writer, tenant: t, now: h.now()}
}

func (s *ledgerSeed) nextID(kind string) string {
	s.n++
	return fmt.Sprintf("%s-%s-%03d", s.tenant.Key, kind, s.n)
}

// add appends a tenant-tagged event and returns its id.
func (s *ledgerSeed) add(subject analytics.SubjectID, amount float64, account analytics.Account, ago time.Duration, desc string) string {
	ev := analytics.LedgerEvent{
		ID:          s.nextID("tx"),
		TenantKey:   s.tenant.Key,
		OwnerID:     s.tenant.Owner,
		SubjectID:   subject,
		Amount:      decimal.NewFromFloat(amount),
		Account:     account,
		Timestamp:   s.now.Add(-ago),
		Description: desc,
	}
	s.ledger = append(s.ledger, ev)
	return ev.ID
}

// legacy appends a checking event with no tenant key.
func (s *ledgerSeed) legacy(subject analytics.SubjectID, amount float64, ago time.Duration, desc string) {
	s.ledger = append(s.ledger, analytics.LedgerEvent{
		ID:          s.nextID("legacy"),
		OwnerID:     s.tenant.Owner,
		SubjectID:   subject,
		Amount:      decimal.NewFromFloat(amount),
		Account:     analytics.AccountChecking,
		Timestamp:   s.now.Add(-ago),
		Description: desc,
	})
}

func (s *ledgerSeed) tapIn(subject analytics.SubjectID, ago time.Duration) {
	s.presence = append(s.presence, analytics.PresenceEvent{
		ID:        s.nextID("tap"),
		TenantKey: s.tenant.Key,
		SubjectID: subject,
		Status:    analytics.PresenceActive,
		Timestamp: s.now.Add(-ago),
	})
}

func (s *ledgerSeed) flush(ctx context.Context) error {
	if err := s.w.AppendLedger(ctx, s.ledger...); err != nil {
		return fmt.Errorf("failed to append ledger: %w", err)
	}
	if err := s.w.AppendPresence(ctx, s.presence...); err != nil {
		return fmt.Errorf("failed to append presence: %w", err)
	}
	return nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func floatPtr(f float64) *float64 {
	return &f
}
