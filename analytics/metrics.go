package analytics

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// METRIC INPUTS - Everything the calculators read, loaded once per window
// =============================================================================

// BaselineBand is the relative distance from expected balance that still
// counts as "tracking expected income".
var BaselineBand = decimal.NewFromFloat(0.20)

var hundred = decimal.NewFromInt(100)

// MetricInputs is the ledger state the four calculators need.
type MetricInputs struct {
	Window   Window
	Baseline float64
	Enrolled []SubjectID
	Events   []LedgerEvent   // non-void monetary events of the tenant in the window
	Presence []PresenceEvent // non-deleted presence events of the tenant in the window
	Balances map[SubjectID]decimal.Decimal
}

// LoadMetricInputs reads the roster, both event streams and checking balances.
func LoadMetricInputs(ctx context.Context, store interface {
	Roster
	LedgerReader
}, tenant Tenant, w Window, baseline float64) (MetricInputs, error) {
	enrolled, err := store.EnrolledSubjects(ctx, tenant.Key)
	if err != nil {
		return MetricInputs{}, storageErr("load roster", err)
	}
	events, err := store.MonetaryEvents(ctx, tenant.Key, w)
	if err != nil {
		return MetricInputs{}, storageErr("load monetary events", err)
	}
	presence, err := store.PresenceEvents(ctx, tenant.Key, w)
	if err != nil {
		return MetricInputs{}, storageErr("load presence events", err)
	}
	balances, err := SubjectBalances(ctx, store, ScopeFor(tenant), AccountChecking, enrolled)
	if err != nil {
		return MetricInputs{}, err
	}
	return MetricInputs{
		Window:   w,
		Baseline: baseline,
		Enrolled: enrolled,
		Events:   nonVoid(events),
		Presence: nonDeleted(presence),
		Balances: balances,
	}, nil
}

// ComputeHealth runs all four calculators.
func ComputeHealth(in MetricInputs) (HealthMetrics, int) {
	participation, active := ParticipationRate(in.Enrolled, in.Events, in.Presence)
	return HealthMetrics{
		ParticipationRate:     participation,
		MoneyVelocity:         MoneyVelocity(len(in.Events), len(in.Enrolled), in.Window),
		BaselineWithinBandPct: BaselineWithinBand(in.Enrolled, in.Balances, in.Baseline, in.Window),
		SolvencyPassRate:      SolvencyPassRate(in.Enrolled, in.Balances),
	}, active
}

// =============================================================================
// CALCULATORS - Pure functions, zero enrolled always yields 0
// =============================================================================

// ParticipationRate is the share of enrolled subjects with at least one
// monetary or presence event, ×100. Events of subjects outside the roster
// are ignored. Also returns the active count.
func ParticipationRate(enrolled []SubjectID, events []LedgerEvent, presence []PresenceEvent) (float64, int) {
	if len(enrolled) == 0 {
		return 0, 0
	}
	roster := make(map[SubjectID]bool, len(enrolled))
	for _, id := range enrolled {
		roster[id] = true
	}

	active := make(map[SubjectID]bool)
	for _, ev := range events {
		if roster[ev.SubjectID] {
			active[ev.SubjectID] = true
		}
	}
	for _, ev := range presence {
		if roster[ev.SubjectID] {
			active[ev.SubjectID] = true
		}
	}
	return float64(len(active)) / float64(len(roster)) * 100, len(active)
}

// MoneyVelocity is events / (enrolled × window days), window days floored
// to at least 1, rounded to 2 places.
func MoneyVelocity(eventCount, enrolledCount int, w Window) float64 {
	if enrolledCount == 0 {
		return 0
	}
	days := w.Days()
	if days < 1 {
		days = 1
	}
	v := decimal.NewFromInt(int64(eventCount)).
		Div(decimal.NewFromInt(int64(enrolledCount * days)))
	f, _ := v.Round(2).Float64()
	return f
}

// BaselineWithinBand is the % of enrolled subjects whose checking balance is
// within BaselineBand of baseline × (days / 7), rounded to 1 place. When the
// expected balance is zero a subject is within band only at exactly zero.
func BaselineWithinBand(enrolled []SubjectID, balances map[SubjectID]decimal.Decimal, baseline float64, w Window) float64 {
	if len(enrolled) == 0 {
		return 0
	}
	expected := decimal.NewFromFloat(baseline).
		Mul(decimal.NewFromInt(int64(w.Days()))).
		Div(decimal.NewFromInt(7))

	within := 0
	for _, id := range enrolled {
		actual := balances[id]
		if expected.IsPositive() {
			deviation := actual.Sub(expected).Abs().Div(expected)
			if deviation.LessThanOrEqual(BaselineBand) {
				within++
			}
		} else if actual.IsZero() {
			within++
		}
	}
	return percent(within, len(enrolled))
}

// SolvencyPassRate is the % of enrolled subjects with a strictly positive
// checking balance in the tenant scope, rounded to 1 place.
//
// This is a balance-sign check. Tracking each subject's running savings rate
// against the baseline is not part of it.
func SolvencyPassRate(enrolled []SubjectID, balances map[SubjectID]decimal.Decimal) float64 {
	if len(enrolled) == 0 {
		return 0
	}
	passing := 0
	for _, id := range enrolled {
		if balances[id].IsPositive() {
			passing++
		}
	}
	return percent(passing, len(enrolled))
}

// AverageBalance is the mean checking balance of enrolled subjects, for
// context next to the baseline only.
func AverageBalance(enrolled []SubjectID, balances map[SubjectID]decimal.Decimal) float64 {
	if len(enrolled) == 0 {
		return 0
	}
	total := decimal.Zero
	for _, id := range enrolled {
		total = total.Add(balances[id])
	}
	f, _ := total.Div(decimal.NewFromInt(int64(len(enrolled)))).Round(2).Float64()
	return f
}

// =============================================================================
// HELPERS
// =============================================================================

func percent(n, total int) float64 {
	f, _ := decimal.NewFromInt(int64(n)).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(total))).
		Round(1).
		Float64()
	return f
}

func nonVoid(events []LedgerEvent) []LedgerEvent {
	out := events[:0:0]
	for _, ev := range events {
		if !ev.Void {
			out = append(out, ev)
		}
	}
	return out
}

func nonDeleted(events []PresenceEvent) []PresenceEvent {
	out := events[:0:0]
	for _, ev := range events {
		if !ev.Deleted {
			out = append(out, ev)
		}
	}
	return out
}
