package analytics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/economy-analytics/analytics"
)

func ptr(f float64) *float64 { return &f }

// =============================================================================
// TREND COMPARATOR
// =============================================================================

func TestCompareTrend(t *testing.T) {
	tests := []struct {
		name     string
		current  float64
		previous *float64
		want     analytics.Trend
	}{
		{"25% up is improving", 100, ptr(80), analytics.TrendImproving},
		{"20% down is worsening", 80, ptr(100), analytics.TrendWorsening},
		{"2% up is stable", 100, ptr(98), analytics.TrendStable},
		{"no previous is stable", 100, nil, analytics.TrendStable},
		{"previous zero is stable", 100, ptr(0), analytics.TrendStable},
		{"exactly 10% is not stable", 110, ptr(100), analytics.TrendImproving},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := analytics.CompareTrend(tt.current, tt.previous, analytics.DefaultTrendThreshold)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompareTrends_NoPreviousSnapshot(t *testing.T) {
	got := analytics.CompareTrends(analytics.HealthMetrics{MoneyVelocity: 3}, nil, analytics.DefaultTrendThreshold)

	assert.Equal(t, analytics.Trends{
		Balance:       analytics.TrendStable,
		Velocity:      analytics.TrendStable,
		Participation: analytics.TrendStable,
	}, got)
}

func TestCompareTrends_BalanceFollowsWithinBand(t *testing.T) {
	prev := &analytics.Snapshot{Metrics: analytics.HealthMetrics{
		BaselineWithinBandPct: 50, MoneyVelocity: 1.0, ParticipationRate: 80,
	}}
	cur := analytics.HealthMetrics{BaselineWithinBandPct: 80, MoneyVelocity: 0.5, ParticipationRate: 82}

	got := analytics.CompareTrends(cur, prev, analytics.DefaultTrendThreshold)

	assert.Equal(t, analytics.TrendImproving, got.Balance)
	assert.Equal(t, analytics.TrendWorsening, got.Velocity)
	assert.Equal(t, analytics.TrendStable, got.Participation)
}

// =============================================================================
// ALERT EVALUATION
// =============================================================================

func kinds(alerts []analytics.Alert) []analytics.AlertKind {
	var out []analytics.AlertKind
	for _, a := range alerts {
		out = append(out, a.Kind)
	}
	return out
}

func TestEvaluateAlerts_HealthyEconomy_NoAlerts(t *testing.T) {
	m := analytics.HealthMetrics{ParticipationRate: 90, MoneyVelocity: 1, BaselineWithinBandPct: 85, SolvencyPassRate: 95}
	stable := analytics.Trends{Velocity: analytics.TrendStable}

	assert.Empty(t, analytics.EvaluateAlerts(m, stable))
}

func TestEvaluateAlerts_EveryThresholdCrossed(t *testing.T) {
	m := analytics.HealthMetrics{ParticipationRate: 69.9, MoneyVelocity: 0.1, BaselineWithinBandPct: 79.9, SolvencyPassRate: 49.9}
	trends := analytics.Trends{Velocity: analytics.TrendWorsening}

	alerts := analytics.EvaluateAlerts(m, trends)

	require.Len(t, alerts, 4)
	assert.ElementsMatch(t, []analytics.AlertKind{
		analytics.AlertParticipationLow,
		analytics.AlertBaselineDeviation,
		analytics.AlertVelocityDrop,
		analytics.AlertSolvencyLow,
	}, kinds(alerts))

	for _, a := range alerts {
		assert.NotEmpty(t, a.WhatChanged)
		assert.NotEmpty(t, a.SuggestedAction)
		if a.Kind == analytics.AlertSolvencyLow {
			assert.Equal(t, analytics.SeverityCritical, a.Severity)
			assert.Equal(t, 49.9, a.CurrentValue)
			assert.Equal(t, analytics.SolvencyThreshold, a.ThresholdValue)
		}
	}
}

func TestEvaluateAlerts_ThresholdsAreStrict(t *testing.T) {
	// Values exactly on a threshold do not trigger
	m := analytics.HealthMetrics{ParticipationRate: 70, BaselineWithinBandPct: 80, SolvencyPassRate: 50}

	assert.Empty(t, analytics.EvaluateAlerts(m, analytics.Trends{}))
}

func TestSortAlerts_SeverityThenNewest(t *testing.T) {
	t0 := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	alerts := []analytics.Alert{
		{ID: "info", Severity: analytics.SeverityInfo, TriggeredAt: t0.Add(time.Hour)},
		{ID: "warn-old", Severity: analytics.SeverityWarning, TriggeredAt: t0},
		{ID: "crit", Severity: analytics.SeverityCritical, TriggeredAt: t0},
		{ID: "warn-new", Severity: analytics.SeverityWarning, TriggeredAt: t0.Add(time.Minute)},
	}

	analytics.SortAlerts(alerts)

	var ids []string
	for _, a := range alerts {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"crit", "warn-new", "warn-old", "info"}, ids)
}
