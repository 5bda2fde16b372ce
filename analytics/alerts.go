/*
alerts.go - Threshold evaluation and alert proposals

PURPOSE:
  Turns freshly computed metrics and trends into alert proposals. Proposals
  describe the class as a whole: they never name a subject and never
  prescribe punitive action.

THRESHOLDS:
  participation_low     participation rate < 70%          warning
  cwi_deviation         within-band share < 80%           warning
  velocity_drop         velocity trend is worsening       info
  budget_survival_low   solvency pass rate < 50%          critical

DE-DUPLICATION:
  At most one active alert per (tenant, kind). The store enforces it; a
  proposal that collides with an active alert is dropped without updating
  the existing row. See Engine.raiseAlerts.
*/
package analytics

import (
	"fmt"
	"sort"
)

const (
	ParticipationThreshold = 70.0
	WithinBandThreshold    = 80.0
	SolvencyThreshold      = 50.0
)

// EvaluateAlerts returns the proposals triggered by metrics and trends.
// Proposals carry no ID, tenant or timestamps; the engine fills those in.
func EvaluateAlerts(m HealthMetrics, t Trends) []Alert {
	var proposals []Alert

	if m.ParticipationRate < ParticipationThreshold {
		proposals = append(proposals, Alert{
			Kind:            AlertParticipationLow,
			Severity:        SeverityWarning,
			WhatChanged:     fmt.Sprintf("Participation rate is %.1f%%", m.ParticipationRate),
			WhyItMatters:    "Low participation may indicate students are disengaged or facing barriers",
			SuggestedAction: "Consider: Are class schedules preventing access? Are instructions clear? Try a reminder announcement or check-in with the class.",
			MetricName:      "participation_rate",
			CurrentValue:    m.ParticipationRate,
			ThresholdValue:  ParticipationThreshold,
		})
	}

	if m.BaselineWithinBandPct < WithinBandThreshold {
		proposals = append(proposals, Alert{
			Kind:            AlertBaselineDeviation,
			Severity:        SeverityWarning,
			WhatChanged:     fmt.Sprintf("Only %.1f%% of students are tracking expected income", m.BaselineWithinBandPct),
			WhyItMatters:    "Large deviations suggest economy settings may not match actual behavior",
			SuggestedAction: "Review: Are wages appropriate for attendance patterns? Are expenses too high? Check the economy health settings.",
			MetricName:      "cwi_deviation_within_20pct",
			CurrentValue:    m.BaselineWithinBandPct,
			ThresholdValue:  WithinBandThreshold,
		})
	}

	if t.Velocity == TrendWorsening {
		proposals = append(proposals, Alert{
			Kind:            AlertVelocityDrop,
			Severity:        SeverityInfo,
			WhatChanged:     "Money velocity is decreasing",
			WhyItMatters:    "Declining activity may indicate students are hoarding or disengaged",
			SuggestedAction: "Consider: Add new store items, host a special event, or review pricing",
			MetricName:      "money_velocity",
			CurrentValue:    m.MoneyVelocity,
		})
	}

	if m.SolvencyPassRate < SolvencyThreshold {
		proposals = append(proposals, Alert{
			Kind:            AlertSolvencyLow,
			Severity:        SeverityCritical,
			WhatChanged:     fmt.Sprintf("Only %.1f%% of students have positive balances", m.SolvencyPassRate),
			WhyItMatters:    "Many students may be struggling with insolvency",
			SuggestedAction: "URGENT: Review rent and expense settings. Consider temporary relief or wage adjustment.",
			MetricName:      "budget_survival_pass_rate",
			CurrentValue:    m.SolvencyPassRate,
			ThresholdValue:  SolvencyThreshold,
		})
	}

	return proposals
}

// SortAlerts orders alerts critical, warning, info, then newest first.
func SortAlerts(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := alerts[i].Severity.rank(), alerts[j].Severity.rank()
		if ri != rj {
			return ri < rj
		}
		return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
	})
}
