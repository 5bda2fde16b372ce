package analytics

// DefaultTrendThreshold is the relative change below which a metric is stable.
const DefaultTrendThreshold = 0.10

// CompareTrend classifies current against the previous completed window.
//
// previous == nil or *previous == 0 is stable. Otherwise the relative change
// (current-previous)/previous is stable when |change| < threshold, improving
// when positive, worsening when negative.
//
// Higher is assumed better. A metric where lower is better must not be
// passed through here unmodified.
func CompareTrend(current float64, previous *float64, threshold float64) Trend {
	if previous == nil || *previous == 0 {
		return TrendStable
	}
	change := (current - *previous) / *previous
	switch {
	case abs(change) < threshold:
		return TrendStable
	case change > 0:
		return TrendImproving
	default:
		return TrendWorsening
	}
}

// CompareTrends labels the three trended metrics against a previous snapshot.
func CompareTrends(current HealthMetrics, previous *Snapshot, threshold float64) Trends {
	if previous == nil {
		return Trends{Balance: TrendStable, Velocity: TrendStable, Participation: TrendStable}
	}
	prev := previous.Metrics
	return Trends{
		Balance:       CompareTrend(current.BaselineWithinBandPct, &prev.BaselineWithinBandPct, threshold),
		Velocity:      CompareTrend(current.MoneyVelocity, &prev.MoneyVelocity, threshold),
		Participation: CompareTrend(current.ParticipationRate, &prev.ParticipationRate, threshold),
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
