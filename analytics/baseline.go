package analytics

import (
	"context"

	"github.com/shopspring/decimal"
)

var minutesPerHour = decimal.NewFromInt(60)

// ResolveBaselineConfig picks the configuration for a tenant from an owner's rows.
//
// Precedence:
//  1. the row whose TenantKey equals the tenant
//  2. the owner's global row (empty TenantKey)
//  3. none
func ResolveBaselineConfig(tenant TenantKey, rows []BaselineConfig) (BaselineConfig, bool) {
	var global *BaselineConfig
	for i := range rows {
		switch rows[i].TenantKey {
		case tenant:
			return rows[i], true
		case "":
			if global == nil {
				global = &rows[i]
			}
		}
	}
	if global != nil {
		return *global, true
	}
	return BaselineConfig{}, false
}

// WeeklyIncome returns the expected income per week for a configuration:
// rate per minute × 60 × expected weekly hours. Negative inputs clamp to zero.
func (c BaselineConfig) WeeklyIncome() decimal.Decimal {
	cwi := c.RatePerMinute.Mul(minutesPerHour).Mul(c.ExpectedWeeklyHours)
	if cwi.IsNegative() {
		return decimal.Zero
	}
	return cwi
}

// BaselineCalculator derives the expected weekly income (CWI) for a tenant.
type BaselineCalculator struct {
	Source BaselineSource
}

// Baseline returns the tenant's CWI, or 0 when nothing resolves. Only a
// storage failure is an error.
func (b BaselineCalculator) Baseline(ctx context.Context, tenant Tenant) (float64, error) {
	rows, err := b.Source.BaselineConfigs(ctx, tenant.Owner)
	if err != nil {
		return 0, storageErr("load baseline config", err)
	}
	cfg, ok := ResolveBaselineConfig(tenant.Key, rows)
	if !ok {
		return 0, nil
	}
	cwi, _ := cfg.WeeklyIncome().Float64()
	return cwi, nil
}
