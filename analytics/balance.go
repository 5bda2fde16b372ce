/*
balance.go - Tenant-scoped balance computation

PURPOSE:
  Every balance in the engine is computed through BalanceScope so that the
  metrics, the drill-down and any future caller share one definition of
  "which ledger rows belong to this economy".

SCOPING RULE (two tiers, in order):
  1. The event's tenant key equals the scope's tenant key  -> included
  2. The event has NO tenant key and its owner equals the
     scope's owner (pre-migration rows)                    -> included
  Anything else is excluded, including null-tenant rows from another owner
  and rows tagged with a sibling tenant of the same owner.

  Void events are always excluded. Balances are rounded to cents.

SEE ALSO:
  - metrics.go: deviation and solvency metrics use SubjectBalances
  - engine.go: Drilldown uses Balance
*/
package analytics

import (
	"context"

	"github.com/shopspring/decimal"
)

// BalanceScope decides which ledger events count toward a tenant's balances.
type BalanceScope struct {
	Tenant TenantKey
	Owner  OwnerID
}

// ScopeFor returns the balance scope of a tenant.
func ScopeFor(t Tenant) BalanceScope {
	return BalanceScope{Tenant: t.Key, Owner: t.Owner}
}

// Covers reports whether the event belongs to the scope, ignoring the void flag.
func (s BalanceScope) Covers(ev LedgerEvent) bool {
	if ev.TenantKey != "" {
		return ev.TenantKey == s.Tenant
	}
	return s.Owner != "" && ev.OwnerID == s.Owner
}

// Counts reports whether the event contributes to a balance in the scope.
func (s BalanceScope) Counts(ev LedgerEvent) bool {
	return !ev.Void && s.Covers(ev)
}

// Balance sums the counted events of one subject in one bucket.
func (s BalanceScope) Balance(events []LedgerEvent, subject SubjectID, account Account) decimal.Decimal {
	total := decimal.Zero
	for _, ev := range events {
		if ev.SubjectID == subject && ev.Account == account && s.Counts(ev) {
			total = total.Add(ev.Amount)
		}
	}
	return total.Round(2)
}

// Balances sums counted events per subject for one bucket. Subjects with no
// events are absent from the map; their balance is zero.
func (s BalanceScope) Balances(events []LedgerEvent, account Account) map[SubjectID]decimal.Decimal {
	totals := make(map[SubjectID]decimal.Decimal)
	for _, ev := range events {
		if ev.Account != account || !s.Counts(ev) {
			continue
		}
		totals[ev.SubjectID] = totals[ev.SubjectID].Add(ev.Amount)
	}
	for id, v := range totals {
		totals[id] = v.Round(2)
	}
	return totals
}

// SubjectBalances loads the bucket once and returns the scoped balance of
// every listed subject, zero-filled.
func SubjectBalances(ctx context.Context, ledger LedgerReader, scope BalanceScope, account Account, subjects []SubjectID) (map[SubjectID]decimal.Decimal, error) {
	events, err := ledger.BucketEvents(ctx, scope.Tenant, account)
	if err != nil {
		return nil, storageErr("load bucket events", err)
	}
	all := scope.Balances(events, account)
	out := make(map[SubjectID]decimal.Decimal, len(subjects))
	for _, id := range subjects {
		out[id] = all[id] // zero value when absent
	}
	return out, nil
}
