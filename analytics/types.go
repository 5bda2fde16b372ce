/*
Package analytics provides the economy health engine for classroom economies.

PURPOSE:
  Turns the append-only ledger of a class-period economy into tenant-scoped,
  time-windowed health signals (participation, velocity, baseline deviation,
  solvency), trend labels and de-duplicated alerts. Results are memoized as
  snapshots so dashboards stay fast.

KEY CONCEPTS IN THIS FILE (types.go):
  - TenantKey: the join code of one class-period economy (isolation boundary)
  - OwnerID: the teacher account that created the tenant (grouping only)
  - LedgerEvent / PresenceEvent: read-only rows from the two event streams
  - Snapshot: cached metrics for one (tenant, window type, start, end)
  - Alert: lifecycle-tracked notice that a metric crossed a threshold

DESIGN PRINCIPLES:
  1. Isolation: every financial query is scoped by TenantKey, never OwnerID alone
  2. Relative metrics: money is judged against the expected weekly income (CWI)
  3. Aggregate only: nothing default-visible names an individual subject
  4. Precision: ledger amounts use decimal.Decimal, metrics are plain floats

SEE ALSO:
  - engine.go: get-or-create snapshot control flow
  - metrics.go: the four health metrics
  - balance.go: tenant/owner balance scoping
  - store.go: persistence interfaces
*/
package analytics

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// TenantKey identifies one class-period economy (its join code).
type TenantKey string

// OwnerID identifies the teacher that owns one or more tenants.
// Two tenants can share an owner, so OwnerID never scopes financial data alone.
type OwnerID string

// SubjectID identifies a student.
type SubjectID string

// Tenant pairs the isolation key with its owner. The owner is needed for
// baseline fallback and for pre-migration ledger rows without a tenant key.
type Tenant struct {
	Key   TenantKey
	Owner OwnerID
}

// =============================================================================
// LEDGER - Read-only views of the two event streams
// =============================================================================

// Account is the bucket a monetary event lands in.
type Account string

const (
	AccountChecking Account = "checking"
	AccountSavings  Account = "savings"
)

// LedgerEvent is one monetary event. Amount is never rewritten; voiding only
// flips Void, and a voided event contributes zero to every balance.
type LedgerEvent struct {
	ID          string
	TenantKey   TenantKey // empty for legacy rows written before tenant keys existed
	OwnerID     OwnerID
	SubjectID   SubjectID
	Amount      decimal.Decimal
	Account     Account
	Timestamp   time.Time
	Description string
	Void        bool
}

// PresenceStatus is the direction of a presence transition.
type PresenceStatus string

const (
	PresenceActive   PresenceStatus = "active"
	PresenceInactive PresenceStatus = "inactive"
)

// PresenceEvent records a subject tapping in or out of a tenant.
// Deleted events stay in storage but are excluded from activity.
type PresenceEvent struct {
	ID        string
	TenantKey TenantKey
	SubjectID SubjectID
	Status    PresenceStatus
	Timestamp time.Time
	Deleted   bool
}

// BaselineConfig is one pay configuration row for an owner. An empty
// TenantKey marks the owner's global fallback row.
type BaselineConfig struct {
	OwnerID             OwnerID
	TenantKey           TenantKey
	RatePerMinute       decimal.Decimal
	ExpectedWeeklyHours decimal.Decimal
}

// =============================================================================
// SNAPSHOT - Cached health metrics for one window
// =============================================================================

// Trend is the direction of a metric compared to the previous window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
)

// HealthMetrics are the four system-health values for one window.
type HealthMetrics struct {
	ParticipationRate     float64 // % of enrolled subjects active in the window
	MoneyVelocity         float64 // events per subject per day
	BaselineWithinBandPct float64 // % of subjects within ±20% of expected balance
	SolvencyPassRate      float64 // % of subjects with a positive balance
}

// Trends holds the three trend labels stored on a snapshot.
type Trends struct {
	Balance       Trend // follows BaselineWithinBandPct
	Velocity      Trend
	Participation Trend
}

// SnapshotKey is the cache key of a snapshot.
type SnapshotKey struct {
	TenantKey   TenantKey
	WindowType  WindowType
	WindowStart time.Time
	WindowEnd   time.Time
}

// Snapshot is the derived, cacheable result of one computation.
// Once Complete is true the row is never replaced.
type Snapshot struct {
	ID         string
	TenantKey  TenantKey
	OwnerID    OwnerID
	WindowType WindowType
	Window     Window

	Metrics        HealthMetrics
	Baseline       float64
	AverageBalance float64
	Trends         Trends

	EnrolledCount    int
	ActiveCount      int
	TransactionCount int

	Complete   bool
	ComputedAt time.Time
}

// Key returns the cache key for the snapshot.
func (s Snapshot) Key() SnapshotKey {
	return SnapshotKey{
		TenantKey:   s.TenantKey,
		WindowType:  s.WindowType,
		WindowStart: s.Window.Start,
		WindowEnd:   s.Window.End,
	}
}

// =============================================================================
// ALERT - Threshold notices with a lifecycle
// =============================================================================

type AlertKind string

const (
	AlertParticipationLow  AlertKind = "participation_low"
	AlertBaselineDeviation AlertKind = "cwi_deviation"
	AlertVelocityDrop      AlertKind = "velocity_drop"
	AlertSolvencyLow       AlertKind = "budget_survival_low"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// rank orders severities for display, most severe first.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// Alert is at most one active row per (tenant, kind).
type Alert struct {
	ID        string
	TenantKey TenantKey
	OwnerID   OwnerID
	Kind      AlertKind
	Severity  Severity

	WhatChanged     string
	WhyItMatters    string
	SuggestedAction string

	MetricName     string
	CurrentValue   float64
	ThresholdValue float64

	TriggeredAt    time.Time
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
	Active         bool
}

// =============================================================================
// CONTEXT EVENTS - Chart annotations, never used in calculations
// =============================================================================

type EventType string

const (
	EventRentChange EventType = "rent_change"
	EventWageChange EventType = "wage_change"
	EventInflation  EventType = "inflation"
	EventHoliday    EventType = "holiday"
	EventWildcard   EventType = "wildcard"
	EventCustom     EventType = "custom"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventRentChange, EventWageChange, EventInflation, EventHoliday, EventWildcard, EventCustom:
		return true
	}
	return false
}

// ContextEvent annotates a tenant's charts.
type ContextEvent struct {
	ID             string
	TenantKey      TenantKey
	OwnerID        OwnerID
	Type           EventType
	OccurredAt     time.Time
	Description    string
	OldValue       *float64
	NewValue       *float64
	CreatedByAdmin bool
	CreatedAt      time.Time
}
