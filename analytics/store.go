/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the narrow boundary between the engine and storage. Ledger,
  roster and baseline configuration are read-only collaborators; snapshots,
  alerts and their transition log are the engine's own tables.

KEY INTERFACES:
  Roster:         enrolled subjects per tenant
  LedgerReader:   monetary and presence events
  BaselineSource: pay configuration rows per owner
  SnapshotStore:  cached snapshots keyed by (tenant, window type, start, end)
  AlertStore:     alerts, at most one active per (tenant, kind)
  AuditLog:       append-only alert transitions
  EventStore:     chart annotation events

UNIQUENESS CONTRACT:
  SaveSnapshot must replace an incomplete row under the same key but never a
  complete one: on a complete conflict it returns ErrDuplicateSnapshot.
  InsertAlert must return ErrDuplicateActiveAlert when an active alert of the
  same (tenant, kind) exists. Both are enforced inside the store (unique
  index or lock), not by a read-then-write in the caller.

IMPLEMENTATIONS:
  - analytics/store/memory.go: in-memory, for tests and demos
  - store/sqlstore: SQLite / PostgreSQL
  - store/rediscache: read-through cache wrapping any Store

SEE ALSO:
  - engine.go: the only caller
*/
package analytics

import (
	"context"
	"time"
)

// =============================================================================
// READ-ONLY COLLABORATORS
// =============================================================================

// Roster lists enrolled subjects.
type Roster interface {
	// EnrolledSubjects returns the distinct subjects enrolled in the tenant.
	EnrolledSubjects(ctx context.Context, tenant TenantKey) ([]SubjectID, error)

	// Tenants returns every known tenant with its owner.
	Tenants(ctx context.Context) ([]Tenant, error)
}

// LedgerReader queries the two append-only event streams.
type LedgerReader interface {
	// MonetaryEvents returns non-void events tagged with the tenant in [w.Start, w.End).
	MonetaryEvents(ctx context.Context, tenant TenantKey, w Window) ([]LedgerEvent, error)

	// PresenceEvents returns non-deleted presence events of the tenant in [w.Start, w.End).
	PresenceEvents(ctx context.Context, tenant TenantKey, w Window) ([]PresenceEvent, error)

	// BucketEvents returns every event in the account bucket that is either
	// tagged with the tenant or carries no tenant key at all. Void events are
	// included; callers filter with BalanceScope.
	BucketEvents(ctx context.Context, tenant TenantKey, account Account) ([]LedgerEvent, error)
}

// BaselineSource returns pay configuration rows for an owner.
type BaselineSource interface {
	BaselineConfigs(ctx context.Context, owner OwnerID) ([]BaselineConfig, error)
}

// =============================================================================
// ENGINE-OWNED TABLES
// =============================================================================

type SnapshotStore interface {
	// FindSnapshot returns the snapshot stored under key, or nil.
	FindSnapshot(ctx context.Context, key SnapshotKey) (*Snapshot, error)

	// PreviousComplete returns the latest complete snapshot for the tenant and
	// window type whose start is strictly before the given instant, or nil.
	PreviousComplete(ctx context.Context, tenant TenantKey, windowType WindowType, before time.Time) (*Snapshot, error)

	// SaveSnapshot inserts snap, or replaces an incomplete row under the same
	// key keeping that row's ID. Returns ErrDuplicateSnapshot if a complete
	// row already holds the key.
	SaveSnapshot(ctx context.Context, snap Snapshot) (Snapshot, error)
}

type AlertStore interface {
	// ActiveAlerts returns the tenant's active alerts in any order.
	ActiveAlerts(ctx context.Context, tenant TenantKey) ([]Alert, error)

	// InsertAlert stores a new active alert, or returns ErrDuplicateActiveAlert.
	InsertAlert(ctx context.Context, alert Alert) error

	// GetAlert returns an alert by id, or nil.
	GetAlert(ctx context.Context, id string) (*Alert, error)

	// MarkAcknowledged sets acknowledged_at if it is unset. Reports whether it changed.
	MarkAcknowledged(ctx context.Context, id string, at time.Time) (bool, error)

	// MarkResolved sets resolved_at and clears the active flag if not already
	// resolved. Reports whether it changed.
	MarkResolved(ctx context.Context, id string, at time.Time) (bool, error)
}

// AuditAction is a recorded alert transition.
type AuditAction string

const (
	AuditAlertTriggered    AuditAction = "alert_triggered"
	AuditAlertAcknowledged AuditAction = "alert_acknowledged"
	AuditAlertResolved     AuditAction = "alert_resolved"
)

// AuditEntry is one row of the alert transition log.
type AuditEntry struct {
	ID        string
	AlertID   string
	TenantKey TenantKey
	Action    AuditAction
	At        time.Time
}

// AuditLog is append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	AuditTrail(ctx context.Context, alertID string) ([]AuditEntry, error)
}

// EventStore persists chart annotations.
type EventStore interface {
	AppendEvent(ctx context.Context, event ContextEvent) error

	// ContextEvents returns the tenant's events in [w.Start, w.End], newest
	// first, at most limit rows (limit <= 0 means no limit).
	ContextEvents(ctx context.Context, tenant TenantKey, w Window, limit int) ([]ContextEvent, error)
}

// =============================================================================
// HOST WRITES - Owned by the surrounding application; used by demos and tests
// =============================================================================

// LedgerWriter seeds the read-only collaborators. The engine never calls it.
type LedgerWriter interface {
	AddTenant(ctx context.Context, t Tenant) error
	Enroll(ctx context.Context, tenant TenantKey, subjects ...SubjectID) error
	AppendLedger(ctx context.Context, events ...LedgerEvent) error
	VoidLedger(ctx context.Context, id string) error
	AppendPresence(ctx context.Context, events ...PresenceEvent) error
	SetBaselineConfig(ctx context.Context, cfg BaselineConfig) error

	// Reset clears every table (demo reloads).
	Reset(ctx context.Context) error
}

// Store is everything the engine needs from storage.
type Store interface {
	Roster
	LedgerReader
	BaselineSource
	SnapshotStore
	AlertStore
	AuditLog
	EventStore
}
