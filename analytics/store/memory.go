// Package store provides in-process analytics.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/economy-analytics/analytics"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements analytics.Store. A single mutex guards every table, so
// the snapshot and alert uniqueness checks happen atomically with the write.
type Memory struct {
	mu sync.RWMutex

	tenants  map[analytics.TenantKey]analytics.OwnerID
	roster   map[analytics.TenantKey][]analytics.SubjectID
	ledger   []analytics.LedgerEvent // sorted by Timestamp
	presence []analytics.PresenceEvent
	configs  map[analytics.OwnerID][]analytics.BaselineConfig

	snapshots map[snapKey]analytics.Snapshot
	alerts    map[string]analytics.Alert
	active    map[alertKey]string // active alert id per (tenant, kind)
	audit     []analytics.AuditEntry
	events    []analytics.ContextEvent
}

type snapKey struct {
	tenant     analytics.TenantKey
	windowType analytics.WindowType
	start, end int64
}

type alertKey struct {
	tenant analytics.TenantKey
	kind   analytics.AlertKind
}

func keyOf(k analytics.SnapshotKey) snapKey {
	return snapKey{
		tenant:     k.TenantKey,
		windowType: k.WindowType,
		start:      k.WindowStart.UnixNano(),
		end:        k.WindowEnd.UnixNano(),
	}
}

func NewMemory() *Memory {
	return &Memory{
		tenants:   make(map[analytics.TenantKey]analytics.OwnerID),
		roster:    make(map[analytics.TenantKey][]analytics.SubjectID),
		configs:   make(map[analytics.OwnerID][]analytics.BaselineConfig),
		snapshots: make(map[snapKey]analytics.Snapshot),
		alerts:    make(map[string]analytics.Alert),
		active:    make(map[alertKey]string),
	}
}

// =============================================================================
// SEEDING - Writes owned by the host application, exposed for tests and demos
// =============================================================================

// AddTenant registers a tenant and its owner.
func (m *Memory) AddTenant(_ context.Context, t analytics.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.Key] = t.Owner
	return nil
}

// Enroll adds subjects to a tenant's roster. Re-enrolling is a no-op.
func (m *Memory) Enroll(_ context.Context, tenant analytics.TenantKey, subjects ...analytics.SubjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range subjects {
		if !containsSubject(m.roster[tenant], s) {
			m.roster[tenant] = append(m.roster[tenant], s)
		}
	}
	return nil
}

// AppendLedger adds monetary events, keeping the ledger ordered by time.
func (m *Memory) AppendLedger(_ context.Context, events ...analytics.LedgerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		// Binary search for the insertion point; equal timestamps keep arrival order.
		i := sort.Search(len(m.ledger), func(i int) bool {
			return m.ledger[i].Timestamp.After(ev.Timestamp)
		})
		m.ledger = append(m.ledger, analytics.LedgerEvent{})
		copy(m.ledger[i+1:], m.ledger[i:])
		m.ledger[i] = ev
	}
	return nil
}

// VoidLedger flips the void flag of an event. The amount is left untouched.
func (m *Memory) VoidLedger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ledger {
		if m.ledger[i].ID == id {
			m.ledger[i].Void = true
			return nil
		}
	}
	return fmt.Errorf("ledger event %q not found", id)
}

// AppendPresence adds presence events.
func (m *Memory) AppendPresence(_ context.Context, events ...analytics.PresenceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence = append(m.presence, events...)
	return nil
}

// SetBaselineConfig replaces the owner's row for cfg.TenantKey.
func (m *Memory) SetBaselineConfig(_ context.Context, cfg analytics.BaselineConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.configs[cfg.OwnerID]
	for i := range rows {
		if rows[i].TenantKey == cfg.TenantKey {
			rows[i] = cfg
			return nil
		}
	}
	m.configs[cfg.OwnerID] = append(rows, cfg)
	return nil
}

// Reset clears all data (for demo reloads).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := NewMemory()
	m.tenants, m.roster, m.configs = fresh.tenants, fresh.roster, fresh.configs
	m.snapshots, m.alerts, m.active = fresh.snapshots, fresh.alerts, fresh.active
	m.ledger, m.presence, m.audit, m.events = nil, nil, nil, nil
	return nil
}

// =============================================================================
// READ-ONLY COLLABORATORS
// =============================================================================

func (m *Memory) EnrolledSubjects(_ context.Context, tenant analytics.TenantKey) ([]analytics.SubjectID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]analytics.SubjectID(nil), m.roster[tenant]...), nil
}

func (m *Memory) Tenants(_ context.Context) ([]analytics.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]analytics.Tenant, 0, len(m.tenants))
	for k, o := range m.tenants {
		out = append(out, analytics.Tenant{Key: k, Owner: o})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) MonetaryEvents(_ context.Context, tenant analytics.TenantKey, w analytics.Window) ([]analytics.LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []analytics.LedgerEvent
	for _, ev := range m.ledger {
		if ev.TenantKey == tenant && !ev.Void && w.Contains(ev.Timestamp) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) PresenceEvents(_ context.Context, tenant analytics.TenantKey, w analytics.Window) ([]analytics.PresenceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []analytics.PresenceEvent
	for _, ev := range m.presence {
		if ev.TenantKey == tenant && !ev.Deleted && w.Contains(ev.Timestamp) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) BucketEvents(_ context.Context, tenant analytics.TenantKey, account analytics.Account) ([]analytics.LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []analytics.LedgerEvent
	for _, ev := range m.ledger {
		if ev.Account == account && (ev.TenantKey == tenant || ev.TenantKey == "") {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) BaselineConfigs(_ context.Context, owner analytics.OwnerID) ([]analytics.BaselineConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]analytics.BaselineConfig(nil), m.configs[owner]...), nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (m *Memory) FindSnapshot(_ context.Context, key analytics.SnapshotKey) (*analytics.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[keyOf(key)]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *Memory) PreviousComplete(_ context.Context, tenant analytics.TenantKey, wt analytics.WindowType, before time.Time) (*analytics.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *analytics.Snapshot
	for _, s := range m.snapshots {
		if s.TenantKey != tenant || s.WindowType != wt || !s.Complete || !s.Window.Start.Before(before) {
			continue
		}
		if best == nil || s.Window.Start.After(best.Window.Start) {
			s := s
			best = &s
		}
	}
	return best, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap analytics.Snapshot) (analytics.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(snap.Key())
	if existing, ok := m.snapshots[k]; ok {
		if existing.Complete {
			return analytics.Snapshot{}, analytics.ErrDuplicateSnapshot
		}
		snap.ID = existing.ID
	}
	m.snapshots[k] = snap
	return snap, nil
}

// =============================================================================
// ALERTS
// =============================================================================

func (m *Memory) ActiveAlerts(_ context.Context, tenant analytics.TenantKey) ([]analytics.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []analytics.Alert
	for k, id := range m.active {
		if k.tenant == tenant {
			out = append(out, m.alerts[id])
		}
	}
	return out, nil
}

func (m *Memory) InsertAlert(_ context.Context, alert analytics.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := alertKey{tenant: alert.TenantKey, kind: alert.Kind}
	if _, ok := m.active[k]; ok {
		return analytics.ErrDuplicateActiveAlert
	}
	alert.Active = true
	m.alerts[alert.ID] = alert
	m.active[k] = alert.ID
	return nil
}

func (m *Memory) GetAlert(_ context.Context, id string) (*analytics.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Memory) MarkAcknowledged(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.AcknowledgedAt != nil {
		return false, nil
	}
	a.AcknowledgedAt = &at
	m.alerts[id] = a
	return true, nil
}

func (m *Memory) MarkResolved(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.ResolvedAt != nil {
		return false, nil
	}
	a.ResolvedAt = &at
	a.Active = false
	m.alerts[id] = a
	k := alertKey{tenant: a.TenantKey, kind: a.Kind}
	if m.active[k] == id {
		delete(m.active, k)
	}
	return true, nil
}

// =============================================================================
// AUDIT LOG & CONTEXT EVENTS
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry analytics.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) AuditTrail(_ context.Context, alertID string) ([]analytics.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []analytics.AuditEntry
	for _, e := range m.audit {
		if e.AlertID == alertID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev analytics.ContextEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) ContextEvents(_ context.Context, tenant analytics.TenantKey, w analytics.Window, limit int) ([]analytics.ContextEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []analytics.ContextEvent
	for _, ev := range m.events {
		if ev.TenantKey != tenant || ev.OccurredAt.Before(w.Start) || ev.OccurredAt.After(w.End) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsSubject(ids []analytics.SubjectID, id analytics.SubjectID) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}

var (
	_ analytics.Store        = (*Memory)(nil)
	_ analytics.LedgerWriter = (*Memory)(nil)
)
