/*
engine.go - Snapshot orchestration and alert lifecycle

PURPOSE:
  The Engine is the entry point callers use. It memoizes health snapshots
  per (tenant, window type, start, end) and keeps alerts de-duplicated.

CONTROL FLOW (GetOrCreateSnapshot):
  1. Look up the snapshot by exact key
  2. Complete row found -> return it untouched (cache hit)
  3. Otherwise, once per key in this process (singleflight):
     a. baseline (CWI) for the tenant
     b. roster, events, balances -> four metrics
     c. previous complete snapshot of the same window type -> trends
     d. persist (complete = window end <= now)
     e. evaluate thresholds, insert alerts that are not already active
  4. A concurrent writer in another process that wins the key is detected
     by the store (ErrDuplicateSnapshot); we return the winning row.

CONCURRENCY:
  Engine is safe for concurrent use. In-process races on one key collapse
  into a single computation; cross-process races are settled by the store's
  uniqueness constraints.

SEE ALSO:
  - metrics.go, trend.go, alerts.go: the pure parts
  - store.go: uniqueness contract relied on here
*/
package analytics

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultWeeksEnrolled is the enrollment length assumed by Drilldown.
const DefaultWeeksEnrolled = 18

// Engine computes and caches economy health for tenants.
type Engine struct {
	Store          Store
	Windows        *WindowResolver
	Log            logrus.FieldLogger
	Now            func() time.Time
	NewID          func() string
	TrendThreshold float64
	WeeksEnrolled  int

	flights singleflight.Group
}

// NewEngine returns an engine with default thresholds on the wall clock.
func NewEngine(store Store, log logrus.FieldLogger) *Engine {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Engine{
		Store:          store,
		Windows:        NewWindowResolver(0),
		Log:            log,
		Now:            time.Now,
		NewID:          uuid.NewString,
		TrendThreshold: DefaultTrendThreshold,
		WeeksEnrolled:  DefaultWeeksEnrolled,
	}
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// SnapshotFor resolves a symbolic window and returns its snapshot.
func (e *Engine) SnapshotFor(ctx context.Context, tenant Tenant, name WindowType, start, end *time.Time) (Snapshot, error) {
	wt, w := e.Windows.Resolve(name, start, end)
	return e.GetOrCreateSnapshot(ctx, tenant, wt, w)
}

// GetOrCreateSnapshot returns the cached snapshot for the key if it is
// complete, otherwise computes, persists and returns a fresh one.
// Calling it twice with the same complete window returns the same ID.
func (e *Engine) GetOrCreateSnapshot(ctx context.Context, tenant Tenant, wt WindowType, w Window) (Snapshot, error) {
	key := SnapshotKey{TenantKey: tenant.Key, WindowType: wt, WindowStart: w.Start.UTC(), WindowEnd: w.End.UTC()}
	log := e.Log.WithFields(logrus.Fields{"tenant": tenant.Key, "window_type": wt})

	if snap, err := e.cached(ctx, key); err != nil || snap != nil {
		if snap != nil {
			log.Debug("snapshot cache hit")
			return *snap, nil
		}
		return Snapshot{}, err
	}

	v, err, shared := e.flights.Do(flightKey(key), func() (any, error) {
		// A flight that finished just before this one may have stored it.
		if snap, err := e.cached(ctx, key); err != nil || snap != nil {
			if snap != nil {
				return *snap, nil
			}
			return nil, err
		}
		return e.compute(ctx, tenant, key, log)
	})
	if err != nil {
		return Snapshot{}, err
	}
	if shared {
		log.Debug("snapshot computation shared with concurrent request")
	}
	return v.(Snapshot), nil
}

// cached returns the complete snapshot under key, or nil.
func (e *Engine) cached(ctx context.Context, key SnapshotKey) (*Snapshot, error) {
	snap, err := e.Store.FindSnapshot(ctx, key)
	if err != nil {
		return nil, storageErr("find snapshot", err)
	}
	if snap != nil && snap.Complete {
		return snap, nil
	}
	return nil, nil
}

func (e *Engine) compute(ctx context.Context, tenant Tenant, key SnapshotKey, log logrus.FieldLogger) (Snapshot, error) {
	w := Window{Start: key.WindowStart, End: key.WindowEnd}

	baseline, err := BaselineCalculator{Source: e.Store}.Baseline(ctx, tenant)
	if err != nil {
		return Snapshot{}, err
	}

	in, err := LoadMetricInputs(ctx, e.Store, tenant, w, baseline)
	if err != nil {
		return Snapshot{}, err
	}
	metrics, active := ComputeHealth(in)

	previous, err := e.Store.PreviousComplete(ctx, tenant.Key, key.WindowType, w.Start)
	if err != nil {
		return Snapshot{}, storageErr("find previous snapshot", err)
	}
	trends := CompareTrends(metrics, previous, e.TrendThreshold)

	now := e.now()
	snap := Snapshot{
		ID:               e.NewID(),
		TenantKey:        tenant.Key,
		OwnerID:          tenant.Owner,
		WindowType:       key.WindowType,
		Window:           w,
		Metrics:          metrics,
		Baseline:         baseline,
		AverageBalance:   AverageBalance(in.Enrolled, in.Balances),
		Trends:           trends,
		EnrolledCount:    len(in.Enrolled),
		ActiveCount:      active,
		TransactionCount: len(in.Events),
		Complete:         !w.End.After(now),
		ComputedAt:       now,
	}

	saved, err := e.Store.SaveSnapshot(ctx, snap)
	if errors.Is(err, ErrDuplicateSnapshot) {
		// Another writer completed the key first; its row and alerts win.
		log.Debug("snapshot key already completed by another writer")
		winner, err := e.Store.FindSnapshot(ctx, key)
		if err != nil {
			return Snapshot{}, storageErr("re-read snapshot", err)
		}
		if winner == nil {
			return Snapshot{}, storageErr("re-read snapshot", ErrDuplicateSnapshot)
		}
		return *winner, nil
	}
	if err != nil {
		return Snapshot{}, storageErr("save snapshot", err)
	}

	log.WithFields(logrus.Fields{
		"participation": metrics.ParticipationRate,
		"velocity":      metrics.MoneyVelocity,
		"within_band":   metrics.BaselineWithinBandPct,
		"solvency":      metrics.SolvencyPassRate,
		"complete":      saved.Complete,
	}).Info("snapshot computed")

	// The snapshot is already stored here. A failed alert write is reported
	// once and that window's proposals are not raised again by later reads.
	if err := e.raiseAlerts(ctx, tenant, metrics, trends, log); err != nil {
		return Snapshot{}, err
	}
	return saved, nil
}

func flightKey(k SnapshotKey) string {
	return string(k.TenantKey) + "|" + string(k.WindowType) + "|" +
		k.WindowStart.Format(time.RFC3339Nano) + "|" + k.WindowEnd.Format(time.RFC3339Nano)
}

// =============================================================================
// ALERTS
// =============================================================================

func (e *Engine) raiseAlerts(ctx context.Context, tenant Tenant, m HealthMetrics, t Trends, log logrus.FieldLogger) error {
	for _, proposal := range EvaluateAlerts(m, t) {
		alert := proposal
		alert.ID = e.NewID()
		alert.TenantKey = tenant.Key
		alert.OwnerID = tenant.Owner
		alert.TriggeredAt = e.now()
		alert.Active = true

		err := e.Store.InsertAlert(ctx, alert)
		if errors.Is(err, ErrDuplicateActiveAlert) {
			log.WithField("alert_kind", alert.Kind).Debug("alert already active, skipped")
			continue
		}
		if err != nil {
			return storageErr("insert alert", err)
		}
		log.WithFields(logrus.Fields{"alert_kind": alert.Kind, "severity": alert.Severity}).Info("alert triggered")
		if err := e.audit(ctx, alert, AuditAlertTriggered); err != nil {
			return err
		}
	}
	return nil
}

// ListActiveAlerts returns the tenant's active alerts, most severe first.
func (e *Engine) ListActiveAlerts(ctx context.Context, tenant TenantKey) ([]Alert, error) {
	alerts, err := e.Store.ActiveAlerts(ctx, tenant)
	if err != nil {
		return nil, storageErr("list active alerts", err)
	}
	SortAlerts(alerts)
	return alerts, nil
}

// Acknowledge marks an alert as seen. Acknowledging twice is a no-op.
func (e *Engine) Acknowledge(ctx context.Context, tenant TenantKey, id string) error {
	alert, err := e.alertInTenant(ctx, tenant, id)
	if err != nil {
		return err
	}
	changed, err := e.Store.MarkAcknowledged(ctx, id, e.now())
	if err != nil {
		return storageErr("acknowledge alert", err)
	}
	if !changed {
		return nil
	}
	return e.audit(ctx, *alert, AuditAlertAcknowledged)
}

// Resolve deactivates an alert. Resolving twice is a no-op. Once resolved, a
// new alert of the same kind may be raised by the next computation.
func (e *Engine) Resolve(ctx context.Context, tenant TenantKey, id string) error {
	alert, err := e.alertInTenant(ctx, tenant, id)
	if err != nil {
		return err
	}
	changed, err := e.Store.MarkResolved(ctx, id, e.now())
	if err != nil {
		return storageErr("resolve alert", err)
	}
	if !changed {
		return nil
	}
	return e.audit(ctx, *alert, AuditAlertResolved)
}

// AlertHistory returns the transition log of an alert.
func (e *Engine) AlertHistory(ctx context.Context, tenant TenantKey, id string) ([]AuditEntry, error) {
	if _, err := e.alertInTenant(ctx, tenant, id); err != nil {
		return nil, err
	}
	trail, err := e.Store.AuditTrail(ctx, id)
	if err != nil {
		return nil, storageErr("load alert history", err)
	}
	return trail, nil
}

func (e *Engine) alertInTenant(ctx context.Context, tenant TenantKey, id string) (*Alert, error) {
	alert, err := e.Store.GetAlert(ctx, id)
	if err != nil {
		return nil, storageErr("get alert", err)
	}
	if alert == nil || alert.TenantKey != tenant {
		return nil, ErrAlertNotFound
	}
	return alert, nil
}

func (e *Engine) audit(ctx context.Context, alert Alert, action AuditAction) error {
	err := e.Store.AppendAudit(ctx, AuditEntry{
		ID:        e.NewID(),
		AlertID:   alert.ID,
		TenantKey: alert.TenantKey,
		Action:    action,
		At:        e.now(),
	})
	return storageErr("append alert audit", err)
}

// =============================================================================
// CONTEXT EVENTS
// =============================================================================

// RecordEvent stores a chart annotation for the tenant.
func (e *Engine) RecordEvent(ctx context.Context, tenant Tenant, ev ContextEvent) (ContextEvent, error) {
	if !ev.Type.Valid() || ev.Description == "" || ev.OccurredAt.IsZero() {
		return ContextEvent{}, ErrInvalidEvent
	}
	ev.ID = e.NewID()
	ev.TenantKey = tenant.Key
	ev.OwnerID = tenant.Owner
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.CreatedAt = e.now()
	if err := e.Store.AppendEvent(ctx, ev); err != nil {
		return ContextEvent{}, storageErr("append context event", err)
	}
	return ev, nil
}

// ListEvents returns annotations in the window, newest first.
func (e *Engine) ListEvents(ctx context.Context, tenant TenantKey, w Window, limit int) ([]ContextEvent, error) {
	events, err := e.Store.ContextEvents(ctx, tenant, w, limit)
	if err != nil {
		return nil, storageErr("list context events", err)
	}
	return events, nil
}

// =============================================================================
// DRILL-DOWN - Explicit per-subject view, never part of a snapshot
// =============================================================================

// Drilldown compares one subject to the baseline.
type Drilldown struct {
	SubjectID       SubjectID
	CheckingBalance decimal.Decimal
	SavingsBalance  decimal.Decimal
	Baseline        float64
	ExpectedBalance float64
	DeviationPct    float64
	Recent          []LedgerEvent
}

const (
	drilldownLookback = 30 * 24 * time.Hour
	drilldownLimit    = 50
)

// Drilldown returns a single enrolled subject's standing against the
// baseline, with their last 30 days of non-void events in the tenant.
func (e *Engine) Drilldown(ctx context.Context, tenant Tenant, subject SubjectID) (Drilldown, error) {
	enrolled, err := e.Store.EnrolledSubjects(ctx, tenant.Key)
	if err != nil {
		return Drilldown{}, storageErr("load roster", err)
	}
	if !containsSubject(enrolled, subject) {
		return Drilldown{}, ErrSubjectNotEnrolled
	}

	baseline, err := BaselineCalculator{Source: e.Store}.Baseline(ctx, tenant)
	if err != nil {
		return Drilldown{}, err
	}

	scope := ScopeFor(tenant)
	one := []SubjectID{subject}
	checking, err := SubjectBalances(ctx, e.Store, scope, AccountChecking, one)
	if err != nil {
		return Drilldown{}, err
	}
	savings, err := SubjectBalances(ctx, e.Store, scope, AccountSavings, one)
	if err != nil {
		return Drilldown{}, err
	}

	now := e.now()
	events, err := e.Store.MonetaryEvents(ctx, tenant.Key, Window{Start: now.Add(-drilldownLookback), End: now.Add(time.Nanosecond)})
	if err != nil {
		return Drilldown{}, storageErr("load monetary events", err)
	}
	var recent []LedgerEvent
	for _, ev := range nonVoid(events) {
		if ev.SubjectID == subject {
			recent = append(recent, ev)
		}
	}
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].Timestamp.After(recent[j].Timestamp) })
	if len(recent) > drilldownLimit {
		recent = recent[:drilldownLimit]
	}

	weeks := e.WeeksEnrolled
	if weeks <= 0 {
		weeks = DefaultWeeksEnrolled
	}
	expected := baseline * float64(weeks)
	var deviation float64
	if expected > 0 {
		actual, _ := checking[subject].Float64()
		deviation = (actual - expected) / expected * 100
	}

	return Drilldown{
		SubjectID:       subject,
		CheckingBalance: checking[subject],
		SavingsBalance:  savings[subject],
		Baseline:        baseline,
		ExpectedBalance: expected,
		DeviationPct:    deviation,
		Recent:          recent,
	}, nil
}

func containsSubject(ids []SubjectID, id SubjectID) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}
