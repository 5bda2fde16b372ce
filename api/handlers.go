/*
handlers.go - HTTP API handlers for the economy analytics engine

PURPOSE:
  Exposes the analytics engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to analytics.Engine.

ENDPOINTS:
  Snapshots:
    GET    /api/tenants/{tenant}/snapshot/{window}      Health snapshot (?start=&end= for custom)

  Alerts:
    GET    /api/tenants/{tenant}/alerts                 Active alerts, most severe first
    POST   /api/tenants/{tenant}/alerts/{id}/acknowledge
    POST   /api/tenants/{tenant}/alerts/{id}/resolve
    GET    /api/tenants/{tenant}/alerts/{id}/history    Transition log

  Context events:
    GET    /api/tenants/{tenant}/events                 ?start=&end=&limit=
    POST   /api/tenants/{tenant}/events

  Drill-down:
    GET    /api/tenants/{tenant}/subjects/{subject}/drilldown

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    POST   /api/scenarios/load         Load a demo scenario
    POST   /api/scenarios/reset        Clear all data

TENANT RESOLUTION:
  {tenant} is the join code. The owning teacher comes from the X-Owner-ID
  header; when absent it is looked up from the tenant list. The owner only
  feeds baseline fallback and legacy ledger rows, never isolation.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input (bad dates, malformed events)
  - 404: Unknown alert, or a subject outside the tenant
  - 503: Storage unreachable; the client should try again
  - 500: Anything else

SECURITY NOTE:
  Authentication and tenant authorization happen upstream. Handlers trust
  the tenant in the path.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/economy-analytics/analytics"
)

// OwnerHeader carries the owning teacher's id.
const OwnerHeader = "X-Owner-ID"

const defaultEventLimit = 50

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *analytics.Engine

	// Writer seeds demo scenarios. Nil disables the scenario endpoints.
	Writer analytics.LedgerWriter

	Log logrus.FieldLogger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(engine *analytics.Engine, writer analytics.LedgerWriter, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = engine.Log
	}
	return &Handler{Engine: engine, Writer: writer, Log: log}
}

// tenant resolves the path tenant and its owner.
func (h *Handler) tenant(r *http.Request) (analytics.Tenant, error) {
	t := analytics.Tenant{
		Key:   analytics.TenantKey(chi.URLParam(r, "tenant")),
		Owner: analytics.OwnerID(r.Header.Get(OwnerHeader)),
	}
	if t.Owner != "" {
		return t, nil
	}
	known, err := h.Engine.Store.Tenants(r.Context())
	if err != nil {
		return t, &analytics.StorageError{Op: "list tenants", Err: err}
	}
	for _, k := range known {
		if k.Key == t.Key {
			return k, nil
		}
	}
	return t, nil
}

func (h *Handler) now() time.Time {
	if h.Engine.Now != nil {
		return h.Engine.Now().UTC()
	}
	return time.Now().UTC()
}

// =============================================================================
// SNAPSHOT ENDPOINTS
// =============================================================================

// GetSnapshot returns the health snapshot for a window.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.tenant(r)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	// Unparseable bounds count as absent, so the resolver falls back to week.
	start := h.lenientTime(r, "start")
	end := h.lenientTime(r, "end")

	window := analytics.ParseWindowType(chi.URLParam(r, "window"))
	snap, err := h.Engine.SnapshotFor(r.Context(), tenant, window, start, end)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// =============================================================================
// ALERT ENDPOINTS
// =============================================================================

// ListAlerts returns the tenant's active alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	tenant := analytics.TenantKey(chi.URLParam(r, "tenant"))
	alerts, err := h.Engine.ListActiveAlerts(r.Context(), tenant)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertDTOs(alerts))
}

// AcknowledgeAlert marks an alert as seen. Repeating it is a no-op.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	h.transitionAlert(w, r, h.Engine.Acknowledge)
}

// ResolveAlert deactivates an alert. Repeating it is a no-op.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	h.transitionAlert(w, r, h.Engine.Resolve)
}

func (h *Handler) transitionAlert(w http.ResponseWriter, r *http.Request, apply func(context.Context, analytics.TenantKey, string) error) {
	ctx := r.Context()
	tenant := analytics.TenantKey(chi.URLParam(r, "tenant"))
	id := chi.URLParam(r, "id")

	if err := apply(ctx, tenant, id); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	alert, err := h.Engine.Store.GetAlert(ctx, id)
	if err != nil {
		h.writeEngineError(w, r, &analytics.StorageError{Op: "get alert", Err: err})
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toAlertDTO(*alert))
}

// AlertHistory returns the transition log of one alert.
func (h *Handler) AlertHistory(w http.ResponseWriter, r *http.Request) {
	tenant := analytics.TenantKey(chi.URLParam(r, "tenant"))
	entries, err := h.Engine.AlertHistory(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(entries))
}

// =============================================================================
// CONTEXT EVENT ENDPOINTS
// =============================================================================

// ListEvents returns chart annotations, newest first. Without bounds it
// covers the last month.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	tenant := analytics.TenantKey(chi.URLParam(r, "tenant"))

	start, err := optionalTime(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start", err)
		return
	}
	end, err := optionalTime(r, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end", err)
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
	}

	now := h.now()
	window := analytics.Window{Start: now.AddDate(0, 0, -30), End: now}
	if start != nil {
		window.Start = *start
	}
	if end != nil {
		window.End = *end
	}

	events, err := h.Engine.ListEvents(r.Context(), tenant, window, limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	out := make([]ContextEventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventDTO(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateEvent records a chart annotation.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.tenant(r)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	occurred, err := parseTime(req.EventDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event_date", err)
		return
	}

	ev, err := h.Engine.RecordEvent(r.Context(), tenant, analytics.ContextEvent{
		Type:           analytics.EventType(req.EventType),
		OccurredAt:     occurred,
		Description:    req.Description,
		OldValue:       req.OldValue,
		NewValue:       req.NewValue,
		CreatedByAdmin: req.CreatedByAdmin,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(ev))
}

// =============================================================================
// DRILL-DOWN ENDPOINT
// =============================================================================

// GetDrilldown returns one student's standing against the baseline.
func (h *Handler) GetDrilldown(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.tenant(r)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	subject := analytics.SubjectID(chi.URLParam(r, "subject"))
	d, err := h.Engine.Drilldown(r.Context(), tenant, subject)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDrilldownDTO(d))
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Engine.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func optionalTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := parseTime(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &t, nil
}

func (h *Handler) lenientTime(r *http.Request, name string) *time.Time {
	t, err := optionalTime(r, name)
	if err != nil {
		h.Log.WithError(err).WithField("param", name).Debug("ignoring malformed window bound")
		return nil
	}
	return t
}

// writeEngineError maps engine errors to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case analytics.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)
	case analytics.IsClientError(err):
		writeError(w, http.StatusBadRequest, "invalid request", err)
	case analytics.IsStorage(err):
		h.Log.WithError(err).WithField("path", r.URL.Path).Warn("storage unavailable")
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, try again", nil)
	default:
		h.Log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
