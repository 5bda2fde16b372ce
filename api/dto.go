/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the analytics domain model from the external API contract: the dashboard
  speaks in "students" and "CWI" while the engine speaks in subjects and
  baselines.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Snapshot:
    SnapshotDTO, MetricsDTO, TrendsDTO, SnapshotContextDTO

  Alerts:
    AlertDTO, AuditEntryDTO

  Context events:
    ContextEventDTO, CreateEventRequest

  Drill-down:
    DrilldownDTO, TransactionDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

TIME FORMAT:
  All timestamps are RFC 3339 in UTC.

SEE ALSO:
  - handlers.go: Uses these types
  - analytics/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/economy-analytics/analytics"
)

// =============================================================================
// SNAPSHOT
// =============================================================================

// SnapshotDTO is the dashboard view of one health snapshot.
type SnapshotDTO struct {
	ID             string             `json:"id"`
	WindowType     string             `json:"window_type"`
	WindowStart    string             `json:"window_start"`
	WindowEnd      string             `json:"window_end"`
	Metrics        MetricsDTO         `json:"metrics"`
	CWIValue       float64            `json:"cwi_value"`
	AverageBalance float64            `json:"average_balance"`
	Trends         TrendsDTO          `json:"trends"`
	Context        SnapshotContextDTO `json:"context"`
	ComputedAt     string             `json:"computed_at"`
	IsComplete     bool               `json:"is_complete"`
}

type MetricsDTO struct {
	ParticipationRate       float64 `json:"participation_rate"`
	MoneyVelocity           float64 `json:"money_velocity"`
	CWIDeviationWithin20Pct float64 `json:"cwi_deviation_within_20pct"`
	BudgetSurvivalPassRate  float64 `json:"budget_survival_pass_rate"`
}

type TrendsDTO struct {
	Balance       string `json:"balance"`
	Velocity      string `json:"velocity"`
	Participation string `json:"participation"`
}

type SnapshotContextDTO struct {
	TotalStudents     int `json:"total_students"`
	ActiveStudents    int `json:"active_students"`
	TotalTransactions int `json:"total_transactions"`
}

func toSnapshotDTO(s analytics.Snapshot) SnapshotDTO {
	return SnapshotDTO{
		ID:          s.ID,
		WindowType:  string(s.WindowType),
		WindowStart: formatTime(s.Window.Start),
		WindowEnd:   formatTime(s.Window.End),
		Metrics: MetricsDTO{
			ParticipationRate:       s.Metrics.ParticipationRate,
			MoneyVelocity:           s.Metrics.MoneyVelocity,
			CWIDeviationWithin20Pct: s.Metrics.BaselineWithinBandPct,
			BudgetSurvivalPassRate:  s.Metrics.SolvencyPassRate,
		},
		CWIValue:       s.Baseline,
		AverageBalance: s.AverageBalance,
		Trends: TrendsDTO{
			Balance:       string(s.Trends.Balance),
			Velocity:      string(s.Trends.Velocity),
			Participation: string(s.Trends.Participation),
		},
		Context: SnapshotContextDTO{
			TotalStudents:     s.EnrolledCount,
			ActiveStudents:    s.ActiveCount,
			TotalTransactions: s.TransactionCount,
		},
		ComputedAt: formatTime(s.ComputedAt),
		IsComplete: s.Complete,
	}
}

// =============================================================================
// ALERTS
// =============================================================================

// AlertDTO represents an economy alert in API responses.
type AlertDTO struct {
	ID              string  `json:"id"`
	AlertType       string  `json:"alert_type"`
	Severity        string  `json:"severity"`
	WhatChanged     string  `json:"what_changed"`
	WhyItMatters    string  `json:"why_it_matters"`
	SuggestedAction string  `json:"suggested_action"`
	MetricName      string  `json:"metric_name,omitempty"`
	CurrentValue    float64 `json:"current_value"`
	ThresholdValue  float64 `json:"threshold_value"`
	TriggeredAt     string  `json:"triggered_at"`
	AcknowledgedAt  *string `json:"acknowledged_at,omitempty"`
	ResolvedAt      *string `json:"resolved_at,omitempty"`
	IsActive        bool    `json:"is_active"`
}

func toAlertDTO(a analytics.Alert) AlertDTO {
	return AlertDTO{
		ID:              a.ID,
		AlertType:       string(a.Kind),
		Severity:        string(a.Severity),
		WhatChanged:     a.WhatChanged,
		WhyItMatters:    a.WhyItMatters,
		SuggestedAction: a.SuggestedAction,
		MetricName:      a.MetricName,
		CurrentValue:    a.CurrentValue,
		ThresholdValue:  a.ThresholdValue,
		TriggeredAt:     formatTime(a.TriggeredAt),
		AcknowledgedAt:  formatTimePtr(a.AcknowledgedAt),
		ResolvedAt:      formatTimePtr(a.ResolvedAt),
		IsActive:        a.Active,
	}
}

func toAlertDTOs(alerts []analytics.Alert) []AlertDTO {
	out := make([]AlertDTO, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, toAlertDTO(a))
	}
	return out
}

// AuditEntryDTO is one alert transition.
type AuditEntryDTO struct {
	ID      string `json:"id"`
	AlertID string `json:"alert_id"`
	Action  string `json:"action"`
	At      string `json:"at"`
}

func toAuditDTOs(entries []analytics.AuditEntry) []AuditEntryDTO {
	out := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryDTO{
			ID:      e.ID,
			AlertID: e.AlertID,
			Action:  string(e.Action),
			At:      formatTime(e.At),
		})
	}
	return out
}

// =============================================================================
// CONTEXT EVENTS
// =============================================================================

// ContextEventDTO is a chart annotation.
type ContextEventDTO struct {
	ID             string   `json:"id"`
	EventType      string   `json:"event_type"`
	EventDate      string   `json:"event_date"`
	Description    string   `json:"description"`
	OldValue       *float64 `json:"old_value,omitempty"`
	NewValue       *float64 `json:"new_value,omitempty"`
	CreatedByAdmin bool     `json:"created_by_admin"`
	CreatedAt      string   `json:"created_at"`
}

// CreateEventRequest records a chart annotation. EventDate accepts
// RFC 3339 or YYYY-MM-DD.
type CreateEventRequest struct {
	EventType      string   `json:"event_type"`
	EventDate      string   `json:"event_date"`
	Description    string   `json:"description"`
	OldValue       *float64 `json:"old_value,omitempty"`
	NewValue       *float64 `json:"new_value,omitempty"`
	CreatedByAdmin bool     `json:"created_by_admin"`
}

func toEventDTO(ev analytics.ContextEvent) ContextEventDTO {
	return ContextEventDTO{
		ID:             ev.ID,
		EventType:      string(ev.Type),
		EventDate:      formatTime(ev.OccurredAt),
		Description:    ev.Description,
		OldValue:       ev.OldValue,
		NewValue:       ev.NewValue,
		CreatedByAdmin: ev.CreatedByAdmin,
		CreatedAt:      formatTime(ev.CreatedAt),
	}
}

// =============================================================================
// DRILL-DOWN
// =============================================================================

// DrilldownDTO is the explicit per-student view.
type DrilldownDTO struct {
	StudentID       string           `json:"student_id"`
	CheckingBalance string           `json:"checking_balance"`
	SavingsBalance  string           `json:"savings_balance"`
	CWIValue        float64          `json:"cwi_value"`
	ExpectedBalance float64          `json:"expected_balance"`
	DeviationPct    float64          `json:"deviation_pct"`
	Recent          []TransactionDTO `json:"recent_transactions"`
}

// TransactionDTO is one ledger row in a drill-down.
type TransactionDTO struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Account     string `json:"account"`
	Timestamp   string `json:"timestamp"`
	Description string `json:"description,omitempty"`
}

func toDrilldownDTO(d analytics.Drilldown) DrilldownDTO {
	recent := make([]TransactionDTO, 0, len(d.Recent))
	for _, ev := range d.Recent {
		recent = append(recent, TransactionDTO{
			ID:          ev.ID,
			Amount:      ev.Amount.StringFixed(2),
			Account:     string(ev.Account),
			Timestamp:   formatTime(ev.Timestamp),
			Description: ev.Description,
		})
	}
	return DrilldownDTO{
		StudentID:       string(d.SubjectID),
		CheckingBalance: d.CheckingBalance.StringFixed(2),
		SavingsBalance:  d.SavingsBalance.StringFixed(2),
		CWIValue:        d.Baseline,
		ExpectedBalance: d.ExpectedBalance,
		DeviationPct:    d.DeviationPct,
		Recent:          recent,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tenants     []string `json:"tenants"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// TIME HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// parseTime accepts RFC 3339 or a bare YYYY-MM-DD date (midnight UTC).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}
