package analytics

import (
	"fmt"
	"time"
)

// =============================================================================
// WINDOW - The time range metrics are computed over
// =============================================================================

// Window is the half-open range [Start, End) in UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Days returns the number of whole days in the window. It can be zero.
func (w Window) Days() int {
	if !w.End.After(w.Start) {
		return 0
	}
	return int(w.End.Sub(w.Start).Hours() / 24)
}

// Weeks returns Days()/7 as a float.
func (w Window) Weeks() float64 {
	return float64(w.Days()) / 7.0
}

// Valid reports whether End is after Start and both are set.
func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && w.End.After(w.Start)
}

// PreviousWindow returns the window of equal length ending at Start.
func (w Window) PreviousWindow() Window {
	return Window{Start: w.Start.Add(-w.End.Sub(w.Start)), End: w.Start}
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// WindowType is the symbolic name of a window.
type WindowType string

const (
	WindowWeek       WindowType = "week"
	WindowMonth      WindowType = "month"
	WindowPayCycle   WindowType = "pay_cycle"
	WindowRentCycle  WindowType = "rent_cycle"
	WindowCustom     WindowType = "custom"
	WindowClosedWeek WindowType = "closed_week"
)

// ParseWindowType maps a name to a known window type. Unknown names become week.
func ParseWindowType(name string) WindowType {
	switch wt := WindowType(name); wt {
	case WindowWeek, WindowMonth, WindowPayCycle, WindowRentCycle, WindowCustom, WindowClosedWeek:
		return wt
	default:
		return WindowWeek
	}
}

// =============================================================================
// WINDOW RESOLVER
// =============================================================================

const (
	// Pay and rent cycle lengths are fixed approximations. The real cycle
	// lives in payroll/rent configuration, which this resolver does not read.
	defaultPayCycle  = 7 * 24 * time.Hour
	defaultRentCycle = 30 * 24 * time.Hour

	week  = 7 * 24 * time.Hour
	month = 30 * 24 * time.Hour
)

// WindowResolver maps symbolic window names to concrete UTC ranges.
//
// Granularity truncates "now" before building rolling windows so requests
// within the same slot share a snapshot key. Zero disables truncation.
type WindowResolver struct {
	Now         func() time.Time
	Granularity time.Duration
}

// NewWindowResolver returns a resolver on the wall clock.
func NewWindowResolver(granularity time.Duration) *WindowResolver {
	return &WindowResolver{Now: time.Now, Granularity: granularity}
}

// Resolve never fails. A custom window with missing or inverted bounds,
// and any unknown name, resolve to the week window. The returned type is the
// one actually used, so callers key snapshots on it.
func (r *WindowResolver) Resolve(name WindowType, start, end *time.Time) (WindowType, Window) {
	now := r.now()

	switch name {
	case WindowWeek:
		return WindowWeek, Window{Start: now.Add(-week), End: now}
	case WindowMonth:
		return WindowMonth, Window{Start: now.Add(-month), End: now}
	case WindowPayCycle:
		return WindowPayCycle, Window{Start: now.Add(-defaultPayCycle), End: now}
	case WindowRentCycle:
		return WindowRentCycle, Window{Start: now.Add(-defaultRentCycle), End: now}
	case WindowClosedWeek:
		return WindowClosedWeek, LastClosedWeek(now)
	case WindowCustom:
		if start != nil && end != nil {
			w := Window{Start: start.UTC(), End: end.UTC()}
			if w.Valid() {
				return WindowCustom, w
			}
		}
	}
	return WindowWeek, Window{Start: now.Add(-week), End: now}
}

func (r *WindowResolver) now() time.Time {
	clock := r.Now
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC()
	if r.Granularity > 0 {
		now = now.Truncate(r.Granularity)
	}
	return now
}

// LastClosedWeek returns the most recent complete Monday-to-Monday week before t.
func LastClosedWeek(t time.Time) Window {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(midnight.Weekday()) + 6) % 7 // days since Monday
	thisMonday := midnight.AddDate(0, 0, -offset)
	return Window{Start: thisMonday.AddDate(0, 0, -7), End: thisMonday}
}
