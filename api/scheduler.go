/*
scheduler.go - Snapshot warmer

PURPOSE:
  Periodically computes the last closed calendar week snapshot for every
  known tenant, so the first dashboard load of the week is a cache hit.
  Closed weeks are complete, so each one is computed at most once and later
  runs only re-read it.

DESIGN:
  - robfig/cron drives the schedule (standard 5-field spec or @every/@hourly)
  - One tenant failing does not stop the others
  - Runs never overlap; a slow run makes the next tick skip

CONFIGURATION:
  - warmer.enabled:  off by default
  - warmer.schedule: cron spec, default @hourly

USAGE:
  warmer := NewSnapshotWarmer(engine, "@hourly", log)
  if err := warmer.Start(); err != nil { ... }
  // ... later
  warmer.Stop()

SEE ALSO:
  - analytics/window.go: LastClosedWeek
  - analytics/engine.go: GetOrCreateSnapshot
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/economy-analytics/analytics"
)

// SnapshotWarmer precomputes closed-week snapshots on a schedule.
type SnapshotWarmer struct {
	Engine   *analytics.Engine
	Schedule string
	Timeout  time.Duration
	Log      logrus.FieldLogger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSnapshotWarmer creates a warmer. It does nothing until Start.
func NewSnapshotWarmer(engine *analytics.Engine, schedule string, log logrus.FieldLogger) *SnapshotWarmer {
	if log == nil {
		log = engine.Log
	}
	return &SnapshotWarmer{
		Engine:   engine,
		Schedule: schedule,
		Timeout:  5 * time.Minute,
		Log:      log.WithField("component", "snapshot_warmer"),
	}
}

// Start registers the schedule and begins running it in the background.
func (sw *SnapshotWarmer) Start() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.cron != nil {
		return nil
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(sw.Schedule, sw.tick); err != nil {
		return fmt.Errorf("invalid warmer schedule %q: %w", sw.Schedule, err)
	}
	c.Start()
	sw.cron = c

	sw.Log.WithField("schedule", sw.Schedule).Info("[Warmer] started")
	return nil
}

// Stop stops the schedule and waits for a running pass to finish.
func (sw *SnapshotWarmer) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.cron == nil {
		return
	}
	<-sw.cron.Stop().Done()
	sw.cron = nil
	sw.Log.Info("[Warmer] stopped")
}

func (sw *SnapshotWarmer) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), sw.Timeout)
	defer cancel()

	warmed, err := sw.Warm(ctx)
	entry := sw.Log.WithField("warmed", warmed)
	if err != nil {
		entry.WithError(err).Warn("[Warmer] pass finished with errors")
		return
	}
	entry.Info("[Warmer] pass finished")
}

// Warm computes the closed-week snapshot of every tenant. It returns how
// many tenants succeeded and the joined errors of those that did not.
func (sw *SnapshotWarmer) Warm(ctx context.Context) (int, error) {
	tenants, err := sw.Engine.Store.Tenants(ctx)
	if err != nil {
		return 0, &analytics.StorageError{Op: "list tenants", Err: err}
	}

	var (
		warmed int
		errs   []error
	)
	for _, t := range tenants {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := sw.Engine.SnapshotFor(ctx, t, analytics.WindowClosedWeek, nil, nil); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.Key, err))
			continue
		}
		warmed++
	}
	return warmed, errors.Join(errs...)
}
