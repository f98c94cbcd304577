// Package scheduler drives the per-site control cadence: every tick it
// decides which equipment needs evaluation and enqueues the work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veridian-controls/bmscore/internal/clock"
	"github.com/veridian-controls/bmscore/internal/config"
	"github.com/veridian-controls/bmscore/internal/configstore"
	"github.com/veridian-controls/bmscore/internal/events"
	"github.com/veridian-controls/bmscore/internal/leadlag"
	"github.com/veridian-controls/bmscore/internal/obs"
	"github.com/veridian-controls/bmscore/internal/queue"
	"github.com/veridian-controls/bmscore/internal/statecache"
	"github.com/veridian-controls/bmscore/internal/telemetry"
	"github.com/veridian-controls/bmscore/internal/types"
)

// DegradedThreshold is how many consecutive tick failures mark the site
// degraded.
const DegradedThreshold = 3

// Deps are the scheduler's collaborators.
type Deps struct {
	Configs *configstore.Store
	Queue   *queue.Queue
	Reader  *telemetry.Reader
	Cache   *statecache.Cache
	Clock   clock.Clock
	Logger  *events.EventLogger
}

// Scheduler owns the tick loop for one site.
type Scheduler struct {
	siteID       string
	tickInterval time.Duration
	deps         Deps

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}

	// lastEnqueued tracks when each equipment last got a job, for the
	// evaluate-at-least-every-interval rule.
	lastMu       sync.Mutex
	lastEnqueued map[string]time.Time

	consecutiveFailures atomic.Int64
	degraded            atomic.Bool
	cleanTicks          atomic.Int64
	lastTickUnix        atomic.Int64
}

// New creates a scheduler for a site. The tick interval is clamped to the
// supported band.
func New(siteID string, tickInterval time.Duration, deps Deps) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = events.NoopEventLogger()
	}
	return &Scheduler{
		siteID:       siteID,
		tickInterval: config.ClampTickInterval(tickInterval),
		deps:         deps,
		lastEnqueued: make(map[string]time.Time),
	}
}

// Start restores any persisted pending work and launches the tick loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})

	s.restoreSnapshot()
	go s.run(s.stopCh, s.stoppedCh)
}

// Stop halts the loop, persisting pending work on the way out.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, stoppedCh := s.stopCh, s.stoppedCh
	s.mu.Unlock()

	close(stopCh)
	<-stoppedCh
	s.persistSnapshot()
}

func (s *Scheduler) run(stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	// First tick immediately; sites should not wait a full interval after
	// startup.
	s.Tick(context.Background())

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick runs one scheduling pass: fetch the site's equipment, decide per
// unit, enqueue, persist the queue snapshot.
func (s *Scheduler) Tick(ctx context.Context) {
	ctx, span := obs.GetGlobalTracer().StartSpan(ctx, "bmscore.tick",
		trace.WithAttributes(attribute.String("bmscore.site_id", s.siteID)))
	defer span.End()

	start := s.deps.Clock.Mono()
	now := s.deps.Clock.Now()
	s.lastTickUnix.Store(now.Unix())

	equipment, err := s.deps.Configs.SiteEquipment(ctx, s.siteID)
	if err != nil {
		s.tickFailed(err)
		return
	}

	enqueued, skipped := 0, 0
	for i := range equipment {
		eq := &equipment[i]
		priority, due := s.evaluate(ctx, eq, now)
		if !due {
			skipped++
			continue
		}
		_, created, err := s.deps.Queue.Enqueue(types.Job{
			Kind:        types.JobProcessEquipment,
			SiteID:      s.siteID,
			EquipmentID: eq.ID,
			Priority:    priority,
		})
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return
			}
			s.tickFailed(err)
			return
		}
		if created {
			enqueued++
			s.markEnqueued(eq.ID, now)
		} else {
			skipped++
		}
	}

	s.persistSnapshot()
	s.tickSucceeded()
	s.deps.Logger.LogTick(s.siteID, enqueued, skipped, s.deps.Clock.Mono()-start)
}

// evaluate decides whether a unit needs a job this tick and at what
// priority. A unit is due when it has not been evaluated within the tick
// interval, when a safety bound is crossed (at emergency priority), or when
// the measured value has drifted out of the configured deviation band.
func (s *Scheduler) evaluate(ctx context.Context, eq *types.Equipment, now time.Time) (int, bool) {
	s.lastMu.Lock()
	last, seen := s.lastEnqueued[eq.ID]
	s.lastMu.Unlock()

	overdue := !seen || now.Sub(last) >= s.tickInterval

	sample, err := s.deps.Reader.ReadLatest(ctx, s.siteID, eq.ID)
	if err != nil || sample == nil || sample.Stale {
		// Without usable telemetry only the cadence rule applies.
		return types.PriorityNormal, overdue
	}

	// Safety bound: an over-limit supply gets evaluated now at emergency
	// priority, queue dedup upgrades any pending normal job.
	if sample.HasField(leadlag.SupplyTempKeys...) &&
		sample.NumField(0, leadlag.SupplyTempKeys...) > leadlag.DefaultSupplyTempMax {
		return types.PriorityEmergency, true
	}

	if overdue {
		return types.PriorityNormal, true
	}

	if band := eq.Config.DeviationBand; band > 0 && eq.Config.Setpoint > 0 {
		measured := sample.NumField(eq.Config.Setpoint, roomAndSupplyKeys...)
		drift := measured - eq.Config.Setpoint
		if drift < 0 {
			drift = -drift
		}
		if drift > band {
			return types.PriorityNormal, true
		}
	}

	return types.PriorityNormal, false
}

// roomAndSupplyKeys is the measurement fallback for deviation checks.
var roomAndSupplyKeys = []string{
	"roomTemp", "RoomTemp", "spaceTemp", "zoneTemp", "temperature",
	"supply", "Supply", "SupplyTemp", "supplyTemperature",
}

func (s *Scheduler) markEnqueued(equipmentID string, now time.Time) {
	s.lastMu.Lock()
	s.lastEnqueued[equipmentID] = now
	s.lastMu.Unlock()
}

func (s *Scheduler) tickFailed(err error) {
	n := s.consecutiveFailures.Add(1)
	s.deps.Logger.LogTickError(s.siteID, int(n), err)
	if n >= DegradedThreshold && !s.degraded.Swap(true) {
		s.deps.Logger.LogSiteDegraded(s.siteID, true)
	}
}

func (s *Scheduler) tickSucceeded() {
	s.consecutiveFailures.Store(0)
	s.cleanTicks.Add(1)
	if s.degraded.Swap(false) {
		s.deps.Logger.LogSiteDegraded(s.siteID, false)
	}
}

// restoreSnapshot reloads pending jobs persisted by a previous run.
func (s *Scheduler) restoreSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := s.deps.Cache.GetQueueSnapshot(ctx, s.siteID)
	if err != nil {
		if !errors.Is(err, statecache.ErrNotFound) {
			s.deps.Logger.LogTickError(s.siteID, 0, fmt.Errorf("queue snapshot load: %w", err))
		}
		return
	}
	if err := s.deps.Queue.Restore(data); err != nil {
		s.deps.Logger.LogTickError(s.siteID, 0, fmt.Errorf("queue snapshot restore: %w", err))
	}
}

func (s *Scheduler) persistSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := s.deps.Queue.Snapshot()
	if err != nil {
		s.deps.Logger.LogTickError(s.siteID, 0, fmt.Errorf("queue snapshot: %w", err))
		return
	}
	if err := s.deps.Cache.PutQueueSnapshot(ctx, s.siteID, data); err != nil {
		s.deps.Logger.LogTickError(s.siteID, 0, fmt.Errorf("queue snapshot store: %w", err))
	}
}

// Degraded reports whether the site is failing its ticks.
func (s *Scheduler) Degraded() bool {
	return s.degraded.Load()
}

// Ready reports whether at least one clean tick has completed.
func (s *Scheduler) Ready() bool {
	return s.cleanTicks.Load() > 0
}

// LastTick returns when the loop last ran, zero before the first tick.
func (s *Scheduler) LastTick() time.Time {
	unix := s.lastTickUnix.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

// TickInterval returns the effective, clamped interval.
func (s *Scheduler) TickInterval() time.Duration {
	return s.tickInterval
}
