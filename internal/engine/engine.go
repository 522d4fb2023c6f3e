// Package engine implements the step reconciliation control loop.
//
// The engine produces one agreed value for "today's steps" from three
// independently updated sources: the device's cumulative step counter,
// the shared platform health ledger, and the cloud record. It owns the
// per-day baseline and the sync cursor exclusively; all mutations run on
// a single loop goroutine, so a sensor event can never observe a
// half-updated baseline during validation or day rollover.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stepsyncd/internal/biometrics"
	"stepsyncd/internal/cloudledger"
	"stepsyncd/internal/healthbridge"
	"stepsyncd/internal/logging"
	"stepsyncd/internal/metrics"
	"stepsyncd/internal/model"
	"stepsyncd/internal/retry"
	"stepsyncd/internal/rollover"
	"stepsyncd/internal/sensor"
)

// StateStore is the durable local store for the baseline, the sync
// cursor, and the snapshot cache.
type StateStore interface {
	LoadState(userID string) (*model.Baseline, *model.SyncCursor, error)
	SaveState(userID string, b model.Baseline, c model.SyncCursor) error
	UpsertSnapshot(userID string, snap model.StepSnapshot, sensorSteps uint32, frozen bool) error
	MarkSnapshotSynced(userID string, date model.Day) error
	LoadDay(userID string, date model.Day) (*model.StepSnapshot, uint32, error)
	GetSnapshot(userID string, date model.Day) (*model.StepSnapshot, error)
	ListSnapshots(userID string, limit int) ([]model.StepSnapshot, error)
	UnsyncedFrozen(userID string) ([]model.StepSnapshot, error)
	SumFrozenSteps(userID string) (uint64, error)
}

// Config tunes the engine.
type Config struct {
	// UserID the engine reconciles for. One engine per user.
	UserID string

	// Profile for derived distance/calorie figures.
	Profile biometrics.Profile

	// SyncInterval between periodic syncNow cycles.
	SyncInterval time.Duration

	// IOTimeout bounds each health-platform or cloud call.
	IOTimeout time.Duration

	// SensorReadTimeout bounds one direct cumulative read attempt.
	SensorReadTimeout time.Duration

	// SensorRetry is the policy for direct cumulative reads.
	SensorRetry retry.Policy

	// DegradedGrace is how long the sensor may stay unavailable before
	// tracking is reported degraded.
	DegradedGrace time.Duration

	// ShutdownTimeout bounds the best-effort final sync in Stop.
	ShutdownTimeout time.Duration

	// ConflictHistory is how many resolved conflicts to keep for
	// diagnostics.
	ConflictHistory int
}

func (c *Config) withDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 10 * time.Second
	}
	if c.SensorReadTimeout <= 0 {
		c.SensorReadTimeout = 5 * time.Second
	}
	if c.SensorRetry.Attempts <= 0 {
		c.SensorRetry = retry.Policy{Attempts: 3, Backoff: 500 * time.Millisecond}
	}
	if c.DegradedGrace <= 0 {
		c.DegradedGrace = 2 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.ConflictHistory <= 0 {
		c.ConflictHistory = 32
	}
}

// Deps are the engine's injected collaborators.
type Deps struct {
	Sensor sensor.Source
	Store  StateStore
	Health healthbridge.Bridge
	Cloud  cloudledger.Ledger

	// Clock defaults to the system wall clock.
	Clock rollover.Clock

	// Rollover delivers local calendar date changes (optional; the
	// engine also detects missed rollovers at sync ticks).
	Rollover <-chan model.Day

	// HealthChanges delivers change notifications from other health
	// ledger writers (optional). Each triggers an early sync.
	HealthChanges <-chan struct{}

	Log     *logging.Logger
	Metrics *metrics.Engine
}

// Update is a published state change delivered to subscribers.
type Update struct {
	Today        model.StepSnapshot
	OverallSteps uint64
	Degraded     bool
}

type syncRequest struct {
	ctx   context.Context
	reply chan error
}

// Engine is the reconciliation engine for one user.
type Engine struct {
	cfg  Config
	deps Deps
	log  *logging.Logger
	met  *metrics.Engine

	// Loop-owned state. Only Start and the run goroutine touch these.
	baseline      model.Baseline
	cursor        model.SyncCursor
	today         model.StepSnapshot
	committed     uint32 // sensor steps baked in before the current baseline epoch
	external      uint32 // other writers' reconciled contribution to today
	frozenSum     uint64
	degradedSince time.Time

	// Published state for readers.
	mu           sync.RWMutex
	published    Update
	pubDegraded  time.Time
	pubConflicts []model.ConflictRecord
	subs         map[int]chan Update
	nextSub      int

	syncReqs chan syncRequest
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New creates an engine. It does not touch any collaborator until Start.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.UserID == "" {
		return nil, errors.New("engine: user id must not be empty")
	}
	if deps.Sensor == nil || deps.Store == nil || deps.Health == nil || deps.Cloud == nil {
		return nil, errors.New("engine: sensor, store, health, and cloud dependencies are required")
	}
	cfg.withDefaults()

	if deps.Clock == nil {
		deps.Clock = rollover.SystemClock{}
	}
	log := deps.Log
	if log == nil {
		log = logging.Default()
	}
	met := deps.Metrics
	if met == nil {
		met = metrics.NewEngine(metrics.NewRegistry())
	}

	return &Engine{
		cfg:      cfg,
		deps:     deps,
		log:      log.With("user", cfg.UserID),
		met:      met,
		subs:     make(map[int]chan Update),
		syncReqs: make(chan syncRequest),
		stop:     make(chan struct{}),
	}, nil
}

// Start loads or initializes the baseline, validates it, and begins the
// control loop.
//
// For a new user the ordering is mandatory: the baseline is persisted
// before the sensor stream starts. An early stream event against a zero
// baseline would compute the device's lifetime step count as today's
// steps.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return errors.New("engine: already started")
	}

	today := model.DayOf(e.now())

	baseline, cursor, err := e.deps.Store.LoadState(e.cfg.UserID)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	if baseline == nil {
		if err := e.initNewUser(ctx, today); err != nil {
			return err
		}
	} else {
		e.baseline = *baseline
		e.cursor = *cursor
		if err := e.restoreToday(); err != nil {
			return err
		}
		if err := e.validateAndCorrect(ctx, today); err != nil {
			return err
		}
	}

	e.frozenSum, err = e.deps.Store.SumFrozenSteps(e.cfg.UserID)
	if err != nil {
		return fmt.Errorf("sum frozen steps: %w", err)
	}

	e.backfillUnsynced(ctx)

	if err := e.deps.Sensor.Start(ctx); err != nil {
		// Sensor unavailable is non-fatal: continue on the last-known
		// value and report degraded tracking.
		e.markDegraded(err)
		e.log.Warn("sensor stream unavailable, tracking degraded", "error", err)
	}

	e.refreshToday()

	e.wg.Add(1)
	go e.run()
	e.started = true

	e.log.Info("engine started",
		"day", e.baseline.ReferenceDate,
		"baseline", e.baseline.BaselineValue,
		"today_steps", e.today.Steps)
	return nil
}

// initNewUser captures the current cumulative reading as the baseline so
// a device that already shows a lifetime of steps starts today at zero.
func (e *Engine) initNewUser(ctx context.Context, today model.Day) error {
	cumulative, _ := e.readCumulative(ctx)

	e.baseline = model.Baseline{
		ReferenceDate:           today,
		BaselineValue:           cumulative,
		LastObservedDeviceValue: cumulative,
	}
	e.cursor = model.SyncCursor{}

	if err := e.deps.Store.SaveState(e.cfg.UserID, e.baseline, e.cursor); err != nil {
		return fmt.Errorf("persist initial baseline: %w", err)
	}

	e.today = e.newDaySnapshot(today)
	if err := e.deps.Store.UpsertSnapshot(e.cfg.UserID, e.today, 0, false); err != nil {
		return fmt.Errorf("persist initial snapshot: %w", err)
	}

	e.log.Info("initialized new user baseline", "day", today, "baseline", cumulative)
	return nil
}

// restoreToday reloads the current day's snapshot and splits its step
// count back into the locally-sensed portion and the portion other
// writers contributed through the health platform.
func (e *Engine) restoreToday() error {
	snap, sensorSteps, err := e.deps.Store.LoadDay(e.cfg.UserID, e.baseline.ReferenceDate)
	if err != nil {
		return fmt.Errorf("restore today: %w", err)
	}
	if snap == nil {
		e.today = e.newDaySnapshot(e.baseline.ReferenceDate)
		return nil
	}

	e.today = *snap
	liveDelta := clampDelta(e.baseline.LastObservedDeviceValue, e.baseline.BaselineValue)
	e.committed = clampSub(sensorSteps, liveDelta)
	e.external = clampSub(snap.Steps, sensorSteps)
	return nil
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	events := e.deps.Sensor.Events()

	for {
		select {
		case reading, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.handleReading(reading)
		case <-ticker.C:
			e.syncCycle(context.Background())
		case <-e.deps.HealthChanges:
			// Another writer updated the shared ledger; reconcile
			// without waiting for the next tick.
			e.syncCycle(context.Background())
		case day := <-e.deps.Rollover:
			if err := e.rolloverTo(day); err != nil {
				e.log.Error("day rollover failed", "day", day, "error", err)
			}
		case req := <-e.syncReqs:
			req.reply <- e.syncCycle(req.ctx)
		case <-e.stop:
			return
		}
	}
}

// handleReading processes one passive sensor stream event.
func (e *Engine) handleReading(r sensor.Reading) {
	e.clearDegraded()

	if r.Cumulative < e.baseline.BaselineValue {
		// The counter went backwards: the device rebooted mid-stream.
		// Bake the steps accumulated so far and restart the epoch at
		// the new counter value; they were real steps.
		e.committed = clampSub(e.today.Steps, e.external)
		e.baseline.BaselineValue = r.Cumulative
		e.baseline.LastObservedDeviceValue = r.Cumulative
		e.met.BaselineCorrections.Inc()
		e.log.Warn("reboot detected from sensor stream",
			"cumulative", r.Cumulative, "preserved_steps", e.committed)
		if err := e.deps.Store.SaveState(e.cfg.UserID, e.baseline, e.cursor); err != nil {
			e.log.Error("persist reboot correction", "error", err)
		}
	} else {
		e.baseline.LastObservedDeviceValue = r.Cumulative
	}

	e.refreshToday()
}

// sensorToday is the portion of today's steps observed by this device's
// sensor: the baked-in count plus the live delta above the baseline.
func (e *Engine) sensorToday() uint32 {
	return e.committed + clampDelta(e.baseline.LastObservedDeviceValue, e.baseline.BaselineValue)
}

// refreshToday recomputes the displayed snapshot and publishes it.
// todaySteps is never negative: the live delta is clamped at zero.
func (e *Engine) refreshToday() {
	e.today.Steps = e.sensorToday() + e.external
	if e.external > 0 {
		e.today.Source = model.SourceHealthPlatform
	} else {
		e.today.Source = model.SourceSensor
	}
	e.cfg.Profile.Derive(&e.today)

	e.met.TodaySteps.Set(int64(e.today.Steps))
	e.met.OverallSteps.Set(int64(e.frozenSum + uint64(e.today.Steps)))

	e.publish()
}

func (e *Engine) newDaySnapshot(day model.Day) model.StepSnapshot {
	snap := model.StepSnapshot{
		Date:   day,
		Source: model.SourceSensor,
	}
	e.cfg.Profile.Derive(&snap)
	return snap
}

// readCumulative performs a direct sensor read under the retry policy.
// Exhausted retries fall back to the last observed value rather than
// failing the caller; permission denied is not retried.
func (e *Engine) readCumulative(ctx context.Context) (uint64, bool) {
	var value uint64
	err := e.cfg.SensorRetry.Do(ctx, e.log.Warn, retry.Task{
		Name: "sensor-read",
		Exec: func(ctx context.Context) error {
			readCtx, cancel := context.WithTimeout(ctx, e.cfg.SensorReadTimeout)
			defer cancel()
			v, err := e.deps.Sensor.Read(readCtx)
			if err != nil {
				return err
			}
			value = v
			return nil
		},
		Cond: func(err error) bool {
			return !errors.Is(err, sensor.ErrPermissionDenied)
		},
	})
	if err != nil {
		e.markDegraded(err)
		e.met.SensorFallbacks.Inc()
		e.log.Warn("sensor read failed, using last observed value",
			"fallback", e.baseline.LastObservedDeviceValue, "error", err)
		return e.baseline.LastObservedDeviceValue, false
	}

	e.clearDegraded()
	return value, true
}

func (e *Engine) markDegraded(err error) {
	if e.degradedSince.IsZero() {
		e.degradedSince = e.now()
	}
	e.mu.Lock()
	e.pubDegraded = e.degradedSince
	e.mu.Unlock()
}

func (e *Engine) clearDegraded() {
	if e.degradedSince.IsZero() {
		return
	}
	e.degradedSince = time.Time{}
	e.mu.Lock()
	e.pubDegraded = time.Time{}
	e.mu.Unlock()
}

func (e *Engine) now() time.Time { return e.deps.Clock.Now() }

// publish snapshots the loop-owned state for readers and subscribers.
func (e *Engine) publish() {
	up := Update{
		Today:        e.today,
		OverallSteps: e.frozenSum + uint64(e.today.Steps),
		Degraded:     e.degradedOverGrace(),
	}

	e.mu.Lock()
	e.published = up
	for _, ch := range e.subs {
		// Latest-wins delivery: drop the stale update if the
		// subscriber has not consumed it yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- up:
		default:
		}
	}
	e.mu.Unlock()
}

func (e *Engine) degradedOverGrace() bool {
	return !e.degradedSince.IsZero() && e.now().Sub(e.degradedSince) >= e.cfg.DegradedGrace
}

// recordConflict keeps a bounded diagnostic history of resolved
// cloud/health disagreements.
func (e *Engine) recordConflict(cloudValue, healthValue uint32) {
	record := model.ConflictRecord{
		ID:          uuid.NewString(),
		Date:        e.today.Date,
		CloudValue:  cloudValue,
		HealthValue: healthValue,
		Resolution:  model.ResolutionHealthWins,
		ResolvedAt:  e.now(),
	}

	e.met.ConflictsResolved.Inc()
	e.log.Warn("cloud/health conflict resolved",
		"date", record.Date, "cloud", cloudValue, "health", healthValue,
		"resolution", record.Resolution)

	e.mu.Lock()
	e.pubConflicts = append(e.pubConflicts, record)
	if len(e.pubConflicts) > e.cfg.ConflictHistory {
		e.pubConflicts = e.pubConflicts[len(e.pubConflicts)-e.cfg.ConflictHistory:]
	}
	e.mu.Unlock()
}

// TodaySnapshot returns the current day's reconciled snapshot.
func (e *Engine) TodaySnapshot() model.StepSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published.Today
}

// OverallSteps returns the running total across all frozen days plus
// today.
func (e *Engine) OverallSteps() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.published.OverallSteps
}

// Degraded reports whether the sensor has been unavailable past the
// grace period. It is the only user-visible failure mode.
func (e *Engine) Degraded() bool {
	e.mu.RLock()
	since := e.pubDegraded
	e.mu.RUnlock()
	return !since.IsZero() && e.now().Sub(since) >= e.cfg.DegradedGrace
}

// Conflicts returns the recent resolved-conflict diagnostics.
func (e *Engine) Conflicts() []model.ConflictRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.ConflictRecord, len(e.pubConflicts))
	copy(out, e.pubConflicts)
	return out
}

// GetSnapshot returns the snapshot for a date: the live value for the
// current day, the frozen cache for history. Nil when unknown.
func (e *Engine) GetSnapshot(date model.Day) (*model.StepSnapshot, error) {
	e.mu.RLock()
	today := e.published.Today
	e.mu.RUnlock()

	if date == today.Date {
		return &today, nil
	}
	return e.deps.Store.GetSnapshot(e.cfg.UserID, date)
}

// History returns up to limit snapshots, most recent first.
func (e *Engine) History(limit int) ([]model.StepSnapshot, error) {
	return e.deps.Store.ListSnapshots(e.cfg.UserID, limit)
}

// Subscribe registers for reconciled updates. The returned cancel
// function must be called to release the subscription.
func (e *Engine) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)

	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	ch <- e.published
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
	return ch, cancel
}

// ForceSync runs an out-of-band sync cycle and waits for its result.
// External flows call it when they need a guaranteed-fresh value.
func (e *Engine) ForceSync(ctx context.Context) error {
	req := syncRequest{ctx: ctx, reply: make(chan error, 1)}

	select {
	case e.syncReqs <- req:
	case <-e.stop:
		return errors.New("engine: not running")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the loop and attempts one final best-effort flush with a
// short timeout. A flush failure is non-fatal and only logged.
func (e *Engine) Stop() error {
	if !e.started {
		return nil
	}

	e.stopOnce.Do(func() {
		close(e.stop)
	})
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	if err := e.syncCycle(ctx); err != nil {
		e.log.Warn("final flush failed", "error", err)
	}

	if err := e.deps.Sensor.Stop(); err != nil {
		e.log.Warn("sensor stop failed", "error", err)
	}

	e.log.Info("engine stopped", "today_steps", e.today.Steps)
	return nil
}

func clampSub(a, b uint32) uint32 {
	if a <= b {
		return 0
	}
	return a - b
}

func clampDelta(observed, baseline uint64) uint32 {
	if observed <= baseline {
		return 0
	}
	return uint32(observed - baseline)
}
