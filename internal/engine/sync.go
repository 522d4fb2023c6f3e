package engine

import (
	"context"
	"fmt"

	"stepsyncd/internal/model"
)

// syncCycle reconciles today's count across the health platform and the
// cloud. Every step either completes or leaves durable state unchanged,
// so a failed cycle is safe to repeat at the next tick.
//
// The cursor tracks the sensor-observed portion only. Reconciling the
// display value back into the cursor would re-write other devices'
// contributions to the shared ledger as if this device had walked them.
func (e *Engine) syncCycle(ctx context.Context) error {
	if day := model.DayOf(e.now()); day != e.baseline.ReferenceDate {
		// Midnight passed without a scheduler event (sleep, clock
		// jump). Roll over first so the flush lands on the right day.
		if err := e.rolloverTo(day); err != nil {
			e.met.SyncFailures.Inc()
			return fmt.Errorf("missed rollover: %w", err)
		}
	}

	day := e.today.Date
	sensorToday := e.sensorToday()

	// Flush the un-written local contribution as a delta. The cursor
	// only advances after the platform accepts the write; a failure
	// here re-sends the same delta next cycle instead of losing it.
	if sensorToday > e.cursor.LastWrittenStepsToHealth {
		incremental := sensorToday - e.cursor.LastWrittenStepsToHealth
		if err := e.healthWrite(ctx, day, incremental); err != nil {
			e.met.SyncFailures.Inc()
			return fmt.Errorf("health write: %w", err)
		}
		e.cursor.LastWrittenStepsToHealth = sensorToday
		e.met.HealthWrites.Inc()
	}

	// Re-read the authoritative daily total. It includes what every
	// writer, this device included, has contributed.
	healthTotal, err := e.healthRead(ctx, day)
	if err != nil {
		e.met.SyncFailures.Inc()
		e.persistProgress()
		return fmt.Errorf("health read: %w", err)
	}

	cloudSnap, err := e.cloudGet(ctx, day)
	if err != nil {
		e.met.SyncFailures.Inc()
		e.persistProgress()
		return fmt.Errorf("cloud read: %w", err)
	}

	// The health platform total wins every disagreement: it is the one
	// place all writers converge.
	if cloudSnap == nil || cloudSnap.Steps != healthTotal {
		if cloudSnap != nil {
			e.recordConflict(cloudSnap.Steps, healthTotal)
		}
		reconciled := e.reconciledSnapshot(day, healthTotal, sensorToday)
		if err := e.cloudSet(ctx, day, reconciled); err != nil {
			e.met.SyncFailures.Inc()
			e.persistProgress()
			return fmt.Errorf("cloud write: %w", err)
		}
	}

	// Adopt the reconciled value. A platform total below our own
	// sensor count means the ledger lost data; the local count stands
	// and the next flush rebuilds the ledger.
	e.external = clampSub(healthTotal, sensorToday)
	e.cursor.LastSyncAt = e.now()

	e.refreshToday()
	e.persistProgress()
	if err := e.deps.Store.UpsertSnapshot(e.cfg.UserID, e.today, sensorToday, false); err != nil {
		e.log.Error("persist synced snapshot", "error", err)
	}

	e.met.SyncCycles.Inc()
	return nil
}

// rolloverTo closes out the current day and starts a new one. It runs on
// the loop goroutine (or before the loop starts), so the freeze, the new
// baseline, and the cursor reset are atomic with respect to sensor
// events.
func (e *Engine) rolloverTo(newDay model.Day) error {
	// Take a fresh reading first. A stale value under-counts the
	// outgoing day and over-counts the new one.
	cumulative, fromSensor := e.readCumulative(context.Background())
	if fromSensor {
		if cumulative < e.baseline.BaselineValue {
			// Reboot at the boundary: bake what the outgoing day had.
			e.committed = clampSub(e.today.Steps, e.external)
			e.baseline.BaselineValue = cumulative
		}
		e.baseline.LastObservedDeviceValue = cumulative
	} else {
		cumulative = e.baseline.LastObservedDeviceValue
	}

	outgoingSensor := e.sensorToday()
	outgoing := e.today
	outgoing.Steps = outgoingSensor + e.external
	e.cfg.Profile.Derive(&outgoing)

	// Best-effort final flush of the outgoing day. Failures leave the
	// frozen snapshot at the local value; the shared ledger catches up
	// when the other writers read it.
	flushCtx, cancel := context.WithTimeout(context.Background(), e.cfg.IOTimeout)
	if outgoingSensor > e.cursor.LastWrittenStepsToHealth {
		incremental := outgoingSensor - e.cursor.LastWrittenStepsToHealth
		if err := e.deps.Health.WriteDelta(flushCtx, outgoing.Date, incremental); err != nil {
			e.log.Warn("outgoing-day flush failed", "date", outgoing.Date, "error", err)
		} else {
			e.cursor.LastWrittenStepsToHealth = outgoingSensor
			e.met.HealthWrites.Inc()
		}
	}
	if total, err := e.deps.Health.ReadTotalForDate(flushCtx, outgoing.Date); err == nil && total > outgoing.Steps {
		outgoing.Steps = total
		outgoing.Source = model.SourceHealthPlatform
		e.cfg.Profile.Derive(&outgoing)
	}
	cancel()

	if err := e.deps.Store.UpsertSnapshot(e.cfg.UserID, outgoing, outgoingSensor, true); err != nil {
		return fmt.Errorf("freeze outgoing day: %w", err)
	}
	e.frozenSum += uint64(outgoing.Steps)

	if err := e.cloudSet(context.Background(), outgoing.Date, outgoing); err != nil {
		// Left un-synced in the store; the startup backfill retries it.
		e.log.Warn("outgoing-day cloud sync failed", "date", outgoing.Date, "error", err)
	} else if err := e.deps.Store.MarkSnapshotSynced(e.cfg.UserID, outgoing.Date); err != nil {
		e.log.Error("mark outgoing day synced", "error", err)
	}

	// The new day starts at zero: fresh baseline at the current
	// reading, cursor reset, no carried external contribution.
	e.baseline = model.Baseline{
		ReferenceDate:           newDay,
		BaselineValue:           cumulative,
		LastObservedDeviceValue: cumulative,
	}
	e.cursor.LastWrittenStepsToHealth = 0
	e.committed = 0
	e.external = 0
	e.today = e.newDaySnapshot(newDay)

	if err := e.deps.Store.SaveState(e.cfg.UserID, e.baseline, e.cursor); err != nil {
		return fmt.Errorf("persist rollover state: %w", err)
	}
	if err := e.deps.Store.UpsertSnapshot(e.cfg.UserID, e.today, 0, false); err != nil {
		return fmt.Errorf("persist new-day snapshot: %w", err)
	}

	e.met.Rollovers.Inc()
	e.refreshToday()
	e.log.Info("day rolled over",
		"from", outgoing.Date, "to", newDay,
		"frozen_steps", outgoing.Steps, "baseline", cumulative)
	return nil
}

// backfillUnsynced pushes frozen days that never reached the cloud,
// oldest first. Best effort; failures stay queued for the next start.
func (e *Engine) backfillUnsynced(ctx context.Context) {
	pending, err := e.deps.Store.UnsyncedFrozen(e.cfg.UserID)
	if err != nil {
		e.log.Error("list unsynced days", "error", err)
		return
	}

	for _, snap := range pending {
		if err := e.cloudSet(ctx, snap.Date, snap); err != nil {
			e.log.Warn("backfill stopped", "date", snap.Date, "error", err)
			return
		}
		if err := e.deps.Store.MarkSnapshotSynced(e.cfg.UserID, snap.Date); err != nil {
			e.log.Error("mark backfilled day synced", "date", snap.Date, "error", err)
			return
		}
		e.log.Info("backfilled frozen day", "date", snap.Date, "steps", snap.Steps)
	}
}

// reconciledSnapshot is today's snapshot at the health platform total,
// the value pushed to the cloud.
func (e *Engine) reconciledSnapshot(day model.Day, healthTotal, sensorToday uint32) model.StepSnapshot {
	snap := e.today
	snap.Date = day
	snap.Steps = healthTotal
	if healthTotal != sensorToday {
		snap.Source = model.SourceHealthPlatform
	} else {
		snap.Source = model.SourceSensor
	}
	e.cfg.Profile.Derive(&snap)
	return snap
}

// persistProgress saves the baseline and cursor. Cursor advances must be
// durable even when a later step of the cycle fails, or a restart would
// re-write an already-accepted delta.
func (e *Engine) persistProgress() {
	if err := e.deps.Store.SaveState(e.cfg.UserID, e.baseline, e.cursor); err != nil {
		e.log.Error("persist sync progress", "error", err)
	}
}

func (e *Engine) healthWrite(ctx context.Context, day model.Day, delta uint32) error {
	ioCtx, cancel := context.WithTimeout(ctx, e.cfg.IOTimeout)
	defer cancel()
	return e.deps.Health.WriteDelta(ioCtx, day, delta)
}

func (e *Engine) healthRead(ctx context.Context, day model.Day) (uint32, error) {
	ioCtx, cancel := context.WithTimeout(ctx, e.cfg.IOTimeout)
	defer cancel()
	return e.deps.Health.ReadTotalForDate(ioCtx, day)
}

func (e *Engine) cloudGet(ctx context.Context, day model.Day) (*model.StepSnapshot, error) {
	ioCtx, cancel := context.WithTimeout(ctx, e.cfg.IOTimeout)
	defer cancel()
	return e.deps.Cloud.Get(ioCtx, e.cfg.UserID, day)
}

func (e *Engine) cloudSet(ctx context.Context, day model.Day, snap model.StepSnapshot) error {
	ioCtx, cancel := context.WithTimeout(ctx, e.cfg.IOTimeout)
	defer cancel()
	return e.deps.Cloud.Set(ioCtx, e.cfg.UserID, day, snap)
}
