package engine

import (
	"context"
	"fmt"

	"stepsyncd/internal/model"
)

const (
	// maxPlausibleBaseline is the cap on a same-day baseline. A counter
	// above it within one day means the stored baseline is corrupted,
	// not that the user walked that far.
	maxPlausibleBaseline = 100_000

	// maxPlausibleDailySteps caps the delta above the baseline. Larger
	// deltas indicate counter corruption.
	maxPlausibleDailySteps = 50_000
)

// validateAndCorrect runs the startup baseline checks in order and
// applies the first correction that fires. Each correction is persisted
// immediately; on return the reference date always equals today.
//
// The checks short-circuit: a corrupted baseline is re-anchored at the
// current reading, which makes the reboot and delta checks moot.
func (e *Engine) validateAndCorrect(ctx context.Context, today model.Day) error {
	if e.baseline.ReferenceDate != today {
		// The daemon was down across at least one midnight. Close out
		// the stale day and start fresh; the fresh baseline passes the
		// remaining checks trivially.
		if err := e.rolloverTo(today); err != nil {
			return fmt.Errorf("stale-day rollover: %w", err)
		}
		return nil
	}

	cumulative, fromSensor := e.readCumulative(ctx)

	switch {
	case e.baseline.BaselineValue > maxPlausibleBaseline:
		return e.correctBaseline(cumulative, true, "baseline above plausible daily cap")

	case cumulative < e.baseline.BaselineValue:
		// Counter restarted from zero: a reboot, not corruption. The
		// steps already attributed to today stay.
		return e.correctBaseline(cumulative, false, "device rebooted while daemon was down")

	case cumulative-e.baseline.BaselineValue > maxPlausibleDailySteps:
		return e.correctBaseline(cumulative, true, "daily delta above plausible cap")
	}

	if fromSensor {
		e.baseline.LastObservedDeviceValue = cumulative
		if err := e.deps.Store.SaveState(e.cfg.UserID, e.baseline, e.cursor); err != nil {
			return fmt.Errorf("persist validated state: %w", err)
		}
	}
	return nil
}

// correctBaseline re-anchors the baseline at the given cumulative value.
// When zeroToday is set the day restarts at zero steps (corruption);
// otherwise the steps counted so far are preserved (reboot).
func (e *Engine) correctBaseline(cumulative uint64, zeroToday bool, reason string) error {
	if zeroToday {
		e.committed = 0
		e.external = 0
	} else {
		e.committed = clampSub(e.today.Steps, e.external)
	}

	e.baseline.BaselineValue = cumulative
	e.baseline.LastObservedDeviceValue = cumulative

	// A cursor ahead of the re-anchored count would swallow the next
	// steps instead of flushing them.
	if sensorToday := e.sensorToday(); e.cursor.LastWrittenStepsToHealth > sensorToday {
		e.cursor.LastWrittenStepsToHealth = sensorToday
	}

	e.met.BaselineCorrections.Inc()
	e.log.Warn("baseline corrected",
		"reason", reason,
		"baseline", cumulative,
		"preserved_steps", e.committed)

	if err := e.deps.Store.SaveState(e.cfg.UserID, e.baseline, e.cursor); err != nil {
		return fmt.Errorf("persist baseline correction: %w", err)
	}

	e.refreshToday()
	if err := e.deps.Store.UpsertSnapshot(e.cfg.UserID, e.today, e.sensorToday(), false); err != nil {
		return fmt.Errorf("persist corrected snapshot: %w", err)
	}
	return nil
}
