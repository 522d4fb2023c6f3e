// Package model defines the core data types of the step reconciliation
// engine: the per-day baseline, the daily step snapshot, the sync cursor,
// and the diagnostic conflict record.
package model

import (
	"fmt"
	"time"
)

// Day is a calendar date in the device's local time zone, keyed as
// YYYY-MM-DD. All daily state (baselines, snapshots, ledger entries) is
// keyed by Day, never by UTC date.
type Day string

// DayOf returns the Day containing t, in t's location.
func DayOf(t time.Time) Day {
	return Day(t.Format("2006-01-02"))
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return "", fmt.Errorf("parse day %q: %w", s, err)
	}
	return Day(s), nil
}

// Time returns midnight at the start of the day in loc.
func (d Day) Time(loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", string(d), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("day %q: %w", d, err)
	}
	return t, nil
}

// Before reports whether d is an earlier calendar date than other.
// Lexicographic comparison is correct for the fixed-width key format.
func (d Day) Before(other Day) bool { return string(d) < string(other) }

func (d Day) String() string { return string(d) }

// Baseline records the device's cumulative step-counter reading at the
// start of ReferenceDate. Today's steps are the sensor's cumulative value
// minus BaselineValue.
//
// LastObservedDeviceValue is the most recent cumulative reading seen from
// the sensor. Under normal operation it is >= BaselineValue; observing a
// cumulative value below the baseline means the device rebooted and the
// OS counter restarted from zero.
type Baseline struct {
	ReferenceDate           Day    `json:"reference_date"`
	BaselineValue           uint64 `json:"baseline_value"`
	LastObservedDeviceValue uint64 `json:"last_observed_device_value"`
}

// SnapshotSource records which pipeline produced a snapshot's step count.
type SnapshotSource string

const (
	SourceSensor         SnapshotSource = "sensor"
	SourceHealthPlatform SnapshotSource = "health_platform"
	SourceManual         SnapshotSource = "manual"
)

// FigureQuality records whether the derived distance/calorie figures used
// personalized biometrics or population defaults.
type FigureQuality string

const (
	// QualityHigh: full biometric profile available.
	QualityHigh FigureQuality = "high"
	// QualityMedium: partial profile; some figures use defaults.
	QualityMedium FigureQuality = "medium"
	// QualityBasic: guest user or empty profile; all figures use
	// population-average constants.
	QualityBasic FigureQuality = "basic"
)

// StepSnapshot is the reconciled record of one calendar day. The current
// day's snapshot is updated continuously; once the day rolls over it is
// frozen and never mutated again.
type StepSnapshot struct {
	Date          Day            `json:"date"`
	Steps         uint32         `json:"steps"`
	DistanceKm    float64        `json:"distance_km"`
	Calories      uint32         `json:"calories"`
	ActiveMinutes uint32         `json:"active_minutes"`
	Source        SnapshotSource `json:"source"`
	Quality       FigureQuality  `json:"quality"`
}

// SyncCursor tracks how much of the sensor's incremental contribution has
// already been flushed to the health platform. Writes to the platform are
// deltas; the cursor is what makes them idempotent (only the un-flushed
// remainder is ever written).
type SyncCursor struct {
	LastSyncAt               time.Time `json:"last_sync_at"`
	LastWrittenStepsToHealth uint32    `json:"last_written_steps_to_health"`
}

// ResolutionHealthWins is the only conflict resolution the engine applies:
// the health platform total overwrites the cloud value unconditionally.
const ResolutionHealthWins = "health_wins"

// ConflictRecord is an ephemeral diagnostic describing one resolved
// disagreement between the cloud ledger and the health platform. It is
// logged and held in a bounded in-memory ring, never persisted.
type ConflictRecord struct {
	ID          string    `json:"id"`
	Date        Day       `json:"date"`
	CloudValue  uint32    `json:"cloud_value"`
	HealthValue uint32    `json:"health_value"`
	Resolution  string    `json:"resolution"`
	ResolvedAt  time.Time `json:"resolved_at"`
}
