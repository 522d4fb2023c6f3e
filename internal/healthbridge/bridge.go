// Package healthbridge is the read/write interface to the OS-level
// aggregated health ledger.
//
// The ledger is shared: other apps and other devices signed into the same
// platform account also write step contributions to it. Reads therefore
// return a total for a date that may exceed what this process wrote, and
// writes are always deltas to add, never absolute totals.
package healthbridge

import (
	"context"
	"errors"

	"stepsyncd/internal/model"
)

// ErrPlatformUnavailable means the environment has no health subsystem
// (no ledger present at all). It must not be treated as "zero steps".
var ErrPlatformUnavailable = errors.New("health platform unavailable")

// Bridge reads and writes the shared health ledger.
//
// The bridge has no idempotency key; callers must never write the same
// delta twice. The engine guarantees that through its sync cursor.
type Bridge interface {
	// ReadTotalForDate returns the aggregated step total for a date
	// across all writers.
	ReadTotalForDate(ctx context.Context, date model.Day) (uint32, error)

	// WriteDelta adds deltaSteps to this writer's contribution for a
	// date.
	WriteDelta(ctx context.Context, date model.Day, deltaSteps uint32) error
}
