// Package cloudledger is the client for the durable, multi-device record
// of daily step totals.
//
// The engine always writes complete, already-reconciled snapshots, so the
// ledger only needs blind-overwrite semantics; no compare-and-set is
// assumed or required.
package cloudledger

import (
	"context"
	"errors"

	"stepsyncd/internal/model"
)

// ErrWriteFailed wraps any failure to persist a snapshot to the cloud.
// Writes are retried on the next sync tick; the local snapshot stays
// authoritative for display in the interim.
var ErrWriteFailed = errors.New("cloud ledger write failed")

// Ledger stores one reconciled snapshot per user per day.
type Ledger interface {
	// Get returns the snapshot for a user and date, or nil when the
	// cloud has no record for that day.
	Get(ctx context.Context, userID string, date model.Day) (*model.StepSnapshot, error)

	// Set overwrites the snapshot for a user and date.
	Set(ctx context.Context, userID string, date model.Day, snap model.StepSnapshot) error
}
