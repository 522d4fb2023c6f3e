// Package sensor abstracts the device's cumulative step counter.
//
// The counter is monotonically increasing from the last device boot; it
// never decreases except when the device reboots, at which point the OS
// restarts it from zero. The engine never interprets the cumulative value
// directly; it subtracts a per-day baseline managed elsewhere.
package sensor

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable means the device has no step sensor or the sensor
// subsystem is not running. Callers degrade to the last-known value.
var ErrUnavailable = errors.New("step sensor unavailable")

// ErrPermissionDenied means the user has not granted motion access. It is
// distinct from ErrUnavailable so the UI can offer a retry affordance;
// direct reads must not retry it.
var ErrPermissionDenied = errors.New("step sensor permission denied")

// Reading is one observation of the cumulative counter.
type Reading struct {
	Cumulative uint64
	At         time.Time
}

// Source is the device step-counter stream. Read performs a direct,
// possibly syscall-bound query of the current cumulative value; Events
// delivers passive stream updates while the source is started.
type Source interface {
	// Read returns the current cumulative counter value. It may block
	// briefly but never indefinitely; ctx bounds the wait.
	Read(ctx context.Context) (uint64, error)

	// Events returns the passive update stream. The channel is closed
	// when the source is stopped.
	Events() <-chan Reading

	// Start begins delivering events. Stop ends delivery and closes the
	// events channel.
	Start(ctx context.Context) error
	Stop() error
}
