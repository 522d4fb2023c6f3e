package healthbridge

import (
	"context"
	"sync"

	"stepsyncd/internal/model"
)

// Memory is an in-process Bridge for tests and the daemon's simulated
// mode. Totals can be adjusted directly to model other apps' writes, and
// errors can be injected per operation.
type Memory struct {
	mu       sync.Mutex
	totals   map[model.Day]uint32
	readErr  error
	writeErr error

	// Writes records every non-zero delta accepted, in order.
	Writes []uint32
}

// NewMemory creates an empty in-memory bridge.
func NewMemory() *Memory {
	return &Memory{totals: make(map[model.Day]uint32)}
}

func (m *Memory) ReadTotalForDate(ctx context.Context, date model.Day) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	return m.totals[date], nil
}

func (m *Memory) WriteDelta(ctx context.Context, date model.Day, deltaSteps uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if deltaSteps == 0 {
		return nil
	}
	m.totals[date] += deltaSteps
	m.Writes = append(m.Writes, deltaSteps)
	return nil
}

// SetTotal overrides the total for a date, as if another app had written.
func (m *Memory) SetTotal(date model.Day, total uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[date] = total
}

// Total returns the current total for a date.
func (m *Memory) Total(date model.Day) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[date]
}

// FailReads makes subsequent reads return err; nil restores success.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailWrites makes subsequent writes return err; nil restores success.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}
