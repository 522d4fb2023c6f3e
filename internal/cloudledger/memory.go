package cloudledger

import (
	"context"
	"sync"

	"stepsyncd/internal/model"
)

type memoryKey struct {
	userID string
	date   model.Day
}

// Memory is an in-process Ledger for tests and the daemon's simulated
// mode.
type Memory struct {
	mu     sync.Mutex
	snaps  map[memoryKey]model.StepSnapshot
	getErr error
	setErr error
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{snaps: make(map[memoryKey]model.StepSnapshot)}
}

func (m *Memory) Get(ctx context.Context, userID string, date model.Day) (*model.StepSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	snap, ok := m.snaps[memoryKey{userID, date}]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *Memory) Set(ctx context.Context, userID string, date model.Day, snap model.StepSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.snaps[memoryKey{userID, date}] = snap
	return nil
}

// Put seeds a snapshot directly, as if written by another device.
func (m *Memory) Put(userID string, snap model.StepSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[memoryKey{userID, snap.Date}] = snap
}

// Snapshot returns the stored snapshot, or nil.
func (m *Memory) Snapshot(userID string, date model.Day) *model.StepSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[memoryKey{userID, date}]
	if !ok {
		return nil
	}
	return &snap
}

// FailGets makes subsequent gets return err; nil restores success.
func (m *Memory) FailGets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

// FailSets makes subsequent sets return err; nil restores success.
func (m *Memory) FailSets(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}
