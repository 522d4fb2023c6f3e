package sensor

import (
	"context"
	"sync"
	"time"
)

// Simulated is an in-process Source for tests and the daemon's
// -simulated mode. Steps are injected with Advance; Reboot models the OS
// counter resetting to zero; Fail forces the next direct reads to return
// a given error.
type Simulated struct {
	mu         sync.Mutex
	cumulative uint64
	events     chan Reading
	started    bool
	failErr    error
	failCount  int
}

// NewSimulated creates a simulated sensor with an initial cumulative
// value (a fresh device starts at zero; a long-lived device may already
// show tens of thousands of lifetime steps).
func NewSimulated(initial uint64) *Simulated {
	return &Simulated{
		cumulative: initial,
		events:     make(chan Reading, 64),
	}
}

func (s *Simulated) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		// Stop closed the previous stream; a restart gets a fresh one.
		s.events = make(chan Reading, 64)
		s.started = true
	}
	return nil
}

func (s *Simulated) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.started = false
		close(s.events)
	}
	return nil
}

func (s *Simulated) Events() <-chan Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

func (s *Simulated) Read(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCount != 0 && s.failErr != nil {
		if s.failCount > 0 {
			s.failCount--
		}
		return 0, s.failErr
	}
	return s.cumulative, nil
}

// Advance adds steps to the cumulative counter and, if started, emits a
// stream event.
func (s *Simulated) Advance(steps uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cumulative += steps
	s.emitLocked()
}

// Reboot resets the cumulative counter to zero, as the OS does on boot.
func (s *Simulated) Reboot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cumulative = 0
	s.emitLocked()
}

// SetCumulative forces the counter to an exact value.
func (s *Simulated) SetCumulative(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cumulative = v
	s.emitLocked()
}

// Fail makes the next count direct reads return err. count < 0 fails
// every read until Fail(nil, 0).
func (s *Simulated) Fail(err error, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
	s.failCount = count
}

func (s *Simulated) emitLocked() {
	if !s.started {
		return
	}
	select {
	case s.events <- Reading{Cumulative: s.cumulative, At: time.Now()}:
	default:
		// Slow consumer: drop rather than block the sensor.
	}
}
