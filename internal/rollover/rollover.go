// Package rollover detects local calendar date changes while the engine
// is live. Day boundaries are the device's local midnight, never UTC;
// NextMidnight goes through time.Date so DST transitions land on the
// wall-clock midnight.
package rollover

import (
	"sync"
	"time"

	"stepsyncd/internal/model"
)

// Clock provides the current wall-clock time. The engine and scheduler
// take a Clock so tests can drive day transitions deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock in the local zone.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Manual is a settable Clock for tests.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

// NewManual creates a manual clock starting at t.
func NewManual(t time.Time) *Manual { return &Manual{t: t} }

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = t
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}

// NextMidnight returns the first instant of the calendar day after t, in
// t's location.
func NextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// Scheduler fires once per local calendar date change.
type Scheduler struct {
	clock Clock
	c     chan model.Day
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewScheduler creates a scheduler on the given clock.
func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		c:     make(chan model.Day, 1),
		done:  make(chan struct{}),
	}
}

// C delivers the new Day after each local midnight.
func (s *Scheduler) C() <-chan model.Day { return s.c }

// Start begins watching for the next midnight.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop ends the scheduler. The day channel is not closed; a late timer
// fire after Stop is simply discarded.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	current := model.DayOf(s.clock.Now())
	for {
		now := s.clock.Now()
		wait := NextMidnight(now).Sub(now)
		if wait < time.Second {
			// Guard against firing in a tight loop right at the
			// boundary.
			wait = time.Second
		}
		if wait > time.Minute {
			// Re-check at least once a minute: a timer armed before a
			// suspend or clock jump would otherwise fire a day late.
			wait = time.Minute
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			day := model.DayOf(s.clock.Now())
			if day == current {
				continue
			}
			current = day
			select {
			case s.c <- day:
			case <-s.done:
				return
			}
		case <-s.done:
			timer.Stop()
			return
		}
	}
}
