package rollover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stepsyncd/internal/model"
)

func TestNextMidnight(t *testing.T) {
	at := time.Date(2026, 3, 14, 23, 59, 30, 0, time.UTC)
	require.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), NextMidnight(at))

	// Month and year boundaries normalize through time.Date.
	at = time.Date(2025, 12, 31, 1, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), NextMidnight(at))
}

func TestNextMidnightAcrossDST(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// The night the clocks spring forward: the next midnight is still
	// wall-clock 00:00, even though the day is 23 hours long.
	at := time.Date(2026, 3, 29, 12, 0, 0, 0, berlin)
	next := NextMidnight(at)
	require.Equal(t, 0, next.Hour())
	require.Equal(t, 30, next.Day())
}

func TestManualClock(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := NewManual(base)
	require.Equal(t, base, clock.Now())

	clock.Advance(time.Hour)
	require.Equal(t, base.Add(time.Hour), clock.Now())

	clock.Set(base.AddDate(0, 0, 1))
	require.Equal(t, base.AddDate(0, 0, 1), clock.Now())
}

func TestSchedulerFiresAfterMidnight(t *testing.T) {
	// Start one second before midnight so the boundary guard's minimum
	// wait applies, then move the clock past it.
	clock := NewManual(time.Date(2026, 3, 14, 23, 59, 59, 0, time.Local))
	sched := NewScheduler(clock)
	sched.Start()
	defer sched.Stop()

	time.Sleep(100 * time.Millisecond)
	clock.Advance(2 * time.Second)

	select {
	case day := <-sched.C():
		require.Equal(t, model.Day("2026-03-15"), day)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never fired after midnight")
	}
}
