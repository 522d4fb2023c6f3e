package engine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stepsyncd/internal/biometrics"
	"stepsyncd/internal/cloudledger"
	"stepsyncd/internal/engine"
	"stepsyncd/internal/healthbridge"
	"stepsyncd/internal/logging"
	"stepsyncd/internal/model"
	"stepsyncd/internal/retry"
	"stepsyncd/internal/rollover"
	"stepsyncd/internal/sensor"
	"stepsyncd/internal/store"
)

const testUser = "user-1"

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)

type fixture struct {
	t      *testing.T
	sim    *sensor.Simulated
	store  *store.Store
	health *healthbridge.Memory
	cloud  *cloudledger.Memory
	clock  *rollover.Manual
	roll   chan model.Day
	eng    *engine.Engine
}

func newFixture(t *testing.T, initial uint64) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return &fixture{
		t:      t,
		sim:    sensor.NewSimulated(initial),
		store:  st,
		health: healthbridge.NewMemory(),
		cloud:  cloudledger.NewMemory(),
		clock:  rollover.NewManual(baseTime),
		roll:   make(chan model.Day),
	}
}

func (f *fixture) start() {
	f.t.Helper()

	log, err := logging.New(&logging.Config{Level: logging.LevelError, Output: "stderr"})
	require.NoError(f.t, err)

	eng, err := engine.New(engine.Config{
		UserID:            testUser,
		Profile:           biometrics.Guest,
		SyncInterval:      time.Hour,
		IOTimeout:         time.Second,
		SensorReadTimeout: time.Second,
		SensorRetry:       retry.Policy{Attempts: 3, Backoff: time.Millisecond},
		DegradedGrace:     time.Minute,
		ShutdownTimeout:   time.Second,
	}, engine.Deps{
		Sensor:   f.sim,
		Store:    f.store,
		Health:   f.health,
		Cloud:    f.cloud,
		Clock:    f.clock,
		Rollover: f.roll,
		Log:      log,
	})
	require.NoError(f.t, err)

	require.NoError(f.t, eng.Start(context.Background()))
	f.t.Cleanup(func() { eng.Stop() })
	f.eng = eng
}

func (f *fixture) today() model.Day {
	return model.DayOf(f.clock.Now())
}

// waitSteps waits for the published snapshot to reach want, tolerating
// the asynchronous delivery of sensor stream events.
func (f *fixture) waitSteps(want uint32) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		return f.eng.TodaySnapshot().Steps == want
	}, 2*time.Second, 2*time.Millisecond, "today steps never reached %d", want)
}

func (f *fixture) forceSync() {
	f.t.Helper()
	require.NoError(f.t, f.eng.ForceSync(context.Background()))
}

func TestNewUserStartsAtZero(t *testing.T) {
	f := newFixture(t, 84231)
	f.start()

	require.Equal(t, uint32(0), f.eng.TodaySnapshot().Steps)

	b, _, err := f.store.LoadState(testUser)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, uint64(84231), b.BaselineValue)
	require.Equal(t, f.today(), b.ReferenceDate)
}

func TestStreamEventsAdvanceToday(t *testing.T) {
	f := newFixture(t, 84231)
	f.start()

	f.sim.Advance(250)
	f.waitSteps(250)

	f.sim.Advance(50)
	f.waitSteps(300)
}

func TestRebootMidStreamPreservesToday(t *testing.T) {
	f := newFixture(t, 30000)
	f.start()

	f.sim.Advance(150)
	f.waitSteps(150)

	// Counter restarts near zero. The 150 steps already walked stay.
	f.sim.SetCumulative(12)
	f.waitSteps(150)

	b, _, err := f.store.LoadState(testUser)
	require.NoError(t, err)
	require.Equal(t, uint64(12), b.BaselineValue)

	// Counting continues from the new epoch.
	f.sim.Advance(10)
	f.waitSteps(160)
}

func TestTodayStepsNeverNegative(t *testing.T) {
	f := newFixture(t, 84231)
	f.start()

	f.sim.Advance(40)
	f.waitSteps(40)

	f.sim.Reboot()
	f.waitSteps(40)
	require.GreaterOrEqual(t, f.eng.TodaySnapshot().Steps, uint32(0))
}

func TestStartupRebootCorrection(t *testing.T) {
	f := newFixture(t, 12)

	// State left by a previous run: baseline 30000, 150 steps today.
	day := f.today()
	require.NoError(t, f.store.SaveState(testUser,
		model.Baseline{ReferenceDate: day, BaselineValue: 30000, LastObservedDeviceValue: 30150},
		model.SyncCursor{LastWrittenStepsToHealth: 150}))
	require.NoError(t, f.store.UpsertSnapshot(testUser,
		model.StepSnapshot{Date: day, Steps: 150, Source: model.SourceSensor, Quality: model.QualityBasic},
		150, false))

	f.start()

	require.Equal(t, uint32(150), f.eng.TodaySnapshot().Steps)

	b, _, err := f.store.LoadState(testUser)
	require.NoError(t, err)
	require.Equal(t, uint64(12), b.BaselineValue)
}

func TestStartupCorruptedBaseline(t *testing.T) {
	f := newFixture(t, 4000)

	day := f.today()
	require.NoError(t, f.store.SaveState(testUser,
		model.Baseline{ReferenceDate: day, BaselineValue: 150_000, LastObservedDeviceValue: 150_000},
		model.SyncCursor{}))

	f.start()

	require.Equal(t, uint32(0), f.eng.TodaySnapshot().Steps)

	b, _, err := f.store.LoadState(testUser)
	require.NoError(t, err)
	require.Equal(t, uint64(4000), b.BaselineValue)
}

func TestStartupCorruptedDelta(t *testing.T) {
	f := newFixture(t, 61000)

	day := f.today()
	require.NoError(t, f.store.SaveState(testUser,
		model.Baseline{ReferenceDate: day, BaselineValue: 1000, LastObservedDeviceValue: 1000},
		model.SyncCursor{}))

	f.start()

	// A 60000-step jump within one day is corruption, not walking.
	require.Equal(t, uint32(0), f.eng.TodaySnapshot().Steps)

	b, _, err := f.store.LoadState(testUser)
	require.NoError(t, err)
	require.Equal(t, uint64(61000), b.BaselineValue)
	require.Equal(t, day, b.ReferenceDate)
}

func TestStartupStaleDayRollsOver(t *testing.T) {
	f := newFixture(t, 10200)

	yesterday := model.DayOf(baseTime.AddDate(0, 0, -1))
	require.NoError(t, f.store.SaveState(testUser,
		model.Baseline{ReferenceDate: yesterday, BaselineValue: 1000, LastObservedDeviceValue: 9800},
		model.SyncCursor{LastWrittenStepsToHealth: 8800}))
	require.NoError(t, f.store.UpsertSnapshot(testUser,
		model.StepSnapshot{Date: yesterday, Steps: 8800, Source: model.SourceSensor, Quality: model.QualityBasic},
		8800, false))

	f.start()

	// Yesterday was frozen at its final count, today starts at zero.
	require.Equal(t, f.today(), f.eng.TodaySnapshot().Date)
	require.Equal(t, uint32(0), f.eng.TodaySnapshot().Steps)

	frozen, err := f.store.GetSnapshot(testUser, yesterday)
	require.NoError(t, err)
	require.NotNil(t, frozen)
	require.Equal(t, uint32(9200), frozen.Steps)

	b, _, err := f.store.LoadState(testUser)
	require.NoError(t, err)
	require.Equal(t, f.today(), b.ReferenceDate)
	require.Equal(t, uint64(10200), b.BaselineValue)

	require.Equal(t, uint64(9200), f.eng.OverallSteps())
}

func TestSyncIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	f.start()

	f.sim.Advance(500)
	f.waitSteps(500)

	f.forceSync()
	f.forceSync()

	// The second cycle found nothing new to flush: exactly one
	// non-zero delta reached the platform.
	require.Equal(t, []uint32{500}, f.health.Writes)
	require.Equal(t, uint32(500), f.health.Total(f.today()))
	require.Equal(t, uint32(500), f.eng.TodaySnapshot().Steps)
}

func TestSyncRetriesDeltaAfterWriteFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.start()

	f.sim.Advance(100)
	f.waitSteps(100)

	f.health.FailWrites(healthbridge.ErrPlatformUnavailable)
	require.Error(t, f.eng.ForceSync(context.Background()))
	require.Empty(t, f.health.Writes)

	// The cursor did not advance, so the same delta lands next cycle.
	f.health.FailWrites(nil)
	f.forceSync()
	require.Equal(t, []uint32{100}, f.health.Writes)
	require.Equal(t, uint32(100), f.health.Total(f.today()))
}

func TestConflictHealthWins(t *testing.T) {
	f := newFixture(t, 0)
	f.start()

	day := f.today()
	f.cloud.Put(testUser, model.StepSnapshot{
		Date: day, Steps: 1000, Source: model.SourceSensor, Quality: model.QualityBasic,
	})
	f.health.SetTotal(day, 800)

	f.forceSync()

	got := f.cloud.Snapshot(testUser, day)
	require.NotNil(t, got)
	require.Equal(t, uint32(800), got.Steps)
	require.Equal(t, uint32(800), f.eng.TodaySnapshot().Steps)

	conflicts := f.eng.Conflicts()
	require.Len(t, conflicts, 1)
	require.Equal(t, uint32(1000), conflicts[0].CloudValue)
	require.Equal(t, uint32(800), conflicts[0].HealthValue)
	require.Equal(t, model.ResolutionHealthWins, conflicts[0].Resolution)
}

func TestOtherWriterContributionsDoNotEcho(t *testing.T) {
	f := newFixture(t, 0)
	f.start()

	day := f.today()
	f.sim.Advance(300)
	f.waitSteps(300)
	f.forceSync()

	// Another device contributes 200 through the platform.
	f.health.SetTotal(day, 500)
	f.forceSync()
	require.Equal(t, uint32(500), f.eng.TodaySnapshot().Steps)

	// Our next sync must not re-write the foreign 200 as a delta.
	f.sim.Advance(50)
	f.waitSteps(550)
	f.forceSync()

	require.Equal(t, []uint32{300, 50}, f.health.Writes)
	require.Equal(t, uint32(550), f.health.Total(day))
}

func TestDayRolloverContinuity(t *testing.T) {
	f := newFixture(t, 0)
	f.start()

	day1 := f.today()
	f.sim.Advance(9000)
	f.waitSteps(9000)
	f.forceSync()

	f.clock.Advance(24 * time.Hour)
	day2 := f.today()
	f.roll <- day2
	require.Eventually(t, func() bool {
		return f.eng.TodaySnapshot().Date == day2
	}, 2*time.Second, 2*time.Millisecond)

	require.Equal(t, uint32(0), f.eng.TodaySnapshot().Steps)

	frozen, err := f.store.GetSnapshot(testUser, day1)
	require.NoError(t, err)
	require.NotNil(t, frozen)
	require.Equal(t, uint32(9000), frozen.Steps)

	f.sim.Advance(200)
	f.waitSteps(200)
	require.Equal(t, uint64(9200), f.eng.OverallSteps())

	// The outgoing day reached the cloud during the rollover.
	synced := f.cloud.Snapshot(testUser, day1)
	require.NotNil(t, synced)
	require.Equal(t, uint32(9000), synced.Steps)
}

func TestMissedRolloverDetectedAtSync(t *testing.T) {
	f := newFixture(t, 0)
	f.start()

	day1 := f.today()
	f.sim.Advance(1200)
	f.waitSteps(1200)

	// No scheduler event; the date change is noticed by the next sync.
	f.clock.Advance(24 * time.Hour)
	f.forceSync()

	require.Equal(t, f.today(), f.eng.TodaySnapshot().Date)
	require.Equal(t, uint32(0), f.eng.TodaySnapshot().Steps)

	frozen, err := f.store.GetSnapshot(testUser, day1)
	require.NoError(t, err)
	require.NotNil(t, frozen)
	require.Equal(t, uint32(1200), frozen.Steps)
}

func TestSensorFallbackKeepsLastValue(t *testing.T) {
	f := newFixture(t, 6000)

	day := f.today()
	require.NoError(t, f.store.SaveState(testUser,
		model.Baseline{ReferenceDate: day, BaselineValue: 5000, LastObservedDeviceValue: 5200},
		model.SyncCursor{LastWrittenStepsToHealth: 200}))
	require.NoError(t, f.store.UpsertSnapshot(testUser,
		model.StepSnapshot{Date: day, Steps: 200, Source: model.SourceSensor, Quality: model.QualityBasic},
		200, false))

	f.sim.Fail(sensor.ErrUnavailable, -1)
	f.start()

	// Validation fell back to the last observed value: no correction,
	// today's count stands.
	require.Equal(t, uint32(200), f.eng.TodaySnapshot().Steps)
	require.False(t, f.eng.Degraded())

	// Past the grace period the degradation becomes user-visible.
	f.clock.Advance(2 * time.Minute)
	require.True(t, f.eng.Degraded())

	// A live stream event clears it.
	f.sim.Fail(nil, 0)
	f.sim.Advance(10)
	f.waitSteps(210)
	require.False(t, f.eng.Degraded())
}

func TestRestartRestoresSplitState(t *testing.T) {
	f := newFixture(t, 0)
	f.start()

	day := f.today()
	f.sim.Advance(300)
	f.waitSteps(300)
	f.health.SetTotal(day, 500) // 200 from another device
	f.forceSync()
	require.Equal(t, uint32(500), f.eng.TodaySnapshot().Steps)
	require.NoError(t, f.eng.Stop())

	// Same store, fresh process.
	f2 := &fixture{
		t:      t,
		sim:    f.sim,
		store:  f.store,
		health: f.health,
		cloud:  f.cloud,
		clock:  f.clock,
		roll:   make(chan model.Day),
	}
	f2.start()

	require.Equal(t, uint32(500), f2.eng.TodaySnapshot().Steps)

	// New local steps extend the sensor portion only.
	f2.sim.Advance(25)
	f2.waitSteps(525)
	f2.forceSync()
	require.Equal(t, uint32(525), f2.health.Total(day))
}

func TestSubscribeDeliversUpdates(t *testing.T) {
	f := newFixture(t, 0)
	f.start()

	ch, cancel := f.eng.Subscribe()
	defer cancel()

	// Initial state arrives immediately.
	up := <-ch
	require.Equal(t, uint32(0), up.Today.Steps)

	f.sim.Advance(75)
	require.Eventually(t, func() bool {
		select {
		case up = <-ch:
		default:
		}
		return up.Today.Steps == 75
	}, 2*time.Second, 2*time.Millisecond)
	require.Equal(t, uint64(75), up.OverallSteps)
}

func TestHistoryAndGetSnapshot(t *testing.T) {
	f := newFixture(t, 0)
	f.start()

	day1 := f.today()
	f.sim.Advance(4000)
	f.waitSteps(4000)

	f.clock.Advance(24 * time.Hour)
	f.forceSync()
	day2 := f.today()
	f.sim.Advance(100)
	f.waitSteps(100)
	f.forceSync()

	snaps, err := f.eng.History(10)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, day2, snaps[0].Date)
	require.Equal(t, day1, snaps[1].Date)

	got, err := f.eng.GetSnapshot(day1)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint32(4000), got.Steps)

	live, err := f.eng.GetSnapshot(day2)
	require.NoError(t, err)
	require.Equal(t, uint32(100), live.Steps)
}

func TestCloudOutageBackfilledOnRestart(t *testing.T) {
	f := newFixture(t, 0)
	f.start()

	day1 := f.today()
	f.sim.Advance(7000)
	f.waitSteps(7000)

	// Cloud is down across the midnight rollover.
	f.cloud.FailSets(cloudledger.ErrWriteFailed)
	f.clock.Advance(24 * time.Hour)
	f.roll <- f.today()
	require.Eventually(t, func() bool {
		return f.eng.TodaySnapshot().Date == f.today()
	}, 2*time.Second, 2*time.Millisecond)
	require.Nil(t, f.cloud.Snapshot(testUser, day1))
	require.NoError(t, f.eng.Stop())

	// Next start pushes the frozen day.
	f.cloud.FailSets(nil)
	f2 := &fixture{
		t:      t,
		sim:    f.sim,
		store:  f.store,
		health: f.health,
		cloud:  f.cloud,
		clock:  f.clock,
		roll:   make(chan model.Day),
	}
	f2.start()

	synced := f.cloud.Snapshot(testUser, day1)
	require.NotNil(t, synced)
	require.Equal(t, uint32(7000), synced.Steps)
}
