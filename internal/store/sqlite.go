// Package store persists the engine's local state in SQLite: the
// per-user baseline and sync cursor (one row, overwritten in place) and
// the local cache of daily step snapshots.
//
// Single-writer discipline: only the reconciliation engine calls the
// mutating methods. Saves are durable before they return.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"stepsyncd/internal/model"
)

// Schema for the stepsyncd local store.
const schema = `
CREATE TABLE IF NOT EXISTS tracker_state (
    user_id                     TEXT PRIMARY KEY,
    reference_date              TEXT NOT NULL,
    baseline_value              INTEGER NOT NULL,
    last_observed_device_value  INTEGER NOT NULL,
    last_sync_at_ns             INTEGER NOT NULL,
    last_written_steps          INTEGER NOT NULL,
    updated_at_ns               INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS day_snapshots (
    user_id         TEXT NOT NULL,
    date            TEXT NOT NULL,
    steps           INTEGER NOT NULL,
    distance_km     REAL NOT NULL,
    calories        INTEGER NOT NULL,
    active_minutes  INTEGER NOT NULL,
    source          TEXT NOT NULL,
    quality         TEXT NOT NULL,
    sensor_steps    INTEGER NOT NULL DEFAULT 0,
    frozen          INTEGER NOT NULL DEFAULT 0,
    cloud_synced    INTEGER NOT NULL DEFAULT 0,
    updated_at_ns   INTEGER NOT NULL,
    PRIMARY KEY (user_id, date)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_user_date ON day_snapshots(user_id, date DESC);

CREATE TABLE IF NOT EXISTS device_identity (
    id            INTEGER PRIMARY KEY CHECK (id = 1),
    writer_id     TEXT NOT NULL,
    created_at_ns INTEGER NOT NULL
);
`

// Store is the SQLite-backed local state store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
// synchronous=FULL keeps saves durable before they return.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LoadState loads the baseline and sync cursor for a user. Both are nil
// when the user has no persisted state yet (new-user initialization).
func (s *Store) LoadState(userID string) (*model.Baseline, *model.SyncCursor, error) {
	var (
		refDate     string
		baseVal     int64
		lastObs     int64
		lastSyncNs  int64
		lastWritten int64
	)

	err := s.db.QueryRow(`
		SELECT reference_date, baseline_value, last_observed_device_value, last_sync_at_ns, last_written_steps
		FROM tracker_state WHERE user_id = ?`, userID,
	).Scan(&refDate, &baseVal, &lastObs, &lastSyncNs, &lastWritten)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("load state: %w", err)
	}

	baseline := &model.Baseline{
		ReferenceDate:           model.Day(refDate),
		BaselineValue:           uint64(baseVal),
		LastObservedDeviceValue: uint64(lastObs),
	}
	cursor := &model.SyncCursor{
		LastWrittenStepsToHealth: uint32(lastWritten),
	}
	if lastSyncNs > 0 {
		cursor.LastSyncAt = time.Unix(0, lastSyncNs)
	}

	return baseline, cursor, nil
}

// SaveState persists the baseline and sync cursor for a user, replacing
// any previous record.
func (s *Store) SaveState(userID string, b model.Baseline, c model.SyncCursor) error {
	var lastSyncNs int64
	if !c.LastSyncAt.IsZero() {
		lastSyncNs = c.LastSyncAt.UnixNano()
	}

	_, err := s.db.Exec(`
		INSERT INTO tracker_state (user_id, reference_date, baseline_value, last_observed_device_value, last_sync_at_ns, last_written_steps, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			reference_date = excluded.reference_date,
			baseline_value = excluded.baseline_value,
			last_observed_device_value = excluded.last_observed_device_value,
			last_sync_at_ns = excluded.last_sync_at_ns,
			last_written_steps = excluded.last_written_steps,
			updated_at_ns = excluded.updated_at_ns`,
		userID, string(b.ReferenceDate), int64(b.BaselineValue), int64(b.LastObservedDeviceValue),
		lastSyncNs, int64(c.LastWrittenStepsToHealth), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// UpsertSnapshot writes or replaces a day's snapshot. sensorSteps is the
// portion of the step count observed by this device's own sensor (the
// rest came from other writers via the health platform); it is what lets
// a restart reconstruct the un-flushed local contribution. frozen marks
// the day as rolled over; a frozen row never becomes unfrozen again.
func (s *Store) UpsertSnapshot(userID string, snap model.StepSnapshot, sensorSteps uint32, frozen bool) error {
	frozenVal := 0
	if frozen {
		frozenVal = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO day_snapshots (user_id, date, steps, distance_km, calories, active_minutes, source, quality, sensor_steps, frozen, cloud_synced, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET
			steps = excluded.steps,
			distance_km = excluded.distance_km,
			calories = excluded.calories,
			active_minutes = excluded.active_minutes,
			source = excluded.source,
			quality = excluded.quality,
			sensor_steps = excluded.sensor_steps,
			frozen = MAX(day_snapshots.frozen, excluded.frozen),
			updated_at_ns = excluded.updated_at_ns`,
		userID, string(snap.Date), int64(snap.Steps), snap.DistanceKm, int64(snap.Calories),
		int64(snap.ActiveMinutes), string(snap.Source), string(snap.Quality), int64(sensorSteps), frozenVal, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// LoadDay retrieves one day's snapshot together with its sensor-observed
// step portion. Both zero-valued when absent (nil snapshot).
func (s *Store) LoadDay(userID string, date model.Day) (*model.StepSnapshot, uint32, error) {
	row := s.db.QueryRow(`
		SELECT date, steps, distance_km, calories, active_minutes, source, quality, sensor_steps
		FROM day_snapshots WHERE user_id = ? AND date = ?`,
		userID, string(date),
	)

	var (
		snap    model.StepSnapshot
		date2   string
		steps   int64
		cal     int64
		mins    int64
		source  string
		quality string
		sensor  int64
	)
	err := row.Scan(&date2, &steps, &snap.DistanceKm, &cal, &mins, &source, &quality, &sensor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("load day: %w", err)
	}

	snap.Date = model.Day(date2)
	snap.Steps = uint32(steps)
	snap.Calories = uint32(cal)
	snap.ActiveMinutes = uint32(mins)
	snap.Source = model.SnapshotSource(source)
	snap.Quality = model.FigureQuality(quality)
	return &snap, uint32(sensor), nil
}

// MarkSnapshotSynced records that a day's snapshot reached the cloud.
func (s *Store) MarkSnapshotSynced(userID string, date model.Day) error {
	_, err := s.db.Exec(`
		UPDATE day_snapshots SET cloud_synced = 1 WHERE user_id = ? AND date = ?`,
		userID, string(date),
	)
	if err != nil {
		return fmt.Errorf("mark snapshot synced: %w", err)
	}
	return nil
}

// GetSnapshot retrieves one day's snapshot, or nil when absent.
func (s *Store) GetSnapshot(userID string, date model.Day) (*model.StepSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT date, steps, distance_km, calories, active_minutes, source, quality
		FROM day_snapshots WHERE user_id = ? AND date = ?`,
		userID, string(date),
	)

	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns up to limit snapshots, most recent first.
func (s *Store) ListSnapshots(userID string, limit int) ([]model.StepSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT date, steps, distance_km, calories, active_minutes, source, quality
		FROM day_snapshots
		WHERE user_id = ?
		ORDER BY date DESC
		LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// UnsyncedFrozen returns frozen snapshots that never reached the cloud,
// oldest first. Used for start-up backfill after a crash between the
// rollover flush steps.
func (s *Store) UnsyncedFrozen(userID string) ([]model.StepSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT date, steps, distance_km, calories, active_minutes, source, quality
		FROM day_snapshots
		WHERE user_id = ? AND frozen = 1 AND cloud_synced = 0
		ORDER BY date ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query unsynced snapshots: %w", err)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// SumFrozenSteps returns the total steps across all frozen snapshots.
// The engine adds today's live count on top for the overall total.
func (s *Store) SumFrozenSteps(userID string) (uint64, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(steps) FROM day_snapshots WHERE user_id = ? AND frozen = 1`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum frozen steps: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return uint64(total.Int64), nil
}

// WriterID returns this install's stable writer identity, creating it on
// first call. It identifies this device's contributions in the shared
// health ledger.
func (s *Store) WriterID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT writer_id FROM device_identity WHERE id = 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("load writer id: %w", err)
	}

	id = uuid.NewString()
	if _, err := s.db.Exec(`
		INSERT INTO device_identity (id, writer_id, created_at_ns) VALUES (1, ?, ?)`,
		id, time.Now().UnixNano(),
	); err != nil {
		return "", fmt.Errorf("save writer id: %w", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*model.StepSnapshot, error) {
	var (
		snap    model.StepSnapshot
		date    string
		steps   int64
		cal     int64
		mins    int64
		source  string
		quality string
	)
	if err := row.Scan(&date, &steps, &snap.DistanceKm, &cal, &mins, &source, &quality); err != nil {
		return nil, err
	}
	snap.Date = model.Day(date)
	snap.Steps = uint32(steps)
	snap.Calories = uint32(cal)
	snap.ActiveMinutes = uint32(mins)
	snap.Source = model.SnapshotSource(source)
	snap.Quality = model.FigureQuality(quality)
	return &snap, nil
}

func scanSnapshots(rows *sql.Rows) ([]model.StepSnapshot, error) {
	var snaps []model.StepSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}
