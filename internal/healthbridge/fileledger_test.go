package healthbridge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stepsyncd/internal/model"
)

const testDay = model.Day("2026-03-14")

func TestMissingDirectoryMeansUnavailable(t *testing.T) {
	ledger, err := NewFileLedger(filepath.Join(t.TempDir(), "does-not-exist"), "writer-a")
	require.NoError(t, err)
	defer ledger.Close()

	_, err = ledger.ReadTotalForDate(context.Background(), testDay)
	require.ErrorIs(t, err, ErrPlatformUnavailable)

	err = ledger.WriteDelta(context.Background(), testDay, 100)
	require.ErrorIs(t, err, ErrPlatformUnavailable)
}

func TestMissingFileIsEmptyLedger(t *testing.T) {
	ledger, err := NewFileLedger(t.TempDir(), "writer-a")
	require.NoError(t, err)
	defer ledger.Close()

	total, err := ledger.ReadTotalForDate(context.Background(), testDay)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestDeltasAccumulatePerWriter(t *testing.T) {
	dir := t.TempDir()
	ledger, err := NewFileLedger(dir, "writer-a")
	require.NoError(t, err)
	defer ledger.Close()

	ctx := context.Background()
	require.NoError(t, ledger.WriteDelta(ctx, testDay, 300))
	require.NoError(t, ledger.WriteDelta(ctx, testDay, 200))

	total, err := ledger.ReadTotalForDate(ctx, testDay)
	require.NoError(t, err)
	require.Equal(t, uint32(500), total)

	// A second day is independent.
	total, err = ledger.ReadTotalForDate(ctx, "2026-03-15")
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestTotalsSumAcrossWriters(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	phone, err := NewFileLedger(dir, "phone")
	require.NoError(t, err)
	defer phone.Close()
	watch, err := NewFileLedger(dir, "watch")
	require.NoError(t, err)
	defer watch.Close()

	require.NoError(t, phone.WriteDelta(ctx, testDay, 1000))
	require.NoError(t, watch.WriteDelta(ctx, testDay, 250))
	require.NoError(t, phone.WriteDelta(ctx, testDay, 50))

	// Both views agree on the combined total.
	fromPhone, err := phone.ReadTotalForDate(ctx, testDay)
	require.NoError(t, err)
	require.Equal(t, uint32(1300), fromPhone)

	fromWatch, err := watch.ReadTotalForDate(ctx, testDay)
	require.NoError(t, err)
	require.Equal(t, uint32(1300), fromWatch)
}

func TestZeroDeltaWritesNothing(t *testing.T) {
	dir := t.TempDir()
	ledger, err := NewFileLedger(dir, "writer-a")
	require.NoError(t, err)
	defer ledger.Close()

	require.NoError(t, ledger.WriteDelta(context.Background(), testDay, 0))

	// No ledger file should have been created.
	entries, err := filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestEmptyWriterIDRejected(t *testing.T) {
	_, err := NewFileLedger(t.TempDir(), "")
	require.Error(t, err)
}

func TestWatchNotifiesOnForeignWrite(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	reader, err := NewFileLedger(dir, "phone")
	require.NoError(t, err)
	defer reader.Close()
	require.NoError(t, reader.Watch())

	other, err := NewFileLedger(dir, "watch")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, other.WriteDelta(ctx, testDay, 42))

	select {
	case <-reader.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification for foreign ledger write")
	}

	total, err := reader.ReadTotalForDate(ctx, testDay)
	require.NoError(t, err)
	require.Equal(t, uint32(42), total)
}

func TestCloseIsIdempotent(t *testing.T) {
	ledger, err := NewFileLedger(t.TempDir(), "writer-a")
	require.NoError(t, err)
	require.NoError(t, ledger.Watch())
	require.NoError(t, ledger.Close())
	require.NoError(t, ledger.Close())
}
