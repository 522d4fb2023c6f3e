package healthbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"stepsyncd/internal/model"
)

const ledgerFileName = "health-ledger.json"

// ledgerDoc is the on-disk form of the shared ledger: per date, each
// writer's running contribution. The total for a date is the sum over
// writers. Concurrent writers inherit last-write-wins at the file level;
// that limitation is accepted (it mirrors the OS health store).
type ledgerDoc struct {
	Version int                             `json:"version"`
	Days    map[model.Day]map[string]uint32 `json:"days"`
}

// FileLedger is a Bridge over a shared JSON ledger file. Each writer is
// identified by a stable writerID so repeated delta writes accumulate
// under one key and external contributions remain visible.
type FileLedger struct {
	mu       sync.Mutex
	dir      string
	writerID string

	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileLedger opens the ledger in dir, which must already exist: a
// missing directory means the platform has no health subsystem and every
// operation reports ErrPlatformUnavailable rather than inventing zeros.
func NewFileLedger(dir, writerID string) (*FileLedger, error) {
	if writerID == "" {
		return nil, fmt.Errorf("writer id must not be empty")
	}
	return &FileLedger{
		dir:      dir,
		writerID: writerID,
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

func (f *FileLedger) path() string { return filepath.Join(f.dir, ledgerFileName) }

func (f *FileLedger) available() error {
	info, err := os.Stat(f.dir)
	if err != nil || !info.IsDir() {
		return ErrPlatformUnavailable
	}
	return nil
}

// load reads the ledger document. A missing file in an existing ledger
// directory is an empty ledger, not an unavailable platform.
func (f *FileLedger) load() (*ledgerDoc, error) {
	if err := f.available(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path())
	if err != nil {
		if os.IsNotExist(err) {
			return &ledgerDoc{Version: 1, Days: make(map[model.Day]map[string]uint32)}, nil
		}
		return nil, fmt.Errorf("read health ledger: %w", err)
	}

	var doc ledgerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode health ledger: %w", err)
	}
	if doc.Days == nil {
		doc.Days = make(map[model.Day]map[string]uint32)
	}
	return &doc, nil
}

// save writes the document atomically: temp file then rename.
func (f *FileLedger) save(doc *ledgerDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode health ledger: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ledgerFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp ledger: %w", err)
	}

	if err := os.Rename(tmpName, f.path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace health ledger: %w", err)
	}
	return nil
}

// ReadTotalForDate sums every writer's contribution for the date.
func (f *FileLedger) ReadTotalForDate(ctx context.Context, date model.Day) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return 0, err
	}

	var total uint32
	for _, steps := range doc.Days[date] {
		total += steps
	}
	return total, nil
}

// WriteDelta adds deltaSteps to this writer's contribution for the date.
func (f *FileLedger) WriteDelta(ctx context.Context, date model.Day, deltaSteps uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deltaSteps == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}

	writers := doc.Days[date]
	if writers == nil {
		writers = make(map[string]uint32)
		doc.Days[date] = writers
	}
	writers[f.writerID] += deltaSteps

	return f.save(doc)
}

// Watch begins monitoring the ledger file for writes by other processes.
// Changes are delivered, coalesced, on the Changes channel until Close.
func (f *FileLedger) Watch() error {
	if err := f.available(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create ledger watcher: %w", err)
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch ledger directory: %w", err)
	}
	f.watcher = watcher

	f.wg.Add(1)
	go f.watchLoop()
	return nil
}

func (f *FileLedger) watchLoop() {
	defer f.wg.Done()
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ledgerFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case f.changes <- struct{}{}:
			default:
			}
		case <-f.watcher.Errors:
			// Watch errors are non-fatal; periodic sync still reads
			// the ledger on its own schedule.
		case <-f.done:
			return
		}
	}
}

// Changes returns the coalesced change-notification channel.
func (f *FileLedger) Changes() <-chan struct{} { return f.changes }

// Close stops watching. The ledger file itself needs no teardown.
func (f *FileLedger) Close() error {
	select {
	case <-f.done:
		return nil
	default:
	}
	close(f.done)
	var err error
	if f.watcher != nil {
		err = f.watcher.Close()
	}
	f.wg.Wait()
	return err
}
