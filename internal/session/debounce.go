package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultDebounceWindow = 1000 * time.Millisecond

var (
	errMissingFlushFunc    = errors.New("session: flush function is required")
	errMissingSnapshotFunc = errors.New("session: snapshot function is required")
)

// SnapshotFunc captures the current replica snapshot. The debouncer calls it
// when a flush actually fires, so remote changes merged between scheduling
// and flushing are included in the persisted bytes.
type SnapshotFunc func() []byte

// FlushFunc persists one snapshot. A failed flush is reported, never retried;
// the next scheduled snapshot is the retry path.
type FlushFunc func(ctx context.Context, snapshot []byte) error

// DebouncerConfig describes the inputs required to build a Debouncer.
type DebouncerConfig struct {
	Window       time.Duration
	Snapshot     SnapshotFunc
	Flush        FlushFunc
	OnFlushError func(error)
	Logger       *zap.Logger
}

// Debouncer coalesces bursts of edits into a single trailing-edge flush.
// It is constructed once per open-document session and reused for every local
// edit; Close cancels any pending timer. At most one flush is in flight at a
// time; a request arriving mid-flight is deferred and re-evaluated once the
// outstanding flush completes. The snapshot itself is taken at flush time.
type Debouncer struct {
	mu           sync.Mutex
	window       time.Duration
	snapshot     SnapshotFunc
	flush        FlushFunc
	onFlushError func(error)
	logger       *zap.Logger

	timer    *time.Timer
	dirty    bool
	inFlight bool
	deferred bool
	closed   bool
}

// NewDebouncer constructs a Debouncer.
func NewDebouncer(cfg DebouncerConfig) (*Debouncer, error) {
	if cfg.Snapshot == nil {
		return nil, errMissingSnapshotFunc
	}
	if cfg.Flush == nil {
		return nil, errMissingFlushFunc
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultDebounceWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debouncer{
		window:       window,
		snapshot:     cfg.Snapshot,
		flush:        cfg.Flush,
		onFlushError: cfg.OnFlushError,
		logger:       logger,
	}, nil
}

// Schedule marks the replica dirty and restarts the quiet window. Repeated
// calls within the window collapse into one flush of the latest state.
func (d *Debouncer) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.dirty = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fire)
}

// FlushNow bypasses the quiet window: it cancels any pending timer and
// flushes the current snapshot immediately. If a flush is already in flight
// the request is deferred and re-evaluated when the flight completes.
func (d *Debouncer) FlushNow(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.inFlight {
		d.dirty = true
		d.deferred = true
		d.mu.Unlock()
		return nil
	}
	d.dirty = false
	d.inFlight = true
	d.mu.Unlock()

	err := d.flush(ctx, d.snapshot())
	d.finishFlight(err)
	return err
}

// Close cancels any pending timer. Subsequent schedules are no-ops, and a
// timer that already fired finds the debouncer closed and bails.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.dirty = false
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.closed || !d.dirty {
		d.mu.Unlock()
		return
	}
	if d.inFlight {
		d.deferred = true
		d.mu.Unlock()
		return
	}
	d.dirty = false
	d.inFlight = true
	d.mu.Unlock()

	err := d.flush(context.Background(), d.snapshot())
	d.finishFlight(err)
}

func (d *Debouncer) finishFlight(flushErr error) {
	if flushErr != nil {
		d.logger.Warn("snapshot flush failed", zap.Error(flushErr))
		if d.onFlushError != nil {
			d.onFlushError(flushErr)
		}
	}

	d.mu.Lock()
	d.inFlight = false
	rerun := d.deferred && d.dirty && !d.closed
	d.deferred = false
	d.mu.Unlock()

	if rerun {
		d.fire()
	}
}
