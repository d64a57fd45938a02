package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type snapshotSource struct {
	mu    sync.Mutex
	value []byte
}

func (source *snapshotSource) set(value []byte) {
	source.mu.Lock()
	defer source.mu.Unlock()
	source.value = value
}

func (source *snapshotSource) current() []byte {
	source.mu.Lock()
	defer source.mu.Unlock()
	return source.value
}

type flushRecorder struct {
	mu        sync.Mutex
	snapshots [][]byte
	err       error
	block     chan struct{}
	started   chan struct{}
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{started: make(chan struct{}, 16)}
}

func (recorder *flushRecorder) flush(_ context.Context, snapshot []byte) error {
	recorder.started <- struct{}{}
	if recorder.block != nil {
		<-recorder.block
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.snapshots = append(recorder.snapshots, snapshot)
	return recorder.err
}

func (recorder *flushRecorder) count() int {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return len(recorder.snapshots)
}

func (recorder *flushRecorder) last() []byte {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.snapshots) == 0 {
		return nil
	}
	return recorder.snapshots[len(recorder.snapshots)-1]
}

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", message)
}

func newTestDebouncer(t *testing.T, window time.Duration, source *snapshotSource, recorder *flushRecorder) *Debouncer {
	t.Helper()
	debouncer, err := NewDebouncer(DebouncerConfig{
		Window:   window,
		Snapshot: source.current,
		Flush:    recorder.flush,
	})
	if err != nil {
		t.Fatalf("new debouncer: %v", err)
	}
	return debouncer
}

func TestDebouncerCoalescesBurstIntoSingleFlush(t *testing.T) {
	recorder := newFlushRecorder()
	source := &snapshotSource{}
	debouncer := newTestDebouncer(t, 30*time.Millisecond, source, recorder)
	defer debouncer.Close()

	for index := 0; index < 5; index++ {
		source.set([]byte{byte(index)})
		debouncer.Schedule()
	}

	waitFor(t, func() bool { return recorder.count() == 1 }, "single flush after quiet window")
	time.Sleep(60 * time.Millisecond)
	if got := recorder.count(); got != 1 {
		t.Fatalf("expected exactly one flush, got %d", got)
	}
	if last := recorder.last(); len(last) != 1 || last[0] != 4 {
		t.Fatalf("expected latest snapshot to win, got %v", last)
	}
}

func TestDebouncerFlushCapturesSnapshotAtFlushTime(t *testing.T) {
	recorder := newFlushRecorder()
	source := &snapshotSource{}
	debouncer := newTestDebouncer(t, 40*time.Millisecond, source, recorder)
	defer debouncer.Close()

	source.set([]byte("local edit"))
	debouncer.Schedule()
	// A remote snapshot merged into the replica before the window elapses
	// must be part of the persisted bytes.
	source.set([]byte("local edit plus merged remote"))

	waitFor(t, func() bool { return recorder.count() == 1 }, "flush after quiet window")
	if string(recorder.last()) != "local edit plus merged remote" {
		t.Fatalf("flush persisted stale snapshot: %q", recorder.last())
	}
}

func TestDebouncerScheduleRestartsWindow(t *testing.T) {
	recorder := newFlushRecorder()
	source := &snapshotSource{}
	debouncer := newTestDebouncer(t, 50*time.Millisecond, source, recorder)
	defer debouncer.Close()

	source.set([]byte("first"))
	debouncer.Schedule()
	time.Sleep(30 * time.Millisecond)
	source.set([]byte("second"))
	debouncer.Schedule()
	time.Sleep(30 * time.Millisecond)
	if got := recorder.count(); got != 0 {
		t.Fatalf("flush fired before quiet window elapsed, count %d", got)
	}

	waitFor(t, func() bool { return recorder.count() == 1 }, "flush after restart")
	if string(recorder.last()) != "second" {
		t.Fatalf("expected second snapshot, got %q", recorder.last())
	}
}

func TestDebouncerFlushNowBypassesWindow(t *testing.T) {
	recorder := newFlushRecorder()
	source := &snapshotSource{}
	debouncer := newTestDebouncer(t, time.Hour, source, recorder)
	defer debouncer.Close()

	source.set([]byte("immediate"))
	debouncer.Schedule()
	if err := debouncer.FlushNow(context.Background()); err != nil {
		t.Fatalf("flush now: %v", err)
	}
	if got := recorder.count(); got != 1 {
		t.Fatalf("expected one immediate flush, got %d", got)
	}
	if string(recorder.last()) != "immediate" {
		t.Fatalf("expected immediate snapshot, got %q", recorder.last())
	}

	// The pending timer was cancelled; nothing else fires.
	time.Sleep(50 * time.Millisecond)
	if got := recorder.count(); got != 1 {
		t.Fatalf("cancelled timer still fired, count %d", got)
	}
}

func TestDebouncerFlushNowReturnsFlushError(t *testing.T) {
	recorder := newFlushRecorder()
	recorder.err = errors.New("disk full")
	source := &snapshotSource{}
	reported := make(chan error, 1)
	debouncer, err := NewDebouncer(DebouncerConfig{
		Window:       time.Hour,
		Snapshot:     source.current,
		Flush:        recorder.flush,
		OnFlushError: func(flushErr error) { reported <- flushErr },
	})
	if err != nil {
		t.Fatalf("new debouncer: %v", err)
	}
	defer debouncer.Close()

	source.set([]byte("doomed"))
	if err := debouncer.FlushNow(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	select {
	case <-reported:
	default:
		t.Fatal("expected flush error to be reported")
	}
}

func TestDebouncerDefersWhileFlushInFlight(t *testing.T) {
	recorder := newFlushRecorder()
	recorder.block = make(chan struct{})
	source := &snapshotSource{}
	debouncer := newTestDebouncer(t, 10*time.Millisecond, source, recorder)
	defer debouncer.Close()

	source.set([]byte("first"))
	debouncer.Schedule()
	<-recorder.started

	// An edit arriving mid-flight must not start a second flush.
	source.set([]byte("second"))
	debouncer.Schedule()
	time.Sleep(30 * time.Millisecond)
	if got := recorder.count(); got != 0 {
		t.Fatalf("flush completed while blocked, count %d", got)
	}

	close(recorder.block)
	waitFor(t, func() bool { return recorder.count() == 2 }, "deferred flush after flight completes")
	if string(recorder.last()) != "second" {
		t.Fatalf("expected deferred snapshot, got %q", recorder.last())
	}
}

func TestDebouncerCloseCancelsPendingFlush(t *testing.T) {
	recorder := newFlushRecorder()
	source := &snapshotSource{}
	debouncer := newTestDebouncer(t, 20*time.Millisecond, source, recorder)

	source.set([]byte("never"))
	debouncer.Schedule()
	debouncer.Close()
	time.Sleep(50 * time.Millisecond)
	if got := recorder.count(); got != 0 {
		t.Fatalf("flush fired after close, count %d", got)
	}

	debouncer.Schedule()
	time.Sleep(50 * time.Millisecond)
	if got := recorder.count(); got != 0 {
		t.Fatalf("schedule after close fired, count %d", got)
	}
}

func TestNewDebouncerValidatesConfig(t *testing.T) {
	source := &snapshotSource{}
	recorder := newFlushRecorder()
	if _, err := NewDebouncer(DebouncerConfig{Window: time.Second, Snapshot: source.current}); !errors.Is(err, errMissingFlushFunc) {
		t.Fatalf("expected missing flush func error, got %v", err)
	}
	if _, err := NewDebouncer(DebouncerConfig{Window: time.Second, Flush: recorder.flush}); !errors.Is(err, errMissingSnapshotFunc) {
		t.Fatalf("expected missing snapshot func error, got %v", err)
	}
}
