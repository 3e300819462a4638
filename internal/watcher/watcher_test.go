package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/srevn/plexmon/internal/dircache"
)

// fakeSource is an in-memory kernelSource, letting Run's event loop be
// exercised without a real kqueue/inotify descriptor (spec.md §9,
// "polymorphism over the capability set").
type fakeSource struct {
	nextHandle int
	registered map[int]string
	unregd     []int
	batches    [][]KernelEvent
	raised     []UserEvent
	closed     bool
}

type fakeHandle struct{ id int }

func newFakeSource() *fakeSource {
	return &fakeSource{registered: make(map[int]string)}
}

func (f *fakeSource) RegisterDir(path string, index, generation uint32) (dirHandle, uint64, uint64, error) {
	device, inode, err := statIdentity(path)
	if err != nil {
		return nil, 0, 0, err
	}
	f.nextHandle++
	f.registered[f.nextHandle] = path
	return &fakeHandle{id: f.nextHandle}, device, inode, nil
}

func (f *fakeSource) Unregister(h dirHandle) error {
	fh := h.(*fakeHandle)
	f.unregd = append(f.unregd, fh.id)
	delete(f.registered, fh.id)
	return nil
}

func (f *fakeSource) Wait(timeout time.Duration, maxEvents int) ([]KernelEvent, error) {
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeSource) RaiseUser(evt UserEvent) error {
	f.raised = append(f.raised, evt)
	return nil
}

func (f *fakeSource) Close() error { f.closed = true; return nil }

// fakeScheduler is a minimal Enqueuer recording what it was told to scan.
type fakeScheduler struct {
	enqueued []string
	drains   int
}

func (f *fakeScheduler) Enqueue(path string, sectionID int) { f.enqueued = append(f.enqueued, path) }
func (f *fakeScheduler) NextDeadline() (time.Time, bool)    { return time.Time{}, false }
func (f *fakeScheduler) DrainDue()                          { f.drains++ }

func newTestWatcher(t *testing.T, src *fakeSource, sched Enqueuer) *Watcher {
	t.Helper()
	return newWatcher(src, dircache.New(nil), sched, nil)
}

func TestAddReturnsSameIndexForIdenticalIdentity(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource()
	w := newTestWatcher(t, src, &fakeScheduler{})

	idx1, err := w.Add(dir, 1)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	idx2, err := w.Add(dir, 1)
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if idx1 != idx2 {
		t.Errorf("Add() on an unchanged path returned different indices: %d vs %d", idx1, idx2)
	}
	if len(src.registered) != 1 {
		t.Errorf("expected exactly one live kernel registration, got %d", len(src.registered))
	}
	if len(src.unregd) != 0 {
		t.Errorf("second Add() unregistered the existing watch %d time(s), want 0", len(src.unregd))
	}
}

func TestRemoveThenAddReusesSlabIndex(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	src := newFakeSource()
	w := newTestWatcher(t, src, &fakeScheduler{})

	idxA, err := w.Add(dirA, 1)
	if err != nil {
		t.Fatalf("Add(dirA): %v", err)
	}
	if err := w.Remove(idxA); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	idxB, err := w.Add(dirB, 2)
	if err != nil {
		t.Fatalf("Add(dirB): %v", err)
	}
	if idxB != idxA {
		t.Errorf("Add() after Remove() did not reuse the freed slab index: got %d, want %d", idxB, idxA)
	}
	if len(src.unregd) != 1 {
		t.Errorf("expected exactly one Unregister call, got %d", len(src.unregd))
	}
}

func TestWatchCountReflectsActiveWatchesOnly(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource()
	w := newTestWatcher(t, src, &fakeScheduler{})

	idx, _ := w.Add(dir, 1)
	if w.WatchCount() != 1 {
		t.Fatalf("WatchCount() = %d, want 1", w.WatchCount())
	}
	w.Remove(idx)
	if w.WatchCount() != 0 {
		t.Fatalf("WatchCount() = %d after Remove, want 0", w.WatchCount())
	}
}

func TestAddRejectsOverMaxWatches(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	src := newFakeSource()
	w := newWatcher(src, dircache.New(nil), &fakeScheduler{}, nil, WithMaxWatches(1))

	if _, err := w.Add(dirA, 1); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, err := w.Add(dirB, 1); err != ErrTooManyWatches {
		t.Errorf("Add() at ceiling = %v, want ErrTooManyWatches", err)
	}
}

func TestBufferSizeClampedToRange(t *testing.T) {
	src := newFakeSource()
	w := newTestWatcher(t, src, &fakeScheduler{})

	if got := w.bufferSize(); got != 16 {
		t.Errorf("bufferSize() with no watches = %d, want floor of 16", got)
	}

	for i := 0; i < 300; i++ {
		dir := t.TempDir()
		if _, err := w.Add(dir, 1); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if got := w.bufferSize(); got != 256 {
		t.Errorf("bufferSize() with 300 watches = %d, want ceiling of 256", got)
	}
}

func TestRunStopsOnUserExit(t *testing.T) {
	src := newFakeSource()
	src.batches = [][]KernelEvent{
		{{Kind: EventUser, User: UserExit}},
	}
	sched := &fakeScheduler{}
	w := newTestWatcher(t, src, sched)

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after a UserExit event")
	}
}

func TestRunInvokesReloadCallbackOnUserReload(t *testing.T) {
	src := newFakeSource()
	src.batches = [][]KernelEvent{
		{{Kind: EventUser, User: UserReload}},
		{{Kind: EventUser, User: UserExit}},
	}
	reloaded := false
	w := newWatcher(src, dircache.New(nil), &fakeScheduler{}, nil, WithReload(func() { reloaded = true }))

	done := make(chan error, 1)
	go func() { done <- w.Run() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() never returned")
	}

	if !reloaded {
		t.Error("RELOAD wakeup did not invoke the registered callback")
	}
}

func TestRunDispatchesVnodeEventsThenDrains(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource()
	sched := &fakeScheduler{}
	w := newTestWatcher(t, src, sched)

	idx, err := w.Add(dir, 7)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	d, _ := w.slab.get(idx, w.slab.byIndex(idx).generation)

	src.batches = [][]KernelEvent{
		{{Kind: EventVnode, Index: idx, Generation: d.generation, Op: OpWrite}},
		{{Kind: EventUser, User: UserExit}},
	}

	if err := w.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sched.enqueued) == 0 || sched.enqueued[0] != dir {
		t.Errorf("enqueued = %v, want %s enqueued after a write event", sched.enqueued, dir)
	}
	if sched.drains == 0 {
		t.Error("DrainDue was never called")
	}
}

func TestRunIgnoresStaleGenerationEvent(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource()
	sched := &fakeScheduler{}
	w := newTestWatcher(t, src, sched)

	idx, _ := w.Add(dir, 1)
	staleGen := w.slab.byIndex(idx).generation
	w.Remove(idx)
	// Re-add a different directory; if the slab index is reused the
	// generation will have advanced past staleGen.
	dir2 := t.TempDir()
	w.Add(dir2, 2)

	src.batches = [][]KernelEvent{
		{{Kind: EventVnode, Index: idx, Generation: staleGen, Op: OpWrite}},
		{{Kind: EventUser, User: UserExit}},
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sched.enqueued) != 0 {
		t.Errorf("enqueued = %v, want none (stale generation should be dropped)", sched.enqueued)
	}
}

func TestTargetedWalkAddsUnwatchedSubdirectories(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "child")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	src := newFakeSource()
	w := newTestWatcher(t, src, &fakeScheduler{})

	w.targetedWalk(root, 3)

	if _, ok := w.slab.byPath[sub]; !ok {
		t.Errorf("targetedWalk did not register the subdirectory %s", sub)
	}
}

func TestRaiseExitAndReloadDelegateToSource(t *testing.T) {
	src := newFakeSource()
	w := newTestWatcher(t, src, &fakeScheduler{})

	if err := w.RaiseExit(); err != nil {
		t.Fatalf("RaiseExit: %v", err)
	}
	if err := w.RaiseReload(); err != nil {
		t.Fatalf("RaiseReload: %v", err)
	}
	if len(src.raised) != 2 || src.raised[0] != UserExit || src.raised[1] != UserReload {
		t.Errorf("raised = %v, want [UserExit, UserReload]", src.raised)
	}
}

func TestCloseReleasesKernelSource(t *testing.T) {
	src := newFakeSource()
	w := newTestWatcher(t, src, &fakeScheduler{})
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !src.closed {
		t.Error("Close() did not close the underlying kernelSource")
	}
}
