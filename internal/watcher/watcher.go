package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srevn/plexmon/internal/dircache"
	"github.com/srevn/plexmon/internal/pathqueue"
)

// Enqueuer is the narrow Scheduler capability the Watcher drives
// (spec.md §4.3: "Coalescing is the Scheduler's job, not the Watcher's").
type Enqueuer interface {
	Enqueue(path string, sectionID int)
	NextDeadline() (time.Time, bool)
	DrainDue()
}

// ErrTooManyWatches is returned by Add when the ceiling set with
// WithMaxWatches would be exceeded.
var ErrTooManyWatches = errors.New("watcher: too many open watches")

// Watcher owns the kernel descriptor and the live watch set.
//
// Not safe for concurrent use. A single goroutine (Run) owns the kernel
// source, the slab, the DirCache and the Scheduler; the only safe
// cross-goroutine entry points are RaiseExit/RaiseReload, which only touch
// the kernel facility's async-signal-safe wakeup primitive (spec.md §5).
type Watcher struct {
	src       kernelSource
	slab      *slab
	cache     *dircache.Cache
	scheduler Enqueuer
	log       *logrus.Entry

	maxWatches int
	reloadFn   func()
	running    bool
}

// Option configures a Watcher at construction.
type Option func(*Watcher)

// WithMaxWatches bounds the number of simultaneously active directory
// watches to n; once n are active, Add refuses further paths with
// ErrTooManyWatches. The process fd rlimit is not consulted, so the ceiling
// is exactly n. 0 means unbounded.
func WithMaxWatches(n int) Option {
	return func(w *Watcher) { w.maxWatches = n }
}

// WithReload registers the callback invoked when a RELOAD wakeup arrives.
func WithReload(fn func()) Option {
	return func(w *Watcher) { w.reloadFn = fn }
}

// New constructs a Watcher backed by the platform's kernel event facility
// (kqueue on darwin/BSD, inotify on Linux — see backend_kqueue.go and
// backend_inotify.go).
func New(cache *dircache.Cache, sched Enqueuer, log *logrus.Entry, opts ...Option) (*Watcher, error) {
	src, err := newPlatformSource()
	if err != nil {
		return nil, fmt.Errorf("watcher: opening kernel event source: %w", err)
	}
	return newWatcher(src, cache, sched, log, opts...), nil
}

func newWatcher(src kernelSource, cache *dircache.Cache, sched Enqueuer, log *logrus.Entry, opts ...Option) *Watcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &Watcher{
		src:       src,
		slab:      newSlab(),
		cache:     cache,
		scheduler: sched,
		log:       log,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Add registers path for watching under sectionID, per spec.md §4.3's
// add(path, section_id) operation. Re-adding a path whose (device, inode)
// are unchanged returns the existing index without opening a new handle;
// a stale identity is removed and replaced.
func (w *Watcher) Add(path string, sectionID int) (uint32, error) {
	return w.add(path, sectionID)
}

func (w *Watcher) add(path string, sectionID int) (uint32, error) {
	if idx, ok := w.slab.byPath[path]; ok {
		d := w.slab.byIndex(idx)
		if d.active {
			dev, ino, statErr := statIdentity(path)
			if statErr == nil && dev == d.Device && ino == d.Inode {
				return idx, nil
			}
			// Identity changed (delete-then-recreate): stale, remove first.
			if err := w.remove(idx); err != nil {
				w.log.WithError(err).WithField("path", path).Warn("watcher: failed removing stale watch before re-add")
			}
		}
	}

	if w.maxWatches > 0 && w.slab.Len() >= w.maxWatches {
		w.log.WithField("path", path).Warn("watcher: at configured watch ceiling, refusing add")
		return 0, ErrTooManyWatches
	}

	idx := w.slab.alloc()
	d := w.slab.byIndex(idx)
	gen := d.generation

	h, dev, ino, err := w.src.RegisterDir(path, idx, gen)
	if err != nil {
		w.slab.release(idx)
		return 0, fmt.Errorf("watcher: registering %s: %w", path, err)
	}

	d.Path = path
	d.SectionID = sectionID
	d.Device = dev
	d.Inode = ino
	d.active = true
	d.handle = h

	w.slab.byPath[path] = idx
	return idx, nil
}

// Remove releases the watch at idx, per spec.md §4.3's remove(index).
func (w *Watcher) Remove(idx uint32) error {
	return w.remove(idx)
}

func (w *Watcher) remove(idx uint32) error {
	d := w.slab.byIndex(idx)
	if !d.active {
		return nil
	}
	err := w.src.Unregister(d.handle)
	delete(w.slab.byPath, d.Path)
	w.cache.Forget(d.Path)
	w.slab.release(idx)
	return err
}

// RemoveByPath removes the watch registered at path, if any.
func (w *Watcher) RemoveByPath(path string) bool {
	idx, ok := w.slab.byPath[path]
	if !ok {
		return false
	}
	if err := w.remove(idx); err != nil {
		w.log.WithError(err).WithField("path", path).Warn("watcher: error removing watch")
	}
	return true
}

// WatchCount returns the number of currently active watches.
func (w *Watcher) WatchCount() int { return w.slab.Len() }

// bufferSize clamps the kernel event batch size to [16, 256] based on the
// current active watch count (spec.md §4.3, Buffer sizing).
func (w *Watcher) bufferSize() int {
	n := w.slab.Len()
	if n < 16 {
		n = 16
	}
	if n > 256 {
		n = 256
	}
	return n
}

// Run executes the single-threaded event loop (spec.md §4.3, Event loop)
// until a UserExit wakeup is observed. It blocks the calling goroutine.
func (w *Watcher) Run() error {
	w.running = true
	for w.running {
		timeout := time.Duration(-1)
		if deadline, ok := w.scheduler.NextDeadline(); ok {
			if d := time.Until(deadline); d > 0 {
				timeout = d
			} else {
				timeout = 0
			}
		}

		events, err := w.src.Wait(timeout, w.bufferSize())
		if err != nil {
			w.log.WithError(err).Warn("watcher: kernel wait failed")
			continue
		}

		for _, ev := range events {
			switch ev.Kind {
			case EventError:
				w.log.WithError(ev.Err).Warn("watcher: kernel reported an error")
				if ev.Valid {
					_ = w.remove(ev.Index)
				}
			case EventUser:
				switch ev.User {
				case UserExit:
					w.running = false
				case UserReload:
					if w.reloadFn != nil {
						w.reloadFn()
					}
				}
			case EventVnode:
				d, ok := w.slab.get(ev.Index, ev.Generation)
				if !ok {
					continue // stale or inactive slot
				}
				if ev.Op == 0 {
					continue
				}
				w.dispatchVnode(ev.Index, d, ev.Op)
			}
		}

		w.scheduler.DrainDue()
	}
	return nil
}

// RaiseExit requests a graceful shutdown of Run's event loop. Safe to call
// from a signal handler (spec.md §5).
func (w *Watcher) RaiseExit() error { return w.src.RaiseUser(UserExit) }

// RaiseReload requests a config reload on Run's next iteration. Safe to
// call from a signal handler (spec.md §5).
func (w *Watcher) RaiseReload() error { return w.src.RaiseUser(UserReload) }

// Close releases the kernel descriptor and all open watch handles.
func (w *Watcher) Close() error {
	for i := range w.slab.dirs {
		_ = w.remove(uint32(i))
	}
	return w.src.Close()
}

// dispatchVnode implements spec.md §4.3's dispatch_vnode(md, flags).
func (w *Watcher) dispatchVnode(idx uint32, d *WatchedDir, op VnodeOp) {
	if fi, err := os.Stat(d.Path); err != nil || !fi.IsDir() {
		w.scheduler.Enqueue(d.Path, d.SectionID)
		return
	}

	delta, err := w.cache.Refresh(d.Path)
	if err != nil {
		w.log.WithError(err).WithField("path", d.Path).Warn("watcher: DirCache refresh failed, falling back to targeted walk")
		w.targetedWalk(d.Path, d.SectionID)
	} else if delta.Changed {
		for _, removed := range delta.Removed {
			w.RemoveByPath(removed)
		}
		for _, added := range delta.Added {
			if _, err := w.add(added, d.SectionID); err != nil {
				w.log.WithError(err).WithField("path", added).Warn("watcher: failed to watch new subdirectory")
			}
		}
	}

	w.scheduler.Enqueue(d.Path, d.SectionID)
}

// AddTree registers root and recursively watches every subdirectory
// beneath it via a recursion-free BFS (SPEC_FULL.md §6, startup library
// section discovery).
func (w *Watcher) AddTree(root string, sectionID int) error {
	if _, err := w.add(root, sectionID); err != nil {
		return err
	}
	w.targetedWalk(root, sectionID)
	return nil
}

// targetedWalk performs a recursion-free BFS over root, refreshing and
// re-adding any subdirectory not yet monitored — the fallback path when
// DirCache.refresh itself fails (spec.md §4.3).
func (w *Watcher) targetedWalk(root string, sectionID int) {
	q := pathqueue.New(8)
	q.Enqueue(root)
	for !q.Empty() {
		p, _ := q.Dequeue()
		if _, err := w.cache.Refresh(p); err != nil {
			w.log.WithError(err).WithField("path", p).Debug("watcher: targeted walk refresh failed")
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			w.log.WithError(err).WithField("path", p).Warn("watcher: targeted walk readdir failed")
			continue
		}
		for _, e := range entries {
			if e.Type()&os.ModeSymlink != 0 || !e.IsDir() {
				continue
			}
			child := filepath.Join(p, e.Name())
			if _, ok := w.slab.byPath[child]; !ok {
				if _, err := w.add(child, sectionID); err != nil {
					w.log.WithError(err).WithField("path", child).Warn("watcher: targeted walk failed to add watch")
					continue
				}
			}
			q.Enqueue(child)
		}
	}
}
