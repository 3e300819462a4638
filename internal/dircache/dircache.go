// Package dircache tracks, per directory, the set of immediate
// subdirectories last observed on disk, and classifies subsequent refreshes
// as structural (a subdirectory was added or removed) or content-only.
//
// A Cache is not safe for concurrent use; it is driven from the single
// event-loop goroutine described in the watcher package.
package dircache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// entry is one cached directory's observed state.
type entry struct {
	mtime     time.Time
	subdirs   map[string]struct{}
	validated bool
}

// Delta reports the immediate-subdirectory changes found by a Refresh.
//
// Added and Removed are freshly allocated for each Refresh and owned by the
// caller.
type Delta struct {
	Added   []string
	Removed []string
	Changed bool
}

// Cache maps directory paths to their last-observed child set.
type Cache struct {
	log     *logrus.Entry
	entries map[string]*entry
}

// New returns an empty Cache. Entries are created lazily on first Refresh
// and live for the lifetime of the Cache — media libraries are small enough
// that no eviction policy is needed (spec §3, Lifecycle).
func New(log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{log: log, entries: make(map[string]*entry)}
}

// Subdirs returns the cached immediate-subdirectory set for path as a new
// slice owned by the caller; its order is not defined.
func (c *Cache) Subdirs(path string) []string {
	e, ok := c.entries[path]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.subdirs))
	for p := range e.subdirs {
		out = append(out, p)
	}
	return out
}

// Validated reports whether path has a cache entry that reflects a
// completed on-disk scan.
func (c *Cache) Validated(path string) bool {
	e, ok := c.entries[path]
	return ok && e.validated
}

// Refresh re-scans path's immediate children and diffs them against the
// cached set, following the mark/sweep/reap algorithm from spec.md §4.2:
//
//  1. mark:  snapshot the cache's current keys into an "unseen" set.
//  2. sweep: walk the directory; each on-disk subdir not in "unseen" is a
//     new addition; otherwise it's removed from "unseen" (it survives).
//  3. reap:  everything left in "unseen" was deleted on disk.
//
// It re-samples the directory's mtime before and after the scan; a
// mismatch forces Changed=true to defeat a concurrent mutation the
// directory read might have missed, and leaves mtime at the pre-scan value
// so the next Refresh re-diffs rather than trusting the hot path.
func (c *Cache) Refresh(path string) (Delta, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Delta{}, fmt.Errorf("dircache: stat %s: %w", path, err)
	}
	t0 := fi.ModTime().Truncate(time.Second)

	e, ok := c.entries[path]
	if ok && e.validated && e.mtime.Equal(t0) {
		return Delta{Changed: false}, nil // hot path: known-unchanged mtime
	}

	dirents, err := os.ReadDir(path)
	if err != nil {
		return Delta{}, fmt.Errorf("dircache: readdir %s: %w", path, err)
	}

	if !ok {
		e = &entry{subdirs: make(map[string]struct{})}
		c.entries[path] = e
	}

	unseen := make(map[string]struct{}, len(e.subdirs))
	for p := range e.subdirs {
		unseen[p] = struct{}{}
	}

	var added, removed []string
	for _, d := range dirents {
		if d.Type()&os.ModeSymlink != 0 {
			continue // policy: never follow symlinks (avoids cycles/off-volume walks)
		}
		isDir := d.IsDir()
		if d.Type()&os.ModeType == os.ModeIrregular {
			// Dirent type unresolved by the kernel (e.g. DT_UNKNOWN) —
			// fall back to an explicit stat rather than guessing.
			info, statErr := os.Stat(filepath.Join(path, d.Name()))
			if statErr != nil {
				c.log.WithError(statErr).WithField("entry", d.Name()).Debug("dircache: stat fallback failed, skipping entry")
				continue
			}
			isDir = info.IsDir()
		}
		if !isDir {
			continue
		}
		child := filepath.Join(path, d.Name())
		if _, wasKnown := unseen[child]; wasKnown {
			delete(unseen, child)
			continue
		}
		e.subdirs[child] = struct{}{}
		added = append(added, child)
	}

	for child := range unseen {
		delete(e.subdirs, child)
		removed = append(removed, child)
	}

	t1 := t0
	if fi2, err := os.Stat(path); err == nil {
		t1 = fi2.ModTime().Truncate(time.Second)
	}

	raced := !t1.Equal(t0)
	e.mtime = t0
	e.validated = true

	return Delta{
		Added:   added,
		Removed: removed,
		Changed: len(added) > 0 || len(removed) > 0 || raced,
	}, nil
}

// Forget drops the cached entry for path, e.g. once its watch is removed.
func (c *Cache) Forget(path string) {
	delete(c.entries, path)
}
