// Package scheduler coalesces path-scoped rescan requests raised by the
// watcher into the smallest set of dispatches to the external indexer,
// absorbing bursty filesystem activity behind a debounce window and an
// ancestor-dominance rule (spec.md §4.4).
package scheduler

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher is the narrow capability the Scheduler needs from the external
// indexing client: trigger a partial rescan for path/sectionID. It returns
// whether the request succeeded; failures are logged and swallowed by the
// Scheduler (spec.md §4.4, Failure handling) — there is no retry queue.
type Dispatcher interface {
	Scan(path string, sectionID int) bool
}

type pendingEntry struct {
	path           string
	sectionID      int
	firstEventTime time.Time
	scheduledTime  time.Time
	pending        bool
}

// Scheduler holds the live pending-scan table.
//
// Not safe for concurrent use; driven from the single event-loop goroutine.
type Scheduler struct {
	debounce   time.Duration
	maxPending int
	dispatcher Dispatcher
	log        *logrus.Entry
	now        func() time.Time

	entries map[string]*pendingEntry
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithClock overrides the time source; used by tests to drive debounce
// deadlines deterministically instead of sleeping in real time.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMaxPending bounds the pending table size; beyond it, Enqueue evicts
// the entry with the earliest scheduled_time to make room (spec.md §4.4,
// rule 5). A value <= 0 means unbounded.
func WithMaxPending(n int) Option {
	return func(s *Scheduler) { s.maxPending = n }
}

// New returns a Scheduler that debounces for the given window and dispatches
// through d.
func New(debounce time.Duration, d Dispatcher, log *logrus.Entry, opts ...Option) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{
		debounce:   debounce,
		dispatcher: d,
		log:        log,
		now:        time.Now,
		entries:    make(map[string]*pendingEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// isProperAncestor reports whether ancestor is a proper, component-wise
// prefix of descendant — i.e. descendant equals ancestor followed by a path
// separator and at least one more component. This is deliberately NOT a
// byte-prefix check: "/lib/Movies" must not absorb "/lib/Movies2".
func isProperAncestor(ancestor, descendant string) bool {
	if ancestor == descendant {
		return false
	}
	prefix := ancestor
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(descendant, prefix)
}

// Enqueue records a scan request for path/sectionID, applying debounce
// extension, ancestor dominance, and descendant collapse (spec.md §4.4,
// rules 1–4).
func (s *Scheduler) Enqueue(path string, sectionID int) {
	now := s.now()
	deadline := now.Add(s.debounce)

	if e, ok := s.entries[path]; ok {
		if deadline.After(e.scheduledTime) {
			e.scheduledTime = deadline
		}
		e.pending = true
		return
	}

	for _, e := range s.entries {
		if e.pending && isProperAncestor(e.path, path) {
			if deadline.After(e.scheduledTime) {
				e.scheduledTime = deadline
			}
			return
		}
	}

	for p, e := range s.entries {
		if e.pending && isProperAncestor(path, p) {
			delete(s.entries, p)
			s.log.WithFields(logrus.Fields{"parent": path, "child": p}).
				Debug("scheduler: descendant collapsed into ancestor scan")
		}
	}

	s.evictIfFull()

	s.entries[path] = &pendingEntry{
		path:           path,
		sectionID:      sectionID,
		firstEventTime: now,
		scheduledTime:  deadline,
		pending:        true,
	}
}

// evictIfFull drops the pending entry with the earliest scheduledTime when
// the table is already at capacity, making room for a new insert.
func (s *Scheduler) evictIfFull() {
	if s.maxPending <= 0 || len(s.entries) < s.maxPending {
		return
	}
	var victim *pendingEntry
	for _, e := range s.entries {
		if victim == nil || e.scheduledTime.Before(victim.scheduledTime) {
			victim = e
		}
	}
	if victim == nil {
		return
	}
	s.log.WithField("path", victim.path).Warn("scheduler: pending table full, evicting earliest deadline")
	delete(s.entries, victim.path)
}

// NextDeadline returns the earliest scheduledTime among pending entries, and
// true if any exist. The Watcher's event loop uses this to bound its kernel
// wait timeout (spec.md §4.3).
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for _, e := range s.entries {
		if !e.pending {
			continue
		}
		if !found || e.scheduledTime.Before(next) {
			next = e.scheduledTime
			found = true
		}
	}
	return next, found
}

// DrainDue dispatches every pending entry whose deadline has passed, then
// compacts the table. Dispatch failures are logged and swallowed — the
// entry is still marked not-pending, since the indexer is idempotent and a
// future event on the same path will simply re-enqueue it.
func (s *Scheduler) DrainDue() {
	now := s.now()
	dispatchedAny := false
	for _, e := range s.entries {
		if !e.pending || now.Before(e.scheduledTime) {
			continue
		}
		if ok := s.dispatcher.Scan(e.path, e.sectionID); !ok {
			s.log.WithFields(logrus.Fields{"path": e.path, "section_id": e.sectionID}).
				Warn("scheduler: dispatch failed, not retrying")
		}
		e.pending = false
		dispatchedAny = true
	}
	if dispatchedAny {
		s.compact()
	}
}

// compact removes entries that are no longer pending.
func (s *Scheduler) compact() {
	for p, e := range s.entries {
		if !e.pending {
			delete(s.entries, p)
		}
	}
}

// Len reports the number of live entries, pending or not-yet-compacted.
func (s *Scheduler) Len() int {
	return len(s.entries)
}
