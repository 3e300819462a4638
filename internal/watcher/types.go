// Package watcher owns the kernel event descriptor and the live set of
// watched directories, translating vnode events into DirCache refreshes and
// Scheduler enqueues (spec.md §4.3).
package watcher

import "time"

// VnodeOp is the generalized set of kernel-reported changes this daemon
// reacts to. spec.md's Design Notes narrow the set fsnotify's kqueue
// backend tracks down to {write, rename, delete, extend} — NOTE_ATTRIB,
// NOTE_LINK and NOTE_REVOKE do not trigger a scan.
type VnodeOp uint8

const (
	OpWrite VnodeOp = 1 << iota
	OpRename
	OpDelete
	OpExtend
)

// Has reports whether op is set in the bitmask.
func (m VnodeOp) Has(op VnodeOp) bool { return m&op != 0 }

// UserEvent is one of the two control-plane wakeups registered on the
// kernel descriptor (spec.md §4.3, Control-plane wakeups).
type UserEvent uint8

const (
	UserExit UserEvent = iota
	UserReload
)

// EventKind classifies a KernelEvent returned by kernelSource.Wait.
type EventKind uint8

const (
	EventVnode EventKind = iota
	EventUser
	EventError
)

// KernelEvent is one item from a kernelSource.Wait batch. For EventVnode,
// Index/Generation identify the watched directory (the slab slot the
// kernel registration carried as opaque data); for EventUser, User holds
// which wakeup fired; for EventError, Err is non-nil and Index may
// optionally identify the directory the error pertains to (Valid=false if
// the error is not attributable to a specific watch).
type KernelEvent struct {
	Kind       EventKind
	Index      uint32
	Generation uint32
	Valid      bool
	Op         VnodeOp
	User       UserEvent
	Err        error
}

// idxGen is the (slab index, generation) pair a platform backend keeps
// alongside its native watch identifier (kqueue fd, inotify wd) so it can
// translate a raw kernel event back into the KernelEvent the Watcher
// understands, without needing to stash that pair inside the kernel
// registration itself (see backend_kqueue.go, backend_inotify.go).
type idxGen struct {
	index, generation uint32
}

// dirHandle is the kernel-specific registration state for one watched
// directory, opaque to the common Watcher logic.
type dirHandle interface{}

// kernelSource is the abstract capability the Watcher needs from the
// platform's kernel event facility (kqueue, inotify, ...). Expressing it as
// an interface lets the event loop be tested against an in-memory fake,
// per spec.md §9's "polymorphism over the capability set" design note.
type kernelSource interface {
	// RegisterDir stats path and registers it with the kernel facility
	// carrying (index, generation) as opaque data (the kqueue backend holds a
	// read-only descriptor open for it; inotify adds a watch descriptor). It
	// returns the platform handle plus the identity captured at
	// registration (device, inode), used to detect delete-then-recreate.
	RegisterDir(path string, index, generation uint32) (h dirHandle, device, inode uint64, err error)

	// Unregister releases a previously registered directory's kernel
	// resources (closes its kqueue descriptor or removes its inotify watch).
	Unregister(h dirHandle) error

	// Wait blocks for up to timeout (no limit if timeout < 0) and returns
	// the next batch of events, bounded by maxEvents.
	Wait(timeout time.Duration, maxEvents int) ([]KernelEvent, error)

	// RaiseUser requests delivery of a user wakeup. Safe to call from a
	// POSIX signal handler's execution context (spec.md §5).
	RaiseUser(evt UserEvent) error

	// Close releases the kernel descriptor and any control-plane resources.
	Close() error
}
