//go:build darwin || freebsd || netbsd || openbsd || dragonfly

// Backend for kqueue platforms (macOS/BSD). Registers one vnode filter per
// watched directory, plus two EVFILT_USER idents for the EXIT/RELOAD
// control-plane wakeups (spec.md §4.3). Grounded on the teacher's
// backend_kqueue.go.
//
// The kevent Ident for a vnode filter is the directory's open file
// descriptor; Kevent_t's Udata field type isn't consistent across BSD
// variants, so rather than packing the slab (index, generation) pair into
// it we keep a small fd → (index, generation) map here and translate on
// the way out of Wait. The watcher package still only ever sees the
// stable slab index, never a pointer or raw fd — the invalidation class
// spec.md §9 calls out stays closed.
package watcher

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	userIdentExit   = 1
	userIdentReload = 2

	// Narrowed per spec.md §9: only write/rename/delete/extend fire a
	// scan; NOTE_ATTRIB/NOTE_LINK/NOTE_REVOKE do not.
	vnodeFflags = unix.NOTE_WRITE | unix.NOTE_RENAME | unix.NOTE_DELETE | unix.NOTE_EXTEND
)

type kqueueHandle struct {
	fd   int
	file *os.File
}

type kqueueSource struct {
	kq   int
	byFd map[int]idxGen
}

func newKqueueSource() (*kqueueSource, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("watcher: kqueue: %w", err)
	}
	unix.CloseOnExec(kq)

	s := &kqueueSource{kq: kq, byFd: make(map[int]idxGen)}
	if err := s.registerUserIdent(userIdentExit); err != nil {
		unix.Close(kq)
		return nil, err
	}
	if err := s.registerUserIdent(userIdentReload); err != nil {
		unix.Close(kq)
		return nil, err
	}
	return s, nil
}

func (s *kqueueSource) registerUserIdent(ident int) error {
	ev := []unix.Kevent_t{{
		Ident:  uint64(ident),
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}
	_, err := unix.Kevent(s.kq, ev, nil, nil)
	return err
}

func (s *kqueueSource) RegisterDir(path string, index, generation uint32) (dirHandle, uint64, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	device, inode, err := statIdentity(path)
	if err != nil {
		f.Close()
		return nil, 0, 0, err
	}

	fd := int(f.Fd())
	ev := []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_VNODE,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
		Fflags: vnodeFflags,
	}}
	if _, err := unix.Kevent(s.kq, ev, nil, nil); err != nil {
		f.Close()
		return nil, 0, 0, fmt.Errorf("watcher: registering kevent for %s: %w", path, err)
	}

	s.byFd[fd] = idxGen{index: index, generation: generation}
	return &kqueueHandle{fd: fd, file: f}, device, inode, nil
}

func (s *kqueueSource) Unregister(h dirHandle) error {
	kh, ok := h.(*kqueueHandle)
	if !ok || kh == nil {
		return nil
	}
	delete(s.byFd, kh.fd)
	return kh.file.Close()
}

func (s *kqueueSource) Wait(timeout time.Duration, maxEvents int) ([]KernelEvent, error) {
	raw := make([]unix.Kevent_t, maxEvents)
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(s.kq, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]KernelEvent, 0, n)
	for i := 0; i < n; i++ {
		ke := raw[i]
		switch ke.Filter {
		case unix.EVFILT_USER:
			user := UserExit
			if ke.Ident == userIdentReload {
				user = UserReload
			}
			out = append(out, KernelEvent{Kind: EventUser, User: user})
		case unix.EVFILT_VNODE:
			ig, ok := s.byFd[int(ke.Ident)]
			if !ok {
				continue // watch removed between kevent registration and delivery
			}
			out = append(out, KernelEvent{
				Kind:       EventVnode,
				Index:      ig.index,
				Generation: ig.generation,
				Op:         fflagsToOp(ke.Fflags),
			})
		}
	}
	return out, nil
}

func fflagsToOp(fflags uint32) VnodeOp {
	var op VnodeOp
	if fflags&unix.NOTE_WRITE != 0 {
		op |= OpWrite
	}
	if fflags&unix.NOTE_RENAME != 0 {
		op |= OpRename
	}
	if fflags&unix.NOTE_DELETE != 0 {
		op |= OpDelete
	}
	if fflags&unix.NOTE_EXTEND != 0 {
		op |= OpExtend
	}
	return op
}

func (s *kqueueSource) RaiseUser(evt UserEvent) error {
	ident := userIdentExit
	if evt == UserReload {
		ident = userIdentReload
	}
	ev := []unix.Kevent_t{{
		Ident:  uint64(ident),
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}
	_, err := unix.Kevent(s.kq, ev, nil, nil)
	return err
}

func (s *kqueueSource) Close() error {
	return unix.Close(s.kq)
}

// newPlatformSource constructs the kernelSource for this build's platform.
func newPlatformSource() (kernelSource, error) {
	return newKqueueSource()
}
