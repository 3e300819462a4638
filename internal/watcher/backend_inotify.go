//go:build linux

// Backend for Linux inotify. Unlike kqueue, inotify has no native
// user-event facility, so the EXIT/RELOAD control-plane wakeups
// (spec.md §4.3) are carried over a pair of non-blocking eventfds
// multiplexed alongside the inotify descriptor with poll(2). Event
// parsing is grounded on the teacher's backend_inotify.go readEvents,
// adapted from a channel-feeding goroutine to a single synchronous
// Wait call.
package watcher

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Narrowed per spec.md §9: only content/structure changes matter to the
// scanner, not metadata-only churn. IN_ATTRIB is deliberately excluded —
// it is the inotify analog of the kqueue NOTE_ATTRIB backend_kqueue.go's
// vnodeFflags also excludes.
const inotifyMask = unix.IN_MODIFY | unix.IN_CREATE |
	unix.IN_DELETE | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO

type inotifyHandle struct {
	wd int32
}

type inotifySource struct {
	fd       int
	exitFd   int
	reloadFd int
	byWd     map[int32]idxGen
}

func newInotifySource() (*inotifySource, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("watcher: inotify_init1: %w", err)
	}

	exitFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("watcher: eventfd (exit): %w", err)
	}
	reloadFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		unix.Close(exitFd)
		return nil, fmt.Errorf("watcher: eventfd (reload): %w", err)
	}

	return &inotifySource{
		fd:       fd,
		exitFd:   exitFd,
		reloadFd: reloadFd,
		byWd:     make(map[int32]idxGen),
	}, nil
}

func (s *inotifySource) RegisterDir(path string, index, generation uint32) (dirHandle, uint64, uint64, error) {
	device, inode, err := statIdentity(path)
	if err != nil {
		return nil, 0, 0, err
	}

	wd, err := unix.InotifyAddWatch(s.fd, path, inotifyMask)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("watcher: inotify_add_watch for %s: %w", path, err)
	}

	s.byWd[int32(wd)] = idxGen{index: index, generation: generation}
	return &inotifyHandle{wd: int32(wd)}, device, inode, nil
}

func (s *inotifySource) Unregister(h dirHandle) error {
	ih, ok := h.(*inotifyHandle)
	if !ok || ih == nil {
		return nil
	}
	delete(s.byWd, ih.wd)
	// IN_IGNORED arrives for watches the kernel already dropped (e.g. the
	// directory was deleted); ignore that case rather than surfacing EINVAL.
	_, err := unix.InotifyRmWatch(s.fd, uint32(ih.wd))
	if err == unix.EINVAL {
		return nil
	}
	return err
}

func (s *inotifySource) Wait(timeout time.Duration, maxEvents int) ([]KernelEvent, error) {
	pollTimeout := -1
	if timeout >= 0 {
		pollTimeout = int(timeout.Milliseconds())
	}

	fds := []unix.PollFd{
		{Fd: int32(s.fd), Events: unix.POLLIN},
		{Fd: int32(s.exitFd), Events: unix.POLLIN},
		{Fd: int32(s.reloadFd), Events: unix.POLLIN},
	}

	n, err := unix.Poll(fds, pollTimeout)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	var out []KernelEvent
	if fds[1].Revents&unix.POLLIN != 0 {
		drainEventfd(s.exitFd)
		out = append(out, KernelEvent{Kind: EventUser, User: UserExit})
	}
	if fds[2].Revents&unix.POLLIN != 0 {
		drainEventfd(s.reloadFd)
		out = append(out, KernelEvent{Kind: EventUser, User: UserReload})
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		events, err := s.readInotify(maxEvents)
		if err != nil {
			return out, err
		}
		out = append(out, events...)
	}
	return out, nil
}

// readInotify drains one read(2) worth of inotify events, mirroring the
// teacher's readEvents parsing loop but returning a batch instead of
// feeding a channel.
func (s *inotifySource) readInotify(maxEvents int) ([]KernelEvent, error) {
	buf := make([]byte, unix.SizeofInotifyEvent*maxEvents)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, err
	}
	if n < unix.SizeofInotifyEvent {
		return nil, nil
	}

	var out []KernelEvent
	var offset uint32
	for offset <= uint32(n)-unix.SizeofInotifyEvent {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		mask := uint32(raw.Mask)
		nameLen := uint32(raw.Len)
		offset += unix.SizeofInotifyEvent + nameLen

		if mask&unix.IN_IGNORED != 0 {
			continue
		}
		if mask&unix.IN_Q_OVERFLOW != 0 {
			out = append(out, KernelEvent{Kind: EventError, Err: fmt.Errorf("watcher: inotify event queue overflowed")})
			continue
		}

		ig, ok := s.byWd[raw.Wd]
		if !ok {
			continue // watch removed between event generation and delivery
		}
		if mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0 {
			delete(s.byWd, raw.Wd)
		}

		out = append(out, KernelEvent{
			Kind:       EventVnode,
			Index:      ig.index,
			Generation: ig.generation,
			Op:         inotifyMaskToOp(mask),
		})
	}
	return out, nil
}

func inotifyMaskToOp(mask uint32) VnodeOp {
	var op VnodeOp
	if mask&unix.IN_MODIFY != 0 {
		op |= OpWrite
	}
	if mask&(unix.IN_MOVED_FROM|unix.IN_MOVED_TO|unix.IN_MOVE_SELF) != 0 {
		op |= OpRename
	}
	if mask&(unix.IN_DELETE|unix.IN_DELETE_SELF) != 0 {
		op |= OpDelete
	}
	if mask&unix.IN_CREATE != 0 {
		op |= OpExtend
	}
	return op
}

func (s *inotifySource) RaiseUser(evt UserEvent) error {
	fd := s.exitFd
	if evt == UserReload {
		fd = s.reloadFd
	}
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(fd, buf[:])
	return err
}

func drainEventfd(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

func (s *inotifySource) Close() error {
	unix.Close(s.exitFd)
	unix.Close(s.reloadFd)
	return unix.Close(s.fd)
}

// newPlatformSource constructs the kernelSource for this build's platform.
func newPlatformSource() (kernelSource, error) {
	return newInotifySource()
}
