//go:build unix

package watcher

import (
	"fmt"
	"os"
	"syscall"
)

// statIdentity returns the (device, inode) pair identifying path, used to
// detect delete-then-recreate (spec.md §3, Watched directory invariant).
func statIdentity(path string) (device, inode uint64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("watcher: unsupported Stat_t on this platform")
	}
	return uint64(sys.Dev), uint64(sys.Ino), nil
}
