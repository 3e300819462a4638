// Package daemon backgrounds the process for the -d flag (spec.md §6):
// detach the controlling terminal, reset the umask, and redirect standard
// streams to /dev/null while leaving the log file descriptor open.
//
// Go has no portable raw fork(2) — a forked child only keeps the calling
// OS thread, and the runtime's other threads (GC, sysmon, ...) would not
// survive the call. The idiomatic substitute, grounded on golang-tools'
// startRemotePosix (internal/lsp/lsprpc/autostart_posix.go), is to
// re-exec the same binary as a new session leader via os/exec with
// Setsid, then have the parent exit — equivalent to the classic
// double-fork-and-detach from the caller's point of view.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// reexecEnv marks a process as the already-detached child, so Daemonize
// is a no-op the second time through.
const reexecEnv = "PLEXMON_DAEMONIZED"

// Daemonize backgrounds the current process if it has not already been
// backgrounded. On the parent it never returns — it exits the process
// once the child is launched. On the child (or when already daemonized)
// it returns nil after resetting the umask and redirecting stdio.
func Daemonize() error {
	if os.Getenv(reexecEnv) == "1" {
		return finishChild()
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemon: resolving executable path: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemon: opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemon: starting background process: %w", err)
	}
	os.Exit(0)
	return nil // unreachable
}

// finishChild performs the in-process half of detaching: umask 0 (files
// created afterwards, e.g. the log file, are not silently restricted) and
// redirecting the inherited stdio to /dev/null, consistent with spec.md's
// "keep log fd".
func finishChild() error {
	syscall.Umask(0)
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemon: opening %s in child: %w", os.DevNull, err)
	}
	defer devNull.Close()

	if err := dup2(devNull, os.Stdin); err != nil {
		return err
	}
	if err := dup2(devNull, os.Stdout); err != nil {
		return err
	}
	if err := dup2(devNull, os.Stderr); err != nil {
		return err
	}
	return nil
}

func dup2(src, dst *os.File) error {
	return syscall.Dup2(int(src.Fd()), int(dst.Fd()))
}
