// Package proc covers the process plumbing the lifecycle needs: pidfiles,
// liveness probes, graceful termination, detached spawning and the service
// lock. Kill decisions are always made against recorded pids, never by
// matching process names.
package proc

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const termPollInterval = 50 * time.Millisecond

// WritePIDFile records a pid, creating the parent directory if needed.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// ReadPIDFile returns the recorded pid.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pidfile %s: malformed content %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// RemovePIDFile deletes a pidfile. A missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive reports whether a process with the given pid exists. EPERM counts as
// alive: the process is there, we just may not own it.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Terminate asks a process to exit and escalates to SIGKILL after the grace
// period. Acting on an already-gone pid is a no-op.
func Terminate(pid int, grace time.Duration) error {
	if !Alive(pid) {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(termPollInterval)
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

// StartDetached launches argv in its own session with stdout and stderr
// appended to logPath. It returns the child's pid without waiting for it;
// the child keeps running after the caller exits.
func StartDetached(argv []string, logPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return 0, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", argv[0], err)
	}

	// Reap in the background so liveness probes see an early exit instead
	// of a zombie while this process is still around.
	go cmd.Wait()

	return cmd.Process.Pid, nil
}
