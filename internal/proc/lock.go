package proc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when the service lock stays held past the
// acquisition deadline.
var ErrLockTimeout = errors.New("lock acquisition timed out")

const lockRetryInterval = 200 * time.Millisecond

// Lock is an advisory lock serializing lifecycle operations. The kernel
// drops it when the holding process exits, so a leftover lock file from a
// crashed run never blocks a later start.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes the lock, retrying until wait has elapsed.
func AcquireLock(path string, wait time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(wait)
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			// Record the holder for postmortems; the flock is what locks.
			file.Truncate(0)
			file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
			return &Lock{path: path, file: file}, nil
		}
		if err != unix.EWOULDBLOCK {
			file.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		if !time.Now().Add(lockRetryInterval).Before(deadline) {
			file.Close()
			return nil, fmt.Errorf("%s held by another invocation: %w", path, ErrLockTimeout)
		}
		time.Sleep(lockRetryInterval)
	}
}

// Release unlocks and closes the lock file. The file itself stays on disk.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
