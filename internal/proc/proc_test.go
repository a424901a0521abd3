package proc

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.pid")

	if err := WritePIDFile(path, 4242); err != nil {
		t.Fatalf("WritePIDFile() error = %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile() error = %v", err)
	}
	if pid != 4242 {
		t.Errorf("pid = %d, want 4242", pid)
	}
}

func TestReadPIDFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	if err := os.WriteFile(path, []byte("not a pid\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadPIDFile(path); err == nil {
		t.Fatal("ReadPIDFile() should reject malformed content")
	}
}

func TestRemovePIDFileMissing(t *testing.T) {
	if err := RemovePIDFile(filepath.Join(t.TempDir(), "absent.pid")); err != nil {
		t.Fatalf("RemovePIDFile() on missing file error = %v", err)
	}
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Error("Alive(self) = false")
	}
	if Alive(0) || Alive(-1) {
		t.Error("Alive() with non-positive pid should be false")
	}

	// A started and fully reaped child is definitely gone.
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatal(err)
	}
	if Alive(pid) {
		t.Errorf("Alive(%d) = true for exited child", pid)
	}
}

func TestTerminate(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	waited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(waited)
	}()

	if err := Terminate(cmd.Process.Pid, 2*time.Second); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("child still running after Terminate")
	}
}

func TestTerminateGone(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	cmd.Wait()

	if err := Terminate(pid, time.Second); err != nil {
		t.Fatalf("Terminate() on gone pid error = %v", err)
	}
}

func TestStartDetached(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "child.log")

	pid, err := StartDetached([]string{"/bin/sh", "-c", "echo started; sleep 0.2"}, logPath)
	if err != nil {
		t.Fatalf("StartDetached() error = %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}

	// Output lands in the log file.
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), "started") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log file never received child output, content: %q", data)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The child is reaped in the background once it exits.
	deadline = time.Now().Add(2 * time.Second)
	for Alive(pid) {
		if time.Now().After(deadline) {
			t.Fatal("detached child still alive")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartDetachedBadBinary(t *testing.T) {
	_, err := StartDetached([]string{"/no/such/binary"}, filepath.Join(t.TempDir(), "x.log"))
	if err == nil {
		t.Fatal("StartDetached() with missing binary should fail")
	}
}

func TestLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	first, err := AcquireLock(path, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	// A second acquisition against a held lock times out.
	_, err = AcquireLock(path, 0)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second AcquireLock() error = %v, want ErrLockTimeout", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	second, err := AcquireLock(path, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock() after release error = %v", err)
	}
	second.Release()
}

func TestLockBoundedWait(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	held, err := AcquireLock(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	start := time.Now()
	_, err = AcquireLock(path, 300*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("AcquireLock() error = %v, want ErrLockTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("lock wait took %v, want bounded by deadline", elapsed)
	}
}

func TestLockReleaseTwice(t *testing.T) {
	lock, err := AcquireLock(filepath.Join(t.TempDir(), "test.lock"), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}
