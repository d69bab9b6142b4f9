package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := Acquire(tempDir, "run")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	lockPath := filepath.Join(tempDir, LockFileName)
	if lock.Path() != lockPath {
		t.Errorf("Expected lock path %q, got %q", lockPath, lock.Path())
	}

	content, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	info := parseInfo(string(content))
	if info.PID != os.Getpid() {
		t.Errorf("Expected pid %d in lock file, got %d", os.Getpid(), info.PID)
	}
	if info.Command != "run" {
		t.Errorf("Expected command 'run', got %q", info.Command)
	}
	if info.Started.IsZero() || time.Since(info.Started) > time.Minute {
		t.Errorf("Unexpected start time %v", info.Started)
	}
}

func TestLockConflict(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := Acquire(tempDir, "run")
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := Acquire(tempDir, "submit")
	if err == nil {
		lock2.Release()
		t.Fatal("Expected second lock acquisition to fail")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got %T: %v", err, err)
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		t.Errorf("Expected EWOULDBLOCK cause, got %v", lockErr.Cause)
	}
	if lockErr.Holder == nil || lockErr.Holder.PID != os.Getpid() || lockErr.Holder.Command != "run" {
		t.Errorf("Expected holder info for this process, got %+v", lockErr.Holder)
	}
	if !lockErr.Running {
		t.Error("Holder should be reported as running")
	}
	msg := err.Error()
	if !strings.Contains(msg, lockErr.LockPath) || !strings.Contains(msg, fmt.Sprintf("pid %d (running)", os.Getpid())) {
		t.Errorf("Error message missing details: %s", msg)
	}

	// The failed attempt must not clobber the holder's info.
	content, _ := os.ReadFile(lockErr.LockPath)
	if parseInfo(string(content)).Command != "run" {
		t.Errorf("Lock file was overwritten by the losing process: %q", content)
	}
}

func TestLockRelease(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := Acquire(tempDir, "run")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	lockPath := filepath.Join(tempDir, LockFileName)

	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release: %s", lockPath)
	}
	// Test multiple releases (should be safe)
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("Releasing a nil lock should be a no-op: %v", err)
	}
}

func TestLockReacquisition(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := Acquire(tempDir, "run")
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	lock1.Release()

	lock2, err := Acquire(tempDir, "submit")
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	defer lock2.Release()
	if lock2.Info().Command != "submit" {
		t.Errorf("Expected command 'submit', got %q", lock2.Info().Command)
	}
}

func TestParseInfo(t *testing.T) {
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Info
	}{
		{"round trip", Info{PID: 42, Command: "run", Started: started}.encode(), Info{PID: 42, Command: "run", Started: started}},
		{"pid only", "pid=12345\n", Info{PID: 12345}},
		{"unknown keys", "pid=7\nhost=box\n", Info{PID: 7}},
		{"empty content", "", Info{}},
		{"invalid pid", "pid=abc\nstarted=yesterday", Info{}},
		{"no equals", "pid12345", Info{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseInfo(tt.content)
			if got.PID != tt.want.PID || got.Command != tt.want.Command || !got.Started.Equal(tt.want.Started) {
				t.Errorf("parseInfo(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("Our own process should be detected as running")
	}
	if isProcessRunning(999999) {
		t.Logf("High PID detected as running (unexpected but not necessarily wrong)")
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "nested")

	lock, err := Acquire(dir, "run")
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Errorf("Directory should have been created: %s", dir)
	}
}
