// Package lockfile guards the ImgurBot state directory so only one process
// drains the durable action queue at a time.
//
// The lock is an flock on a file inside the state directory; the kernel
// drops it when the holding process exits, gracefully or not.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "imgurbot.lock"

// Info describes the process holding the lock.
type Info struct {
	PID     int
	Command string
	Started time.Time
}

func (i Info) encode() string {
	return fmt.Sprintf("pid=%d\ncommand=%s\nstarted=%s\n", i.PID, i.Command, i.Started.UTC().Format(time.RFC3339))
}

// parseInfo reads the key=value lines written by encode. Unknown keys and
// malformed values are ignored.
func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil {
				info.PID = pid
			}
		case "command":
			info.Command = val
		case "started":
			if ts, err := time.Parse(time.RFC3339, val); err == nil {
				info.Started = ts
			}
		}
	}
	return info
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
	info Info
}

// Acquire takes the exclusive lock on stateDir for command ("run",
// "submit", ...). It fails with *LockError if another process holds it.
func Acquire(stateDir, command string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		file, err := lockOpen(lockPath)
		if err != nil {
			return nil, err
		}
		if file == nil {
			// The holder released and removed the file between open and flock.
			continue
		}

		info := Info{PID: os.Getpid(), Command: command, Started: time.Now()}
		if err := writeInfo(file, info); err != nil {
			syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
			file.Close()
			return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
		}
		slog.Debug("lockfile.Acquire: lock held", "lock_path", lockPath, "pid", info.PID, "command", command)
		return &Lock{file: file, path: lockPath, info: info}, nil
	}
	return nil, fmt.Errorf("failed to acquire %s: lock file kept changing", lockPath)
}

// lockOpen opens and flocks lockPath. It returns a nil file when the locked
// inode is no longer the one at lockPath.
func lockOpen(lockPath string) (*os.File, error) {
	// O_TRUNC is deferred until the lock is held so a holder's info survives.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lerr := &LockError{LockPath: lockPath, Cause: err}
		if data, rerr := os.ReadFile(lockPath); rerr == nil {
			holder := parseInfo(string(data))
			lerr.Holder = &holder
			lerr.Running = holder.PID > 0 && isProcessRunning(holder.PID)
		}
		slog.Error("lockfile.Acquire: state directory is locked", "lock_path", lockPath, "error", lerr.Cause)
		return nil, lerr
	}

	held, herr := file.Stat()
	current, cerr := os.Stat(lockPath)
	if herr != nil || cerr != nil || !os.SameFile(held, current) {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, nil
	}
	return file, nil
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeInfo: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Info returns what was written to the lock file.
func (l *Lock) Info() Info { return l.info }

// Release releases the lock and removes the lock file.
// This method is safe to call multiple times.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale info.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: remove failed", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile.Release: unlock failed", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	slog.Debug("lockfile.Release: lock released", "lock_path", l.path)
	return err
}

// LockError reports that another process holds the state directory.
type LockError struct {
	LockPath string
	// Holder is nil when the lock file could not be read.
	Holder  *Info
	Running bool
	Cause   error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another ImgurBot process holds the state directory (lock file %s)", e.LockPath)
	if e.Holder != nil && e.Holder.PID > 0 {
		state := "not running"
		if e.Running {
			state = "running"
		}
		fmt.Fprintf(&b, "; holder pid %d (%s)", e.Holder.PID, state)
		if e.Holder.Command != "" {
			fmt.Fprintf(&b, ", command %q", e.Holder.Command)
		}
		if !e.Holder.Started.IsZero() {
			fmt.Fprintf(&b, ", since %s", e.Holder.Started.Format(time.RFC3339))
		}
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning checks if a process with the given PID is currently running
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without delivering anything.
	return process.Signal(syscall.Signal(0)) == nil
}
