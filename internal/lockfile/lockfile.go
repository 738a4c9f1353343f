// Package lockfile keeps two ComplaintPipe processes from sharing one state
// directory. The directory holds the linked-device session and the SQLite
// archive, neither of which tolerates a second writer.
//
// The lock is an flock on a file inside the directory, so the kernel drops it
// when the process exits, however it exits.
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

// LockFileName is the lock file created in the state directory.
const LockFileName = "complaintpipe.lock"

// Info is the holder description written into the lock file.
type Info struct {
	PID     int
	Started time.Time
	Addr    string
}

func (i Info) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	fmt.Fprintf(&b, "started=%s\n", i.Started.UTC().Format(time.RFC3339))
	if i.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", i.Addr)
	}
	return b.String()
}

// parseInfo reads key=value lines; unknown keys and malformed values are ignored.
func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				info.PID = pid
			}
		case "started":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				info.Started = ts
			}
		case "addr":
			info.Addr = value
		}
	}
	return info
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if
// needed. addr is recorded for the error shown to a second instance. When the
// lock is held elsewhere a *LockError describing the holder is returned.
func AcquireLock(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's info before we know whether we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Cause: err}
		if data, readErr := os.ReadFile(lockPath); readErr == nil {
			holder := parseInfo(string(data))
			lockErr.Holder = &holder
		}
		slog.Error("Lockfile.AcquireLock: state directory is in use", "lock_path", lockPath, "error", err)
		return nil, lockErr
	}

	info := Info{PID: os.Getpid(), Started: time.Now(), Addr: addr}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}
	slog.Info("Lockfile.AcquireLock: state directory locked", "lock_path", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lockfile.writeInfo: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting instance never sees our info.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lockfile.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lockfile.Release: unlock failed", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lockfile.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError reports that another process holds the state directory.
type LockError struct {
	LockPath string
	Holder   *Info
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another ComplaintPipe instance is using this state directory (lock file %s)", e.LockPath)
	if h := e.Holder; h != nil && h.PID > 0 {
		state := "running"
		if !isProcessRunning(h.PID) {
			state = "not running, stale lock"
		}
		fmt.Fprintf(&b, "; held by pid %d (%s)", h.PID, state)
		if !h.Started.IsZero() {
			fmt.Fprintf(&b, " since %s", h.Started.Format(time.RFC3339))
		}
		if h.Addr != "" {
			fmt.Fprintf(&b, " serving %s", h.Addr)
		}
	}
	fmt.Fprintf(&b, "; remove %s only if no other instance is running", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// isProcessRunning checks pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
