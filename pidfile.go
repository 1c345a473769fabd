package main

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFilePermissions matches the standard config file permissions (owner rw, group/other r).
const pidFilePermissions = 0o644

// pidDirPermissions matches the standard directory permissions (owner rwx, group/other rx).
const pidDirPermissions = 0o755

// watchLockSubdir holds one PID file per watched directory.
const watchLockSubdir = "watch"

// errWatchRunning is returned when another process already watches the same
// directory.
var errWatchRunning = errors.New("another watch is already running for this directory")

// watchLockPath returns the PID file path guarding root. Two spellings of the
// same directory map to the same file once made absolute.
func watchLockPath(dataDir, root string) (string, error) {
	if dataDir == "" {
		return "", errors.New("cannot determine data directory for the watch lock")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", root, err)
	}

	sum := sha256.Sum256([]byte(filepath.Clean(abs)))

	return filepath.Join(dataDir, watchLockSubdir, fmt.Sprintf("%x.pid", sum[:8])), nil
}

// acquireWatchLock takes the watch lock for root. The returned release
// function removes the PID file and drops the lock.
func acquireWatchLock(dataDir, root string) (release func(), err error) {
	path, err := watchLockPath(dataDir, root)
	if err != nil {
		return nil, err
	}

	release, err = writePIDFile(path)
	if err != nil {
		if errors.Is(err, errWatchRunning) {
			if pid, readErr := readPIDFile(path); readErr == nil {
				return nil, fmt.Errorf("%w (pid %d)", errWatchRunning, pid)
			}
		}

		return nil, err
	}

	return release, nil
}

// writePIDFile writes the current process ID to path and acquires an exclusive
// flock. Returns a cleanup function that removes the file and releases the
// lock. If the lock cannot be acquired, another watch holds it.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty")
	}

	dir := filepath.Dir(path)
	if mkdirErr := os.MkdirAll(dir, pidDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", mkdirErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	// Non-blocking: fails immediately if another process holds it.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, errWatchRunning
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing PID file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readPIDFile reads the PID from the given file path. Returns 0 and an error
// if the file does not exist or contains invalid content.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}
