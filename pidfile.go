package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// errNoAgent reports that no serve process holds the PID file.
var errNoAgent = errors.New("no running agent found")

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o755
)

// writePIDFile records this process as the running agent. The file stays
// flock'd for the life of the process, so a second serve fails fast. The
// returned cleanup removes the file and releases the lock.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty; cannot determine data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return nil, fmt.Errorf("another agent is already running (could not lock %s)", path)
	}

	if err := recordPID(f); err != nil {
		return nil, err
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// recordPID replaces the file's content with the current PID and syncs it
// so readers see it at once.
func recordPID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing PID file: %w", err)
	}

	return nil
}

// readPIDFile parses the PID stored at path.
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

// findAgent returns the live process recorded at pidPath. A missing file or
// a dead process reports errNoAgent; a PID file left by a dead process is
// removed.
func findAgent(pidPath string) (*os.Process, error) {
	pid, err := readPIDFile(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w (no PID file at %s)", errNoAgent, pidPath)
	}

	if err != nil {
		return nil, err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("finding process %d: %w", pid, err)
	}

	// Signal 0 probes for existence without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)

		return nil, fmt.Errorf("%w: PID %d is gone (stale PID file removed)", errNoAgent, pid)
	}

	return proc, nil
}

// sendSIGHUP asks the running agent to reload its config and settings.
func sendSIGHUP(pidPath string) error {
	proc, err := findAgent(pidPath)
	if err != nil {
		return err
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("sending SIGHUP to agent (PID %d): %w", proc.Pid, err)
	}

	return nil
}

// runningAgentPID returns the PID of the running agent, or 0 when there is
// none.
func runningAgentPID(pidPath string) int {
	proc, err := findAgent(pidPath)
	if err != nil {
		return 0
	}

	return proc.Pid
}
