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

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o755
)

// errServerNotRunning reports that no live `ledgersync serve` owns the PID file.
var errServerNotRunning = errors.New("ledgersync serve is not running")

// pidLock is an flock-held PID file. Only one serve process per PID path may
// hold it at a time.
type pidLock struct {
	path string
	f    *os.File
}

// acquirePIDLock creates path (and its parent directory), takes a
// non-blocking exclusive flock on it and writes the current PID.
func acquirePIDLock(path string) (*pidLock, error) {
	if path == "" {
		return nil, errors.New("pid file path is empty; set server.pid_file")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating pid file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening pid file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another ledgersync serve is already running (could not lock %s)", path)
	}

	if err := writePID(f); err != nil {
		f.Close()

		return nil, err
	}

	return &pidLock{path: path, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating pid file: %w", err)
	}

	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing pid file: %w", err)
	}

	return nil
}

// Release removes the PID file and drops the lock.
func (l *pidLock) Release() {
	if l == nil {
		return
	}

	os.Remove(l.path)
	l.f.Close()
}

// readPID parses the PID stored at path.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s: %q", path, strings.TrimSpace(string(data)))
	}

	return pid, nil
}

// signalServer delivers sig to the serve process recorded in pidPath. A PID
// file whose process is gone is removed and reported as errServerNotRunning.
func signalServer(pidPath string, sig syscall.Signal) error {
	pid, err := readPID(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w (no pid file at %s)", errServerNotRunning, pidPath)
	}

	if err != nil {
		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)

		return fmt.Errorf("%w (pid %d gone, stale pid file removed)", errServerNotRunning, pid)
	}

	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("sending %s to pid %d: %w", sig, pid, err)
	}

	return nil
}
