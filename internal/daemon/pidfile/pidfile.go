// Package pidfile guards the monitor daemon against a second instance on
// the same workspace.
package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/lmtoy/pipeline-web/errors"
)

// DefaultName is the pidfile name under the workspace root.
const DefaultName = ".pipeweb.pid"

// Path returns the pidfile location for a workspace.
func Path(workDir string) string {
	return filepath.Join(workDir, DefaultName)
}

// Acquire writes the current PID to the file.
// It returns an ALREADY_EXISTS error if another live instance holds it.
func Acquire(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.IOError("mkdir", filepath.Dir(path), err)
	}

	if pid, err := Read(path); err == nil {
		if pid != os.Getpid() && alive(pid) {
			return errors.AlreadyExists("daemon", path).WithDetail("pid", pid)
		}
		// Process is dead, cleanup stale file
		_ = os.Remove(path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return errors.IOError("write", path, err)
	}
	return nil
}

// Release removes the PID file if it still names this process.
func Release(path string) error {
	pid, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.IOError("remove", path, err)
	}
	return nil
}

// Read returns the PID recorded in the file.
func Read(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil {
		return 0, errors.Invalid("malformed pidfile: " + path)
	}
	return pid, nil
}

// IsRunning checks if the daemon described by the pidfile is active.
func IsRunning(path string) (bool, int, error) {
	pid, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return alive(pid), pid, nil
}

// alive sends signal 0; EPERM still means the process exists.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}
