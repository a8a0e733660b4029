package errors

import (
	"fmt"
	"os"
	"os/exec"
)

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *PipelineError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *PipelineError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// NotFound reports a missing PID, session, runfile or repository.
func NotFound(kind, name string) *PipelineError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, name)).
		WithDetail("kind", kind).
		WithDetail("name", name)
}

// AlreadyExists names the conflicting path of a refused clone or create.
func AlreadyExists(kind, path string) *PipelineError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("%s already exists: %s", kind, path)).
		WithDetail("kind", kind).
		WithDetail("path", path)
}

// Invalid creates a schema or input violation error
func Invalid(reason string) *PipelineError {
	return New(ErrCodeInvalid, reason)
}

// Timeout reports a child process or remote command that exceeded its deadline.
func Timeout(cmd string, limit string) *PipelineError {
	return New(ErrCodeTimeout, fmt.Sprintf("command '%s' exceeded its deadline of %s", cmd, limit)).
		WithDetail("command", cmd).
		WithDetail("timeout", limit)
}

// RemoteError wraps a remote shell failure. stderr is carried verbatim.
func RemoteError(host string, stderr string, err error) *PipelineError {
	msg := fmt.Sprintf("remote command on %s failed", host)
	if stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, stderr)
	}
	return Wrap(err, ErrCodeRemoteError, msg).
		WithDetail("host", host).
		WithDetail("stderr", stderr)
}

// IOError wraps a filesystem failure. Permission problems keep their own code.
func IOError(op, path string, err error) *PipelineError {
	code := ErrCodeIOError
	if os.IsPermission(err) {
		code = ErrCodePermissionDenied
	}
	return Wrap(err, code, fmt.Sprintf("%s %s", op, path)).
		WithDetail("op", op).
		WithDetail("path", path)
}

// CommandFailed creates a command execution failure error
func CommandFailed(cmd string, err error) *PipelineError {
	pErr := Wrap(err, ErrCodeCommandFailed, fmt.Sprintf("command failed: %s", cmd)).
		WithDetail("command", cmd)

	// Extract exit code if available
	if exitErr, ok := err.(*exec.ExitError); ok {
		pErr = pErr.WithDetail("exitCode", exitErr.ExitCode())
	}

	return pErr
}
