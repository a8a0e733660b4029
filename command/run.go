package command

import (
	"bytes"
	"context"
	stderrors "errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/lmtoy/pipeline-web/errors"
)

// ExitCodeTimeout is reported when a command is killed at its deadline.
const ExitCodeTimeout = 124

// Result is the structured outcome of one child process.
type Result struct {
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Truncated bool          `json:"truncated,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Success reports a zero exit status.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}

// Output returns stdout, or stderr when stdout is empty.
func (r *Result) Output() string {
	if strings.TrimSpace(r.Stdout) != "" {
		return r.Stdout
	}
	return r.Stderr
}

// Run executes the command and waits for it. A non-zero exit is not an error:
// it is preserved in Result.ExitCode. An error is returned only when the process
// could not be started, exceeded its deadline, or the caller's context ended.
func (c *Command) Run() (*Result, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	execCmd := c.executor.CommandContext(ctx, c.name, c.args...) //nolint:gosec // SafeBuilder provides validation
	execCmd.Dir = c.dir
	if len(c.env) > 0 {
		execCmd.Env = append(os.Environ(), c.env...)
	}

	stdout := NewBoundedBuffer(c.limit)
	stderr := NewBoundedBuffer(c.limit)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr
	configureProcessGroup(execCmd, c.grace)

	result := &Result{Command: c.String()}
	start := time.Now()
	err := execCmd.Run()
	result.Duration = time.Since(start)
	if ctx.Err() != nil {
		killProcessGroup(execCmd)
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Truncated = stdout.Truncated() || stderr.Truncated()

	if err == nil {
		return result, nil
	}

	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) && c.ctx.Err() == nil {
		result.TimedOut = true
		result.ExitCode = ExitCodeTimeout
		return result, errors.Timeout(result.Command, c.timeout.String())
	}
	if c.ctx.Err() != nil {
		result.ExitCode = -1
		return result, errors.Wrap(c.ctx.Err(), errors.ErrCodeCommandFailed, "command cancelled: "+result.Command)
	}

	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	result.ExitCode = -1
	return result, errors.CommandFailed(result.Command, err)
}

// BoundedBuffer keeps the first limit bytes written and discards the rest.
type BoundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewBoundedBuffer returns a buffer holding at most limit bytes.
func NewBoundedBuffer(limit int) *BoundedBuffer {
	if limit <= 0 {
		limit = MaxOutputBytes
	}
	return &BoundedBuffer{limit: limit}
}

func (b *BoundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *BoundedBuffer) String() string {
	return b.buf.String()
}

// Truncated reports whether any write was cut short.
func (b *BoundedBuffer) Truncated() bool {
	return b.truncated
}

// Truncate bounds s to MaxOutputBytes. Used for output captured elsewhere,
// such as remote sessions.
func Truncate(s string) (string, bool) {
	if len(s) <= MaxOutputBytes {
		return s, false
	}
	return s[:MaxOutputBytes], true
}
