package command

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Executor builds the exec.Cmd for a validated command line.
type Executor interface {
	CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd
}

// RealExecutor resolves commands against the process PATH.
type RealExecutor struct{}

// CommandContext returns exec.CommandContext(ctx, name, args...).
func (e *RealExecutor) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// ScriptExecutor resolves bare command names in Dir before falling back to
// PATH. The pipeline helpers (mk_runs.py, SLpipeline.sh and friends) are
// usually installed in one bin directory that is not on the daemon's PATH.
type ScriptExecutor struct {
	Dir string
}

// CommandContext prefers Dir/name when it exists and is executable.
func (e *ScriptExecutor) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	if e.Dir != "" && !strings.ContainsRune(name, filepath.Separator) {
		candidate := filepath.Join(e.Dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			name = candidate
		}
	}
	return exec.CommandContext(ctx, name, args...)
}
