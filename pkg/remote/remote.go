// Package remote runs shell commands on the compute host. Every call opens its
// own connection and closes it before returning.
package remote

import (
	"context"
	"strings"
	"time"

	"github.com/lmtoy/pipeline-web/config"
)

// Result is the outcome of one remote command. A non-zero exit is reported
// here rather than as an error.
type Result struct {
	Host      string        `json:"host"`
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Success reports a zero exit status.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Runner executes one shell command line remotely. Errors are reserved for
// connection, authentication and deadline failures.
type Runner interface {
	Run(ctx context.Context, cmdline string) (*Result, error)
	Host() string
}

// New returns the runner for cfg: SSH to ssh.hostname, or a local shell when
// no host is configured.
func New(cfg *config.Config) (Runner, error) {
	if cfg.SSH.Hostname == "" {
		return NewLocalRunner(cfg.Timeouts.Remote), nil
	}
	return NewSSHRunner(cfg.SSH, cfg.Timeouts.Remote)
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=,:@%+", r)
}

// Join quotes each word and joins them with spaces.
func Join(words ...string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = Quote(w)
	}
	return strings.Join(quoted, " ")
}
