package remote

import (
	"context"
	"time"

	"github.com/lmtoy/pipeline-web/command"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/lmtoy/pipeline-web/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// LocalHost is the Host() of a LocalRunner.
const LocalHost = "localhost"

// LocalRunner runs command lines with `sh -c` on this machine, for
// deployments where the web host is also the compute host.
type LocalRunner struct {
	builder *command.SafeBuilder
	logger  *logrus.Entry
}

// NewLocalRunner creates a local runner with the given per-command deadline.
func NewLocalRunner(timeout time.Duration) *LocalRunner {
	return &LocalRunner{
		builder: command.NewSafeBuilder().WithDefaultTimeout(timeout),
		logger:  logging.NewLogger("remote"),
	}
}

// WithBuilder replaces the command builder.
func (l *LocalRunner) WithBuilder(b *command.SafeBuilder) *LocalRunner {
	l.builder = b
	return l
}

// Host implements Runner.
func (l *LocalRunner) Host() string { return LocalHost }

// Run implements Runner.
func (l *LocalRunner) Run(ctx context.Context, cmdline string) (*Result, error) {
	cmd, err := l.builder.Build(ctx, "sh", "-c", cmdline)
	if err != nil {
		return nil, err
	}
	res, err := cmd.Run()
	if res == nil {
		return nil, err
	}
	out := &Result{
		Host:      LocalHost,
		Command:   cmdline,
		ExitCode:  res.ExitCode,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		Truncated: res.Truncated,
		Duration:  res.Duration,
	}
	metrics.ObserveRemote(verb(cmdline), res.Duration)
	l.logger.WithFields(logrus.Fields{
		"command":   cmdline,
		"exit_code": res.ExitCode,
		"duration":  res.Duration,
	}).Debug("Local command finished")
	return out, err
}
