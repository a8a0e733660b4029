package git

import (
	"context"
	"strings"

	"github.com/lmtoy/pipeline-web/command"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/sirupsen/logrus"
)

// CLIRepository runs git through the bounded command runner. Every call gets
// the builder's default deadline (30s) and never prompts for credentials.
type CLIRepository struct {
	cmdBuilder *command.SafeBuilder
	logger     *logrus.Entry
}

// NewCLIRepository creates a git runner with the default 30s deadline
func NewCLIRepository() *CLIRepository {
	return NewCLIRepositoryWithBuilder(command.NewSafeBuilder())
}

// NewCLIRepositoryWithBuilder creates a git runner over a custom builder
func NewCLIRepositoryWithBuilder(b *command.SafeBuilder) *CLIRepository {
	return &CLIRepository{
		cmdBuilder: b,
		logger:     logrus.WithField("component", "git"),
	}
}

// WithLogger replaces the runner's logger.
func (r *CLIRepository) WithLogger(logger *logrus.Entry) *CLIRepository {
	r.logger = logger
	return r
}

// Run executes `git -C dir args...`. A non-zero exit is reported in the
// result, not as an error.
func (r *CLIRepository) Run(ctx context.Context, dir string, args ...string) (*command.Result, error) {
	full := args
	if dir != "" {
		full = append([]string{"-C", dir}, args...)
	}
	cmd, err := r.cmdBuilder.Build(ctx, "git", full...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalid, "failed to build git command")
	}
	res, err := cmd.WithEnv("GIT_TERMINAL_PROMPT=0", "LC_ALL=C").Run()
	if res != nil {
		r.logger.WithFields(logrus.Fields{
			"args":      strings.Join(args, " "),
			"dir":       dir,
			"exit_code": res.ExitCode,
			"duration":  res.Duration,
		}).Debug("git command finished")
	}
	return res, err
}

// runOK runs git and converts a non-zero exit into a COMMAND_FAILED error
// carrying the captured stderr.
func (r *CLIRepository) runOK(ctx context.Context, dir string, args ...string) (*command.Result, error) {
	res, err := r.Run(ctx, dir, args...)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		return res, failure(res)
	}
	return res, nil
}

func failure(res *command.Result) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	return errors.New(errors.ErrCodeCommandFailed, res.Command+": "+msg).
		WithDetail("exitCode", res.ExitCode).
		WithDetail("stderr", res.Stderr)
}
