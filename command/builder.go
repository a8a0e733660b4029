package command

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultTimeout is the default command execution timeout
	DefaultTimeout = 30 * time.Second

	// MaxTimeout is the maximum allowed timeout
	MaxTimeout = 10 * time.Minute

	// DefaultGracePeriod is how long a cancelled process group gets between
	// SIGTERM and SIGKILL.
	DefaultGracePeriod = 3 * time.Second

	// MaxOutputBytes bounds each captured stream.
	MaxOutputBytes = 64 * 1024
)

var (
	pidRegex        = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	sessionTagRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	gitRefRegex     = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	jobIDRegex      = regexp.MustCompile(`^[0-9]+(_[0-9]+)?$`)
)

// SafeBuilder provides secure command execution with validation
type SafeBuilder struct {
	defaultTimeout time.Duration
	grace          time.Duration
	validators     map[string]func(string) error
	executor       Executor
}

// NewSafeBuilder creates a new SafeBuilder instance with a RealExecutor
func NewSafeBuilder() *SafeBuilder {
	return NewSafeBuilderWithExecutor(&RealExecutor{})
}

// NewSafeBuilderWithExecutor creates a new SafeBuilder with a custom Executor
func NewSafeBuilderWithExecutor(exec Executor) *SafeBuilder {
	return &SafeBuilder{
		defaultTimeout: DefaultTimeout,
		grace:          DefaultGracePeriod,
		validators:     makeDefaultValidators(),
		executor:       exec,
	}
}

// WithDefaultTimeout returns the builder with a different default deadline.
func (sb *SafeBuilder) WithDefaultTimeout(timeout time.Duration) *SafeBuilder {
	sb.defaultTimeout = clampTimeout(timeout)
	return sb
}

// makeDefaultValidators returns the default set of validators
func makeDefaultValidators() map[string]func(string) error {
	return map[string]func(string) error{
		"pid":        validatePID,
		"sessionTag": validateSessionTag,
		"fileName":   validateFileName,
		"gitRef":     validateGitRef,
		"jobID":      validateJobID,
	}
}

// validatePID ensures project identifiers are URL and path safe
func validatePID(pid string) error {
	if pid == "" {
		return fmt.Errorf("project id cannot be empty")
	}
	if !pidRegex.MatchString(pid) {
		return fmt.Errorf("invalid project id: %s (must contain only letters, digits, underscores, and hyphens)", pid)
	}
	return nil
}

// validateSessionTag ensures session tags are a single path component
func validateSessionTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("session tag cannot be empty")
	}
	if !sessionTagRegex.MatchString(tag) || strings.Contains(tag, "..") {
		return fmt.Errorf("invalid session tag: %s", tag)
	}
	return nil
}

// validateFileName ensures file paths are safe
func validateFileName(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	// Prevent directory traversal
	if strings.Contains(path, "..") {
		return fmt.Errorf("file path cannot contain '..'")
	}

	// Prevent command injection via shell metacharacters
	if strings.ContainsAny(path, ";|&$`'\"\n<>") {
		return fmt.Errorf("file path contains invalid characters")
	}

	return nil
}

// validateGitRef ensures git references are safe
func validateGitRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("git ref cannot be empty")
	}

	if !gitRefRegex.MatchString(ref) || strings.HasPrefix(ref, "-") {
		return fmt.Errorf("invalid git ref: %s", ref)
	}

	return nil
}

// validateJobID accepts plain and array-style SLURM job ids
func validateJobID(id string) error {
	if !jobIDRegex.MatchString(id) {
		return fmt.Errorf("invalid job id: %q", id)
	}
	return nil
}

// Command represents a safe command configuration
type Command struct {
	ctx      context.Context
	name     string
	args     []string
	dir      string
	env      []string
	timeout  time.Duration
	grace    time.Duration
	limit    int
	executor Executor
}

// Build creates a new command with validation
func (sb *SafeBuilder) Build(ctx context.Context, name string, args ...string) (*Command, error) {
	// Validate command name
	if name == "" {
		return nil, fmt.Errorf("command name cannot be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	return &Command{
		ctx:      ctx,
		name:     name,
		args:     args,
		timeout:  sb.defaultTimeout,
		grace:    sb.grace,
		limit:    MaxOutputBytes,
		executor: sb.executor,
	}, nil
}

// WithTimeout sets a custom timeout for the command
func (c *Command) WithTimeout(timeout time.Duration) *Command {
	c.timeout = clampTimeout(timeout)
	return c
}

// WithDir sets the working directory
func (c *Command) WithDir(dir string) *Command {
	c.dir = dir
	return c
}

// WithEnv appends KEY=VALUE pairs to the inherited environment
func (c *Command) WithEnv(env ...string) *Command {
	c.env = append(c.env, env...)
	return c
}

// WithOutputLimit overrides the per-stream capture bound
func (c *Command) WithOutputLimit(n int) *Command {
	if n > 0 {
		c.limit = n
	}
	return c
}

// String renders the command line for logs and error messages.
func (c *Command) String() string {
	return strings.TrimSpace(c.name + " " + strings.Join(c.args, " "))
}

// Validate validates specific arguments
func (sb *SafeBuilder) Validate(argType string, value string) error {
	validator, exists := sb.validators[argType]
	if !exists {
		return fmt.Errorf("no validator for argument type: %s", argType)
	}

	return validator(value)
}

func clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	if timeout > MaxTimeout {
		return MaxTimeout
	}
	return timeout
}
