package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lmtoy/pipeline-web/command"
	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/lmtoy/pipeline-web/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// GeneratorScript is the per-project generator kept in each repository.
const GeneratorScript = "mk_runs.py"

// Locker serializes writers of one PID's tree. The generator rewrites the
// runfiles of the default session, so it runs under the PID lock.
type Locker interface {
	Lock(pid string) func()
}

// Extractor runs generators and parses their output. Concurrent requests for
// the same PID share one run.
type Extractor struct {
	sessionDir func(pid string) string
	locks      Locker
	python     string
	timeout    time.Duration
	builder    *command.SafeBuilder
	group      singleflight.Group
	logger     *logrus.Entry
}

// NewExtractor creates an extractor. sessionDir maps a PID to its default
// session directory.
func NewExtractor(cfg *config.Config, sessionDir func(pid string) string, locks Locker) *Extractor {
	return &Extractor{
		sessionDir: sessionDir,
		locks:      locks,
		python:     cfg.Path.PythonPath,
		timeout:    cfg.Timeouts.Generator,
		builder:    command.NewSafeBuilderWithExecutor(&command.ScriptExecutor{Dir: cfg.Path.BinDir}),
		logger:     logging.NewLogger("catalog"),
	}
}

// WithBuilder replaces the command builder.
func (e *Extractor) WithBuilder(b *command.SafeBuilder) *Extractor {
	e.builder = b
	return e
}

// Extract runs the generator for pid and returns its catalog. On a non-zero
// exit the error carries the generator's stderr verbatim and the catalog is
// empty. The returned catalog may be shared with concurrent callers and must
// not be modified.
func (e *Extractor) Extract(ctx context.Context, pid string) (*Catalog, error) {
	if err := e.builder.Validate("pid", pid); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalid, "invalid project id")
	}

	ch := e.group.DoChan(pid, func() (interface{}, error) {
		// Detached from the first caller so a cancelled request does not fail
		// the others sharing this run; the generator deadline still applies.
		return e.extract(context.WithoutCancel(ctx), pid)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if cat, ok := res.Val.(*Catalog); ok {
				return cat, res.Err
			}
			return nil, res.Err
		}
		return res.Val.(*Catalog), nil
	}
}

func (e *Extractor) extract(ctx context.Context, pid string) (*Catalog, error) {
	dir := e.sessionDir(pid)
	empty := &Catalog{PID: pid, Sources: []Source{}, Failed: []int{}}

	script := filepath.Join(dir, GeneratorScript)
	if _, err := os.Stat(script); err != nil {
		if os.IsNotExist(err) {
			return empty, errors.NotFound("generator", script)
		}
		return empty, errors.IOError("stat", script, err)
	}

	unlock := e.locks.Lock(pid)
	defer unlock()

	// One deadline covers both generator runs.
	start := time.Now()
	deadline := start.Add(e.timeout)
	out, err := e.run(ctx, deadline, dir)
	if err != nil {
		e.record(err, start)
		return empty, err
	}
	sources, negative := ParseSources(out)

	failedOut, err := e.run(ctx, deadline, dir, "-B")
	if err != nil {
		e.record(err, start)
		return empty, err
	}
	e.record(nil, start)

	cat := &Catalog{
		PID:     pid,
		Sources: sources,
		Failed:  normalize(append(ParseFailed(failedOut), negative...)),
	}
	if cat.Sources == nil {
		cat.Sources = []Source{}
	}
	e.logger.WithFields(logrus.Fields{
		"pid":     pid,
		"sources": len(cat.Sources),
		"failed":  len(cat.Failed),
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Debug("Extracted source catalog")
	return cat, nil
}

// run executes `<python> mk_runs.py [args]` in dir, killing it at deadline,
// and returns stdout.
func (e *Extractor) run(ctx context.Context, deadline time.Time, dir string, args ...string) (string, error) {
	cmd, err := e.builder.Build(ctx, e.python, append([]string{GeneratorScript}, args...)...)
	if err != nil {
		return "", err
	}
	left := time.Until(deadline)
	if left <= 0 {
		return "", errors.Timeout(cmd.String(), e.timeout.String())
	}
	cmd.WithDir(dir).WithTimeout(left)

	res, err := cmd.Run()
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", errors.New(errors.ErrCodeCommandFailed,
			fmt.Sprintf("%s exited with status %d: %s", cmd.String(), res.ExitCode, res.Stderr)).
			WithDetail("command", cmd.String()).
			WithDetail("exitCode", res.ExitCode).
			WithDetail("stderr", res.Stderr)
	}
	return res.Stdout, nil
}

func (e *Extractor) record(err error, start time.Time) {
	status := "ok"
	switch {
	case errors.Is(err, errors.ErrCodeTimeout):
		status = "timeout"
	case err != nil:
		status = "failed"
	}
	metrics.RecordCatalogRun(status, time.Since(start))
}
