// Package fleet keeps the per-project repositories under the meta-repository
// in sync with upstream. Updates are fast-forward only: anything that would
// need a merge or a reset is reported and left for an operator.
package fleet

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/lmtoy/pipeline-web/command"
	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/git"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/moby/patternmatcher"
	"github.com/sirupsen/logrus"
)

// builtinExcludes are matched against the lower-cased repository name: the
// shared <prefix>test repository, and commissioning data, which is not a
// project.
func builtinExcludes(prefix string) []string {
	return []string{strings.ToLower(prefix) + "test", "*commission*"}
}

// Syncer enumerates, inspects and fast-forwards the repository fleet.
type Syncer struct {
	workDir     string
	metaRepo    string
	prefix      string
	baseURL     string
	apiURL      string
	repoTimeout time.Duration

	git      *git.CLIRepository
	builder  *command.SafeBuilder
	excludes *patternmatcher.PatternMatcher

	// mu orders readers against the writer inside this process; fileLock
	// keeps a second process from writing the meta-repo at the same time.
	mu       sync.RWMutex
	fileLock *flock.Flock

	logger *logrus.Entry
}

// NewSyncer creates a syncer for cfg. It fails only on a malformed exclude
// pattern.
func NewSyncer(cfg *config.Config) (*Syncer, error) {
	patterns := builtinExcludes(cfg.GitHub.RepoPrefix)
	for _, p := range cfg.Fleet.Exclude {
		patterns = append(patterns, strings.ToLower(p))
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid fleet.exclude pattern")
	}

	builder := command.NewSafeBuilderWithExecutor(&command.ScriptExecutor{Dir: cfg.Path.BinDir}).WithDefaultTimeout(cfg.Timeouts.Git)
	logger := logging.NewLogger("fleet")
	return &Syncer{
		workDir:     cfg.Path.WorkLMT,
		metaRepo:    cfg.Fleet.MetaRepo,
		prefix:      cfg.GitHub.RepoPrefix,
		baseURL:     strings.TrimSuffix(cfg.GitHub.BaseURL, "/"),
		apiURL:      cfg.GitHub.APIURL,
		repoTimeout: 4 * cfg.Timeouts.Git,
		git:         git.NewCLIRepositoryWithBuilder(builder).WithLogger(logger),
		builder:     builder,
		excludes:    pm,
		fileLock:    flock.New(filepath.Join(cfg.Path.WorkLMT, "."+cfg.Fleet.MetaRepo+".lock")),
		logger:      logger,
	}, nil
}

// MetaRepoDir is the meta-repository working tree.
func (s *Syncer) MetaRepoDir() string {
	return filepath.Join(s.workDir, s.metaRepo)
}

// RepoDir is the working tree of a project repository, or of the
// meta-repository when name is the meta-repo.
func (s *Syncer) RepoDir(name string) string {
	if name == s.metaRepo {
		return s.MetaRepoDir()
	}
	return filepath.Join(s.MetaRepoDir(), name)
}

// CloneURL is the upstream URL of a repository.
func (s *Syncer) CloneURL(name string) string {
	return s.baseURL + "/" + name
}

// DefaultBranch returns the branch a working tree is fast-forwarded against.
func (s *Syncer) DefaultBranch(ctx context.Context, path string) string {
	return s.git.DefaultBranch(ctx, path)
}

func (s *Syncer) checkName(name string) error {
	if err := s.builder.Validate("fileName", name); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalid, "invalid repository name")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return errors.Invalid("repository name must be a single path element: " + name)
	}
	return nil
}

// lockWriter takes the in-process write lock and the cross-process file lock.
func (s *Syncer) lockWriter(ctx context.Context) (func(), error) {
	s.mu.Lock()
	locked, err := s.fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		s.mu.Unlock()
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeTimeout, "waiting for the meta-repository lock")
		}
		return nil, errors.IOError("lock", s.fileLock.Path(), err)
	}
	return func() {
		if err := s.fileLock.Unlock(); err != nil {
			s.logger.WithError(err).Warn("Failed to release meta-repository lock")
		}
		s.mu.Unlock()
	}, nil
}
