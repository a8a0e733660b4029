package fleet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/git"
	"github.com/lmtoy/pipeline-web/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Outcome is the result kind of reconciling one repository.
type Outcome string

const (
	OutcomeUpToDate      Outcome = "UpToDate"
	OutcomeFastForwarded Outcome = "FastForwarded"
	OutcomeCloned        Outcome = "Cloned"
	OutcomeError         Outcome = "Error"
)

// Result reports one reconcile.
type Result struct {
	Name    string  `json:"name"`
	OK      bool    `json:"ok"`
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message"`
}

func failed(name string, err error) Result {
	return Result{Name: name, Outcome: OutcomeError, Message: err.Error()}
}

// ReconcileOne brings one repository up to date with upstream. name may be
// the meta-repository.
func (s *Syncer) ReconcileOne(ctx context.Context, name string) Result {
	if err := s.checkName(name); err != nil {
		return failed(name, err)
	}
	unlock, err := s.lockWriter(ctx)
	if err != nil {
		return failed(name, err)
	}
	defer unlock()
	return s.reconcileTimed(ctx, name)
}

// ReconcileFleet reconciles the meta-repository and then every repository it
// lists, one at a time. A failed repository does not stop the run; the error
// return is reserved for a fleet that cannot be enumerated.
func (s *Syncer) ReconcileFleet(ctx context.Context) (map[string]Result, error) {
	unlock, err := s.lockWriter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	results := make(map[string]Result)
	results[s.metaRepo] = s.reconcileTimed(ctx, s.metaRepo)

	names, err := s.listed()
	if err != nil {
		return results, err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			results[name] = failed(name, err)
			continue
		}
		results[name] = s.reconcileTimed(ctx, name)
	}

	var ok int
	for _, r := range results {
		if r.OK {
			ok++
		}
	}
	s.logger.WithFields(logrus.Fields{
		"repos":  len(results),
		"ok":     ok,
		"failed": len(results) - ok,
	}).Info("Fleet reconcile finished")
	return results, nil
}

func (s *Syncer) reconcileTimed(ctx context.Context, name string) Result {
	ctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
	defer cancel()

	start := time.Now()
	res := s.reconcile(ctx, name)
	metrics.RecordReconcile(res.OK)

	entry := s.logger.WithFields(logrus.Fields{
		"repo":    name,
		"outcome": res.Outcome,
		"elapsed": time.Since(start).Round(time.Millisecond),
	})
	if res.OK {
		entry.Debug("Repository reconciled")
	} else {
		entry.WithField("error", res.Message).Warn("Repository reconcile failed")
	}
	return res
}

func (s *Syncer) reconcile(ctx context.Context, name string) Result {
	dir := s.RepoDir(name)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return failed(name, errors.IOError("mkdir", filepath.Dir(dir), err))
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := s.git.Clone(ctx, s.CloneURL(name), dir); err != nil {
			return failed(name, err)
		}
		return Result{Name: name, OK: true, Outcome: OutcomeCloned, Message: "cloned from " + s.CloneURL(name)}
	}
	if !git.HasGitDir(dir) {
		return failed(name, errors.Invalid("not a git working tree: "+dir))
	}

	if url, err := s.git.RemoteURL(ctx, dir); err == nil && url != "" {
		if origin := git.ExtractRepoName(url); origin != name {
			return failed(name, errors.Invalid(fmt.Sprintf("origin of %s points at %s", dir, origin)).
				WithDetail("url", url))
		}
	}
	if err := s.git.Fetch(ctx, dir); err != nil {
		return failed(name, err)
	}
	branch := s.git.DefaultBranch(ctx, dir)
	current, err := s.git.CurrentBranch(ctx, dir)
	if err != nil {
		return failed(name, err)
	}
	switched := current != branch
	if switched {
		if err := s.git.Checkout(ctx, dir, branch); err != nil {
			return failed(name, err)
		}
	}

	st, err := s.git.GetStatus(ctx, dir)
	if err != nil {
		return failed(name, err)
	}
	if !st.Behind {
		if err := s.requireOnUpstream(ctx, dir, branch, "local commits not on origin/"+branch); err != nil {
			return failed(name, err)
		}
		msg := "already up to date on " + branch
		if switched {
			msg = fmt.Sprintf("switched from %s to %s; up to date", current, branch)
		}
		return Result{Name: name, OK: true, Outcome: OutcomeUpToDate, Message: msg}
	}

	before, _ := s.git.ResolveRef(ctx, dir, "HEAD")
	if err := s.git.PullFastForward(ctx, dir); err != nil {
		return failed(name, err)
	}
	after, _ := s.git.ResolveRef(ctx, dir, "HEAD")
	if err := s.requireOnUpstream(ctx, dir, branch,
		fmt.Sprintf("HEAD is not on origin/%s after pull; resolve by hand", branch)); err != nil {
		return failed(name, err)
	}
	return Result{
		Name:    name,
		OK:      true,
		Outcome: OutcomeFastForwarded,
		Message: fmt.Sprintf("fast-forwarded %s by %d commit(s) (%s..%s)", branch, st.BehindCount, short(before), short(after)),
	}
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// requireOnUpstream fails unless HEAD is origin/<branch> or one of its
// ancestors. Every successful reconcile ends on upstream history.
func (s *Syncer) requireOnUpstream(ctx context.Context, dir, branch, reason string) error {
	ok, err := s.git.IsAncestor(ctx, dir, "HEAD", "origin/"+branch)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Invalid(reason).WithDetail("branch", branch)
	}
	return nil
}
