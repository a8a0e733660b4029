package git

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmtoy/pipeline-web/errors"
)

// HasGitDir reports whether path contains a .git entry. A directory without
// one is a broken checkout and is never treated as tracked.
func HasGitDir(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// IsGitRepo checks if the given directory is inside a git working tree
func (r *CLIRepository) IsGitRepo(ctx context.Context, dir string) bool {
	res, err := r.Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && res.Success() && strings.TrimSpace(res.Stdout) == "true"
}

// CurrentBranch returns the checked-out branch, or "HEAD" when detached
func (r *CLIRepository) CurrentBranch(ctx context.Context, dir string) (string, error) {
	res, err := r.runOK(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// DefaultBranch resolves the branch to fast-forward against: the remote HEAD
// symref, then origin/main, then origin/master, then the literal "main".
func (r *CLIRepository) DefaultBranch(ctx context.Context, dir string) string {
	res, err := r.Run(ctx, dir, "symbolic-ref", "--quiet", "refs/remotes/origin/HEAD")
	if err == nil && res.Success() {
		ref := strings.TrimSpace(res.Stdout)
		if i := strings.LastIndex(ref, "/"); i >= 0 && i < len(ref)-1 {
			return ref[i+1:]
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if r.refExists(ctx, dir, "refs/remotes/origin/"+candidate) {
			return candidate
		}
	}
	return "main"
}

func (r *CLIRepository) refExists(ctx context.Context, dir, ref string) bool {
	res, err := r.Run(ctx, dir, "show-ref", "--verify", "--quiet", ref)
	return err == nil && res.Success()
}

// Fetch updates remote-tracking refs from origin
func (r *CLIRepository) Fetch(ctx context.Context, dir string) error {
	_, err := r.runOK(ctx, dir, "fetch", "--quiet", "origin")
	return err
}

// Clone clones url into dest. The parent of dest must exist.
func (r *CLIRepository) Clone(ctx context.Context, url, dest string) error {
	_, err := r.runOK(ctx, "", "clone", "--quiet", "--", url, dest)
	return err
}

// Checkout switches dir to branch, creating a local branch tracking
// origin/<branch> if none exists yet.
func (r *CLIRepository) Checkout(ctx context.Context, dir, branch string) error {
	if err := r.cmdBuilder.Validate("gitRef", branch); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalid, "invalid branch")
	}
	if r.refExists(ctx, dir, "refs/heads/"+branch) {
		_, err := r.runOK(ctx, dir, "checkout", "--quiet", branch)
		return err
	}
	_, err := r.runOK(ctx, dir, "checkout", "--quiet", "-b", branch, "--track", "origin/"+branch)
	return err
}

// PullFastForward pulls with --ff-only; a diverged branch fails rather than merging
func (r *CLIRepository) PullFastForward(ctx context.Context, dir string) error {
	_, err := r.runOK(ctx, dir, "pull", "--ff-only", "--quiet")
	return err
}

// IsAncestor reports whether ancestor is reachable from (or equal to) descendant
func (r *CLIRepository) IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	res, err := r.Run(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, failure(res)
	}
}

// ResolveRef resolves a git ref (branch name, tag, or commit) to its full commit hash.
func (r *CLIRepository) ResolveRef(ctx context.Context, dir, ref string) (string, error) {
	res, err := r.runOK(ctx, dir, "rev-parse", "--verify", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RemoteURL returns origin's configured URL
func (r *CLIRepository) RemoteURL(ctx context.Context, dir string) (string, error) {
	res, err := r.runOK(ctx, dir, "config", "--get", "remote.origin.url")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ExtractRepoName extracts the repository name from a git URL
func ExtractRepoName(url string) string {
	// Remove .git suffix
	url = strings.TrimSuffix(strings.TrimSpace(url), ".git")
	url = strings.TrimSuffix(url, "/")

	// Handle SSH URLs (git@github.com:user/repo)
	if strings.HasPrefix(url, "git@") {
		if _, rest, ok := strings.Cut(url, ":"); ok {
			url = rest
		}
	}

	// Get the last part of the path
	parts := strings.Split(url, "/")
	if last := parts[len(parts)-1]; last != "" {
		return last
	}
	return "unknown"
}
