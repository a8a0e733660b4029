package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// RequireGit skips the test if git is not available
func RequireGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// InitGitRepo initializes a git repository with one commit on main
func InitGitRepo(t *testing.T, dir string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))
	RunGitCommand(t, dir, "init")
	RunGitCommand(t, dir, "config", "user.name", "Test User")
	RunGitCommand(t, dir, "config", "user.email", "test@example.com")

	testFile := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(testFile, []byte("# Test Project\n"), 0o600))
	RunGitCommand(t, dir, "add", ".")
	RunGitCommand(t, dir, "commit", "-m", "Initial commit")

	// Ensure we have a main branch (rename from master if needed)
	cmd := exec.Command("git", "branch", "-m", "main")
	cmd.Dir = dir
	_ = cmd.Run()
}

// RunGitCommand runs a git command in the given directory and returns trimmed stdout
func RunGitCommand(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s failed with output: %s", strings.Join(args, " "), string(output))
	return strings.TrimSpace(string(output))
}

// CreateCommit creates a file and commits it
func CreateCommit(t *testing.T, dir, filename, content string) {
	t.Helper()

	filePath := filepath.Join(dir, filename)
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o755))
	require.NoError(t, os.WriteFile(filePath, []byte(content), 0o600))
	RunGitCommand(t, dir, "add", filename)
	RunGitCommand(t, dir, "commit", "-m", "Add "+filename)
}

// NewUpstream creates a bare repository under root/upstream/<name> seeded with
// one commit on main, plus a scratch working clone used to push further commits.
// It returns the bare path and the scratch clone path.
func NewUpstream(t *testing.T, root, name string) (string, string) {
	t.Helper()

	seed := filepath.Join(root, "seed", name)
	InitGitRepo(t, seed)

	bare := filepath.Join(root, "upstream", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(bare), 0o755))
	RunGitCommand(t, root, "clone", "--bare", seed, bare)
	RunGitCommand(t, bare, "symbolic-ref", "HEAD", "refs/heads/main")

	scratch := filepath.Join(root, "scratch", name)
	RunGitCommand(t, root, "clone", bare, scratch)
	RunGitCommand(t, scratch, "config", "user.name", "Test User")
	RunGitCommand(t, scratch, "config", "user.email", "test@example.com")
	return bare, scratch
}

// PushCommit adds a commit in the scratch clone and pushes it upstream.
func PushCommit(t *testing.T, scratch, filename, content string) {
	t.Helper()

	CreateCommit(t, scratch, filename, content)
	RunGitCommand(t, scratch, "push", "origin", "HEAD:main")
}

// WriteFile writes content to dir/name, creating parents.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// NewWorkspace lays out <work>/lmtoy_run/lmtoy_<pid> for each pid and returns <work>.
// The meta-repo directory is created but not initialized as a git repository.
func NewWorkspace(t *testing.T, pids ...string) string {
	t.Helper()

	work := t.TempDir()
	for _, pid := range pids {
		require.NoError(t, os.MkdirAll(filepath.Join(work, "lmtoy_run", "lmtoy_"+pid), 0o755))
	}
	return work
}
