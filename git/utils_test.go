package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lmtoy/pipeline-web/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractRepoName(t *testing.T) {
	testCases := []struct {
		name     string
		url      string
		expected string
	}{
		{
			name:     "SSH URL with .git",
			url:      "git@github.com:lmtoy/lmtoy_2024-S1-MX-3.git",
			expected: "lmtoy_2024-S1-MX-3",
		},
		{
			name:     "HTTPS URL with .git",
			url:      "https://github.com/lmtoy/lmtoy_run.git",
			expected: "lmtoy_run",
		},
		{
			name:     "HTTPS URL without .git",
			url:      "https://github.com/lmtoy/lmtoy_run",
			expected: "lmtoy_run",
		},
		{
			name:     "trailing slash",
			url:      "https://github.com/lmtoy/lmtoy_run/",
			expected: "lmtoy_run",
		},
		{
			name:     "local path",
			url:      "/srv/git/lmtoy_2023-S1-1",
			expected: "lmtoy_2023-S1-1",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ExtractRepoName(tc.url))
		})
	}
}

func TestHasGitDir(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, HasGitDir(dir))

	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	assert.True(t, HasGitDir(dir))
}

func TestIsGitRepo(t *testing.T) {
	testutil.RequireGit(t)
	repo := NewCLIRepository()
	ctx := context.Background()

	gitDir := t.TempDir()
	testutil.InitGitRepo(t, gitDir)
	assert.True(t, repo.IsGitRepo(ctx, gitDir))
	assert.False(t, repo.IsGitRepo(ctx, t.TempDir()))
}

func TestDefaultBranch(t *testing.T) {
	testutil.RequireGit(t)
	repo := NewCLIRepository()
	ctx := context.Background()

	t.Run("remote HEAD symref", func(t *testing.T) {
		root := t.TempDir()
		bare, _ := testutil.NewUpstream(t, root, "lmtoy_2024-S1-1")
		local := filepath.Join(root, "local")
		testutil.RunGitCommand(t, root, "clone", bare, local)

		assert.Equal(t, "main", repo.DefaultBranch(ctx, local))
	})

	t.Run("falls back to origin/master", func(t *testing.T) {
		root := t.TempDir()
		bare, scratch := testutil.NewUpstream(t, root, "lmtoy_2023-S1-1")
		testutil.RunGitCommand(t, scratch, "push", "origin", "HEAD:master")
		local := filepath.Join(root, "local")
		testutil.RunGitCommand(t, root, "clone", bare, local)
		testutil.RunGitCommand(t, local, "remote", "set-head", "origin", "--delete")
		testutil.RunGitCommand(t, local, "update-ref", "-d", "refs/remotes/origin/main")

		assert.Equal(t, "master", repo.DefaultBranch(ctx, local))
	})

	t.Run("no remote", func(t *testing.T) {
		dir := t.TempDir()
		testutil.InitGitRepo(t, dir)
		assert.Equal(t, "main", repo.DefaultBranch(ctx, dir))
	})
}

func TestCloneCheckoutPull(t *testing.T) {
	testutil.RequireGit(t)
	repo := NewCLIRepository()
	ctx := context.Background()

	root := t.TempDir()
	bare, scratch := testutil.NewUpstream(t, root, "lmtoy_2024-S1-2")
	local := filepath.Join(root, "work", "lmtoy_2024-S1-2")
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))

	require.NoError(t, repo.Clone(ctx, bare, local))
	assert.True(t, HasGitDir(local))

	url, err := repo.RemoteURL(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, "lmtoy_2024-S1-2", ExtractRepoName(url))

	testutil.RunGitCommand(t, local, "checkout", "-b", "scratch")
	require.NoError(t, repo.Checkout(ctx, local, "main"))
	branch, err := repo.CurrentBranch(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	testutil.PushCommit(t, scratch, "notes.txt", "new")
	require.NoError(t, repo.Fetch(ctx, local))
	require.NoError(t, repo.PullFastForward(ctx, local))

	head, err := repo.ResolveRef(ctx, local, "HEAD")
	require.NoError(t, err)
	upstream, err := repo.ResolveRef(ctx, local, "origin/main")
	require.NoError(t, err)
	assert.Equal(t, upstream, head)

	ok, err := repo.IsAncestor(ctx, local, "HEAD", "origin/main")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPullFastForwardRefusesDivergence(t *testing.T) {
	testutil.RequireGit(t)
	repo := NewCLIRepository()
	ctx := context.Background()

	root := t.TempDir()
	bare, scratch := testutil.NewUpstream(t, root, "lmtoy_2024-S1-3")
	local := filepath.Join(root, "local")
	testutil.RunGitCommand(t, root, "clone", bare, local)
	testutil.RunGitCommand(t, local, "config", "user.name", "Test User")
	testutil.RunGitCommand(t, local, "config", "user.email", "test@example.com")

	testutil.CreateCommit(t, local, "local.txt", "local")
	testutil.PushCommit(t, scratch, "remote.txt", "remote")
	require.NoError(t, repo.Fetch(ctx, local))

	before, err := repo.ResolveRef(ctx, local, "HEAD")
	require.NoError(t, err)

	assert.Error(t, repo.PullFastForward(ctx, local))

	after, err := repo.ResolveRef(ctx, local, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, before, after, "a refused pull must not move HEAD")

	ok, err := repo.IsAncestor(ctx, local, "HEAD", "origin/main")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckoutRejectsOptionLikeBranch(t *testing.T) {
	repo := NewCLIRepository()
	err := repo.Checkout(context.Background(), t.TempDir(), "--orphan")
	assert.Error(t, err)
}
