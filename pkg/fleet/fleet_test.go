package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fleetMakefile = `# project repositories
all:
	@echo use make pull

REPOS = lmtoy_2023-S1-MX-1 lmtoy_2023-S1-MX-2 \
        lmtoy_2024-S1-MX-3 lmtoy_2024-S1-MX-4 \
        lmtoy_run lmtoy_2022-S1-commissioning lmtoy_test lmtoy_1999-S1-OLD-1 \
        lmtoy_2024-S1-MX-4
pull:
`

type fixture struct {
	root   string
	work   string
	cfg    *config.Config
	syncer *Syncer
}

func newFixture(t *testing.T, makefile string, exclude ...string) *fixture {
	t.Helper()
	testutil.RequireGit(t)

	root := t.TempDir()
	work := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))

	cfg := &config.Config{
		Path:   config.PathConfig{WorkLMT: work},
		GitHub: config.GitHubConfig{BaseURL: filepath.Join(root, "upstream")},
		Fleet:  config.FleetConfig{Exclude: exclude},
	}
	cfg.SetDefaults()

	bare, scratch := testutil.NewUpstream(t, root, "lmtoy_run")
	testutil.PushCommit(t, scratch, MakefileName, makefile)
	testutil.RunGitCommand(t, root, "clone", bare, filepath.Join(work, "lmtoy_run"))

	s, err := NewSyncer(cfg)
	require.NoError(t, err)
	return &fixture{root: root, work: work, cfg: cfg, syncer: s}
}

// addRepo creates an upstream for name and a local clone under the meta-repo.
// It returns the scratch clone used to push upstream commits.
func (f *fixture) addRepo(t *testing.T, name string) string {
	t.Helper()
	bare, scratch := testutil.NewUpstream(t, f.root, name)
	testutil.RunGitCommand(t, f.root, "clone", bare, f.syncer.RepoDir(name))
	return scratch
}

// scenario lays out two current repos, one without .git and one behind.
func (f *fixture) scenario(t *testing.T) (behind string, behindScratch string) {
	t.Helper()
	f.addRepo(t, "lmtoy_2023-S1-MX-1")
	f.addRepo(t, "lmtoy_2023-S1-MX-2")
	require.NoError(t, os.MkdirAll(f.syncer.RepoDir("lmtoy_2024-S1-MX-3"), 0o755))
	behind = "lmtoy_2024-S1-MX-4"
	behindScratch = f.addRepo(t, behind)
	testutil.PushCommit(t, behindScratch, "2024-S1-MX-4.run1a", "SLpipeline.sh obsnum=1\n")
	return behind, behindScratch
}

func TestParseMakefile(t *testing.T) {
	tokens := ParseMakefile("# c\nall:\n\nA B \\\n  C\\\nD:\n")
	assert.Equal(t, []string{"A", "B", "C"}, tokens)
	assert.Empty(t, ParseMakefile(""))
}

func TestFilters(t *testing.T) {
	cfg := &config.Config{Path: config.PathConfig{WorkLMT: t.TempDir()}, Fleet: config.FleetConfig{Exclude: []string{"*-XX-*"}}}
	cfg.SetDefaults()
	s, err := NewSyncer(cfg)
	require.NoError(t, err)

	for name, want := range map[string]bool{
		"lmtoy_2023-S1-MX-1":          true,
		"lmtoy_run":                   false,
		"lmtoy_test":                  false,
		"lmtoy_2023-S1-Test-1":        true,
		"lmtoy_2023-S1-MX-latest":     true,
		"lmtoy_2022-S1-Commissioning": false,
		"lmtoy_1999-S1-OLD-1":         false,
		"other_2023-S1-MX-1":          false,
		"lmtoy_2023-S1-xx-9":          false,
	} {
		assert.Equal(t, want, s.accept(name), name)
	}

	year, ok := s.Year("lmtoy_2023-S1-MX-1")
	require.True(t, ok)
	assert.Equal(t, "2023", year)
	_, ok = s.Year("lmtoy_20x3-S1")
	assert.False(t, ok)
}

func TestNewSyncerRejectsBadPattern(t *testing.T) {
	cfg := &config.Config{Path: config.PathConfig{WorkLMT: t.TempDir()}, Fleet: config.FleetConfig{Exclude: []string{"["}}}
	cfg.SetDefaults()
	_, err := NewSyncer(cfg)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation))
}

func TestDiscover(t *testing.T) {
	f := newFixture(t, fleetMakefile)
	f.scenario(t)

	byYear, err := f.syncer.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"2023": {"lmtoy_2023-S1-MX-1", "lmtoy_2023-S1-MX-2"},
		"2024": {"lmtoy_2024-S1-MX-3", "lmtoy_2024-S1-MX-4"},
	}, byYear)
	assert.Len(t, Flatten(byYear), 4)
}

func TestDiscoverSkipsMissingDirectories(t *testing.T) {
	f := newFixture(t, fleetMakefile)
	f.addRepo(t, "lmtoy_2023-S1-MX-2")

	byYear, err := f.syncer.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"2023": {"lmtoy_2023-S1-MX-2"}}, byYear)
}

func TestDiscoverWithoutMakefile(t *testing.T) {
	cfg := &config.Config{Path: config.PathConfig{WorkLMT: t.TempDir()}}
	cfg.SetDefaults()
	s, err := NewSyncer(cfg)
	require.NoError(t, err)

	_, err = s.Discover(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestStatus(t *testing.T) {
	f := newFixture(t, fleetMakefile)
	behind, _ := f.scenario(t)
	ctx := context.Background()

	st := f.syncer.Status(ctx, "lmtoy_2023-S1-MX-1")
	assert.Equal(t, StateUpToDate, st.State)

	st = f.syncer.Status(ctx, "lmtoy_2024-S1-MX-3")
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.Detail, f.syncer.RepoDir("lmtoy_2024-S1-MX-3"))

	st = f.syncer.Status(ctx, "lmtoy_2025-S1-MX-9")
	assert.Equal(t, StateNotTracked, st.State)

	// Status works from local tracking refs only.
	assert.Equal(t, StateUpToDate, f.syncer.Status(ctx, behind).State)
	testutil.RunGitCommand(t, f.syncer.RepoDir(behind), "fetch")
	st = f.syncer.Status(ctx, behind)
	assert.Equal(t, StateNeedsUpdate, st.State)
	assert.Contains(t, st.Detail, "behind")

	st = f.syncer.Status(ctx, "../etc")
	assert.Equal(t, StateError, st.State)
}

func TestDefaultBranch(t *testing.T) {
	f := newFixture(t, fleetMakefile)
	assert.Equal(t, "main", f.syncer.DefaultBranch(context.Background(), f.syncer.MetaRepoDir()))
}

func TestReconcileFleetWithPartialFailure(t *testing.T) {
	f := newFixture(t, fleetMakefile)
	behind, scratch := f.scenario(t)

	results, err := f.syncer.ReconcileFleet(context.Background())
	require.NoError(t, err)

	outcomes := make(map[string]Outcome)
	for name, r := range results {
		outcomes[name] = r.Outcome
		assert.Equal(t, r.Outcome != OutcomeError, r.OK, name)
	}
	assert.Equal(t, map[string]Outcome{
		"lmtoy_run":          OutcomeUpToDate,
		"lmtoy_2023-S1-MX-1": OutcomeUpToDate,
		"lmtoy_2023-S1-MX-2": OutcomeUpToDate,
		"lmtoy_2024-S1-MX-3": OutcomeError,
		"lmtoy_2024-S1-MX-4": OutcomeFastForwarded,
	}, outcomes)
	assert.Contains(t, results["lmtoy_2024-S1-MX-3"].Message, f.syncer.RepoDir("lmtoy_2024-S1-MX-3"))

	upstreamHead := testutil.RunGitCommand(t, scratch, "rev-parse", "HEAD")
	localHead := testutil.RunGitCommand(t, f.syncer.RepoDir(behind), "rev-parse", "HEAD")
	assert.Equal(t, upstreamHead, localHead)
	assert.FileExists(t, filepath.Join(f.syncer.RepoDir(behind), "2024-S1-MX-4.run1a"))
}

func TestReconcileFleetPicksUpMakefileChanges(t *testing.T) {
	f := newFixture(t, "REPOS = lmtoy_2023-S1-MX-1\n")
	f.addRepo(t, "lmtoy_2023-S1-MX-1")
	_, _ = testutil.NewUpstream(t, f.root, "lmtoy_2023-S1-MX-7")

	metaScratch := filepath.Join(f.root, "scratch", "lmtoy_run")
	testutil.PushCommit(t, metaScratch, MakefileName, "REPOS = lmtoy_2023-S1-MX-1 lmtoy_2023-S1-MX-7\n")

	results, err := f.syncer.ReconcileFleet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFastForwarded, results["lmtoy_run"].Outcome)
	assert.Equal(t, OutcomeCloned, results["lmtoy_2023-S1-MX-7"].Outcome)
	assert.True(t, testutil.RunGitCommand(t, f.syncer.RepoDir("lmtoy_2023-S1-MX-7"), "rev-parse", "--is-inside-work-tree") == "true")
}

func TestReconcileOneClonesMissing(t *testing.T) {
	f := newFixture(t, fleetMakefile)
	_, _ = testutil.NewUpstream(t, f.root, "lmtoy_2023-S1-MX-2")

	r := f.syncer.ReconcileOne(context.Background(), "lmtoy_2023-S1-MX-2")
	require.True(t, r.OK, r.Message)
	assert.Equal(t, OutcomeCloned, r.Outcome)
	assert.FileExists(t, filepath.Join(f.syncer.RepoDir("lmtoy_2023-S1-MX-2"), "README.md"))

	r = f.syncer.ReconcileOne(context.Background(), "lmtoy_2023-S1-MX-2")
	assert.Equal(t, OutcomeUpToDate, r.Outcome)
}

func TestReconcileOneCloneFailure(t *testing.T) {
	f := newFixture(t, fleetMakefile)
	r := f.syncer.ReconcileOne(context.Background(), "lmtoy_2023-S1-NOPE-1")
	assert.False(t, r.OK)
	assert.Equal(t, OutcomeError, r.Outcome)
	assert.NoDirExists(t, f.syncer.RepoDir("lmtoy_2023-S1-NOPE-1"))
}

func TestReconcileOneRefusesDivergence(t *testing.T) {
	f := newFixture(t, fleetMakefile)
	name := "lmtoy_2023-S1-MX-1"
	scratch := f.addRepo(t, name)
	dir := f.syncer.RepoDir(name)

	testutil.RunGitCommand(t, dir, "config", "user.name", "Local")
	testutil.RunGitCommand(t, dir, "config", "user.email", "local@example.com")
	testutil.CreateCommit(t, dir, "local.txt", "local edit\n")
	localHead := testutil.RunGitCommand(t, dir, "rev-parse", "HEAD")
	testutil.PushCommit(t, scratch, "upstream.txt", "upstream edit\n")

	r := f.syncer.ReconcileOne(context.Background(), name)
	assert.False(t, r.OK)
	assert.Equal(t, OutcomeError, r.Outcome)
	assert.Equal(t, localHead, testutil.RunGitCommand(t, dir, "rev-parse", "HEAD"))
}

func TestReconcileOneRefusesForeignOrigin(t *testing.T) {
	f := newFixture(t, fleetMakefile)
	bare, _ := testutil.NewUpstream(t, f.root, "lmtoy_2023-S1-MX-2")
	testutil.RunGitCommand(t, f.root, "clone", bare, f.syncer.RepoDir("lmtoy_2023-S1-MX-1"))

	r := f.syncer.ReconcileOne(context.Background(), "lmtoy_2023-S1-MX-1")
	assert.False(t, r.OK)
	assert.Equal(t, OutcomeError, r.Outcome)
	assert.Contains(t, r.Message, "points at lmtoy_2023-S1-MX-2")
}

func TestReconcileOneRefusesLocalCommits(t *testing.T) {
	f := newFixture(t, fleetMakefile)
	name := "lmtoy_2023-S1-MX-1"
	f.addRepo(t, name)
	dir := f.syncer.RepoDir(name)
	testutil.RunGitCommand(t, dir, "config", "user.name", "Test User")
	testutil.RunGitCommand(t, dir, "config", "user.email", "test@example.com")
	testutil.CreateCommit(t, dir, "2023-S1-MX-1.run1a", "SLpipeline.sh obsnum=9\n")
	localHead := testutil.RunGitCommand(t, dir, "rev-parse", "HEAD")

	r := f.syncer.ReconcileOne(context.Background(), name)
	assert.False(t, r.OK)
	assert.Equal(t, OutcomeError, r.Outcome)
	assert.Contains(t, r.Message, "local commits not on origin/main")
	assert.Equal(t, localHead, testutil.RunGitCommand(t, dir, "rev-parse", "HEAD"))
}

func TestReconcileOneSwitchesToDefaultBranch(t *testing.T) {
	f := newFixture(t, fleetMakefile)
	name := "lmtoy_2023-S1-MX-1"
	f.addRepo(t, name)
	dir := f.syncer.RepoDir(name)
	testutil.RunGitCommand(t, dir, "checkout", "-b", "scratch-work")

	r := f.syncer.ReconcileOne(context.Background(), name)
	require.True(t, r.OK, r.Message)
	assert.Equal(t, OutcomeUpToDate, r.Outcome)
	assert.Contains(t, r.Message, "switched")
	assert.Equal(t, "main", testutil.RunGitCommand(t, dir, "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestSummary(t *testing.T) {
	f := newFixture(t, fleetMakefile)
	behind, _ := f.scenario(t)
	testutil.RunGitCommand(t, f.syncer.RepoDir(behind), "fetch")

	sum, err := f.syncer.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 2, sum.UpToDate)
	assert.Equal(t, 1, sum.NeedsUpdate)
	assert.Equal(t, 1, sum.Errors)
	require.Len(t, sum.Repos, 4)
	assert.Equal(t, "lmtoy_2023-S1-MX-1", sum.Repos[0].Name)
}

type remoteRepo struct {
	Name string `json:"name"`
}

func TestListRemote(t *testing.T) {
	var all []remoteRepo
	for i := 0; i < remotePageSize; i++ {
		all = append(all, remoteRepo{Name: "lmtoy_2023-S1-MX-" + strconv.Itoa(i)})
	}
	all = append(all,
		remoteRepo{Name: "lmtoy_"},
		remoteRepo{Name: "lmtoy_Test-1"},
		remoteRepo{Name: "other_repo"},
		remoteRepo{Name: "lmtoy_2024-S1-UM-1"},
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orgs/lmtoy/repos", r.URL.Path)
		assert.Equal(t, strconv.Itoa(remotePageSize), r.URL.Query().Get("per_page"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "pipeweb/"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		start := (page - 1) * remotePageSize
		end := min(start+remotePageSize, len(all))
		if start > len(all) {
			start = len(all)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(all[start:end])
	}))
	defer srv.Close()

	cfg := &config.Config{
		Path:   config.PathConfig{WorkLMT: t.TempDir()},
		GitHub: config.GitHubConfig{APIURL: srv.URL + "/orgs/lmtoy/repos"},
	}
	cfg.SetDefaults()
	s, err := NewSyncer(cfg)
	require.NoError(t, err)

	names, err := s.ListRemote(context.Background())
	require.NoError(t, err)
	assert.Len(t, names, remotePageSize+1)
	assert.Contains(t, names, "lmtoy_2024-S1-UM-1")
	assert.NotContains(t, names, "lmtoy_Test-1")
	assert.NotContains(t, names, "lmtoy_")
}

func TestParseAPIURL(t *testing.T) {
	o, err := parseAPIURL("https://api.github.com/orgs/lmtoy/repos")
	require.NoError(t, err)
	assert.Equal(t, "https://api.github.com/", o.base.String())
	assert.Equal(t, "orgs", o.kind)
	assert.Equal(t, "lmtoy", o.name)

	o, err = parseAPIURL("https://ghe.example.org/api/v3/users/lmtslr/repos?type=all")
	require.NoError(t, err)
	assert.Equal(t, "https://ghe.example.org/api/v3/", o.base.String())
	assert.Equal(t, "users", o.kind)
	assert.Equal(t, "lmtslr", o.name)

	for _, bad := range []string{"api.github.com/orgs/lmtoy/repos", "https://api.github.com/orgs/lmtoy", "https://api.github.com/teams/x/repos"} {
		_, err := parseAPIURL(bad)
		assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation), bad)
	}
}

func TestListRemoteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"rate limited"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{Path: config.PathConfig{WorkLMT: t.TempDir()}, GitHub: config.GitHubConfig{APIURL: srv.URL + "/users/lmtoy/repos"}}
	cfg.SetDefaults()
	s, err := NewSyncer(cfg)
	require.NoError(t, err)

	_, err = s.ListRemote(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeRemoteError))
	assert.Contains(t, err.Error(), "rate limited")

	cfg.GitHub.APIURL = srv.URL + "/lmtoy"
	s, err = NewSyncer(cfg)
	require.NoError(t, err)
	_, err = s.ListRemote(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation))

	cfg.GitHub.APIURL = ""
	s, err = NewSyncer(cfg)
	require.NoError(t, err)
	_, err = s.ListRemote(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation))
}
