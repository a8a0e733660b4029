package fleet

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/lmtoy/pipeline-web/errors"
)

// MakefileName is the repository list kept in the meta-repository.
const MakefileName = "Makefile"

var yearRe = regexp.MustCompile(`^(\d{4})-`)

// ParseMakefile returns the whitespace-separated tokens of a Makefile-style
// repository list, in order. Blank lines, comments and target lines
// (ending in ':') are skipped and continuation backslashes are dropped.
func ParseMakefile(content string) []string {
	var tokens []string
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasSuffix(line, ":") {
			continue
		}
		line = strings.TrimSpace(strings.TrimSuffix(line, `\`))
		tokens = append(tokens, strings.Fields(line)...)
	}
	return tokens
}

// Year extracts the four-digit year of `<prefix>YYYY-...`.
func (s *Syncer) Year(name string) (string, bool) {
	pid, ok := strings.CutPrefix(name, s.prefix)
	if !ok {
		return "", false
	}
	m := yearRe.FindStringSubmatch(pid)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// accept applies the name filters: configured prefix, not the meta-repo,
// a PID that starts with '2', and no exclude pattern match.
func (s *Syncer) accept(name string) bool {
	pid, ok := strings.CutPrefix(name, s.prefix)
	if !ok || name == s.metaRepo || !strings.HasPrefix(pid, "2") {
		return false
	}
	excluded, err := s.excludes.MatchesOrParentMatches(strings.ToLower(name))
	if err != nil {
		s.logger.WithError(err).WithField("repo", name).Warn("Exclude pattern failed to match")
		return false
	}
	return !excluded
}

// listed returns the filtered, de-duplicated repository names from the
// meta-repository's Makefile, whether or not they exist on disk.
func (s *Syncer) listed() ([]string, error) {
	path := filepath.Join(s.MetaRepoDir(), MakefileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("repository list", path)
		}
		return nil, errors.IOError("read", path, err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, tok := range ParseMakefile(string(data)) {
		if seen[tok] || !s.accept(tok) {
			continue
		}
		if _, ok := s.Year(tok); !ok {
			s.logger.WithField("repo", tok).Warn("Could not extract year from repository name")
			continue
		}
		seen[tok] = true
		names = append(names, tok)
	}
	return names, nil
}

// Discover returns the repositories listed in the meta-repository that exist
// on disk, grouped by year and sorted by name. A directory without a .git
// entry is still listed so its status can report the breakage.
func (s *Syncer) Discover(ctx context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.listed()
	if err != nil {
		return nil, err
	}

	byYear := make(map[string][]string)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(s.RepoDir(name))
		if err != nil || !info.IsDir() {
			s.logger.WithField("repo", name).Debug("Skipping repository not present on disk")
			continue
		}
		year, _ := s.Year(name)
		byYear[year] = append(byYear[year], name)
	}
	for _, repos := range byYear {
		sort.Strings(repos)
	}
	return byYear, nil
}

// Flatten returns every repository of a discovery result, ordered by year
// then name.
func Flatten(byYear map[string][]string) []string {
	years := make([]string, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Strings(years)

	var out []string
	for _, y := range years {
		out = append(out, byYear[y]...)
	}
	return out
}
