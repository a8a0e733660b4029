// Package catalog extracts the source → obsnum catalog of a project by running
// the project's own mk_runs.py generator.
package catalog

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	sourceLineRe = regexp.MustCompile(`([\w-]+)\[\d+/\d+\] : ([-\d,]+)`)
	qaFailLineRe = regexp.MustCompile(`^-?(\d+) QAFAIL$`)
)

// Source is one catalog entry.
type Source struct {
	Name    string `json:"name"`
	Obsnums []int  `json:"obsnums"`
}

// Catalog is the ordered source list of one project plus the QA-failed
// obsnums. Obsnums are always positive.
type Catalog struct {
	PID     string   `json:"pid"`
	Sources []Source `json:"sources"`
	Failed  []int    `json:"failed"`
}

// Lookup returns the obsnums of a source.
func (c *Catalog) Lookup(name string) ([]int, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s.Obsnums, true
		}
	}
	return nil, false
}

// Names returns the source names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Sources))
	for i, s := range c.Sources {
		names[i] = s.Name
	}
	return names
}

// Map returns the catalog as an unordered map.
func (c *Catalog) Map() map[string][]int {
	m := make(map[string][]int, len(c.Sources))
	for _, s := range c.Sources {
		m[s.Name] = s.Obsnums
	}
	return m
}

// IsFailed reports whether obsnum failed QA.
func (c *Catalog) IsFailed(obsnum int) bool {
	i := sort.SearchInts(c.Failed, obsnum)
	return i < len(c.Failed) && c.Failed[i] == obsnum
}

// ParseSources reads `name[n/m] : o1,o2,...` lines from generator output.
// Negative obsnums are stored as their absolute value and reported in the
// returned failed list. A source seen twice is merged into its first entry.
func ParseSources(output string) ([]Source, []int) {
	var sources []Source
	index := make(map[string]int)
	var failed []int

	for _, m := range sourceLineRe.FindAllStringSubmatch(output, -1) {
		name := m[1]
		var obsnums []int
		for _, field := range strings.Split(m[2], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil || n == 0 {
				continue
			}
			if n < 0 {
				n = -n
				failed = append(failed, n)
			}
			obsnums = append(obsnums, n)
		}
		if len(obsnums) == 0 {
			continue
		}

		if i, ok := index[name]; ok {
			sources[i].Obsnums = mergeInts(sources[i].Obsnums, obsnums)
			continue
		}
		index[name] = len(sources)
		sources = append(sources, Source{Name: name, Obsnums: obsnums})
	}
	return sources, normalize(failed)
}

// ParseFailed reads `<obsnum> QAFAIL` lines.
func ParseFailed(output string) []int {
	var failed []int
	for _, line := range strings.Split(output, "\n") {
		m := qaFailLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil {
			failed = append(failed, n)
		}
	}
	return normalize(failed)
}

// mergeInts appends the values of b not already in a.
func mergeInts(a, b []int) []int {
	seen := make(map[int]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			a = append(a, v)
		}
	}
	return a
}

// normalize sorts and deduplicates; it never returns nil.
func normalize(xs []int) []int {
	out := make([]int, 0, len(xs))
	seen := make(map[int]bool, len(xs))
	for _, v := range xs {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
