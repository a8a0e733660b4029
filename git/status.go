package git

import (
	"context"
	"strconv"
	"strings"

	"github.com/lmtoy/pipeline-web/errors"
)

// StatusInfo is the tracked-files view of a working tree as reported by
// `git status -uno --branch --porcelain=v1`.
type StatusInfo struct {
	// Branch is the current branch name, or "HEAD" when detached
	Branch string `json:"branch"`

	// Upstream is the tracking ref, e.g. origin/main
	Upstream string `json:"upstream,omitempty"`

	// AheadCount is the number of commits ahead of the upstream branch
	AheadCount int `json:"ahead_count"`

	// BehindCount is the number of commits behind the upstream branch
	BehindCount int `json:"behind_count"`

	// Behind is set when the branch header mentions "behind"
	Behind bool `json:"behind"`

	// ModifiedCount is the number of modified tracked files
	ModifiedCount int `json:"modified_count"`

	// StagedCount is the number of staged files
	StagedCount int `json:"staged_count"`

	// IsDirty indicates tracked changes are present
	IsDirty bool `json:"is_dirty"`

	// HasUpstream indicates if the branch has an upstream tracking branch
	HasUpstream bool `json:"has_upstream"`

	// Header is the raw "## ..." line
	Header string `json:"header"`
}

// GetStatus returns the status of the working tree at path.
func (r *CLIRepository) GetStatus(ctx context.Context, path string) (*StatusInfo, error) {
	res, err := r.Run(ctx, path, "status", "-uno", "--branch", "--porcelain=v1")
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		if strings.Contains(res.Stderr, "not a git repository") {
			return nil, errors.New(errors.ErrCodeInvalid, "not a git repository: "+path)
		}
		return nil, failure(res)
	}
	return ParseStatus(res.Stdout), nil
}

// ParseStatus parses porcelain v1 output produced with --branch.
func ParseStatus(output string) *StatusInfo {
	status := &StatusInfo{}

	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			parseBranchHeader(line, status)
			continue
		}
		if len(line) < 2 {
			continue
		}
		x, y := line[0], line[1]
		if x == '?' || x == '!' {
			continue
		}
		if x != ' ' {
			status.StagedCount++
		}
		if y != ' ' {
			status.ModifiedCount++
		}
	}

	status.IsDirty = status.ModifiedCount > 0 || status.StagedCount > 0
	return status
}

// parseBranchHeader handles the forms
//
//	## main
//	## main...origin/main
//	## main...origin/main [ahead 1, behind 2]
//	## No commits yet on main
//	## HEAD (no branch)
func parseBranchHeader(line string, status *StatusInfo) {
	status.Header = line
	head := strings.TrimPrefix(line, "## ")
	status.Behind = strings.Contains(head, "behind")

	switch {
	case strings.HasPrefix(head, "No commits yet on "):
		status.Branch = strings.TrimPrefix(head, "No commits yet on ")
		return
	case strings.HasPrefix(head, "Initial commit on "):
		status.Branch = strings.TrimPrefix(head, "Initial commit on ")
		return
	case strings.HasPrefix(head, "HEAD (no branch)"):
		status.Branch = "HEAD"
		return
	}

	var counts string
	if i := strings.Index(head, " ["); i >= 0 {
		counts = strings.TrimSuffix(head[i+2:], "]")
		head = head[:i]
	}

	if local, upstream, ok := strings.Cut(head, "..."); ok {
		status.Branch = local
		status.Upstream = upstream
		status.HasUpstream = true
	} else {
		status.Branch = head
	}

	for _, part := range strings.Split(counts, ",") {
		fields := strings.Fields(part)
		if len(fields) != 2 {
			continue
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		switch fields[0] {
		case "ahead":
			status.AheadCount = n
		case "behind":
			status.BehindCount = n
		}
	}
}
