package fleet

import (
	"context"
	"os"

	"github.com/lmtoy/pipeline-web/git"
	"github.com/lmtoy/pipeline-web/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// State classifies a repository working tree.
type State string

const (
	StateUpToDate    State = "UpToDate"
	StateNeedsUpdate State = "NeedsUpdate"
	StateNotTracked  State = "NotTracked"
	StateError       State = "Error"
)

// statusWorkers bounds concurrent `git status` calls in Summary.
const statusWorkers = 8

// RepoStatus is the state of one repository.
type RepoStatus struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Detail string `json:"detail"`
}

// Status classifies one repository from its local tracking refs. It does not
// fetch.
func (s *Syncer) Status(ctx context.Context, name string) RepoStatus {
	if err := s.checkName(name); err != nil {
		return RepoStatus{Name: name, State: StateError, Detail: err.Error()}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status(ctx, name)
}

func (s *Syncer) status(ctx context.Context, name string) RepoStatus {
	dir := s.RepoDir(name)
	st := RepoStatus{Name: name}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		st.State = StateNotTracked
		st.Detail = "not tracked: " + dir
		return st
	}
	if !git.HasGitDir(dir) {
		st.State = StateError
		st.Detail = "not a git working tree: " + dir
		return st
	}

	gs, err := s.git.GetStatus(ctx, dir)
	if err != nil {
		st.State = StateError
		st.Detail = err.Error()
		return st
	}
	if gs.Behind {
		st.State = StateNeedsUpdate
	} else {
		st.State = StateUpToDate
	}
	st.Detail = gs.Header
	return st
}

// Summary totals the status of every discovered repository.
type Summary struct {
	Total       int          `json:"total"`
	UpToDate    int          `json:"up_to_date"`
	NeedsUpdate int          `json:"needs_update"`
	NotTracked  int          `json:"not_tracked"`
	Errors      int          `json:"errors"`
	Repos       []RepoStatus `json:"repos"`
}

// Summary runs Status over the discovered fleet with bounded parallelism.
// Repos are returned in discovery order.
func (s *Syncer) Summary(ctx context.Context) (*Summary, error) {
	byYear, err := s.Discover(ctx)
	if err != nil {
		return nil, err
	}
	names := Flatten(byYear)

	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]RepoStatus, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusWorkers)
	for i, name := range names {
		g.Go(func() error {
			statuses[i] = s.status(gctx, name)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := &Summary{Total: len(names), Repos: statuses}
	for _, st := range statuses {
		switch st.State {
		case StateUpToDate:
			sum.UpToDate++
		case StateNeedsUpdate:
			sum.NeedsUpdate++
		case StateNotTracked:
			sum.NotTracked++
		default:
			sum.Errors++
		}
	}
	metrics.SetFleetStatus(map[string]int{
		string(StateUpToDate):    sum.UpToDate,
		string(StateNeedsUpdate): sum.NeedsUpdate,
		string(StateNotTracked):  sum.NotTracked,
		string(StateError):       sum.Errors,
	})
	return sum, nil
}
