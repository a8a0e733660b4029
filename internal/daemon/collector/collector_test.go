package collector

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/internal/daemon/store"
	"github.com/lmtoy/pipeline-web/pkg/dispatch"
	"github.com/lmtoy/pipeline-web/pkg/fleet"
	"github.com/lmtoy/pipeline-web/pkg/notify"
	"github.com/lmtoy/pipeline-web/pkg/workspace"
	"github.com/lmtoy/pipeline-web/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pid = "2024-S1-MX-3"

type projectList []string

func (p projectList) PIDs() []string { return p }

// fakeJobs classifies from the sidecar alone and answers the scheduler from
// a settable completion.
type fakeJobs struct {
	mu         sync.Mutex
	completion dispatch.Completion
	queries    int
}

func (f *fakeJobs) ClassifyRunfile(path, root string) (dispatch.RunState, error) {
	ids, err := dispatch.ReadSidecar(dispatch.SidecarPath(path))
	if err != nil {
		return dispatch.StateNotSubmitted, err
	}
	if len(ids) == 0 {
		return dispatch.StateNotSubmitted, nil
	}
	return dispatch.StateRunning, nil
}

func (f *fakeJobs) AreJobsFinished(_ context.Context, ids []string) (dispatch.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.completion == dispatch.Unknown {
		return dispatch.Unknown, errors.RemoteError("compute", "squeue: timeout", nil)
	}
	return f.completion, nil
}

func (f *fakeJobs) set(c dispatch.Completion) {
	f.mu.Lock()
	f.completion = c
	f.mu.Unlock()
}

func (f *fakeJobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

type fakeFinisher struct {
	mu    sync.Mutex
	calls []notify.Completion
	err   error
}

func (f *fakeFinisher) NotifyFinished(_ context.Context, c notify.Completion) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.err != nil {
		return false, f.err
	}
	return true, nil
}

func (f *fakeFinisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	sessionDir string
	jobs       *fakeJobs
	finisher   *fakeFinisher
	collector  *RunfileCollector
	updates    chan store.Update
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	work := testutil.NewWorkspace(t, pid)
	cfg := &config.Config{Path: config.PathConfig{WorkLMT: work}}
	cfg.SetDefaults()
	cfg.Monitor.Interval = time.Hour

	h := &harness{
		sessionDir: filepath.Join(work, "lmtoy_run", "lmtoy_"+pid),
		jobs:       &fakeJobs{completion: dispatch.NotFinished},
		finisher:   &fakeFinisher{},
		updates:    make(chan store.Update, 100),
	}
	h.collector = NewRunfileCollector(cfg, workspace.NewStore(cfg), projectList{pid, "2099-S1-XX-1"}, h.jobs, h.finisher)
	h.collector.debounce = 20 * time.Millisecond
	testutil.WriteFile(t, h.sessionDir, pid+".run1a", "SLpipeline.sh obsnum=1\n")
	testutil.WriteFile(t, h.sessionDir, pid+".run1b", "SLpipeline.sh obsnum=2\n")
	return h
}

func (h *harness) drain() []store.Update {
	var out []store.Update
	for {
		select {
		case u := <-h.updates:
			out = append(out, u)
		default:
			return out
		}
	}
}

func transitions(us []store.Update) []store.Transition {
	var out []store.Transition
	for _, u := range us {
		if tr, ok := u.Payload.(store.Transition); ok {
			out = append(out, tr)
		}
	}
	return out
}

func TestScanClassifiesRunfiles(t *testing.T) {
	h := newHarness(t)
	testutil.WriteFile(t, h.sessionDir, pid+".run1a.jobid", "101\n102\n")

	h.collector.scanAll(context.Background(), nil, h.updates)
	us := h.drain()
	require.Len(t, us, 1)
	assert.Equal(t, store.UpdateRunfiles, us[0].Type)
	assert.Equal(t, 2, us[0].Scanned)

	table := us[0].Payload.(map[string]*store.RunfileStatus)
	run1a := table[filepath.Join(h.sessionDir, pid+".run1a")]
	require.NotNil(t, run1a)
	assert.Equal(t, dispatch.StateRunning, run1a.State)
	assert.Equal(t, []string{"101", "102"}, run1a.Jobs)
	assert.Equal(t, "NotFinished", run1a.Completion)
	assert.Equal(t, "", run1a.Session)

	run1b := table[filepath.Join(h.sessionDir, pid+".run1b")]
	require.NotNil(t, run1b)
	assert.Equal(t, dispatch.StateNotSubmitted, run1b.State)
	assert.Equal(t, 1, h.jobs.count(), "only submitted runfiles query the scheduler")
}

func TestRunningToFinishedNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testutil.WriteFile(t, h.sessionDir, pid+".run1a.jobid", "101\n")

	h.collector.scanAll(ctx, nil, h.updates)
	h.drain()

	h.jobs.set(dispatch.Finished)
	h.collector.scanAll(ctx, nil, h.updates)
	trs := transitions(h.drain())
	require.Len(t, trs, 1)
	assert.Equal(t, dispatch.StateRunning, trs[0].From)
	assert.Equal(t, dispatch.StateFinished, trs[0].To)
	assert.True(t, trs[0].Notified)
	require.Equal(t, 1, h.finisher.count())
	assert.Equal(t, filepath.Join(h.sessionDir, pid+".run1a"), h.finisher.calls[0].Runfile)

	queries := h.jobs.count()
	h.collector.scanAll(ctx, nil, h.updates)
	assert.Empty(t, transitions(h.drain()))
	assert.Equal(t, 1, h.finisher.count())
	assert.Equal(t, queries, h.jobs.count(), "finished runfiles are not re-queried")
}

func TestPartialSidecarStaysRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testutil.WriteFile(t, h.sessionDir, pid+".run2a", "SLpipeline.sh obsnum=1\nSLpipeline.sh obsnum=2\nSLpipeline.sh obsnum=3\n")
	testutil.WriteFile(t, h.sessionDir, pid+".run2a.jobid", "101\n")
	h.collector.scanAll(ctx, nil, h.updates)
	h.drain()

	h.jobs.set(dispatch.Finished)
	h.collector.scanAll(ctx, nil, h.updates)
	assert.Empty(t, transitions(h.drain()))
	assert.Zero(t, h.finisher.count())
	rs := h.collector.last[filepath.Join(h.sessionDir, pid+".run2a")]
	assert.Equal(t, dispatch.StateRunning, rs.State)

	testutil.WriteFile(t, h.sessionDir, pid+".run2a.jobid", "101\n102\n103\n")
	h.collector.scanAll(ctx, nil, h.updates)
	trs := transitions(h.drain())
	require.Len(t, trs, 1)
	assert.Equal(t, dispatch.StateFinished, trs[0].To)
	assert.Equal(t, []string{"101", "102", "103"}, trs[0].Jobs)
	assert.Equal(t, 1, h.finisher.count())
}

func TestFirstObservationDoesNotNotify(t *testing.T) {
	h := newHarness(t)
	h.jobs.set(dispatch.Finished)
	testutil.WriteFile(t, h.sessionDir, pid+".run1a.jobid", "101\n")

	h.collector.scanAll(context.Background(), nil, h.updates)
	assert.Empty(t, transitions(h.drain()))
	assert.Zero(t, h.finisher.count())
}

func TestUnknownKeepsRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testutil.WriteFile(t, h.sessionDir, pid+".run1a.jobid", "101\n")
	h.collector.scanAll(ctx, nil, h.updates)
	h.drain()

	h.jobs.set(dispatch.Unknown)
	h.collector.scanAll(ctx, nil, h.updates)
	assert.Empty(t, transitions(h.drain()))
	rs := h.collector.last[filepath.Join(h.sessionDir, pid+".run1a")]
	assert.Equal(t, dispatch.StateRunning, rs.State)
	assert.Equal(t, "Unknown", rs.Completion)
}

func TestFailedNotificationIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testutil.WriteFile(t, h.sessionDir, pid+".run1a.jobid", "101\n")
	h.collector.scanAll(ctx, nil, h.updates)

	h.finisher.err = errors.RemoteError("mail", "", nil)
	h.jobs.set(dispatch.Finished)
	h.collector.scanAll(ctx, nil, h.updates)
	trs := transitions(h.drain())
	require.Len(t, trs, 1)
	assert.False(t, trs[0].Notified)

	h.finisher.err = nil
	h.collector.scanAll(ctx, nil, h.updates)
	assert.Equal(t, 2, h.finisher.count())
	h.collector.scanAll(ctx, nil, h.updates)
	assert.Equal(t, 2, h.finisher.count())
}

func TestRunWatchesSidecars(t *testing.T) {
	h := newHarness(t)
	st := store.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.collector.Run(ctx, st, h.updates)
	}()

	waitFor := func(want dispatch.RunState) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case u := <-h.updates:
				st.ApplyUpdate(u)
				if rs, ok := st.Runfile(filepath.Join(h.sessionDir, pid+".run1b")); ok && rs.State == want {
					return
				}
			case <-deadline:
				t.Fatalf("run1b never reached %s", want)
			}
		}
	}

	waitFor(dispatch.StateNotSubmitted)
	testutil.WriteFile(t, h.sessionDir, pid+".run1b.jobid", "555\n")
	waitFor(dispatch.StateRunning)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}
}

type fakeFleet struct {
	summary *fleet.Summary
	err     error
}

func (f fakeFleet) Summary(context.Context) (*fleet.Summary, error) { return f.summary, f.err }

func TestFleetCollector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan store.Update, 4)
	c := NewFleetCollector(fakeFleet{summary: &fleet.Summary{Total: 3, UpToDate: 2, NeedsUpdate: 1}}, time.Hour)
	assert.Equal(t, "fleet", c.Name())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, store.New(), updates) }()

	select {
	case u := <-updates:
		assert.Equal(t, store.UpdateFleet, u.Type)
		assert.Equal(t, 3, u.Scanned)
	case <-time.After(5 * time.Second):
		t.Fatal("no fleet update")
	}
	cancel()
	assert.NoError(t, <-done)
}
