package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/internal/daemon/store"
	"github.com/lmtoy/pipeline-web/pkg/catalog"
	"github.com/lmtoy/pipeline-web/pkg/dispatch"
	"github.com/lmtoy/pipeline-web/pkg/fleet"
	"github.com/lmtoy/pipeline-web/pkg/projects"
	"github.com/lmtoy/pipeline-web/pkg/remote"
	"github.com/lmtoy/pipeline-web/pkg/runfile"
	"github.com/lmtoy/pipeline-web/pkg/workspace"
	"github.com/lmtoy/pipeline-web/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pid      = "2024-S1-MX-3"
	otherPID = "2023-S1-US-9"

	userToken  = "tok-user"
	otherToken = "tok-other"
	adminToken = "tok-admin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRunner answers the first reply whose match is contained in the command.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	ctxErrs []error
	replies []reply
}

type reply struct {
	match string
	res   remote.Result
	err   error
}

func (f *fakeRunner) on(match string, res remote.Result, err error) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply{match: match, res: res, err: err})
	return f
}

func (f *fakeRunner) Host() string { return "compute.example.org:22" }

func (f *fakeRunner) Run(ctx context.Context, cmdline string) (*remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmdline)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	for _, r := range f.replies {
		if strings.Contains(cmdline, r.match) {
			if r.err != nil {
				return nil, r.err
			}
			res := r.res
			res.Command = cmdline
			return &res, nil
		}
	}
	return nil, fmt.Errorf("unexpected command: %s", cmdline)
}

func (f *fakeRunner) called(match string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, match) {
			return true
		}
	}
	return false
}

type env struct {
	server     *Server
	runner     *fakeRunner
	state      *store.Store
	work       string
	sessionDir string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	work := testutil.NewWorkspace(t, pid, otherPID)
	auth := t.TempDir()
	testutil.WriteFile(t, auth, "users.csv",
		"username,password,api_token,admin\n"+
			pid+",secret,"+userToken+",false\n"+
			otherPID+",other,"+otherToken+",false\n"+
			"admin,adminpw,"+adminToken+",true\n")

	cfg := &config.Config{Path: config.PathConfig{WorkLMT: work}}
	cfg.SetDefaults()
	cfg.Monitor.QueryRate = 1000
	cfg.Authentication.CSVPath = auth
	cfg.Authentication.CSVFile = "users.csv"
	cfg.Projects = map[string]config.ProjectConfig{
		pid:      {Email: []string{"pi@example.org"}, Instrument: "mapping"},
		otherPID: {Instrument: "broadband"},
	}

	registry, err := projects.Load(cfg)
	require.NoError(t, err)
	sessions := workspace.NewStore(cfg)
	syncer, err := fleet.NewSyncer(cfg)
	require.NoError(t, err)
	runner := &fakeRunner{}
	state := store.New()

	s := New(Deps{
		Config:     cfg,
		Sessions:   sessions,
		Catalog:    catalog.NewExtractor(cfg, sessions.DefaultSessionDir, sessions.Locks()),
		Fleet:      syncer,
		Dispatcher: dispatch.NewDispatcher(cfg, runner),
		Projects:   registry,
		State:      state,
	})
	return &env{
		server:     s,
		runner:     runner,
		state:      state,
		work:       work,
		sessionDir: sessions.DefaultSessionDir(pid),
	}
}

func (e *env) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func projectPath(p string, rest ...string) string {
	return "/api/projects/" + p + strings.Join(rest, "")
}

func TestHealthAndConfigAreOpen(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/config", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rc RunningConfig
	decode(t, rec, &rc)
	assert.Equal(t, e.work, rc.WorkDir)
	assert.Equal(t, "session-0", rc.InitSession)
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/whoami", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = e.do(t, http.MethodGet, "/api/whoami", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/whoami", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var who projects.Project
	decode(t, rec, &who)
	assert.Equal(t, pid, who.PID)

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.SetBasicAuth(pid, "secret")
	basic := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(basic, req)
	assert.Equal(t, http.StatusOK, basic.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.SetBasicAuth(pid, "wrong")
	basic = httptest.NewRecorder()
	e.server.Handler().ServeHTTP(basic, req)
	assert.Equal(t, http.StatusUnauthorized, basic.Code)
}

func TestProjectAuthorization(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, projectPath(otherPID, "/sessions"), userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, errors.ErrCodePermissionDenied, resp.Code)

	rec = e.do(t, http.MethodGet, projectPath(otherPID, "/sessions"), adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/fleet/reconcile", userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	e := newEnv(t)
	testutil.WriteFile(t, e.sessionDir, pid+".run1a", "SLpipeline.sh obsnum=1 pix_list=0,1\n")

	rec := e.do(t, http.MethodGet, projectPath(pid, "/sessions"), userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []workspace.Session
	decode(t, rec, &sessions)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Default)

	rec = e.do(t, http.MethodPost, projectPath(pid, "/sessions"), userToken, CloneSessionRequest{Tag: "1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, projectPath(pid, "/sessions"), userToken, CloneSessionRequest{Tag: "1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, projectPath(pid, "/sessions"), userToken, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, "required", resp.Details["Tag"])

	rec = e.do(t, http.MethodGet, projectPath(pid, "/sessions/Session-1/runfiles"), userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Runfiles []string `json:"runfiles"`
	}
	decode(t, rec, &listing)
	assert.Equal(t, []string{pid + ".run1a"}, listing.Runfiles)

	rec = e.do(t, http.MethodDelete, projectPath(pid, "/sessions/Session-1"), userToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, projectPath(pid, "/sessions/Session-1/runfiles"), userToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunfileEditing(t *testing.T) {
	e := newEnv(t)
	testutil.WriteFile(t, e.sessionDir, pid+".run1a", "SLpipeline.sh obsnum=1\nSLpipeline.sh obsnum=2\n")
	rec := e.do(t, http.MethodPost, projectPath(pid, "/sessions"), userToken, CloneSessionRequest{Tag: "2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	base := projectPath(pid, "/sessions/Session-2/runfiles/", pid+".run1a")

	rec = e.do(t, http.MethodGet, base, userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPatch, base+"/rows", userToken, UpdateColumnRequest{Indices: []int{0, 1}, Key: "bank", Value: "0"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var edited struct {
		Rows []json.RawMessage `json:"rows"`
	}
	decode(t, rec, &edited)
	require.Len(t, edited.Rows, 2)
	assert.Contains(t, string(edited.Rows[1]), `"bank":"0"`)

	rec = e.do(t, http.MethodPost, base+"/rows/delete", userToken, RowsRequest{Indices: []int{0}})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &edited)
	assert.Len(t, edited.Rows, 1)

	rec = e.do(t, http.MethodPost, base+"/rows/delete", userToken, RowsRequest{Indices: []int{-1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, base+"/clone", userToken, CloneRunfileRequest{NewName: pid + ".run1c"})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPut, base+"/notes", userToken, NotesRequest{Notes: "check bank 0"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do(t, http.MethodGet, base+"/notes", userToken, nil)
	var notes NotesRequest
	decode(t, rec, &notes)
	assert.Equal(t, "check bank 0", notes.Notes)

	rec = e.do(t, http.MethodGet, base+"/validate", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDefaultSessionIsReadOnly(t *testing.T) {
	e := newEnv(t)
	testutil.WriteFile(t, e.sessionDir, pid+".run1a", "SLpipeline.sh obsnum=1\n")

	rec := e.do(t, http.MethodDelete, projectPath(pid, "/sessions/session-0/runfiles/", pid+".run1a"), userToken, nil)
	assert.GreaterOrEqual(t, rec.Code, 400)
	assert.FileExists(t, filepath.Join(e.sessionDir, pid+".run1a"))
}

func TestWriteRunfileValidatesByDefault(t *testing.T) {
	e := newEnv(t)
	testutil.WriteFile(t, e.sessionDir, pid+".run1a", "SLpipeline.sh obsnum=1\n")
	rec := e.do(t, http.MethodPost, projectPath(pid, "/sessions"), userToken, CloneSessionRequest{Tag: "3"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	base := projectPath(pid, "/sessions/Session-3/runfiles/", pid+".run1a")

	bad := WriteRunfileRequest{Rows: []runfile.Row{
		runfile.NewRow("obsnum", "1"),
		runfile.NewRow("obsnum", "2", "beam", "9"),
	}}
	rec = e.do(t, http.MethodPut, base, userToken, bad)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var refused struct {
		Issues []struct {
			Line   int    `json:"line"`
			Column string `json:"column"`
		} `json:"issues"`
	}
	decode(t, rec, &refused)
	require.Len(t, refused.Issues, 1)
	assert.Equal(t, 2, refused.Issues[0].Line)
	assert.Equal(t, "beam", refused.Issues[0].Column)

	rec = e.do(t, http.MethodGet, base, userToken, nil)
	assert.NotContains(t, rec.Body.String(), `"beam"`)

	good := WriteRunfileRequest{Rows: []runfile.Row{runfile.NewRow("obsnum", "1", "beam", "2")}}
	rec = e.do(t, http.MethodPut, base, userToken, good)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPatch, base+"/rows", userToken, UpdateColumnRequest{Indices: []int{0}, Key: "bank", Value: "7"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	decode(t, rec, &refused)
	require.Len(t, refused.Issues, 1)
	assert.Equal(t, 1, refused.Issues[0].Line)
	assert.Equal(t, "bank", refused.Issues[0].Column)
}

func TestDispatch(t *testing.T) {
	e := newEnv(t)
	testutil.WriteFile(t, e.sessionDir, pid+".run1a", "SLpipeline.sh obsnum=1\n")
	e.runner.on("nohup", remote.Result{ExitCode: 0, Stdout: "Submitted batch job 101\n"}, nil)

	rec := e.do(t, http.MethodPost, projectPath(pid, "/sessions/session-0/runfiles/", pid+".run1a", "/dispatch"), userToken, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var ack dispatch.Ack
	decode(t, rec, &ack)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "", ack.Session)
	assert.True(t, e.runner.called(pid+".run1a"))

	rec = e.do(t, http.MethodPost, projectPath(pid, "/sessions/session-0/runfiles/", pid+".run9z", "/dispatch"), userToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDispatchIgnoresClientDisconnect(t *testing.T) {
	e := newEnv(t)
	testutil.WriteFile(t, e.sessionDir, pid+".run1a", "SLpipeline.sh obsnum=1\n")
	e.runner.on("nohup", remote.Result{ExitCode: 0, Stdout: "Submitted batch job 101\n"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, projectPath(pid, "/sessions/session-0/runfiles/", pid+".run1a", "/dispatch"), nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	e.runner.mu.Lock()
	defer e.runner.mu.Unlock()
	require.NotEmpty(t, e.runner.ctxErrs)
	assert.NoError(t, e.runner.ctxErrs[len(e.runner.ctxErrs)-1])
}

func TestDispatchRejected(t *testing.T) {
	e := newEnv(t)
	testutil.WriteFile(t, e.sessionDir, pid+".run1a", "SLpipeline.sh obsnum=1\n")
	e.runner.on("nohup", remote.Result{ExitCode: 1, Stderr: "sbatch: error: invalid partition\n"}, nil)

	rec := e.do(t, http.MethodPost, projectPath(pid, "/sessions/session-0/runfiles/", pid+".run1a", "/dispatch"), userToken, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var ack dispatch.Ack
	decode(t, rec, &ack)
	assert.False(t, ack.Accepted)
	assert.NotEmpty(t, ack.CriticalErrors)
}

func TestRunfileStatus(t *testing.T) {
	e := newEnv(t)
	testutil.WriteFile(t, e.sessionDir, pid+".run1a", "SLpipeline.sh obsnum=1\n")
	path := projectPath(pid, "/sessions/session-0/runfiles/", pid+".run1a", "/status")

	rec := e.do(t, http.MethodGet, path, userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st RunfileStatusResponse
	decode(t, rec, &st)
	assert.Equal(t, dispatch.StateNotSubmitted, st.State)

	testutil.WriteFile(t, e.sessionDir, pid+".run1a.jobid", "101\n")
	e.runner.on("squeue", remote.Result{Stdout: "JOBID|NAME|STATE\n101|run1a|RUNNING\n"}, nil)
	rec = e.do(t, http.MethodGet, path, userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &st)
	assert.Equal(t, dispatch.StateRunning, st.State)
	assert.Equal(t, []string{"101"}, st.Jobs)
	assert.Empty(t, st.QueueError)
}

func TestResultURL(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, projectPath(pid, "/sessions/session-0/result-url"), userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	decode(t, rec, &out)
	assert.True(t, strings.HasSuffix(out["url"], "/lmtslr/"+pid+"/README.html"), out["url"])
}

func TestCancelJobRequiresOwnership(t *testing.T) {
	e := newEnv(t)
	testutil.WriteFile(t, e.sessionDir, pid+".run1a", "SLpipeline.sh obsnum=1\n")
	testutil.WriteFile(t, e.sessionDir, pid+".run1a.jobid", "101\n")
	e.runner.on("scancel", remote.Result{}, nil)

	rec := e.do(t, http.MethodDelete, projectPath(pid, "/jobs/999"), userToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, e.runner.called("scancel"))

	rec = e.do(t, http.MethodDelete, projectPath(pid, "/jobs/101"), userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, e.runner.called("scancel 101"))
}

func TestJobStatusesOnlyOwnedJobs(t *testing.T) {
	e := newEnv(t)
	testutil.WriteFile(t, e.sessionDir, pid+".run1a", "SLpipeline.sh obsnum=1\n")
	testutil.WriteFile(t, e.sessionDir, pid+".run1a.jobid", "101\n")
	e.runner.on("squeue", remote.Result{Stdout: "101|" + pid + ".run1a|RUNNING\n"}, nil)

	rec := e.do(t, http.MethodGet, projectPath(pid, "/jobs?ids=101,999"), userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, e.runner.called("--jobs=101 "))
	assert.False(t, e.runner.called("999"))

	e.runner.mu.Lock()
	calls := len(e.runner.calls)
	e.runner.mu.Unlock()
	rec = e.do(t, http.MethodGet, projectPath(pid, "/jobs?ids=999"), userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
	e.runner.mu.Lock()
	assert.Len(t, e.runner.calls, calls)
	e.runner.mu.Unlock()
}

func TestRemoteFailureMapsToBadGateway(t *testing.T) {
	e := newEnv(t)
	testutil.WriteFile(t, e.sessionDir, pid+".run1a", "SLpipeline.sh obsnum=1\n")
	testutil.WriteFile(t, e.sessionDir, pid+".run1a.jobid", "101\n102\n")
	e.runner.on("squeue", remote.Result{}, errors.RemoteError("compute", "connection refused", nil))

	rec := e.do(t, http.MethodGet, projectPath(pid, "/jobs?ids=101,102"), userToken, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, errors.ErrCodeRemoteError, resp.Code)
}

func TestMonitorView(t *testing.T) {
	e := newEnv(t)
	e.state.ApplyUpdate(store.Update{Type: store.UpdateRunfiles, Payload: map[string]*store.RunfileStatus{
		"/a": {PID: pid, Path: "/a", State: dispatch.StateRunning},
		"/b": {PID: otherPID, Path: "/b", State: dispatch.StateFinished},
	}})

	rec := e.do(t, http.MethodGet, projectPath(pid, "/monitor"), userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []store.RunfileStatus
	decode(t, rec, &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, "/a", rows[0].Path)
}

func TestVisibleFiltersByProject(t *testing.T) {
	table := map[string]*store.RunfileStatus{
		"/a": {PID: pid},
		"/b": {PID: otherPID},
	}
	u, ok := visible(store.Update{Type: store.UpdateRunfiles, Payload: table}, pid)
	require.True(t, ok)
	assert.Len(t, u.Payload, 1)

	_, ok = visible(store.Update{Type: store.UpdateTransition, Payload: store.Transition{PID: otherPID}}, pid)
	assert.False(t, ok)

	_, ok = visible(store.Update{Type: store.UpdateRegistryReload}, pid)
	assert.True(t, ok)

	u, ok = visible(store.Update{Type: store.UpdateRunfiles, Payload: table}, "")
	require.True(t, ok)
	assert.Len(t, u.Payload, 2)
}

func TestStream(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.server.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+userToken)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer ws.Close()

	// Subscription happens after the upgrade; keep publishing until one lands.
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, ws.SetReadDeadline(deadline))
	go func() {
		for time.Now().Before(deadline) {
			e.state.Publish(store.Update{Type: store.UpdateTransition, Payload: store.Transition{PID: otherPID}})
			e.state.Publish(store.Update{Type: store.UpdateTransition, Payload: store.Transition{PID: pid, Runfile: pid + ".run1a"}})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	var got struct {
		Type    store.UpdateType `json:"type"`
		Payload store.Transition `json:"payload"`
	}
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, store.UpdateTransition, got.Type)
	assert.Equal(t, pid, got.Payload.PID)
}

func TestStreamRequiresAuth(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
