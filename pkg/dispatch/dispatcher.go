// Package dispatch submits runfiles to the compute host and tracks the jobs
// they produce. Submission is fire-and-forget: job IDs arrive in the
// runfile's .jobid sidecar, written by the remote dispatch script.
package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lmtoy/pipeline-web/command"
	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/lmtoy/pipeline-web/pkg/metrics"
	"github.com/lmtoy/pipeline-web/pkg/remote"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// nonCriticalStderr are stderr fragments the dispatch script is known to emit
// on successful submissions.
var nonCriticalStderr = []string{
	"ls: cannot access",
	"Note that 64 GB per node will require a node with more than 64 GB memory",
	"Check https://docs.unity.rc.umass.edu/nodes for an appropriate limit",
}

// Dispatcher issues remote commands on behalf of projects.
type Dispatcher struct {
	runner remote.Runner

	serviceUser    string
	dispatchScript string
	mkRunsScript   string
	summaryScript  string
	resultBaseURL  string
	initSession    string
	metaRepo       string

	ackWait          time.Duration
	schedulerTimeout time.Duration
	limiter          *rate.Limiter
	validator        *command.SafeBuilder
	logger           *logrus.Entry
}

// NewDispatcher creates a dispatcher that runs commands through runner.
func NewDispatcher(cfg *config.Config, runner remote.Runner) *Dispatcher {
	qps := cfg.Monitor.QueryRate
	if qps <= 0 {
		qps = 2
	}
	burst := int(qps)
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		runner:           runner,
		serviceUser:      cfg.PipelineUser.Username,
		dispatchScript:   cfg.Dispatch.DispatchScript,
		mkRunsScript:     cfg.Dispatch.MkRunsScript,
		summaryScript:    cfg.Dispatch.SummaryScript,
		resultBaseURL:    strings.TrimSuffix(cfg.Dispatch.ResultBaseURL, "/"),
		initSession:      cfg.Session.InitSession,
		metaRepo:         cfg.Fleet.MetaRepo,
		ackWait:          cfg.Dispatch.AckWait,
		schedulerTimeout: cfg.Timeouts.Scheduler,
		limiter:          rate.NewLimiter(rate.Limit(qps), burst),
		validator:        command.NewSafeBuilder(),
		logger:           logging.NewLogger("dispatch"),
	}
}

// Ack acknowledges that the compute host accepted (or refused) a submission.
// It says nothing about job completion.
type Ack struct {
	ID             string    `json:"id"`
	PID            string    `json:"pid"`
	Runfile        string    `json:"runfile"`
	Session        string    `json:"session"`
	Host           string    `json:"host"`
	Command        string    `json:"command"`
	Accepted       bool      `json:"accepted"`
	ExitCode       int       `json:"exit_code"`
	Stdout         string    `json:"stdout"`
	Log            string    `json:"log,omitempty"`
	Stderr         string    `json:"stderr,omitempty"`
	CriticalErrors []string  `json:"critical_errors,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// CriticalLines returns the non-blank stderr lines not on the known
// non-critical list.
func CriticalLines(stderr string) []string {
	var critical []string
	for _, line := range strings.Split(stderr, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ignored := false
		for _, frag := range nonCriticalStderr {
			if strings.Contains(line, frag) {
				ignored = true
				break
			}
		}
		if !ignored {
			critical = append(critical, line)
		}
	}
	return critical
}

// verdict accepts a submission with no critical stderr whose exit status is
// zero or explained by non-critical stderr alone.
func verdict(exitCode int, stderr string) (bool, []string) {
	critical := CriticalLines(stderr)
	if len(critical) > 0 {
		return false, critical
	}
	return exitCode == 0 || strings.TrimSpace(stderr) != "", nil
}

// withUser prefixes a command line with the service-user export.
func (d *Dispatcher) withUser(words ...string) string {
	return "export WORK_LMT_USER=" + remote.Quote(d.serviceUser) + "; " + remote.Join(words...)
}

// logMarker starts the stdout line that names the remote log of a detached
// launch.
const logMarker = "@pipeweb-log "

// launchDetached wraps words in a shell fragment that starts them in their
// own session, detached from the calling connection, with output going to a
// remote temp file. It waits up to ackWait for the script to finish so early
// failures still reach the verdict, then prints the log path, the output so
// far, and exits with the script status, or 0 if it is still running.
func (d *Dispatcher) launchDetached(words ...string) string {
	secs := int(d.ackWait / time.Second)
	return "export WORK_LMT_USER=" + remote.Quote(d.serviceUser) + "; " +
		`out=$(mktemp "${TMPDIR:-/tmp}/pipeweb-dispatch.XXXXXX") || exit 70; ` +
		`run=nohup; command -v setsid >/dev/null 2>&1 && run="setsid nohup"; ` +
		`( $run ` + remote.Join(words...) + ` >"$out" 2>"$out.err" </dev/null; echo $? >"$out.rc" ) >/dev/null 2>&1 </dev/null & ` +
		fmt.Sprintf(`i=0; while [ $i -lt %d ] && [ ! -s "$out.rc" ]; do sleep 1; i=$((i+1)); done; `, secs) +
		`rc=0; [ -s "$out.rc" ] && rc=$(cat "$out.rc"); ` +
		`echo "` + logMarker + `$out"; cat "$out"; cat "$out.err" >&2; exit $rc`
}

// splitLog separates the log marker line from the launch output.
func splitLog(stdout string) (log, rest string) {
	if !strings.HasPrefix(stdout, logMarker) {
		return "", stdout
	}
	line, rest, _ := strings.Cut(stdout, "\n")
	return strings.TrimSpace(strings.TrimPrefix(line, logMarker)), rest
}

func (d *Dispatcher) checkPID(pid string) error {
	if err := d.validator.Validate("pid", pid); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalid, "invalid project id")
	}
	return nil
}

func (d *Dispatcher) checkSession(session string) error {
	if session == "" {
		return nil
	}
	if err := d.validator.Validate("sessionTag", session); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalid, "invalid session")
	}
	return nil
}

// Dispatch submits one runfile:
//
//	export WORK_LMT_USER=<service-user>; setsid nohup <dispatch-script> <PID> <runfile> [<session>] &
//
// The script runs detached from the connection and keeps writing the
// sidecar after Dispatch returns; ctx and the remote timeout only bound the
// launch. Dispatching again creates new jobs and the script overwrites the
// sidecar.
func (d *Dispatcher) Dispatch(ctx context.Context, pid, runfilePath, session string) (*Ack, error) {
	if err := d.checkPID(pid); err != nil {
		return nil, err
	}
	name := filepath.Base(runfilePath)
	if err := d.validator.Validate("fileName", name); err != nil || !strings.HasPrefix(name, pid+".") {
		return nil, errors.Invalid("runfile must be named <PID>.<tag>: " + name)
	}
	if err := d.checkSession(session); err != nil {
		return nil, err
	}

	words := []string{d.dispatchScript, pid, name}
	if session != "" {
		words = append(words, session)
	}
	cmdline := d.launchDetached(words...)

	ack := &Ack{
		ID:          uuid.NewString(),
		PID:         pid,
		Runfile:     name,
		Session:     session,
		Host:        d.runner.Host(),
		Command:     cmdline,
		SubmittedAt: time.Now().UTC(),
	}
	logger := d.logger.WithFields(logrus.Fields{"ack": ack.ID, "pid": pid, "runfile": name, "session": session})

	res, err := d.runner.Run(ctx, cmdline)
	if err != nil {
		metrics.RecordDispatch("error")
		logger.WithError(err).Error("Dispatch failed")
		return nil, err
	}

	ack.ExitCode = res.ExitCode
	ack.Log, ack.Stdout = splitLog(res.Stdout)
	ack.Stderr = res.Stderr
	ack.Accepted, ack.CriticalErrors = verdict(res.ExitCode, res.Stderr)
	if ack.Accepted {
		metrics.RecordDispatch("accepted")
		logger.WithField("log", ack.Log).Info("Runfile submitted")
	} else {
		metrics.RecordDispatch("rejected")
		logger.WithField("stderr", res.Stderr).Warn("Runfile submission rejected")
	}
	return ack, nil
}

// remoteScript runs a service-user script and fails with the remote stderr
// on a non-zero exit.
func (d *Dispatcher) remoteScript(ctx context.Context, words ...string) (*remote.Result, error) {
	res, err := d.runner.Run(ctx, d.withUser(words...))
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return res, errors.RemoteError(d.runner.Host(), res.Stderr, nil).
			WithDetail("exitCode", res.ExitCode).
			WithDetail("command", res.Command)
	}
	return res, nil
}

// GenerateRunfiles asks the compute host to create the default runfiles of a
// project whose session has none.
func (d *Dispatcher) GenerateRunfiles(ctx context.Context, pid string) (*remote.Result, error) {
	if err := d.checkPID(pid); err != nil {
		return nil, err
	}
	return d.remoteScript(ctx, d.mkRunsScript, pid)
}

// MakeSummary rebuilds the summary pages of a session's products.
func (d *Dispatcher) MakeSummary(ctx context.Context, pid, session string) (*remote.Result, error) {
	if err := d.checkPID(pid); err != nil {
		return nil, err
	}
	if session == "" {
		session = d.initSession
	}
	if err := d.checkSession(session); err != nil {
		return nil, err
	}
	return d.remoteScript(ctx, d.summaryScript, pid, session)
}

// ResultURL is where a session's products are published.
func (d *Dispatcher) ResultURL(pid, session string) (string, error) {
	if err := d.checkPID(pid); err != nil {
		return "", err
	}
	if session == "" || session == d.initSession {
		return d.resultBaseURL + "/lmtslr/" + pid + "/README.html", nil
	}
	if err := d.checkSession(session); err != nil {
		return "", err
	}
	return d.resultBaseURL + "/lmthelpdesk/pipeline_web/" + pid + "/" + session + "/" + pid + "/README.html", nil
}

// nextRunfile maps a runfile suffix to its successor in the reduction chain.
var nextRunfile = map[string]string{
	"run1a": "run1b",
	"run1b": "run2a",
	"run2a": "run2b",
}

// NextRunfile returns the runfile to submit after name completes and a hint
// for the user. The last step of the chain returns name itself.
func NextRunfile(name, session string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, ""
	}
	suffix := name[i+1:]
	if next, ok := nextRunfile[suffix]; ok {
		n := name[:i+1] + next
		return n, "Please log in to view the result, then edit and submit the next runfile: '" + n + "'"
	}
	if suffix == "run2b" {
		return name, "All jobs for session '" + session + "' have completed."
	}
	return name, ""
}
