package dispatch

import (
	"context"
	"strings"

	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/pkg/metrics"
	"github.com/lmtoy/pipeline-web/pkg/remote"
)

// Completion is the three-valued answer to "are these jobs done?".
type Completion int

const (
	// Unknown means the scheduler could not be asked; never read it as done.
	Unknown Completion = iota
	NotFinished
	Finished
)

func (c Completion) String() string {
	switch c {
	case Finished:
		return "Finished"
	case NotFinished:
		return "NotFinished"
	default:
		return "Unknown"
	}
}

// terminalStates are squeue compact state codes of jobs that will not run
// again. CG (completing) counts as done.
var terminalStates = map[string]bool{
	"CD": true, "CG": true, "CA": true, "F": true, "TO": true,
	"NF": true, "OOM": true, "BF": true, "DL": true, "PR": true,
}

// JobStatus is one row of the scheduler queue.
type JobStatus struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

func (d *Dispatcher) checkJobIDs(ids []string) error {
	for _, id := range ids {
		if err := d.validator.Validate("jobID", id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalid, "invalid job id")
		}
	}
	return nil
}

// scheduler runs a rate-limited, deadline-bounded scheduler command.
func (d *Dispatcher) scheduler(ctx context.Context, verb string, words ...string) (*remote.Result, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTimeout, "waiting for scheduler query budget")
	}
	ctx, cancel := context.WithTimeout(ctx, d.schedulerTimeout)
	defer cancel()

	res, err := d.runner.Run(ctx, remote.Join(words...))
	if err == nil && !res.Success() && !(verb == "squeue" && unknownJobs(res.Stderr)) {
		err = errors.RemoteError(d.runner.Host(), res.Stderr, nil).WithDetail("exitCode", res.ExitCode)
	}
	metrics.RecordSchedulerQuery(verb, err)
	return res, err
}

// unknownJobs matches the squeue error for IDs that have left the queue;
// squeue treats it as an empty listing.
func unknownJobs(stderr string) bool {
	return strings.Contains(stderr, "Invalid job id specified")
}

// tableRows returns the non-blank lines after the header.
func tableRows(out string) []string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) <= 1 {
		return nil
	}
	var rows []string
	for _, l := range lines[1:] {
		if l = strings.TrimSpace(l); l != "" {
			rows = append(rows, l)
		}
	}
	return rows
}

// ParseJobTable parses `squeue -o '%A|%j|%T'` output. Malformed rows are skipped.
func ParseJobTable(out string) []JobStatus {
	var jobs []JobStatus
	for _, row := range tableRows(out) {
		parts := strings.Split(row, "|")
		if len(parts) != 3 {
			continue
		}
		jobs = append(jobs, JobStatus{ID: parts[0], Name: parts[1], State: parts[2]})
	}
	return jobs
}

// JobStatuses lists the queue entries of the given jobs. Jobs that have left
// the queue are simply absent.
func (d *Dispatcher) JobStatuses(ctx context.Context, ids []string) ([]JobStatus, error) {
	if len(ids) == 0 {
		return []JobStatus{}, nil
	}
	if err := d.checkJobIDs(ids); err != nil {
		return nil, err
	}
	res, err := d.scheduler(ctx, "squeue", "squeue", "--me", "--jobs="+strings.Join(ids, ","), "-o", "%A|%j|%T")
	if err != nil {
		return nil, err
	}
	jobs := ParseJobTable(res.Stdout)
	if jobs == nil {
		jobs = []JobStatus{}
	}
	return jobs, nil
}

// AreJobsFinished reports Finished when no listed job is still queued or
// running. A failed query yields Unknown together with the cause.
func (d *Dispatcher) AreJobsFinished(ctx context.Context, ids []string) (Completion, error) {
	if len(ids) == 0 {
		return Finished, nil
	}
	if err := d.checkJobIDs(ids); err != nil {
		return Unknown, err
	}
	res, err := d.scheduler(ctx, "squeue", "squeue", "--me", "--jobs="+strings.Join(ids, ","), "-o", "%i|%t")
	if err != nil {
		return Unknown, err
	}
	for _, row := range tableRows(res.Stdout) {
		_, state, ok := strings.Cut(row, "|")
		if !ok {
			return Unknown, errors.New(errors.ErrCodeRemoteError, "unexpected squeue row: "+row)
		}
		if !terminalStates[strings.TrimSpace(state)] {
			return NotFinished, nil
		}
	}
	return Finished, nil
}

// Cancel asks the scheduler to cancel one job and reports its verdict.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (bool, string) {
	if err := d.checkJobIDs([]string{id}); err != nil {
		return false, err.Error()
	}
	res, err := d.scheduler(ctx, "scancel", "scancel", id)
	if err != nil {
		return false, err.Error()
	}
	d.logger.WithField("job", id).Info("Job cancelled")
	if msg := strings.TrimSpace(res.Stdout + res.Stderr); msg != "" {
		return true, msg
	}
	return true, "cancelled job " + id
}
