package dispatch

import (
	"context"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpcloud/tail"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/pkg/runfile"
)

// SidecarSuffix names the job ID companion of a runfile.
const SidecarSuffix = ".jobid"

// ResultArtifact marks a session whose pipeline products are complete.
const ResultArtifact = "README.html"

// RunState is the filesystem view of a runfile's progress.
type RunState string

const (
	StateNotSubmitted RunState = "NotSubmitted"
	StateRunning      RunState = "Running"
	StateFinished     RunState = "Finished"
)

// SidecarPath returns <runfile>.jobid.
func SidecarPath(runfilePath string) string {
	return runfilePath + SidecarSuffix
}

// ReadSidecar returns the job IDs in a sidecar in file order. A missing
// sidecar holds no IDs.
func ReadSidecar(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, errors.IOError("read", path, err)
	}
	return parseSidecar(string(data)), nil
}

// InvocationCount returns the number of invocation lines in a runfile. The
// dispatch script writes one job ID per line, so a sidecar is complete once
// it holds this many IDs.
func InvocationCount(runfilePath string) (int, error) {
	data, err := os.ReadFile(runfilePath)
	if err != nil {
		return 0, errors.IOError("read", runfilePath, err)
	}
	return len(runfile.Parse(data)), nil
}

func parseSidecar(content string) []string {
	ids := []string{}
	for _, line := range strings.Split(content, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// FollowSidecar streams job IDs as the dispatch script appends them, starting
// with those already present. The sidecar need not exist yet. The channel is
// closed when ctx ends.
func FollowSidecar(ctx context.Context, path string) (<-chan string, error) {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:    stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		return nil, errors.IOError("follow", path, err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer t.Cleanup()
		defer func() { _ = t.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-t.Lines:
				if !ok {
					return
				}
				id := strings.TrimSpace(line.Text)
				if id == "" {
					continue
				}
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ClassifyRunfile derives a runfile's state from the filesystem alone.
// sessionRoot is the clone root holding pipeline products, or "" for the
// default session, which publishes elsewhere and so never reads as Finished.
func (d *Dispatcher) ClassifyRunfile(runfilePath, sessionRoot string) (RunState, error) {
	ids, err := ReadSidecar(SidecarPath(runfilePath))
	if err != nil {
		return StateNotSubmitted, err
	}
	if len(ids) == 0 {
		return StateNotSubmitted, nil
	}
	if sessionRoot == "" {
		return StateRunning, nil
	}

	entries, err := os.ReadDir(sessionRoot)
	if err != nil {
		return StateNotSubmitted, errors.IOError("read", sessionRoot, err)
	}
	onlyMeta := true
	for _, e := range entries {
		if e.Name() != d.metaRepo {
			onlyMeta = false
			break
		}
	}
	if onlyMeta {
		return StateNotSubmitted, nil
	}

	pid, _, _ := strings.Cut(filepath.Base(runfilePath), ".")
	for _, p := range []string{
		filepath.Join(sessionRoot, ResultArtifact),
		filepath.Join(sessionRoot, pid, ResultArtifact),
	} {
		if _, err := os.Stat(p); err == nil {
			return StateFinished, nil
		}
	}
	return StateRunning, nil
}
