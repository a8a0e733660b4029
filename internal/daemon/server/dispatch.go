package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/pkg/dispatch"
	"github.com/lmtoy/pipeline-web/pkg/workspace"
)

// RunfileStatusResponse combines the filesystem view of a runfile with the
// scheduler's view of its jobs.
type RunfileStatusResponse struct {
	Runfile string               `json:"runfile"`
	State   dispatch.RunState    `json:"state"`
	Jobs    []string             `json:"jobs"`
	Queue   []dispatch.JobStatus `json:"queue"`
	// QueueError is set when the scheduler could not be asked.
	QueueError string `json:"queue_error,omitempty"`
	Next       string `json:"next,omitempty"`
	Hint       string `json:"hint,omitempty"`
}

// sessionArg is the session argument of the remote scripts: empty for the
// default session.
func sessionArg(sess workspace.Session) string {
	if sess.Default {
		return ""
	}
	return sess.Tag
}

func (s *Server) handleRunfileStatus(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	path, err := s.Sessions.RunfilePath(sess, c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	state, err := s.Dispatcher.ClassifyRunfile(path, sess.Root)
	if err != nil {
		fail(c, err)
		return
	}
	ids, err := dispatch.ReadSidecar(dispatch.SidecarPath(path))
	if err != nil {
		fail(c, err)
		return
	}

	resp := RunfileStatusResponse{Runfile: filepath.Base(path), State: state, Jobs: ids, Queue: []dispatch.JobStatus{}}
	if state == dispatch.StateRunning {
		queue, err := s.Dispatcher.JobStatuses(c.Request.Context(), ids)
		if err != nil {
			resp.QueueError = messageOf(err)
		} else {
			resp.Queue = queue
		}
	}
	if state == dispatch.StateFinished {
		resp.Next, resp.Hint = dispatch.NextRunfile(resp.Runfile, sess.Tag)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDispatch(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	path, err := s.Sessions.RunfilePath(sess, c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fail(c, errors.NotFound("runfile", filepath.Base(path)).WithDetail("session", sess.Name))
		return
	}
	// A dropped client must not abort a launch the compute host may
	// already have accepted.
	ack, err := s.Dispatcher.Dispatch(context.WithoutCancel(c.Request.Context()), sess.PID, path, sessionArg(sess))
	if err != nil {
		fail(c, err)
		return
	}
	if s.Monitor != nil && ack.Accepted {
		s.Monitor.Refresh(path)
	}
	if s.Notifier != nil {
		// The confirmation must not hold up the response.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := s.Notifier.NotifySubmitted(ctx, ack); err != nil {
				s.logger.WithError(err).WithField("ack", ack.ID).Warn("Submission confirmation failed")
			}
		}()
	}
	status := http.StatusAccepted
	if !ack.Accepted {
		status = http.StatusBadGateway
	}
	c.JSON(status, ack)
}

func (s *Server) handleResultURL(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	url, err := s.Dispatcher.ResultURL(sess.PID, sess.Tag)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (s *Server) handleMakeSummary(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	res, err := s.Dispatcher.MakeSummary(c.Request.Context(), sess.PID, sess.Tag)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleGenerateRunfiles(c *gin.Context) {
	res, err := s.Dispatcher.GenerateRunfiles(c.Request.Context(), c.Param("pid"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleJobStatuses lists queue entries for ?ids=1,2,3.
// handleJobStatuses reports scheduler state for the requested IDs that
// belong to the project. Other IDs are dropped.
func (s *Server) handleJobStatuses(c *gin.Context) {
	owned, err := s.ownedJobs(c.Param("pid"))
	if err != nil {
		fail(c, err)
		return
	}
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" && owned[id] {
			ids = append(ids, id)
		}
	}
	jobs, err := s.Dispatcher.JobStatuses(c.Request.Context(), ids)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// ownedJobs collects the job IDs in pid's sidecars.
func (s *Server) ownedJobs(pid string) (map[string]bool, error) {
	sessions, err := s.Sessions.ListSessions(pid)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool)
	for _, sess := range sessions {
		names, err := s.Sessions.ListRunfiles(sess)
		if err != nil {
			continue
		}
		for _, name := range names {
			ids, err := dispatch.ReadSidecar(dispatch.SidecarPath(filepath.Join(sess.Path, name)))
			if err != nil {
				continue
			}
			for _, id := range ids {
				owned[id] = true
			}
		}
	}
	return owned, nil
}

// ownsJob reports whether id appears in one of pid's sidecars.
func (s *Server) ownsJob(pid, id string) (bool, error) {
	owned, err := s.ownedJobs(pid)
	if err != nil {
		return false, err
	}
	return owned[id], nil
}

func (s *Server) handleCancelJob(c *gin.Context) {
	pid, id := c.Param("pid"), c.Param("id")
	owned, err := s.ownsJob(pid, id)
	if err != nil {
		fail(c, err)
		return
	}
	if !owned {
		fail(c, errors.NotFound("job", id).WithDetail("pid", pid))
		return
	}
	ok, msg := s.Dispatcher.Cancel(c.Request.Context(), id)
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"job": id, "cancelled": ok, "message": msg})
}

func (s *Server) handleMonitor(c *gin.Context) {
	if s.State == nil {
		fail(c, errors.New(errors.ErrCodeInternal, "monitor not running"))
		return
	}
	c.JSON(http.StatusOK, s.State.GetRunfiles(c.Param("pid")))
}
