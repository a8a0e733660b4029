package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/internal/daemon/store"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/lmtoy/pipeline-web/pkg/dispatch"
	"github.com/lmtoy/pipeline-web/pkg/metrics"
	"github.com/lmtoy/pipeline-web/pkg/notify"
	"github.com/lmtoy/pipeline-web/pkg/workspace"
	"github.com/sirupsen/logrus"
)

// Projects lists the PIDs to monitor.
type Projects interface {
	PIDs() []string
}

// Jobs answers where a runfile's jobs stand.
type Jobs interface {
	ClassifyRunfile(runfilePath, sessionRoot string) (dispatch.RunState, error)
	AreJobsFinished(ctx context.Context, ids []string) (dispatch.Completion, error)
}

// Finisher is told about runfiles whose jobs completed.
type Finisher interface {
	NotifyFinished(ctx context.Context, c notify.Completion) (bool, error)
}

// RunfileCollector polls every project's runfiles and watches their session
// directories for sidecar writes. A Running to Finished transition triggers
// the completion notification.
type RunfileCollector struct {
	sessions *workspace.Store
	projects Projects
	jobs     Jobs
	notifier Finisher

	interval time.Duration
	debounce time.Duration
	refresh  chan string

	// Owned by the Run goroutine.
	last    map[string]*store.RunfileStatus
	known   map[string]workspace.Session
	watched map[string]bool
	// unsent holds finished runfiles whose notification failed.
	unsent map[string]bool

	logger *logrus.Entry
}

// NewRunfileCollector creates the monitor collector. notifier may be nil.
func NewRunfileCollector(cfg *config.Config, sessions *workspace.Store, projects Projects, jobs Jobs, notifier Finisher) *RunfileCollector {
	interval := cfg.Monitor.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RunfileCollector{
		sessions: sessions,
		projects: projects,
		jobs:     jobs,
		notifier: notifier,
		interval: interval,
		debounce: 200 * time.Millisecond,
		refresh:  make(chan string, 64),
		last:     make(map[string]*store.RunfileStatus),
		known:    make(map[string]workspace.Session),
		watched:  make(map[string]bool),
		unsent:   make(map[string]bool),
		logger:   logging.NewLogger("monitor"),
	}
}

// Name returns the collector's name.
func (c *RunfileCollector) Name() string { return "runfiles" }

// Refresh asks for an early look at one runfile, typically right after it
// was dispatched. It never blocks.
func (c *RunfileCollector) Refresh(runfilePath string) {
	select {
	case c.refresh <- runfilePath:
	default:
	}
}

// Run starts the poll and watch loop.
func (c *RunfileCollector) Run(ctx context.Context, st *store.Store, updates chan<- store.Update) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.WithError(err).Warn("File watching unavailable; polling only")
		watcher = nil
	} else {
		defer watcher.Close()
	}
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher != nil {
		events, errs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	pending := make(map[string]bool)
	var (
		debounce  *time.Timer
		debounceC <-chan time.Time
	)
	kick := func(path string) {
		pending[path] = true
		if debounce == nil {
			debounce = time.NewTimer(c.debounce)
		} else {
			debounce.Reset(c.debounce)
		}
		debounceC = debounce.C
	}
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	c.scanAll(ctx, watcher, updates)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.scanAll(ctx, watcher, updates)
		case path := <-c.refresh:
			kick(path)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if strings.HasSuffix(event.Name, dispatch.SidecarSuffix) {
				c.logger.Debugf("fsnotify event: %s op=%v", event.Name, event.Op)
				kick(strings.TrimSuffix(event.Name, dispatch.SidecarSuffix))
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Errorf("Watcher error: %v", err)
		case <-debounceC:
			debounceC = nil
			full := false
			for path := range pending {
				if _, ok := c.known[path]; !ok {
					full = true
				}
			}
			if full {
				c.scanAll(ctx, watcher, updates)
			} else {
				for path := range pending {
					c.scanOne(ctx, path, updates)
				}
			}
			pending = make(map[string]bool)
		}
	}
}

// scanAll evaluates every runfile of every project and replaces the store's
// runfile table.
func (c *RunfileCollector) scanAll(ctx context.Context, watcher *fsnotify.Watcher, updates chan<- store.Update) {
	next := make(map[string]*store.RunfileStatus)
	known := make(map[string]workspace.Session)
	dirs := make(map[string]bool)

	for _, pid := range c.projects.PIDs() {
		if ctx.Err() != nil {
			return
		}
		sessions, err := c.sessions.ListSessions(pid)
		if err != nil {
			c.logger.WithError(err).WithField("pid", pid).Debug("Skipping project")
			continue
		}
		for _, sess := range sessions {
			names, err := c.sessions.ListRunfiles(sess)
			if err != nil {
				continue
			}
			dirs[sess.Path] = true
			for _, name := range names {
				path := filepath.Join(sess.Path, name)
				known[path] = sess
				next[path] = c.evaluate(ctx, sess, name, updates)
			}
		}
	}
	if ctx.Err() != nil {
		return
	}

	c.last = next
	c.known = known
	c.syncWatches(watcher, dirs)

	running := 0
	for _, rs := range next {
		if rs.State == dispatch.StateRunning {
			running++
		}
	}
	metrics.SetWatched(running)

	emit(ctx, updates, store.Update{
		Type:    store.UpdateRunfiles,
		Source:  c.Name(),
		Scanned: len(next),
		Payload: next,
	})
}

// scanOne re-evaluates a single known runfile.
func (c *RunfileCollector) scanOne(ctx context.Context, path string, updates chan<- store.Update) {
	sess, ok := c.known[path]
	if !ok {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	rs := c.evaluate(ctx, sess, filepath.Base(path), updates)
	c.last[path] = rs
	emit(ctx, updates, store.Update{
		Type:    store.UpdateRunfile,
		Source:  c.Name(),
		Scanned: 1,
		Payload: rs,
	})
}

// syncWatches watches exactly the session directories seen in the last scan.
func (c *RunfileCollector) syncWatches(watcher *fsnotify.Watcher, dirs map[string]bool) {
	if watcher == nil {
		return
	}
	for dir := range c.watched {
		if !dirs[dir] {
			_ = watcher.Remove(dir)
			delete(c.watched, dir)
		}
	}
	for dir := range dirs {
		if c.watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			c.logger.WithError(err).WithField("dir", dir).Warn("Failed to watch session directory")
			continue
		}
		c.watched[dir] = true
	}
}

func sessionTag(sess workspace.Session) string {
	if sess.Default {
		return ""
	}
	return sess.Tag
}

// sidecarStamp identifies a sidecar revision by size and mtime.
func sidecarStamp(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
}

// evaluate derives the current status of one runfile and handles any
// transition from the previous scan.
func (c *RunfileCollector) evaluate(ctx context.Context, sess workspace.Session, name string, updates chan<- store.Update) *store.RunfileStatus {
	path := filepath.Join(sess.Path, name)
	sidecar := dispatch.SidecarPath(path)
	prev := c.last[path]
	logger := c.logger.WithFields(logrus.Fields{"pid": sess.PID, "runfile": name})

	rs := &store.RunfileStatus{
		PID:       sess.PID,
		Session:   sessionTag(sess),
		Runfile:   name,
		Path:      path,
		Stamp:     sidecarStamp(sidecar),
		UpdatedAt: time.Now().UTC(),
	}

	// A finished runfile stays finished until its sidecar changes.
	if prev != nil && prev.State == dispatch.StateFinished && prev.Stamp == rs.Stamp {
		if c.unsent[path] {
			c.notifyFinished(ctx, prev)
		}
		return prev
	}

	state, err := c.jobs.ClassifyRunfile(path, sess.Root)
	if err != nil {
		logger.WithError(err).Warn("Cannot classify runfile")
		if prev != nil {
			cpy := *prev
			return &cpy
		}
		rs.State = dispatch.StateNotSubmitted
		return rs
	}
	rs.Jobs, _ = dispatch.ReadSidecar(sidecar)
	rs.State = state

	if state == dispatch.StateRunning {
		completion, err := c.jobs.AreJobsFinished(ctx, rs.Jobs)
		rs.Completion = completion.String()
		switch completion {
		case dispatch.Finished:
			rs.State = dispatch.StateFinished
		case dispatch.Unknown:
			logger.WithError(err).Debug("Scheduler state unknown")
		}
	}
	// Until the sidecar has one ID per invocation line the dispatch script
	// is still submitting, or was cut short.
	if rs.State == dispatch.StateFinished {
		want, err := dispatch.InvocationCount(path)
		if err != nil || len(rs.Jobs) < want {
			logger.WithFields(logrus.Fields{"jobs": len(rs.Jobs), "lines": want}).Debug("Sidecar incomplete")
			rs.State = dispatch.StateRunning
		}
	}

	if prev != nil && prev.State != rs.State {
		c.transition(ctx, prev, rs, updates)
	}
	return rs
}

func (c *RunfileCollector) transition(ctx context.Context, prev, rs *store.RunfileStatus, updates chan<- store.Update) {
	metrics.RecordTransition(string(rs.State))
	tr := store.Transition{
		PID:     rs.PID,
		Session: rs.Session,
		Runfile: rs.Runfile,
		From:    prev.State,
		To:      rs.State,
		Jobs:    rs.Jobs,
	}
	c.logger.WithFields(logrus.Fields{
		"pid":     rs.PID,
		"runfile": rs.Runfile,
		"from":    prev.State,
		"to":      rs.State,
	}).Info("Runfile state changed")

	if prev.State == dispatch.StateRunning && rs.State == dispatch.StateFinished {
		tr.Notified = c.notifyFinished(ctx, rs)
	}

	emit(ctx, updates, store.Update{
		Type:    store.UpdateTransition,
		Source:  c.Name(),
		Payload: tr,
	})
}

// notifyFinished hands a completed runfile to the notifier. Failures are
// retried on later scans while the sidecar stays the same.
func (c *RunfileCollector) notifyFinished(ctx context.Context, rs *store.RunfileStatus) bool {
	if c.notifier == nil {
		return false
	}
	sent, err := c.notifier.NotifyFinished(ctx, notify.Completion{
		PID:     rs.PID,
		Session: rs.Session,
		Runfile: rs.Path,
	})
	if err != nil {
		c.unsent[rs.Path] = true
		c.logger.WithError(err).WithField("runfile", rs.Runfile).Error("Completion notification failed")
		return false
	}
	delete(c.unsent, rs.Path)
	return sent
}
