package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/lmtoy/pipeline-web/pkg/dispatch"
	"github.com/lmtoy/pipeline-web/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// MarkerSuffix is appended to a sidecar path to record a sent notification.
const MarkerSuffix = ".notified"

// Directory resolves a project's notification addresses.
type Directory interface {
	Emails(pid string) []string
}

// Linker builds result page URLs.
type Linker interface {
	ResultURL(pid, session string) (string, error)
}

// Notifier composes completion and submission messages.
type Notifier struct {
	sender      Sender
	dir         Directory
	links       Linker
	initSession string
	logger      *logrus.Entry
}

// NewNotifier wires a notifier. links may be nil.
func NewNotifier(cfg *config.Config, sender Sender, dir Directory, links Linker) *Notifier {
	return &Notifier{
		sender:      sender,
		dir:         dir,
		links:       links,
		initSession: cfg.Session.InitSession,
		logger:      logging.NewLogger("notify"),
	}
}

// MarkerPath returns <runfile>.jobid.notified.
func MarkerPath(runfilePath string) string {
	return dispatch.SidecarPath(runfilePath) + MarkerSuffix
}

// Completion identifies a runfile whose jobs have all left the queue.
type Completion struct {
	PID     string
	Session string // "" for the default session
	Runfile string // absolute runfile path
}

func (n *Notifier) sessionName(session string) string {
	if session == "" {
		return n.initSession
	}
	return session
}

// NotifyFinished sends one completion message per distinct sidecar content.
// It reports whether a message was sent. The marker is written only after
// the sender succeeds, so a failed delivery is retried on the next call.
func (n *Notifier) NotifyFinished(ctx context.Context, c Completion) (bool, error) {
	logger := n.logger.WithFields(logrus.Fields{"pid": c.PID, "runfile": filepath.Base(c.Runfile)})

	sidecar := dispatch.SidecarPath(c.Runfile)
	content, err := os.ReadFile(sidecar)
	if os.IsNotExist(err) {
		metrics.RecordNotification("skipped")
		return false, nil
	}
	if err != nil {
		metrics.RecordNotification("error")
		return false, errors.IOError("read", sidecar, err)
	}
	ids, _ := dispatch.ReadSidecar(sidecar)
	if len(ids) == 0 {
		metrics.RecordNotification("skipped")
		return false, nil
	}

	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	marker := MarkerPath(c.Runfile)
	if prev, err := os.ReadFile(marker); err == nil && string(bytes.TrimSpace(prev)) == digest {
		logger.Debug("Completion already notified")
		metrics.RecordNotification("skipped")
		return false, nil
	}

	to := n.dir.Emails(c.PID)
	if len(to) == 0 {
		logger.Warn("No notification address configured")
		metrics.RecordNotification("skipped")
		return false, nil
	}

	msg := Message{
		To:      to,
		Subject: "Job Completion Notification",
		Body:    n.completionBody(c, ids),
	}
	if err := n.sender.Send(ctx, msg); err != nil {
		metrics.RecordNotification("error")
		logger.WithError(err).Error("Sending completion notification failed")
		return false, err
	}
	if err := os.WriteFile(marker, []byte(digest+"\n"), 0o644); err != nil {
		metrics.RecordNotification("error")
		return true, errors.IOError("write", marker, err)
	}
	metrics.RecordNotification("sent")
	logger.WithField("jobs", len(ids)).Info("Completion notification sent")
	return true, nil
}

func (n *Notifier) completionBody(c Completion, ids []string) string {
	name := filepath.Base(c.Runfile)
	session := n.sessionName(c.Session)
	_, hint := dispatch.NextRunfile(name, session)

	var b strings.Builder
	fmt.Fprintf(&b, "All jobs for runfile '%s' have completed.", name)
	if hint != "" {
		b.WriteString(" " + hint)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Project: %s\nSession: %s\nJobs: %s\n", c.PID, session, strings.Join(ids, ", "))
	if n.links != nil {
		if url, err := n.links.ResultURL(c.PID, c.Session); err == nil {
			fmt.Fprintf(&b, "Results: %s\n", url)
		}
	}
	return b.String()
}

// NotifySubmitted sends the submission confirmation for an acknowledged
// dispatch. Projects without addresses are skipped silently.
func (n *Notifier) NotifySubmitted(ctx context.Context, ack *dispatch.Ack) error {
	to := n.dir.Emails(ack.PID)
	if len(to) == 0 {
		metrics.RecordNotification("skipped")
		return nil
	}
	body := fmt.Sprintf("Job for runfile '%s' has been submitted successfully.\n", ack.Runfile)
	if !ack.Accepted {
		body = fmt.Sprintf("Failed to submit job for runfile '%s'.\n", ack.Runfile)
		if len(ack.CriticalErrors) > 0 {
			body += "\n" + strings.Join(ack.CriticalErrors, "\n") + "\n"
		}
	}
	err := n.sender.Send(ctx, Message{To: to, Subject: "Job Submission Confirmation", Body: body})
	if err != nil {
		metrics.RecordNotification("error")
		return err
	}
	metrics.RecordNotification("sent")
	return nil
}
