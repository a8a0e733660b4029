// Package workspace manages the per-project session tree: the default session
// inside the meta-repository and the named clones under <work>/<PID>.
package workspace

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lmtoy/pipeline-web/command"
	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/lmtoy/pipeline-web/pkg/runfile"
	"github.com/sirupsen/logrus"
)

// SessionDirPrefix precedes the tag of every clone directory.
const SessionDirPrefix = "Session-"

// Session is one working container of runfiles for a PID.
type Session struct {
	PID string `json:"pid"`
	// Tag is the init session name for the default session, otherwise the
	// part after "Session-".
	Tag     string `json:"tag"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	// Root is <work>/<PID>/Session-<tag> for clones, where pipeline
	// products land. Empty for the default session.
	Root    string `json:"root,omitempty"`
	Default bool   `json:"default"`
}

// Store is the filesystem-backed runfile workspace. It holds no state besides
// the per-PID lock registry.
type Store struct {
	workDir     string
	metaRepo    string
	repoPrefix  string
	initSession string
	projects    map[string]config.ProjectConfig
	locks       *LockRegistry
	validator   *command.SafeBuilder
	logger      *logrus.Entry
}

// NewStore creates a store rooted at cfg.Path.WorkLMT.
func NewStore(cfg *config.Config) *Store {
	return &Store{
		workDir:     cfg.Path.WorkLMT,
		metaRepo:    cfg.Fleet.MetaRepo,
		repoPrefix:  cfg.GitHub.RepoPrefix,
		initSession: cfg.Session.InitSession,
		projects:    cfg.Projects,
		locks:       NewLockRegistry(),
		validator:   command.NewSafeBuilder(),
		logger:      logging.NewLogger("workspace"),
	}
}

// Locks exposes the per-PID registry so other writers of the PID's tree can
// serialize with the store.
func (s *Store) Locks() *LockRegistry {
	return s.locks
}

// InitSession is the tag of every PID's default session.
func (s *Store) InitSession() string {
	return s.initSession
}

// DefaultSessionDir is <work>/lmtoy_run/<prefix><PID>.
func (s *Store) DefaultSessionDir(pid string) string {
	return filepath.Join(s.workDir, s.metaRepo, s.repoPrefix+pid)
}

// PIDDir is <work>/<PID>, the parent of all clone sessions.
func (s *Store) PIDDir(pid string) string {
	return filepath.Join(s.workDir, pid)
}

func (s *Store) cloneRoot(pid, tag string) string {
	return filepath.Join(s.PIDDir(pid), SessionDirPrefix+tag)
}

func (s *Store) cloneSessionDir(pid, tag string) string {
	return filepath.Join(s.cloneRoot(pid, tag), s.metaRepo, s.repoPrefix+pid)
}

// Dialect resolves the instrument configured for pid.
func (s *Store) Dialect(pid string) (runfile.Dialect, error) {
	p, ok := s.projects[pid]
	if !ok || p.Instrument == "" {
		return "", errors.Invalid("no instrument configured for project " + pid).WithDetail("pid", pid)
	}
	d, err := runfile.ParseDialect(p.Instrument)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalid, "unknown instrument").WithDetail("pid", pid)
	}
	return d, nil
}

func (s *Store) checkPID(pid string) error {
	if err := s.validator.Validate("pid", pid); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalid, "invalid project id").WithDetail("pid", pid)
	}
	return nil
}

func (s *Store) checkTag(tag string) error {
	if err := s.validator.Validate("sessionTag", tag); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalid, "invalid session tag").WithDetail("tag", tag)
	}
	return nil
}

func (s *Store) defaultSession(pid string) Session {
	return Session{
		PID:     pid,
		Tag:     s.initSession,
		Name:    s.initSession,
		Path:    s.DefaultSessionDir(pid),
		Default: true,
	}
}

func (s *Store) cloneSession(pid, tag string) Session {
	return Session{
		PID:  pid,
		Tag:  tag,
		Name: SessionDirPrefix + tag,
		Path: s.cloneSessionDir(pid, tag),
		Root: s.cloneRoot(pid, tag),
	}
}

// parseSessionName accepts a tag, "Session-<tag>", or the init session name.
func (s *Store) parseSessionName(name string) (tag string, isDefault bool) {
	if name == "" || name == s.initSession {
		return s.initSession, true
	}
	return strings.TrimPrefix(name, SessionDirPrefix), false
}

// Session resolves a session by name and checks that its directory exists.
func (s *Store) Session(pid, name string) (Session, error) {
	if err := s.checkPID(pid); err != nil {
		return Session{}, err
	}
	tag, isDefault := s.parseSessionName(name)
	var sess Session
	if isDefault {
		sess = s.defaultSession(pid)
	} else {
		if err := s.checkTag(tag); err != nil {
			return Session{}, err
		}
		sess = s.cloneSession(pid, tag)
	}

	info, err := os.Stat(sess.Path)
	if os.IsNotExist(err) {
		return Session{}, errors.NotFound("session", sess.Name).WithDetail("path", sess.Path)
	}
	if err != nil {
		return Session{}, errors.IOError("stat", sess.Path, err)
	}
	if !info.IsDir() {
		return Session{}, errors.Invalid("session path is not a directory").WithDetail("path", sess.Path)
	}
	return sess, nil
}

// ListSessions returns the default session first, then clones sorted by tag.
// The default session is always listed; a missing <work>/<PID> directory just
// means no clones.
func (s *Store) ListSessions(pid string) ([]Session, error) {
	if err := s.checkPID(pid); err != nil {
		return nil, err
	}
	sessions := []Session{s.defaultSession(pid)}

	entries, err := os.ReadDir(s.PIDDir(pid))
	if os.IsNotExist(err) {
		return sessions, nil
	}
	if err != nil {
		return nil, errors.IOError("read", s.PIDDir(pid), err)
	}

	var clones []Session
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), SessionDirPrefix) {
			continue
		}
		tag := strings.TrimPrefix(e.Name(), SessionDirPrefix)
		if tag == "" {
			continue
		}
		clones = append(clones, s.cloneSession(pid, tag))
	}
	sort.Slice(clones, func(i, j int) bool { return clones[i].Tag < clones[j].Tag })
	return append(sessions, clones...), nil
}

// CloneSession copies the source session recursively into a new clone. The
// copy is staged under <work>/<PID> and renamed into place, so a conflict or a
// failed copy leaves no Session-<tag> directory behind.
func (s *Store) CloneSession(pid, srcName, newTag string) (Session, error) {
	if err := s.checkPID(pid); err != nil {
		return Session{}, err
	}
	newTag = strings.TrimPrefix(newTag, SessionDirPrefix)
	if err := s.checkTag(newTag); err != nil {
		return Session{}, err
	}
	if newTag == s.initSession {
		return Session{}, errors.AlreadyExists("session", s.DefaultSessionDir(pid))
	}

	unlock := s.locks.Lock(pid)
	defer unlock()

	src, err := s.Session(pid, srcName)
	if err != nil {
		return Session{}, err
	}

	root := s.cloneRoot(pid, newTag)
	if _, err := os.Lstat(root); err == nil {
		return Session{}, errors.AlreadyExists("session", root)
	} else if !os.IsNotExist(err) {
		return Session{}, errors.IOError("stat", root, err)
	}

	if err := os.MkdirAll(s.PIDDir(pid), 0o755); err != nil {
		return Session{}, errors.IOError("mkdir", s.PIDDir(pid), err)
	}
	staging, err := os.MkdirTemp(s.PIDDir(pid), ".clone-"+newTag+"-*")
	if err != nil {
		return Session{}, errors.IOError("mkdir", s.PIDDir(pid), err)
	}
	stagedSession := filepath.Join(staging, s.metaRepo, s.repoPrefix+pid)
	if err := os.MkdirAll(filepath.Dir(stagedSession), 0o755); err != nil {
		os.RemoveAll(staging)
		return Session{}, errors.IOError("mkdir", stagedSession, err)
	}
	if err := copyTree(src.Path, stagedSession); err != nil {
		os.RemoveAll(staging)
		return Session{}, errors.IOError("copy", src.Path, err)
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		os.RemoveAll(staging)
		return Session{}, errors.IOError("chmod", staging, err)
	}
	if err := os.Rename(staging, root); err != nil {
		os.RemoveAll(staging)
		return Session{}, errors.IOError("rename", root, err)
	}

	sess := s.cloneSession(pid, newTag)
	s.logger.WithFields(logrus.Fields{
		"pid":    pid,
		"source": src.Name,
		"path":   sess.Path,
	}).Info("Cloned session")
	return sess, nil
}

// DeleteSession removes a clone recursively. The default session cannot be
// deleted. A partial removal is reported with whatever the OS left behind.
func (s *Store) DeleteSession(pid, name string) error {
	if err := s.checkPID(pid); err != nil {
		return err
	}
	tag, isDefault := s.parseSessionName(name)
	if isDefault {
		return errors.Invalid("the default session cannot be deleted").WithDetail("session", s.initSession)
	}
	if err := s.checkTag(tag); err != nil {
		return err
	}

	unlock := s.locks.Lock(pid)
	defer unlock()

	root := s.cloneRoot(pid, tag)
	if _, err := os.Lstat(root); os.IsNotExist(err) {
		return errors.NotFound("session", SessionDirPrefix+tag).WithDetail("path", root)
	}
	if err := os.RemoveAll(root); err != nil {
		return errors.IOError("remove", root, err)
	}
	s.logger.WithFields(logrus.Fields{"pid": pid, "path": root}).Info("Deleted session")
	return nil
}

// ListRunfiles lists the regular files named <PID>.* in the session, skipping
// sidecars and scripts. Names are sorted.
func (s *Store) ListRunfiles(sess Session) ([]string, error) {
	entries, err := os.ReadDir(sess.Path)
	if os.IsNotExist(err) {
		return nil, errors.NotFound("session", sess.Name).WithDetail("path", sess.Path)
	}
	if err != nil {
		return nil, errors.IOError("read", sess.Path, err)
	}

	prefix := sess.PID + "."
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if isSidecar(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Sidecar suffixes written next to a runfile.
const (
	JobIDSuffix    = ".jobid"
	NotesSuffix    = ".notes"
	NotifiedSuffix = ".notified"
)

func isSidecar(name string) bool {
	for _, suffix := range []string{JobIDSuffix, NotesSuffix, NotifiedSuffix, ".sh"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
