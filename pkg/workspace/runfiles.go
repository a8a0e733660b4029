package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/pkg/runfile"
	"github.com/sirupsen/logrus"
)

// Runfile is a parsed runfile together with its raw text.
type Runfile struct {
	Name string        `json:"name"`
	Path string        `json:"path"`
	Rows []runfile.Row `json:"rows"`
	Raw  string        `json:"raw"`
}

// RunfilePath joins a runfile name to its session after checking the name is
// a single <PID>.<tag> path component.
func (s *Store) RunfilePath(sess Session, name string) (string, error) {
	if err := s.checkRunfileName(sess.PID, name); err != nil {
		return "", err
	}
	return filepath.Join(sess.Path, name), nil
}

func (s *Store) checkRunfileName(pid, name string) error {
	if err := s.validator.Validate("fileName", name); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalid, "invalid runfile name").WithDetail("name", name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsAny(name, " \t") {
		return errors.Invalid("runfile name must be a single file name").WithDetail("name", name)
	}
	if !strings.HasPrefix(name, pid+".") || len(name) == len(pid)+1 {
		return errors.Invalid(fmt.Sprintf("runfile name must be %s.<tag>", pid)).WithDetail("name", name)
	}
	if isSidecar(name) {
		return errors.Invalid("runfile name uses a reserved suffix").WithDetail("name", name)
	}
	return nil
}

// requireWritable refuses mutations of the default session, which mirrors the
// project's repository.
func requireWritable(sess Session) error {
	if sess.Default {
		return errors.Invalid("the default session is read-only; clone it to edit").
			WithDetail("session", sess.Name)
	}
	return nil
}

// ReadRunfile parses the named runfile. Unparsable lines come back as error rows.
func (s *Store) ReadRunfile(sess Session, name string) (*Runfile, error) {
	path, err := s.RunfilePath(sess, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFound("runfile", name).WithDetail("path", path)
	}
	if err != nil {
		return nil, errors.IOError("read", path, err)
	}
	return &Runfile{
		Name: name,
		Path: path,
		Rows: runfile.Parse(data),
		Raw:  string(data),
	}, nil
}

// WriteRunfile serializes rows over the named runfile atomically. The file
// must already exist; use AddRunfile to create one.
func (s *Store) WriteRunfile(sess Session, name string, rows []runfile.Row) error {
	if err := requireWritable(sess); err != nil {
		return err
	}
	path, err := s.RunfilePath(sess, name)
	if err != nil {
		return err
	}
	data, err := runfile.Serialize(rows)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalid, "cannot serialize runfile").WithDetail("path", path)
	}

	unlock := s.locks.Lock(sess.PID)
	defer unlock()
	return s.writeLocked(path, data)
}

func (s *Store) writeLocked(path string, data []byte) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.NotFound("runfile", filepath.Base(path)).WithDetail("path", path)
	}
	if err != nil {
		return errors.IOError("stat", path, err)
	}
	if err := writeFileAtomic(path, data, info.Mode().Perm()); err != nil {
		return errors.IOError("write", path, err)
	}
	s.logger.WithFields(logrus.Fields{"path": path, "bytes": len(data)}).Debug("Wrote runfile")
	return nil
}

// WriteValidated validates rows against the dialect and writes them only when
// no error-level issue is found. Issues are returned in both cases.
func (s *Store) WriteValidated(sess Session, name string, rows []runfile.Row, d runfile.Dialect) ([]runfile.Issue, error) {
	issues := runfile.ValidateRows(rows, d)
	if err := validationError(issues); err != nil {
		return issues, err
	}
	if err := s.WriteRunfile(sess, name, rows); err != nil {
		return issues, err
	}
	return issues, nil
}

// validationError is nil unless issues holds an error-level finding. The
// issues travel in the "issues" detail.
func validationError(issues []runfile.Issue) *errors.PipelineError {
	if !runfile.HasErrors(issues) {
		return nil
	}
	msgs := make([]string, 0, len(issues))
	for _, i := range issues {
		if i.Severity == runfile.SeverityError {
			msgs = append(msgs, i.String())
		}
	}
	return errors.Invalid("runfile has validation errors:\n- " + strings.Join(msgs, "\n- ")).
		WithDetail("issues", issues)
}

// Issues returns the validation findings carried by a refused write, if any.
func Issues(err error) []runfile.Issue {
	var pe *errors.PipelineError
	if !errors.As(err, &pe) {
		return nil
	}
	issues, _ := pe.Details["issues"].([]runfile.Issue)
	return issues
}

// ValidateRunfile checks the file on disk. Every issue is reported.
func (s *Store) ValidateRunfile(sess Session, name string, d runfile.Dialect) ([]runfile.Issue, error) {
	path, err := s.RunfilePath(sess, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFound("runfile", name).WithDetail("path", path)
	}
	if err != nil {
		return nil, errors.IOError("read", path, err)
	}
	return runfile.Validate(data, d), nil
}

// AddRunfile creates an empty runfile. It never overwrites.
func (s *Store) AddRunfile(sess Session, name string) (string, error) {
	if err := requireWritable(sess); err != nil {
		return "", err
	}
	path, err := s.RunfilePath(sess, name)
	if err != nil {
		return "", err
	}

	unlock := s.locks.Lock(sess.PID)
	defer unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return "", errors.AlreadyExists("runfile", path)
	}
	if err != nil {
		return "", errors.IOError("create", path, err)
	}
	if err := f.Close(); err != nil {
		return "", errors.IOError("create", path, err)
	}
	s.logger.WithField("path", path).Info("Added runfile")
	return path, nil
}

// CloneRunfile copies a runfile to a new name in the same session. Sidecars
// are not copied.
func (s *Store) CloneRunfile(sess Session, name, newName string) (string, error) {
	if err := requireWritable(sess); err != nil {
		return "", err
	}
	src, err := s.RunfilePath(sess, name)
	if err != nil {
		return "", err
	}
	dst, err := s.RunfilePath(sess, newName)
	if err != nil {
		return "", err
	}

	unlock := s.locks.Lock(sess.PID)
	defer unlock()

	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return "", errors.NotFound("runfile", name).WithDetail("path", src)
	}
	if err != nil {
		return "", errors.IOError("stat", src, err)
	}
	if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
		if os.IsExist(err) {
			return "", errors.AlreadyExists("runfile", dst)
		}
		return "", errors.IOError("copy", dst, err)
	}
	s.logger.WithFields(logrus.Fields{"source": src, "path": dst}).Info("Cloned runfile")
	return dst, nil
}

// DeleteRunfile removes a runfile and its sidecars.
func (s *Store) DeleteRunfile(sess Session, name string) error {
	if err := requireWritable(sess); err != nil {
		return err
	}
	path, err := s.RunfilePath(sess, name)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(sess.PID)
	defer unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound("runfile", name).WithDetail("path", path)
		}
		return errors.IOError("remove", path, err)
	}
	for _, suffix := range []string{JobIDSuffix, JobIDSuffix + NotifiedSuffix, NotesSuffix} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return errors.IOError("remove", path+suffix, err)
		}
	}
	s.logger.WithField("path", path).Info("Deleted runfile")
	return nil
}

// editRows applies fn to the runfile's rows under the PID lock and writes the
// result back.
// EditOption adjusts a row edit.
type EditOption func(*editConfig)

type editConfig struct {
	dialect runfile.Dialect
}

// ValidateAs refuses an edit whose result has error-level issues in d.
func ValidateAs(d runfile.Dialect) EditOption {
	return func(c *editConfig) { c.dialect = d }
}

func (s *Store) editRows(sess Session, name string, fn func([]runfile.Row) ([]runfile.Row, error), opts ...EditOption) ([]runfile.Row, error) {
	var cfg editConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := requireWritable(sess); err != nil {
		return nil, err
	}
	path, err := s.RunfilePath(sess, name)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(sess.PID)
	defer unlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFound("runfile", name).WithDetail("path", path)
	}
	if err != nil {
		return nil, errors.IOError("read", path, err)
	}
	rows, err := fn(runfile.Parse(data))
	if err != nil {
		return nil, err
	}
	if cfg.dialect != "" {
		if err := validationError(runfile.ValidateRows(rows, cfg.dialect)); err != nil {
			return nil, err.WithDetail("path", path)
		}
	}
	out, err := runfile.Serialize(rows)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalid, "cannot serialize runfile").WithDetail("path", path)
	}
	if err := s.writeLocked(path, out); err != nil {
		return nil, err
	}
	return runfile.Parse(out), nil
}

func checkIndices(rows []runfile.Row, indices []int) (map[int]bool, error) {
	if len(indices) == 0 {
		return nil, errors.Invalid("no rows selected")
	}
	set := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(rows) {
			return nil, errors.Invalid(fmt.Sprintf("row %d out of range (runfile has %d rows)", i, len(rows)))
		}
		set[i] = true
	}
	return set, nil
}

// DeleteRows removes the rows at the given 0-based indices.
func (s *Store) DeleteRows(sess Session, name string, indices []int, opts ...EditOption) ([]runfile.Row, error) {
	return s.editRows(sess, name, func(rows []runfile.Row) ([]runfile.Row, error) {
		drop, err := checkIndices(rows, indices)
		if err != nil {
			return nil, err
		}
		kept := make([]runfile.Row, 0, len(rows))
		for i, r := range rows {
			if !drop[i] {
				kept = append(kept, r)
			}
		}
		return kept, nil
	}, opts...)
}

// CloneRows appends copies of the selected rows, in file order.
func (s *Store) CloneRows(sess Session, name string, indices []int, opts ...EditOption) ([]runfile.Row, error) {
	return s.editRows(sess, name, func(rows []runfile.Row) ([]runfile.Row, error) {
		sel, err := checkIndices(rows, indices)
		if err != nil {
			return nil, err
		}
		order := make([]int, 0, len(sel))
		for i := range sel {
			order = append(order, i)
		}
		sort.Ints(order)
		for _, i := range order {
			rows = append(rows, rows[i].Clone())
		}
		return rows, nil
	}, opts...)
}

// UpdateColumn sets key to value on the selected rows. An empty value removes
// the key from those rows.
func (s *Store) UpdateColumn(sess Session, name string, indices []int, key, value string, opts ...EditOption) ([]runfile.Row, error) {
	if key == "" || strings.ContainsAny(key, "= \t") {
		return nil, errors.Invalid(fmt.Sprintf("invalid parameter name %q", key))
	}
	return s.editRows(sess, name, func(rows []runfile.Row) ([]runfile.Row, error) {
		sel, err := checkIndices(rows, indices)
		if err != nil {
			return nil, err
		}
		for i := range sel {
			if rows[i].IsError() {
				return nil, errors.Invalid(fmt.Sprintf("row %d does not parse and cannot be edited", i))
			}
			if strings.TrimSpace(value) == "" {
				rows[i].Delete(key)
			} else {
				rows[i].Set(key, value)
			}
		}
		return rows, nil
	}, opts...)
}

// ReadNotes returns the free-text notes kept beside a runfile, or "" when
// there are none.
func (s *Store) ReadNotes(sess Session, name string) (string, error) {
	path, err := s.RunfilePath(sess, name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path + NotesSuffix)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.IOError("read", path+NotesSuffix, err)
	}
	return string(data), nil
}

// WriteNotes replaces the notes of an existing runfile.
func (s *Store) WriteNotes(sess Session, name, notes string) error {
	if err := requireWritable(sess); err != nil {
		return err
	}
	path, err := s.RunfilePath(sess, name)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(sess.PID)
	defer unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return errors.NotFound("runfile", name).WithDetail("path", path)
	}
	if err := writeFileAtomic(path+NotesSuffix, []byte(notes), 0o644); err != nil {
		return errors.IOError("write", path+NotesSuffix, err)
	}
	return nil
}
