// Package projects holds the per-PID attributes the engine needs: API
// tokens, notification addresses and instrument. Credentials come from the
// authentication CSV; contact settings come from the config file.
package projects

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/sirupsen/logrus"
)

// Project is one registered PID.
type Project struct {
	PID        string    `json:"pid"`
	Admin      bool      `json:"admin"`
	Emails     []string  `json:"email,omitempty"`
	Instrument string    `json:"instrument,omitempty"`
	Expiration time.Time `json:"expiration,omitempty"`

	passwordHash string
	apiToken     string
}

// Expired reports whether the project's credentials lapsed before now.
func (p *Project) Expired(now time.Time) bool {
	return !p.Expiration.IsZero() && now.After(p.Expiration)
}

// Registry is the in-memory project table. It is safe for concurrent use and
// can be reloaded while serving.
type Registry struct {
	csvPath  string
	settings map[string]config.ProjectConfig

	mu       sync.RWMutex
	projects map[string]*Project

	logger *logrus.Entry
}

// CSVPath joins authentication.csv_path and authentication.csv_file.
func CSVPath(cfg *config.Config) string {
	if cfg.Authentication.CSVFile == "" {
		return ""
	}
	return filepath.Join(cfg.Authentication.CSVPath, cfg.Authentication.CSVFile)
}

// Load builds a registry from cfg. A missing CSV leaves only the projects
// named in the config file, with no credentials.
func Load(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		csvPath:  CSVPath(cfg),
		settings: cfg.Projects,
		logger:   logging.NewLogger("projects"),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the CSV. On error the previous table stays in place.
func (r *Registry) Reload() error {
	projects := make(map[string]*Project)
	if r.csvPath != "" {
		f, err := os.Open(r.csvPath)
		switch {
		case os.IsNotExist(err):
			r.logger.WithField("path", r.csvPath).Warn("Authentication CSV not found")
		case err != nil:
			return errors.IOError("open", r.csvPath, err)
		default:
			parsed, perr := ParseCSV(f)
			f.Close()
			if perr != nil {
				return errors.Wrap(perr, errors.ErrCodeInvalid, "parsing "+r.csvPath)
			}
			for _, p := range parsed {
				projects[p.PID] = p
			}
		}
	}

	for pid, s := range r.settings {
		p, ok := projects[pid]
		if !ok {
			p = &Project{PID: pid}
			projects[pid] = p
		}
		p.Emails = append([]string(nil), s.Email...)
		p.Instrument = s.Instrument
	}

	r.mu.Lock()
	r.projects = projects
	r.mu.Unlock()
	r.logger.WithField("projects", len(projects)).Info("Loaded project registry")
	return nil
}

// ParseCSV reads `username,password,api_token,expiration[,admin]` rows. The
// header row is required; columns may appear in any order.
func ParseCSV(rd io.Reader) ([]*Project, error) {
	cr := csv.NewReader(rd)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["username"]; !ok {
		return nil, errors.Invalid("authentication CSV has no username column")
	}
	field := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var out []*Project
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		pid := field(rec, "username")
		if pid == "" {
			continue
		}
		p := &Project{
			PID:          pid,
			passwordHash: field(rec, "password"),
			apiToken:     field(rec, "api_token"),
		}
		if exp := field(rec, "expiration"); exp != "" {
			t, err := parseExpiration(exp)
			if err != nil {
				return nil, errors.Invalid("bad expiration for " + pid + ": " + exp)
			}
			p.Expiration = t
		}
		if admin := field(rec, "admin"); admin != "" {
			p.Admin, _ = strconv.ParseBool(admin)
		}
		out = append(out, p)
	}
	return out, nil
}

func parseExpiration(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			if layout == "2006-01-02" {
				// A bare date is valid through the end of that day.
				t = t.Add(24*time.Hour - time.Nanosecond)
			}
			return t, nil
		}
	}
	return time.Time{}, errors.Invalid("unrecognized time " + s)
}

// Get returns a copy of the project.
func (r *Registry) Get(pid string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[pid]
	if !ok {
		return Project{}, false
	}
	return *p, true
}

// PIDs lists the registered projects in sorted order.
func (r *Registry) PIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.projects))
	for id := range r.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Emails returns the notification addresses of pid.
func (r *Registry) Emails(pid string) []string {
	p, ok := r.Get(pid)
	if !ok {
		return nil
	}
	return p.Emails
}

// AuthenticateToken resolves an API token to its project.
func (r *Registry) AuthenticateToken(token string, now time.Time) (Project, error) {
	if token == "" {
		return Project{}, errors.New(errors.ErrCodePermissionDenied, "missing API token")
	}
	want := sha256.Sum256([]byte(token))

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.apiToken == "" {
			continue
		}
		have := sha256.Sum256([]byte(p.apiToken))
		if subtle.ConstantTimeCompare(want[:], have[:]) == 1 {
			if p.Expired(now) {
				return Project{}, errors.New(errors.ErrCodePermissionDenied, "API token expired").WithDetail("pid", p.PID)
			}
			return *p, nil
		}
	}
	return Project{}, errors.New(errors.ErrCodePermissionDenied, "invalid API token")
}

// Authenticate checks a PID's password.
func (r *Registry) Authenticate(pid, password string, now time.Time) (Project, error) {
	r.mu.RLock()
	p, ok := r.projects[pid]
	r.mu.RUnlock()
	if !ok || p.passwordHash == "" || !CheckPassword(p.passwordHash, password) {
		return Project{}, errors.New(errors.ErrCodePermissionDenied, "invalid project id or password")
	}
	if p.Expired(now) {
		return Project{}, errors.New(errors.ErrCodePermissionDenied, "project access expired").WithDetail("pid", pid)
	}
	return *p, nil
}
