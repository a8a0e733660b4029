package config

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/lmtoy/pipeline-web/logging"
)

// Instrument dialects recognized for per-project settings.
const (
	InstrumentBroadband = "broadband"
	InstrumentMapping   = "mapping"
)

// Config is the immutable settings record read once at startup.
type Config struct {
	Path           PathConfig               `yaml:"path" toml:"path" json:"path" jsonschema:"required,description=Workspace locations"`
	SSH            SSHConfig                `yaml:"ssh" toml:"ssh" json:"ssh" jsonschema:"description=Remote dispatch target"`
	PipelineUser   PipelineUserConfig       `yaml:"pipeline_user" toml:"pipeline_user" json:"pipeline_user" jsonschema:"description=Service account exported as WORK_LMT_USER"`
	GitHub         GitHubConfig             `yaml:"github" toml:"github" json:"github" jsonschema:"description=Upstream repository discovery"`
	Session        SessionConfig            `yaml:"session" toml:"session" json:"session"`
	Authentication AuthenticationConfig     `yaml:"authentication" toml:"authentication" json:"authentication"`
	Dispatch       DispatchConfig           `yaml:"dispatch" toml:"dispatch" json:"dispatch"`
	Timeouts       TimeoutConfig            `yaml:"timeouts" toml:"timeouts" json:"timeouts"`
	Monitor        MonitorConfig            `yaml:"monitor" toml:"monitor" json:"monitor"`
	SMTP           SMTPConfig               `yaml:"smtp" toml:"smtp" json:"smtp"`
	Server         ServerConfig             `yaml:"server" toml:"server" json:"server"`
	Logging        logging.Config           `yaml:"logging" toml:"logging" json:"logging"`
	Fleet          FleetConfig              `yaml:"fleet" toml:"fleet" json:"fleet"`
	Projects       map[string]ProjectConfig `yaml:"projects,omitempty" toml:"projects,omitempty" json:"projects,omitempty" validate:"dive,keys,pid,endkeys" jsonschema:"description=Per-project contact and instrument settings"`
}

// PathConfig locates the workspace.
type PathConfig struct {
	// WorkLMT is the root of the workspace holding lmtoy_run and per-PID session trees.
	WorkLMT string `yaml:"work_lmt" toml:"work_lmt" json:"work_lmt" validate:"required" jsonschema:"required"`
	// Prefix is the URL mount used by the web front end.
	Prefix string `yaml:"prefix,omitempty" toml:"prefix,omitempty" json:"prefix,omitempty"`
	// PythonPath is the interpreter used to run each project's mk_runs.py.
	PythonPath string `yaml:"python_path,omitempty" toml:"python_path,omitempty" json:"python_path,omitempty"`
	// BinDir is searched before PATH for python and git.
	BinDir string `yaml:"bin_dir,omitempty" toml:"bin_dir,omitempty" json:"bin_dir,omitempty"`
}

// SSHConfig describes the compute host.
type SSHConfig struct {
	Hostname   string `yaml:"hostname" toml:"hostname" json:"hostname"`
	Username   string `yaml:"username" toml:"username" json:"username"`
	Port       int    `yaml:"port,omitempty" toml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	KeyFile    string `yaml:"key_file,omitempty" toml:"key_file,omitempty" json:"key_file,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty" toml:"known_hosts,omitempty" json:"known_hosts,omitempty"`
	// InsecureIgnoreHostKey disables host key checking when no known_hosts file is available.
	InsecureIgnoreHostKey bool `yaml:"insecure_ignore_host_key,omitempty" toml:"insecure_ignore_host_key,omitempty" json:"insecure_ignore_host_key,omitempty"`
}

// PipelineUserConfig names the account the remote scripts run jobs for.
type PipelineUserConfig struct {
	Username string `yaml:"username" toml:"username" json:"username"`
}

// GitHubConfig configures repository discovery and clone URLs.
type GitHubConfig struct {
	APIURL     string `yaml:"api_url,omitempty" toml:"api_url,omitempty" json:"api_url,omitempty" validate:"omitempty,url"`
	RepoPrefix string `yaml:"repo_prefix" toml:"repo_prefix" json:"repo_prefix"`
	// BaseURL is prepended to a repository name to form its clone URL.
	BaseURL string `yaml:"base_url,omitempty" toml:"base_url,omitempty" json:"base_url,omitempty"`
}

// SessionConfig names the default session.
type SessionConfig struct {
	InitSession string `yaml:"init_session" toml:"init_session" json:"init_session"`
}

// AuthenticationConfig locates the project credentials table.
type AuthenticationConfig struct {
	CSVPath string `yaml:"csv_path,omitempty" toml:"csv_path,omitempty" json:"csv_path,omitempty"`
	CSVFile string `yaml:"csv_file,omitempty" toml:"csv_file,omitempty" json:"csv_file,omitempty"`
}

// DispatchConfig names the remote scripts, relative to the remote work directory.
type DispatchConfig struct {
	DispatchScript string `yaml:"dispatch_script" toml:"dispatch_script" json:"dispatch_script"`
	MkRunsScript   string `yaml:"mk_runs_script" toml:"mk_runs_script" json:"mk_runs_script"`
	SummaryScript  string `yaml:"summary_script" toml:"summary_script" json:"summary_script"`
	ResultBaseURL  string `yaml:"result_base_url" toml:"result_base_url" json:"result_base_url" validate:"omitempty,url"`
	// AckWait is how long a launch watches the detached dispatch script
	// for early failure before acknowledging. Whole seconds.
	AckWait time.Duration `yaml:"ack_wait" toml:"ack_wait" json:"ack_wait" validate:"gte=0"`
}

// TimeoutConfig holds the deadlines for child processes and remote commands.
type TimeoutConfig struct {
	Git       time.Duration `yaml:"git" toml:"git" json:"git"`
	Generator time.Duration `yaml:"generator" toml:"generator" json:"generator"`
	Scheduler time.Duration `yaml:"scheduler" toml:"scheduler" json:"scheduler"`
	Remote    time.Duration `yaml:"remote" toml:"remote" json:"remote"`
}

// MonitorConfig configures the completion monitor.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval" toml:"interval" json:"interval"`
	// QueryRate bounds scheduler queries per second across the process.
	QueryRate float64 `yaml:"query_rate" toml:"query_rate" json:"query_rate" validate:"gte=0"`
}

// SMTPConfig configures notification delivery.
type SMTPConfig struct {
	Host     string `yaml:"host,omitempty" toml:"host,omitempty" json:"host,omitempty"`
	Port     int    `yaml:"port,omitempty" toml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username string `yaml:"username,omitempty" toml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" toml:"password,omitempty" json:"password,omitempty"`
	From     string `yaml:"from,omitempty" toml:"from,omitempty" json:"from,omitempty" validate:"omitempty,email"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen" toml:"listen" json:"listen" validate:"omitempty,hostname_port"`
}

// FleetConfig configures repository synchronization.
type FleetConfig struct {
	// MetaRepo is the directory name of the meta-repository under work_lmt.
	MetaRepo string `yaml:"meta_repo" toml:"meta_repo" json:"meta_repo"`
	// Exclude lists extra glob patterns of repository names to skip.
	Exclude []string `yaml:"exclude,omitempty" toml:"exclude,omitempty" json:"exclude,omitempty"`
}

// ProjectConfig holds per-PID settings.
type ProjectConfig struct {
	Email      []string `yaml:"email,omitempty" toml:"email,omitempty" json:"email,omitempty" mapstructure:"email" validate:"dive,email"`
	Instrument string   `yaml:"instrument,omitempty" toml:"instrument,omitempty" json:"instrument,omitempty" mapstructure:"instrument" validate:"omitempty,oneof=broadband mapping" jsonschema:"enum=broadband,enum=mapping"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.GitHub.RepoPrefix == "" {
		c.GitHub.RepoPrefix = "lmtoy_"
	}
	if c.GitHub.BaseURL == "" {
		c.GitHub.BaseURL = "https://github.com/lmtoy"
	}
	if c.Session.InitSession == "" {
		c.Session.InitSession = "session-0"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.PipelineUser.Username == "" {
		c.PipelineUser.Username = "lmtslr_umass_edu"
	}
	if c.Path.PythonPath == "" {
		c.Path.PythonPath = "python3"
	}
	if c.Dispatch.DispatchScript == "" {
		c.Dispatch.DispatchScript = "lmtoy_dispatch/lmtoy_dispatch_session.sh"
	}
	if c.Dispatch.MkRunsScript == "" {
		c.Dispatch.MkRunsScript = "lmtoy_dispatch/lmtoy_mk_runs.sh"
	}
	if c.Dispatch.SummaryScript == "" {
		c.Dispatch.SummaryScript = "lmtoy_dispatch/lmtoy_make_summary.sh"
	}
	if c.Dispatch.ResultBaseURL == "" {
		c.Dispatch.ResultBaseURL = "http://taps.lmtgtm.org"
	}
	if c.Dispatch.AckWait == 0 {
		c.Dispatch.AckWait = 2 * time.Second
	}
	if c.Timeouts.Git == 0 {
		c.Timeouts.Git = 30 * time.Second
	}
	if c.Timeouts.Generator == 0 {
		c.Timeouts.Generator = 60 * time.Second
	}
	if c.Timeouts.Scheduler == 0 {
		c.Timeouts.Scheduler = 15 * time.Second
	}
	if c.Timeouts.Remote == 0 {
		c.Timeouts.Remote = 60 * time.Second
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = 30 * time.Second
	}
	if c.Monitor.QueryRate == 0 {
		c.Monitor.QueryRate = 2
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 25
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Fleet.MetaRepo == "" {
		c.Fleet.MetaRepo = "lmtoy_run"
	}
	if c.Projects == nil {
		c.Projects = make(map[string]ProjectConfig)
	}
}

// MetaRepoDir is <work>/lmtoy_run.
func (c *Config) MetaRepoDir() string {
	return filepath.Join(c.Path.WorkLMT, c.Fleet.MetaRepo)
}

// RepoName is <prefix><PID>.
func (c *Config) RepoName(pid string) string {
	return c.GitHub.RepoPrefix + pid
}

// Project returns the settings for pid and whether any were configured.
func (c *Config) Project(pid string) (ProjectConfig, bool) {
	p, ok := c.Projects[pid]
	return p, ok
}

// ProjectIDs returns the configured PIDs in sorted order.
func (c *Config) ProjectIDs() []string {
	ids := make([]string, 0, len(c.Projects))
	for id := range c.Projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
