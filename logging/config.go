package logging

// Config defines the `logging` section of the pipeweb configuration file.
type Config struct {
	// Level is the minimum log level to output (e.g., "debug", "info", "warn", "error").
	// Can be overridden by the PIPEWEB_LOG_LEVEL environment variable.
	Level string `yaml:"level" toml:"level" json:"level,omitempty" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`

	// ReportCaller, if true, includes the file, line, and function name in the log output.
	// Can be enabled with the PIPEWEB_LOG_CALLER=true environment variable.
	ReportCaller bool `yaml:"report_caller" toml:"report_caller" json:"report_caller,omitempty"`

	// File configures logging to a file.
	File FileSinkConfig `yaml:"file" toml:"file" json:"file,omitempty"`

	// Format configures the appearance of the log output.
	Format FormatConfig `yaml:"format" toml:"format" json:"format,omitempty"`
}

// FileSinkConfig configures the file logging sink.
type FileSinkConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled" json:"enabled,omitempty"`
	// Path is the full path to the log file.
	Path string `yaml:"path" toml:"path" json:"path,omitempty"`
}

// FormatConfig controls the log output format.
type FormatConfig struct {
	// Preset can be "default" (rich text), "simple" (minimal text), or "json".
	Preset string `yaml:"preset" toml:"preset" json:"preset,omitempty" validate:"omitempty,oneof=default simple json"`
	// DisableTimestamp disables the timestamp from the "default" and "simple" formats.
	DisableTimestamp bool `yaml:"disable_timestamp" toml:"disable_timestamp" json:"disable_timestamp,omitempty"`
	// DisableComponent disables the component name from the "default" and "simple" formats.
	DisableComponent bool `yaml:"disable_component" toml:"disable_component" json:"disable_component,omitempty"`
	// Stderr controls when logs are sent to stderr: "auto" (default), "always", or "never".
	// In auto mode stderr is skipped only for an interactive terminal with a file sink.
	Stderr string `yaml:"stderr" toml:"stderr" json:"stderr,omitempty" validate:"omitempty,oneof=auto always never"`
}
