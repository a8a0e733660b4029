package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	mu      sync.Mutex
	loggers = make(map[string]*logrus.Entry)
	files   = make(map[string]*os.File)
	current Config
)

// Configure installs the logging section of the config file and reapplies it
// to every logger handed out so far.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	current = cfg
	for _, entry := range loggers {
		apply(entry.Logger, cfg)
	}
}

// NewLogger returns the logger for component, creating it on first use.
// Every entry carries a "component" field.
func NewLogger(component string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()

	if entry, ok := loggers[component]; ok {
		return entry
	}
	logger := logrus.New()
	apply(logger, current)
	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}

func apply(logger *logrus.Logger, cfg Config) {
	logger.SetLevel(resolveLevel(cfg))
	logger.SetReportCaller(cfg.ReportCaller || os.Getenv("PIPEWEB_LOG_CALLER") == "true")
	logger.SetFormatter(formatterFor(cfg.Format))

	var sinks []io.Writer
	if cfg.File.Enabled && cfg.File.Path != "" {
		if f, err := openLogFile(expandPath(cfg.File.Path)); err != nil {
			logger.WithError(err).Warn("Log file unavailable, logging to stderr")
		} else {
			sinks = append(sinks, f)
		}
	}
	if wantConsole(cfg.Format.Stderr, len(sinks) > 0, logger.GetLevel()) {
		sinks = append(sinks, GetGlobalOutput())
	}

	switch len(sinks) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(sinks[0])
	default:
		logger.SetOutput(io.MultiWriter(sinks...))
	}
}

// resolveLevel prefers PIPEWEB_LOG_LEVEL over the config and falls back to info.
func resolveLevel(cfg Config) logrus.Level {
	name := cfg.Level
	if env := os.Getenv("PIPEWEB_LOG_LEVEL"); env != "" {
		name = env
	}
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func formatterFor(format FormatConfig) logrus.Formatter {
	switch format.Preset {
	case "json":
		return &logrus.JSONFormatter{}
	case "simple":
		return &TextFormatter{Config: FormatConfig{DisableTimestamp: true, DisableComponent: true}}
	default:
		return &TextFormatter{Config: format}
	}
}

// wantConsole decides whether stderr is a sink. In "auto" mode an interactive
// terminal is left to the pretty output unless there is no file sink or the
// level is debug or finer.
func wantConsole(mode string, haveFile bool, level logrus.Level) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	fd := os.Stderr.Fd()
	interactive := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return !haveFile || !interactive || level >= logrus.DebugLevel
}

// openLogFile opens path for appending, once per process.
func openLogFile(path string) (*os.File, error) {
	if f, ok := files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	files[path] = f
	return f, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
