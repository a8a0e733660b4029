package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/lmtoy/pipeline-web/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Format is the on-disk encoding of a configuration file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// configNames are searched, in order, in each directory by FindConfigFile.
var configNames = []string{
	"pipeweb.yml",
	"pipeweb.yaml",
	"pipeweb.toml",
	".pipeweb.yml",
	".pipeweb.yaml",
}

// FormatFor picks the decoder from the file extension. Anything that is not
// .toml is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	return LoadWithLogger(path, logrus.New())
}

// LoadWithLogger reads, decodes, defaults and validates the file at path.
func LoadWithLogger(path string, logger *logrus.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}

	logger.WithField("path", path).Debug("Loading configuration")
	cfg, err := LoadFromBytes(data, FormatFor(path))
	if err != nil {
		var pe *errors.PipelineError
		if errors.As(err, &pe) {
			return nil, pe.WithDetail("path", path)
		}
		return nil, err
	}

	if logger.IsLevelEnabled(logrus.DebugLevel) {
		if out, err := yaml.Marshal(cfg); err == nil {
			logger.Debugf("Effective configuration:\n%s", string(out))
		}
	}
	return cfg, nil
}

// LoadDefault loads the file named by PIPEWEB_CONFIG, or the first file
// FindConfigFile locates from the working directory.
func LoadDefault() (*Config, error) {
	if path := os.Getenv("PIPEWEB_CONFIG"); path != "" {
		return Load(path)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to get current directory")
	}
	path, err := FindConfigFile(cwd)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// LoadFromBytes parses configuration from a byte array
func LoadFromBytes(data []byte, format Format) (*Config, error) {
	raw, err := decodeRaw([]byte(expandEnvVars(string(data))), format)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse "+string(format)+" configuration")
	}

	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to decode configuration")
	}

	cfg.SetDefaults()

	validator, err := NewSchemaValidator()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to create validator")
	}
	if err := validator.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigValidation, "schema validation failed")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeRaw(data []byte, format Format) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	if len(bytes.TrimSpace(data)) == 0 {
		return raw, nil
	}
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// decodeConfig maps the generic document onto Config. Top-level keys that
// match no section and hold a mapping are read as legacy per-project
// sections, e.g. `2024-S1-MX-3: {email: ..., instrument: ...}`.
func decodeConfig(raw map[string]interface{}) (*Config, error) {
	cfg := &Config{}
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		Metadata:         &md,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, err
	}

	for _, key := range md.Unused {
		if strings.Contains(key, ".") || strings.Contains(key, "[") {
			continue
		}
		section, ok := raw[key].(map[string]interface{})
		if !ok {
			continue
		}
		var project ProjectConfig
		if err := decodeProject(section, &project); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid project section").WithDetail("pid", key)
		}
		if cfg.Projects == nil {
			cfg.Projects = make(map[string]ProjectConfig)
		}
		if _, exists := cfg.Projects[key]; !exists {
			cfg.Projects[key] = project
		}
	}
	return cfg, nil
}

// secondsToDurationHook reads bare numbers as seconds for duration fields.
func secondsToDurationHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case uint64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

func decodeProject(section map[string]interface{}, target *ProjectConfig) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(section)
}

// FindConfigFile searches for a configuration file with the following precedence:
// 1. Current directory up to filesystem root
// 2. XDG config directory (~/.config/pipeweb/pipeweb.yml)
func FindConfigFile(startDir string) (string, error) {
	dir := startDir
	for {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if xdgConfigPath := getXDGConfigPath(); xdgConfigPath != "" {
		if info, err := os.Stat(xdgConfigPath); err == nil && !info.IsDir() {
			return xdgConfigPath, nil
		}
	}

	return "", errors.ConfigNotFound(startDir).WithDetail("searchPath", startDir)
}

// expandEnvVars replaces ${VAR} with environment variable values
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := envVarRegex.FindStringSubmatch(match)[1]

		// Handle default values: ${VAR:-default}
		varName, defaultValue, _ := strings.Cut(varName, ":-")

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// getXDGConfigPath returns the XDG config path for pipeweb
func getXDGConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pipeweb", "pipeweb.yml")
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config", "pipeweb", "pipeweb.yml")
	}

	return ""
}
