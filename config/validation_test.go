package config

import (
	"testing"

	"github.com/lmtoy/pipeline-web/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{Path: PathConfig{WorkLMT: "/work/lmt"}}
	cfg.SetDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"missing work_lmt", func(c *Config) { c.Path.WorkLMT = "" }, false},
		{"bad instrument", func(c *Config) {
			c.Projects["2024-S1-1"] = ProjectConfig{Instrument: "bolometer"}
		}, false},
		{"bad pid key", func(c *Config) {
			c.Projects["2024 S1"] = ProjectConfig{Instrument: InstrumentMapping}
		}, false},
		{"bad email", func(c *Config) {
			c.Projects["2024-S1-1"] = ProjectConfig{Email: []string{"not-an-address"}}
		}, false},
		{"ssh host without user", func(c *Config) { c.SSH.Hostname = "unity" }, false},
		{"init session with slash", func(c *Config) { c.Session.InitSession = "a/b" }, false},
		{"port out of range", func(c *Config) { c.SSH.Port = 70000 }, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, false},
		{"listen address", func(c *Config) { c.Server.Listen = "0.0.0.0:9000" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation))
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Path.WorkLMT = ""
	cfg.SSH.Hostname = "unity"

	err := cfg.Validate()
	require.Error(t, err)

	var pe *errors.PipelineError
	require.True(t, errors.As(err, &pe))
	problems, ok := pe.Details["problems"].([]string)
	require.True(t, ok)
	assert.Len(t, problems, 2)
}
