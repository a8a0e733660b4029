package cli

import (
	"os"

	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CommandOptions holds common options for pipeweb commands
type CommandOptions struct {
	ConfigFile string
	Verbose    bool
	JSONOutput bool
}

// NewStandardCommand creates a new command with standard pipeweb flags
func NewStandardCommand(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().StringP("config", "c", "", "Path to pipeweb.yml config file")

	SetStyledHelp(cmd)

	return cmd
}

// GetOptions extracts common options from a command
func GetOptions(cmd *cobra.Command) CommandOptions {
	configFile, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return CommandOptions{
		ConfigFile: configFile,
		Verbose:    verbose,
		JSONOutput: jsonOutput,
	}
}

// InitConfig resolves the configuration file path: the --config flag, then
// PIPEWEB_CONFIG, then the search FindConfigFile performs.
func InitConfig(configFile string) (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	if env := os.Getenv("PIPEWEB_CONFIG"); env != "" {
		return env, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return config.FindConfigFile(cwd)
}

// LoadConfig loads the configuration named by the command's flags and
// installs its logging section. --verbose forces debug level.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	opts := GetOptions(cmd)
	path, err := InitConfig(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	if opts.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	cfg, err := config.LoadWithLogger(path, logger)
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	logging.Configure(cfg.Logging)
	return cfg, nil
}
