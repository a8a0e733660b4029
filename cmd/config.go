package cmd

import (
	"fmt"

	"github.com/lmtoy/pipeline-web/cli"
	"github.com/lmtoy/pipeline-web/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd returns the configuration inspection commands.
func NewConfigCmd() *cobra.Command {
	cmd := cli.NewStandardCommand("config", "Inspect the pipeweb configuration")

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.SMTP.Password != "" {
				cfg.SMTP.Password = "********"
			}
			if cli.GetOptions(cmd).JSONOutput {
				return printJSON(cmd, cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.GenerateSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	return cmd
}
