package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/lmtoy/pipeline-web/logging"
	"github.com/spf13/cobra"
)

// printJSON writes v indented to the command's stdout.
func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func pretty(cmd *cobra.Command) *logging.PrettyLogger {
	return logging.NewPrettyLogger().WithWriter(cmd.OutOrStdout())
}
