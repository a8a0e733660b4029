package main

import (
	"context"
	"os"

	"github.com/lmtoy/pipeline-web/cli"
	"github.com/lmtoy/pipeline-web/cmd"
	"github.com/lmtoy/pipeline-web/version"
)

func main() {
	rootCmd := cli.NewStandardCommand(
		"pipeweb",
		"Runfile editing, job dispatch and repository sync for the LMT pipeline",
	)
	cli.SetVersionTemplate(rootCmd, version.GetInfo())

	rootCmd.AddCommand(cli.NewVersionCommand("pipeweb"))
	rootCmd.AddCommand(cmd.NewServeCmd())
	rootCmd.AddCommand(cmd.NewSessionCmd())
	rootCmd.AddCommand(cmd.NewRunfileCmd())
	rootCmd.AddCommand(cmd.NewSourcesCmd())
	rootCmd.AddCommand(cmd.NewDispatchCmd())
	rootCmd.AddCommand(cmd.NewJobsCmd())
	rootCmd.AddCommand(cmd.NewFleetCmd())
	rootCmd.AddCommand(cmd.NewConfigCmd())
	cli.ApplyStyledHelpRecursive(rootCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
		_ = cli.NewErrorHandler(verbose).Handle(err)
		os.Exit(1)
	}
}
