package cmd

import (
	"fmt"
	"sort"

	"github.com/lmtoy/pipeline-web/cli"
	"github.com/lmtoy/pipeline-web/pkg/fleet"
	"github.com/spf13/cobra"
)

// NewFleetCmd returns the repository fleet commands.
func NewFleetCmd() *cobra.Command {
	cmd := cli.NewStandardCommand("fleet", "Discover and synchronize the project repositories")
	cmd.AddCommand(newFleetReposCmd(), newFleetStatusCmd(), newFleetReconcileCmd(), newFleetRemoteCmd())
	return cmd
}

func newFleetReposCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repos",
		Short: "List the repositories named by the meta-repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			byYear, err := a.fleet.Discover(cmd.Context())
			if err != nil {
				return err
			}
			if !a.pretty {
				return printJSON(cmd, byYear)
			}
			years := make([]string, 0, len(byYear))
			for y := range byYear {
				years = append(years, y)
			}
			sort.Strings(years)
			p := pretty(cmd)
			for _, y := range years {
				p.Field(y, len(byYear[y]))
				for _, name := range byYear[y] {
					fmt.Fprintln(cmd.OutOrStdout(), "  "+name)
				}
			}
			return nil
		},
	}
}

func newFleetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [repo]",
		Short: "Compare local repositories with their upstream",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			var repos []fleet.RepoStatus
			var summary *fleet.Summary
			if len(args) == 1 {
				repos = []fleet.RepoStatus{a.fleet.Status(cmd.Context(), args[0])}
			} else {
				if summary, err = a.fleet.Summary(cmd.Context()); err != nil {
					return err
				}
				repos = summary.Repos
			}
			if !a.pretty {
				if summary != nil {
					return printJSON(cmd, summary)
				}
				return printJSON(cmd, repos[0])
			}
			p := pretty(cmd)
			for _, r := range repos {
				p.Status(r.Name, string(r.State), r.Detail, r.State == fleet.StateUpToDate)
			}
			if summary != nil {
				fmt.Fprintln(cmd.OutOrStdout())
				p.Field("total", summary.Total)
				p.Field("up to date", summary.UpToDate)
				p.Field("needs update", summary.NeedsUpdate)
				p.Field("not tracked", summary.NotTracked)
				p.Field("errors", summary.Errors)
			}
			return nil
		},
	}
}

func newFleetReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [repo]",
		Short: "Clone missing repositories and fast-forward stale ones",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			results := map[string]fleet.Result{}
			if len(args) == 1 {
				results[args[0]] = a.fleet.ReconcileOne(cmd.Context(), args[0])
			} else if results, err = a.fleet.ReconcileFleet(cmd.Context()); err != nil {
				return err
			}
			if !a.pretty {
				return printJSON(cmd, results)
			}
			names := make([]string, 0, len(results))
			for n := range results {
				names = append(names, n)
			}
			sort.Strings(names)
			failed := 0
			p := pretty(cmd)
			for _, n := range names {
				r := results[n]
				if !r.OK {
					failed++
				}
				p.Status(n, string(r.Outcome), r.Message, r.OK)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d repositories failed to reconcile", failed, len(results))
			}
			return nil
		},
	}
}

func newFleetRemoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remote",
		Short: "List the project repositories published upstream",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			names, err := a.fleet.ListRemote(cmd.Context())
			if err != nil {
				return err
			}
			if !a.pretty {
				return printJSON(cmd, names)
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}
