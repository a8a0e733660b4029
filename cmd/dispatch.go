package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmtoy/pipeline-web/cli"
	"github.com/lmtoy/pipeline-web/pkg/dispatch"
	"github.com/spf13/cobra"
)

// NewDispatchCmd returns the command that submits a runfile to the compute host.
func NewDispatchCmd() *cobra.Command {
	cmd := cli.NewStandardCommand("dispatch <pid> <runfile>", "Submit a runfile to the compute host")
	cmd.Args = cobra.ExactArgs(2)
	cmd.Flags().StringP("session", "s", "", "Session name (default: the init session)")
	cmd.Example = `# Submit the first stage of the default session
pipeweb dispatch 2024-S1-MX-3 2024-S1-MX-3.run1a
# Submit from a cloned session
pipeweb dispatch 2024-S1-MX-3 2024-S1-MX-3.run1b -s Session-2`

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("session")
		sess, err := a.sessions.Session(args[0], name)
		if err != nil {
			return err
		}
		path, err := a.sessions.RunfilePath(sess, args[1])
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("runfile %s: %w", args[1], err)
		}
		session := ""
		if !sess.Default {
			session = sess.Tag
		}
		ack, err := a.dispatcher.Dispatch(cmd.Context(), sess.PID, path, session)
		if err != nil {
			return err
		}
		if !a.pretty {
			return printJSON(cmd, ack)
		}
		p := pretty(cmd)
		if ack.Accepted {
			p.Success("Submitted " + ack.Runfile)
		} else {
			p.Error("Submission of "+ack.Runfile+" failed", nil)
			for _, line := range ack.CriticalErrors {
				p.Block(line)
			}
		}
		p.Field("host", ack.Host)
		p.Field("exit code", ack.ExitCode)
		if ack.Log != "" {
			p.Field("log", ack.Log)
		}
		if ack.Stdout != "" {
			p.Block(ack.Stdout)
		}
		if !ack.Accepted {
			return fmt.Errorf("dispatch rejected")
		}
		return nil
	}

	cmd.AddCommand(newFollowCmd(), newGenerateCmd(), newSummaryCmd())
	return cmd
}

func newFollowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follow <pid> <runfile>",
		Short: "Print job IDs as the dispatch script records them",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("session")
			sess, err := a.sessions.Session(args[0], name)
			if err != nil {
				return err
			}
			path, err := a.sessions.RunfilePath(sess, args[1])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ids, err := dispatch.FollowSidecar(ctx, dispatch.SidecarPath(path))
			if err != nil {
				return err
			}
			for id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringP("session", "s", "", "Session name (default: the init session)")
	return cmd
}

func newGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <pid>",
		Short: "Create a project's default runfiles on the compute host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			res, err := a.dispatcher.GenerateRunfiles(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !a.pretty {
				return printJSON(cmd, res)
			}
			pretty(cmd).Success("Runfiles generated for " + args[0])
			pretty(cmd).Block(res.Stdout)
			return nil
		},
	}
}

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <pid> [session]",
		Short: "Rebuild the summary pages of a session",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			session := ""
			if len(args) == 2 {
				session = strings.TrimPrefix(args[1], "Session-")
			}
			res, err := a.dispatcher.MakeSummary(cmd.Context(), args[0], session)
			if err != nil {
				return err
			}
			url, err := a.dispatcher.ResultURL(args[0], session)
			if err != nil {
				return err
			}
			if !a.pretty {
				return printJSON(cmd, map[string]interface{}{"result": res, "url": url})
			}
			pretty(cmd).Success("Summary rebuilt")
			pretty(cmd).Field("results", url)
			return nil
		},
	}
}

// NewJobsCmd returns the scheduler queue commands.
func NewJobsCmd() *cobra.Command {
	cmd := cli.NewStandardCommand("jobs", "Query and cancel scheduler jobs")
	cmd.AddCommand(&cobra.Command{
		Use:   "status <pid> <runfile>",
		Short: "Show a runfile's state and its queued jobs",
		Args:  cobra.ExactArgs(2),
		RunE:  runJobStatus,
	}, &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel one scheduler job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			ok, msg := a.dispatcher.Cancel(cmd.Context(), args[0])
			if !ok {
				return fmt.Errorf("cancel %s: %s", args[0], msg)
			}
			pretty(cmd).Success(msg)
			return nil
		},
	})
	cmd.PersistentFlags().StringP("session", "s", "", "Session name (default: the init session)")
	return cmd
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("session")
	sess, err := a.sessions.Session(args[0], name)
	if err != nil {
		return err
	}
	path, err := a.sessions.RunfilePath(sess, args[1])
	if err != nil {
		return err
	}
	state, err := a.dispatcher.ClassifyRunfile(path, sess.Root)
	if err != nil {
		return err
	}
	ids, err := dispatch.ReadSidecar(dispatch.SidecarPath(path))
	if err != nil {
		return err
	}
	var queue []dispatch.JobStatus
	completion := dispatch.Unknown
	if state == dispatch.StateRunning {
		if queue, err = a.dispatcher.JobStatuses(cmd.Context(), ids); err != nil {
			return err
		}
		if completion, err = a.dispatcher.AreJobsFinished(cmd.Context(), ids); err != nil {
			return err
		}
	}

	if !a.pretty {
		return printJSON(cmd, map[string]interface{}{
			"runfile":    args[1],
			"state":      state,
			"jobs":       ids,
			"queue":      queue,
			"completion": completion.String(),
		})
	}
	p := pretty(cmd)
	p.Status(args[1], string(state), strings.Join(ids, ","), state != dispatch.StateNotSubmitted)
	for _, j := range queue {
		p.Status("  "+j.ID, j.State, j.Name, true)
	}
	if state == dispatch.StateRunning {
		p.Field("completion", completion.String())
	}
	if state == dispatch.StateFinished || completion == dispatch.Finished {
		if _, hint := dispatch.NextRunfile(args[1], sess.Tag); hint != "" {
			p.Info(hint)
		}
	}
	return nil
}

// NewSourcesCmd returns the command that prints a project's source catalog.
func NewSourcesCmd() *cobra.Command {
	cmd := cli.NewStandardCommand("sources <pid>", "List a project's sources and their observations")
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		cat, err := a.catalog.Extract(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !a.pretty {
			return printJSON(cmd, cat.Map())
		}
		p := pretty(cmd)
		for _, name := range cat.Names() {
			obsnums, _ := cat.Lookup(name)
			strs := make([]string, len(obsnums))
			for i, o := range obsnums {
				strs[i] = fmt.Sprint(o)
			}
			p.Field(name, strings.Join(strs, ","))
		}
		return nil
	}
	return cmd
}
