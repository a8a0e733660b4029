package cmd

import (
	"fmt"
	"strconv"

	"github.com/lmtoy/pipeline-web/cli"
	"github.com/lmtoy/pipeline-web/pkg/runfile"
	"github.com/lmtoy/pipeline-web/pkg/workspace"
	"github.com/spf13/cobra"
)

// NewSessionCmd returns the session management commands.
func NewSessionCmd() *cobra.Command {
	cmd := cli.NewStandardCommand("session", "Manage a project's sessions")
	cmd.AddCommand(newSessionListCmd(), newSessionCloneCmd(), newSessionDeleteCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <pid>",
		Short: "List the sessions of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			sessions, err := a.sessions.ListSessions(args[0])
			if err != nil {
				return err
			}
			if !a.pretty {
				return printJSON(cmd, sessions)
			}
			p := pretty(cmd)
			for _, s := range sessions {
				detail := s.Path
				if s.Default {
					detail += " (default, read-only)"
				}
				p.Status(s.Name, s.Tag, detail, true)
			}
			return nil
		},
	}
}

func newSessionCloneCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "clone <pid> <tag>",
		Short: "Copy a session into Session-<tag>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			sess, err := a.sessions.CloneSession(args[0], source, args[1])
			if err != nil {
				return err
			}
			if !a.pretty {
				return printJSON(cmd, sess)
			}
			pretty(cmd).Success("Created " + sess.Name)
			pretty(cmd).Path("path", sess.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "from", "", "Session to copy (default: the init session)")
	return cmd
}

func newSessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <pid> <session>",
		Short: "Delete a cloned session and its products",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := a.sessions.DeleteSession(args[0], args[1]); err != nil {
				return err
			}
			pretty(cmd).Success("Deleted " + args[1])
			return nil
		},
	}
}

// NewRunfileCmd returns the runfile inspection and editing commands.
func NewRunfileCmd() *cobra.Command {
	cmd := cli.NewStandardCommand("runfile", "Inspect and edit runfiles")
	cmd.PersistentFlags().StringP("session", "s", "", "Session name (default: the init session)")
	cmd.AddCommand(
		newRunfileListCmd(),
		newRunfileShowCmd(),
		newRunfileValidateCmd(),
		newRunfileSetCmd(),
		newRunfileCloneCmd(),
	)
	return cmd
}

func newRunfileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <pid>",
		Short: "List the runfiles of a session",
		Args:  cobra.ExactArgs(1),
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
			names, err := a.sessions.ListRunfiles(sess)
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

func newRunfileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pid> <runfile>",
		Short: "Print a runfile's rows",
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
			rf, err := a.sessions.ReadRunfile(sess, args[1])
			if err != nil {
				return err
			}
			if !a.pretty {
				return printJSON(cmd, rf)
			}
			for i, row := range rf.Rows {
				line, err := runfile.FormatLine(row)
				if err != nil {
					line = err.Error()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%3d  %s\n", i, line)
			}
			return nil
		},
	}
}

func newRunfileValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pid> <runfile>",
		Short: "Check a runfile against its project's instrument",
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
			d, err := a.sessions.Dialect(sess.PID)
			if err != nil {
				return err
			}
			issues, err := a.sessions.ValidateRunfile(sess, args[1], d)
			if err != nil {
				return err
			}
			if !a.pretty {
				return printJSON(cmd, issues)
			}
			p := pretty(cmd)
			if len(issues) == 0 {
				p.Success(args[1] + " is valid")
				return nil
			}
			for _, is := range issues {
				label := "line " + strconv.Itoa(is.Line)
				if is.Key != "" {
					label += " " + is.Key
				}
				p.Status(label, string(is.Severity), is.Message, is.Severity != runfile.SeverityError)
			}
			if runfile.HasErrors(issues) {
				return fmt.Errorf("%s has validation errors", args[1])
			}
			return nil
		},
	}
}

func newRunfileSetCmd() *cobra.Command {
	var rows []int
	cmd := &cobra.Command{
		Use:   "set <pid> <runfile> <key> [value]",
		Short: "Set or clear a parameter on selected rows",
		Long:  "Sets key=value on the rows given by --row, or on every row when none is given. An empty value removes the key.",
		Args:  cobra.RangeArgs(3, 4),
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
			value := ""
			if len(args) == 4 {
				value = args[3]
			}
			indices := rows
			if len(indices) == 0 {
				rf, err := a.sessions.ReadRunfile(sess, args[1])
				if err != nil {
					return err
				}
				for i := range rf.Rows {
					indices = append(indices, i)
				}
			}
			d, err := a.sessions.Dialect(sess.PID)
			if err != nil {
				return err
			}
			updated, err := a.sessions.UpdateColumn(sess, args[1], indices, args[2], value, workspace.ValidateAs(d))
			if err != nil {
				return err
			}
			if !a.pretty {
				return printJSON(cmd, updated)
			}
			pretty(cmd).Success(fmt.Sprintf("Updated %d row(s) of %s", len(indices), args[1]))
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&rows, "row", nil, "Row index to edit (repeatable)")
	return cmd
}

func newRunfileCloneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clone <pid> <runfile> <new-name>",
		Short: "Copy a runfile within its session",
		Args:  cobra.ExactArgs(3),
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
			path, err := a.sessions.CloneRunfile(sess, args[1], args[2])
			if err != nil {
				return err
			}
			pretty(cmd).Path("created", path)
			return nil
		},
	}
}
