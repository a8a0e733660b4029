package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmtoy/pipeline-web/cli"
	"github.com/lmtoy/pipeline-web/internal/daemon/collector"
	"github.com/lmtoy/pipeline-web/internal/daemon/engine"
	"github.com/lmtoy/pipeline-web/internal/daemon/pidfile"
	"github.com/lmtoy/pipeline-web/internal/daemon/server"
	"github.com/lmtoy/pipeline-web/internal/daemon/store"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/lmtoy/pipeline-web/pkg/notify"
	"github.com/lmtoy/pipeline-web/pkg/projects"
	"github.com/spf13/cobra"
)

// registryDebounce coalesces bursts of writes to the credentials file.
const registryDebounce = 500 * time.Millisecond

// NewServeCmd returns the daemon command with its subcommands.
func NewServeCmd() *cobra.Command {
	cmd := cli.NewStandardCommand("serve", "Run the HTTP API and the job monitor")
	cmd.Long = "Serves the HTTP API, watches runfile sidecars for job completion and keeps the fleet summary current."

	var listen string
	var fleetInterval time.Duration
	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on (overrides server.listen)")
	cmd.Flags().DurationVar(&fleetInterval, "fleet-interval", 10*time.Minute, "How often to refresh the fleet summary")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		logger := logging.NewLogger("pipeweb")
		if listen == "" {
			listen = a.cfg.Server.Listen
		}

		// 1. Acquire Lock
		pidPath := pidfile.Path(a.cfg.Path.WorkLMT)
		if err := pidfile.Acquire(pidPath); err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}
		defer func() {
			if err := pidfile.Release(pidPath); err != nil {
				logger.Errorf("Failed to release pidfile: %v", err)
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// 2. Projects and notifications
		registry, err := projects.Load(a.cfg)
		if err != nil {
			return err
		}
		notifier := notify.NewNotifier(a.cfg, notify.NewSender(a.cfg), registry, a.dispatcher)

		// 3. Store and engine
		st := store.New()
		eng := engine.New(st, logger)
		monitor := collector.NewRunfileCollector(a.cfg, a.sessions, registry, a.dispatcher, notifier)
		eng.Register(monitor)
		eng.Register(collector.NewFleetCollector(a.fleet, fleetInterval))

		go func() {
			err := registry.Watch(ctx, registryDebounce, func() {
				st.BroadcastRegistryReload(projects.CSVPath(a.cfg))
			})
			if err != nil {
				logger.WithError(err).Warn("Credential file watch stopped")
			}
		}()

		// 4. Server
		srv := server.New(server.Deps{
			Config:     a.cfg,
			Sessions:   a.sessions,
			Catalog:    a.catalog,
			Fleet:      a.fleet,
			Dispatcher: a.dispatcher,
			Notifier:   notifier,
			Projects:   registry,
			State:      st,
			Monitor:    monitor,
		})

		engineDone := make(chan struct{})
		go func() {
			defer close(engineDone)
			eng.Start(ctx)
		}()

		go func() {
			<-ctx.Done()
			logger.Info("Received stop signal")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("Server shutdown error: %v", err)
			}
		}()

		// 5. Serve (blocking)
		logger.WithField("pid", os.Getpid()).WithField("collectors", eng.Collectors()).Info("Starting daemon")
		serveErr := srv.ListenAndServe(listen)
		stop()
		<-engineDone
		if serveErr != nil {
			return fmt.Errorf("server error: %w", serveErr)
		}
		return nil
	}

	cmd.AddCommand(newServeStopCmd(), newServeStatusCmd())
	return cmd
}

func newServeStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			pidPath := pidfile.Path(cfg.Path.WorkLMT)

			running, pid, err := pidfile.IsRunning(pidPath)
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}
			if !running {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
				return nil
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("failed to find process %d: %w", pid, err)
			}
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to send stop signal: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}
}

func newServeStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			pidPath := pidfile.Path(cfg.Path.WorkLMT)
			running, pid, err := pidfile.IsRunning(pidPath)
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}

			if running {
				fmt.Fprintf(cmd.OutOrStdout(), "Running (PID: %d)\nListen: %s\n", pid, cfg.Server.Listen)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
			os.Exit(1) // non-zero for scripts
			return nil
		},
	}
}
