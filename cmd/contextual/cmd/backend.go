package cmd

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/contextual/internal/backend"
	cxerrors "github.com/Aman-CERP/contextual/internal/errors"
	"github.com/Aman-CERP/contextual/internal/output"
)

func newBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage the backend process",
		Long: `Start, stop and inspect the backend process configured under
backend.launch.

Commands:
  start   Start the backend unless it is already accepting connections
  stop    Stop a backend started by contextual
  status  Show the backend process and socket state`,
		Example: `  contextual backend start
  contextual backend status --json
  contextual backend stop`,
	}

	cmd.AddCommand(newBackendStartCmd())
	cmd.AddCommand(newBackendStopCmd())
	cmd.AddCommand(newBackendStatusCmd())

	return cmd
}

func newLauncher() (*backend.Launcher, backend.Config, error) {
	bc, err := backendConfig()
	if err != nil {
		return nil, backend.Config{}, err
	}
	return backend.NewLauncher(bc.Launch, bc.SocketPath, slog.Default()), bc, nil
}

func newBackendStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			launcher, bc, err := newLauncher()
			if err != nil {
				return err
			}
			if !bc.Launch.Enabled() {
				return cxerrors.New(cxerrors.ErrCodeLaunchFailed, "no backend command configured", nil).
					WithSuggestion("Set backend.launch.command in the config or CONTEXTUAL_BACKEND_COMMAND")
			}

			out := output.New(cmd.OutOrStdout())
			spawned, err := launcher.Ensure(commandContext(cmd))
			if err != nil {
				return err
			}
			if spawned {
				out.Successf("Backend started (pid %d)", launcher.Status().PID)
			} else {
				out.Status("", "Backend is already running")
			}
			return nil
		},
	}
}

func newBackendStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the backend",
		Long: `Stop the backend recorded in the PID file.

Sends SIGTERM and waits for the process to exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			launcher, _, err := newLauncher()
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			if !launcher.Status().Running {
				out.Status("", "Backend is not running")
				return nil
			}
			if err := launcher.Stop(commandContext(cmd)); err != nil {
				return err
			}
			out.Success("Backend stopped")
			return nil
		},
	}
}

func newBackendStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the backend process status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			launcher, bc, err := newLauncher()
			if err != nil {
				return err
			}
			st := launcher.Status()

			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return out.JSON(st)
			}
			if st.SocketAlive {
				out.Successf("Backend is accepting connections at %s", bc.SocketPath)
			} else {
				out.Warningf("Nothing is listening at %s", bc.SocketPath)
			}
			if st.PID > 0 {
				out.KeyValue("pid", strconv.Itoa(st.PID))
			}
			out.KeyValue("process", runningLabel(st.Running))
			out.KeyValue("breaker", st.Breaker)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runningLabel(running bool) string {
	if running {
		return "running"
	}
	return "not running"
}
