// Package cmd provides the CLI commands for contextual.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/contextual/internal/backend"
	"github.com/Aman-CERP/contextual/internal/config"
	cxerrors "github.com/Aman-CERP/contextual/internal/errors"
	"github.com/Aman-CERP/contextual/internal/logging"
	"github.com/Aman-CERP/contextual/pkg/version"
)

// Persistent flags and the state built from them in PersistentPreRunE.
var (
	debugMode      bool
	configFile     string
	socketPath     string
	callTimeout    time.Duration
	loadedConfig   *config.Config
	loggingCleanup func()
)

// NewRootCmd creates the root command for the contextual CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contextual",
		Short: "Search and summarize your files through the contextual backend",
		Long: `contextual talks to the contextual backend, a long-running process that
indexes folders, ranks search results and writes AI summaries.

Every command is a request to the backend over its Unix socket. When
backend.launch.command is configured the backend is started on demand.`,
		Version:           version.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(_ *cobra.Command, _ []string) { teardown() },
	}

	cmd.SetVersionTemplate("contextual version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging (also mirrored to stderr)")
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (overrides the user config)")
	cmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Backend socket path")
	cmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 0, "Per-call timeout (e.g. 5s)")

	cmd.AddCommand(newPingCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newSummaryCmd())
	cmd.AddCommand(newDetailsCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newBackendCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setup loads configuration and starts logging before any subcommand runs.
func setup(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	loadedConfig = cfg

	logger, cleanup, err := logging.Setup(cfg.LogConfig(debugMode))
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Debug("cli_started", slog.String("version", version.Version), slog.Bool("debug", debugMode))
	return nil
}

func teardown() {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
}

// Execute runs the root command, printing failures in CLI form.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCmd()
	err := cmd.ExecuteContext(ctx)
	teardown()
	if err != nil {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), cxerrors.FormatForCLI(err))
	}
	return err
}

// backendConfig returns the effective backend configuration with flag
// overrides applied.
func backendConfig() (backend.Config, error) {
	cfg := loadedConfig
	if cfg == nil {
		cfg = config.NewConfig()
	}
	bc, err := cfg.BackendConfig()
	if err != nil {
		return backend.Config{}, err
	}
	if socketPath != "" {
		bc.SocketPath = socketPath
	}
	if callTimeout > 0 {
		bc.CallTimeout = callTimeout
	}
	// One-shot commands exit before a socket event could matter.
	bc.WatchSocket = false
	return bc, nil
}

// connect builds a client and waits for the backend to become reachable.
// The caller must Close the client.
func connect(ctx context.Context) (*backend.Client, error) {
	bc, err := backendConfig()
	if err != nil {
		return nil, err
	}

	client, err := backend.New(bc, backend.WithLogger(slog.Default()))
	if err != nil {
		return nil, err
	}

	wait := bc.DialTimeout
	if bc.Launch.Enabled() {
		wait += bc.Launch.StartupTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := client.Connect(connectCtx); err != nil {
		st := client.Status()
		_ = client.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		cerr := cxerrors.New(cxerrors.ErrCodeConnectFailure, "backend is not reachable", err).
			WithDetail("socket", bc.SocketPath).
			WithSuggestion("Start the backend or set backend.launch.command, then retry")
		if st.Reason != "" {
			cerr = cerr.WithDetail("reason", st.Reason)
		}
		return nil, cerr
	}
	return client, nil
}

// withClient runs fn with a connected client.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, client *backend.Client) error) error {
	ctx := commandContext(cmd)
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	return fn(ctx, client)
}
