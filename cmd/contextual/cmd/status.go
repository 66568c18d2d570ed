package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/contextual/internal/backend"
	"github.com/Aman-CERP/contextual/internal/output"
	"github.com/Aman-CERP/contextual/internal/telemetry"
)

// statusReport is the JSON shape of `contextual status`.
type statusReport struct {
	Connection backend.Status         `json:"connection"`
	Backend    backend.LauncherStatus `json:"backend"`
	AutoStart  bool                   `json:"auto_start"`
	Latency    string                 `json:"ping_latency,omitempty"`
	Calls      telemetry.Snapshot     `json:"calls"`
}

func newStatusCmd() *cobra.Command {
	var (
		jsonOutput bool
		prometheus bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the backend connection status",
		Long: `Try to connect to the backend and report the connection state, the
backend process as seen by the launcher, and the round-trip time of a ping.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, jsonOutput, prometheus)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&prometheus, "prometheus", false, "Output call metrics in the Prometheus text format")
	return cmd
}

func runStatus(cmd *cobra.Command, jsonOutput, prometheus bool) error {
	ctx := commandContext(cmd)

	bc, err := backendConfig()
	if err != nil {
		return err
	}
	// Report what is there; never spawn from a status check.
	autoStart := bc.Launch.Enabled()
	launchCfg := bc.Launch
	bc.Launch.Command = ""

	client, err := backend.New(bc, backend.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	report := statusReport{AutoStart: autoStart}

	connectCtx, cancel := context.WithTimeout(ctx, bc.DialTimeout)
	connectErr := client.Connect(connectCtx)
	cancel()
	if connectErr == nil {
		if latency, err := pingLatency(ctx, client); err == nil {
			report.Latency = latency
		}
	}
	report.Connection = client.Status()
	report.Calls = client.Metrics()
	report.Backend = backend.NewLauncher(launchCfg, bc.SocketPath, slog.Default()).Status()

	if prometheus {
		return telemetry.WriteText(cmd.OutOrStdout(), client.Metrics)
	}

	out := output.New(cmd.OutOrStdout())
	if jsonOutput {
		return out.JSON(report)
	}

	if connectErr == nil {
		out.Successf("Connected to backend at %s", bc.SocketPath)
	} else {
		out.Warningf("Backend not reachable at %s", bc.SocketPath)
	}
	out.KeyValue("state", report.Connection.StateName)
	out.KeyValue("reason", report.Connection.Reason)
	out.KeyValue("ping", report.Latency)
	if report.Backend.PID > 0 {
		out.KeyValue("pid", fmt.Sprintf("%d (%s)", report.Backend.PID, runningLabel(report.Backend.Running)))
	}
	if autoStart {
		out.KeyValue("auto-start", fmt.Sprintf("on (%s)", report.Backend.Breaker))
	} else {
		out.KeyValue("auto-start", "off")
	}
	return nil
}

func pingLatency(ctx context.Context, client *backend.Client) (string, error) {
	start := time.Now()
	if _, err := client.Ping(ctx); err != nil {
		return "", err
	}
	return time.Since(start).Round(time.Microsecond).String(), nil
}
