package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scienceol/killswitch/internal/agent"
	"github.com/scienceol/killswitch/internal/config"
	"github.com/scienceol/killswitch/internal/logging"
	"github.com/scienceol/killswitch/internal/metrics"
	"github.com/scienceol/killswitch/internal/ui"
)

var overrides config.Overrides

func init() {
	f := runCmd.Flags()
	f.StringVar(&overrides.ConfigPath, "config", "", "Config file (default: ~/.killswitch/config.yaml)")
	f.StringVar(&overrides.URL, "url", "", "Host bus WebSocket URL (e.g. ws://127.0.0.1:7450/v1/agent)")
	f.StringVar(&overrides.Token, "token", "", "Host bus authentication token")
	f.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.StringVar(&overrides.StatusListen, "status-listen", "", "Address for the status HTTP server (e.g. 127.0.0.1:9470)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the host bus and arbitrate suspend requests",
	Long: `Connects to the host bus over WebSocket, registers the enabled guards
and answers suspend queries until interrupted.

The connection reconnects with exponential backoff. While disconnected,
both guards allow sleep.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ui.Banner(version)

		cfg, err := config.Load(overrides)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		logger, err := logging.New(logging.Config{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Writer: os.Stderr,
		})
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		a, err := agent.New(cfg, logger, metrics.NewCollector(nil))
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stderr)
		ui.KeyValue("Endpoint", cfg.URL)
		ui.KeyValue("Session", a.Client().SessionID())
		ui.KeyValue("Switch", enabled(cfg.SwitchGuard.Enabled, "combo "+cfg.SwitchGuard.OverrideCombo))
		ui.KeyValue("Hold", enabled(cfg.HoldGuard.Enabled, "signal "+cfg.HoldGuard.HoldSignal+", window "+cfg.HoldGuard.Window.String()))
		if cfg.MirrorOSInhibit {
			ui.KeyValue("OS inhibit", "mirrored")
		}
		if cfg.Status.Listen != "" {
			ui.KeyValue("Status", "http://"+cfg.Status.Listen)
		}
		ui.Separator()
		ui.Info("Waiting for the host bus...")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			<-ctx.Done()
			fmt.Fprintln(os.Stderr)
			ui.Warn("Shutting down...")
		}()

		if err := a.Run(ctx); err != nil {
			ui.Error("%v", err)
			return err
		}
		ui.Success("Stopped")
		return nil
	},
}

func enabled(on bool, detail string) string {
	if !on {
		return ui.Dim("disabled")
	}
	return detail
}
