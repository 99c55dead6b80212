package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/glimpse/internal/config"
	"github.com/kalambet/glimpse/internal/logging"
	"github.com/kalambet/glimpse/internal/telemetry"
)

var version = "dev"

var (
	noColor   bool
	logLevel  string
	logFormat string

	shutdownTelemetry telemetry.ShutdownFunc
)

var rootCmd = &cobra.Command{
	Use:   "glimpse",
	Short: "Capture the screen or microphone, ask a local model, act on the answer",
	Long: `glimpse captures a screenshot or a short recording, sends it to a local
multimodal inference server and acts on the reply: printing it, speaking it,
typing it or keeping it in a local history.

Examples:
  glimpse screen
  glimpse screen --continuous --interval 1m --speak
  glimpse listen --continuous --type
  glimpse serve screen --port 4100`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		initLogging(cfg, err)
		if err == nil {
			initTelemetry(cmd.Context(), cfg)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (default from config)")

	rootCmd.AddCommand(newLoopCmd(loopScreen))
	rootCmd.AddCommand(newLoopCmd(loopListen))
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

// initLogging sends logs to stderr; stdout is reserved for model output and
// the MCP stdio transport. A config that fails to load leaves flag values or
// the logging defaults in place.
func initLogging(cfg config.Config, cfgErr error) {
	level, format := logLevel, logFormat
	if cfgErr == nil {
		if level == "" {
			level = cfg.Log.Level
		}
		if format == "" {
			format = cfg.Log.Format
		}
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		noColor = true
	}
	logging.Init(format, level, os.Stderr)
}

// initTelemetry installs the configured exporters. Telemetry failing to start
// never stops a capture.
func initTelemetry(ctx context.Context, cfg config.Config) {
	shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		Exporter: cfg.Telemetry.Exporter,
		Version:  version,
		Writer:   os.Stderr,
	})
	if err != nil {
		printWarning("telemetry disabled: %v", err)
		return
	}
	shutdownTelemetry = shutdown
}

func flushTelemetry() {
	if shutdownTelemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(ctx); err != nil {
		logging.L("telemetry").Warn("flushing telemetry", logging.KeyError, err)
	}
	shutdownTelemetry = nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the glimpse version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "glimpse version %s\n", version)
	},
}

func main() {
	err := rootCmd.Execute()
	flushTelemetry()
	if err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
