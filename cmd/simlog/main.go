// simlog replays sharded simulation event logs and reconstructs per-person
// activity summaries and other tables from them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/logflow/simlog/pkg/config"
	slerrors "github.com/logflow/simlog/pkg/errors"
	"github.com/logflow/simlog/pkg/telemetry"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configPath string
	verbose    bool
	logFormat  string
)

// logger is configured in PersistentPreRunE.
var logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error("simlog failed", "code", slerrors.GetCode(err), "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "simlog",
	Short: "simlog - replay simulation event logs",
	Long: `simlog replays the binary event output of a sharded traffic simulation.

It merges the shards of a run by simulation time, dispatches every event to
the configured analyses and writes one table per analysis (CSV, Parquet,
XLSX or DuckDB) plus a run manifest.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ~/.simlog/config.yaml, ./simlog.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(replayCmd, batchCmd, idsCmd, eventsCmd, summarizeCmd)
}

// loadConfig reads the configuration and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return cfg, nil
}

// startTelemetry installs the OTLP exporter when enabled. The returned
// function flushes it.
func startTelemetry(ctx context.Context, cfg *config.Config) func() {
	if !cfg.Telemetry.Enabled {
		return func() {}
	}

	otlp := telemetry.DefaultOTLPConfig("simlog")
	otlp.ServiceVersion = version
	otlp.Endpoint = cfg.Telemetry.Endpoint
	otlp.InsecureTLS = cfg.Telemetry.Insecure
	otlp.SamplingRatio = cfg.Telemetry.SampleRate

	shutdown, err := telemetry.Init(ctx, otlp)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		return func() {}
	}
	logger.Debug("tracing enabled", "endpoint", otlp.Endpoint)
	return func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}
}
