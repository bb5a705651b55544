package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/YaganovValera/snapshot-broadcaster/internal/app"
	"github.com/YaganovValera/snapshot-broadcaster/internal/config"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/shutdown"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "snapshot-broadcaster",
		Short:         "Polls order book snapshots and broadcasts them to websocket subscribers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to YAML config file (env BROADCASTER_* overrides)")
	root.SetGlobalNormalizationFunc(underscoreToDash)
	return root
}

// underscoreToDash lets --config_file style spellings match dashed flags.
func underscoreToDash(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func run(parent context.Context, configPath string) error {
	// 1. Config
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Logging.DevMode {
		cfg.Print()
	}

	// 2. Logger
	log, err := logger.New(cfg.Logging.Logger())
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := shutdown.OnSignal(parent, log)
	defer cancel()

	// 3. Tracing, shut down after everything else
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		_ = shutdown.Graceful("telemetry", cfg.Telemetry.Timeout, shutdownTracer, log)
	}()

	log.Info("starting service",
		zap.String("service.name", cfg.ServiceName),
		zap.String("service.version", cfg.ServiceVersion),
	)

	// 4. Run until signal
	if err := app.Run(ctx, cfg, log); err != nil {
		log.Error("application exited with error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
