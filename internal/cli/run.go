package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gyrex/internal/gyrex"
	"gyrex/internal/logging"
	"gyrex/internal/models/config"
)

func (a *app) buildRunCommand() *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a gyrex node",
		Long: `Join the cluster, compete for the scheduler lock and execute queued jobs until
SIGINT or SIGTERM. Running jobs get the grace period to finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runNode(ctx, grace)
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", config.DefaultShutdownGracePeriod, "time running jobs get to finish on shutdown")
	return cmd
}

func (a *app) runNode(ctx context.Context, grace time.Duration) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	for _, h := range a.handlers {
		if err := cfg.RegisterHandler(h); err != nil {
			return err
		}
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts := append([]gyrex.Option{gyrex.WithLogger(logger)}, a.options()...)
	srv, err := gyrex.SetUp(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	logger.Info("starting node", zap.String("node", cfg.Instance), zap.String("namespace", cfg.Namespace))
	return srv.Serve(ctx, grace)
}
