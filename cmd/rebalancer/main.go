package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"lp-rebalancer/internal/app"
	"lp-rebalancer/internal/config"
	"lp-rebalancer/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	root := &cobra.Command{
		Use:          "rebalancer",
		Short:        "Keep a Uniswap v3 position centered on the pool price",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "config.yaml", "config file path")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the rebalancing loop",
		RunE:  runLoop,
	})
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Read the pool and tracked position once and print the decision",
		RunE:  runStatus,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envFile, err)
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", path), zap.Bool("test_mode", cfg.TestMode))
	return cfg, log, nil
}

func runLoop(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		return err
	}
	log.Info("app initialized", zap.Duration("interval", cfg.Loop.Interval))

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	st, err := application.Status(ctx)
	if err != nil {
		return err
	}
	log.Info("status",
		zap.String("pool", st.Pool.Hex()),
		zap.Int("tick", st.Tick),
		zap.Stringer("price", st.Price),
		zap.String("position_id", st.PositionID),
		zap.Int("tick_lower", st.Range.Lower),
		zap.Int("tick_upper", st.Range.Upper),
		zap.Stringer("lower_bound", st.Bounds.Lower),
		zap.Stringer("upper_bound", st.Bounds.Upper),
		zap.String("decision", string(st.Decision)),
		zap.String("phase", string(st.Phase)),
		zap.String("cycle_id", st.CycleID),
		zap.Int("next_tick_lower", st.NextRange.Lower),
		zap.Int("next_tick_upper", st.NextRange.Upper),
	)
	return nil
}
