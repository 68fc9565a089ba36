package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/CoSimBridge/internal/config"
	"github.com/KevinKickass/CoSimBridge/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one co-simulation",
	Long: `Writes the engine's config files, launches EnergyPlus and exchanges
timesteps until the simulation ends or a shutdown signal is received.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSimulation(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runSimulation(cmd *cobra.Command) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("Config loaded successfully", zap.String("path", configPath))

	lifecycle, err := system.NewLifecycleManager(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startErr := lifecycle.Start(ctx)
	if startErr == nil {
		logger.Info("CoSimBridge started successfully")

		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received")
		case <-lifecycle.SimulationDone():
		case <-lifecycle.Done():
			// shut down through the API
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}

	if startErr != nil {
		return startErr
	}

	status := lifecycle.SimulationStatus()
	if !status.Normal {
		return fmt.Errorf("simulation stopped: %s", status.Reason)
	}

	logger.Info("CoSimBridge stopped successfully")
	return nil
}
