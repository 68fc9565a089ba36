package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/KevinKickass/CoSimBridge/internal/bcvtb"
	"github.com/KevinKickass/CoSimBridge/internal/config"
	"github.com/KevinKickass/CoSimBridge/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Write the engine's config files without running anything",
	Long: `Writes variables.cfg for the configured points and a socket.cfg for the
given host and port, for engines that are started by hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRender(cmd)
	},
}

func init() {
	renderCmd.Flags().String("out", ".", "Directory to write the config files to")
	renderCmd.Flags().String("host", "", "Host written to socket.cfg (default: socket.host, then the hostname)")
	renderCmd.Flags().Int("port", 0, "Port written to socket.cfg (default: socket.port)")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command) error {
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

	out, _ := cmd.Flags().GetString("out")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	if host == "" {
		host = cfg.Socket.Host
	}
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			return fmt.Errorf("failed to resolve hostname: %w", err)
		}
	}
	if port == 0 {
		port = cfg.Socket.Port
	}
	if port <= 0 {
		return fmt.Errorf("render needs a fixed port: set --port or socket.port")
	}

	reg, err := system.LoadRegistry(cfg.Points.File, logger)
	if err != nil {
		return err
	}
	layout := reg.Layout()

	variablesPath := filepath.Join(out, fileName(cfg.Simulation.VariablesFile, bcvtb.VariableMappingFile))
	if err := bcvtb.WriteVariableMapping(variablesPath, layout); err != nil {
		return err
	}
	socketPath := filepath.Join(out, fileName(cfg.Simulation.SocketFile, bcvtb.SocketConfigFile))
	if err := bcvtb.WriteSocketConfig(socketPath, host, port); err != nil {
		return err
	}

	logger.Info("Config files written",
		zap.String("variables", variablesPath),
		zap.String("socket", socketPath),
		zap.Int("outputs", layout.OutputCount()),
		zap.Int("inputs", layout.InputCount()))
	return nil
}

func fileName(configured, fallback string) string {
	if configured == "" {
		return fallback
	}
	return configured
}
