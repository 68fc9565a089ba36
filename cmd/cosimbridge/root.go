package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "cosimbridge",
	Short: "CoSimBridge couples an EnergyPlus simulation to a control bus",
	Long: `CoSimBridge runs an EnergyPlus simulation over the BCVTB socket protocol,
publishes the reported outputs and answers every timestep with the current
set-points written by external controllers.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "configs/config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().Bool("dev", false, "Use the development logger")
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	dev, _ := cmd.Flags().GetBool("dev")
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
