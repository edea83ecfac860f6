package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/chunkforge/internal/config"
)

// #region root
var (
	configPath string
	cfg        config.Config
	logger     *slog.Logger

	rootCmd = &cobra.Command{
		Use:           "chunkforge",
		Short:         "Generate long-form prose in checkpointed chunks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
			slog.SetDefault(logger)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "chunkforge.yaml", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, runCmd, resumeCmd, inspectCmd, replayCmd)
}

// #endregion root

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
