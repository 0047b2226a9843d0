package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"quel-tryon-client/modules/common/config"
	"quel-tryon-client/modules/common/logger"
)

var rootCmd = &cobra.Command{
	Use:           "quel-tryon-client",
	Short:         "Virtual try-on client runtime",
	Long:          "Tracks try-on, avatar and custom model generation jobs and serves their state to the app.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup - config (.env included) and the app logger, shared by every command
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger.New(cfg.AppEnv, cfg.LogLevel), nil
}
