package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"civicphoto/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "photoctl",
	Short:         "Operator tooling for the photo upload pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "photoctl:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level for commands that talk to infrastructure")
}
