package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"civicphoto/internal/bootstrap"
	"civicphoto/internal/log"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one orphan sweep over stale pending upload markers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level, _ := cmd.Flags().GetString("log-level")
		logger := log.New(cfg.Environment, level)

		ctx := cmd.Context()
		infra, err := bootstrap.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer infra.Close()

		processor, err := bootstrap.NewProcessor(cfg, infra, logger)
		if err != nil {
			return err
		}

		report, err := processor.Reconcile(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "checked %d, cleared %d, deleted %d, failed %d\n",
			report.Checked, report.Cleared, report.Deleted, report.Failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
