package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testoor/pkg/reaper"
	"github.com/ethpandaops/testoor/pkg/store"
)

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Start the stale-work reaper",
	Long:  `Start the daemon that reclaims builds and tests abandoned by crashed builders and workers, re-queueing them or failing them terminally.`,
	RunE:  runReaper,
}

func init() {
	rootCmd.AddCommand(reaperCmd)
}

func runReaper(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	r := reaper.NewReaper(log, st, &cfg.Reaper)

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting reaper: %w", err)
	}

	waitForShutdown(cancel)

	if err := r.Stop(); err != nil {
		return fmt.Errorf("stopping reaper: %w", err)
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}
