package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testoor/pkg/builder"
	"github.com/ethpandaops/testoor/pkg/store"
)

var builderCmd = &cobra.Command{
	Use:   "builder",
	Short: "Start a build daemon",
	Long:  `Start a daemon that claims pending builds, compiles the requested commits and publishes the artifacts on the shared work volume.`,
	RunE:  runBuilder,
}

func init() {
	rootCmd.AddCommand(builderCmd)
}

func runBuilder(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Builder.RepoURL == "" {
		return fmt.Errorf("builder.repo_url is required")
	}

	if cfg.Builder.WorkDir == "" {
		return fmt.Errorf("builder.work_dir is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	b := builder.NewBuilder(log, st, &cfg.Builder)

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("starting builder: %w", err)
	}

	waitForShutdown(cancel)

	if err := b.Stop(); err != nil {
		return fmt.Errorf("stopping builder: %w", err)
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}
