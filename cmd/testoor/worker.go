package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testoor/pkg/logstore"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a test worker daemon",
	Long:  `Start a daemon that claims scheduled tests, runs them against the matching build artifacts and reports the outcomes with captured logs.`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Worker.RepoURL == "" {
		return fmt.Errorf("worker.repo_url is required")
	}

	if cfg.Worker.WorkDir == "" {
		return fmt.Errorf("worker.work_dir is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logs, err := logstore.New(log, &cfg.LogStore)
	if err != nil {
		return fmt.Errorf("creating log store: %w", err)
	}

	if err := logs.Preflight(ctx); err != nil {
		return fmt.Errorf("log store preflight: %w", err)
	}

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	w := worker.NewWorker(log, st, logs, &cfg.Worker)

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	waitForShutdown(cancel)

	if err := w.Stop(); err != nil {
		return fmt.Errorf("stopping worker: %w", err)
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}
