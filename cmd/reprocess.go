package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/config"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/engine"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess",
	Short: "Re-run resolution over previously processed observations",
	Long: `Re-runs the resolution pipeline after a configuration change, for
example a new match threshold or embedding scheme version. Observations
already resolved under the active scheme are skipped, so a completed run
followed by an identical run is a no-op.

The criterion selects which observations to visit:
  unassigned  observations without an identity (default)
  scheme      observations resolved under the scheme given by --scheme
  all         every non-duplicate observation`,
	RunE: runReprocess,
}

func init() {
	rootCmd.AddCommand(reprocessCmd)

	reprocessCmd.Flags().String("criterion", "unassigned", "Which observations to revisit: unassigned, scheme or all")
	reprocessCmd.Flags().String("scheme", "", "Scheme version to revisit (required with --criterion scheme)")
}

func reprocessCriterion(cmd *cobra.Command) (store.ReprocessCriterion, error) {
	switch name := mustGetString(cmd, "criterion"); name {
	case "unassigned":
		return store.ReprocessCriterion{Unassigned: true}, nil
	case "all":
		return store.ReprocessCriterion{All: true}, nil
	case "scheme":
		scheme := mustGetString(cmd, "scheme")
		if scheme == "" {
			return store.ReprocessCriterion{}, errors.New("--criterion scheme requires --scheme")
		}
		return store.ReprocessCriterion{SchemeVersion: scheme}, nil
	default:
		return store.ReprocessCriterion{}, fmt.Errorf("unknown criterion %q", name)
	}
}

func runReprocess(cmd *cobra.Command, args []string) error {
	criterion, err := reprocessCriterion(cmd)
	if err != nil {
		return err
	}

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	eng, err := buildEngine(ctx, cfg, st)
	if err != nil {
		return err
	}

	progress := &engine.Progress{}
	done := make(chan error, 1)
	go func() {
		done <- eng.coordinator.Reprocess(ctx, criterion, progress)
	}()

	var bar *progressbar.ProgressBar
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if bar != nil {
				_ = bar.Finish()
			}
			snap := progress.Snapshot()
			fmt.Printf("\nVisited:   %d\n", snap.Total)
			fmt.Printf("Skipped:   %d\n", snap.Skipped)
			fmt.Printf("Processed: %d\n", snap.Processed)
			fmt.Printf("Matched:   %d\n", snap.Matched)
			fmt.Printf("Created:   %d\n", snap.Created)
			fmt.Printf("Inherited: %d\n", snap.Inherited)
			fmt.Printf("Review:    %d\n", snap.Review)
			fmt.Printf("Failed:    %d\n", snap.Failed)
			if err != nil {
				return fmt.Errorf("reprocessing run: %w", err)
			}
			return nil
		case <-ticker.C:
			snap := progress.Snapshot()
			if bar == nil && snap.Total > 0 {
				bar = progressbar.Default(snap.Total, "reprocessing")
			}
			if bar != nil {
				_ = bar.Set64(snap.Skipped + snap.Processed + snap.Failed)
			}
		}
	}
}
