package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/config"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve pending observations into identities",
	Long: `Runs the resolution pipeline over all pending observations:
duplicate suppression, burst grouping, embedding extraction and identity
matching. Results are written back to the store as they are decided, so
an interrupted run can simply be restarted.`,
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().Int("limit", 0, "Maximum number of observations to process (0 = all)")
	resolveCmd.Flags().Int("workers", 0, "Number of concurrent capture workers (0 = configured default)")
	resolveCmd.Flags().Float64("threshold", 0, "Override the match threshold for this run")
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if workers := mustGetInt(cmd, "workers"); workers > 0 {
		cfg.Engine.Workers = workers
	}
	if threshold := mustGetFloat64(cmd, "threshold"); threshold != 0 {
		cfg.Engine.MatchThreshold = threshold
	}

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

	stats, err := eng.pipeline.Run(ctx, mustGetInt(cmd, "limit"))
	if stats != nil {
		fmt.Printf("Processed:  %d\n", stats.Processed.Load())
		fmt.Printf("Matched:    %d\n", stats.Matched.Load())
		fmt.Printf("Created:    %d\n", stats.Created.Load())
		fmt.Printf("Inherited:  %d\n", stats.Inherited.Load())
		fmt.Printf("Duplicates: %d\n", stats.Duplicates.Load())
		fmt.Printf("Review:     %d\n", stats.Review.Load())
		fmt.Printf("Failed:     %d\n", stats.Failed.Load())
	}
	if err != nil {
		return fmt.Errorf("resolution run: %w", err)
	}
	return nil
}
