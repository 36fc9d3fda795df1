package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/config"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show observation and identity counts",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	total, duplicates, err := st.CountObservations(ctx)
	if err != nil {
		return fmt.Errorf("count observations: %w", err)
	}
	identities, err := st.CountIdentities(ctx)
	if err != nil {
		return fmt.Errorf("count identities: %w", err)
	}

	fmt.Printf("Observations: %d\n", total)
	fmt.Printf("Duplicates:   %d\n", duplicates)
	fmt.Printf("Identities:   %d\n", identities)
	fmt.Printf("Scheme:       %s\n", cfg.Engine.ActiveSchemeVersion)
	return nil
}
