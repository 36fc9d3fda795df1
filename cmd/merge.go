package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/config"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/registry"
)

var mergeCmd = &cobra.Command{
	Use:   "merge [identity] [identity]",
	Short: "Merge two identities into one",
	Long: `Merges two identities that turned out to be the same animal, for
example after reviewing a creation race between concurrent resolvers.
The identity with the lower id survives; observations of the other are
repointed to it and its embeddings are folded in.`,
	Args: cobra.ExactArgs(2),
	RunE: runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	a, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid identity id %q", args[0])
	}
	b, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid identity id %q", args[1])
	}
	if a == b {
		return fmt.Errorf("cannot merge identity %d with itself", a)
	}

	cfg := config.Load()
	ctx := cmd.Context()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New(st, cfg.Engine.EMAAlpha)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load identity index: %w", err)
	}

	winner, err := reg.Merge(ctx, a, b)
	if err != nil {
		return fmt.Errorf("merge identities: %w", err)
	}
	fmt.Printf("Merged into identity %d\n", winner)
	return nil
}
