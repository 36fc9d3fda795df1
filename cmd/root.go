package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "thumper",
	Short: "Camera-trap identity resolution engine",
	Long: `Thumper resolves camera-trap detections into stable animal identities.
It suppresses duplicate detections within a capture, groups rapid-fire
burst captures, matches appearance embeddings against the identity
registry and exposes a reprocessing API for threshold or embedding
scheme changes.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
