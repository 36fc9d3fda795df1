package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/config"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/web"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/web/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts the HTTP API server. The API triggers and monitors
reprocessing jobs and exposes observation, identity and similarity
lookups for operators.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cmd.Flags().Changed("port") {
		cfg.Web.Port = mustGetInt(cmd, "port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Web.Host = mustGetString(cmd, "host")
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

	searcher, ok := st.(handlers.SimilaritySearcher)
	if !ok {
		return errors.New("store backend does not support similarity search")
	}

	server := web.NewServer(&cfg.Web, &handlers.API{
		Store:    st,
		Runner:   eng.coordinator,
		Searcher: searcher,
		Jobs:     handlers.NewJobManager(),
		Scheme:   cfg.Engine.ActiveSchemeVersion,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if cfg.Database.IndexPath != "" {
		if err := eng.registry.Index().Save(cfg.Database.IndexPath); err != nil {
			fmt.Printf("Warning: failed to save similarity index: %v\n", err)
		} else {
			fmt.Println("Similarity index saved to disk")
		}
	}
	return nil
}
