package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/config"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/embedder"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/engine"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/registry"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store/memory"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store/postgres"
)

// openStore selects the persistence backend. An empty DATABASE_URL gives
// the in-memory store, which is only useful for local experiments.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		fmt.Println("DATABASE_URL not set, using in-memory store")
		return memory.New(), func() {}, nil
	}
	fmt.Println("Connecting to PostgreSQL database...")
	st, err := postgres.Open(&cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	return st, func() { _ = st.Close() }, nil
}

// enginePieces bundles the wired resolution components a command needs.
type enginePieces struct {
	registry    *registry.Registry
	pipeline    *engine.Pipeline
	coordinator *engine.Coordinator
}

// buildEngine validates the configuration, loads the identity index and
// wires the matcher, grouper, embedder and pipeline together.
func buildEngine(ctx context.Context, cfg *config.Config, st store.Store) (*enginePieces, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	reg := registry.New(st, cfg.Engine.EMAAlpha)
	if err := reg.Load(ctx); err != nil {
		return nil, fmt.Errorf("load identity index: %w", err)
	}

	matcher := engine.NewMatcher(
		reg,
		cfg.Engine.ActiveSchemeVersion,
		cfg.Engine.EmbeddingWeights,
		cfg.Engine.MatchThreshold,
		cfg.Engine.LowConfidenceMargin,
		cfg.Engine.TopK,
	)
	grouper := engine.NewGrouper(st, cfg.Engine.BurstWindow, cfg.Engine.MaxBurstSize)
	service := embedder.NewService(
		embedder.NewClient(cfg.Embedder.URL),
		embedder.NewDirSource(cfg.Embedder.CaptureDir),
		cfg.Embedder.MaxCropSize,
	)

	pipeline := engine.NewPipeline(st, reg, matcher, grouper, service, engine.PipelineOptions{
		Scheme:        cfg.Engine.ActiveSchemeVersion,
		LegacySchemes: legacySchemes(cfg),
		IoUThreshold:  cfg.Engine.IoUThreshold,
		Workers:       cfg.Engine.Workers,
		RetryAttempts: cfg.Engine.RetryAttempts,
		RetryBackoff:  cfg.Engine.RetryBackoff,
	})

	return &enginePieces{
		registry:    reg,
		pipeline:    pipeline,
		coordinator: engine.NewCoordinator(st, pipeline),
	}, nil
}

// legacySchemes lists the configured scheme versions other than the
// active one. Observations resolved under these schemes can still match
// through their stored embeddings.
func legacySchemes(cfg *config.Config) []string {
	var out []string
	for name := range cfg.Schemes.Schemes {
		if name != cfg.Engine.ActiveSchemeVersion {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
