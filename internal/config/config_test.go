package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"IOU_THRESHOLD", "BURST_WINDOW_SECONDS", "MAX_BURST_SIZE",
		"MATCH_THRESHOLD", "EMA_ALPHA", "ACTIVE_SCHEME_VERSION",
		"EMBEDDING_WEIGHTS", "PIPELINE_WORKERS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Engine.IoUThreshold != 0.5 {
		t.Errorf("expected default iou threshold 0.5, got %v", cfg.Engine.IoUThreshold)
	}
	if cfg.Engine.BurstWindow != 60*time.Second {
		t.Errorf("expected default burst window 60s, got %v", cfg.Engine.BurstWindow)
	}
	if cfg.Engine.MaxBurstSize != 50 {
		t.Errorf("expected default max burst size 50, got %d", cfg.Engine.MaxBurstSize)
	}
	if cfg.Engine.EMAAlpha != 0.3 {
		t.Errorf("expected default ema alpha 0.3, got %v", cfg.Engine.EMAAlpha)
	}
	if cfg.Engine.ActiveSchemeVersion != "v2" {
		t.Errorf("expected default scheme v2, got %s", cfg.Engine.ActiveSchemeVersion)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoad_SchemeProfileWeights(t *testing.T) {
	t.Setenv("EMBEDDING_WEIGHTS", "")
	t.Setenv("ACTIVE_SCHEME_VERSION", "v2")

	cfg := Load()

	if cfg.Engine.EmbeddingWeights["primary"] != 0.7 {
		t.Errorf("expected primary weight 0.7 from v2 profile, got %v", cfg.Engine.EmbeddingWeights["primary"])
	}
	if cfg.Engine.EmbeddingWeights["auxiliary"] != 0.3 {
		t.Errorf("expected auxiliary weight 0.3 from v2 profile, got %v", cfg.Engine.EmbeddingWeights["auxiliary"])
	}
}

func TestLoad_LegacySchemeProfile(t *testing.T) {
	t.Setenv("EMBEDDING_WEIGHTS", "")
	t.Setenv("ACTIVE_SCHEME_VERSION", "v1")

	cfg := Load()

	if cfg.Engine.EmbeddingWeights["primary"] != 1.0 {
		t.Errorf("expected primary weight 1.0 from v1 profile, got %v", cfg.Engine.EmbeddingWeights["primary"])
	}
}

func TestLoad_WeightsOverride(t *testing.T) {
	t.Setenv("EMBEDDING_WEIGHTS", "primary=0.6, auxiliary=0.4")

	cfg := Load()

	if cfg.Engine.EmbeddingWeights["primary"] != 0.6 {
		t.Errorf("expected primary weight 0.6, got %v", cfg.Engine.EmbeddingWeights["primary"])
	}
	if cfg.Engine.EmbeddingWeights["auxiliary"] != 0.4 {
		t.Errorf("expected auxiliary weight 0.4, got %v", cfg.Engine.EmbeddingWeights["auxiliary"])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("overridden weights should validate, got %v", err)
	}
}

func TestLoad_InvalidWeightsFallBackToProfile(t *testing.T) {
	t.Setenv("EMBEDDING_WEIGHTS", "not-a-weight-list")
	t.Setenv("ACTIVE_SCHEME_VERSION", "v2")

	cfg := Load()

	// Invalid override falls back to the embedded profile.
	if cfg.Engine.EmbeddingWeights["primary"] != 0.7 {
		t.Errorf("expected profile weight 0.7, got %v", cfg.Engine.EmbeddingWeights["primary"])
	}
}

func TestValidate_WeightSum(t *testing.T) {
	tests := []struct {
		name    string
		weights map[string]float64
		wantErr bool
	}{
		{"sums to one", map[string]float64{"primary": 0.7, "auxiliary": 0.3}, false},
		{"sums above one", map[string]float64{"primary": 0.8, "auxiliary": 0.3}, true},
		{"sums below one", map[string]float64{"primary": 0.5}, true},
		{"negative weight", map[string]float64{"primary": 1.5, "auxiliary": -0.5}, true},
		{"empty", map[string]float64{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Engine.EmbeddingWeights = tt.weights
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Thresholds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero iou", func(c *Config) { c.Engine.IoUThreshold = 0 }, true},
		{"iou above one", func(c *Config) { c.Engine.IoUThreshold = 1.2 }, true},
		{"negative burst window", func(c *Config) { c.Engine.BurstWindow = -time.Second }, true},
		{"zero burst size", func(c *Config) { c.Engine.MaxBurstSize = 0 }, true},
		{"match threshold too low", func(c *Config) { c.Engine.MatchThreshold = -1.5 }, true},
		{"negative margin", func(c *Config) { c.Engine.LowConfidenceMargin = -0.1 }, true},
		{"zero alpha", func(c *Config) { c.Engine.EMAAlpha = 0 }, true},
		{"alpha above one", func(c *Config) { c.Engine.EMAAlpha = 1.1 }, true},
		{"empty scheme", func(c *Config) { c.Engine.ActiveSchemeVersion = "" }, true},
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			IoUThreshold:        0.5,
			BurstWindow:         60 * time.Second,
			MaxBurstSize:        50,
			MatchThreshold:      0.55,
			LowConfidenceMargin: 0.05,
			TopK:                20,
			EMAAlpha:            0.3,
			ActiveSchemeVersion: "v2",
			EmbeddingWeights:    map[string]float64{"primary": 0.7, "auxiliary": 0.3},
			Workers:             4,
			RetryAttempts:       3,
			RetryBackoff:        250 * time.Millisecond,
		},
	}
}
