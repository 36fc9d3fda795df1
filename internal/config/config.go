package config

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config is the immutable configuration passed into the pipeline at
// construction time. There are no ambient globals; components receive the
// sections they need.
type Config struct {
	Engine   EngineConfig
	Embedder EmbedderConfig
	Database DatabaseConfig
	Web      WebConfig
	Schemes  SchemesConfig
}

// EngineConfig holds the resolution decision parameters.
type EngineConfig struct {
	IoUThreshold        float64 // duplicate suppression overlap threshold (default 0.5)
	BurstWindow         time.Duration
	MaxBurstSize        int
	MatchThreshold      float64
	LowConfidenceMargin float64
	TopK                int
	EMAAlpha            float64
	ActiveSchemeVersion string
	EmbeddingWeights    map[string]float64 // member name -> weight, must sum to 1.0
	Workers             int
	RetryAttempts       int
	RetryBackoff        time.Duration
}

// EmbedderConfig configures the embedding service client.
type EmbedderConfig struct {
	URL         string // defaults to http://localhost:8000
	MaxCropSize int    // crops larger than this are downscaled before upload
	CaptureDir  string // directory holding capture frames, keyed by capture id
}

// DatabaseConfig configures the PostgreSQL observation/identity store.
type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL; empty selects the in-memory store
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
	IndexPath    string // Path to persist the HNSW similarity index (optional)
}

// WebConfig configures the HTTP API server.
type WebConfig struct {
	Host string
	Port int
}

// SchemesConfig holds the embedded per-scheme weight profiles.
type SchemesConfig struct {
	Schemes map[string]SchemeProfile `yaml:"schemes"`
}

// SchemeProfile is one scheme version's default embedding weights.
type SchemeProfile struct {
	Weights map[string]float64 `yaml:"weights"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a float.
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// parseWeights parses "name=weight,name=weight" pairs. Invalid input
// returns nil so the scheme profile default applies.
func parseWeights(s string) map[string]float64 {
	if s == "" {
		return nil
	}
	out := make(map[string]float64)
	for _, pair := range strings.Split(s, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil
		}
		out[strings.TrimSpace(name)] = w
	}
	return out
}

// Load reads configuration from the environment. Call Validate before use.
func Load() *Config {
	var schemes SchemesConfig
	if err := yaml.Unmarshal(defaultsYAML, &schemes); err != nil {
		// This is an embedded file so this error should never happen in practice.
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	activeScheme := os.Getenv("ACTIVE_SCHEME_VERSION")
	if activeScheme == "" {
		activeScheme = "v2"
	}

	weights := parseWeights(os.Getenv("EMBEDDING_WEIGHTS"))
	if weights == nil {
		if profile, ok := schemes.Schemes[activeScheme]; ok {
			weights = profile.Weights
		}
	}

	return &Config{
		Engine: EngineConfig{
			IoUThreshold:        envFloat("IOU_THRESHOLD", 0.5),
			BurstWindow:         time.Duration(envInt("BURST_WINDOW_SECONDS", 60)) * time.Second,
			MaxBurstSize:        envInt("MAX_BURST_SIZE", 50),
			MatchThreshold:      envFloat("MATCH_THRESHOLD", 0.55),
			LowConfidenceMargin: envFloat("LOW_CONFIDENCE_MARGIN", 0.05),
			TopK:                envInt("MATCH_TOP_K", 20),
			EMAAlpha:            envFloat("EMA_ALPHA", 0.3),
			ActiveSchemeVersion: activeScheme,
			EmbeddingWeights:    weights,
			Workers:             envInt("PIPELINE_WORKERS", 4),
			RetryAttempts:       envInt("RETRY_ATTEMPTS", 3),
			RetryBackoff:        time.Duration(envInt("RETRY_BACKOFF_MS", 250)) * time.Millisecond,
		},
		Embedder: EmbedderConfig{
			URL:         os.Getenv("EMBEDDING_URL"),
			MaxCropSize: envInt("EMBEDDING_MAX_CROP_SIZE", 640),
			CaptureDir:  os.Getenv("CAPTURE_DIR"),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
			IndexPath:    os.Getenv("HNSW_INDEX_PATH"),
		},
		Web: WebConfig{
			Host: os.Getenv("WEB_HOST"),
			Port: envInt("WEB_PORT", 8080),
		},
		Schemes: schemes,
	}
}

// weightSumTolerance bounds the allowed deviation of the weight sum from 1.0.
const weightSumTolerance = 1e-6

// Validate checks the decision parameters. It runs once at startup so
// configuration errors fail fast, never at per-observation time.
func (c *Config) Validate() error {
	e := &c.Engine
	if e.IoUThreshold <= 0 || e.IoUThreshold > 1 {
		return fmt.Errorf("iou_threshold must be in (0, 1], got %v", e.IoUThreshold)
	}
	if e.BurstWindow <= 0 {
		return fmt.Errorf("burst_window_seconds must be positive, got %v", e.BurstWindow)
	}
	if e.MaxBurstSize <= 0 {
		return fmt.Errorf("max_burst_size must be positive, got %d", e.MaxBurstSize)
	}
	if e.MatchThreshold <= -1 || e.MatchThreshold > 1 {
		return fmt.Errorf("match_threshold must be in (-1, 1], got %v", e.MatchThreshold)
	}
	if e.LowConfidenceMargin < 0 {
		return fmt.Errorf("low_confidence_margin must not be negative, got %v", e.LowConfidenceMargin)
	}
	if e.TopK <= 0 {
		return fmt.Errorf("match_top_k must be positive, got %d", e.TopK)
	}
	if e.EMAAlpha <= 0 || e.EMAAlpha > 1 {
		return fmt.Errorf("ema_alpha must be in (0, 1], got %v", e.EMAAlpha)
	}
	if e.ActiveSchemeVersion == "" {
		return fmt.Errorf("active_scheme_version must not be empty")
	}
	if len(e.EmbeddingWeights) == 0 {
		return fmt.Errorf("no embedding weights configured for scheme %q", e.ActiveSchemeVersion)
	}
	var sum float64
	for name, w := range e.EmbeddingWeights {
		if w < 0 {
			return fmt.Errorf("embedding weight %q must not be negative, got %v", name, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("embedding weights must sum to 1.0, got %v", sum)
	}
	if e.Workers <= 0 {
		return fmt.Errorf("pipeline_workers must be positive, got %d", e.Workers)
	}
	return nil
}
