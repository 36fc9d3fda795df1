package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/config"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store/postgres"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [manifest]",
	Short: "Load detector observations from a manifest file",
	Long: `Loads detector output into the observation store. The manifest is a
JSON-lines file with one detection per line:

  {"capture_id": "c1", "sensor_id": "cam-07", "bbox": [10, 20, 110, 220],
   "confidence": 0.92, "category": "deer", "captured_at": "2026-03-01T06:12:00Z"}

Ingested observations stay pending until a resolve run picks them up.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

// ingestRecord is one manifest line.
type ingestRecord struct {
	CaptureID  string    `json:"capture_id"`
	SensorID   string    `json:"sensor_id"`
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Category   string    `json:"category"`
	CapturedAt time.Time `json:"captured_at"`
}

func (r *ingestRecord) validate() error {
	if r.CaptureID == "" || r.SensorID == "" {
		return errors.New("capture_id and sensor_id are required")
	}
	if r.CapturedAt.IsZero() {
		return errors.New("captured_at is required")
	}
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	fmt.Println("Connecting to PostgreSQL database...")
	st, err := postgres.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer st.Close()

	bar := progressbar.Default(-1, "ingesting")
	ctx := cmd.Context()

	inserted := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var rec ingestRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			return fmt.Errorf("manifest line %d: %w", line, err)
		}
		if err := rec.validate(); err != nil {
			return fmt.Errorf("manifest line %d: %w", line, err)
		}

		_, err := st.InsertObservation(ctx, &store.Observation{
			CaptureID:  rec.CaptureID,
			SensorID:   rec.SensorID,
			BBox:       rec.BBox,
			Confidence: rec.Confidence,
			Category:   rec.Category,
			CapturedAt: rec.CapturedAt,
		})
		if err != nil {
			return fmt.Errorf("manifest line %d: insert observation: %w", line, err)
		}
		inserted++
		_ = bar.Add(1)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	_ = bar.Finish()

	fmt.Printf("\nIngested %d observations\n", inserted)
	return nil
}
