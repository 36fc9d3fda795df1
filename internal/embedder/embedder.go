package embedder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// FrameSource loads the full capture frame an observation was detected in.
type FrameSource interface {
	Frame(ctx context.Context, captureID string) ([]byte, error)
}

// DirSource reads capture frames from a flat directory, one file per
// capture id.
type DirSource struct {
	root string
}

func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

var frameExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

func (d *DirSource) Frame(ctx context.Context, captureID string) ([]byte, error) {
	for _, ext := range frameExtensions {
		data, err := os.ReadFile(filepath.Join(d.root, captureID+ext))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read capture frame %s: %w", captureID, err)
		}
	}
	return nil, fmt.Errorf("capture frame %s: %w", captureID, store.ErrNotFound)
}

// Service implements the pipeline's embedding step: crop the observation
// out of its capture frame, downscale oversized crops and send them to
// the embedding server.
type Service struct {
	client  *Client
	source  FrameSource
	maxSize int
}

func NewService(client *Client, source FrameSource, maxSize int) *Service {
	return &Service{client: client, source: source, maxSize: maxSize}
}

func (s *Service) Embed(ctx context.Context, obs *store.Observation, scheme string) (*store.EmbeddingSet, error) {
	frame, err := s.source.Frame(ctx, obs.CaptureID)
	if err != nil {
		return nil, fmt.Errorf("load frame for observation %d: %w", obs.ID, err)
	}

	crop, err := CropRegion(frame, obs.BBox)
	if err != nil {
		return nil, fmt.Errorf("crop observation %d: %w", obs.ID, err)
	}
	if s.maxSize > 0 {
		crop, err = ResizeImage(crop, s.maxSize)
		if err != nil {
			return nil, fmt.Errorf("resize crop for observation %d: %w", obs.ID, err)
		}
	}

	return s.client.Extract(ctx, crop, scheme)
}
