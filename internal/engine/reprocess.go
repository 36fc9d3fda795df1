package engine

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// Progress tracks one reprocessing run. All counters are safe to read
// while the run is in flight, so job status endpoints can poll them.
type Progress struct {
	Total   atomic.Int64
	Skipped atomic.Int64
	Stats   Stats
}

// Snapshot is the plain-value view of Progress for serialization.
type Snapshot struct {
	Total     int64 `json:"total"`
	Skipped   int64 `json:"skipped"`
	Processed int64 `json:"processed"`
	Matched   int64 `json:"matched"`
	Created   int64 `json:"created"`
	Inherited int64 `json:"inherited"`
	Review    int64 `json:"review"`
	Failed    int64 `json:"failed"`
}

func (p *Progress) Snapshot() Snapshot {
	return Snapshot{
		Total:     p.Total.Load(),
		Skipped:   p.Skipped.Load(),
		Processed: p.Stats.Processed.Load(),
		Matched:   p.Stats.Matched.Load(),
		Created:   p.Stats.Created.Load(),
		Inherited: p.Stats.Inherited.Load(),
		Review:    p.Stats.Review.Load(),
		Failed:    p.Stats.Failed.Load(),
	}
}

// Coordinator re-runs resolution over stored observations after a
// configuration or scheme change. Progress lives in the observations
// themselves: a killed run is restarted, never resumed from a ledger.
type Coordinator struct {
	store    store.Store
	pipeline *Pipeline
}

func NewCoordinator(st store.Store, pipeline *Pipeline) *Coordinator {
	return &Coordinator{store: st, pipeline: pipeline}
}

// Reprocess re-resolves every observation the criterion selects, in
// capture-timestamp order within each sensor, which keeps burst grouping
// consistent with live processing. Observations already resolved under
// the active scheme are skipped unless the criterion names them
// explicitly (all, or the active scheme version): re-running the default
// unassigned criterion with an unchanged configuration is a no-op, while
// a threshold or weight change is applied by selecting the active scheme
// or everything. Cancellation is honored between observations, never
// mid-observation.
func (c *Coordinator) Reprocess(ctx context.Context, criterion store.ReprocessCriterion, progress *Progress) error {
	selected, err := c.store.ListForReprocess(ctx, criterion)
	if err != nil {
		return fmt.Errorf("select observations for reprocessing: %w", err)
	}
	progress.Total.Store(int64(len(selected)))

	// The criterion asked for active-scheme observations by name, so they
	// re-resolve under the current configuration instead of skipping.
	forceCurrent := criterion.All || criterion.SchemeVersion == c.pipeline.scheme

	for i := range selected {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Re-read: a burst sibling resolved earlier in this run may have
		// propagated onto this observation since selection.
		obs, err := c.store.GetObservation(ctx, selected[i].ID)
		if err != nil {
			progress.Stats.Failed.Add(1)
			log.Printf("load observation %d for reprocessing: %v", selected[i].ID, err)
			continue
		}

		if !forceCurrent && obs.Resolved() && obs.SchemeVersion == c.pipeline.scheme {
			progress.Skipped.Add(1)
			continue
		}

		if obs.Resolved() || obs.NeedsReview {
			if err := c.reset(ctx, obs); err != nil {
				progress.Stats.Failed.Add(1)
				log.Printf("reset observation %d for reprocessing: %v", obs.ID, err)
				continue
			}
		}

		if err := c.pipeline.resolveWithRetry(ctx, obs, &progress.Stats); err != nil {
			progress.Stats.Failed.Add(1)
			log.Printf("reprocess observation %d: %v", obs.ID, err)
		}
	}
	return nil
}

// reset clears a stale resolution so the pipeline re-resolves the
// observation under the current configuration. The burst group id stays:
// burst membership depends only on capture time and sensor, which never
// change.
func (c *Coordinator) reset(ctx context.Context, obs *store.Observation) error {
	var (
		noIdentity int64
		noScheme   string
		noScore    float64
		noReview   bool
		noReason   store.ReviewReason
	)
	upd := store.ResolutionUpdate{
		ObservationID: obs.ID,
		IdentityID:    &noIdentity,
		SchemeVersion: &noScheme,
		MatchScore:    &noScore,
		NeedsReview:   &noReview,
		ReviewReason:  &noReason,
	}
	if err := c.store.UpdateResolution(ctx, upd); err != nil {
		return err
	}
	obs.IdentityID = 0
	obs.SchemeVersion = ""
	obs.MatchScore = 0
	obs.NeedsReview = false
	obs.ReviewReason = ""
	return nil
}
