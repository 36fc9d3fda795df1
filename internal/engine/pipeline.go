package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/registry"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// Embedder produces the named embedding vectors for one observation's
// crop under a scheme version.
type Embedder interface {
	Embed(ctx context.Context, obs *store.Observation, scheme string) (*store.EmbeddingSet, error)
}

// Resolver is the registry surface the pipeline needs on top of matching.
type Resolver interface {
	IdentityRegistry
	RecordSighting(ctx context.Context, identityID int64, set *store.EmbeddingSet, seenAt time.Time) error
	// SchemePopulated reports whether any identity holds embeddings under
	// the scheme; it gates legacy-scheme extraction for fresh observations.
	SchemePopulated(scheme string) bool
}

// Stats counts pipeline outcomes across one run.
type Stats struct {
	Processed  atomic.Int64
	Matched    atomic.Int64
	Created    atomic.Int64
	Inherited  atomic.Int64
	Duplicates atomic.Int64
	Review     atomic.Int64
	Failed     atomic.Int64
}

// Pipeline runs observations through duplicate suppression, burst
// grouping, matching and write-back. One Pipeline serves all workers; it
// holds no per-observation state.
type Pipeline struct {
	store    store.Store
	resolver Resolver
	matcher  *Matcher
	grouper  *Grouper
	embedder Embedder

	scheme        string
	legacySchemes []string
	iouThreshold  float64
	workers       int
	retryAttempts int
	retryBackoff  time.Duration
}

type PipelineOptions struct {
	Scheme        string
	LegacySchemes []string
	IoUThreshold  float64
	Workers       int
	RetryAttempts int
	RetryBackoff  time.Duration
}

func NewPipeline(st store.Store, resolver Resolver, matcher *Matcher, grouper *Grouper, embedder Embedder, opts PipelineOptions) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	return &Pipeline{
		store:         st,
		resolver:      resolver,
		matcher:       matcher,
		grouper:       grouper,
		embedder:      embedder,
		scheme:        opts.Scheme,
		legacySchemes: opts.LegacySchemes,
		iouThreshold:  opts.IoUThreshold,
		workers:       opts.Workers,
		retryAttempts: opts.RetryAttempts,
		retryBackoff:  opts.RetryBackoff,
	}
}

// Run resolves all pending observations. Captures are distributed over
// the worker pool; a failing observation is counted and logged, never
// aborts the batch.
func (p *Pipeline) Run(ctx context.Context, limit int) (*Stats, error) {
	pending, err := p.store.ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending observations: %w", err)
	}

	stats := &Stats{}
	captures := groupByCapture(pending)

	jobs := make(chan []store.Observation)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range jobs {
				p.resolveCapture(ctx, batch, stats)
			}
		}()
	}

	for _, batch := range captures {
		if err := ctx.Err(); err != nil {
			close(jobs)
			wg.Wait()
			return stats, err
		}
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return stats, ctx.Err()
		case jobs <- batch:
		}
	}
	close(jobs)
	wg.Wait()
	return stats, nil
}

// groupByCapture splits observations into per-capture batches, ordered by
// capture timestamp so earlier encounters resolve first.
func groupByCapture(observations []store.Observation) [][]store.Observation {
	byCapture := make(map[string][]store.Observation)
	var order []string
	for _, o := range observations {
		if _, ok := byCapture[o.CaptureID]; !ok {
			order = append(order, o.CaptureID)
		}
		byCapture[o.CaptureID] = append(byCapture[o.CaptureID], o)
	}
	batches := make([][]store.Observation, 0, len(order))
	for _, id := range order {
		batches = append(batches, byCapture[id])
	}
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i][0].CapturedAt.Before(batches[j][0].CapturedAt)
	})
	return batches
}

// resolveCapture suppresses duplicates within one capture, then resolves
// the surviving observations in id order.
func (p *Pipeline) resolveCapture(ctx context.Context, batch []store.Observation, stats *Stats) {
	dedup := SuppressDuplicates(batch, p.iouThreshold)

	for _, id := range dedup.Invalid {
		stats.Review.Add(1)
		flag, reason := true, store.ReviewInvalidBBox
		upd := store.ResolutionUpdate{
			ObservationID: id,
			IsDuplicate:   &flag,
			NeedsReview:   &flag,
			ReviewReason:  &reason,
		}
		if err := p.store.UpdateResolution(ctx, upd); err != nil {
			log.Printf("flag invalid observation %d: %v", id, err)
		}
	}
	for id, dup := range dedup.Duplicates {
		if !dup || containsID(dedup.Invalid, id) {
			continue
		}
		stats.Duplicates.Add(1)
		flag := true
		upd := store.ResolutionUpdate{ObservationID: id, IsDuplicate: &flag}
		if err := p.store.UpdateResolution(ctx, upd); err != nil {
			log.Printf("flag duplicate observation %d: %v", id, err)
		}
	}

	for _, id := range dedup.Kept {
		obs, err := p.store.GetObservation(ctx, id)
		if err != nil {
			stats.Failed.Add(1)
			log.Printf("load observation %d: %v", id, err)
			continue
		}
		if err := p.resolveWithRetry(ctx, obs, stats); err != nil {
			stats.Failed.Add(1)
			log.Printf("resolve observation %d: %v", id, err)
		}
	}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// resolveWithRetry retries ResolveObservation on transient store or index
// failures with linear backoff. Non-retryable errors surface immediately.
func (p *Pipeline) resolveWithRetry(ctx context.Context, obs *store.Observation, stats *Stats) error {
	var err error
	for attempt := 0; attempt < p.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * p.retryBackoff):
			}
		}
		err = p.ResolveObservation(ctx, obs, stats)
		if err == nil || !store.IsRetryable(err) {
			return err
		}
	}
	return err
}

// ResolveObservation runs one observation through burst grouping and
// matching. Embedding extraction runs outside the burst lock; the lock is
// reacquired afterwards and grouping re-checked, so a sibling resolved in
// the meantime is inherited instead of matched twice.
func (p *Pipeline) ResolveObservation(ctx context.Context, obs *store.Observation, stats *Stats) error {
	if obs.Resolved() || obs.IsDuplicate || obs.NeedsReview {
		return nil
	}
	stats.Processed.Add(1)

	unlock := p.grouper.Lock(obs)
	assignment, err := p.grouper.Group(ctx, obs)
	if err != nil {
		unlock()
		return err
	}
	if assignment.InheritedIdentity != 0 {
		err := p.adopt(ctx, obs, assignment, stats)
		unlock()
		return err
	}
	unlock()

	sets, err := p.embeddings(ctx, obs)
	if err != nil {
		if store.IsRetryable(err) {
			return err
		}
		// Permanent embedding failure: park the observation for manual
		// review instead of guessing an identity.
		log.Printf("extract embeddings for %d: %v", obs.ID, err)
		return p.park(ctx, obs, Unresolved{Reason: store.ReviewEmbeddingFailed}, stats)
	}

	unlock = p.grouper.Lock(obs)
	defer unlock()

	assignment, err = p.grouper.Group(ctx, obs)
	if err != nil {
		return err
	}
	if assignment.InheritedIdentity != 0 {
		return p.adopt(ctx, obs, assignment, stats)
	}

	out, err := p.matcher.Resolve(ctx, obs, sets)
	if err != nil {
		return err
	}

	switch o := out.(type) {
	case Matched:
		decision := store.DecisionMatched
		if o.LowConfidence {
			decision = store.DecisionMatchedLowCon
		}
		if err := p.writeResolution(ctx, obs, o.IdentityID, o.Score); err != nil {
			return err
		}
		p.saveRecord(ctx, obs.ID, o.IdentityID, o.MemberScores, o.Score, decision)
		if err := p.resolver.RecordSighting(ctx, o.IdentityID, sets[p.scheme], obs.CapturedAt); err != nil {
			return fmt.Errorf("record sighting on identity %d: %w", o.IdentityID, err)
		}
		stats.Matched.Add(1)
	case Created:
		if err := p.writeResolution(ctx, obs, o.IdentityID, o.BestScore); err != nil {
			return err
		}
		p.saveRecord(ctx, obs.ID, o.BestCandidate, nil, o.BestScore, store.DecisionCreated)
		stats.Created.Add(1)
	default:
		return fmt.Errorf("unexpected match outcome %T", out)
	}

	propagated, err := p.grouper.Propagate(ctx, obs.BurstGroupID, obs.IdentityID, p.scheme)
	if err != nil {
		return fmt.Errorf("propagate burst %s: %w", obs.BurstGroupID, err)
	}
	stats.Inherited.Add(int64(len(propagated)))
	return nil
}

// park writes the review flags for an observation the pipeline could not
// resolve.
func (p *Pipeline) park(ctx context.Context, obs *store.Observation, out Unresolved, stats *Stats) error {
	flag := true
	reason := out.Reason
	upd := store.ResolutionUpdate{
		ObservationID: obs.ID,
		NeedsReview:   &flag,
		ReviewReason:  &reason,
	}
	if err := p.store.UpdateResolution(ctx, upd); err != nil {
		return fmt.Errorf("park observation %d for review: %w", obs.ID, err)
	}
	obs.NeedsReview = true
	obs.ReviewReason = reason
	stats.Review.Add(1)
	return nil
}

// adopt writes the identity inherited from a resolved burst sibling.
func (p *Pipeline) adopt(ctx context.Context, obs *store.Observation, assignment *BurstAssignment, stats *Stats) error {
	scheme := assignment.InheritedScheme
	if scheme == "" {
		scheme = p.scheme
	}
	upd := store.ResolutionUpdate{
		ObservationID: obs.ID,
		IdentityID:    &assignment.InheritedIdentity,
		SchemeVersion: &scheme,
	}
	if err := p.store.UpdateResolution(ctx, upd); err != nil {
		return fmt.Errorf("inherit identity %d: %w", assignment.InheritedIdentity, err)
	}
	obs.IdentityID = assignment.InheritedIdentity
	obs.SchemeVersion = scheme
	stats.Inherited.Add(1)
	return nil
}

// embeddings returns the observation's embedding sets keyed by scheme.
// The active scheme's set is computed and persisted on first need. Legacy
// sets are read back when stored; a missing legacy set is extracted only
// while the registry still holds identities under that scheme, so fresh
// observations can match animals not yet migrated.
func (p *Pipeline) embeddings(ctx context.Context, obs *store.Observation) (map[string]*store.EmbeddingSet, error) {
	sets := make(map[string]*store.EmbeddingSet)

	active, err := p.store.GetEmbeddingSet(ctx, obs.ID, p.scheme)
	if err != nil {
		return nil, fmt.Errorf("load embeddings for %d: %w", obs.ID, err)
	}
	if active == nil {
		active, err = p.embedder.Embed(ctx, obs, p.scheme)
		if err != nil {
			return nil, fmt.Errorf("extract embeddings for %d: %w", obs.ID, err)
		}
		if err := p.store.SaveEmbeddingSet(ctx, obs.ID, active); err != nil {
			return nil, fmt.Errorf("save embeddings for %d: %w", obs.ID, err)
		}
	}
	sets[p.scheme] = active

	for _, legacy := range p.legacySchemes {
		if legacy == p.scheme {
			continue
		}
		set, err := p.store.GetEmbeddingSet(ctx, obs.ID, legacy)
		if err != nil {
			return nil, fmt.Errorf("load legacy embeddings for %d: %w", obs.ID, err)
		}
		if set == nil && p.resolver.SchemePopulated(legacy) {
			set, err = p.embedder.Embed(ctx, obs, legacy)
			if err != nil {
				if store.IsRetryable(err) {
					return nil, fmt.Errorf("extract %s embeddings for %d: %w", legacy, obs.ID, err)
				}
				// Legacy vectors only widen the candidate search; matching
				// proceeds on the active scheme alone.
				log.Printf("extract %s embeddings for %d: %v", legacy, obs.ID, err)
				continue
			}
			if err := p.store.SaveEmbeddingSet(ctx, obs.ID, set); err != nil {
				return nil, fmt.Errorf("save %s embeddings for %d: %w", legacy, obs.ID, err)
			}
		}
		if set != nil {
			sets[legacy] = set
		}
	}
	return sets, nil
}

func (p *Pipeline) writeResolution(ctx context.Context, obs *store.Observation, identityID int64, score float64) error {
	upd := store.ResolutionUpdate{
		ObservationID: obs.ID,
		IdentityID:    &identityID,
		SchemeVersion: &p.scheme,
		MatchScore:    &score,
	}
	if err := p.store.UpdateResolution(ctx, upd); err != nil {
		return fmt.Errorf("write resolution for %d: %w", obs.ID, err)
	}
	obs.IdentityID = identityID
	obs.SchemeVersion = p.scheme
	obs.MatchScore = score
	return nil
}

// saveRecord persists the audit row for one decision. Audit failures are
// logged, not propagated: the resolution itself already committed.
func (p *Pipeline) saveRecord(ctx context.Context, obsID, candidateID int64, scores map[string]float64, fused float64, decision string) {
	rec := &store.SimilarityRecord{
		ObservationID: obsID,
		CandidateID:   candidateID,
		Scores:        scores,
		FusedScore:    fused,
		Decision:      decision,
	}
	if err := p.store.SaveSimilarityRecord(ctx, rec); err != nil {
		log.Printf("save similarity record for observation %d: %v", obsID, err)
	}
}

// Grouper exposes the burst grouper, used by the reprocessing coordinator.
func (p *Pipeline) Grouper() *Grouper { return p.grouper }

var _ Resolver = (*registry.Registry)(nil)
