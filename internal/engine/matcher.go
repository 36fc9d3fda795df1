package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/registry"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// fusedEpsilon is the score distance under which two candidates are
// considered tied and broken by sighting count, then by lower id.
const fusedEpsilon = 1e-6

// IdentityRegistry is the slice of the registry the matcher needs.
type IdentityRegistry interface {
	Query(vec []float32, member, scheme, category string, k int) ([]registry.Candidate, error)
	HasScheme(identityID int64, scheme string) bool
	Get(ctx context.Context, id int64) (*store.Identity, error)
	LockCreation(category string) func()
	CreateIdentity(ctx context.Context, set *store.EmbeddingSet, category string, seenAt time.Time) (*store.Identity, error)
}

// Matcher fuses per-member similarity queries into a single match decision.
type Matcher struct {
	registry  IdentityRegistry
	scheme    string
	weights   map[string]float64
	threshold float64
	margin    float64
	topK      int
}

func NewMatcher(reg IdentityRegistry, scheme string, weights map[string]float64, threshold, margin float64, topK int) *Matcher {
	return &Matcher{
		registry:  reg,
		scheme:    scheme,
		weights:   weights,
		threshold: threshold,
		margin:    margin,
		topK:      topK,
	}
}

// candidate accumulates per-member similarities for one identity.
type candidate struct {
	id     int64
	scores map[string]float64
}

// fused computes the weighted score, renormalized over the members this
// candidate actually has scores for. Members without a score contribute
// nothing instead of dragging the average down.
func (c *candidate) fused(weights map[string]float64) float64 {
	var sum, wsum float64
	for member, score := range c.scores {
		w := weights[member]
		sum += w * score
		wsum += w
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

// Evaluation is the outcome of one query round against the index.
type Evaluation struct {
	BestID       int64
	BestScore    float64
	MemberScores map[string]float64
}

// Evaluate queries the index for every weighted member of the active
// scheme, falls back to legacy schemes for identities that predate the
// active one, and returns the best fused candidate. A nil Evaluation
// means the index returned no candidates at all.
func (m *Matcher) Evaluate(ctx context.Context, obs *store.Observation, sets map[string]*store.EmbeddingSet) (*Evaluation, error) {
	active := sets[m.scheme]
	if active == nil {
		return nil, fmt.Errorf("no embeddings for scheme %q on observation %d", m.scheme, obs.ID)
	}

	byID := make(map[int64]*candidate)
	record := func(id int64, member string, sim float64) {
		c := byID[id]
		if c == nil {
			c = &candidate{id: id, scores: make(map[string]float64)}
			byID[id] = c
		}
		if sim > c.scores[member] || c.scores[member] == 0 {
			c.scores[member] = sim
		}
	}

	for member, w := range m.weights {
		if w == 0 {
			continue
		}
		vec := active.Member(member)
		if vec == nil {
			continue
		}
		hits, err := m.registry.Query(vec, member, m.scheme, obs.Category, m.topK)
		if err != nil {
			return nil, fmt.Errorf("query %s/%s: %w", m.scheme, member, err)
		}
		for _, h := range hits {
			record(h.IdentityID, member, h.Similarity)
		}
	}

	// Identities created before the active scheme only exist in legacy
	// graphs. Query those with the observation's legacy vectors and keep
	// hits that have no active-scheme embedding, so nothing is counted
	// twice.
	for scheme, set := range sets {
		if scheme == m.scheme || set == nil {
			continue
		}
		for member, w := range m.weights {
			if w == 0 {
				continue
			}
			vec := set.Member(member)
			if vec == nil {
				continue
			}
			hits, err := m.registry.Query(vec, member, scheme, obs.Category, m.topK)
			if err != nil {
				return nil, fmt.Errorf("query %s/%s: %w", scheme, member, err)
			}
			for _, h := range hits {
				if m.registry.HasScheme(h.IdentityID, m.scheme) {
					continue
				}
				record(h.IdentityID, member, h.Similarity)
			}
		}
	}

	if len(byID) == 0 {
		return nil, nil
	}

	candidates := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].id < candidates[j].id
	})

	best := candidates[0]
	bestScore := best.fused(m.weights)
	for _, c := range candidates[1:] {
		s := c.fused(m.weights)
		switch {
		case s > bestScore+fusedEpsilon:
			best, bestScore = c, s
		case s > bestScore-fusedEpsilon:
			// Tied: the identity with more sightings wins, then the
			// lower id. The slice is id-ordered so the incumbent
			// already has the lower id.
			if m.moreSightings(ctx, c.id, best.id) {
				best, bestScore = c, s
			}
		}
	}

	return &Evaluation{
		BestID:       best.id,
		BestScore:    bestScore,
		MemberScores: best.scores,
	}, nil
}

func (m *Matcher) moreSightings(ctx context.Context, a, b int64) bool {
	ia, err := m.registry.Get(ctx, a)
	if err != nil {
		return false
	}
	ib, err := m.registry.Get(ctx, b)
	if err != nil {
		return false
	}
	return ia.SightingCount > ib.SightingCount
}

// Resolve decides between matching the observation to an existing
// identity and creating a new one. Creation happens inside the per
// category critical section, after one more evaluation round, so two
// concurrent resolvers cannot both create an identity for the same
// individual.
func (m *Matcher) Resolve(ctx context.Context, obs *store.Observation, sets map[string]*store.EmbeddingSet) (Outcome, error) {
	eval, err := m.Evaluate(ctx, obs, sets)
	if err != nil {
		return nil, err
	}
	if out := m.accept(eval); out != nil {
		return out, nil
	}

	unlock := m.registry.LockCreation(obs.Category)
	defer unlock()

	// A racing resolver may have created the matching identity between
	// the first evaluation and taking the lock.
	eval, err = m.Evaluate(ctx, obs, sets)
	if err != nil {
		return nil, err
	}
	if out := m.accept(eval); out != nil {
		return out, nil
	}

	identity, err := m.registry.CreateIdentity(ctx, sets[m.scheme], obs.Category, obs.CapturedAt)
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	created := Created{IdentityID: identity.ID}
	if eval != nil {
		created.BestScore = eval.BestScore
		created.BestCandidate = eval.BestID
	}
	return created, nil
}

// accept turns an evaluation into a Matched outcome, or nil when the
// score does not clear the low-confidence floor.
func (m *Matcher) accept(eval *Evaluation) Outcome {
	if eval == nil {
		return nil
	}
	switch {
	case eval.BestScore >= m.threshold:
		return Matched{IdentityID: eval.BestID, Score: eval.BestScore, MemberScores: eval.MemberScores}
	case eval.BestScore > m.threshold-m.margin:
		return Matched{IdentityID: eval.BestID, Score: eval.BestScore, LowConfidence: true, MemberScores: eval.MemberScores}
	default:
		return nil
	}
}
