// Package registry owns the canonical set of identities, their embeddings
// and the similarity index used for matching. Identity creation and
// updates are serialized here.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// Backend is the persistence the registry needs: identity storage plus
// the ability to repoint observations during a merge repair.
type Backend interface {
	store.IdentityStore

	// ReassignIdentity repoints all observations of one identity to another.
	ReassignIdentity(ctx context.Context, fromIdentity, toIdentity int64) error
}

// Registry serializes identity creation and updates and answers
// similarity queries through its in-memory index.
type Registry struct {
	backend Backend
	index   *Index
	alpha   float64 // EMA weight on the new observation

	// createMu serializes the check-then-create sequence per category so
	// two concurrent observations of a never-before-seen animal cannot
	// both create an identity. Sharding by category keeps unrelated
	// species from serializing each other.
	createMu   sync.Mutex
	createLock map[string]*sync.Mutex
}

// New creates a registry over the given backend. Call Load before use.
func New(backend Backend, alpha float64) *Registry {
	return &Registry{
		backend:    backend,
		index:      NewIndex(),
		alpha:      alpha,
		createLock: make(map[string]*sync.Mutex),
	}
}

// Load builds the similarity index from the persisted identities.
func (r *Registry) Load(ctx context.Context) error {
	identities, err := r.backend.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("list identities: %w", err)
	}
	r.index.Rebuild(identities)
	log.Printf("identity index loaded: %d identities", len(identities))
	return nil
}

// Index exposes the similarity index for persistence management.
func (r *Registry) Index() *Index {
	return r.index
}

// Get retrieves an identity.
func (r *Registry) Get(ctx context.Context, id int64) (*store.Identity, error) {
	return r.backend.GetIdentity(ctx, id)
}

// Count returns the number of persisted identities.
func (r *Registry) Count(ctx context.Context) (int, error) {
	return r.backend.CountIdentities(ctx)
}

// Query returns the top-k nearest identities for one embedding member
// under the given scheme, restricted to the compatible category.
func (r *Registry) Query(vec []float32, member, scheme, category string, k int) ([]Candidate, error) {
	return r.index.Query(vec, member, scheme, category, k)
}

// HasScheme reports whether the identity holds embeddings for the scheme.
func (r *Registry) HasScheme(identityID int64, scheme string) bool {
	return r.index.HasScheme(identityID, scheme)
}

// SchemePopulated reports whether any identity holds embeddings for
// the scheme.
func (r *Registry) SchemePopulated(scheme string) bool {
	return r.index.SchemePopulated(scheme)
}

// LockCreation acquires the category's creation critical section and
// returns the unlock function. The section must cover only the final
// similarity re-check plus creation, never embedding extraction.
func (r *Registry) LockCreation(category string) func() {
	key := store.NormalizeCategory(category)
	r.createMu.Lock()
	mu, ok := r.createLock[key]
	if !ok {
		mu = &sync.Mutex{}
		r.createLock[key] = mu
	}
	r.createMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// CreateIdentity allocates a new identity for an observation that matched
// nothing. This is the only code path that allocates identity ids. The
// identity is inserted into the similarity index before this returns so
// concurrent lookups can already find it. Callers must hold the category's
// creation lock (see LockCreation).
func (r *Registry) CreateIdentity(ctx context.Context, set *store.EmbeddingSet, category string, seenAt time.Time) (*store.Identity, error) {
	if set == nil || len(set.Vectors) == 0 {
		return nil, fmt.Errorf("cannot create identity without embeddings")
	}

	identity := &store.Identity{
		Category:      category,
		Embeddings:    map[string]*store.EmbeddingSet{set.SchemeVersion: set.Clone()},
		FirstSeen:     seenAt,
		LastSeen:      seenAt,
		SightingCount: 1,
	}

	id, err := r.backend.CreateIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	identity.ID = id

	r.index.Insert(identity)
	return identity, nil
}

// RecordSighting refreshes an identity after a confirmed match: each stored
// embedding member is blended with the observation's via EMA and
// renormalized, the sighting count increments, and first/last seen are
// recomputed as min/max so reprocessing older observations never regresses
// the timeline.
func (r *Registry) RecordSighting(ctx context.Context, identityID int64, set *store.EmbeddingSet, seenAt time.Time) error {
	identity, err := r.backend.GetIdentity(ctx, identityID)
	if err != nil {
		return fmt.Errorf("get identity %d: %w", identityID, err)
	}

	existing := identity.Embeddings[set.SchemeVersion]
	if existing == nil {
		// First sighting under this scheme version; adopt the whole set.
		// Older scheme sets stay so legacy matching keeps working.
		identity.Embeddings[set.SchemeVersion] = set.Clone()
	} else {
		for member, vec := range set.Vectors {
			old := existing.Vectors[member]
			if len(old) == 0 {
				existing.Vectors[member] = Normalize(vec)
				continue
			}
			existing.Vectors[member] = BlendEMA(old, vec, r.alpha)
		}
	}

	identity.SightingCount++
	if seenAt.Before(identity.FirstSeen) {
		identity.FirstSeen = seenAt
	}
	if seenAt.After(identity.LastSeen) {
		identity.LastSeen = seenAt
	}

	if err := r.backend.UpdateIdentity(ctx, identity); err != nil {
		return fmt.Errorf("update identity %d: %w", identityID, err)
	}

	r.index.Insert(identity)
	return nil
}

// Merge repairs a detected creation race: the identity with the lower id
// is kept, embeddings are re-averaged, the loser's observations are
// repointed to the winner and the loser is removed. Returns the winner id.
// This is a correctness event and is logged as such, never swallowed.
func (r *Registry) Merge(ctx context.Context, a, b int64) (int64, error) {
	if a == b {
		return a, nil
	}
	winnerID, loserID := a, b
	if loserID < winnerID {
		winnerID, loserID = loserID, winnerID
	}

	winner, err := r.backend.GetIdentity(ctx, winnerID)
	if err != nil {
		return 0, fmt.Errorf("get merge winner %d: %w", winnerID, err)
	}
	loser, err := r.backend.GetIdentity(ctx, loserID)
	if err != nil {
		return 0, fmt.Errorf("get merge loser %d: %w", loserID, err)
	}

	log.Printf("correctness event: merging raced identities %d and %d, keeping %d", a, b, winnerID)

	for scheme, loserSet := range loser.Embeddings {
		winnerSet := winner.Embeddings[scheme]
		if winnerSet == nil {
			winner.Embeddings[scheme] = loserSet.Clone()
			continue
		}
		for member, vec := range loserSet.Vectors {
			old := winnerSet.Vectors[member]
			if len(old) == 0 {
				winnerSet.Vectors[member] = Normalize(vec)
				continue
			}
			winnerSet.Vectors[member] = MeanVector(old, vec)
		}
	}

	winner.SightingCount += loser.SightingCount
	if loser.FirstSeen.Before(winner.FirstSeen) {
		winner.FirstSeen = loser.FirstSeen
	}
	if loser.LastSeen.After(winner.LastSeen) {
		winner.LastSeen = loser.LastSeen
	}

	if err := r.backend.ReassignIdentity(ctx, loserID, winnerID); err != nil {
		return 0, fmt.Errorf("repoint observations from %d to %d: %w", loserID, winnerID, err)
	}
	if err := r.backend.UpdateIdentity(ctx, winner); err != nil {
		return 0, fmt.Errorf("update merge winner %d: %w", winnerID, err)
	}
	if err := r.backend.DeleteIdentity(ctx, loserID); err != nil {
		return 0, fmt.Errorf("delete merge loser %d: %w", loserID, err)
	}

	r.index.Remove(loserID)
	r.index.Insert(winner)
	return winnerID, nil
}
