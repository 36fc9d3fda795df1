// Package memory provides an in-memory implementation of the store
// interfaces for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// Store is an in-memory store.Store implementation guarded by one RWMutex.
// Error injection fields let tests exercise failure paths.
type Store struct {
	mu           sync.RWMutex
	observations map[int64]*store.Observation
	embeddings   map[string]*store.EmbeddingSet // key: obsID/scheme
	identities   map[int64]*store.Identity
	records      []store.SimilarityRecord
	nextObsID    int64
	nextIdentity int64
	nextRecord   int64

	// Error injection
	GetError    error
	ListError   error
	UpdateError error
	CreateError error
	SaveError   error
}

// New creates a new empty in-memory store.
func New() *Store {
	return &Store{
		observations: make(map[int64]*store.Observation),
		embeddings:   make(map[string]*store.EmbeddingSet),
		identities:   make(map[int64]*store.Identity),
	}
}

func embeddingKey(observationID int64, scheme string) string {
	return fmt.Sprintf("%d/%s", observationID, scheme)
}

// AddObservation inserts an observation, allocating an id if it has none.
// Returns the stored id.
func (s *Store) AddObservation(obs store.Observation) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obs.ID == 0 {
		s.nextObsID++
		obs.ID = s.nextObsID
	} else if obs.ID > s.nextObsID {
		s.nextObsID = obs.ID
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now()
	}
	s.observations[obs.ID] = &obs
	return obs.ID
}

// GetObservation retrieves an observation by id.
func (s *Store) GetObservation(ctx context.Context, id int64) (*store.Observation, error) {
	if s.GetError != nil {
		return nil, s.GetError
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.observations[id]
	if !ok {
		return nil, fmt.Errorf("observation %d: %w", id, store.ErrNotFound)
	}
	cp := *obs
	return &cp, nil
}

// ListByCapture returns all observations for one capture ordered by id.
func (s *Store) ListByCapture(ctx context.Context, captureID string) ([]store.Observation, error) {
	if s.ListError != nil {
		return nil, s.ListError
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Observation
	for _, obs := range s.observations {
		if obs.CaptureID == captureID {
			out = append(out, *obs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListRecentBySensor returns non-duplicate observations within the window.
func (s *Store) ListRecentBySensor(ctx context.Context, sensorID string, center time.Time, window time.Duration) ([]store.Observation, error) {
	if s.ListError != nil {
		return nil, s.ListError
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Observation
	for _, obs := range s.observations {
		if obs.SensorID != sensorID || obs.IsDuplicate {
			continue
		}
		delta := obs.CapturedAt.Sub(center)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			out = append(out, *obs)
		}
	}
	sortByCaptureTime(out)
	return out, nil
}

// ListPending returns unresolved, non-duplicate, non-review observations.
func (s *Store) ListPending(ctx context.Context, limit int) ([]store.Observation, error) {
	if s.ListError != nil {
		return nil, s.ListError
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Observation
	for _, obs := range s.observations {
		if obs.IsDuplicate || obs.Resolved() || obs.NeedsReview {
			continue
		}
		out = append(out, *obs)
	}
	sortByCaptureTime(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListForReprocess returns observations matching the criterion, ordered by
// capture timestamp within each sensor.
func (s *Store) ListForReprocess(ctx context.Context, c store.ReprocessCriterion) ([]store.Observation, error) {
	if s.ListError != nil {
		return nil, s.ListError
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Observation
	for _, obs := range s.observations {
		if obs.IsDuplicate {
			continue
		}
		switch {
		case c.All:
			out = append(out, *obs)
		case c.Unassigned:
			if !obs.Resolved() {
				out = append(out, *obs)
			}
		case c.SchemeVersion != "":
			if obs.Resolved() && obs.SchemeVersion == c.SchemeVersion {
				out = append(out, *obs)
			}
		}
	}
	sortByCaptureTime(out)
	return out, nil
}

// ListByBurstGroup returns all observations stamped with the group id.
func (s *Store) ListByBurstGroup(ctx context.Context, burstGroupID string) ([]store.Observation, error) {
	if s.ListError != nil {
		return nil, s.ListError
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Observation
	for _, obs := range s.observations {
		if obs.BurstGroupID == burstGroupID && burstGroupID != "" {
			out = append(out, *obs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountObservations returns total and duplicate counts.
func (s *Store) CountObservations(ctx context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	duplicates := 0
	for _, obs := range s.observations {
		if obs.IsDuplicate {
			duplicates++
		}
	}
	return len(s.observations), duplicates, nil
}

// UpdateResolution applies one atomic write-back for an observation.
func (s *Store) UpdateResolution(ctx context.Context, upd store.ResolutionUpdate) error {
	if s.UpdateError != nil {
		return s.UpdateError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obs, ok := s.observations[upd.ObservationID]
	if !ok {
		return fmt.Errorf("observation %d: %w", upd.ObservationID, store.ErrNotFound)
	}
	if upd.IsDuplicate != nil {
		obs.IsDuplicate = *upd.IsDuplicate
	}
	if upd.BurstGroupID != nil {
		obs.BurstGroupID = *upd.BurstGroupID
	}
	if upd.IdentityID != nil {
		obs.IdentityID = *upd.IdentityID
	}
	if upd.SchemeVersion != nil {
		obs.SchemeVersion = *upd.SchemeVersion
	}
	if upd.MatchScore != nil {
		obs.MatchScore = *upd.MatchScore
	}
	if upd.NeedsReview != nil {
		obs.NeedsReview = *upd.NeedsReview
	}
	if upd.ReviewReason != nil {
		obs.ReviewReason = *upd.ReviewReason
	}
	return nil
}

// AssignBurstGroup stamps the burst group id on all listed observations.
func (s *Store) AssignBurstGroup(ctx context.Context, ids []int64, burstGroupID string) error {
	if s.UpdateError != nil {
		return s.UpdateError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		obs, ok := s.observations[id]
		if !ok {
			return fmt.Errorf("observation %d: %w", id, store.ErrNotFound)
		}
		obs.BurstGroupID = burstGroupID
	}
	return nil
}

// ReassignIdentity repoints all observations of one identity to another.
func (s *Store) ReassignIdentity(ctx context.Context, fromIdentity, toIdentity int64) error {
	if s.UpdateError != nil {
		return s.UpdateError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obs := range s.observations {
		if obs.IdentityID == fromIdentity {
			obs.IdentityID = toIdentity
		}
	}
	return nil
}

// GetEmbeddingSet returns the stored set, or nil if none exists.
func (s *Store) GetEmbeddingSet(ctx context.Context, observationID int64, scheme string) (*store.EmbeddingSet, error) {
	if s.GetError != nil {
		return nil, s.GetError
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embeddings[embeddingKey(observationID, scheme)].Clone(), nil
}

// SaveEmbeddingSet stores a set; rewriting an existing set is an error.
func (s *Store) SaveEmbeddingSet(ctx context.Context, observationID int64, set *store.EmbeddingSet) error {
	if s.SaveError != nil {
		return s.SaveError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := embeddingKey(observationID, set.SchemeVersion)
	if _, exists := s.embeddings[key]; exists {
		return fmt.Errorf("embedding set for observation %d scheme %s already exists", observationID, set.SchemeVersion)
	}
	s.embeddings[key] = set.Clone()
	return nil
}

// CreateIdentity persists a new identity and returns its allocated id.
func (s *Store) CreateIdentity(ctx context.Context, identity *store.Identity) (int64, error) {
	if s.CreateError != nil {
		return 0, s.CreateError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIdentity++
	cp := cloneIdentity(identity)
	cp.ID = s.nextIdentity
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.identities[cp.ID] = cp
	return cp.ID, nil
}

// GetIdentity retrieves an identity by id.
func (s *Store) GetIdentity(ctx context.Context, id int64) (*store.Identity, error) {
	if s.GetError != nil {
		return nil, s.GetError
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[id]
	if !ok {
		return nil, fmt.Errorf("identity %d: %w", id, store.ErrNotFound)
	}
	return cloneIdentity(identity), nil
}

// UpdateIdentity persists mutated identity fields.
func (s *Store) UpdateIdentity(ctx context.Context, identity *store.Identity) error {
	if s.UpdateError != nil {
		return s.UpdateError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identity.ID]; !ok {
		return fmt.Errorf("identity %d: %w", identity.ID, store.ErrNotFound)
	}
	s.identities[identity.ID] = cloneIdentity(identity)
	return nil
}

// DeleteIdentity removes an identity.
func (s *Store) DeleteIdentity(ctx context.Context, id int64) error {
	if s.UpdateError != nil {
		return s.UpdateError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, id)
	return nil
}

// ListIdentities returns all identities ordered by id.
func (s *Store) ListIdentities(ctx context.Context) ([]store.Identity, error) {
	if s.ListError != nil {
		return nil, s.ListError
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Identity, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, *cloneIdentity(identity))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountIdentities returns the number of identities.
func (s *Store) CountIdentities(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities), nil
}

// SaveSimilarityRecord appends a write-once audit record.
func (s *Store) SaveSimilarityRecord(ctx context.Context, rec *store.SimilarityRecord) error {
	if s.SaveError != nil {
		return s.SaveError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRecord++
	cp := *rec
	cp.ID = s.nextRecord
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.records = append(s.records, cp)
	return nil
}

// SimilarityRecords returns a copy of all audit records, for tests.
func (s *Store) SimilarityRecords() []store.SimilarityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.SimilarityRecord, len(s.records))
	copy(out, s.records)
	return out
}

// NearestIdentities runs an exact cosine scan over all stored identities.
func (s *Store) NearestIdentities(ctx context.Context, vec []float32, member, scheme, category string, k int) ([]store.SimilarityMatch, error) {
	if s.ListError != nil {
		return nil, s.ListError
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := store.NormalizeCategory(category)
	var out []store.SimilarityMatch
	for _, identity := range s.identities {
		if store.NormalizeCategory(identity.Category) != want {
			continue
		}
		set := identity.Embeddings[scheme]
		if set == nil {
			continue
		}
		stored := set.Vectors[member]
		if stored == nil {
			continue
		}
		out = append(out, store.SimilarityMatch{
			IdentityID: identity.ID,
			Similarity: cosine(vec, stored),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].IdentityID < out[j].IdentityID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func cloneIdentity(identity *store.Identity) *store.Identity {
	cp := *identity
	cp.Embeddings = make(map[string]*store.EmbeddingSet, len(identity.Embeddings))
	for scheme, set := range identity.Embeddings {
		cp.Embeddings[scheme] = set.Clone()
	}
	return &cp
}

// sortByCaptureTime orders observations by sensor, then capture timestamp,
// then id for a stable order.
func sortByCaptureTime(obs []store.Observation) {
	sort.Slice(obs, func(i, j int) bool {
		if obs[i].SensorID != obs[j].SensorID {
			return obs[i].SensorID < obs[j].SensorID
		}
		if !obs[i].CapturedAt.Equal(obs[j].CapturedAt) {
			return obs[i].CapturedAt.Before(obs[j].CapturedAt)
		}
		return obs[i].ID < obs[j].ID
	})
}
