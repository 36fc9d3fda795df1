package store

import (
	"time"
)

// ReviewReason explains why an observation was parked for manual review.
type ReviewReason string

// Review reasons written back to observations that could not be resolved.
const (
	ReviewEmbeddingFailed ReviewReason = "embedding_failed"
	ReviewInvalidBBox     ReviewReason = "invalid_bbox"
)

// Observation is one detected animal instance within one trail-camera capture.
// The upstream detector creates observations; the resolution engine only
// mutates the duplicate flag, burst group, identity assignment and review state.
// Observations are never deleted - duplicates are flagged to keep the audit trail.
type Observation struct {
	ID         int64
	CaptureID  string
	SensorID   string
	BBox       []float64 // [x1, y1, x2, y2] in raw pixel coordinates
	Confidence float64   // detector confidence in 0..1
	Category   string    // species/class label, "unknown" when the detector is unsure
	CapturedAt time.Time

	// Fields owned by the resolution engine.
	IsDuplicate   bool
	BurstGroupID  string // empty until burst grouping ran
	IdentityID    int64  // 0 until resolved
	SchemeVersion string // embedding scheme the observation was resolved under
	MatchScore    float64
	NeedsReview   bool
	ReviewReason  ReviewReason

	CreatedAt time.Time
}

// Resolved reports whether the observation has an identity assignment.
func (o *Observation) Resolved() bool {
	return o.IdentityID != 0
}

// EmbeddingSet holds one or more named L2-normalized vectors for an
// observation or identity, all produced by one embedding scheme version.
// Sets from different scheme versions must never be compared directly.
type EmbeddingSet struct {
	SchemeVersion string
	Vectors       map[string][]float32 // member name (e.g. "primary") -> vector
}

// Member returns the named vector, or nil if the set has no such member.
func (s *EmbeddingSet) Member(name string) []float32 {
	if s == nil {
		return nil
	}
	return s.Vectors[name]
}

// Clone returns a deep copy of the set.
func (s *EmbeddingSet) Clone() *EmbeddingSet {
	if s == nil {
		return nil
	}
	out := &EmbeddingSet{
		SchemeVersion: s.SchemeVersion,
		Vectors:       make(map[string][]float32, len(s.Vectors)),
	}
	for name, vec := range s.Vectors {
		cp := make([]float32, len(vec))
		copy(cp, vec)
		out.Vectors[name] = cp
	}
	return out
}

// Identity is a persistent profile for one physical animal. It can carry
// embedding sets for several scheme versions at once so a model migration
// can run in phases without losing matchability.
type Identity struct {
	ID            int64
	Category      string
	Embeddings    map[string]*EmbeddingSet // scheme version -> set
	FirstSeen     time.Time
	LastSeen      time.Time
	SightingCount int64
	CreatedAt     time.Time
}

// EmbeddingFor returns the identity's embedding set for the given scheme
// version, or nil if the identity was never seen under that scheme.
func (id *Identity) EmbeddingFor(scheme string) *EmbeddingSet {
	if id == nil {
		return nil
	}
	return id.Embeddings[scheme]
}

// SimilarityRecord is a write-once audit row for one match decision,
// used for threshold tuning and false-positive review. Never mutated.
type SimilarityRecord struct {
	ID            int64
	ObservationID int64
	CandidateID   int64 // 0 when no candidate existed
	Scores        map[string]float64
	FusedScore    float64
	Decision      string // "matched", "matched_low_confidence", "created", "rejected"
	CreatedAt     time.Time
}

// SimilarityMatch is one nearest-neighbor hit from a similarity search.
type SimilarityMatch struct {
	IdentityID int64   `json:"identity_id"`
	Similarity float64 `json:"similarity"`
}

// Similarity record decisions.
const (
	DecisionMatched       = "matched"
	DecisionMatchedLowCon = "matched_low_confidence"
	DecisionCreated       = "created"
	DecisionRejected      = "rejected"
)
