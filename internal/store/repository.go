package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks transient store/index failures. Callers retry the
// pipeline invocation with backoff; the observation stays unresolved.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// IsRetryable reports whether an error is a transient store/index failure
// worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// ReprocessCriterion selects which observations a reprocessing run visits.
type ReprocessCriterion struct {
	// Unassigned selects observations without an identity.
	Unassigned bool
	// SchemeVersion selects observations resolved under the given scheme.
	SchemeVersion string
	// All selects every non-duplicate observation.
	All bool
}

// ResolutionUpdate is the atomic per-observation write-back of one pipeline
// invocation. Nil pointer fields are left untouched.
type ResolutionUpdate struct {
	ObservationID int64
	IsDuplicate   *bool
	BurstGroupID  *string
	IdentityID    *int64
	SchemeVersion *string
	MatchScore    *float64
	NeedsReview   *bool
	ReviewReason  *ReviewReason
}

// ObservationReader provides read access to observations.
type ObservationReader interface {
	// GetObservation retrieves a single observation, ErrNotFound if missing.
	GetObservation(ctx context.Context, id int64) (*Observation, error)
	// ListByCapture returns all observations sharing one capture,
	// ordered by id.
	ListByCapture(ctx context.Context, captureID string) ([]Observation, error)
	// ListRecentBySensor returns non-duplicate observations from one sensor
	// whose capture timestamp lies within the symmetric window around center.
	ListRecentBySensor(ctx context.Context, sensorID string, center time.Time, window time.Duration) ([]Observation, error)
	// ListPending returns non-duplicate, unresolved, non-review observations
	// in capture-timestamp order within each sensor.
	ListPending(ctx context.Context, limit int) ([]Observation, error)
	// ListForReprocess returns observations matching the criterion in
	// capture-timestamp order within each sensor. The ordering is a
	// correctness requirement for burst grouping, not an optimization.
	ListForReprocess(ctx context.Context, c ReprocessCriterion) ([]Observation, error)
	// ListByBurstGroup returns all observations stamped with the group id.
	ListByBurstGroup(ctx context.Context, burstGroupID string) ([]Observation, error)
	// CountObservations returns total and duplicate counts.
	CountObservations(ctx context.Context) (total int, duplicates int, err error)
}

// ObservationWriter provides write access to the engine-owned observation
// fields. Implementations must apply each ResolutionUpdate atomically.
type ObservationWriter interface {
	ObservationReader

	// UpdateResolution applies one atomic write-back for an observation.
	UpdateResolution(ctx context.Context, upd ResolutionUpdate) error
	// AssignBurstGroup stamps the given burst group id on all listed
	// observations in one operation.
	AssignBurstGroup(ctx context.Context, ids []int64, burstGroupID string) error
	// ReassignIdentity repoints all observations of one identity to another.
	// Used by the registry's merge repair after a creation race.
	ReassignIdentity(ctx context.Context, fromIdentity, toIdentity int64) error
}

// EmbeddingReader provides access to stored observation embeddings.
type EmbeddingReader interface {
	// GetEmbeddingSet returns the stored set for an observation under the
	// given scheme version, or nil if none was computed yet.
	GetEmbeddingSet(ctx context.Context, observationID int64, scheme string) (*EmbeddingSet, error)
}

// EmbeddingWriter persists embedding sets. Sets are immutable once written.
type EmbeddingWriter interface {
	EmbeddingReader

	// SaveEmbeddingSet stores the set for an observation. Writing a second
	// set for the same (observation, scheme) pair is an error.
	SaveEmbeddingSet(ctx context.Context, observationID int64, set *EmbeddingSet) error
}

// IdentityStore provides persistence for identities. Identity ids are
// allocated by the store; the registry is the only caller of CreateIdentity.
type IdentityStore interface {
	// CreateIdentity persists a new identity and returns its allocated id.
	CreateIdentity(ctx context.Context, identity *Identity) (int64, error)
	// GetIdentity retrieves an identity, ErrNotFound if missing.
	GetIdentity(ctx context.Context, id int64) (*Identity, error)
	// UpdateIdentity persists mutated identity fields and embeddings.
	UpdateIdentity(ctx context.Context, identity *Identity) error
	// DeleteIdentity removes an identity. Only the merge repair uses this,
	// after all observations have been repointed to the winner.
	DeleteIdentity(ctx context.Context, id int64) error
	// ListIdentities returns all identities ordered by id.
	ListIdentities(ctx context.Context) ([]Identity, error)
	// CountIdentities returns the number of identities.
	CountIdentities(ctx context.Context) (int, error)
}

// SimilarityRecordWriter persists write-once audit records.
type SimilarityRecordWriter interface {
	SaveSimilarityRecord(ctx context.Context, rec *SimilarityRecord) error
}

// Store aggregates every persistence concern the engine needs.
type Store interface {
	ObservationWriter
	EmbeddingWriter
	IdentityStore
	SimilarityRecordWriter
}
