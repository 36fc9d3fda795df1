package engine

import "github.com/fdominguez1972/thumper-counter-sub003/internal/store"

// Outcome is the result of resolving one observation. Exactly one of the
// concrete types Matched, Created or Unresolved is returned; low
// confidence is a flag on Matched, never an error.
type Outcome interface {
	outcome()
}

// Matched assigns the observation to an existing identity.
type Matched struct {
	IdentityID    int64
	Score         float64
	LowConfidence bool
	MemberScores  map[string]float64
}

// Created signals that no identity was sufficiently similar and a new one
// was allocated for the observation.
type Created struct {
	IdentityID int64
	// BestScore and BestCandidate record the rejected runner-up for the
	// audit trail; BestCandidate is 0 when the registry was empty.
	BestScore     float64
	BestCandidate int64
}

// Unresolved leaves the observation unassigned, flagged for review.
type Unresolved struct {
	Reason store.ReviewReason
}

func (Matched) outcome()    {}
func (Created) outcome()    {}
func (Unresolved) outcome() {}
