package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// burstLocks hands out mutexes keyed by sensor id + time bucket, so
// observations of one burst serialize against each other while unrelated
// bursts proceed concurrently.
type burstLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newBurstLocks() *burstLocks {
	return &burstLocks{locks: make(map[string]*sync.Mutex)}
}

func (b *burstLocks) get(key string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	mu, ok := b.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		b.locks[key] = mu
	}
	return mu
}

// lockKeys acquires all keys in sorted order (so overlapping key sets
// never deadlock) and returns the combined unlock function.
func (b *burstLocks) lockKeys(keys []string) func() {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	acquired := make([]*sync.Mutex, 0, len(sorted))
	var prev string
	for i, key := range sorted {
		if i > 0 && key == prev {
			continue
		}
		prev = key
		mu := b.get(key)
		mu.Lock()
		acquired = append(acquired, mu)
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

// BurstAssignment is the outcome of grouping one observation.
type BurstAssignment struct {
	BurstGroupID string
	// InheritedIdentity is non-zero when a resolved sibling existed; the
	// observation then inherits the identity without running the matcher.
	InheritedIdentity int64
	InheritedScheme   string
	// Members are the observation ids (including the subject) stamped
	// with BurstGroupID during this call.
	Members []int64
}

// Grouper links observations likely caused by one physical encounter:
// same sensor, capture timestamps within a symmetric window, compatible
// category.
type Grouper struct {
	store    store.ObservationWriter
	window   time.Duration
	maxBurst int
	locks    *burstLocks
}

// NewGrouper creates a burst grouper over the given store.
func NewGrouper(st store.ObservationWriter, window time.Duration, maxBurst int) *Grouper {
	return &Grouper{
		store:    st,
		window:   window,
		maxBurst: maxBurst,
		locks:    newBurstLocks(),
	}
}

// Lock acquires the burst critical section covering the observation's time
// neighborhood and returns the unlock function. Callers hold the lock
// across grouping, matching and sibling propagation so the first resolver
// rule holds; the lock covers no embedding extraction.
func (g *Grouper) Lock(obs *store.Observation) func() {
	windowSec := int64(g.window / time.Second)
	if windowSec <= 0 {
		windowSec = 1
	}
	bucket := obs.CapturedAt.Unix() / windowSec
	keys := []string{
		fmt.Sprintf("%s/%d", obs.SensorID, bucket-1),
		fmt.Sprintf("%s/%d", obs.SensorID, bucket),
		fmt.Sprintf("%s/%d", obs.SensorID, bucket+1),
	}
	return g.locks.lockKeys(keys)
}

// Group computes the burst assignment for one non-duplicate observation.
// Callers must hold the observation's burst lock.
func (g *Grouper) Group(ctx context.Context, obs *store.Observation) (*BurstAssignment, error) {
	recent, err := g.store.ListRecentBySensor(ctx, obs.SensorID, obs.CapturedAt, g.window)
	if err != nil {
		return nil, fmt.Errorf("list burst candidates: %w", err)
	}

	// Cross-category bursts are split by category before grouping.
	var siblings []store.Observation
	for i := range recent {
		c := &recent[i]
		if c.ID == obs.ID || c.NeedsReview {
			continue
		}
		if !store.CompatibleCategories(c.Category, obs.Category) {
			continue
		}
		siblings = append(siblings, *c)
	}

	// A burst is anchored at its earliest member: an observation joins an
	// existing group only if it also falls within the window of the
	// group's start, so a long trickle of captures cannot stretch one
	// encounter indefinitely.
	siblings, err = g.filterByGroupStart(ctx, obs, siblings)
	if err != nil {
		return nil, err
	}

	if len(siblings) == 0 {
		assignment := &BurstAssignment{
			BurstGroupID: uuid.New().String(),
			Members:      []int64{obs.ID},
		}
		if err := g.store.AssignBurstGroup(ctx, assignment.Members, assignment.BurstGroupID); err != nil {
			return nil, fmt.Errorf("assign burst group: %w", err)
		}
		obs.BurstGroupID = assignment.BurstGroupID
		return assignment, nil
	}

	// Prefer the temporally closest resolved sibling for propagation.
	var resolved *store.Observation
	for i := range siblings {
		c := &siblings[i]
		if !c.Resolved() {
			continue
		}
		if resolved == nil || timeDelta(c.CapturedAt, obs.CapturedAt) < timeDelta(resolved.CapturedAt, obs.CapturedAt) {
			resolved = c
		}
	}

	if resolved != nil && resolved.BurstGroupID != "" {
		full, err := g.store.ListByBurstGroup(ctx, resolved.BurstGroupID)
		if err != nil {
			return nil, fmt.Errorf("list burst group: %w", err)
		}
		if len(full) >= g.maxBurst {
			// Beyond the safety cap the observation starts a fresh burst
			// to bound propagation cost, and resolves on its own.
			assignment := &BurstAssignment{
				BurstGroupID: uuid.New().String(),
				Members:      []int64{obs.ID},
			}
			if err := g.store.AssignBurstGroup(ctx, assignment.Members, assignment.BurstGroupID); err != nil {
				return nil, fmt.Errorf("assign burst group: %w", err)
			}
			obs.BurstGroupID = assignment.BurstGroupID
			return assignment, nil
		}
	}

	// Union the observation with all compatible siblings; sibling chains
	// collapse to one canonical group without pointer cycles.
	uf := newUnionFind()
	uf.find(obs.ID)
	byID := map[int64]*store.Observation{obs.ID: obs}
	for i := range siblings {
		uf.union(obs.ID, siblings[i].ID)
		byID[siblings[i].ID] = &siblings[i]
	}

	members := uf.members(obs.ID)
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	if len(members) > g.maxBurst {
		assignment := &BurstAssignment{
			BurstGroupID: uuid.New().String(),
			Members:      []int64{obs.ID},
		}
		if err := g.store.AssignBurstGroup(ctx, assignment.Members, assignment.BurstGroupID); err != nil {
			return nil, fmt.Errorf("assign burst group: %w", err)
		}
		obs.BurstGroupID = assignment.BurstGroupID
		return assignment, nil
	}

	// Canonical group id: the resolved sibling's group wins, otherwise the
	// first existing group id by ascending observation id, otherwise fresh.
	groupID := ""
	if resolved != nil {
		groupID = resolved.BurstGroupID
	}
	if groupID == "" {
		for _, id := range members {
			if m, ok := byID[id]; ok && m.BurstGroupID != "" {
				groupID = m.BurstGroupID
				break
			}
		}
	}
	if groupID == "" {
		groupID = uuid.New().String()
	}

	if err := g.store.AssignBurstGroup(ctx, members, groupID); err != nil {
		return nil, fmt.Errorf("assign burst group: %w", err)
	}
	obs.BurstGroupID = groupID

	assignment := &BurstAssignment{
		BurstGroupID: groupID,
		Members:      members,
	}
	if resolved != nil {
		assignment.InheritedIdentity = resolved.IdentityID
		assignment.InheritedScheme = resolved.SchemeVersion
	}
	return assignment, nil
}

// Propagate assigns the identity to every unresolved member of the burst
// group. The first member to resolve via the matcher back-propagates to
// its siblings through this call.
func (g *Grouper) Propagate(ctx context.Context, burstGroupID string, identityID int64, scheme string) ([]int64, error) {
	members, err := g.store.ListByBurstGroup(ctx, burstGroupID)
	if err != nil {
		return nil, fmt.Errorf("list burst group: %w", err)
	}

	var propagated []int64
	for i := range members {
		m := &members[i]
		if m.Resolved() || m.IsDuplicate || m.NeedsReview {
			continue
		}
		upd := store.ResolutionUpdate{
			ObservationID: m.ID,
			IdentityID:    &identityID,
			SchemeVersion: &scheme,
		}
		if err := g.store.UpdateResolution(ctx, upd); err != nil {
			return propagated, fmt.Errorf("propagate to observation %d: %w", m.ID, err)
		}
		propagated = append(propagated, m.ID)
	}
	return propagated, nil
}

// filterByGroupStart drops siblings whose burst group started more than
// one window before the observation.
func (g *Grouper) filterByGroupStart(ctx context.Context, obs *store.Observation, siblings []store.Observation) ([]store.Observation, error) {
	groupOK := make(map[string]bool)
	for i := range siblings {
		gid := siblings[i].BurstGroupID
		if gid == "" {
			continue
		}
		if _, checked := groupOK[gid]; checked {
			continue
		}
		members, err := g.store.ListByBurstGroup(ctx, gid)
		if err != nil {
			return nil, fmt.Errorf("list burst group %s: %w", gid, err)
		}
		start := siblings[i].CapturedAt
		for j := range members {
			if members[j].CapturedAt.Before(start) {
				start = members[j].CapturedAt
			}
		}
		groupOK[gid] = timeDelta(obs.CapturedAt, start) <= g.window
	}

	out := siblings[:0]
	for i := range siblings {
		gid := siblings[i].BurstGroupID
		if gid != "" && !groupOK[gid] {
			continue
		}
		out = append(out, siblings[i])
	}
	return out, nil
}

func timeDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
