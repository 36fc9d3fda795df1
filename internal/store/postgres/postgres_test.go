//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/config"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	st, err := Open(cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("open store: %v", err)
	}

	return st, func() {
		st.Close()
		container.Terminate(ctx)
	}
}

func testObservation(capture, sensor string, at time.Time) *store.Observation {
	return &store.Observation{
		CaptureID:  capture,
		SensorID:   sensor,
		BBox:       []float64{10, 10, 110, 110},
		Confidence: 0.9,
		Category:   "deer",
		CapturedAt: at,
	}
}

func TestObservationRoundTrip(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	id, err := st.InsertObservation(ctx, testObservation("cap-1", "cam-1", at))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	obs, err := st.GetObservation(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if obs.CaptureID != "cap-1" || obs.SensorID != "cam-1" {
		t.Errorf("round trip mismatch: %+v", obs)
	}
	if len(obs.BBox) != 4 || obs.BBox[2] != 110 {
		t.Errorf("bbox mismatch: %v", obs.BBox)
	}
	if !obs.CapturedAt.Equal(at) {
		t.Errorf("captured_at = %v, want %v", obs.CapturedAt, at)
	}

	_, err = st.GetObservation(ctx, 99999)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateResolutionIsPartial(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	id, err := st.InsertObservation(ctx, testObservation("cap-1", "cam-1", at))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	group := "burst-1"
	if err := st.UpdateResolution(ctx, store.ResolutionUpdate{
		ObservationID: id,
		BurstGroupID:  &group,
	}); err != nil {
		t.Fatalf("update burst: %v", err)
	}

	identity := int64(7)
	scheme := "v2"
	score := 0.82
	if err := st.UpdateResolution(ctx, store.ResolutionUpdate{
		ObservationID: id,
		IdentityID:    &identity,
		SchemeVersion: &scheme,
		MatchScore:    &score,
	}); err != nil {
		t.Fatalf("update resolution: %v", err)
	}

	obs, err := st.GetObservation(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if obs.BurstGroupID != "burst-1" {
		t.Errorf("burst group lost by partial update: %q", obs.BurstGroupID)
	}
	if obs.IdentityID != 7 || obs.SchemeVersion != "v2" || obs.MatchScore != 0.82 {
		t.Errorf("resolution mismatch: %+v", obs)
	}
}

func TestListRecentBySensorWindow(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, 30 * time.Second, 2 * time.Minute} {
		if _, err := st.InsertObservation(ctx, testObservation("cap", "cam-1", base.Add(offset))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := st.InsertObservation(ctx, testObservation("cap", "cam-2", base)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := st.ListRecentBySensor(ctx, "cam-1", base, time.Minute)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("observations in window = %d, want 2", len(got))
	}
	for _, o := range got {
		if o.SensorID != "cam-1" {
			t.Errorf("foreign sensor %s leaked into window", o.SensorID)
		}
	}
}

func TestEmbeddingSetWriteOnce(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	id, err := st.InsertObservation(ctx, testObservation("cap-1", "cam-1", at))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	set := &store.EmbeddingSet{
		SchemeVersion: "v2",
		Vectors: map[string][]float32{
			"primary":   {0.6, 0.8},
			"auxiliary": {1, 0},
		},
	}
	if err := st.SaveEmbeddingSet(ctx, id, set); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveEmbeddingSet(ctx, id, set); err == nil {
		t.Error("second write of the same set must fail")
	}

	got, err := st.GetEmbeddingSet(ctx, id, "v2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || len(got.Vectors) != 2 {
		t.Fatalf("embedding set round trip failed: %+v", got)
	}

	missing, err := st.GetEmbeddingSet(ctx, id, "v1")
	if err != nil {
		t.Fatalf("get missing scheme: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing scheme")
	}
}

func TestIdentityLifecycle(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	identity := &store.Identity{
		Category: "deer",
		Embeddings: map[string]*store.EmbeddingSet{
			"v2": {SchemeVersion: "v2", Vectors: map[string][]float32{"primary": {0.6, 0.8}}},
		},
		FirstSeen:     at,
		LastSeen:      at,
		SightingCount: 1,
	}

	id, err := st.CreateIdentity(ctx, identity)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetIdentity(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Category != "deer" || got.SightingCount != 1 {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.EmbeddingFor("v2") == nil {
		t.Error("embeddings not persisted")
	}

	got.SightingCount = 2
	got.LastSeen = at.Add(time.Hour)
	got.Embeddings["v2"].Vectors["primary"] = []float32{1, 0}
	if err := st.UpdateIdentity(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	updated, err := st.GetIdentity(ctx, id)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if updated.SightingCount != 2 {
		t.Errorf("sighting count = %d, want 2", updated.SightingCount)
	}
	if v := updated.Embeddings["v2"].Vectors["primary"]; len(v) != 2 || v[0] != 1 {
		t.Errorf("embedding not updated: %v", v)
	}

	if err := st.DeleteIdentity(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetIdentity(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestReassignIdentity(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := st.InsertObservation(ctx, testObservation(fmt.Sprintf("cap-%d", i), "cam-1", at.Add(time.Duration(i)*time.Hour)))
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, id)
	}

	loser, winner := int64(8), int64(3)
	for _, id := range ids[:2] {
		if err := st.UpdateResolution(ctx, store.ResolutionUpdate{ObservationID: id, IdentityID: &loser}); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}

	if err := st.ReassignIdentity(ctx, loser, winner); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	for _, id := range ids[:2] {
		obs, err := st.GetObservation(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if obs.IdentityID != winner {
			t.Errorf("observation %d identity = %d, want %d", id, obs.IdentityID, winner)
		}
	}
	third, _ := st.GetObservation(ctx, ids[2])
	if third.IdentityID != 0 {
		t.Errorf("unrelated observation repointed to %d", third.IdentityID)
	}
}

func TestNearestIdentitiesCosineOrder(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	vectors := [][]float32{{1, 0}, {0.6, 0.8}, {0, 1}}
	var ids []int64
	for _, v := range vectors {
		id, err := st.CreateIdentity(ctx, &store.Identity{
			Category: "deer",
			Embeddings: map[string]*store.EmbeddingSet{
				"v2": {SchemeVersion: "v2", Vectors: map[string][]float32{"primary": v}},
			},
			FirstSeen: at, LastSeen: at, SightingCount: 1,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, id)
	}

	matches, err := st.NearestIdentities(ctx, []float32{1, 0}, "primary", "v2", "deer", 2)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].IdentityID != ids[0] {
		t.Errorf("closest = %d, want %d", matches[0].IdentityID, ids[0])
	}
	if matches[0].Similarity < 0.999 {
		t.Errorf("self similarity = %v, want ~1", matches[0].Similarity)
	}
	if matches[1].IdentityID != ids[1] {
		t.Errorf("second = %d, want %d", matches[1].IdentityID, ids[1])
	}
}

func TestListForReprocessCriteria(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	unassigned, _ := st.InsertObservation(ctx, testObservation("cap-1", "cam-1", at))
	resolved, _ := st.InsertObservation(ctx, testObservation("cap-2", "cam-1", at.Add(time.Hour)))

	identity := int64(4)
	scheme := "v1"
	if err := st.UpdateResolution(ctx, store.ResolutionUpdate{
		ObservationID: resolved,
		IdentityID:    &identity,
		SchemeVersion: &scheme,
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, err := st.ListForReprocess(ctx, store.ReprocessCriterion{Unassigned: true})
	if err != nil {
		t.Fatalf("list unassigned: %v", err)
	}
	if len(got) != 1 || got[0].ID != unassigned {
		t.Errorf("unassigned criterion returned %+v", got)
	}

	got, err = st.ListForReprocess(ctx, store.ReprocessCriterion{SchemeVersion: "v1"})
	if err != nil {
		t.Fatalf("list by scheme: %v", err)
	}
	if len(got) != 1 || got[0].ID != resolved {
		t.Errorf("scheme criterion returned %+v", got)
	}

	if _, err := st.ListForReprocess(ctx, store.ReprocessCriterion{}); err == nil {
		t.Error("empty criterion must be rejected")
	}
}
