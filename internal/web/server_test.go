package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/config"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/engine"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store/memory"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/web/handlers"
)

// fakeRunner is a controllable ReprocessRunner.
type fakeRunner struct {
	block chan struct{} // when set, Reprocess waits for close or cancellation
	err   error
}

func (f *fakeRunner) Reprocess(ctx context.Context, criterion store.ReprocessCriterion, progress *engine.Progress) error {
	if f.block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.block:
		}
	}
	progress.Total.Store(3)
	progress.Stats.Processed.Add(3)
	progress.Stats.Created.Add(1)
	progress.Stats.Matched.Add(2)
	return f.err
}

func newTestServer(t *testing.T, runner handlers.ReprocessRunner) (*Server, *memory.Store) {
	t.Helper()
	st := memory.New()
	api := &handlers.API{
		Store:    st,
		Runner:   runner,
		Searcher: st,
		Jobs:     handlers.NewJobManager(),
		Scheme:   "v2",
	}
	return NewServer(&config.WebConfig{Host: "127.0.0.1", Port: 0}, api), st
}

func doJSON(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, payload
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})
	rec, payload := doJSON(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if payload["status"] != "ok" {
		t.Errorf("payload = %v", payload)
	}
}

func waitForJob(t *testing.T, srv *Server, id string, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, payload := doJSON(t, srv, http.MethodGet, "/api/jobs/"+id, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("get job: status %d", rec.Code)
		}
		if payload["status"] == want {
			return payload
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return nil
}

func TestReprocessJobLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	rec, payload := doJSON(t, srv, http.MethodPost, "/api/reprocess", `{"criterion":"unassigned"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatalf("missing job id: %v", payload)
	}

	done := waitForJob(t, srv, id, "completed")
	progress, _ := done["progress"].(map[string]any)
	if progress["processed"] != float64(3) || progress["created"] != float64(1) {
		t.Errorf("progress = %v", progress)
	}
}

func TestReprocessRequestValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	tests := []struct {
		name string
		body string
	}{
		{"unknown criterion", `{"criterion":"everything"}`},
		{"scheme without version", `{"criterion":"scheme"}`},
		{"malformed json", `{"criterion":`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := doJSON(t, srv, http.MethodPost, "/api/reprocess", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestCancelRunningJob(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	srv, _ := newTestServer(t, runner)

	_, payload := doJSON(t, srv, http.MethodPost, "/api/reprocess", `{"criterion":"all"}`)
	id, _ := payload["id"].(string)

	rec, _ := doJSON(t, srv, http.MethodPost, "/api/jobs/"+id+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	waitForJob(t, srv, id, "cancelled")

	// Cancelling a finished job conflicts.
	rec, _ = doJSON(t, srv, http.MethodPost, "/api/jobs/"+id+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestGetUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})
	rec, _ := doJSON(t, srv, http.MethodGet, "/api/jobs/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStats(t *testing.T) {
	srv, st := newTestServer(t, &fakeRunner{})
	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	st.AddObservation(store.Observation{
		CaptureID: "cap-1", SensorID: "cam-1",
		BBox: []float64{10, 10, 110, 110}, Confidence: 0.9,
		Category: "deer", CapturedAt: base,
	})
	st.AddObservation(store.Observation{
		CaptureID: "cap-1", SensorID: "cam-1",
		BBox: []float64{12, 12, 112, 112}, Confidence: 0.8,
		Category: "deer", CapturedAt: base, IsDuplicate: true,
	})

	rec, payload := doJSON(t, srv, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if payload["observations"] != float64(2) || payload["duplicates"] != float64(1) {
		t.Errorf("payload = %v", payload)
	}
	if payload["active_scheme"] != "v2" {
		t.Errorf("active_scheme = %v", payload["active_scheme"])
	}
}

func TestGetObservation(t *testing.T) {
	srv, st := newTestServer(t, &fakeRunner{})
	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	id := st.AddObservation(store.Observation{
		CaptureID: "cap-1", SensorID: "cam-1",
		BBox: []float64{10, 10, 110, 110}, Confidence: 0.9,
		Category: "deer", CapturedAt: base,
		IdentityID: 7, SchemeVersion: "v2", MatchScore: 0.81,
	})

	rec, payload := doJSON(t, srv, http.MethodGet, "/api/observations/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if payload["identity_id"] != float64(7) || payload["scheme_version"] != "v2" {
		t.Errorf("payload = %v", payload)
	}
	_ = id

	rec, _ = doJSON(t, srv, http.MethodGet, "/api/observations/999", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing observation status = %d", rec.Code)
	}
	rec, _ = doJSON(t, srv, http.MethodGet, "/api/observations/zero", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id status = %d", rec.Code)
	}
}

func TestSimilarIdentities(t *testing.T) {
	srv, st := newTestServer(t, &fakeRunner{})
	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	vectors := [][]float32{{1, 0}, {0.6, 0.8}, {0, 1}}
	for _, v := range vectors {
		_, err := st.CreateIdentity(context.Background(), &store.Identity{
			Category: "deer",
			Embeddings: map[string]*store.EmbeddingSet{
				"v2": {SchemeVersion: "v2", Vectors: map[string][]float32{"primary": v}},
			},
			FirstSeen: base, LastSeen: base, SightingCount: 1,
		})
		if err != nil {
			t.Fatalf("create identity: %v", err)
		}
	}

	rec, payload := doJSON(t, srv, http.MethodGet, "/api/identities/1/similar?k=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, payload)
	}
	similar, _ := payload["similar"].([]any)
	if len(similar) != 2 {
		t.Fatalf("similar = %v", payload["similar"])
	}
	first, _ := similar[0].(map[string]any)
	// Identity 2 at {0.6, 0.8} is closer to {1, 0} than identity 3.
	if first["identity_id"] != float64(2) {
		t.Errorf("closest = %v, want identity 2", first["identity_id"])
	}
}

func TestGetIdentity(t *testing.T) {
	srv, st := newTestServer(t, &fakeRunner{})
	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	id, err := st.CreateIdentity(context.Background(), &store.Identity{
		Category: "bobcat",
		Embeddings: map[string]*store.EmbeddingSet{
			"v2": {SchemeVersion: "v2", Vectors: map[string][]float32{"primary": {1, 0}}},
		},
		FirstSeen: base, LastSeen: base.Add(time.Hour), SightingCount: 3,
	})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	rec, payload := doJSON(t, srv, http.MethodGet, "/api/identities/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if payload["category"] != "bobcat" || payload["sighting_count"] != float64(3) {
		t.Errorf("payload = %v", payload)
	}
	_ = id
}
