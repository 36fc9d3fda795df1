package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/engine"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

const errInvalidRequestBody = "invalid request body"

// ReprocessRunner starts one reprocessing pass. Implemented by the
// engine's coordinator.
type ReprocessRunner interface {
	Reprocess(ctx context.Context, criterion store.ReprocessCriterion, progress *engine.Progress) error
}

// SimilaritySearcher answers exact nearest-neighbor queries against the
// persisted identity embeddings.
type SimilaritySearcher interface {
	NearestIdentities(ctx context.Context, vec []float32, member, scheme, category string, k int) ([]store.SimilarityMatch, error)
}

// API bundles the dependencies of the HTTP handlers.
type API struct {
	Store    store.Store
	Runner   ReprocessRunner
	Searcher SimilaritySearcher
	Jobs     *JobManager
	Scheme   string // active scheme version, reported in stats
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HealthCheck handles the health check endpoint.
func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
