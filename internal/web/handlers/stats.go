package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// statsResponse is the operational summary of the engine's state.
type statsResponse struct {
	Observations int    `json:"observations"`
	Duplicates   int    `json:"duplicates"`
	Identities   int    `json:"identities"`
	ActiveScheme string `json:"active_scheme"`
}

// Stats reports stored counts and the active scheme version.
func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	total, duplicates, err := a.Store.CountObservations(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "count observations: "+err.Error())
		return
	}
	identities, err := a.Store.CountIdentities(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "count identities: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, statsResponse{
		Observations: total,
		Duplicates:   duplicates,
		Identities:   identities,
		ActiveScheme: a.Scheme,
	})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// observationView is the JSON shape of one observation.
type observationView struct {
	ID            int64     `json:"id"`
	CaptureID     string    `json:"capture_id"`
	SensorID      string    `json:"sensor_id"`
	BBox          []float64 `json:"bbox"`
	Confidence    float64   `json:"confidence"`
	Category      string    `json:"category"`
	CapturedAt    string    `json:"captured_at"`
	IsDuplicate   bool      `json:"is_duplicate"`
	BurstGroupID  string    `json:"burst_group_id,omitempty"`
	IdentityID    int64     `json:"identity_id,omitempty"`
	SchemeVersion string    `json:"scheme_version,omitempty"`
	MatchScore    float64   `json:"match_score,omitempty"`
	NeedsReview   bool      `json:"needs_review,omitempty"`
	ReviewReason  string    `json:"review_reason,omitempty"`
}

// GetObservation returns one observation with its resolution state.
func (a *API) GetObservation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid observation id")
		return
	}
	obs, err := a.Store.GetObservation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "observation not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, observationView{
		ID:            obs.ID,
		CaptureID:     obs.CaptureID,
		SensorID:      obs.SensorID,
		BBox:          obs.BBox,
		Confidence:    obs.Confidence,
		Category:      obs.Category,
		CapturedAt:    obs.CapturedAt.Format("2006-01-02T15:04:05Z07:00"),
		IsDuplicate:   obs.IsDuplicate,
		BurstGroupID:  obs.BurstGroupID,
		IdentityID:    obs.IdentityID,
		SchemeVersion: obs.SchemeVersion,
		MatchScore:    obs.MatchScore,
		NeedsReview:   obs.NeedsReview,
		ReviewReason:  string(obs.ReviewReason),
	})
}
