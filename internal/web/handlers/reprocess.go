package handlers

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// reprocessRequest selects which observations to revisit.
type reprocessRequest struct {
	// Criterion is "unassigned", "all" or "scheme".
	Criterion string `json:"criterion"`
	// SchemeVersion is required when Criterion is "scheme".
	SchemeVersion string `json:"scheme_version,omitempty"`
}

func (req *reprocessRequest) criterion() (store.ReprocessCriterion, bool) {
	switch req.Criterion {
	case "unassigned":
		return store.ReprocessCriterion{Unassigned: true}, true
	case "all":
		return store.ReprocessCriterion{All: true}, true
	case "scheme":
		if req.SchemeVersion == "" {
			return store.ReprocessCriterion{}, false
		}
		return store.ReprocessCriterion{SchemeVersion: req.SchemeVersion}, true
	default:
		return store.ReprocessCriterion{}, false
	}
}

// StartReprocess launches an asynchronous reprocessing job.
func (a *API) StartReprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	criterion, ok := req.criterion()
	if !ok {
		respondError(w, http.StatusBadRequest, "criterion must be one of: unassigned, all, scheme (with scheme_version)")
		return
	}

	job := a.Jobs.Start(a.Runner, criterion)
	respondJSON(w, http.StatusAccepted, job.view())
}

// GetJob returns one job's status and progress.
func (a *API) GetJob(w http.ResponseWriter, r *http.Request) {
	job := a.Jobs.Get(chi.URLParam(r, "id"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job.view())
}

// ListJobs returns all known jobs, newest first.
func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := a.Jobs.List()
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.view())
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].StartedAt.After(views[j].StartedAt)
	})
	respondJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// CancelJob requests cooperative cancellation of a running job.
func (a *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	job := a.Jobs.Get(chi.URLParam(r, "id"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status() != JobStatusRunning {
		respondError(w, http.StatusConflict, "job is not running")
		return
	}
	job.Cancel()
	respondJSON(w, http.StatusOK, job.view())
}
