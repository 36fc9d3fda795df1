package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// identityView is the JSON shape of one identity.
type identityView struct {
	ID            int64    `json:"id"`
	Category      string   `json:"category"`
	FirstSeen     string   `json:"first_seen"`
	LastSeen      string   `json:"last_seen"`
	SightingCount int64    `json:"sighting_count"`
	Schemes       []string `json:"schemes"`
}

// GetIdentity returns one identity's metadata.
func (a *API) GetIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid identity id")
		return
	}
	identity, err := a.Store.GetIdentity(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	schemes := make([]string, 0, len(identity.Embeddings))
	for scheme := range identity.Embeddings {
		schemes = append(schemes, scheme)
	}
	respondJSON(w, http.StatusOK, identityView{
		ID:            identity.ID,
		Category:      identity.Category,
		FirstSeen:     identity.FirstSeen.Format("2006-01-02T15:04:05Z07:00"),
		LastSeen:      identity.LastSeen.Format("2006-01-02T15:04:05Z07:00"),
		SightingCount: identity.SightingCount,
		Schemes:       schemes,
	})
}

const defaultSimilarLimit = 10

// SimilarIdentities returns the identities closest to the given one,
// computed from the stored embeddings of the requested member.
func (a *API) SimilarIdentities(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid identity id")
		return
	}

	identity, err := a.Store.GetIdentity(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	scheme := r.URL.Query().Get("scheme")
	if scheme == "" {
		scheme = a.Scheme
	}
	member := r.URL.Query().Get("member")
	if member == "" {
		member = "primary"
	}
	limit := defaultSimilarLimit
	if s := r.URL.Query().Get("k"); s != "" {
		if k, err := strconv.Atoi(s); err == nil && k > 0 {
			limit = k
		}
	}

	set := identity.EmbeddingFor(scheme)
	if set == nil || set.Member(member) == nil {
		respondError(w, http.StatusNotFound, "identity has no embedding for "+scheme+"/"+member)
		return
	}

	// One extra slot because the identity matches itself.
	matches, err := a.Searcher.NearestIdentities(r.Context(),
		set.Member(member), member, scheme, identity.Category, limit+1)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]store.SimilarityMatch, 0, limit)
	for _, m := range matches {
		if m.IdentityID == id {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"identity_id": id, "similar": out})
}
