package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// HNSW parameters for identity embedding search.
const (
	// hnswMaxNeighbors (M) is the maximum number of neighbors per node.
	hnswMaxNeighbors = 16

	// hnswSearchMultiplier is the factor to request more candidates from
	// HNSW than asked for, so category filtering still leaves enough.
	hnswSearchMultiplier = 3

	// hnswMinSearch is the minimum candidate pool for better recall.
	hnswMinSearch = 100
)

// Candidate is one similarity index hit.
type Candidate struct {
	IdentityID int64
	Similarity float64 // cosine similarity in [-1, 1]
}

// IndexMetadata validates a persisted index against the current store.
type IndexMetadata struct {
	IdentityCount int       `json:"identity_count"`
	BuildTime     time.Time `json:"build_time"`
	Version       int       `json:"version"`
}

const indexMetadataVersion = 1

// Index is the in-memory ANN similarity index over identity embeddings.
// One HNSW graph per (scheme version, member name) pair keeps vectors from
// different embedding generations strictly apart. Category filtering runs
// over a side map since HNSW has no native filtered search.
type Index struct {
	mu         sync.RWMutex
	graphs     map[string]*hnsw.Graph[int64] // key: scheme + "/" + member
	categories map[int64]string              // identity id -> normalized category
	schemes    map[int64]map[string]bool     // identity id -> scheme versions held
	loaded     bool
}

// NewIndex creates a new empty similarity index. Call Rebuild or Load
// before querying; an unloaded index fails queries with a retryable error.
func NewIndex() *Index {
	return &Index{
		graphs:     make(map[string]*hnsw.Graph[int64]),
		categories: make(map[int64]string),
		schemes:    make(map[int64]map[string]bool),
	}
}

func graphKey(scheme, member string) string {
	return scheme + "/" + member
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors) // Standard HNSW formula
	g.Distance = hnsw.CosineDistance
	return g
}

// Rebuild replaces the index contents from a full identity listing.
func (x *Index) Rebuild(identities []store.Identity) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.graphs = make(map[string]*hnsw.Graph[int64])
	x.categories = make(map[int64]string, len(identities))
	x.schemes = make(map[int64]map[string]bool, len(identities))

	for i := range identities {
		x.insertLocked(&identities[i])
	}
	x.loaded = true
}

// Insert adds or refreshes one identity's embeddings in the index.
// Called immediately after creation so concurrent lookups can find the
// new identity, and after every EMA update.
func (x *Index) Insert(identity *store.Identity) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.insertLocked(identity)
}

func (x *Index) insertLocked(identity *store.Identity) {
	x.categories[identity.ID] = store.NormalizeCategory(identity.Category)
	schemes := make(map[string]bool, len(identity.Embeddings))
	for scheme, set := range identity.Embeddings {
		schemes[scheme] = true
		for member, vec := range set.Vectors {
			if len(vec) == 0 {
				continue
			}
			key := graphKey(scheme, member)
			g, ok := x.graphs[key]
			if !ok {
				g = newGraph()
				x.graphs[key] = g
			}
			// Re-adding an existing key trips an hnsw invariant, so the old
			// node is deleted first. Deleting the only node leaves the graph
			// unable to accept new ones; start a fresh graph instead.
			if _, exists := g.Lookup(identity.ID); exists {
				if g.Len() == 1 {
					g = newGraph()
					x.graphs[key] = g
				} else {
					g.Delete(identity.ID)
				}
			}
			g.Add(hnsw.MakeNode(identity.ID, vec))
		}
	}
	x.schemes[identity.ID] = schemes
}

// Remove drops an identity from the index. HNSW has no true deletion;
// removing the side-map entries hides it from all query results.
func (x *Index) Remove(identityID int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.categories, identityID)
	delete(x.schemes, identityID)
}

// HasScheme reports whether the identity holds embeddings for the scheme.
func (x *Index) HasScheme(identityID int64, scheme string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.schemes[identityID][scheme]
}

// SchemePopulated reports whether any indexed identity holds embeddings
// under the scheme.
func (x *Index) SchemePopulated(scheme string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, schemes := range x.schemes {
		if schemes[scheme] {
			return true
		}
	}
	return false
}

// Loaded reports whether the index is ready for queries.
func (x *Index) Loaded() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.loaded
}

// Count returns the number of indexed identities.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.categories)
}

// Query returns the top-k identities nearest to the vector under the given
// scheme/member graph, restricted to the compatible category. The error is
// retryable when the index is not loaded; it must never be masked by an
// empty result, since "no candidates" means "create a new identity".
func (x *Index) Query(vec []float32, member, scheme, category string, k int) ([]Candidate, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if !x.loaded {
		return nil, fmt.Errorf("similarity index not loaded: %w", store.ErrUnavailable)
	}

	g, ok := x.graphs[graphKey(scheme, member)]
	if !ok {
		return nil, nil
	}

	searchK := k * hnswSearchMultiplier
	searchK = max(searchK, hnswMinSearch)

	wantCategory := store.NormalizeCategory(category)
	neighbors := g.Search(vec, searchK)

	candidates := make([]Candidate, 0, k)
	for _, n := range neighbors {
		cat, present := x.categories[n.Key]
		if !present || cat != wantCategory {
			continue // removed identity or incompatible category
		}
		candidates = append(candidates, Candidate{
			IdentityID: n.Key,
			Similarity: CosineSimilarity(vec, n.Value),
		})
		if len(candidates) >= k {
			break
		}
	}
	return candidates, nil
}

// Save persists every graph plus metadata to files under path. The side
// maps are rebuilt from the store on load, so only graphs are written.
func (x *Index) Save(path string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if path == "" {
		return nil
	}

	keys := make([]string, 0, len(x.graphs))
	for key := range x.graphs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		file := path + "." + strings.ReplaceAll(key, "/", "_") + ".hnsw"
		f, err := os.Create(file)
		if err != nil {
			return fmt.Errorf("create index file %s: %w", file, err)
		}
		if err := x.graphs[key].Export(f); err != nil {
			_ = f.Close()
			return fmt.Errorf("export graph %s: %w", key, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close index file %s: %w", file, err)
		}
	}

	meta := IndexMetadata{
		IdentityCount: len(x.categories),
		BuildTime:     time.Now(),
		Version:       indexMetadataVersion,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal index metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", data, 0600); err != nil {
		return fmt.Errorf("write index metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads persisted index metadata for staleness checks.
func LoadMetadata(path string) (IndexMetadata, error) {
	var meta IndexMetadata
	data, err := os.ReadFile(path + ".meta")
	if err != nil {
		return meta, fmt.Errorf("read index metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("unmarshal index metadata: %w", err)
	}
	return meta, nil
}
