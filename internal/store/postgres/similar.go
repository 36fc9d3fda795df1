package postgres

import (
	"context"

	"github.com/pgvector/pgvector-go"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// NearestIdentities runs a database-side cosine search over the stored
// identity embeddings. Slower than the in-memory index but exact, it
// backs the similarity inspection API.
func (s *Store) NearestIdentities(ctx context.Context, vec []float32, member, scheme, category string, k int) ([]store.SimilarityMatch, error) {
	query := `
		SELECT ie.identity_id, 1 - (ie.embedding <=> $1) AS similarity
		FROM identity_embeddings ie
		JOIN identities i ON i.id = ie.identity_id
		WHERE ie.member = $2 AND ie.scheme_version = $3 AND i.category = $4
		ORDER BY ie.embedding <=> $1
		LIMIT $5
	`
	rows, err := s.pool.db.QueryContext(ctx, query,
		pgvector.NewVector(vec), member, scheme, store.NormalizeCategory(category), k)
	if err != nil {
		return nil, wrapErr("nearest identities", err)
	}
	defer rows.Close()

	var out []store.SimilarityMatch
	for rows.Next() {
		var m store.SimilarityMatch
		if err := rows.Scan(&m.IdentityID, &m.Similarity); err != nil {
			return nil, wrapErr("scan nearest identity", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
