package postgres

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

func (s *Store) GetEmbeddingSet(ctx context.Context, observationID int64, scheme string) (*store.EmbeddingSet, error) {
	query := `
		SELECT member, embedding
		FROM observation_embeddings
		WHERE observation_id = $1 AND scheme_version = $2
	`
	rows, err := s.pool.db.QueryContext(ctx, query, observationID, scheme)
	if err != nil {
		return nil, wrapErr("query embedding set", err)
	}
	defer rows.Close()

	vectors := make(map[string][]float32)
	for rows.Next() {
		var member string
		var vec pgvector.Vector
		if err := rows.Scan(&member, &vec); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		vectors[member] = vec.Slice()
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate embeddings", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	return &store.EmbeddingSet{SchemeVersion: scheme, Vectors: vectors}, nil
}

// SaveEmbeddingSet writes the set inside one transaction. Sets are write
// once: a second write for the same observation and scheme fails on the
// primary key.
func (s *Store) SaveEmbeddingSet(ctx context.Context, observationID int64, set *store.EmbeddingSet) error {
	if set == nil || len(set.Vectors) == 0 {
		return fmt.Errorf("embedding set for observation %d is empty", observationID)
	}

	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin embedding transaction", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO observation_embeddings (observation_id, scheme_version, member, embedding)
		VALUES ($1, $2, $3, $4)
	`
	for member, vec := range set.Vectors {
		if _, err := tx.ExecContext(ctx, query,
			observationID, set.SchemeVersion, member, pgvector.NewVector(vec)); err != nil {
			return wrapErr(fmt.Sprintf("insert embedding %s", member), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("commit embedding set", err)
	}
	return nil
}
