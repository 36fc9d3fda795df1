package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

func (s *Store) CreateIdentity(ctx context.Context, identity *store.Identity) (int64, error) {
	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr("begin identity transaction", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO identities (category, first_seen, last_seen, sighting_count)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, identity.Category, identity.FirstSeen, identity.LastSeen, identity.SightingCount).Scan(&id)
	if err != nil {
		return 0, wrapErr("insert identity", err)
	}

	if err := upsertIdentityEmbeddings(ctx, tx, id, identity.Embeddings); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapErr("commit identity", err)
	}
	return id, nil
}

func upsertIdentityEmbeddings(ctx context.Context, tx *sql.Tx, id int64, embeddings map[string]*store.EmbeddingSet) error {
	query := `
		INSERT INTO identity_embeddings (identity_id, scheme_version, member, embedding, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (identity_id, scheme_version, member)
		DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = NOW()
	`
	for scheme, set := range embeddings {
		for member, vec := range set.Vectors {
			if _, err := tx.ExecContext(ctx, query, id, scheme, member, pgvector.NewVector(vec)); err != nil {
				return wrapErr(fmt.Sprintf("upsert identity embedding %s/%s", scheme, member), err)
			}
		}
	}
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, id int64) (*store.Identity, error) {
	var identity store.Identity
	err := s.pool.db.QueryRowContext(ctx, `
		SELECT id, category, first_seen, last_seen, sighting_count, created_at
		FROM identities WHERE id = $1
	`, id).Scan(&identity.ID, &identity.Category, &identity.FirstSeen,
		&identity.LastSeen, &identity.SightingCount, &identity.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("identity %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get identity", err)
	}

	identity.Embeddings, err = s.identityEmbeddings(ctx, id)
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (s *Store) identityEmbeddings(ctx context.Context, id int64) (map[string]*store.EmbeddingSet, error) {
	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT scheme_version, member, embedding
		FROM identity_embeddings WHERE identity_id = $1
	`, id)
	if err != nil {
		return nil, wrapErr("query identity embeddings", err)
	}
	defer rows.Close()

	embeddings := make(map[string]*store.EmbeddingSet)
	for rows.Next() {
		var scheme, member string
		var vec pgvector.Vector
		if err := rows.Scan(&scheme, &member, &vec); err != nil {
			return nil, fmt.Errorf("scan identity embedding: %w", err)
		}
		set := embeddings[scheme]
		if set == nil {
			set = &store.EmbeddingSet{SchemeVersion: scheme, Vectors: make(map[string][]float32)}
			embeddings[scheme] = set
		}
		set.Vectors[member] = vec.Slice()
	}
	return embeddings, rows.Err()
}

func (s *Store) UpdateIdentity(ctx context.Context, identity *store.Identity) error {
	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin identity update", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE identities
		SET category = $2, first_seen = $3, last_seen = $4, sighting_count = $5
		WHERE id = $1
	`, identity.ID, identity.Category, identity.FirstSeen, identity.LastSeen, identity.SightingCount)
	if err != nil {
		return wrapErr("update identity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("update identity", err)
	}
	if n == 0 {
		return fmt.Errorf("identity %d: %w", identity.ID, store.ErrNotFound)
	}

	if err := upsertIdentityEmbeddings(ctx, tx, identity.ID, identity.Embeddings); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("commit identity update", err)
	}
	return nil
}

func (s *Store) DeleteIdentity(ctx context.Context, id int64) error {
	res, err := s.pool.db.ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return wrapErr("delete identity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("delete identity", err)
	}
	if n == 0 {
		return fmt.Errorf("identity %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]store.Identity, error) {
	rows, err := s.pool.db.QueryContext(ctx, `
		SELECT id, category, first_seen, last_seen, sighting_count, created_at
		FROM identities ORDER BY id
	`)
	if err != nil {
		return nil, wrapErr("list identities", err)
	}
	defer rows.Close()

	var out []store.Identity
	for rows.Next() {
		var identity store.Identity
		if err := rows.Scan(&identity.ID, &identity.Category, &identity.FirstSeen,
			&identity.LastSeen, &identity.SightingCount, &identity.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate identities", err)
	}

	for i := range out {
		out[i].Embeddings, err = s.identityEmbeddings(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) CountIdentities(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities`).Scan(&n); err != nil {
		return 0, wrapErr("count identities", err)
	}
	return n, nil
}
