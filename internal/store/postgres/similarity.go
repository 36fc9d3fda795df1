package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

func (s *Store) SaveSimilarityRecord(ctx context.Context, rec *store.SimilarityRecord) error {
	var scores []byte
	if rec.Scores != nil {
		var err error
		scores, err = json.Marshal(rec.Scores)
		if err != nil {
			return fmt.Errorf("marshal similarity scores: %w", err)
		}
	}

	query := `
		INSERT INTO similarity_records (observation_id, candidate_id, scores, fused_score, decision)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.pool.db.ExecContext(ctx, query,
		rec.ObservationID, rec.CandidateID, scores, rec.FusedScore, rec.Decision); err != nil {
		return wrapErr("insert similarity record", err)
	}
	return nil
}
