package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

const observationColumns = `id, capture_id, sensor_id, bbox, confidence, category, captured_at,
	is_duplicate, burst_group_id, identity_id, scheme_version, match_score,
	needs_review, review_reason, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (*store.Observation, error) {
	var obs store.Observation
	var bbox pq.Float64Array
	err := row.Scan(
		&obs.ID, &obs.CaptureID, &obs.SensorID, &bbox, &obs.Confidence,
		&obs.Category, &obs.CapturedAt, &obs.IsDuplicate, &obs.BurstGroupID,
		&obs.IdentityID, &obs.SchemeVersion, &obs.MatchScore,
		&obs.NeedsReview, &obs.ReviewReason, &obs.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	obs.BBox = []float64(bbox)
	return &obs, nil
}

func (s *Store) queryObservations(ctx context.Context, query string, args ...any) ([]store.Observation, error) {
	rows, err := s.pool.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, *obs)
	}
	return out, rows.Err()
}

// InsertObservation stores a new detector observation and returns its id.
func (s *Store) InsertObservation(ctx context.Context, obs *store.Observation) (int64, error) {
	query := `
		INSERT INTO observations
			(capture_id, sensor_id, bbox, confidence, category, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	var id int64
	err := s.pool.db.QueryRowContext(ctx, query,
		obs.CaptureID, obs.SensorID, pq.Float64Array(obs.BBox),
		obs.Confidence, store.NormalizeCategory(obs.Category), obs.CapturedAt,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("insert observation", err)
	}
	return id, nil
}

func (s *Store) GetObservation(ctx context.Context, id int64) (*store.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE id = $1`
	obs, err := scanObservation(s.pool.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("observation %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get observation", err)
	}
	return obs, nil
}

func (s *Store) ListByCapture(ctx context.Context, captureID string) ([]store.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE capture_id = $1 ORDER BY id`
	out, err := s.queryObservations(ctx, query, captureID)
	if err != nil {
		return nil, wrapErr("list observations by capture", err)
	}
	return out, nil
}

func (s *Store) ListRecentBySensor(ctx context.Context, sensorID string, center time.Time, window time.Duration) ([]store.Observation, error) {
	query := `
		SELECT ` + observationColumns + `
		FROM observations
		WHERE sensor_id = $1
		  AND NOT is_duplicate
		  AND captured_at BETWEEN $2 AND $3
		ORDER BY captured_at, id
	`
	out, err := s.queryObservations(ctx, query, sensorID, center.Add(-window), center.Add(window))
	if err != nil {
		return nil, wrapErr("list observations by sensor", err)
	}
	return out, nil
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]store.Observation, error) {
	query := `
		SELECT ` + observationColumns + `
		FROM observations
		WHERE NOT is_duplicate AND identity_id = 0 AND NOT needs_review
		ORDER BY sensor_id, captured_at, id
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	out, err := s.queryObservations(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list pending observations", err)
	}
	return out, nil
}

func (s *Store) ListForReprocess(ctx context.Context, c store.ReprocessCriterion) ([]store.Observation, error) {
	base := `SELECT ` + observationColumns + ` FROM observations WHERE NOT is_duplicate`
	order := ` ORDER BY sensor_id, captured_at, id`

	var (
		query string
		args  []any
	)
	switch {
	case c.All:
		query = base + order
	case c.Unassigned:
		query = base + ` AND identity_id = 0` + order
	case c.SchemeVersion != "":
		query = base + ` AND identity_id <> 0 AND scheme_version = $1` + order
		args = append(args, c.SchemeVersion)
	default:
		return nil, fmt.Errorf("empty reprocess criterion")
	}

	out, err := s.queryObservations(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list observations for reprocess", err)
	}
	return out, nil
}

func (s *Store) ListByBurstGroup(ctx context.Context, burstGroupID string) ([]store.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE burst_group_id = $1 ORDER BY captured_at, id`
	out, err := s.queryObservations(ctx, query, burstGroupID)
	if err != nil {
		return nil, wrapErr("list burst group", err)
	}
	return out, nil
}

func (s *Store) CountObservations(ctx context.Context) (int, int, error) {
	query := `SELECT COUNT(*), COUNT(*) FILTER (WHERE is_duplicate) FROM observations`
	var total, duplicates int
	if err := s.pool.db.QueryRowContext(ctx, query).Scan(&total, &duplicates); err != nil {
		return 0, 0, wrapErr("count observations", err)
	}
	return total, duplicates, nil
}

// UpdateResolution applies one write-back as a single UPDATE, so a half
// written resolution can never be observed.
func (s *Store) UpdateResolution(ctx context.Context, upd store.ResolutionUpdate) error {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.IsDuplicate != nil {
		add("is_duplicate", *upd.IsDuplicate)
	}
	if upd.BurstGroupID != nil {
		add("burst_group_id", *upd.BurstGroupID)
	}
	if upd.IdentityID != nil {
		add("identity_id", *upd.IdentityID)
	}
	if upd.SchemeVersion != nil {
		add("scheme_version", *upd.SchemeVersion)
	}
	if upd.MatchScore != nil {
		add("match_score", *upd.MatchScore)
	}
	if upd.NeedsReview != nil {
		add("needs_review", *upd.NeedsReview)
	}
	if upd.ReviewReason != nil {
		add("review_reason", string(*upd.ReviewReason))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, upd.ObservationID)
	query := fmt.Sprintf("UPDATE observations SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := s.pool.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapErr("update resolution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("update resolution", err)
	}
	if n == 0 {
		return fmt.Errorf("observation %d: %w", upd.ObservationID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) AssignBurstGroup(ctx context.Context, ids []int64, burstGroupID string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE observations SET burst_group_id = $1 WHERE id = ANY($2)`
	if _, err := s.pool.db.ExecContext(ctx, query, burstGroupID, pq.Array(ids)); err != nil {
		return wrapErr("assign burst group", err)
	}
	return nil
}

func (s *Store) ReassignIdentity(ctx context.Context, fromIdentity, toIdentity int64) error {
	query := `UPDATE observations SET identity_id = $2 WHERE identity_id = $1`
	if _, err := s.pool.db.ExecContext(ctx, query, fromIdentity, toIdentity); err != nil {
		return wrapErr("reassign identity", err)
	}
	return nil
}
