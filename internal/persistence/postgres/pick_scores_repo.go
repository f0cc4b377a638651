package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// pickScoresRepo implements PickScoresRepo for PostgreSQL
type pickScoresRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPickScoresRepo creates a new PostgreSQL pick scores repository
func NewPickScoresRepo(db *sqlx.DB, timeout time.Duration) persistence.PickScoresRepo {
	return &pickScoresRepo{
		db:      db,
		timeout: timeout,
	}
}

func (r *pickScoresRepo) InsertBatch(ctx context.Context, scores []models.PickScore) error {
	if len(scores) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(scores)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pick_scores
			(pick_id, scored_at, version, pqs, components_json, features_json, decision, drop_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("failed to prepare score insert: %w", err)
	}
	defer stmt.Close()

	for _, score := range scores {
		_, err = stmt.ExecContext(ctx,
			score.PickID, score.ScoredAt, score.Version, score.PQS,
			score.ComponentsJSON, score.FeaturesJSON, score.Decision, score.DropReason)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return errs.Wrap(errs.KindConflict, fmt.Sprintf("pick %d already scored at this instant", score.PickID), err)
			}
			return fmt.Errorf("failed to insert score for pick %d: %w", score.PickID, err)
		}
	}

	return tx.Commit()
}

func (r *pickScoresRepo) UpdateDecision(ctx context.Context, scoreID int64, decision string, dropReason *string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE pick_scores
		SET decision = $2, drop_reason = $3
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, scoreID, decision, dropReason)
	if err != nil {
		return fmt.Errorf("failed to update score decision: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.Newf(errs.KindNotFound, "pick score %d not found", scoreID)
	}
	return nil
}

func (r *pickScoresRepo) LatestForPick(ctx context.Context, pickID int64, version string) (*models.PickScore, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT * FROM pick_scores
		WHERE pick_id = $1 AND version = $2
		ORDER BY scored_at DESC, id DESC
		LIMIT 1`

	var score models.PickScore
	if err := r.db.GetContext(ctx, &score, query, pickID, version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Newf(errs.KindNotFound, "no %s score for pick %d", version, pickID)
		}
		return nil, fmt.Errorf("failed to get latest score: %w", err)
	}
	return &score, nil
}

// ListByPickIDs returns the latest score per pick for one version.
func (r *pickScoresRepo) ListByPickIDs(ctx context.Context, pickIDs []int64, version string) (map[int64]models.PickScore, error) {
	if len(pickIDs) == 0 {
		return map[int64]models.PickScore{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (pick_id) *
		FROM pick_scores
		WHERE pick_id = ANY($1) AND version = $2
		ORDER BY pick_id, scored_at DESC, id DESC`

	var scores []models.PickScore
	if err := r.db.SelectContext(ctx, &scores, query, pq.Array(pickIDs), version); err != nil {
		return nil, fmt.Errorf("failed to list scores by pick ids: %w", err)
	}

	out := make(map[int64]models.PickScore, len(scores))
	for _, s := range scores {
		out[s.PickID] = s
	}
	return out, nil
}

func (r *pickScoresRepo) ListRecent(ctx context.Context, version string, limit int) ([]models.PickScore, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT * FROM pick_scores
		WHERE version = $1
		ORDER BY scored_at DESC, id DESC
		LIMIT $2`

	var scores []models.PickScore
	if err := r.db.SelectContext(ctx, &scores, query, version, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent scores: %w", err)
	}
	return scores, nil
}
