package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// oddsRepo implements OddsRepo for PostgreSQL
type oddsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOddsRepo creates a new PostgreSQL odds repository
func NewOddsRepo(db *sqlx.DB, timeout time.Duration) persistence.OddsRepo {
	return &oddsRepo{
		db:      db,
		timeout: timeout,
	}
}

// GroupHashes loads the last stored content hash for every quote group of one
// game and market. The map key normalizes NULL points to the sentinel.
func (r *oddsRepo) GroupHashes(ctx context.Context, gameID int64, marketKey string) (map[persistence.GroupKey]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT market_key, bookmaker, point, last_hash
		FROM odds_groups
		WHERE game_id = $1 AND market_key = $2`

	rows, err := r.db.QueryxContext(ctx, query, gameID, marketKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query group hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[persistence.GroupKey]string)
	for rows.Next() {
		var market, bookmaker, hash string
		var point *float64
		if err := rows.Scan(&market, &bookmaker, &point, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan group hash: %w", err)
		}
		key := persistence.GroupKey{
			MarketKey: market,
			Bookmaker: bookmaker,
			Point:     persistence.NormPoint(point),
		}
		hashes[key] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group hashes: %w", err)
	}
	return hashes, nil
}

// ApplyChanges upserts the group rows and appends the snapshot rows for one
// ingest run inside a single transaction.
func (r *oddsRepo) ApplyChanges(ctx context.Context, changes []persistence.GroupChange) error {
	if len(changes) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(changes)/50+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	groupStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO odds_groups (game_id, market_key, bookmaker, point, last_hash, last_captured_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (game_id, market_key, bookmaker, point_norm) DO UPDATE SET
			last_hash = EXCLUDED.last_hash,
			last_captured_at = EXCLUDED.last_captured_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare group upsert: %w", err)
	}
	defer groupStmt.Close()

	snapStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO odds_snapshots
			(game_id, captured_at, market_key, bookmaker, side, point, american, decimal, implied_prob, fair_prob, group_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer snapStmt.Close()

	for _, change := range changes {
		_, err = groupStmt.ExecContext(ctx,
			change.GameID, change.Key.MarketKey, change.Key.Bookmaker, change.Point,
			change.Hash, change.CapturedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert group %s/%s: %w", change.Key.MarketKey, change.Key.Bookmaker, err)
		}

		for _, snap := range change.Snapshots {
			_, err = snapStmt.ExecContext(ctx,
				change.GameID, snap.CapturedAt, snap.MarketKey, snap.Bookmaker, snap.Side,
				snap.Point, snap.American, snap.Decimal, snap.ImpliedProb, snap.FairProb,
				snap.GroupHash)
			if err != nil {
				return fmt.Errorf("failed to insert snapshot: %w", err)
			}
		}
	}

	return tx.Commit()
}

func (r *oddsRepo) Snapshots(ctx context.Context, gameID int64, marketKey string) ([]models.OddsSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT * FROM odds_snapshots
		WHERE game_id = $1 AND market_key = $2
		ORDER BY captured_at ASC, bookmaker ASC, side ASC`

	var snaps []models.OddsSnapshot
	if err := r.db.SelectContext(ctx, &snaps, query, gameID, marketKey); err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	return snaps, nil
}

func (r *oddsRepo) SnapshotsBefore(ctx context.Context, gameID int64, marketKey string, cutoff time.Time) ([]models.OddsSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT * FROM odds_snapshots
		WHERE game_id = $1 AND market_key = $2 AND captured_at < $3
		ORDER BY captured_at ASC, bookmaker ASC, side ASC`

	var snaps []models.OddsSnapshot
	if err := r.db.SelectContext(ctx, &snaps, query, gameID, marketKey, cutoff); err != nil {
		return nil, fmt.Errorf("failed to query snapshots before cutoff: %w", err)
	}
	return snaps, nil
}
