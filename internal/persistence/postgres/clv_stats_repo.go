package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// clvStatsRepo implements ClvStatsRepo for PostgreSQL
type clvStatsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewClvStatsRepo creates a new PostgreSQL CLV stats repository
func NewClvStatsRepo(db *sqlx.DB, timeout time.Duration) persistence.ClvStatsRepo {
	return &clvStatsRepo{
		db:      db,
		timeout: timeout,
	}
}

// ReplaceWindow deletes the old window rows and inserts the fresh snapshot in
// one transaction, so readers never observe a half-replaced window.
func (r *clvStatsRepo) ReplaceWindow(ctx context.Context, windowSize int, stats []models.ClvSportStat) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(stats)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM clv_sport_stats WHERE window_size = $1`, windowSize); err != nil {
		return fmt.Errorf("failed to clear clv stats window: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO clv_sport_stats
			(sport_key, market_key, side_type, window_size, as_of, n,
			 mean_market_clv_bps, median_market_clv_bps, pct_positive_market_clv,
			 mean_same_book_clv_bps, sharpe_like, is_weak, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())`)
	if err != nil {
		return fmt.Errorf("failed to prepare stats insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range stats {
		_, err = stmt.ExecContext(ctx,
			s.SportKey, s.MarketKey, s.SideType, windowSize, s.AsOf, s.N,
			s.MeanMarketClvBps, s.MedianMarketClvBps, s.PctPositiveMarketClv,
			s.MeanSameBookClvBps, s.SharpeLike, s.IsWeak)
		if err != nil {
			return fmt.Errorf("failed to insert clv stat %s/%s: %w", s.SportKey, s.MarketKey, err)
		}
	}

	return tx.Commit()
}

func (r *clvStatsRepo) Get(ctx context.Context, sportKey, marketKey string, windowSize int) (*models.ClvSportStat, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT * FROM clv_sport_stats
		WHERE sport_key = $1 AND market_key = $2 AND window_size = $3
		ORDER BY as_of DESC, id DESC
		LIMIT 1`

	var stat models.ClvSportStat
	if err := r.db.GetContext(ctx, &stat, query, sportKey, marketKey, windowSize); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Newf(errs.KindNotFound, "no clv stats for %s/%s", sportKey, marketKey)
		}
		return nil, fmt.Errorf("failed to get clv stats: %w", err)
	}
	return &stat, nil
}

func (r *clvStatsRepo) List(ctx context.Context, windowSize int) ([]models.ClvSportStat, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT * FROM clv_sport_stats
		WHERE window_size = $1
		ORDER BY sport_key ASC, market_key ASC`

	var stats []models.ClvSportStat
	if err := r.db.SelectContext(ctx, &stats, query, windowSize); err != nil {
		return nil, fmt.Errorf("failed to list clv stats: %w", err)
	}
	return stats, nil
}
