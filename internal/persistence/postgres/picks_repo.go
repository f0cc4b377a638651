package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// picksRepo implements PicksRepo for PostgreSQL
type picksRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPicksRepo creates a new PostgreSQL picks repository
func NewPicksRepo(db *sqlx.DB, timeout time.Duration) persistence.PicksRepo {
	return &picksRepo{
		db:      db,
		timeout: timeout,
	}
}

const pickWithGameColumns = `
	p.id, p.game_id, p.created_at, p.market_key, p.side, p.point, p.source,
	p.consensus_prob, p.best_decimal, p.best_book, p.ev, p.kelly_fraction, p.stake,
	p.consensus_books, p.sharp_books, p.captured_at_min, p.captured_at_max,
	p.closing_consensus_prob, p.closing_book_decimal, p.closing_book_implied_prob,
	p.market_clv, p.book_clv, p.clv_computed_at,
	g.sport_key, g.event_id, g.commence_time, g.home_team, g.away_team`

func (r *picksRepo) Insert(ctx context.Context, pick *models.Pick) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO picks
			(game_id, created_at, market_key, side, point, source,
			 consensus_prob, best_decimal, best_book, ev, kelly_fraction, stake,
			 consensus_books, sharp_books, captured_at_min, captured_at_max)
		VALUES ($1, NOW(), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at`

	err := r.db.QueryRowxContext(ctx, query,
		pick.GameID, pick.MarketKey, pick.Side, pick.Point, pick.Source,
		pick.ConsensusProb, pick.BestDecimal, pick.BestBook, pick.EV,
		pick.KellyFraction, pick.Stake, pick.ConsensusBooks, pick.SharpBooks,
		pick.CapturedAtMin, pick.CapturedAtMax).
		Scan(&pick.ID, &pick.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return 0, errs.Wrap(errs.KindConflict, "pick already exists for selection", err)
		}
		return 0, fmt.Errorf("failed to insert pick: %w", err)
	}
	return pick.ID, nil
}

func (r *picksRepo) GetByID(ctx context.Context, id int64) (*persistence.PickWithGame, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + pickWithGameColumns + `
		FROM picks p JOIN games g ON g.id = p.game_id
		WHERE p.id = $1`

	var pick persistence.PickWithGame
	if err := r.db.GetContext(ctx, &pick, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Newf(errs.KindNotFound, "pick %d not found", id)
		}
		return nil, fmt.Errorf("failed to get pick: %w", err)
	}
	return &pick, nil
}

// GetBySelection matches on the normalized point so NULL points compare equal.
func (r *picksRepo) GetBySelection(ctx context.Context, gameID int64, marketKey, side string, point *float64, bestBook string, capturedAtMax time.Time) (*models.Pick, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT * FROM picks
		WHERE game_id = $1 AND market_key = $2 AND side = $3
		  AND COALESCE(point, $4) = COALESCE($5, $4)
		  AND best_book = $6 AND captured_at_max = $7
		LIMIT 1`

	var pick models.Pick
	err := r.db.GetContext(ctx, &pick, query,
		gameID, marketKey, side, float64(persistence.PointSentinel), point,
		bestBook, capturedAtMax)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pick by selection: %w", err)
	}
	return &pick, nil
}

func (r *picksRepo) List(ctx context.Context, f persistence.PickFilter) ([]persistence.PickWithGame, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var conds []string
	var args []interface{}
	if f.SportKey != "" {
		args = append(args, f.SportKey)
		conds = append(conds, fmt.Sprintf("g.sport_key = $%d", len(args)))
	}
	if f.MarketKey != "" {
		args = append(args, f.MarketKey)
		conds = append(conds, fmt.Sprintf("p.market_key = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conds = append(conds, fmt.Sprintf("p.created_at >= $%d", len(args)))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		conds = append(conds, fmt.Sprintf("p.created_at <= $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM picks p JOIN games g ON g.id = p.game_id
		%s
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT $%d`, pickWithGameColumns, where, len(args))

	var picks []persistence.PickWithGame
	if err := r.db.SelectContext(ctx, &picks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list picks: %w", err)
	}
	return picks, nil
}

func (r *picksRepo) ListPendingCLV(ctx context.Context, now time.Time, limit int) ([]persistence.PickWithGame, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + pickWithGameColumns + `
		FROM picks p JOIN games g ON g.id = p.game_id
		WHERE p.clv_computed_at IS NULL AND g.commence_time <= $1
		ORDER BY g.commence_time ASC, p.id ASC
		LIMIT $2`

	var picks []persistence.PickWithGame
	if err := r.db.SelectContext(ctx, &picks, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list picks pending clv: %w", err)
	}
	return picks, nil
}

// UpdateCLVBatch writes all closing numbers in one transaction. The guard on
// clv_computed_at keeps the write one-shot under concurrent runs; force
// drops the guard for deliberate recomputation.
func (r *picksRepo) UpdateCLVBatch(ctx context.Context, updates []persistence.CLVUpdate, force bool) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(updates)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	guard := "AND clv_computed_at IS NULL"
	if force {
		guard = ""
	}
	stmt, err := tx.PrepareContext(ctx, `
		UPDATE picks SET
			closing_consensus_prob = $2,
			closing_book_decimal = $3,
			closing_book_implied_prob = $4,
			market_clv = $5,
			book_clv = $6,
			clv_computed_at = $7
		WHERE id = $1 `+guard)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare clv update: %w", err)
	}
	defer stmt.Close()

	updated := 0
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx,
			u.PickID, u.ClosingConsensusProb, u.ClosingBookDecimal,
			u.ClosingBookImpliedProb, u.MarketCLV, u.BookCLV, u.ComputedAt)
		if err != nil {
			return 0, fmt.Errorf("failed to update clv for pick %d: %w", u.PickID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		updated += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit clv batch: %w", err)
	}
	return updated, nil
}

func (r *picksRepo) CountClvComputed(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM picks WHERE clv_computed_at IS NOT NULL`).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count clv-computed picks: %w", err)
	}
	return count, nil
}

func (r *picksRepo) ListForCLVDate(ctx context.Context, start, end time.Time, includeComputed bool) ([]persistence.PickWithGame, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	guard := "AND p.clv_computed_at IS NULL"
	if includeComputed {
		guard = ""
	}
	query := `
		SELECT ` + pickWithGameColumns + `
		FROM picks p JOIN games g ON g.id = p.game_id
		WHERE g.commence_time >= $1 AND g.commence_time < $2 ` + guard + `
		ORDER BY g.commence_time ASC, p.id ASC`

	var picks []persistence.PickWithGame
	if err := r.db.SelectContext(ctx, &picks, query, start, end); err != nil {
		return nil, fmt.Errorf("failed to list picks for clv date: %w", err)
	}
	return picks, nil
}

func (r *picksRepo) ListClvScoredAll(ctx context.Context, limit int) ([]persistence.PickWithGame, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + pickWithGameColumns + `
		FROM picks p JOIN games g ON g.id = p.game_id
		WHERE p.clv_computed_at IS NOT NULL
		ORDER BY p.clv_computed_at DESC, p.id DESC`

	var args []interface{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var picks []persistence.PickWithGame
	if err := r.db.SelectContext(ctx, &picks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list clv-scored picks: %w", err)
	}
	return picks, nil
}
