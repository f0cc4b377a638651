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

// gamesRepo implements GamesRepo for PostgreSQL
type gamesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewGamesRepo creates a new PostgreSQL games repository
func NewGamesRepo(db *sqlx.DB, timeout time.Duration) persistence.GamesRepo {
	return &gamesRepo{
		db:      db,
		timeout: timeout,
	}
}

// Upsert inserts the game or refreshes team names and commence time.
// event_id is the upstream identity.
func (r *gamesRepo) Upsert(ctx context.Context, game *models.Game) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO games (sport_key, event_id, commence_time, home_team, away_team, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (event_id) DO UPDATE SET
			commence_time = EXCLUDED.commence_time,
			home_team = EXCLUDED.home_team,
			away_team = EXCLUDED.away_team,
			updated_at = NOW()
		RETURNING id, (xmax = 0) AS inserted`

	var id int64
	var inserted bool
	err := r.db.QueryRowxContext(ctx, query,
		game.SportKey, game.EventID, game.CommenceTime, game.HomeTeam, game.AwayTeam).
		Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("failed to upsert game: %w", err)
	}

	game.ID = id
	return id, inserted, nil
}

func (r *gamesRepo) GetByID(ctx context.Context, id int64) (*models.Game, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var game models.Game
	err := r.db.GetContext(ctx, &game, `SELECT * FROM games WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Newf(errs.KindNotFound, "game %d not found", id)
		}
		return nil, fmt.Errorf("failed to get game: %w", err)
	}
	return &game, nil
}

func (r *gamesRepo) GetByEventID(ctx context.Context, eventID string) (*models.Game, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var game models.Game
	err := r.db.GetContext(ctx, &game, `SELECT * FROM games WHERE event_id = $1`, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Newf(errs.KindNotFound, "game %s not found", eventID)
		}
		return nil, fmt.Errorf("failed to get game by event id: %w", err)
	}
	return &game, nil
}

func (r *gamesRepo) ListUpcoming(ctx context.Context, sportKey string, limit int) ([]models.Game, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT * FROM games
		WHERE sport_key = $1 AND commence_time > NOW()
		ORDER BY commence_time ASC, id ASC
		LIMIT $2`

	var games []models.Game
	if err := r.db.SelectContext(ctx, &games, query, sportKey, limit); err != nil {
		return nil, fmt.Errorf("failed to list upcoming games: %w", err)
	}
	return games, nil
}
