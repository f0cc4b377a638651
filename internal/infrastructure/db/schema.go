package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migrations run in order inside one transaction. Statements are idempotent
// so Migrate is safe to call on every start.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS games (
		id BIGSERIAL PRIMARY KEY,
		sport_key TEXT NOT NULL,
		event_id TEXT NOT NULL UNIQUE,
		commence_time TIMESTAMPTZ NOT NULL,
		home_team TEXT NOT NULL,
		away_team TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_games_sport_commence ON games (sport_key, commence_time)`,

	`CREATE TABLE IF NOT EXISTS odds_groups (
		id BIGSERIAL PRIMARY KEY,
		game_id BIGINT NOT NULL REFERENCES games(id),
		market_key TEXT NOT NULL,
		bookmaker TEXT NOT NULL,
		point DOUBLE PRECISION,
		point_norm DOUBLE PRECISION GENERATED ALWAYS AS (COALESCE(point, -999999)) STORED,
		last_hash TEXT NOT NULL,
		last_captured_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_odds_groups_identity
		ON odds_groups (game_id, market_key, bookmaker, point_norm)`,

	`CREATE TABLE IF NOT EXISTS odds_snapshots (
		id BIGSERIAL PRIMARY KEY,
		game_id BIGINT NOT NULL REFERENCES games(id),
		captured_at TIMESTAMPTZ NOT NULL,
		market_key TEXT NOT NULL,
		bookmaker TEXT NOT NULL,
		side TEXT NOT NULL,
		point DOUBLE PRECISION,
		american INTEGER,
		decimal DOUBLE PRECISION,
		implied_prob DOUBLE PRECISION NOT NULL,
		fair_prob DOUBLE PRECISION NOT NULL,
		group_hash TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_odds_snapshots_game_market
		ON odds_snapshots (game_id, market_key, captured_at)`,

	`CREATE TABLE IF NOT EXISTS picks (
		id BIGSERIAL PRIMARY KEY,
		game_id BIGINT NOT NULL REFERENCES games(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		market_key TEXT NOT NULL,
		side TEXT NOT NULL,
		point DOUBLE PRECISION,
		point_norm DOUBLE PRECISION GENERATED ALWAYS AS (COALESCE(point, -999999)) STORED,
		source TEXT NOT NULL,
		consensus_prob DOUBLE PRECISION NOT NULL,
		best_decimal DOUBLE PRECISION NOT NULL,
		best_book TEXT NOT NULL,
		ev DOUBLE PRECISION NOT NULL,
		kelly_fraction DOUBLE PRECISION NOT NULL,
		stake DOUBLE PRECISION NOT NULL,
		consensus_books INTEGER NOT NULL,
		sharp_books INTEGER NOT NULL,
		captured_at_min TIMESTAMPTZ NOT NULL,
		captured_at_max TIMESTAMPTZ NOT NULL,
		closing_consensus_prob DOUBLE PRECISION,
		closing_book_decimal DOUBLE PRECISION,
		closing_book_implied_prob DOUBLE PRECISION,
		market_clv DOUBLE PRECISION,
		book_clv DOUBLE PRECISION,
		clv_computed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_picks_selection
		ON picks (game_id, market_key, side, point_norm, best_book, captured_at_max)`,
	`CREATE INDEX IF NOT EXISTS idx_picks_clv_pending
		ON picks (clv_computed_at) WHERE clv_computed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS pick_scores (
		id BIGSERIAL PRIMARY KEY,
		pick_id BIGINT NOT NULL REFERENCES picks(id),
		scored_at TIMESTAMPTZ NOT NULL,
		version TEXT NOT NULL,
		pqs DOUBLE PRECISION NOT NULL,
		components_json TEXT NOT NULL,
		features_json TEXT NOT NULL,
		decision TEXT NOT NULL,
		drop_reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pick_scores_pick
		ON pick_scores (pick_id, version, scored_at DESC)`,

	`CREATE TABLE IF NOT EXISTS clv_sport_stats (
		id BIGSERIAL PRIMARY KEY,
		sport_key TEXT NOT NULL,
		market_key TEXT NOT NULL,
		side_type TEXT,
		window_size INTEGER NOT NULL,
		as_of TIMESTAMPTZ NOT NULL,
		n INTEGER NOT NULL,
		mean_market_clv_bps DOUBLE PRECISION NOT NULL,
		median_market_clv_bps DOUBLE PRECISION NOT NULL,
		pct_positive_market_clv DOUBLE PRECISION NOT NULL,
		mean_same_book_clv_bps DOUBLE PRECISION,
		sharpe_like DOUBLE PRECISION,
		is_weak INTEGER NOT NULL DEFAULT 0,
		last_updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_clv_sport_stats_window
		ON clv_sport_stats (window_size, sport_key, market_key)`,

	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id BIGSERIAL PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		run_type TEXT NOT NULL,
		status TEXT NOT NULL,
		sports TEXT NOT NULL DEFAULT '',
		markets TEXT NOT NULL DEFAULT '',
		stats_json TEXT NOT NULL DEFAULT '{}',
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_type
		ON pipeline_runs (run_type, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS calibration_runs (
		id BIGSERIAL PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		eval_window_start TIMESTAMPTZ NOT NULL,
		eval_window_end TIMESTAMPTZ NOT NULL,
		pqs_version TEXT NOT NULL,
		current_config_snapshot_json TEXT NOT NULL,
		proposed_config_patch_json TEXT NOT NULL,
		rationale_json TEXT NOT NULL,
		status TEXT NOT NULL,
		applied_at TIMESTAMPTZ
	)`,
}

// Migrate applies the schema. All statements run in one transaction.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i, err)
		}
	}

	return tx.Commit()
}
