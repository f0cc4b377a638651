package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// pipelineRunsRepo implements PipelineRunsRepo for PostgreSQL
type pipelineRunsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPipelineRunsRepo creates a new PostgreSQL pipeline runs repository
func NewPipelineRunsRepo(db *sqlx.DB, timeout time.Duration) persistence.PipelineRunsRepo {
	return &pipelineRunsRepo{
		db:      db,
		timeout: timeout,
	}
}

func (r *pipelineRunsRepo) Insert(ctx context.Context, run *models.PipelineRun) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO pipeline_runs (created_at, run_type, status, sports, markets, stats_json, error)
		VALUES (NOW(), $1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err := r.db.QueryRowxContext(ctx, query,
		run.RunType, run.Status, run.Sports, run.Markets, run.StatsJSON, run.Error).
		Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pipeline run: %w", err)
	}
	return run.ID, nil
}

func (r *pipelineRunsRepo) ListRecent(ctx context.Context, limit int) ([]models.PipelineRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT * FROM pipeline_runs
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	var runs []models.PipelineRun
	if err := r.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}
	return runs, nil
}

func (r *pipelineRunsRepo) LatestByType(ctx context.Context) (map[string]models.PipelineRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (run_type) *
		FROM pipeline_runs
		ORDER BY run_type, created_at DESC, id DESC`

	var runs []models.PipelineRun
	if err := r.db.SelectContext(ctx, &runs, query); err != nil {
		return nil, fmt.Errorf("failed to query latest runs by type: %w", err)
	}

	out := make(map[string]models.PipelineRun, len(runs))
	for _, run := range runs {
		out[run.RunType] = run
	}
	return out, nil
}

// calibrationRunsRepo implements CalibrationRunsRepo for PostgreSQL
type calibrationRunsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCalibrationRunsRepo creates a new PostgreSQL calibration runs repository
func NewCalibrationRunsRepo(db *sqlx.DB, timeout time.Duration) persistence.CalibrationRunsRepo {
	return &calibrationRunsRepo{
		db:      db,
		timeout: timeout,
	}
}

func (r *calibrationRunsRepo) Insert(ctx context.Context, run *models.CalibrationRun) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO calibration_runs
			(created_at, eval_window_start, eval_window_end, pqs_version,
			 current_config_snapshot_json, proposed_config_patch_json, rationale_json, status)
		VALUES (NOW(), $1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err := r.db.QueryRowxContext(ctx, query,
		run.EvalWindowStart, run.EvalWindowEnd, run.PQSVersion,
		run.CurrentSnapshotJSON, run.ProposedPatchJSON, run.RationaleJSON, run.Status).
		Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert calibration run: %w", err)
	}
	return run.ID, nil
}

func (r *calibrationRunsRepo) ListRecent(ctx context.Context, limit int) ([]models.CalibrationRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT * FROM calibration_runs
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	var runs []models.CalibrationRun
	if err := r.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list calibration runs: %w", err)
	}
	return runs, nil
}

func (r *calibrationRunsRepo) MarkApplied(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE calibration_runs
		SET status = $2, applied_at = $3
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, models.CalibrationApplied, at)
	if err != nil {
		return fmt.Errorf("failed to mark calibration run applied: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.Newf(errs.KindNotFound, "calibration run %d not found", id)
	}
	return nil
}
