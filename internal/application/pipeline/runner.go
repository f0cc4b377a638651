// Package pipeline orchestrates the periodic runs: ingest pulls fresh odds,
// picks turns them into recommendations, clv settles them. Every attempt is
// logged as a PipelineRun row; per-sport failures never abort a run.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/oddsrun/oddsrun/internal/application/clv"
	"github.com/oddsrun/oddsrun/internal/application/ingest"
	"github.com/oddsrun/oddsrun/internal/application/picks"
	"github.com/oddsrun/oddsrun/internal/application/priors"
	"github.com/oddsrun/oddsrun/internal/application/unlock"
	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// Result is the outcome of one pipeline run.
type Result struct {
	RunType string         `json:"run_type"`
	Status  string         `json:"status"`
	Sports  []string       `json:"sports"`
	Markets []string       `json:"markets"`
	Stats   map[string]any `json:"stats"`
	Errors  []string       `json:"errors,omitempty"`
}

// Runner executes pipeline runs and records them. The single-holder semaphore
// serializes every run path: scheduled ticks try-acquire and skip, HTTP
// triggers block until the lock is free.
type Runner struct {
	ingest   *ingest.Service
	picks    *picks.Service
	clv      *clv.Service
	priors   *priors.Service
	gate     *unlock.Gate
	runs     persistence.PipelineRunsRepo
	settings *config.Settings
	log      zerolog.Logger

	sem chan struct{}
}

// NewRunner wires the pipeline orchestrator.
func NewRunner(ingestSvc *ingest.Service, picksSvc *picks.Service, clvSvc *clv.Service, priorsSvc *priors.Service, gate *unlock.Gate, runsRepo persistence.PipelineRunsRepo, settings *config.Settings, log zerolog.Logger) *Runner {
	return &Runner{
		ingest:   ingestSvc,
		picks:    picksSvc,
		clv:      clvSvc,
		priors:   priorsSvc,
		gate:     gate,
		runs:     runsRepo,
		settings: settings,
		log:      log.With().Str("component", "pipeline").Logger(),
		sem:      make(chan struct{}, 1),
	}
}

// Acquire blocks until the run lock is free or the context ends.
func (r *Runner) Acquire(ctx context.Context) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the run lock without waiting.
func (r *Runner) TryAcquire() bool {
	select {
	case r.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the run lock.
func (r *Runner) Release() {
	<-r.sem
}

// Run dispatches one run by type.
func (r *Runner) Run(ctx context.Context, runType string, force bool) (*Result, error) {
	switch runType {
	case models.RunTypeIngest:
		return r.RunIngest(ctx)
	case models.RunTypePicks:
		return r.RunPicks(ctx)
	case models.RunTypeCLV:
		return r.RunCLV(ctx, force)
	case models.RunTypeCycle:
		return r.RunCycle(ctx, force)
	}
	return nil, errs.Newf(errs.KindInvalidArgument, "unknown run type %q", runType)
}

// RunIngest pulls fresh odds for every resolved sport. One sport failing is
// recorded and the run continues.
func (r *Runner) RunIngest(ctx context.Context) (*Result, error) {
	sports := r.settings.ResolveSports()
	result := &Result{
		RunType: models.RunTypeIngest,
		Sports:  sports,
		Markets: r.settings.ResolveMarkets(),
		Stats:   map[string]any{},
	}

	var summaries []*ingest.Summary
	for _, sport := range sports {
		summary, err := r.ingest.Run(ctx, sport)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", sport, err))
			r.log.Error().Err(err).Str("sport", sport).Msg("ingest failed for sport")
			continue
		}
		summaries = append(summaries, summary)
	}

	groupsChanged := 0
	rowsInserted := 0
	for _, s := range summaries {
		groupsChanged += s.GroupsChanged
		rowsInserted += s.SnapshotRowsInserted
	}
	result.Stats["sports_ok"] = len(summaries)
	result.Stats["groups_changed"] = groupsChanged
	result.Stats["snapshot_rows_inserted"] = rowsInserted
	result.Stats["summaries"] = summaries

	r.finish(ctx, result)
	return result, nil
}

// RunPicks generates picks for every resolved (sport, market) that the
// unlock gate permits. Skipped markets are recorded in the run stats.
func (r *Runner) RunPicks(ctx context.Context) (*Result, error) {
	sports := r.settings.ResolveSports()
	markets := r.settings.ResolveMarkets()
	result := &Result{
		RunType: models.RunTypePicks,
		Sports:  sports,
		Markets: markets,
		Stats:   map[string]any{},
	}

	usedMarkets := []string{}
	skippedMarkets := []string{}
	for _, market := range markets {
		reason, err := r.gate.Check(ctx, market)
		if err != nil {
			skippedMarkets = append(skippedMarkets, market)
			r.log.Warn().Str("market", market).Msg("market locked, skipped for this cycle")
			continue
		}
		if reason != nil {
			r.log.Warn().Str("market", market).Str("code", reason.Code).Msg("market below unlock threshold")
		}
		usedMarkets = append(usedMarkets, market)
	}

	var summaries []*picks.Summary
	keptTotal := 0
	for _, sport := range sports {
		for _, market := range usedMarkets {
			summary, err := r.picks.Generate(ctx, sport, market)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s/%s: %v", sport, market, err))
				r.log.Error().Err(err).Str("sport", sport).Str("market", market).Msg("pick generation failed")
				continue
			}
			summaries = append(summaries, summary)
			keptTotal += summary.Kept
		}
	}

	result.Stats["market_lock"] = map[string]any{
		"used_markets":    usedMarkets,
		"skipped_markets": skippedMarkets,
	}
	result.Stats["kept_total"] = keptTotal
	result.Stats["summaries"] = summaries

	r.finish(ctx, result)
	return result, nil
}

// RunCLV settles commenced picks and refreshes the priors window.
func (r *Runner) RunCLV(ctx context.Context, force bool) (*Result, error) {
	result := &Result{
		RunType: models.RunTypeCLV,
		Sports:  r.settings.ResolveSports(),
		Markets: r.settings.ResolveMarkets(),
		Stats:   map[string]any{},
	}

	summary, err := r.clv.ComputePending(ctx, force)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("clv: %v", err))
	} else {
		result.Stats["clv"] = summary
	}

	if summary != nil && summary.Updated > 0 {
		priorsSummary, err := r.priors.Recompute(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("priors: %v", err))
		} else {
			result.Stats["priors"] = priorsSummary
		}
	}

	r.finish(ctx, result)
	return result, nil
}

// RunCycle is ingest then picks then clv. Step failures are isolated.
func (r *Runner) RunCycle(ctx context.Context, force bool) (*Result, error) {
	result := &Result{
		RunType: models.RunTypeCycle,
		Sports:  r.settings.ResolveSports(),
		Markets: r.settings.ResolveMarkets(),
		Stats:   map[string]any{},
	}

	ingestRes, err := r.RunIngest(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("ingest: %v", err))
	} else {
		result.Stats["ingest"] = ingestRes.Stats
		result.Errors = append(result.Errors, ingestRes.Errors...)
	}

	picksRes, err := r.RunPicks(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("picks: %v", err))
	} else {
		result.Stats["picks"] = picksRes.Stats
		if kept, ok := picksRes.Stats["kept_total"]; ok {
			result.Stats["kept_total"] = kept
		}
		result.Errors = append(result.Errors, picksRes.Errors...)
	}

	clvRes, err := r.RunCLV(ctx, force)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("clv: %v", err))
	} else {
		result.Stats["clv"] = clvRes.Stats
		result.Errors = append(result.Errors, clvRes.Errors...)
	}

	r.finish(ctx, result)
	return result, nil
}

// finish stamps the status and appends the PipelineRun row. json.Marshal
// emits map keys sorted, so stats_json is deterministic for equal inputs.
func (r *Runner) finish(ctx context.Context, result *Result) {
	result.Status = models.RunStatusOK
	if len(result.Errors) > 0 {
		result.Status = models.RunStatusError
	}

	statsJSON, err := json.Marshal(result.Stats)
	if err != nil {
		statsJSON = []byte("{}")
		r.log.Error().Err(err).Msg("failed to marshal run stats")
	}

	run := &models.PipelineRun{
		RunType:   result.RunType,
		Status:    result.Status,
		Sports:    strings.Join(result.Sports, ","),
		Markets:   strings.Join(result.Markets, ","),
		StatsJSON: string(statsJSON),
	}
	if len(result.Errors) > 0 {
		msg := strings.Join(result.Errors, "; ")
		run.Error = &msg
	}
	if _, err := r.runs.Insert(ctx, run); err != nil {
		r.log.Error().Err(err).Str("run_type", result.RunType).Msg("failed to record pipeline run")
	}

	r.log.Info().
		Str("run_type", result.RunType).
		Str("status", result.Status).
		Int("errors", len(result.Errors)).
		Msg("pipeline run finished")
}

// Recent returns the latest pipeline runs, newest first.
func (r *Runner) Recent(ctx context.Context, limit int) ([]models.PipelineRun, error) {
	return r.runs.ListRecent(ctx, limit)
}

// LatestByType returns the most recent run per run type.
func (r *Runner) LatestByType(ctx context.Context) (map[string]models.PipelineRun, error) {
	return r.runs.LatestByType(ctx)
}
