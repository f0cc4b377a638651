package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oddsrun/oddsrun/internal/application/clv"
	"github.com/oddsrun/oddsrun/internal/application/consensus"
	"github.com/oddsrun/oddsrun/internal/application/evals"
	"github.com/oddsrun/oddsrun/internal/application/ingest"
	"github.com/oddsrun/oddsrun/internal/application/picks"
	"github.com/oddsrun/oddsrun/internal/application/pipeline"
	"github.com/oddsrun/oddsrun/internal/application/priors"
	"github.com/oddsrun/oddsrun/internal/application/unlock"
	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/infrastructure/cache"
	"github.com/oddsrun/oddsrun/internal/infrastructure/db"
	"github.com/oddsrun/oddsrun/internal/infrastructure/oddsapi"
	httpapi "github.com/oddsrun/oddsrun/internal/interfaces/http"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// app is the fully wired application: storage, upstream client, services.
type app struct {
	settings *config.Settings
	manager  *db.Manager
	repo     *persistence.Repository
	quota    *oddsapi.QuotaTracker
	cache    *cache.Cache

	ingest *ingest.Service
	cons   *consensus.Service
	picks  *picks.Service
	clv    *clv.Service
	priors *priors.Service
	evals  *evals.Service
	gate   *unlock.Gate
	runner *pipeline.Runner
}

// buildApp connects to Postgres (and Redis when configured) and wires every
// service over the live repositories.
func buildApp(settings *config.Settings) (*app, error) {
	manager, err := db.NewManager(db.DefaultConfig(settings.DatabaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisCache, err := cache.New(settings.RedisAddr, time.Duration(settings.RedisTTLSec)*time.Second, log.Logger)
	if err != nil {
		manager.Close()
		return nil, err
	}
	if redisCache.Enabled() {
		log.Info().Str("addr", settings.RedisAddr).Msg("redis cache enabled")
	}

	quota := oddsapi.NewQuotaTracker()
	client := oddsapi.NewClient(
		oddsapi.DefaultConfig(settings.OddsAPIBaseURL, settings.OddsAPIKey, settings.Regions),
		quota,
		log.Logger,
	)

	repo := manager.Repository()
	a := &app{
		settings: settings,
		manager:  manager,
		repo:     repo,
		quota:    quota,
		cache:    redisCache,
	}

	a.cons = consensus.NewService(repo.Games, repo.Odds, settings, log.Logger)
	a.ingest = ingest.NewService(repo.Games, repo.Odds, client, settings, log.Logger)
	a.picks = picks.NewService(a.cons, repo.Picks, repo.PickScores, repo.ClvStats, settings, log.Logger)
	a.clv = clv.NewService(repo.Picks, repo.Odds, settings, log.Logger)
	a.priors = priors.NewService(repo.Picks, repo.ClvStats, settings, log.Logger)
	a.evals = evals.NewService(repo.Picks, repo.PickScores, repo.ClvStats, repo.PipelineRuns, repo.CalibrationRuns, settings, log.Logger)
	a.gate = unlock.NewGate(repo.Picks, settings, log.Logger)
	a.runner = pipeline.NewRunner(a.ingest, a.picks, a.clv, a.priors, a.gate, repo.PipelineRuns, settings, log.Logger)
	return a, nil
}

func (a *app) close() {
	a.cache.Close()
	a.manager.Close()
}

func (a *app) migrate(ctx context.Context) error {
	if err := db.Migrate(ctx, a.manager.DB()); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Info().Msg("database schema up to date")
	return nil
}

func (a *app) httpServer() *httpapi.Server {
	return httpapi.NewServer(httpapi.Deps{
		Settings:  a.settings,
		Ingest:    a.ingest,
		Consensus: a.cons,
		Picks:     a.picks,
		CLV:       a.clv,
		Priors:    a.priors,
		Evals:     a.evals,
		Gate:      a.gate,
		Runner:    a.runner,
		Repo:      a.repo,
		Health:    a.manager.Health(),
		Quota:     a.quota,
		Cache:     a.cache,
		Log:       log.Logger,
	})
}
