package persistence

import (
	"context"
	"time"
)

// Repository bundles every repo behind one handle for wiring.
type Repository struct {
	Games           GamesRepo
	Odds            OddsRepo
	Picks           PicksRepo
	PickScores      PickScoresRepo
	ClvStats        ClvStatsRepo
	PipelineRuns    PipelineRunsRepo
	CalibrationRuns CalibrationRunsRepo
}

// HealthCheck is the result of one storage health probe.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth exposes liveness checks over the storage layer.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	// Ping runs a trivial query against the store. The scheduler refuses to
	// fire jobs when this fails and SCHED_REQUIRE_DB is set.
	Ping(ctx context.Context) error
}
