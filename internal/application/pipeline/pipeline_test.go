package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsrun/oddsrun/internal/application/apptest"
	"github.com/oddsrun/oddsrun/internal/application/clv"
	"github.com/oddsrun/oddsrun/internal/application/consensus"
	"github.com/oddsrun/oddsrun/internal/application/ingest"
	"github.com/oddsrun/oddsrun/internal/application/picks"
	"github.com/oddsrun/oddsrun/internal/application/priors"
	"github.com/oddsrun/oddsrun/internal/application/unlock"
	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/infrastructure/oddsapi"
	"github.com/oddsrun/oddsrun/internal/models"
)

type staticFetcher struct {
	events []oddsapi.Event
	err    error
}

func (f *staticFetcher) FetchOdds(context.Context, string, []string) ([]oddsapi.Event, error) {
	return f.events, f.err
}

type fixture struct {
	games    *apptest.FakeGamesRepo
	odds     *apptest.FakeOddsRepo
	picks    *apptest.FakePicksRepo
	scores   *apptest.FakePickScoresRepo
	stats    *apptest.FakeClvStatsRepo
	runs     *apptest.FakePipelineRunsRepo
	fetcher  *staticFetcher
	settings *config.Settings
	runner   *Runner
}

func newFixture(t *testing.T, env map[string]string) *fixture {
	t.Helper()
	base := map[string]string{"ODDS_SPORTS_WHITELIST": "basketball_nba"}
	for k, v := range env {
		base[k] = v
	}
	for k, v := range base {
		t.Setenv(k, v)
	}
	settings, err := config.FromEnv("")
	require.NoError(t, err)

	f := &fixture{
		games:    apptest.NewFakeGamesRepo(),
		odds:     apptest.NewFakeOddsRepo(),
		picks:    apptest.NewFakePicksRepo(),
		scores:   apptest.NewFakePickScoresRepo(),
		stats:    apptest.NewFakeClvStatsRepo(),
		runs:     apptest.NewFakePipelineRunsRepo(),
		fetcher:  &staticFetcher{},
		settings: settings,
	}

	log := zerolog.Nop()
	cons := consensus.NewService(f.games, f.odds, settings, log)
	ingestSvc := ingest.NewService(f.games, f.odds, f.fetcher, settings, log)
	picksSvc := picks.NewService(cons, f.picks, f.scores, f.stats, settings, log)
	clvSvc := clv.NewService(f.picks, f.odds, settings, log)
	priorsSvc := priors.NewService(f.picks, f.stats, settings, log)
	gate := unlock.NewGate(f.picks, settings, log)
	f.runner = NewRunner(ingestSvc, picksSvc, clvSvc, priorsSvc, gate, f.runs, settings, log)
	return f
}

func TestRunIngest_LogsRun(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.runner.RunIngest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusOK, result.Status)

	require.Len(t, f.runs.Runs, 1)
	run := f.runs.Runs[0]
	assert.Equal(t, models.RunTypeIngest, run.RunType)
	assert.Equal(t, "basketball_nba", run.Sports)
	assert.Equal(t, "h2h", run.Markets)

	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(run.StatsJSON), &stats))
	assert.Equal(t, float64(1), stats["sports_ok"])
}

func TestRunIngest_SportFailureIsolated(t *testing.T) {
	f := newFixture(t, map[string]string{"ODDS_SPORTS_WHITELIST": "basketball_nba,icehockey_nhl"})
	f.fetcher.err = errors.New("feed down")

	result, err := f.runner.RunIngest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusError, result.Status)
	assert.Len(t, result.Errors, 2)

	require.Len(t, f.runs.Runs, 1)
	require.NotNil(t, f.runs.Runs[0].Error)
}

func TestRunPicks_LockedMarketsSkipped(t *testing.T) {
	f := newFixture(t, map[string]string{"MARKETS_AUTORUN": "h2h,spreads"})

	result, err := f.runner.RunPicks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusOK, result.Status)

	lock := result.Stats["market_lock"].(map[string]any)
	assert.Equal(t, []string{"h2h"}, lock["used_markets"])
	assert.Equal(t, []string{"spreads"}, lock["skipped_markets"])
	assert.Equal(t, 0, result.Stats["kept_total"])
}

func TestRunCycle_LogsAllSteps(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.runner.RunCycle(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusOK, result.Status)

	// ingest, picks, clv, cycle rows in order.
	require.Len(t, f.runs.Runs, 4)
	types := []string{}
	for _, run := range f.runs.Runs {
		types = append(types, run.RunType)
	}
	assert.Equal(t, []string{
		models.RunTypeIngest, models.RunTypePicks, models.RunTypeCLV, models.RunTypeCycle,
	}, types)
}

func TestRun_UnknownType(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.runner.Run(context.Background(), "backfill", false)
	require.Error(t, err)
}

func TestRunLock_SharedBetweenSchedulerAndTriggers(t *testing.T) {
	f := newFixture(t, nil)
	sched := NewScheduler(f.runner, &fakePinger{}, f.settings, zerolog.Nop())
	sched.status[models.RunTypeIngest] = &JobStatus{Name: models.RunTypeIngest}

	// A triggered run holds the runner lock; a tick arriving meanwhile skips.
	require.NoError(t, f.runner.Acquire(context.Background()))
	assert.False(t, f.runner.TryAcquire())

	sched.fire(context.Background(), sched.jobs()[0])
	st := sched.Status()[models.RunTypeIngest]
	assert.Equal(t, 1, st.Skips)
	assert.Equal(t, 0, st.Runs)

	f.runner.Release()
	sched.fire(context.Background(), sched.jobs()[0])
	st = sched.Status()[models.RunTypeIngest]
	assert.Equal(t, 1, st.Runs)
}

func TestRunnerAcquire_HonorsContext(t *testing.T) {
	f := newFixture(t, nil)
	require.True(t, f.runner.TryAcquire())
	defer f.runner.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.runner.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakePinger struct{ err error }

func (p *fakePinger) Ping(context.Context) error { return p.err }

func TestScheduler_RefusesWhenDisabled(t *testing.T) {
	f := newFixture(t, nil) // ENABLE_SCHEDULER defaults to false
	sched := NewScheduler(f.runner, &fakePinger{}, f.settings, zerolog.Nop())

	err := sched.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestScheduler_RefusesWithoutDatabase(t *testing.T) {
	f := newFixture(t, map[string]string{"ENABLE_SCHEDULER": "true"})
	sched := NewScheduler(f.runner, &fakePinger{err: errors.New("no db")}, f.settings, zerolog.Nop())

	err := sched.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database")
}

func TestScheduler_RunsJobsAndStops(t *testing.T) {
	f := newFixture(t, map[string]string{
		"ENABLE_SCHEDULER":          "true",
		"SCHED_REQUIRE_DB":          "false",
		"SCHED_JITTER_SEC":          "0",
		"SCHED_INGEST_INTERVAL_SEC": "1",
		"SCHED_PICKS_INTERVAL_SEC":  "1",
		"SCHED_CLV_INTERVAL_SEC":    "1",
	})
	sched := NewScheduler(f.runner, &fakePinger{}, f.settings, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	err := sched.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	status := sched.Status()
	require.Contains(t, status, models.RunTypeIngest)
	assert.GreaterOrEqual(t, status[models.RunTypeIngest].Runs, 1)
	assert.NotEmpty(t, f.runs.Runs)
}