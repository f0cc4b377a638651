package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsrun/oddsrun/internal/application/apptest"
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
	"github.com/oddsrun/oddsrun/internal/infrastructure/oddsapi"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

type serverFixture struct {
	games  *apptest.FakeGamesRepo
	odds   *apptest.FakeOddsRepo
	picks  *apptest.FakePicksRepo
	scores *apptest.FakePickScoresRepo
	runner *pipeline.Runner
	server *Server
}

type nullFetcher struct{}

func (nullFetcher) FetchOdds(context.Context, string, []string) ([]oddsapi.Event, error) {
	return nil, nil
}

func newServerFixture(t *testing.T, env map[string]string) *serverFixture {
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

	f := &serverFixture{
		games:  apptest.NewFakeGamesRepo(),
		odds:   apptest.NewFakeOddsRepo(),
		picks:  apptest.NewFakePicksRepo(),
		scores: apptest.NewFakePickScoresRepo(),
	}
	stats := apptest.NewFakeClvStatsRepo()
	runs := apptest.NewFakePipelineRunsRepo()
	calib := apptest.NewFakeCalibrationRunsRepo()

	log := zerolog.Nop()
	cons := consensus.NewService(f.games, f.odds, settings, log)
	ingestSvc := ingest.NewService(f.games, f.odds, nullFetcher{}, settings, log)
	picksSvc := picks.NewService(cons, f.picks, f.scores, stats, settings, log)
	clvSvc := clv.NewService(f.picks, f.odds, settings, log)
	priorsSvc := priors.NewService(f.picks, stats, settings, log)
	evalsSvc := evals.NewService(f.picks, f.scores, stats, runs, calib, settings, log)
	gate := unlock.NewGate(f.picks, settings, log)
	runner := pipeline.NewRunner(ingestSvc, picksSvc, clvSvc, priorsSvc, gate, runs, settings, log)
	f.runner = runner

	noCache, err := cache.New("", time.Minute, log)
	require.NoError(t, err)

	f.server = NewServer(Deps{
		Settings:  settings,
		Ingest:    ingestSvc,
		Consensus: cons,
		Picks:     picksSvc,
		CLV:       clvSvc,
		Priors:    priorsSvc,
		Evals:     evalsSvc,
		Gate:      gate,
		Runner:    runner,
		Repo: &persistence.Repository{
			Games:           f.games,
			Odds:            f.odds,
			Picks:           f.picks,
			PickScores:      f.scores,
			ClvStats:        stats,
			PipelineRuns:    runs,
			CalibrationRuns: calib,
		},
		Quota: oddsapi.NewQuotaTracker(),
		Cache: noCache,
		Log:   log,
	})
	return f
}

func (f *serverFixture) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do("GET", "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestNotFoundIsJSON(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do("GET", "/api/does/not/exist")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Kind)
}

func TestPicksGenerate_RequiresSportKey(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do("POST", "/api/picks/generate")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", decodeError(t, rec).Kind)
}

func TestPicksGenerate_LockedMarketRejected(t *testing.T) {
	f := newServerFixture(t, nil) // default threshold 100, zero CLV rows

	rec := f.do("POST", "/api/picks/generate?sport_key=basketball_nba&market_key=spreads")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	detail := decodeError(t, rec)
	assert.Equal(t, "market_locked", detail.Kind)
	assert.Equal(t, unlock.CodeMarketLocked, detail.Detail["code"])
	assert.Equal(t, "spreads", detail.Detail["requested_market"])
	assert.Equal(t, float64(100), detail.Detail["threshold"])
}

func TestMarketStatus(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do("GET", "/api/system/market_status")
	assert.Equal(t, http.StatusOK, rec.Code)

	var status unlock.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, []string{models.MarketH2H}, status.AllowedMarkets)
	assert.False(t, status.Unlocked)
	assert.Equal(t, 100, status.Threshold)
}

func seedScoredPick(f *serverFixture, decision string, pqs float64) {
	game := f.games.Add(models.Game{
		EventID:      "evt-sp",
		SportKey:     "basketball_nba",
		CommenceTime: time.Now().UTC().Add(2 * time.Hour),
		HomeTeam:     "Home",
		AwayTeam:     "Away",
	})
	f.picks.RegisterGame(*game)

	pick := &models.Pick{
		GameID:         game.ID,
		CreatedAt:      time.Now().UTC(),
		MarketKey:      models.MarketH2H,
		Side:           "HOME",
		Source:         "consensus_v1",
		ConsensusProb:  0.53,
		BestDecimal:    2.10,
		BestBook:       "betmgm",
		EV:             0.113,
		KellyFraction:  0.0257,
		Stake:          256.8,
		ConsensusBooks: 6,
		SharpBooks:     1,
	}
	id, _ := f.picks.Insert(context.Background(), pick)
	_ = f.scores.InsertBatch(context.Background(), []models.PickScore{{
		PickID:         id,
		ScoredAt:       time.Now().UTC(),
		Version:        "pqs_v1",
		PQS:            pqs,
		ComponentsJSON: `{"ev":0.9}`,
		FeaturesJSON:   `{"consensus_books":6}`,
		Decision:       decision,
	}})
}

func TestPicksLatest_ReturnsScoredPicks(t *testing.T) {
	f := newServerFixture(t, nil)
	seedScoredPick(f, models.DecisionKeep, 0.71)

	rec := f.do("GET", "/api/picks/latest")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "HOME", rows[0]["side"])
	assert.Equal(t, 0.71, rows[0]["pqs"])
	assert.Equal(t, models.DecisionKeep, rows[0]["decision"])
}

func TestPicksLatest_ExcludesDropped(t *testing.T) {
	f := newServerFixture(t, nil)
	seedScoredPick(f, models.DecisionDrop, 0.2)

	rec := f.do("GET", "/api/picks/latest")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestPicksRecommended_ExplainsPick(t *testing.T) {
	f := newServerFixture(t, nil)
	seedScoredPick(f, models.DecisionKeep, 0.71)

	rec := f.do("GET", "/api/picks/recommended")
	assert.Equal(t, http.StatusOK, rec.Code)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0]["why"], "HOME h2h at 2.10")
	assert.Contains(t, rows[0]["why"], "PQS 0.710")

	components := rows[0]["components"].(map[string]any)
	assert.Equal(t, 0.9, components["ev"])
}

func TestCLVCompute_RejectsBadDate(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do("POST", "/api/clv/compute?date_utc=notadate")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", decodeError(t, rec).Kind)

	rec = f.do("POST", "/api/clv/compute")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPipelineRun_UnknownType(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do("POST", "/api/pipeline/run?run_type=backfill")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPipelineRunAndRuns(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do("POST", "/api/pipeline/run?run_type=ingest")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do("GET", "/api/pipeline/runs")
	assert.Equal(t, http.StatusOK, rec.Code)

	var runs []models.PipelineRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunTypeIngest, runs[0].RunType)
}

func TestPipelineRun_WaitsForRunLock(t *testing.T) {
	f := newServerFixture(t, nil)
	require.NoError(t, f.runner.Acquire(context.Background()))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- f.do("POST", "/api/pipeline/run?run_type=ingest") }()

	// While the lock is held the trigger waits instead of running.
	select {
	case <-done:
		t.Fatal("pipeline run executed while the run lock was held")
	case <-time.After(100 * time.Millisecond):
	}

	f.runner.Release()
	select {
	case rec := <-done:
		assert.Equal(t, http.StatusOK, rec.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline run did not proceed after the lock was released")
	}
}

func TestCalibrationApply_BadRunID(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do("POST", "/api/calibration/apply/notanint")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvalDatasetCSV_ContentType(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do("GET", "/api/eval/dataset.csv")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "pick_id,created_at,sport_key")
}

func TestQuotaEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do("GET", "/api/system/quota")
	assert.Equal(t, http.StatusOK, rec.Code)

	var snap oddsapi.QuotaSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Empty(t, snap.Headers)
}

func TestCORSPreflight(t *testing.T) {
	f := newServerFixture(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/picks/latest", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
