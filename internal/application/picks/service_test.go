package picks

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsrun/oddsrun/internal/application/apptest"
	"github.com/oddsrun/oddsrun/internal/application/consensus"
	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/models"
)

type fixture struct {
	games    *apptest.FakeGamesRepo
	odds     *apptest.FakeOddsRepo
	picks    *apptest.FakePicksRepo
	scores   *apptest.FakePickScoresRepo
	clvStats *apptest.FakeClvStatsRepo
	svc      *Service
}

func newFixture(t *testing.T, env map[string]string) *fixture {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	settings, err := config.FromEnv("")
	require.NoError(t, err)

	f := &fixture{
		games:    apptest.NewFakeGamesRepo(),
		odds:     apptest.NewFakeOddsRepo(),
		picks:    apptest.NewFakePicksRepo(),
		scores:   apptest.NewFakePickScoresRepo(),
		clvStats: apptest.NewFakeClvStatsRepo(),
	}
	cons := consensus.NewService(f.games, f.odds, settings, zerolog.Nop())
	f.svc = NewService(cons, f.picks, f.scores, f.clvStats, settings, zerolog.Nop())
	return f
}

// seedMarket stores one complete h2h capture per bookmaker for a new game and
// returns the game. Every book quotes HOME at homeDec with a 0.53 fair prob.
func (f *fixture) seedMarket(eventID string, commence time.Time, books []string, homeDec, awayDec float64) *models.Game {
	game := f.games.Add(models.Game{
		SportKey:     "basketball_nba",
		EventID:      eventID,
		CommenceTime: commence,
		HomeTeam:     "Boston Celtics",
		AwayTeam:     "Miami Heat",
	})
	f.picks.RegisterGame(*game)

	captured := commence.Add(-6 * time.Hour)
	for _, book := range books {
		for side, dec := range map[string]float64{
			models.SideHome: homeDec,
			models.SideAway: awayDec,
		} {
			d := dec
			fair := 0.53
			if side == models.SideAway {
				fair = 0.47
			}
			f.odds.Snaps = append(f.odds.Snaps, models.OddsSnapshot{
				GameID:     game.ID,
				CapturedAt: captured,
				MarketKey:  models.MarketH2H,
				Bookmaker:  book,
				Side:       side,
				Decimal:    &d,
				FairProb:   fair,
			})
		}
	}
	return game
}

var sixBooks = []string{"betmgm", "bovada", "caesars", "draftkings", "fanduel", "pinnacle"}

func TestGenerate_InsertsValuePick(t *testing.T) {
	f := newFixture(t, map[string]string{"KELLY_CAP": "0.05"})
	f.seedMarket("evt-a", time.Now().UTC().Add(2*time.Hour), sixBooks, 2.10, 1.80)

	summary, err := f.svc.Generate(context.Background(), "basketball_nba", models.MarketH2H)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.TotalViews)
	assert.Equal(t, 1, summary.Candidates)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 1, summary.Kept)
	assert.Equal(t, 1, summary.SkippedLowEV) // AWAY side is negative EV
	assert.Equal(t, 0, summary.CapThrottled)

	require.Len(t, f.picks.Picks, 1)
	var pick *models.Pick
	for _, p := range f.picks.Picks {
		pick = p
	}
	assert.Equal(t, models.SideHome, pick.Side)
	assert.Equal(t, "CONSENSUS", pick.Source)
	assert.InDelta(t, 0.53, pick.ConsensusProb, 1e-9)
	assert.InDelta(t, 2.10, pick.BestDecimal, 1e-9)
	assert.Equal(t, "betmgm", pick.BestBook) // first book in sorted order at the shared best price
	assert.InDelta(t, 0.113, pick.EV, 1e-9)
	assert.InDelta(t, 0.02568182, pick.KellyFraction, 1e-8)
	assert.InDelta(t, 256.8182, pick.Stake, 1e-4)
	assert.Equal(t, 6, pick.ConsensusBooks)
	assert.Equal(t, 1, pick.SharpBooks)

	score, err := f.scores.LatestForPick(context.Background(), pick.ID, "pqs_v1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionKeep, score.Decision)
	assert.Nil(t, score.DropReason)
}

func TestGenerate_Idempotent(t *testing.T) {
	f := newFixture(t, map[string]string{"KELLY_CAP": "0.05"})
	f.seedMarket("evt-a", time.Now().UTC().Add(2*time.Hour), sixBooks, 2.10, 1.80)

	_, err := f.svc.Generate(context.Background(), "basketball_nba", models.MarketH2H)
	require.NoError(t, err)

	// Same snapshots, second run: no new pick rows, just a fresh score.
	summary, err := f.svc.Generate(context.Background(), "basketball_nba", models.MarketH2H)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Inserted)
	assert.Equal(t, 1, summary.SkippedExisting)
	assert.Equal(t, 1, summary.Kept)
	assert.Len(t, f.picks.Picks, 1)
	assert.Len(t, f.scores.Scores, 2)
}

func TestGenerate_LineMovementCreatesNewPick(t *testing.T) {
	f := newFixture(t, map[string]string{"KELLY_CAP": "0.05"})
	commence := time.Now().UTC().Add(2 * time.Hour)
	game := f.seedMarket("evt-a", commence, sixBooks, 2.10, 1.80)

	_, err := f.svc.Generate(context.Background(), "basketball_nba", models.MarketH2H)
	require.NoError(t, err)
	require.Len(t, f.picks.Picks, 1)

	// A later capture moves the best HOME price to bovada. The selection now
	// carries a different best book and capture time, so it is a new pick.
	moved := commence.Add(-3 * time.Hour)
	for _, book := range sixBooks {
		homeDec := 2.10
		if book == "bovada" {
			homeDec = 2.20
		}
		awayDec := 1.80
		f.odds.Snaps = append(f.odds.Snaps,
			models.OddsSnapshot{
				GameID: game.ID, CapturedAt: moved, MarketKey: models.MarketH2H,
				Bookmaker: book, Side: models.SideHome, Decimal: &homeDec, FairProb: 0.53,
			},
			models.OddsSnapshot{
				GameID: game.ID, CapturedAt: moved, MarketKey: models.MarketH2H,
				Bookmaker: book, Side: models.SideAway, Decimal: &awayDec, FairProb: 0.47,
			},
		)
	}

	summary, err := f.svc.Generate(context.Background(), "basketball_nba", models.MarketH2H)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Inserted)
	assert.Equal(t, 0, summary.SkippedExisting)
	assert.Len(t, f.picks.Picks, 2)

	pick, err := f.picks.GetBySelection(context.Background(), game.ID, models.MarketH2H, models.SideHome, nil, "bovada", moved)
	require.NoError(t, err)
	require.NotNil(t, pick)
	assert.InDelta(t, 2.20, pick.BestDecimal, 1e-9)
	assert.True(t, pick.CapturedAtMax.Equal(moved))
}

func TestGenerate_PerRunCapCountsInserts(t *testing.T) {
	f := newFixture(t, map[string]string{"KELLY_CAP": "0.05", "PICK_MAX_PER_RUN": "1"})
	commence := time.Now().UTC().Add(2 * time.Hour)
	f.seedMarket("evt-a", commence, sixBooks, 2.10, 1.80)
	f.seedMarket("evt-b", commence, sixBooks, 2.10, 1.80)

	// First run stops after one insert.
	first, err := f.svc.Generate(context.Background(), "basketball_nba", models.MarketH2H)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)
	assert.Len(t, f.picks.Picks, 1)

	// Existing picks do not consume the cap: the second run re-scores evt-a
	// and still inserts evt-b.
	second, err := f.svc.Generate(context.Background(), "basketball_nba", models.MarketH2H)
	require.NoError(t, err)
	assert.Equal(t, 1, second.SkippedExisting)
	assert.Equal(t, 1, second.Inserted)
	assert.Len(t, f.picks.Picks, 2)
}

func TestGenerate_CapThrottleDeterministic(t *testing.T) {
	f := newFixture(t, map[string]string{
		"KELLY_CAP":               "0.05",
		"SPORT_DEFAULT_MAX_PICKS": "1",
	})
	commence := time.Now().UTC().Add(2 * time.Hour)
	gameA := f.seedMarket("evt-a", commence, sixBooks, 2.10, 1.80)
	gameB := f.seedMarket("evt-b", commence, sixBooks, 2.10, 1.80)

	summary, err := f.svc.Generate(context.Background(), "basketball_nba", models.MarketH2H)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Candidates)
	assert.Equal(t, 1, summary.Kept)
	assert.Equal(t, 1, summary.CapThrottled)
	assert.Equal(t, 1, summary.Dropped)
	// Only the surviving KEEP counts as inserted even though both rows exist.
	assert.Equal(t, 1, summary.Inserted)
	assert.Len(t, f.picks.Picks, 2)

	// Equal PQS resolves by event id, so evt-a survives and evt-b is
	// throttled in place.
	captured := commence.Add(-6 * time.Hour)
	pickA, err := f.picks.GetBySelection(context.Background(), gameA.ID, models.MarketH2H, models.SideHome, nil, "betmgm", captured)
	require.NoError(t, err)
	require.NotNil(t, pickA)
	scoreA, err := f.scores.LatestForPick(context.Background(), pickA.ID, "pqs_v1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionKeep, scoreA.Decision)

	pickB, err := f.picks.GetBySelection(context.Background(), gameB.ID, models.MarketH2H, models.SideHome, nil, "betmgm", captured)
	require.NoError(t, err)
	require.NotNil(t, pickB)
	scoreB, err := f.scores.LatestForPick(context.Background(), pickB.ID, "pqs_v1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDrop, scoreB.Decision)
	require.NotNil(t, scoreB.DropReason)
	assert.Equal(t, "cap_throttle", *scoreB.DropReason)
}

func TestGenerate_InsufficientBooks(t *testing.T) {
	f := newFixture(t, nil)
	f.seedMarket("evt-a", time.Now().UTC().Add(2*time.Hour), []string{"betmgm", "bovada", "caesars"}, 2.10, 1.80)

	summary, err := f.svc.Generate(context.Background(), "basketball_nba", models.MarketH2H)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.InsufficientBooks)
	assert.Equal(t, 0, summary.Candidates)
	assert.Empty(t, f.picks.Picks)
}

func TestGenerate_RejectsUnknownMarket(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Generate(context.Background(), "basketball_nba", "outrights")
	require.Error(t, err)
}
