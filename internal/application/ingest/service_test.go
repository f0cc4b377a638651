package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/infrastructure/oddsapi"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

type fakeGames struct {
	nextID int64
	byEvt  map[string]*models.Game
}

func newFakeGames() *fakeGames {
	return &fakeGames{byEvt: map[string]*models.Game{}}
}

func (f *fakeGames) Upsert(_ context.Context, game *models.Game) (int64, bool, error) {
	if existing, ok := f.byEvt[game.EventID]; ok {
		existing.CommenceTime = game.CommenceTime
		existing.HomeTeam = game.HomeTeam
		existing.AwayTeam = game.AwayTeam
		game.ID = existing.ID
		return existing.ID, false, nil
	}
	f.nextID++
	game.ID = f.nextID
	cp := *game
	f.byEvt[game.EventID] = &cp
	return game.ID, true, nil
}

func (f *fakeGames) GetByID(_ context.Context, id int64) (*models.Game, error) {
	for _, g := range f.byEvt {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, errs.Newf(errs.KindNotFound, "game %d not found", id)
}

func (f *fakeGames) GetByEventID(_ context.Context, eventID string) (*models.Game, error) {
	if g, ok := f.byEvt[eventID]; ok {
		return g, nil
	}
	return nil, errs.Newf(errs.KindNotFound, "game %s not found", eventID)
}

func (f *fakeGames) ListUpcoming(context.Context, string, int) ([]models.Game, error) {
	return nil, nil
}

type fakeOdds struct {
	hashes  map[int64]map[persistence.GroupKey]string
	applied [][]persistence.GroupChange
	snaps   []models.OddsSnapshot
}

func newFakeOdds() *fakeOdds {
	return &fakeOdds{hashes: map[int64]map[persistence.GroupKey]string{}}
}

func (f *fakeOdds) GroupHashes(_ context.Context, gameID int64, marketKey string) (map[persistence.GroupKey]string, error) {
	out := map[persistence.GroupKey]string{}
	for key, hash := range f.hashes[gameID] {
		if key.MarketKey == marketKey {
			out[key] = hash
		}
	}
	return out, nil
}

func (f *fakeOdds) ApplyChanges(_ context.Context, changes []persistence.GroupChange) error {
	f.applied = append(f.applied, changes)
	for _, change := range changes {
		if f.hashes[change.GameID] == nil {
			f.hashes[change.GameID] = map[persistence.GroupKey]string{}
		}
		f.hashes[change.GameID][change.Key] = change.Hash
		f.snaps = append(f.snaps, change.Snapshots...)
	}
	return nil
}

func (f *fakeOdds) Snapshots(context.Context, int64, string) ([]models.OddsSnapshot, error) {
	return f.snaps, nil
}

func (f *fakeOdds) SnapshotsBefore(context.Context, int64, string, time.Time) ([]models.OddsSnapshot, error) {
	return nil, nil
}

type fakeFetcher struct {
	events []oddsapi.Event
	err    error
	calls  int
}

func (f *fakeFetcher) FetchOdds(context.Context, string, []string) ([]oddsapi.Event, error) {
	f.calls++
	return f.events, f.err
}

func nbaPayload() []oddsapi.Event {
	return []oddsapi.Event{
		{
			ID:           "evt-1",
			SportKey:     "basketball_nba",
			CommenceTime: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
			HomeTeam:     "Boston Celtics",
			AwayTeam:     "Miami Heat",
			Bookmakers: []oddsapi.Bookmaker{
				{
					Key: "pinnacle",
					Markets: []oddsapi.Market{
						{Key: "h2h", Outcomes: []oddsapi.Outcome{
							{Name: "Boston Celtics", Price: -150},
							{Name: "Miami Heat", Price: 130},
						}},
					},
				},
				{
					Key: "fanduel",
					Markets: []oddsapi.Market{
						{Key: "h2h", Outcomes: []oddsapi.Outcome{
							{Name: "Boston Celtics", Price: -145},
							{Name: "Miami Heat", Price: 125},
						}},
					},
				},
			},
		},
	}
}

func newTestService(t *testing.T, fetcher Fetcher) (*Service, *fakeGames, *fakeOdds) {
	t.Helper()
	t.Setenv("ODDS_MARKETS", "h2h")
	settings, err := config.FromEnv("")
	require.NoError(t, err)

	games := newFakeGames()
	oddsRepo := newFakeOdds()
	return NewService(games, oddsRepo, fetcher, settings, zerolog.Nop()), games, oddsRepo
}

func TestRun_InsertsSnapshotsOnFirstIngest(t *testing.T) {
	svc, games, oddsRepo := newTestService(t, &fakeFetcher{events: nbaPayload()})

	summary, err := svc.Run(context.Background(), "basketball_nba")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.GamesUpserted)
	assert.Equal(t, 2, summary.GroupsChanged)
	assert.Equal(t, 0, summary.GroupsSkipped)
	assert.Equal(t, 4, summary.SnapshotRowsInserted)
	assert.Equal(t, 0, summary.ErrorsCount)

	require.Contains(t, games.byEvt, "evt-1")
	require.Len(t, oddsRepo.snaps, 4)

	// Fair probabilities within one group sum to 1.
	bySide := map[string]float64{}
	for _, s := range oddsRepo.snaps {
		if s.Bookmaker == "pinnacle" {
			bySide[s.Side] = s.FairProb
		}
	}
	assert.InDelta(t, 1.0, bySide["HOME"]+bySide["AWAY"], 1e-6)
	assert.Greater(t, bySide["HOME"], bySide["AWAY"])
}

func TestRun_SecondIngestSkipsUnchangedGroups(t *testing.T) {
	// Same payload twice: every group hash matches, nothing is written.
	svc, _, oddsRepo := newTestService(t, &fakeFetcher{events: nbaPayload()})

	first, err := svc.Run(context.Background(), "basketball_nba")
	require.NoError(t, err)
	assert.Equal(t, 2, first.GroupsChanged)
	assert.Equal(t, 4, first.SnapshotRowsInserted)

	second, err := svc.Run(context.Background(), "basketball_nba")
	require.NoError(t, err)
	assert.Equal(t, 0, second.GroupsChanged)
	assert.Equal(t, 2, second.GroupsSkipped)
	assert.Equal(t, 0, second.SnapshotRowsInserted)
	assert.Len(t, oddsRepo.snaps, 4)
}

func TestRun_PriceChangeWritesNewSnapshots(t *testing.T) {
	fetcher := &fakeFetcher{events: nbaPayload()}
	svc, _, oddsRepo := newTestService(t, fetcher)

	_, err := svc.Run(context.Background(), "basketball_nba")
	require.NoError(t, err)

	fetcher.events[0].Bookmakers[0].Markets[0].Outcomes[0].Price = -160
	fetcher.events[0].Bookmakers[0].Markets[0].Outcomes[1].Price = 140

	second, err := svc.Run(context.Background(), "basketball_nba")
	require.NoError(t, err)
	assert.Equal(t, 1, second.GroupsChanged)
	assert.Equal(t, 1, second.GroupsSkipped)
	assert.Equal(t, 2, second.SnapshotRowsInserted)
	assert.Len(t, oddsRepo.snaps, 6)
}

func TestRun_WhitelistRejectsUnknownSport(t *testing.T) {
	t.Setenv("ODDS_SPORTS_WHITELIST", "basketball_nba")
	svc, _, _ := newTestService(t, &fakeFetcher{})

	_, err := svc.Run(context.Background(), "cricket_ipl")
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
}

func TestRun_UnmappedOutcomePropagatesWhenStrict(t *testing.T) {
	events := nbaPayload()
	events[0].Bookmakers[0].Markets[0].Outcomes[0].Name = "Bosston Celtics"
	svc, _, _ := newTestService(t, &fakeFetcher{events: events})

	summary, err := svc.Run(context.Background(), "basketball_nba")
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
	assert.Equal(t, 1, summary.ErrorsCount)
}

func TestRun_UnmappedOutcomeSwallowedWhenLenient(t *testing.T) {
	t.Setenv("DELTA_HASH_STRICT", "false")
	events := nbaPayload()
	events[0].Bookmakers[0].Markets[0].Outcomes[0].Name = "Bosston Celtics"
	svc, _, _ := newTestService(t, &fakeFetcher{events: events})

	summary, err := svc.Run(context.Background(), "basketball_nba")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ErrorsCount)
	assert.Len(t, summary.Errors, 1)
}

func TestGroupHash_Properties(t *testing.T) {
	sides := []canonicalSide{
		{Side: "HOME", American: -150, Decimal: 1.6667},
		{Side: "AWAY", American: 130, Decimal: 2.3},
	}
	base, err := GroupHash("evt-1", "h2h", "pinnacle", nil, sides)
	require.NoError(t, err)

	// Reordering sides does not change the hash.
	reordered, err := GroupHash("evt-1", "h2h", "pinnacle", nil, []canonicalSide{sides[1], sides[0]})
	require.NoError(t, err)
	assert.Equal(t, base, reordered)

	// Changing a price does.
	bumped := []canonicalSide{
		{Side: "HOME", American: -155, Decimal: 1.6452},
		sides[1],
	}
	changed, err := GroupHash("evt-1", "h2h", "pinnacle", nil, bumped)
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)

	// So does any element of the group identity.
	other, err := GroupHash("evt-1", "h2h", "fanduel", nil, sides)
	require.NoError(t, err)
	assert.NotEqual(t, base, other)

	point := 3.5
	withPoint, err := GroupHash("evt-1", "h2h", "pinnacle", &point, sides)
	require.NoError(t, err)
	assert.NotEqual(t, base, withPoint)
}

func TestNormalizeSide(t *testing.T) {
	tests := []struct {
		name     string
		outcome  string
		market   string
		sport    string
		expected string
		wantErr  bool
	}{
		{"home team", "Boston Celtics", "h2h", "basketball_nba", "HOME", false},
		{"away team case-insensitive", "miami heat", "h2h", "basketball_nba", "AWAY", false},
		{"spreads home", "Boston Celtics", "spreads", "basketball_nba", "HOME", false},
		{"totals over", "Over", "totals", "basketball_nba", "OVER", false},
		{"totals under", "under", "totals", "basketball_nba", "UNDER", false},
		{"soccer draw", "Draw", "h2h", "soccer_epl", "DRAW", false},
		{"draw outside soccer", "Draw", "h2h", "basketball_nba", "", true},
		{"unknown team", "LA Lakers", "h2h", "basketball_nba", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			side, err := NormalizeSide(tt.outcome, tt.market, tt.sport, "Boston Celtics", "Miami Heat")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, side)
		})
	}
}
