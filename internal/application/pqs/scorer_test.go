package pqs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsrun/oddsrun/internal/application/consensus"
	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/models"
)

func testSettings(t *testing.T, env map[string]string) *config.Settings {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	s, err := config.FromEnv("")
	require.NoError(t, err)
	return s
}

func goodFeatures() Features {
	return Features{
		EV:                 0.04,
		KellyFraction:      0.01,
		BookCount:          7,
		SharpBookCount:     2,
		PriceDispersion:    0.03,
		AgreementStrength:  0.94,
		TimeToStartMinutes: 120,
	}
}

func TestScore_Keep(t *testing.T) {
	scorer := NewScorer(testSettings(t, nil))

	res := scorer.Score(goodFeatures(), "basketball_nba", nil)
	assert.Equal(t, models.DecisionKeep, res.Decision)
	assert.Nil(t, res.DropReason)
	assert.GreaterOrEqual(t, res.PQS, 0.65)
	assert.LessOrEqual(t, res.PQS, 1.0)

	// Neutral prior when none is available.
	assert.Equal(t, 0.5, res.Components["prior_score"])
	assert.Equal(t, 1.0, res.Components["sharp_score"])
	assert.Equal(t, 0.65, res.Components["adaptive_min_pqs"])
	assert.Equal(t, 3.0, res.Components["adaptive_max_picks"])
}

func TestScore_GateReasons(t *testing.T) {
	scorer := NewScorer(testSettings(t, nil))

	tests := []struct {
		name   string
		mutate func(*Features)
		reason string
	}{
		{"too few books", func(f *Features) { f.BookCount = 5 }, ReasonMinBooks},
		{"no sharp book", func(f *Features) { f.SharpBookCount = 0 }, ReasonSharpBookMin},
		{"already started", func(f *Features) { f.TimeToStartMinutes = -5 }, ReasonMinMinutesToStart},
		{"too close to start", func(f *Features) { f.TimeToStartMinutes = 10; f.PriceDispersion = 0.06 }, ReasonMinMinutesToStart},
		{"dispersion over hard ceiling", func(f *Features) { f.PriceDispersion = 0.30 }, ReasonMaxDispersion},
		{"dispersion over adaptive max", func(f *Features) { f.PriceDispersion = 0.09; f.BookCount = 7 }, ReasonMaxDispersion},
		{"weak agreement", func(f *Features) { f.AgreementStrength = 0.4 }, ReasonMinAgreement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := goodFeatures()
			tt.mutate(&f)
			res := scorer.Score(f, "basketball_nba", nil)
			assert.Equal(t, models.DecisionDrop, res.Decision)
			require.NotNil(t, res.DropReason)
			assert.Equal(t, tt.reason, *res.DropReason)
		})
	}
}

func TestScore_GatedPicksScoreZero(t *testing.T) {
	scorer := NewScorer(testSettings(t, nil))

	f := goodFeatures()
	f.BookCount = 5
	res := scorer.Score(f, "basketball_nba", nil)
	assert.Equal(t, models.DecisionDrop, res.Decision)
	assert.Equal(t, 0.0, res.PQS)
	assert.Empty(t, res.Components)

	// The threshold decision still scores the pick.
	tight := testSettings(t, map[string]string{"SPORT_DEFAULT_MIN_PQS": "0.99"})
	res = NewScorer(tight).Score(goodFeatures(), "basketball_nba", nil)
	assert.Equal(t, models.DecisionDrop, res.Decision)
	assert.Equal(t, ReasonBelowMinPQS, deref(res.DropReason))
	assert.Greater(t, res.PQS, 0.0)
	assert.NotEmpty(t, res.Components)
}

func TestScore_EVFloor(t *testing.T) {
	scorer := NewScorer(testSettings(t, map[string]string{"EV_FLOOR": "0.02"}))

	f := goodFeatures()
	f.EV = 0.01
	res := scorer.Score(f, "basketball_nba", nil)
	assert.Equal(t, models.DecisionDrop, res.Decision)
	require.NotNil(t, res.DropReason)
	assert.Equal(t, ReasonEVFloor, *res.DropReason)
}

func TestScore_AdaptiveDispersionRelaxations(t *testing.T) {
	scorer := NewScorer(testSettings(t, nil))

	// 8+ books raises the ceiling to 0.10.
	f := goodFeatures()
	f.BookCount = 8
	f.PriceDispersion = 0.09
	res := scorer.Score(f, "basketball_nba", nil)
	assert.NotEqual(t, ReasonMaxDispersion, deref(res.DropReason))
	assert.Equal(t, 0.10, res.Components["adaptive_max_price_dispersion"])

	// Two sharps plus strong EV raise it to 0.12.
	f = goodFeatures()
	f.EV = 0.06
	f.PriceDispersion = 0.11
	res = scorer.Score(f, "basketball_nba", nil)
	assert.NotEqual(t, ReasonMaxDispersion, deref(res.DropReason))
	assert.Equal(t, 0.12, res.Components["adaptive_max_price_dispersion"])
}

func TestScore_RelaxedStartWindow(t *testing.T) {
	scorer := NewScorer(testSettings(t, nil))

	// Deep, tight market may enter inside the normal 15 minute cutoff.
	f := goodFeatures()
	f.BookCount = 8
	f.PriceDispersion = 0.04
	f.TimeToStartMinutes = 8
	res := scorer.Score(f, "basketball_nba", nil)
	assert.NotEqual(t, ReasonMinMinutesToStart, deref(res.DropReason))
	assert.Equal(t, 5.0, res.Components["adaptive_min_minutes_to_start"])

	// Same timing without depth is gated.
	f.BookCount = 7
	res = scorer.Score(f, "basketball_nba", nil)
	require.NotNil(t, res.DropReason)
	assert.Equal(t, ReasonMinMinutesToStart, *res.DropReason)
}

func TestAdaptiveThresholds(t *testing.T) {
	scorer := NewScorer(testSettings(t, nil))

	base := scorer.AdaptiveThresholds("basketball_nba", nil)
	assert.Equal(t, 0.65, base.MinPQS)
	assert.Equal(t, 3, base.MaxPicks)

	ncaab := scorer.AdaptiveThresholds("basketball_ncaab", nil)
	assert.Equal(t, 2, ncaab.MaxPicks)

	bad := &models.ClvSportStat{PctPositiveMarketClv: 0.40, IsWeak: 0}
	tightened := scorer.AdaptiveThresholds("basketball_nba", bad)
	assert.InDelta(t, 0.70, tightened.MinPQS, 1e-9)
	assert.Equal(t, 2, tightened.MaxPicks)

	good := &models.ClvSportStat{PctPositiveMarketClv: 0.65, IsWeak: 0}
	loosened := scorer.AdaptiveThresholds("basketball_nba", good)
	assert.InDelta(t, 0.63, loosened.MinPQS, 1e-9)

	weak := &models.ClvSportStat{PctPositiveMarketClv: 0.40, IsWeak: 1}
	neutral := scorer.AdaptiveThresholds("basketball_nba", weak)
	assert.Equal(t, base, neutral)
}

func TestAdaptiveThresholds_Clamped(t *testing.T) {
	bad := &models.ClvSportStat{PctPositiveMarketClv: 0.40, IsWeak: 0}
	good := &models.ClvSportStat{PctPositiveMarketClv: 0.65, IsWeak: 0}

	// A tightened threshold never exceeds 0.9.
	high := NewScorer(testSettings(t, map[string]string{"SPORT_DEFAULT_MIN_PQS": "0.88"}))
	assert.InDelta(t, 0.90, high.AdaptiveThresholds("basketball_nba", bad).MinPQS, 1e-9)

	// A loosened threshold never drops below 0.55.
	low := NewScorer(testSettings(t, map[string]string{"SPORT_DEFAULT_MIN_PQS": "0.56"}))
	assert.InDelta(t, 0.55, low.AdaptiveThresholds("basketball_nba", good).MinPQS, 1e-9)
}

func TestScore_PriorScore(t *testing.T) {
	scorer := NewScorer(testSettings(t, nil))

	f := goodFeatures()
	strong := &models.ClvSportStat{PctPositiveMarketClv: 0.70, IsWeak: 0}
	res := scorer.Score(f, "basketball_nba", strong)
	assert.InDelta(t, 0.9, res.Components["prior_score"], 1e-9)

	weak := &models.ClvSportStat{PctPositiveMarketClv: 0.70, IsWeak: 1}
	res = scorer.Score(f, "basketball_nba", weak)
	assert.Equal(t, 0.5, res.Components["prior_score"])
}

func TestComputeFeatures_Dispersion(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	view := consensus.View{
		CommenceTime: now.Add(2 * time.Hour),
	}
	dec := func(d float64) *float64 { return &d }
	for _, b := range []struct {
		name       string
		home, away float64
	}{
		{"booka", 1.91, 1.91},
		{"bookb", 1.95, 1.87},
		{"bookc", 1.89, 1.93},
		{"bookd", 2.00, 1.83},
	} {
		view.Books = append(view.Books, consensus.BookGroup{
			Bookmaker: b.name,
			Sides: map[string]models.OddsSnapshot{
				"HOME": {Bookmaker: b.name, Side: "HOME", Decimal: dec(b.home)},
				"AWAY": {Bookmaker: b.name, Side: "AWAY", Decimal: dec(b.away)},
			},
		})
	}
	res := consensus.Result{
		View:           view,
		ConsensusProbs: map[string]float64{"HOME": 0.51, "AWAY": 0.49},
		BestDecimal:    map[string]float64{"HOME": 2.00},
		IncludedBooks:  4,
		SharpBooks:     1,
	}

	f := ComputeFeatures(res, "HOME", 0.02, 0.005, now)
	assert.Equal(t, 4, f.BookCount)
	assert.Greater(t, f.PriceDispersion, 0.0)
	assert.Less(t, f.PriceDispersion, 0.1)
	assert.InDelta(t, 120, f.TimeToStartMinutes, 1e-9)
	assert.InDelta(t, 6, f.MarketLiquidityProxy, 1e-9)
	assert.InDelta(t, 0.51-1/2.00, f.BestVsConsensusEdge, 1e-9)
}

func TestComputeFeatures_ThinMarketMaxDispersion(t *testing.T) {
	now := time.Now()
	view := consensus.View{CommenceTime: now.Add(time.Hour)}
	dec := 1.91
	view.Books = []consensus.BookGroup{
		{Bookmaker: "booka", Sides: map[string]models.OddsSnapshot{
			"HOME": {Decimal: &dec}, "AWAY": {Decimal: &dec},
		}},
		{Bookmaker: "bookb", Sides: map[string]models.OddsSnapshot{
			"HOME": {Decimal: &dec}, "AWAY": {Decimal: &dec},
		}},
	}
	res := consensus.Result{View: view, IncludedBooks: 2}

	f := ComputeFeatures(res, "HOME", 0.02, 0.005, now)
	assert.Equal(t, 1.0, f.PriceDispersion)
	assert.Equal(t, 0.0, f.AgreementStrength)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
