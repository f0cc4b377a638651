package odds

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmericanToDecimal(t *testing.T) {
	tests := []struct {
		name     string
		american float64
		expected float64
	}{
		{"even money +100", 100, 2.0},
		{"even money -100", -100, 2.0},
		{"favorite -150", -150, 1.0 + 100.0/150.0},
		{"underdog +150", 150, 2.5},
		{"standard -110", -110, 1.0 + 100.0/110.0},
		{"big underdog +300", 300, 4.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AmericanToDecimal(tt.american)
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, got, 1e-12)
		})
	}
}

func TestAmericanToDecimal_Rejects(t *testing.T) {
	for _, bad := range []float64{0, 50, -99, math.NaN(), math.Inf(1)} {
		_, err := AmericanToDecimal(bad)
		assert.Error(t, err, "american=%v", bad)
	}
}

func TestAmericanDecimalRoundTrip(t *testing.T) {
	// Invariant: decimal_to_american(american_to_decimal(a)) == a.
	for a := -500; a <= 500; a++ {
		if a > -100 && a < 100 {
			continue
		}
		dec, err := AmericanToDecimal(float64(a))
		require.NoError(t, err)
		back, err := DecimalToAmerican(dec)
		require.NoError(t, err)
		assert.Equal(t, a, back, "round trip for %d via %f", a, dec)
	}
}

func TestAmericanToImpliedProb(t *testing.T) {
	tests := []struct {
		american float64
		expected float64
	}{
		{100, 0.5},
		{-100, 0.5},
		{-150, 0.6},
		{150, 0.4},
		{-300, 0.75},
		{300, 0.25},
	}
	for _, tt := range tests {
		got, err := AmericanToImpliedProb(tt.american)
		require.NoError(t, err)
		assert.InDelta(t, tt.expected, got, 1e-9, "american=%v", tt.american)
	}
}

func TestRemoveVig(t *testing.T) {
	fair, err := RemoveVig([]float64{0.55, 0.55})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, fair[0], 1e-12)
	assert.InDelta(t, 0.5, fair[1], 1e-12)

	fair, err = RemoveVig([]float64{0.6, 0.3, 0.3})
	require.NoError(t, err)
	sum := fair[0] + fair[1] + fair[2]
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.InDelta(t, 0.5, fair[0], 1e-12)
}

func TestRemoveVig_Rejects(t *testing.T) {
	_, err := RemoveVig(nil)
	assert.Error(t, err)
	_, err = RemoveVig([]float64{1.2, 0.3})
	assert.Error(t, err)
	_, err = RemoveVig([]float64{0.0, 0.0})
	assert.Error(t, err)
}

func TestConsensusFairProb_SharpWeighting(t *testing.T) {
	// S1: pinnacle and circa are sharp at weight 2.0; HOME consensus must be
	// pulled above the unweighted mean toward the sharp number.
	books := []map[string]float64{
		{"AWAY": 0.38, "HOME": 0.62}, // pinnacle
		{"AWAY": 0.50, "HOME": 0.50}, // fanduel
		{"AWAY": 0.50, "HOME": 0.50}, // draftkings
		{"AWAY": 0.50, "HOME": 0.50}, // circa
	}
	weights := []float64{2.0, 1.0, 1.0, 2.0}

	consensus, err := ConsensusFairProb(books, weights)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, consensus["HOME"]+consensus["AWAY"], 1e-9)
	assert.Greater(t, consensus["HOME"], 0.53)
	assert.InDelta(t, 0.54, consensus["HOME"], 1e-9)
}

func TestConsensusFairProb_Rejects(t *testing.T) {
	_, err := ConsensusFairProb(nil, nil)
	assert.Error(t, err)

	books := []map[string]float64{{"HOME": 0.5, "AWAY": 0.5}}
	_, err = ConsensusFairProb(books, []float64{1, 1})
	assert.Error(t, err, "length mismatch")

	_, err = ConsensusFairProb(books, []float64{-1})
	assert.Error(t, err, "negative weight")

	mixed := []map[string]float64{
		{"HOME": 0.5, "AWAY": 0.5},
		{"OVER": 0.5, "UNDER": 0.5},
	}
	_, err = ConsensusFairProb(mixed, []float64{1, 1})
	assert.Error(t, err, "side set mismatch")
}

func TestEV(t *testing.T) {
	ev, err := EV(0.53, 2.10)
	require.NoError(t, err)
	assert.InDelta(t, 0.113, ev, 1e-9)

	_, err = EV(0.5, 1.0)
	assert.Error(t, err)
	_, err = EV(1.5, 2.0)
	assert.Error(t, err)
}

func TestKellyFraction(t *testing.T) {
	// S3: p=0.53, d=2.10, mult=0.25, cap=0.05.
	kelly, err := KellyFraction(0.53, 2.10, 0.25, 0.05)
	require.NoError(t, err)
	full := (1.10*0.53 - 0.47) / 1.10
	assert.InDelta(t, 0.25*full, kelly, 1e-9)
	assert.InDelta(t, 0.02568, kelly, 1e-4)
}

func TestKellyFraction_NoEdgeReturnsZero(t *testing.T) {
	kelly, err := KellyFraction(0.40, 1.50, 0.25, 0.05)
	require.NoError(t, err)
	assert.Zero(t, kelly)
}

func TestKellyFraction_CapApplies(t *testing.T) {
	kelly, err := KellyFraction(0.80, 3.0, 1.0, 0.05)
	require.NoError(t, err)
	assert.Equal(t, 0.05, kelly)
}

func TestMarketAndBookCLV(t *testing.T) {
	clv, err := MarketCLV(0.575, 0.55)
	require.NoError(t, err)
	assert.InDelta(t, 0.025, clv, 1e-12)

	bclv, err := BookCLV(1.0/1.95, 1.0/2.10)
	require.NoError(t, err)
	assert.Greater(t, bclv, 0.0)

	_, err = MarketCLV(1.2, 0.5)
	assert.Error(t, err)
}

func TestPairwiseFairProb(t *testing.T) {
	p, err := PairwiseFairProb(2.0, 2.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p, 1e-12)

	p, err = PairwiseFairProb(1.91, 1.91)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p, 1e-12)

	_, err = PairwiseFairProb(1.0, 2.0)
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	vals := []float64{0.1, 0.2, 0.3, 0.4, 0.5}
	assert.InDelta(t, 0.1, Percentile(vals, 0), 1e-12)
	assert.InDelta(t, 0.5, Percentile(vals, 1), 1e-12)
	assert.InDelta(t, 0.3, Percentile(vals, 0.5), 1e-12)
	// Linear interpolation between ranks.
	assert.InDelta(t, 0.46, Percentile(vals, 0.9), 1e-12)
	assert.InDelta(t, 0.14, Percentile(vals, 0.1), 1e-12)
}

func TestParlay(t *testing.T) {
	legs := []Leg{
		{EventID: "e1", DecimalOdds: 2.0, FairProb: 0.55},
		{EventID: "e2", DecimalOdds: 1.8, FairProb: 0.60},
	}
	dec, err := ParlayDecimalOdds(legs)
	require.NoError(t, err)
	assert.InDelta(t, 3.6, dec, 1e-12)

	prob, err := ParlayProb(legs)
	require.NoError(t, err)
	assert.InDelta(t, 0.33, prob, 1e-12)

	ev, err := ParlayEV(legs)
	require.NoError(t, err)
	assert.InDelta(t, 0.33*3.6-1.0, ev, 1e-12)

	_, err = ParlayDecimalOdds(nil)
	assert.Error(t, err)
}
