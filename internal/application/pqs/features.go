// Package pqs derives per-pick features and scores them into a Pick Quality
// Score with hard gates and adaptive thresholds.
package pqs

import (
	"sort"
	"time"

	"github.com/oddsrun/oddsrun/internal/application/consensus"
	"github.com/oddsrun/oddsrun/internal/domain/odds"
)

// Features is the input vector for the scorer.
type Features struct {
	EV                   float64 `json:"ev"`
	KellyFraction        float64 `json:"kelly_fraction"`
	BookCount            int     `json:"book_count"`
	SharpBookCount       int     `json:"sharp_book_count"`
	PriceDispersion      float64 `json:"price_dispersion"`
	AgreementStrength    float64 `json:"agreement_strength"`
	BestVsConsensusEdge  float64 `json:"best_vs_consensus_edge"`
	TimeToStartMinutes   float64 `json:"time_to_start_minutes"`
	MarketLiquidityProxy float64 `json:"market_liquidity_proxy"`
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// ComputeFeatures derives the feature vector for one side of a consensus view.
func ComputeFeatures(res consensus.Result, side string, ev, kelly float64, now time.Time) Features {
	f := Features{
		EV:             ev,
		KellyFraction:  kelly,
		BookCount:      res.IncludedBooks,
		SharpBookCount: res.SharpBooks,
	}

	f.PriceDispersion = priceDispersion(res, side)
	f.AgreementStrength = clamp01(1 - f.PriceDispersion/0.5)

	if best, ok := res.BestDecimal[side]; ok && best > 1 {
		if probs := res.ConsensusProbs; probs != nil {
			f.BestVsConsensusEdge = probs[side] - 1/best
		}
	}

	f.TimeToStartMinutes = res.View.CommenceTime.Sub(now).Minutes()
	f.MarketLiquidityProxy = float64(res.IncludedBooks) + 2*float64(res.SharpBooks)
	return f
}

// priceDispersion is the P90-P10 spread of per-book vig-free probabilities
// for the chosen side. Books contribute only when they quote every side of
// the view with decimal > 1. Fewer than 3 contributors means the market is
// too thin to measure; that reads as maximal dispersion.
func priceDispersion(res consensus.Result, side string) float64 {
	var probs []float64
	for _, book := range res.View.Books {
		chosen, ok := book.Sides[side]
		if !ok || chosen.Decimal == nil || *chosen.Decimal <= 1 {
			continue
		}

		sum := 1 / *chosen.Decimal
		valid := true
		for other, snap := range book.Sides {
			if other == side {
				continue
			}
			if snap.Decimal == nil || *snap.Decimal <= 1 {
				valid = false
				break
			}
			sum += 1 / *snap.Decimal
		}
		if !valid || sum <= 0 {
			continue
		}
		probs = append(probs, (1 / *chosen.Decimal) / sum)
	}

	if len(probs) < 3 {
		return 1.0
	}
	sort.Float64s(probs)
	return clamp01(odds.Percentile(probs, 0.9) - odds.Percentile(probs, 0.1))
}
