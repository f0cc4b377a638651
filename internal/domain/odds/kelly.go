package odds

import (
	"github.com/oddsrun/oddsrun/internal/errs"
)

// EV is the expected profit per unit staked: p*d - 1.
func EV(fairProb, bestDecimal float64) (float64, error) {
	if err := validateProbability(fairProb, "fair_prob"); err != nil {
		return 0, err
	}
	if err := ensureFinite(bestDecimal, "best_decimal_odds"); err != nil {
		return 0, err
	}
	if bestDecimal <= 1.0 {
		return 0, errs.New(errs.KindInvalidArgument, "best_decimal_odds must be greater than 1")
	}
	return fairProb*bestDecimal - 1.0, nil
}

// KellyFraction computes the fractional Kelly stake: multiplier times the
// growth-optimal fraction, clipped at maxCap. Non-positive edges return 0.
func KellyFraction(fairProb, bestDecimal, multiplier, maxCap float64) (float64, error) {
	if err := validateProbability(fairProb, "fair_prob"); err != nil {
		return 0, err
	}
	if err := ensureFinite(bestDecimal, "best_decimal_odds"); err != nil {
		return 0, err
	}
	if err := ensureFinite(multiplier, "kelly_multiplier"); err != nil {
		return 0, err
	}
	if err := ensureFinite(maxCap, "max_cap"); err != nil {
		return 0, err
	}
	if bestDecimal <= 1.0 {
		return 0, errs.New(errs.KindInvalidArgument, "best_decimal_odds must be greater than 1")
	}
	if multiplier < 0 {
		return 0, errs.New(errs.KindInvalidArgument, "kelly_multiplier must be non-negative")
	}
	if maxCap < 0 {
		return 0, errs.New(errs.KindInvalidArgument, "max_cap must be non-negative")
	}

	b := bestDecimal - 1.0
	q := 1.0 - fairProb
	full := (b*fairProb - q) / b
	if full <= 0 {
		return 0, nil
	}
	frac := multiplier * full
	if frac > maxCap {
		return maxCap, nil
	}
	return frac, nil
}

// MarketCLV is the closing-vs-pick consensus probability delta.
func MarketCLV(closingConsensusProb, pickTimeConsensusProb float64) (float64, error) {
	if err := validateProbability(closingConsensusProb, "closing_consensus_prob"); err != nil {
		return 0, err
	}
	if err := validateProbability(pickTimeConsensusProb, "pick_time_consensus_prob"); err != nil {
		return 0, err
	}
	return closingConsensusProb - pickTimeConsensusProb, nil
}

// BookCLV is the closing-vs-pick same-book implied probability delta.
func BookCLV(closingBookImpliedProb, pickTimeBookImpliedProb float64) (float64, error) {
	if err := validateProbability(closingBookImpliedProb, "closing_book_implied_prob"); err != nil {
		return 0, err
	}
	if err := validateProbability(pickTimeBookImpliedProb, "pick_time_book_implied_prob"); err != nil {
		return 0, err
	}
	return closingBookImpliedProb - pickTimeBookImpliedProb, nil
}
