package odds

import (
	"github.com/oddsrun/oddsrun/internal/errs"
)

// Leg is one independent component of a parlay.
type Leg struct {
	EventID     string
	MarketKey   string
	Side        string
	DecimalOdds float64
	FairProb    float64
}

func validateLegs(legs []Leg) error {
	if len(legs) == 0 {
		return errs.New(errs.KindInvalidArgument, "legs must not be empty")
	}
	return nil
}

// ParlayDecimalOdds multiplies leg decimal odds.
func ParlayDecimalOdds(legs []Leg) (float64, error) {
	if err := validateLegs(legs); err != nil {
		return 0, err
	}
	product := 1.0
	for _, leg := range legs {
		if err := ensureFinite(leg.DecimalOdds, "leg.decimal_odds"); err != nil {
			return 0, err
		}
		product *= leg.DecimalOdds
	}
	if product <= 1.0 {
		return 0, errs.New(errs.KindInvalidArgument, "parlay decimal odds must be greater than 1")
	}
	return product, nil
}

// ParlayProb multiplies leg fair probabilities, assuming independence.
func ParlayProb(legs []Leg) (float64, error) {
	if err := validateLegs(legs); err != nil {
		return 0, err
	}
	product := 1.0
	for _, leg := range legs {
		if err := validateProbability(leg.FairProb, "leg.fair_prob"); err != nil {
			return 0, err
		}
		product *= leg.FairProb
	}
	return product, nil
}

// ParlayEV is the expected value of the combined ticket.
func ParlayEV(legs []Leg) (float64, error) {
	prob, err := ParlayProb(legs)
	if err != nil {
		return 0, err
	}
	dec, err := ParlayDecimalOdds(legs)
	if err != nil {
		return 0, err
	}
	return EV(prob, dec)
}
