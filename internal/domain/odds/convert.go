// Package odds is the pure math kernel: price conversions, vig removal,
// weighted consensus, EV, fractional Kelly and CLV deltas. Everything here is
// deterministic and side-effect-free; invalid inputs come back as
// invalid_argument errors, never NaN.
package odds

import (
	"math"

	"github.com/oddsrun/oddsrun/internal/errs"
)

// Eps guards divisions throughout the kernel.
const Eps = 1e-9

func ensureFinite(v float64, name string) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errs.Newf(errs.KindInvalidArgument, "%s must be finite", name)
	}
	return nil
}

func validateProbability(v float64, name string) error {
	if err := ensureFinite(v, name); err != nil {
		return err
	}
	if v < 0.0 || v > 1.0 {
		return errs.Newf(errs.KindInvalidArgument, "%s must be between 0 and 1 inclusive", name)
	}
	return nil
}

// AmericanToDecimal converts American odds (|a| >= 100) to decimal odds.
func AmericanToDecimal(american float64) (float64, error) {
	if err := ensureFinite(american, "american_odds"); err != nil {
		return 0, err
	}
	if math.Abs(american) < 100 {
		return 0, errs.New(errs.KindInvalidArgument, "american_odds must be <= -100 or >= 100")
	}
	if american > 0 {
		return 1.0 + american/100.0, nil
	}
	return 1.0 + 100.0/math.Abs(american), nil
}

// DecimalToAmerican converts decimal odds (> 1) back to rounded American odds.
func DecimalToAmerican(decimal float64) (int, error) {
	if err := ensureFinite(decimal, "decimal_odds"); err != nil {
		return 0, err
	}
	if decimal <= 1.0 {
		return 0, errs.New(errs.KindInvalidArgument, "decimal_odds must be greater than 1")
	}
	if decimal >= 2.0 {
		return int(math.Round((decimal - 1.0) * 100.0)), nil
	}
	return int(math.Round(-100.0 / (decimal - 1.0))), nil
}

// AmericanToImpliedProb converts American odds to the implied probability.
func AmericanToImpliedProb(american float64) (float64, error) {
	if err := ensureFinite(american, "american_odds"); err != nil {
		return 0, err
	}
	if math.Abs(american) < 100 {
		return 0, errs.New(errs.KindInvalidArgument, "american_odds must be <= -100 or >= 100")
	}
	if american > 0 {
		return 100.0 / (american + 100.0), nil
	}
	return math.Abs(american) / (math.Abs(american) + 100.0), nil
}
