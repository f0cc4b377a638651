package odds

import (
	"math"
	"sort"

	"github.com/oddsrun/oddsrun/internal/errs"
)

// RemoveVig normalises implied probabilities so they sum to 1.
func RemoveVig(probs []float64) ([]float64, error) {
	if len(probs) == 0 {
		return nil, errs.New(errs.KindInvalidArgument, "probs must not be empty")
	}
	total := 0.0
	for _, p := range probs {
		if err := validateProbability(p, "probability"); err != nil {
			return nil, err
		}
		total += p
	}
	if total <= Eps {
		return nil, errs.New(errs.KindInvalidArgument, "sum of probabilities must be greater than zero")
	}
	fair := make([]float64, len(probs))
	for i, p := range probs {
		fair[i] = p / total
	}
	return fair, nil
}

// ConsensusFairProb computes the weighted per-side average of per-book fair
// probabilities and devigs the result. Every book must quote the same side
// set; weights must be non-negative and sum above Eps. Sides are iterated in
// sorted order so results are stable across runs.
func ConsensusFairProb(booksProbs []map[string]float64, weights []float64) (map[string]float64, error) {
	if len(booksProbs) == 0 {
		return nil, errs.New(errs.KindInvalidArgument, "books_probs must not be empty")
	}
	if len(booksProbs) != len(weights) {
		return nil, errs.New(errs.KindInvalidArgument, "books_probs and weights lengths must match")
	}

	totalWeight := 0.0
	for _, w := range weights {
		if err := ensureFinite(w, "weight"); err != nil {
			return nil, err
		}
		if w < 0 {
			return nil, errs.New(errs.KindInvalidArgument, "weights must be non-negative")
		}
		totalWeight += w
	}
	if totalWeight <= Eps {
		return nil, errs.New(errs.KindInvalidArgument, "weights must sum to greater than zero")
	}

	sides := make([]string, 0, len(booksProbs[0]))
	for side := range booksProbs[0] {
		sides = append(sides, side)
	}
	if len(sides) == 0 {
		return nil, errs.New(errs.KindInvalidArgument, "each books_probs entry must contain at least one side")
	}
	sort.Strings(sides)

	for _, book := range booksProbs {
		if len(book) != len(sides) {
			return nil, errs.New(errs.KindInvalidArgument, "all books_probs entries must have the same sides")
		}
		for _, side := range sides {
			if _, ok := book[side]; !ok {
				return nil, errs.New(errs.KindInvalidArgument, "all books_probs entries must have the same sides")
			}
		}
	}

	weighted := make([]float64, len(sides))
	for i, book := range booksProbs {
		for j, side := range sides {
			p := book[side]
			if err := validateProbability(p, "probability["+side+"]"); err != nil {
				return nil, err
			}
			weighted[j] += p * weights[i]
		}
	}
	for j := range weighted {
		weighted[j] /= totalWeight
	}

	fair, err := RemoveVig(weighted)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(sides))
	for j, side := range sides {
		out[side] = fair[j]
	}
	return out, nil
}

// PairwiseFairProb devigs a two-way quote: the fair probability of the side
// priced sideDecimal against its opposite priced oppDecimal. Both must exceed
// 1. Used for the per-book dispersion feature.
func PairwiseFairProb(sideDecimal, oppDecimal float64) (float64, error) {
	if err := ensureFinite(sideDecimal, "side_decimal"); err != nil {
		return 0, err
	}
	if err := ensureFinite(oppDecimal, "opp_decimal"); err != nil {
		return 0, err
	}
	if sideDecimal <= 1.0 || oppDecimal <= 1.0 {
		return 0, errs.New(errs.KindInvalidArgument, "decimal odds must be greater than 1")
	}
	side := 1.0 / sideDecimal
	opp := 1.0 / oppDecimal
	total := side + opp
	if total <= Eps {
		return 0, errs.New(errs.KindInvalidArgument, "sum of implied probabilities must be greater than zero")
	}
	return side / total, nil
}

// Percentile returns the q-th percentile (q in [0,1]) of values using linear
// interpolation between closest ranks. The input is not mutated.
func Percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
