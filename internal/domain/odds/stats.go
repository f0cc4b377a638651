package odds

import "math"

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Median returns the middle value (average of the two middles for even
// length), 0 for an empty slice. The input is not mutated.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return Percentile(values, 0.5)
}

// PStdev returns the population standard deviation, 0 for fewer than two
// values.
func PStdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}
