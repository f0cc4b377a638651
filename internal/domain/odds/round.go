package odds

import "math"

// Persisted-row scales. Arithmetic stays in binary floating point; rounding
// happens only at the storage boundary.

func roundTo(x float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(x*pow) / pow
}

// RoundProb rounds a probability to 1e-8.
func RoundProb(p float64) float64 { return roundTo(p, 8) }

// RoundOdds rounds decimal odds to 1e-5.
func RoundOdds(d float64) float64 { return roundTo(d, 5) }

// RoundStake rounds a stake to 1e-4.
func RoundStake(s float64) float64 { return roundTo(s, 4) }

// RoundBps rounds a basis-point value to 1e-4.
func RoundBps(b float64) float64 { return roundTo(b, 4) }

// RoundPct rounds a ratio to 1e-6.
func RoundPct(p float64) float64 { return roundTo(p, 6) }
