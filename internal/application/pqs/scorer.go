package pqs

import (
	"math"

	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/models"
)

// Drop reasons emitted by the hard gates and the threshold decision.
const (
	ReasonMinBooks          = "min_books"
	ReasonSharpBookMin      = "sharp_book_min"
	ReasonMinMinutesToStart = "min_minutes_to_start"
	ReasonMaxDispersion     = "max_price_dispersion"
	ReasonMinAgreement      = "min_agreement"
	ReasonEVFloor           = "ev_floor"
	ReasonBelowMinPQS       = "below_min_pqs"
	ReasonCapThrottle       = "cap_throttle"
)

// Thresholds are the per-sport decision parameters after prior adjustment.
type Thresholds struct {
	MinPQS   float64 `json:"min_pqs"`
	MaxPicks int     `json:"max_picks"`
}

// Result is one scored pick.
type Result struct {
	PQS        float64            `json:"pqs"`
	Decision   string             `json:"decision"`
	DropReason *string            `json:"drop_reason,omitempty"`
	Components map[string]float64 `json:"components"`
	Thresholds Thresholds         `json:"-"`
}

// Scorer applies the gates and weighted scoring.
type Scorer struct {
	settings *config.Settings
}

// NewScorer builds a scorer over the process settings.
func NewScorer(settings *config.Settings) *Scorer {
	return &Scorer{settings: settings}
}

// AdaptiveThresholds derives the per-sport decision threshold and pick cap
// from the CLV prior. Weak priors are neutral and change nothing.
func (s *Scorer) AdaptiveThresholds(sportKey string, prior *models.ClvSportStat) Thresholds {
	th := Thresholds{
		MinPQS:   s.settings.SportDefaultMinPQS,
		MaxPicks: s.settings.SportMaxPicks(sportKey),
	}
	if prior == nil || prior.IsWeak == 1 {
		return th
	}
	if prior.PctPositiveMarketClv < 0.45 {
		th.MinPQS = math.Min(0.9, th.MinPQS+0.05)
		if th.MaxPicks > 1 {
			th.MaxPicks--
		}
	} else if prior.PctPositiveMarketClv > 0.6 {
		th.MinPQS = math.Max(0.55, th.MinPQS-0.02)
	}
	return th
}

// adaptiveMaxDispersion relaxes the dispersion ceiling for deep or sharply
// backed markets.
func (s *Scorer) adaptiveMaxDispersion(f Features) float64 {
	max := s.settings.MaxPriceDispersion
	if f.BookCount >= 8 && s.settings.MaxPriceDispersionBookCount8 > max {
		max = s.settings.MaxPriceDispersionBookCount8
	}
	if f.SharpBookCount >= 2 && f.EV >= 0.05 && s.settings.MaxPriceDispersionSharpEV > max {
		max = s.settings.MaxPriceDispersionSharpEV
	}
	return max
}

// effectiveMinMinutes relaxes the start-time gate when the market is deep
// and tight.
func (s *Scorer) effectiveMinMinutes(f Features) float64 {
	if f.BookCount >= s.settings.MinMinutesToStartRelaxedMinBooks &&
		f.PriceDispersion <= s.settings.MinMinutesToStartRelaxedMaxDispersion {
		return float64(s.settings.MinMinutesToStartRelaxed)
	}
	return float64(s.settings.MinMinutesToStart)
}

// Score evaluates one feature vector. Hard-gated picks carry a zero score and
// an empty component map; only the threshold decision scores the pick.
func (s *Scorer) Score(f Features, sportKey string, prior *models.ClvSportStat) Result {
	th := s.AdaptiveThresholds(sportKey, prior)
	adaptiveMax := s.adaptiveMaxDispersion(f)
	minMinutes := s.effectiveMinMinutes(f)

	gated := func(reason string) Result {
		return Result{
			Components: map[string]float64{},
			Decision:   models.DecisionDrop,
			DropReason: &reason,
			Thresholds: th,
		}
	}
	switch {
	case f.BookCount < s.settings.MinBooks:
		return gated(ReasonMinBooks)
	case f.SharpBookCount < s.settings.SharpBookMin:
		return gated(ReasonSharpBookMin)
	case f.TimeToStartMinutes < 0:
		return gated(ReasonMinMinutesToStart)
	case f.TimeToStartMinutes < minMinutes:
		return gated(ReasonMinMinutesToStart)
	case f.PriceDispersion > s.settings.MaxPriceDispersionHardCeiling:
		return gated(ReasonMaxDispersion)
	case f.PriceDispersion > adaptiveMax:
		return gated(ReasonMaxDispersion)
	case f.AgreementStrength < s.settings.MinAgreement:
		return gated(ReasonMinAgreement)
	case f.EV < s.settings.EVFloor:
		return gated(ReasonEVFloor)
	}

	priorScore := 0.5
	if prior != nil && prior.IsWeak == 0 {
		priorScore = clamp01((prior.PctPositiveMarketClv-0.5)*2 + 0.5)
	}

	components := map[string]float64{
		"ev_score":         clamp01(f.EV / 0.05),
		"agreement_score":  clamp01(f.AgreementStrength),
		"dispersion_score": clamp01(1 - f.PriceDispersion/adaptiveMax),
		"coverage_score":   clamp01(float64(f.BookCount) / math.Max(float64(s.settings.MinBooks), 10)),
		"sharp_score":      0,
		"prior_score":      priorScore,
		"time_score":       clamp01(f.TimeToStartMinutes / math.Max(float64(s.settings.TimeDecayHalfLifeMin), 1)),
	}
	if f.SharpBookCount >= s.settings.SharpBookMin {
		components["sharp_score"] = 1
	}

	pqs := s.settings.PQSWeightEV*components["ev_score"] +
		s.settings.PQSWeightAgreement*components["agreement_score"] +
		s.settings.PQSWeightDispersion*components["dispersion_score"] +
		s.settings.PQSWeightCoverage*components["coverage_score"] +
		s.settings.PQSWeightSharpPresence*components["sharp_score"] +
		s.settings.PQSWeightClvPrior*components["prior_score"] +
		s.settings.PQSWeightTimeToStart*components["time_score"]
	pqs = clamp01(math.Round(pqs*1e6) / 1e6)

	components["adaptive_min_pqs"] = th.MinPQS
	components["adaptive_max_picks"] = float64(th.MaxPicks)
	components["adaptive_max_price_dispersion"] = adaptiveMax
	components["adaptive_min_minutes_to_start"] = minMinutes

	res := Result{PQS: pqs, Components: components, Thresholds: th}
	if pqs >= th.MinPQS {
		res.Decision = models.DecisionKeep
		return res
	}
	reason := ReasonBelowMinPQS
	res.Decision = models.DecisionDrop
	res.DropReason = &reason
	return res
}
