// Package picks turns consensus views into positive-EV recommendations with
// Kelly-sized stakes, scores each one, and enforces per-sport and per-run
// caps deterministically.
package picks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/oddsrun/oddsrun/internal/application/consensus"
	"github.com/oddsrun/oddsrun/internal/application/pqs"
	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/domain/odds"
	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// Summary reports one pick-generation run.
type Summary struct {
	SportKey          string `json:"sport_key"`
	MarketKey         string `json:"market_key"`
	TotalViews        int    `json:"total_views"`
	Candidates        int    `json:"candidates"`
	Inserted          int    `json:"inserted"`
	SkippedExisting   int    `json:"skipped_existing"`
	SkippedLowEV      int    `json:"skipped_low_ev"`
	SkippedNoStake    int    `json:"skipped_no_stake"`
	InsufficientBooks int    `json:"insufficient_books"`
	Kept              int    `json:"kept"`
	Dropped           int    `json:"dropped"`
	CapThrottled      int    `json:"cap_throttled"`
}

// Service generates and scores picks.
type Service struct {
	consensus *consensus.Service
	picks     persistence.PicksRepo
	scores    persistence.PickScoresRepo
	clvStats  persistence.ClvStatsRepo
	scorer    *pqs.Scorer
	settings  *config.Settings
	log       zerolog.Logger
	now       func() time.Time
}

// NewService wires the pick generator.
func NewService(cons *consensus.Service, picksRepo persistence.PicksRepo, scores persistence.PickScoresRepo, clvStats persistence.ClvStatsRepo, settings *config.Settings, log zerolog.Logger) *Service {
	return &Service{
		consensus: cons,
		picks:     picksRepo,
		scores:    scores,
		clvStats:  clvStats,
		scorer:    pqs.NewScorer(settings),
		settings:  settings,
		log:       log.With().Str("component", "picks").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// candidate is one scored pick awaiting cap enforcement.
type candidate struct {
	pick     models.Pick
	scoreID  int64
	pqs      float64
	sportKey string
	eventID  string
	maxPicks int
	isNew    bool
}

// Generate runs the pick generator for one (sport, market). Market-unlock
// enforcement happens at the caller; this service assumes the market is
// permitted.
func (s *Service) Generate(ctx context.Context, sportKey, marketKey string) (*Summary, error) {
	if !models.ValidMarket(marketKey) {
		return nil, errs.Newf(errs.KindInvalidArgument, "unsupported market %q", marketKey)
	}

	results, err := s.consensus.Latest(ctx, sportKey, marketKey)
	if err != nil {
		return nil, err
	}

	prior := s.prior(ctx, sportKey, marketKey)
	now := s.now()
	summary := &Summary{SportKey: sportKey, MarketKey: marketKey, TotalViews: len(results)}
	var candidates []candidate

	// The per-run cap counts new pick rows, so existing selections keep
	// getting re-scored in steady state.
	newPicks := 0
	for _, res := range results {
		if newPicks >= s.settings.PickMaxPerRun {
			break
		}
		if res.ConsensusProbs == nil {
			summary.InsufficientBooks++
			continue
		}
		if res.IncludedBooks < s.settings.PickMinBooks {
			summary.InsufficientBooks++
			continue
		}

		sides := make([]string, 0, len(res.ConsensusProbs))
		for side := range res.ConsensusProbs {
			sides = append(sides, side)
		}
		sort.Strings(sides)

		for _, side := range sides {
			if newPicks >= s.settings.PickMaxPerRun {
				break
			}
			cand, isNew, err := s.evaluateSide(ctx, res, side, prior, now, summary)
			if err != nil {
				return summary, err
			}
			if isNew {
				newPicks++
			}
			if cand != nil {
				candidates = append(candidates, *cand)
			}
		}
	}

	s.enforceCaps(ctx, candidates, summary)

	s.log.Info().
		Str("sport", sportKey).
		Str("market", marketKey).
		Int("candidates", summary.Candidates).
		Int("inserted", summary.Inserted).
		Int("kept", summary.Kept).
		Int("cap_throttled", summary.CapThrottled).
		Msg("pick generation complete")
	return summary, nil
}

func (s *Service) prior(ctx context.Context, sportKey, marketKey string) *models.ClvSportStat {
	stat, err := s.clvStats.Get(ctx, sportKey, marketKey, s.settings.ClvPriorWindow)
	if err != nil {
		if errs.KindOf(err) != errs.KindNotFound {
			s.log.Warn().Err(err).Str("sport", sportKey).Msg("prior lookup failed")
		}
		return nil
	}
	return stat
}

func (s *Service) evaluateSide(ctx context.Context, res consensus.Result, side string, prior *models.ClvSportStat, now time.Time, summary *Summary) (*candidate, bool, error) {
	best, ok := res.BestDecimal[side]
	if !ok || best <= 1 {
		return nil, false, nil
	}
	prob := res.ConsensusProbs[side]

	ev, err := odds.EV(prob, best)
	if err != nil {
		return nil, false, err
	}
	if ev < s.settings.PickMinEV {
		summary.SkippedLowEV++
		return nil, false, nil
	}

	kelly, err := odds.KellyFraction(prob, best, s.settings.KellyMultiplier, s.settings.KellyMaxCap)
	if err != nil {
		return nil, false, err
	}
	if kelly > s.settings.KellyCap {
		kelly = s.settings.KellyCap
	}
	if kelly <= 0 {
		summary.SkippedNoStake++
		return nil, false, nil
	}

	summary.Candidates++

	pick, isNew, err := s.upsertPick(ctx, res, side, prob, best, ev, kelly, now)
	if err != nil {
		return nil, false, err
	}
	if !isNew {
		summary.SkippedExisting++
	}

	features := pqs.ComputeFeatures(res, side, ev, kelly, now)
	score := s.scorer.Score(features, res.View.SportKey, prior)
	scoreID, err := s.insertScore(ctx, pick.ID, features, score, now)
	if err != nil {
		return nil, isNew, err
	}

	if score.Decision == models.DecisionKeep {
		return &candidate{
			pick:     *pick,
			scoreID:  scoreID,
			pqs:      score.PQS,
			sportKey: res.View.SportKey,
			eventID:  res.View.EventID,
			maxPicks: score.Thresholds.MaxPicks,
			isNew:    isNew,
		}, isNew, nil
	}
	summary.Dropped++
	return nil, isNew, nil
}

func (s *Service) upsertPick(ctx context.Context, res consensus.Result, side string, prob, best, ev, kelly float64, now time.Time) (*models.Pick, bool, error) {
	existing, err := s.picks.GetBySelection(ctx, res.View.GameID, res.View.MarketKey, side, res.View.Point, res.BestBook[side], res.CapturedAtMax)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	pick := &models.Pick{
		GameID:         res.View.GameID,
		MarketKey:      res.View.MarketKey,
		Side:           side,
		Point:          res.View.Point,
		Source:         "CONSENSUS",
		ConsensusProb:  odds.RoundProb(prob),
		BestDecimal:    odds.RoundOdds(best),
		BestBook:       res.BestBook[side],
		EV:             odds.RoundProb(ev),
		KellyFraction:  odds.RoundProb(kelly),
		Stake:          odds.RoundStake(s.settings.BankrollPaper * kelly),
		ConsensusBooks: res.IncludedBooks,
		SharpBooks:     res.SharpBooks,
		CapturedAtMin:  res.CapturedAtMin,
		CapturedAtMax:  res.CapturedAtMax,
	}

	if _, err := s.picks.Insert(ctx, pick); err != nil {
		// A concurrent run can win the insert race; fall back to its row.
		if errs.KindOf(err) == errs.KindConflict {
			existing, lookupErr := s.picks.GetBySelection(ctx, res.View.GameID, res.View.MarketKey, side, res.View.Point, res.BestBook[side], res.CapturedAtMax)
			if lookupErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	if pick.CreatedAt.IsZero() {
		pick.CreatedAt = now
	}
	return pick, true, nil
}

func (s *Service) insertScore(ctx context.Context, pickID int64, features pqs.Features, score pqs.Result, now time.Time) (int64, error) {
	componentsJSON, err := json.Marshal(score.Components)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal components: %w", err)
	}
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal features: %w", err)
	}

	row := models.PickScore{
		PickID:         pickID,
		ScoredAt:       now,
		Version:        s.settings.PQSVersion,
		PQS:            score.PQS,
		ComponentsJSON: string(componentsJSON),
		FeaturesJSON:   string(featuresJSON),
		Decision:       score.Decision,
		DropReason:     score.DropReason,
	}
	if err := s.scores.InsertBatch(ctx, []models.PickScore{row}); err != nil {
		return 0, err
	}

	stored, err := s.scores.LatestForPick(ctx, pickID, s.settings.PQSVersion)
	if err != nil {
		return 0, err
	}
	return stored.ID, nil
}

// enforceCaps selects the final KEEP set: candidates sorted by descending
// PQS with a full deterministic tie-break chain, walked under per-sport and
// per-run limits. Everyone else is throttled in place.
func (s *Service) enforceCaps(ctx context.Context, candidates []candidate, summary *Summary) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.pqs != b.pqs {
			return a.pqs > b.pqs
		}
		if a.sportKey != b.sportKey {
			return a.sportKey < b.sportKey
		}
		if a.pick.MarketKey != b.pick.MarketKey {
			return a.pick.MarketKey < b.pick.MarketKey
		}
		if a.eventID != b.eventID {
			return a.eventID < b.eventID
		}
		if !a.pick.CreatedAt.Equal(b.pick.CreatedAt) {
			return a.pick.CreatedAt.Before(b.pick.CreatedAt)
		}
		return a.pick.ID < b.pick.ID
	})

	perSport := make(map[string]int)
	kept := 0
	for _, cand := range candidates {
		maxPicks := cand.maxPicks
		if maxPicks < 1 {
			maxPicks = 1
		}
		if perSport[cand.sportKey] < maxPicks && kept < s.settings.RunMaxPicksTotal {
			perSport[cand.sportKey]++
			kept++
			summary.Kept++
			// Only final KEEPs created in this run count as inserted.
			if cand.isNew {
				summary.Inserted++
			}
			continue
		}

		reason := pqs.ReasonCapThrottle
		if err := s.scores.UpdateDecision(ctx, cand.scoreID, models.DecisionDrop, &reason); err != nil {
			s.log.Error().Err(err).Int64("score_id", cand.scoreID).Msg("failed to throttle pick score")
			continue
		}
		summary.CapThrottled++
		summary.Dropped++
	}
}
