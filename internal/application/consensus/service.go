package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// Service builds consensus results from stored snapshots.
type Service struct {
	games    persistence.GamesRepo
	odds     persistence.OddsRepo
	settings *config.Settings
	log      zerolog.Logger
}

// NewService wires the consensus builder.
func NewService(games persistence.GamesRepo, oddsRepo persistence.OddsRepo, settings *config.Settings, log zerolog.Logger) *Service {
	return &Service{
		games:    games,
		odds:     oddsRepo,
		settings: settings,
		log:      log.With().Str("component", "consensus").Logger(),
	}
}

// maxGamesPerQuery bounds the upcoming-game scan for one sport.
const maxGamesPerQuery = 200

// Weighting returns the configured book-weight policy.
func (s *Service) Weighting() Weighting {
	return WeightingFrom(s.settings)
}

// WeightingFrom builds the book-weight policy from process settings. The CLV
// engine uses the same policy for closing markets.
func WeightingFrom(settings *config.Settings) Weighting {
	sharp := make(map[string]bool, len(settings.SharpBooks))
	for _, b := range settings.SharpBooks {
		sharp[strings.ToLower(b)] = true
	}
	return Weighting{
		SharpBooks:     sharp,
		SharpWeight:    settings.SharpWeight,
		StandardWeight: settings.StandardWeight,
		MinBooks:       settings.ConsensusMinBooks,
		Eps:            settings.ConsensusEps,
	}
}

// Latest computes consensus results for every upcoming game of a sport in one
// market, ordered by event then point.
func (s *Service) Latest(ctx context.Context, sportKey, marketKey string) ([]Result, error) {
	if !models.ValidMarket(marketKey) {
		return nil, errs.Newf(errs.KindInvalidArgument, "unsupported market %q", marketKey)
	}

	games, err := s.games.ListUpcoming(ctx, sportKey, maxGamesPerQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to load upcoming games: %w", err)
	}

	required := RequiredSides(sportKey, marketKey)
	weighting := s.Weighting()

	var results []Result
	for _, game := range games {
		views, err := s.ViewsForGame(ctx, game, marketKey, required)
		if err != nil {
			return nil, err
		}
		for _, view := range views {
			res, err := Compute(view, required, weighting)
			if err != nil {
				s.log.Warn().Err(err).
					Str("event_id", game.EventID).
					Str("market", marketKey).
					Msg("consensus computation failed for view")
				continue
			}
			results = append(results, res)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i].View, results[j].View
		if a.EventID != b.EventID {
			return a.EventID < b.EventID
		}
		return persistence.NormPoint(a.Point) < persistence.NormPoint(b.Point)
	})
	return results, nil
}

// ViewsForGame selects each bookmaker's latest complete capture for one game
// and market and assembles the market views.
func (s *Service) ViewsForGame(ctx context.Context, game models.Game, marketKey string, required []string) ([]View, error) {
	snaps, err := s.odds.Snapshots(ctx, game.ID, marketKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots for game %d: %w", game.ID, err)
	}
	groups := SelectLatestComplete(snaps, required)
	return BuildViews(game, marketKey, groups), nil
}
