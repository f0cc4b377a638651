// Package ingest pulls odds from the upstream feed, deduplicates bookmaker
// quote groups by content hash, and writes immutable snapshots.
package ingest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/domain/odds"
	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/infrastructure/oddsapi"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// Fetcher is the slice of the provider client ingest needs.
type Fetcher interface {
	FetchOdds(ctx context.Context, sportKey string, markets []string) ([]oddsapi.Event, error)
}

// Summary reports one ingest run for one sport.
type Summary struct {
	SportKey             string   `json:"sport_key"`
	GamesUpserted        int      `json:"games_upserted"`
	GroupsChanged        int      `json:"groups_changed"`
	GroupsSkipped        int      `json:"groups_skipped"`
	SnapshotRowsInserted int      `json:"snapshot_rows_inserted"`
	ErrorsCount          int      `json:"errors_count"`
	Errors               []string `json:"errors,omitempty"`
}

// Service runs odds ingestion.
type Service struct {
	games    persistence.GamesRepo
	odds     persistence.OddsRepo
	fetcher  Fetcher
	settings *config.Settings
	log      zerolog.Logger
}

// NewService wires the ingest engine.
func NewService(games persistence.GamesRepo, oddsRepo persistence.OddsRepo, fetcher Fetcher, settings *config.Settings, log zerolog.Logger) *Service {
	return &Service{
		games:    games,
		odds:     oddsRepo,
		fetcher:  fetcher,
		settings: settings,
		log:      log.With().Str("component", "ingest").Logger(),
	}
}

// Run ingests current odds for one sport. All snapshot writes from one run
// share a single captured_at and commit in one batch at the end.
func (s *Service) Run(ctx context.Context, sportKey string) (*Summary, error) {
	if err := s.checkSport(sportKey); err != nil {
		return nil, err
	}

	events, err := s.fetcher.FetchOdds(ctx, sportKey, s.settings.Markets)
	if err != nil {
		return nil, err
	}

	capturedAt := time.Now().UTC()
	summary := &Summary{SportKey: sportKey}
	var changes []persistence.GroupChange

	for _, event := range events {
		eventChanges, err := s.processEvent(ctx, event, sportKey, capturedAt, summary)
		if err != nil {
			summary.ErrorsCount++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", event.ID, err))
			if s.settings.DeltaHashStrict {
				return summary, err
			}
			s.log.Warn().Err(err).Str("event_id", event.ID).Msg("event ingest failed, continuing")
			continue
		}
		changes = append(changes, eventChanges...)
	}

	if err := s.odds.ApplyChanges(ctx, changes); err != nil {
		return summary, fmt.Errorf("failed to commit ingest batch: %w", err)
	}

	s.log.Info().
		Str("sport", sportKey).
		Int("games", summary.GamesUpserted).
		Int("groups_changed", summary.GroupsChanged).
		Int("groups_skipped", summary.GroupsSkipped).
		Int("rows", summary.SnapshotRowsInserted).
		Int("errors", summary.ErrorsCount).
		Msg("ingest complete")
	return summary, nil
}

func (s *Service) checkSport(sportKey string) error {
	if len(s.settings.SportsWhitelist) == 0 {
		return nil
	}
	for _, sp := range s.settings.SportsWhitelist {
		if sp == sportKey {
			return nil
		}
	}
	return errs.Newf(errs.KindInvalidArgument, "sport %q is not in the configured whitelist", sportKey)
}

func (s *Service) processEvent(ctx context.Context, event oddsapi.Event, sportKey string, capturedAt time.Time, summary *Summary) ([]persistence.GroupChange, error) {
	game := &models.Game{
		SportKey:     sportKey,
		EventID:      event.ID,
		CommenceTime: event.CommenceTime.UTC(),
		HomeTeam:     event.HomeTeam,
		AwayTeam:     event.AwayTeam,
	}
	gameID, _, err := s.games.Upsert(ctx, game)
	if err != nil {
		return nil, err
	}
	summary.GamesUpserted++

	knownHashes := make(map[string]map[persistence.GroupKey]string)
	for _, market := range s.settings.Markets {
		hashes, err := s.odds.GroupHashes(ctx, gameID, market)
		if err != nil {
			return nil, err
		}
		knownHashes[market] = hashes
	}

	bookmakers := make([]oddsapi.Bookmaker, len(event.Bookmakers))
	copy(bookmakers, event.Bookmakers)
	sort.Slice(bookmakers, func(i, j int) bool { return bookmakers[i].Key < bookmakers[j].Key })

	whitelist := make(map[string]bool, len(s.settings.BookmakerWhitelist))
	for _, b := range s.settings.BookmakerWhitelist {
		whitelist[b] = true
	}

	var changes []persistence.GroupChange
	for _, bookmaker := range bookmakers {
		if len(whitelist) > 0 && !whitelist[bookmaker.Key] {
			continue
		}
		for _, configured := range s.settings.Markets {
			for _, market := range bookmaker.Markets {
				if market.Key != configured {
					continue
				}
				groupChanges, err := s.processMarket(event, sportKey, gameID, bookmaker.Key, market, capturedAt, knownHashes[configured], summary)
				if err != nil {
					return nil, err
				}
				changes = append(changes, groupChanges...)
			}
		}
	}
	return changes, nil
}

// quoteGroup is one (market, bookmaker, point) bundle of outcomes.
type quoteGroup struct {
	point *float64
	sides []sideQuote
}

type sideQuote struct {
	side     string
	american float64
	decimal  float64
}

func (s *Service) processMarket(event oddsapi.Event, sportKey string, gameID int64, bookmaker string, market oddsapi.Market, capturedAt time.Time, known map[persistence.GroupKey]string, summary *Summary) ([]persistence.GroupChange, error) {
	groups := make(map[float64]*quoteGroup)
	var order []float64

	for _, outcome := range market.Outcomes {
		side, err := NormalizeSide(outcome.Name, market.Key, sportKey, event.HomeTeam, event.AwayTeam)
		if err != nil {
			return nil, err
		}
		decimal, err := odds.AmericanToDecimal(outcome.Price)
		if err != nil {
			return nil, err
		}

		norm := persistence.NormPoint(outcome.Point)
		group, ok := groups[norm]
		if !ok {
			group = &quoteGroup{point: outcome.Point}
			groups[norm] = group
			order = append(order, norm)
		}
		group.sides = append(group.sides, sideQuote{side: side, american: outcome.Price, decimal: decimal})
	}
	sort.Float64s(order)

	var changes []persistence.GroupChange
	for _, norm := range order {
		group := groups[norm]

		canonical := make([]canonicalSide, 0, len(group.sides))
		for _, q := range group.sides {
			canonical = append(canonical, canonicalSide{American: q.american, Decimal: q.decimal, Side: q.side})
		}
		hash, err := GroupHash(event.ID, market.Key, bookmaker, group.point, canonical)
		if err != nil {
			return nil, err
		}

		key := persistence.GroupKey{MarketKey: market.Key, Bookmaker: bookmaker, Point: norm}
		if prev, ok := known[key]; ok && prev == hash {
			summary.GroupsSkipped++
			continue
		}

		change, err := s.buildChange(gameID, market.Key, bookmaker, group, hash, capturedAt)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
		summary.GroupsChanged++
		summary.SnapshotRowsInserted += len(change.Snapshots)
	}
	return changes, nil
}

func (s *Service) buildChange(gameID int64, marketKey, bookmaker string, group *quoteGroup, hash string, capturedAt time.Time) (persistence.GroupChange, error) {
	implied := make([]float64, len(group.sides))
	for i, q := range group.sides {
		p, err := odds.AmericanToImpliedProb(q.american)
		if err != nil {
			return persistence.GroupChange{}, err
		}
		implied[i] = p
	}
	fair, err := odds.RemoveVig(implied)
	if err != nil {
		return persistence.GroupChange{}, err
	}

	var sum float64
	for _, p := range fair {
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		return persistence.GroupChange{}, errs.Newf(errs.KindInternal,
			"fair probabilities for %s/%s sum to %.9f", marketKey, bookmaker, sum)
	}

	snaps := make([]models.OddsSnapshot, len(group.sides))
	for i, q := range group.sides {
		american := int(math.Round(q.american))
		decimal := odds.RoundOdds(q.decimal)
		snaps[i] = models.OddsSnapshot{
			GameID:      gameID,
			CapturedAt:  capturedAt,
			MarketKey:   marketKey,
			Bookmaker:   bookmaker,
			Side:        q.side,
			Point:       group.point,
			American:    &american,
			Decimal:     &decimal,
			ImpliedProb: odds.RoundProb(implied[i]),
			FairProb:    odds.RoundProb(fair[i]),
			GroupHash:   hash,
		}
	}

	return persistence.GroupChange{
		GameID: gameID,
		Key: persistence.GroupKey{
			MarketKey: marketKey,
			Bookmaker: bookmaker,
			Point:     persistence.NormPoint(group.point),
		},
		Point:      group.point,
		Hash:       hash,
		CapturedAt: capturedAt,
		Snapshots:  snaps,
	}, nil
}
