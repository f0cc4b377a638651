// Package priors rolls CLV outcomes into windowed per-(sport, market)
// statistics. Thin groups publish neutral numbers with a weak flag so
// downstream consumers never act on noise.
package priors

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/domain/odds"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// Summary reports one priors recomputation.
type Summary struct {
	Inserted int       `json:"inserted"`
	AsOf     time.Time `json:"as_of"`
}

// Service recomputes the CLV sport stats window.
type Service struct {
	picks    persistence.PicksRepo
	stats    persistence.ClvStatsRepo
	settings *config.Settings
	log      zerolog.Logger
	now      func() time.Time
}

// NewService wires the priors recomputation.
func NewService(picksRepo persistence.PicksRepo, statsRepo persistence.ClvStatsRepo, settings *config.Settings, log zerolog.Logger) *Service {
	return &Service{
		picks:    picksRepo,
		stats:    statsRepo,
		settings: settings,
		log:      log.With().Str("component", "priors").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Recompute replaces every stat row for the configured window size. Picks are
// grouped by (sport, market) newest first, capped at the window size per
// group.
func (s *Service) Recompute(ctx context.Context) (*Summary, error) {
	scored, err := s.picks.ListClvScoredAll(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load clv-scored picks: %w", err)
	}

	window := s.settings.ClvPriorWindow
	type groupKey struct{ sport, market string }
	market := make(map[groupKey][]float64)
	book := make(map[groupKey][]float64)

	for _, pick := range scored {
		if pick.MarketCLV == nil {
			continue
		}
		key := groupKey{sport: pick.SportKey, market: pick.MarketKey}
		if len(market[key]) >= window {
			continue
		}
		market[key] = append(market[key], *pick.MarketCLV*10000)
		if pick.BookCLV != nil {
			book[key] = append(book[key], *pick.BookCLV*10000)
		}
	}

	asOf := s.now().Truncate(time.Second)
	keys := make([]groupKey, 0, len(market))
	for key := range market {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sport != keys[j].sport {
			return keys[i].sport < keys[j].sport
		}
		return keys[i].market < keys[j].market
	})

	rows := make([]models.ClvSportStat, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, s.buildStat(key.sport, key.market, market[key], book[key], window, asOf))
	}

	if err := s.stats.ReplaceWindow(ctx, window, rows); err != nil {
		return nil, fmt.Errorf("failed to replace stats window: %w", err)
	}

	s.log.Info().Int("inserted", len(rows)).Int("window", window).Msg("priors recomputed")
	return &Summary{Inserted: len(rows), AsOf: asOf}, nil
}

func (s *Service) buildStat(sportKey, marketKey string, marketBps, bookBps []float64, window int, asOf time.Time) models.ClvSportStat {
	stat := models.ClvSportStat{
		SportKey:      sportKey,
		MarketKey:     marketKey,
		WindowSize:    window,
		AsOf:          asOf,
		N:             len(marketBps),
		LastUpdatedAt: asOf,
	}

	if len(marketBps) < s.settings.ClvMinNForPrior {
		stat.PctPositiveMarketClv = 0.5
		stat.IsWeak = 1
		zero := 0.0
		stat.SharpeLike = &zero
		return stat
	}

	stat.MeanMarketClvBps = odds.RoundBps(odds.Mean(marketBps))
	stat.MedianMarketClvBps = odds.RoundBps(odds.Median(marketBps))

	positive := 0
	for _, v := range marketBps {
		if v > 0 {
			positive++
		}
	}
	stat.PctPositiveMarketClv = odds.RoundPct(float64(positive) / float64(len(marketBps)))

	sharpe := 0.0
	if stdev := odds.PStdev(marketBps); stdev > 0 {
		sharpe = odds.RoundPct(odds.Mean(marketBps) / stdev)
	}
	stat.SharpeLike = &sharpe

	if len(bookBps) > 0 {
		mean := odds.RoundBps(odds.Mean(bookBps))
		stat.MeanSameBookClvBps = &mean
	}
	return stat
}
