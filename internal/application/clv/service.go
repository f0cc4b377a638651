// Package clv compares pick-time prices against the closing market. For each
// pick it rebuilds a consensus from the last fully-quoted pre-commence capture
// of every bookmaker and writes the market and same-book closing line values
// onto the pick, once.
package clv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oddsrun/oddsrun/internal/application/consensus"
	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/domain/odds"
	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// Summary reports one CLV batch.
type Summary struct {
	Date                   string `json:"date,omitempty"`
	Processed              int    `json:"processed"`
	Updated                int    `json:"updated"`
	SkippedNoClose         int    `json:"skipped_no_close"`
	SkippedAlreadyComputed int    `json:"skipped_already_computed"`
}

// Service computes closing line value for settled picks.
type Service struct {
	picks    persistence.PicksRepo
	odds     persistence.OddsRepo
	settings *config.Settings
	log      zerolog.Logger
	now      func() time.Time
}

// NewService wires the CLV engine.
func NewService(picksRepo persistence.PicksRepo, oddsRepo persistence.OddsRepo, settings *config.Settings, log zerolog.Logger) *Service {
	return &Service{
		picks:    picksRepo,
		odds:     oddsRepo,
		settings: settings,
		log:      log.With().Str("component", "clv").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ParseDate validates a YYYY-MM-DD argument.
func ParseDate(raw string) (time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, errs.Newf(errs.KindInvalidArgument, "invalid date %q, want YYYY-MM-DD", raw)
	}
	return day, nil
}

// ComputeForDate processes every pick whose game starts in the given UTC day.
// Picks already carrying CLV are skipped unless force. All updates commit in
// one batch at the end.
func (s *Service) ComputeForDate(ctx context.Context, day time.Time, force bool) (*Summary, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	candidates, err := s.picks.ListForCLVDate(ctx, start, end, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list picks for %s: %w", start.Format("2006-01-02"), err)
	}

	summary := &Summary{Date: start.Format("2006-01-02")}
	updates := s.computeBatch(ctx, candidates, force, summary)
	if err := s.commit(ctx, updates, force, summary); err != nil {
		return summary, err
	}
	s.logSummary(summary)
	return summary, nil
}

// ComputePending processes picks whose game has commenced and which have no
// CLV yet. With force, commencement is not required.
func (s *Service) ComputePending(ctx context.Context, force bool) (*Summary, error) {
	cutoff := s.now()
	if force {
		cutoff = cutoff.AddDate(10, 0, 0)
	}
	candidates, err := s.picks.ListPendingCLV(ctx, cutoff, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending picks: %w", err)
	}

	summary := &Summary{}
	updates := s.computeBatch(ctx, candidates, true, summary)
	if err := s.commit(ctx, updates, false, summary); err != nil {
		return summary, err
	}
	s.logSummary(summary)
	return summary, nil
}

func (s *Service) computeBatch(ctx context.Context, candidates []persistence.PickWithGame, force bool, summary *Summary) []persistence.CLVUpdate {
	weighting := consensus.WeightingFrom(s.settings)
	now := s.now()

	var updates []persistence.CLVUpdate
	for _, pick := range candidates {
		summary.Processed++
		if pick.ClvComputedAt != nil && !force {
			summary.SkippedAlreadyComputed++
			continue
		}

		update, err := s.computeOne(ctx, pick, weighting, now)
		if err != nil {
			s.log.Warn().Err(err).Int64("pick_id", pick.ID).Msg("clv computation failed for pick")
			summary.SkippedNoClose++
			continue
		}
		if update == nil {
			summary.SkippedNoClose++
			continue
		}
		updates = append(updates, *update)
	}
	return updates
}

// computeOne rebuilds the closing market for one pick. A nil update with nil
// error means no valid closing window existed.
func (s *Service) computeOne(ctx context.Context, pick persistence.PickWithGame, weighting consensus.Weighting, now time.Time) (*persistence.CLVUpdate, error) {
	required := consensus.ClosingSides(pick.SportKey, pick.MarketKey)
	if required == nil {
		return nil, errs.Newf(errs.KindInvalidArgument, "unsupported market %q", pick.MarketKey)
	}

	snaps, err := s.odds.SnapshotsBefore(ctx, pick.GameID, pick.MarketKey, pick.CommenceTime)
	if err != nil {
		return nil, err
	}

	wantPoint := persistence.NormPoint(pick.Point)
	matched := snaps[:0:0]
	for _, snap := range snaps {
		if persistence.NormPoint(snap.Point) == wantPoint {
			matched = append(matched, snap)
		}
	}

	groups := consensus.SelectLatestComplete(matched, required)
	view := consensus.View{
		GameID:    pick.GameID,
		EventID:   pick.EventID,
		SportKey:  pick.SportKey,
		MarketKey: pick.MarketKey,
		Point:     pick.Point,
		Books:     groups,
	}
	res, err := consensus.Compute(view, required, weighting)
	if err != nil {
		return nil, err
	}
	if res.ConsensusProbs == nil {
		return nil, nil
	}

	closing, ok := res.ConsensusProbs[pick.Side]
	if !ok {
		return nil, nil
	}

	update := &persistence.CLVUpdate{
		PickID:               pick.ID,
		ClosingConsensusProb: odds.RoundProb(closing),
		MarketCLV:            odds.RoundProb(closing - pick.ConsensusProb),
		ComputedAt:           now,
	}

	// Same-book CLV only when the pick's best book is still quoted at close.
	if pick.BestDecimal > 1 {
		pickImplied := 1 / pick.BestDecimal
		for _, group := range groups {
			if group.Bookmaker != pick.BestBook {
				continue
			}
			snap, ok := group.Sides[pick.Side]
			if !ok || snap.Decimal == nil || *snap.Decimal <= 1 {
				break
			}
			dec := odds.RoundOdds(*snap.Decimal)
			implied := odds.RoundProb(1 / *snap.Decimal)
			bookCLV := odds.RoundProb(implied - pickImplied)
			update.ClosingBookDecimal = &dec
			update.ClosingBookImpliedProb = &implied
			update.BookCLV = &bookCLV
			break
		}
	}
	return update, nil
}

func (s *Service) commit(ctx context.Context, updates []persistence.CLVUpdate, force bool, summary *Summary) error {
	if len(updates) == 0 {
		return nil
	}
	updated, err := s.picks.UpdateCLVBatch(ctx, updates, force)
	if err != nil {
		return fmt.Errorf("failed to commit clv batch: %w", err)
	}
	summary.Updated = updated
	return nil
}

func (s *Service) logSummary(summary *Summary) {
	s.log.Info().
		Str("date", summary.Date).
		Int("processed", summary.Processed).
		Int("updated", summary.Updated).
		Int("skipped_no_close", summary.SkippedNoClose).
		Int("skipped_already_computed", summary.SkippedAlreadyComputed).
		Msg("clv batch complete")
}

// Latest returns the most recent CLV-scored picks, newest first.
func (s *Service) Latest(ctx context.Context, limit int) ([]persistence.PickWithGame, error) {
	return s.picks.ListClvScoredAll(ctx, limit)
}

// HealthWindow summarises CLV over the trailing number of days.
type HealthWindow struct {
	Days        int      `json:"days"`
	N           int      `json:"n"`
	MeanBps     float64  `json:"mean_market_clv_bps"`
	MedianBps   float64  `json:"median_market_clv_bps"`
	PctPositive float64  `json:"pct_positive"`
	MeanBookBps *float64 `json:"mean_book_clv_bps,omitempty"`
}

// Health rolls recent CLV outcomes into a single window for the metrics
// endpoint.
func (s *Service) Health(ctx context.Context, days int) (*HealthWindow, error) {
	if days <= 0 {
		days = 7
	}
	picks, err := s.picks.ListClvScoredAll(ctx, 0)
	if err != nil {
		return nil, err
	}

	since := s.now().AddDate(0, 0, -days)
	var market, book []float64
	for _, pick := range picks {
		if pick.ClvComputedAt == nil || pick.ClvComputedAt.Before(since) {
			continue
		}
		if pick.MarketCLV != nil {
			market = append(market, *pick.MarketCLV*10000)
		}
		if pick.BookCLV != nil {
			book = append(book, *pick.BookCLV*10000)
		}
	}

	window := &HealthWindow{Days: days, N: len(market)}
	if len(market) > 0 {
		window.MeanBps = odds.RoundBps(odds.Mean(market))
		window.MedianBps = odds.RoundBps(odds.Median(market))
		positive := 0
		for _, v := range market {
			if v > 0 {
				positive++
			}
		}
		window.PctPositive = odds.RoundPct(float64(positive) / float64(len(market)))
	}
	if len(book) > 0 {
		mean := odds.RoundBps(odds.Mean(book))
		window.MeanBookBps = &mean
	}
	return window, nil
}
