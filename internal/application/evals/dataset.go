// Package evals measures how well PQS predicted closing line value and
// proposes bounded config adjustments when it did not.
package evals

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/oddsrun/oddsrun/internal/application/pqs"
	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// Row joins one pick with its latest score under the current version.
type Row struct {
	Pick  persistence.PickWithGame `json:"pick"`
	Score *models.PickScore        `json:"score,omitempty"`
}

// DatasetFilter selects and pages eval rows.
type DatasetFilter struct {
	SportKey  string
	MarketKey string
	Since     time.Time
	Until     time.Time
	Decisions []string
	MinN      int
	Limit     int
	Offset    int
}

// Dataset is one page of eval rows.
type Dataset struct {
	InsufficientN bool  `json:"insufficient_n"`
	N             int   `json:"n"`
	Rows          []Row `json:"rows"`
	Limit         int   `json:"limit"`
	Offset        int   `json:"offset"`
}

// Service computes eval reports and calibration proposals.
type Service struct {
	picks    persistence.PicksRepo
	scores   persistence.PickScoresRepo
	clvStats persistence.ClvStatsRepo
	runs     persistence.PipelineRunsRepo
	calib    persistence.CalibrationRunsRepo
	scorer   *pqs.Scorer
	settings *config.Settings
	log      zerolog.Logger
	now      func() time.Time
}

// NewService wires the eval engine.
func NewService(picksRepo persistence.PicksRepo, scoresRepo persistence.PickScoresRepo, clvStatsRepo persistence.ClvStatsRepo, runsRepo persistence.PipelineRunsRepo, calibRepo persistence.CalibrationRunsRepo, settings *config.Settings, log zerolog.Logger) *Service {
	return &Service{
		picks:    picksRepo,
		scores:   scoresRepo,
		clvStats: clvStatsRepo,
		runs:     runsRepo,
		calib:    calibRepo,
		scorer:   pqs.NewScorer(settings),
		settings: settings,
		log:      log.With().Str("component", "evals").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Dataset returns scored picks ordered by (created_at asc, id asc) with the
// requested filters and paging applied.
func (s *Service) Dataset(ctx context.Context, filter DatasetFilter) (*Dataset, error) {
	picks, err := s.picks.List(ctx, persistence.PickFilter{
		SportKey:  filter.SportKey,
		MarketKey: filter.MarketKey,
		Since:     filter.Since,
		Until:     filter.Until,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list picks: %w", err)
	}

	rows, err := s.joinScores(ctx, picks)
	if err != nil {
		return nil, err
	}

	if len(filter.Decisions) > 0 {
		allowed := make(map[string]bool, len(filter.Decisions))
		for _, d := range filter.Decisions {
			allowed[d] = true
		}
		filtered := rows[:0]
		for _, row := range rows {
			if row.Score != nil && allowed[row.Score.Decision] {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Pick, rows[j].Pick
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	ds := &Dataset{
		N:             len(rows),
		Limit:         filter.Limit,
		Offset:        filter.Offset,
		InsufficientN: filter.MinN > 0 && len(rows) < filter.MinN,
	}

	start := filter.Offset
	if start > len(rows) {
		start = len(rows)
	}
	end := len(rows)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	ds.Rows = rows[start:end]
	return ds, nil
}

// DatasetCSV renders a dataset page as CSV.
func (s *Service) DatasetCSV(ctx context.Context, filter DatasetFilter) ([]byte, error) {
	ds, err := s.Dataset(ctx, filter)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{
		"pick_id", "created_at", "sport_key", "event_id", "market_key", "side", "point",
		"consensus_prob", "best_decimal", "best_book", "ev", "stake",
		"pqs", "decision", "drop_reason", "market_clv_bps", "book_clv_bps",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range ds.Rows {
		p := row.Pick
		record := []string{
			strconv.FormatInt(p.ID, 10),
			p.CreatedAt.UTC().Format(time.RFC3339),
			p.SportKey,
			p.EventID,
			p.MarketKey,
			p.Side,
			fmtPtr(p.Point),
			strconv.FormatFloat(p.ConsensusProb, 'f', -1, 64),
			strconv.FormatFloat(p.BestDecimal, 'f', -1, 64),
			p.BestBook,
			strconv.FormatFloat(p.EV, 'f', -1, 64),
			strconv.FormatFloat(p.Stake, 'f', -1, 64),
			"", "", "", "", "",
		}
		if row.Score != nil {
			record[12] = strconv.FormatFloat(row.Score.PQS, 'f', -1, 64)
			record[13] = row.Score.Decision
			if row.Score.DropReason != nil {
				record[14] = *row.Score.DropReason
			}
		}
		if p.MarketCLV != nil {
			record[15] = strconv.FormatFloat(*p.MarketCLV*10000, 'f', -1, 64)
		}
		if p.BookCLV != nil {
			record[16] = strconv.FormatFloat(*p.BookCLV*10000, 'f', -1, 64)
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// clvScoredRows loads the latest n CLV-scored picks with their scores.
func (s *Service) clvScoredRows(ctx context.Context, limit int) ([]Row, error) {
	picks, err := s.picks.ListClvScoredAll(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list clv-scored picks: %w", err)
	}
	return s.joinScores(ctx, picks)
}

func (s *Service) joinScores(ctx context.Context, picks []persistence.PickWithGame) ([]Row, error) {
	ids := make([]int64, 0, len(picks))
	for _, p := range picks {
		ids = append(ids, p.ID)
	}
	scores, err := s.scores.ListByPickIDs(ctx, ids, s.settings.PQSVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to join scores: %w", err)
	}

	rows := make([]Row, 0, len(picks))
	for _, p := range picks {
		row := Row{Pick: p}
		if score, ok := scores[p.ID]; ok {
			sc := score
			row.Score = &sc
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func fmtPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
