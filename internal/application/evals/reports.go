package evals

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"github.com/oddsrun/oddsrun/internal/application/pqs"
	"github.com/oddsrun/oddsrun/internal/domain/odds"
	"github.com/oddsrun/oddsrun/internal/models"
)

// Bin is one PQS quantile with its CLV outcomes.
type Bin struct {
	Index       int     `json:"index"`
	N           int     `json:"n"`
	MeanPQS     float64 `json:"mean_pqs"`
	MeanBps     float64 `json:"mean_market_clv_bps"`
	MedianBps   float64 `json:"median_market_clv_bps"`
	PctPositive float64 `json:"pct_positive"`
}

// PQSCLVReport correlates PQS rank with realised CLV.
type PQSCLVReport struct {
	InsufficientN bool    `json:"insufficient_n"`
	N             int     `json:"n"`
	Spearman      float64 `json:"spearman"`
	Bins          []Bin   `json:"bins"`
	BinMeanSlope  float64 `json:"bin_mean_slope"`
}

// GatesReport attributes drops and compares kept vs dropped outcomes.
type GatesReport struct {
	InsufficientN     bool           `json:"insufficient_n"`
	N                 int            `json:"n"`
	DropReasonCounts  map[string]int `json:"drop_reason_counts"`
	KeptN             int            `json:"kept_n"`
	DroppedN          int            `json:"dropped_n"`
	KeptMeanClvBps    float64        `json:"kept_market_clv_bps_mean"`
	DroppedMeanClvBps float64        `json:"dropped_market_clv_bps_mean"`
}

// SportReport is one (sport, market) group.
type SportReport struct {
	SportKey    string         `json:"sport_key"`
	MarketKey   string         `json:"market_key"`
	N           int            `json:"n"`
	KeepRate    float64        `json:"keep_rate"`
	AvgPQS      float64        `json:"avg_pqs"`
	MeanBps     float64        `json:"mean_market_clv_bps"`
	MedianBps   float64        `json:"median_market_clv_bps"`
	PctPositive float64        `json:"pct_positive"`
	Thresholds  pqs.Thresholds `json:"adaptive_thresholds"`
}

// SportsReport groups outcomes by sport and market.
type SportsReport struct {
	InsufficientN bool          `json:"insufficient_n"`
	N             int           `json:"n"`
	Sports        []SportReport `json:"sports"`
}

// VolumeReport summarises pick-run throughput against the per-run cap.
type VolumeReport struct {
	Runs             int     `json:"runs"`
	KeptTotal        int     `json:"kept_total"`
	MeanKeptPerRun   float64 `json:"mean_kept_per_run"`
	CapHitFraction   float64 `json:"cap_hit_fraction"`
	RunMaxPicksTotal int     `json:"run_max_picks_total"`
}

// PQSCLV builds the rank-correlation report over the latest CLV-scored picks.
func (s *Service) PQSCLV(ctx context.Context, minN int) (*PQSCLVReport, error) {
	rows, err := s.clvScoredRows(ctx, 0)
	if err != nil {
		return nil, err
	}
	return s.buildPQSCLV(rows, minN), nil
}

func (s *Service) buildPQSCLV(rows []Row, minN int) *PQSCLVReport {
	type point struct {
		pickID int64
		pqs    float64
		bps    float64
	}
	var points []point
	for _, row := range rows {
		if row.Score == nil || row.Pick.MarketCLV == nil {
			continue
		}
		points = append(points, point{
			pickID: row.Pick.ID,
			pqs:    row.Score.PQS,
			bps:    *row.Pick.MarketCLV * 10000,
		})
	}

	report := &PQSCLVReport{N: len(points)}
	if len(points) == 0 || (minN > 0 && len(points) < minN) {
		report.InsufficientN = true
		return report
	}

	pickIDs := make([]int64, len(points))
	pqsVals := make([]float64, len(points))
	bpsVals := make([]float64, len(points))
	for i, p := range points {
		pickIDs[i] = p.pickID
		pqsVals[i] = p.pqs
		bpsVals[i] = p.bps
	}
	report.Spearman = spearman(pqsVals, bpsVals, pickIDs)

	// Five equal-count quantile bins over ascending PQS.
	sort.SliceStable(points, func(i, j int) bool {
		if points[i].pqs != points[j].pqs {
			return points[i].pqs < points[j].pqs
		}
		return points[i].pickID < points[j].pickID
	})
	const binCount = 5
	total := len(points)
	binOf := func(idx int) int { return idx * binCount / total }

	binned := make([][]point, binCount)
	for idx, p := range points {
		b := binOf(idx)
		binned[b] = append(binned[b], p)
	}

	var means []float64
	for i, group := range binned {
		bin := Bin{Index: i, N: len(group)}
		if len(group) > 0 {
			var pq, bp []float64
			positive := 0
			for _, p := range group {
				pq = append(pq, p.pqs)
				bp = append(bp, p.bps)
				if p.bps > 0 {
					positive++
				}
			}
			bin.MeanPQS = odds.RoundPct(odds.Mean(pq))
			bin.MeanBps = odds.RoundBps(odds.Mean(bp))
			bin.MedianBps = odds.RoundBps(odds.Median(bp))
			bin.PctPositive = odds.RoundPct(float64(positive) / float64(len(group)))
			means = append(means, bin.MeanBps)
		}
		report.Bins = append(report.Bins, bin)
	}
	report.BinMeanSlope = slope(means)
	return report
}

// Gates builds the drop-attribution report.
func (s *Service) Gates(ctx context.Context, minN int) (*GatesReport, error) {
	rows, err := s.clvScoredRows(ctx, 0)
	if err != nil {
		return nil, err
	}
	return s.buildGates(rows, minN), nil
}

func (s *Service) buildGates(rows []Row, minN int) *GatesReport {
	report := &GatesReport{DropReasonCounts: map[string]int{}}
	var kept, dropped []float64
	for _, row := range rows {
		if row.Score == nil || row.Pick.MarketCLV == nil {
			continue
		}
		report.N++
		bps := *row.Pick.MarketCLV * 10000
		if row.Score.Decision == models.DecisionKeep {
			report.KeptN++
			kept = append(kept, bps)
			continue
		}
		report.DroppedN++
		dropped = append(dropped, bps)
		if row.Score.DropReason != nil {
			report.DropReasonCounts[*row.Score.DropReason]++
		}
	}

	if minN > 0 && report.N < minN {
		report.InsufficientN = true
		return report
	}
	report.KeptMeanClvBps = odds.RoundBps(odds.Mean(kept))
	report.DroppedMeanClvBps = odds.RoundBps(odds.Mean(dropped))
	return report
}

// Sports builds the per-(sport, market) report with the adaptive thresholds
// currently in effect attached.
func (s *Service) Sports(ctx context.Context, minN int) (*SportsReport, error) {
	rows, err := s.clvScoredRows(ctx, 0)
	if err != nil {
		return nil, err
	}
	return s.buildSports(ctx, rows, minN), nil
}

func (s *Service) buildSports(ctx context.Context, rows []Row, minN int) *SportsReport {
	type groupKey struct{ sport, market string }
	groups := map[groupKey][]Row{}
	for _, row := range rows {
		if row.Pick.MarketCLV == nil {
			continue
		}
		key := groupKey{sport: row.Pick.SportKey, market: row.Pick.MarketKey}
		groups[key] = append(groups[key], row)
	}

	keys := make([]groupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sport != keys[j].sport {
			return keys[i].sport < keys[j].sport
		}
		return keys[i].market < keys[j].market
	})

	report := &SportsReport{}
	for _, key := range keys {
		group := groups[key]
		sr := SportReport{SportKey: key.sport, MarketKey: key.market, N: len(group)}

		var bps, pqsVals []float64
		keep := 0
		positive := 0
		for _, row := range group {
			v := *row.Pick.MarketCLV * 10000
			bps = append(bps, v)
			if v > 0 {
				positive++
			}
			if row.Score != nil {
				pqsVals = append(pqsVals, row.Score.PQS)
				if row.Score.Decision == models.DecisionKeep {
					keep++
				}
			}
		}
		sr.KeepRate = odds.RoundPct(float64(keep) / float64(len(group)))
		sr.AvgPQS = odds.RoundPct(odds.Mean(pqsVals))
		sr.MeanBps = odds.RoundBps(odds.Mean(bps))
		sr.MedianBps = odds.RoundBps(odds.Median(bps))
		sr.PctPositive = odds.RoundPct(float64(positive) / float64(len(group)))

		var prior *models.ClvSportStat
		if stat, err := s.clvStats.Get(ctx, key.sport, key.market, s.settings.ClvPriorWindow); err == nil {
			prior = stat
		}
		sr.Thresholds = s.scorer.AdaptiveThresholds(key.sport, prior)

		report.Sports = append(report.Sports, sr)
		report.N += sr.N
	}
	report.InsufficientN = minN > 0 && report.N < minN
	return report
}

// Volume summarises recent pick runs against the per-run cap. Kept counts are
// read back from each run's stats payload.
func (s *Service) Volume(ctx context.Context, limit int) (*VolumeReport, error) {
	if limit <= 0 {
		limit = 200
	}
	runs, err := s.runs.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}

	report := &VolumeReport{RunMaxPicksTotal: s.settings.RunMaxPicksTotal}
	capHits := 0
	for _, run := range runs {
		if run.RunType != models.RunTypePicks && run.RunType != models.RunTypeCycle {
			continue
		}
		var stats map[string]any
		if err := json.Unmarshal([]byte(run.StatsJSON), &stats); err != nil {
			continue
		}
		kept, ok := stats["kept_total"].(float64)
		if !ok {
			continue
		}
		report.Runs++
		report.KeptTotal += int(kept)
		if int(kept) >= s.settings.RunMaxPicksTotal {
			capHits++
		}
	}
	if report.Runs > 0 {
		report.MeanKeptPerRun = odds.RoundPct(float64(report.KeptTotal) / float64(report.Runs))
		report.CapHitFraction = odds.RoundPct(float64(capHits) / float64(report.Runs))
	}
	return report, nil
}

// spearman ranks both vectors with a stable pick-id tie-break and returns the
// Pearson correlation of the ranks.
func spearman(xs, ys []float64, pickIDs []int64) float64 {
	if len(xs) < 2 {
		return 0
	}
	xr := ranks(xs, pickIDs)
	yr := ranks(ys, pickIDs)

	mx := odds.Mean(xr)
	my := odds.Mean(yr)
	var cov, vx, vy float64
	for i := range xr {
		dx := xr[i] - mx
		dy := yr[i] - my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	return cov / (math.Sqrt(vx) * math.Sqrt(vy))
}

func ranks(values []float64, pickIDs []int64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if values[idx[a]] != values[idx[b]] {
			return values[idx[a]] < values[idx[b]]
		}
		return pickIDs[idx[a]] < pickIDs[idx[b]]
	})
	out := make([]float64, len(values))
	for rank, i := range idx {
		out[i] = float64(rank + 1)
	}
	return out
}

// slope fits a least-squares line through (index, value) pairs.
func slope(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var xs []float64
	for i := range values {
		xs = append(xs, float64(i))
	}
	mx := odds.Mean(xs)
	my := odds.Mean(values)
	var cov, vx float64
	for i := range values {
		cov += (xs[i] - mx) * (values[i] - my)
		vx += (xs[i] - mx) * (xs[i] - mx)
	}
	if vx == 0 {
		return 0
	}
	return cov / vx
}
