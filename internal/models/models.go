// Package models holds the persisted entities and their enums.
package models

import (
	"time"
)

// Market keys supported by the pipeline.
const (
	MarketH2H     = "h2h"
	MarketSpreads = "spreads"
	MarketTotals  = "totals"
)

// Canonical side values.
const (
	SideHome  = "HOME"
	SideAway  = "AWAY"
	SideDraw  = "DRAW"
	SideOver  = "OVER"
	SideUnder = "UNDER"
)

// PickScore decisions.
const (
	DecisionKeep = "KEEP"
	DecisionWarn = "WARN"
	DecisionDrop = "DROP"
)

// CalibrationRun statuses.
const (
	CalibrationProposed = "PROPOSED"
	CalibrationApplied  = "APPLIED"
)

// Pipeline run types and statuses.
const (
	RunTypeIngest = "ingest"
	RunTypePicks  = "picks"
	RunTypeCLV    = "clv"
	RunTypeCycle  = "cycle"

	RunStatusOK    = "ok"
	RunStatusError = "error"
)

// ValidMarket reports whether key is one of the supported market keys.
func ValidMarket(key string) bool {
	switch key {
	case MarketH2H, MarketSpreads, MarketTotals:
		return true
	}
	return false
}

// Game is one upstream event. Team names and commence time are refreshed on
// every ingest; event_id is the upstream identity.
type Game struct {
	ID           int64     `db:"id" json:"id"`
	SportKey     string    `db:"sport_key" json:"sport_key"`
	EventID      string    `db:"event_id" json:"event_id"`
	CommenceTime time.Time `db:"commence_time" json:"commence_time"`
	HomeTeam     string    `db:"home_team" json:"home_team"`
	AwayTeam     string    `db:"away_team" json:"away_team"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// OddsGroup tracks the last content hash per (game, market, bookmaker, point)
// so unchanged quotes are skipped on ingest.
type OddsGroup struct {
	ID             int64     `db:"id" json:"id"`
	GameID         int64     `db:"game_id" json:"game_id"`
	MarketKey      string    `db:"market_key" json:"market_key"`
	Bookmaker      string    `db:"bookmaker" json:"bookmaker"`
	Point          *float64  `db:"point" json:"point"`
	LastHash       string    `db:"last_hash" json:"last_hash"`
	LastCapturedAt time.Time `db:"last_captured_at" json:"last_captured_at"`
}

// OddsSnapshot is one immutable quoted side at one capture instant.
type OddsSnapshot struct {
	ID          int64     `db:"id" json:"id"`
	GameID      int64     `db:"game_id" json:"game_id"`
	CapturedAt  time.Time `db:"captured_at" json:"captured_at"`
	MarketKey   string    `db:"market_key" json:"market_key"`
	Bookmaker   string    `db:"bookmaker" json:"bookmaker"`
	Side        string    `db:"side" json:"side"`
	Point       *float64  `db:"point" json:"point"`
	American    *int      `db:"american" json:"american"`
	Decimal     *float64  `db:"decimal" json:"decimal"`
	ImpliedProb float64   `db:"implied_prob" json:"implied_prob"`
	FairProb    float64   `db:"fair_prob" json:"fair_prob"`
	GroupHash   string    `db:"group_hash" json:"group_hash"`
}

// Pick is one positive-EV recommendation. CLV fields are written later, once,
// by the CLV engine; everything else is immutable after insert.
type Pick struct {
	ID                     int64      `db:"id" json:"id"`
	GameID                 int64      `db:"game_id" json:"game_id"`
	CreatedAt              time.Time  `db:"created_at" json:"created_at"`
	MarketKey              string     `db:"market_key" json:"market_key"`
	Side                   string     `db:"side" json:"side"`
	Point                  *float64   `db:"point" json:"point"`
	Source                 string     `db:"source" json:"source"`
	ConsensusProb          float64    `db:"consensus_prob" json:"consensus_prob"`
	BestDecimal            float64    `db:"best_decimal" json:"best_decimal"`
	BestBook               string     `db:"best_book" json:"best_book"`
	EV                     float64    `db:"ev" json:"ev"`
	KellyFraction          float64    `db:"kelly_fraction" json:"kelly_fraction"`
	Stake                  float64    `db:"stake" json:"stake"`
	ConsensusBooks         int        `db:"consensus_books" json:"consensus_books"`
	SharpBooks             int        `db:"sharp_books" json:"sharp_books"`
	CapturedAtMin          time.Time  `db:"captured_at_min" json:"captured_at_min"`
	CapturedAtMax          time.Time  `db:"captured_at_max" json:"captured_at_max"`
	ClosingConsensusProb   *float64   `db:"closing_consensus_prob" json:"closing_consensus_prob"`
	ClosingBookDecimal     *float64   `db:"closing_book_decimal" json:"closing_book_decimal"`
	ClosingBookImpliedProb *float64   `db:"closing_book_implied_prob" json:"closing_book_implied_prob"`
	MarketCLV              *float64   `db:"market_clv" json:"market_clv"`
	BookCLV                *float64   `db:"book_clv" json:"book_clv"`
	ClvComputedAt          *time.Time `db:"clv_computed_at" json:"clv_computed_at"`
}

// PickScore is the PQS verdict for one pick under one scorer version.
type PickScore struct {
	ID             int64     `db:"id" json:"id"`
	PickID         int64     `db:"pick_id" json:"pick_id"`
	ScoredAt       time.Time `db:"scored_at" json:"scored_at"`
	Version        string    `db:"version" json:"version"`
	PQS            float64   `db:"pqs" json:"pqs"`
	ComponentsJSON string    `db:"components_json" json:"-"`
	FeaturesJSON   string    `db:"features_json" json:"-"`
	Decision       string    `db:"decision" json:"decision"`
	DropReason     *string   `db:"drop_reason" json:"drop_reason"`
}

// ClvSportStat is the windowed CLV summary for one (sport, market) pair.
type ClvSportStat struct {
	ID                   int64     `db:"id" json:"id"`
	SportKey             string    `db:"sport_key" json:"sport_key"`
	MarketKey            string    `db:"market_key" json:"market_key"`
	SideType             *string   `db:"side_type" json:"side_type"`
	WindowSize           int       `db:"window_size" json:"window_size"`
	AsOf                 time.Time `db:"as_of" json:"as_of"`
	N                    int       `db:"n" json:"n"`
	MeanMarketClvBps     float64   `db:"mean_market_clv_bps" json:"mean_market_clv_bps"`
	MedianMarketClvBps   float64   `db:"median_market_clv_bps" json:"median_market_clv_bps"`
	PctPositiveMarketClv float64   `db:"pct_positive_market_clv" json:"pct_positive_market_clv"`
	MeanSameBookClvBps   *float64  `db:"mean_same_book_clv_bps" json:"mean_same_book_clv_bps"`
	SharpeLike           *float64  `db:"sharpe_like" json:"sharpe_like"`
	IsWeak               int       `db:"is_weak" json:"is_weak"`
	LastUpdatedAt        time.Time `db:"last_updated_at" json:"last_updated_at"`
}

// PipelineRun is the append-only log row for one run attempt.
type PipelineRun struct {
	ID        int64     `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	RunType   string    `db:"run_type" json:"run_type"`
	Status    string    `db:"status" json:"status"`
	Sports    string    `db:"sports" json:"sports"`
	Markets   string    `db:"markets" json:"markets"`
	StatsJSON string    `db:"stats_json" json:"stats_json"`
	Error     *string   `db:"error" json:"error"`
}

// CalibrationRun records one proposed (and possibly applied) config patch.
type CalibrationRun struct {
	ID                  int64      `db:"id" json:"id"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	EvalWindowStart     time.Time  `db:"eval_window_start" json:"eval_window_start"`
	EvalWindowEnd       time.Time  `db:"eval_window_end" json:"eval_window_end"`
	PQSVersion          string     `db:"pqs_version" json:"pqs_version"`
	CurrentSnapshotJSON string     `db:"current_config_snapshot_json" json:"current_config_snapshot_json"`
	ProposedPatchJSON   string     `db:"proposed_config_patch_json" json:"proposed_config_patch_json"`
	RationaleJSON       string     `db:"rationale_json" json:"rationale_json"`
	Status              string     `db:"status" json:"status"`
	AppliedAt           *time.Time `db:"applied_at" json:"applied_at"`
}
