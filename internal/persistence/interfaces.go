// Package persistence defines the repository contracts for the betting
// pipeline. Implementations live in subpackages (postgres); services depend
// only on these interfaces so tests can swap in fakes.
package persistence

import (
	"context"
	"time"

	"github.com/oddsrun/oddsrun/internal/models"
)

// PointSentinel stands in for a NULL point when a point participates in a
// grouping key or unique index. Real points never reach this magnitude.
const PointSentinel = -999999

// NormPoint maps a nullable point to its grouping value.
func NormPoint(p *float64) float64 {
	if p == nil {
		return PointSentinel
	}
	return *p
}

// GroupKey identifies one quote group within a game: the (market, bookmaker,
// point) triple whose content hash drives delta detection.
type GroupKey struct {
	MarketKey string
	Bookmaker string
	Point     float64
}

// GroupChange is one changed quote group to persist: the new hash plus the
// full set of side snapshots captured for it.
type GroupChange struct {
	GameID     int64
	Key        GroupKey
	Point      *float64
	Hash       string
	CapturedAt time.Time
	Snapshots  []models.OddsSnapshot
}

// CLVUpdate carries the one-shot closing numbers for a pick.
type CLVUpdate struct {
	PickID                 int64
	ClosingConsensusProb   float64
	ClosingBookDecimal     *float64
	ClosingBookImpliedProb *float64
	MarketCLV              float64
	BookCLV                *float64
	ComputedAt             time.Time
}

// PickWithGame joins a pick with the game columns the engines need.
type PickWithGame struct {
	models.Pick
	SportKey     string    `db:"sport_key" json:"sport_key"`
	EventID      string    `db:"event_id" json:"event_id"`
	CommenceTime time.Time `db:"commence_time" json:"commence_time"`
	HomeTeam     string    `db:"home_team" json:"home_team"`
	AwayTeam     string    `db:"away_team" json:"away_team"`
}

// PickFilter narrows pick listings.
type PickFilter struct {
	SportKey  string
	MarketKey string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// GamesRepo persists upstream events.
type GamesRepo interface {
	// Upsert inserts the game or refreshes its mutable columns, returning the
	// row id and whether a new row was created.
	Upsert(ctx context.Context, game *models.Game) (int64, bool, error)
	GetByID(ctx context.Context, id int64) (*models.Game, error)
	GetByEventID(ctx context.Context, eventID string) (*models.Game, error)
	ListUpcoming(ctx context.Context, sportKey string, limit int) ([]models.Game, error)
}

// OddsRepo persists quote groups and immutable snapshots.
type OddsRepo interface {
	// GroupHashes returns the last stored hash per group for one game+market.
	GroupHashes(ctx context.Context, gameID int64, marketKey string) (map[GroupKey]string, error)
	// ApplyChanges atomically upserts the group hashes and appends the
	// snapshot rows for one ingest run. All-or-nothing.
	ApplyChanges(ctx context.Context, changes []GroupChange) error
	// Snapshots returns every snapshot for one game+market ordered by
	// captured_at, then bookmaker, then side.
	Snapshots(ctx context.Context, gameID int64, marketKey string) ([]models.OddsSnapshot, error)
	// SnapshotsBefore is Snapshots restricted to captured_at < cutoff, for
	// closing-line selection.
	SnapshotsBefore(ctx context.Context, gameID int64, marketKey string, cutoff time.Time) ([]models.OddsSnapshot, error)
}

// PicksRepo persists recommendations and their closing-line results.
type PicksRepo interface {
	Insert(ctx context.Context, pick *models.Pick) (int64, error)
	GetByID(ctx context.Context, id int64) (*PickWithGame, error)
	// GetBySelection returns the pick covering this exact selection, or nil
	// when no pick exists for it. Identity is the full quintuple including
	// best book and capture time, so a moved line yields a new pick.
	GetBySelection(ctx context.Context, gameID int64, marketKey, side string, point *float64, bestBook string, capturedAtMax time.Time) (*models.Pick, error)
	List(ctx context.Context, f PickFilter) ([]PickWithGame, error)
	// ListPendingCLV returns picks whose game has commenced but whose CLV is
	// not yet computed, ordered by commence time then pick id.
	ListPendingCLV(ctx context.Context, now time.Time, limit int) ([]PickWithGame, error)
	// ListForCLVDate returns picks whose game commences inside [start, end),
	// optionally including picks already CLV-scored.
	ListForCLVDate(ctx context.Context, start, end time.Time, includeComputed bool) ([]PickWithGame, error)
	// UpdateCLVBatch writes closing numbers for many picks atomically. Picks
	// already scored are left untouched unless force is set.
	UpdateCLVBatch(ctx context.Context, updates []CLVUpdate, force bool) (int, error)
	CountClvComputed(ctx context.Context) (int, error)
	// ListClvScoredAll returns CLV-scored picks newest first, capped at limit
	// when limit > 0.
	ListClvScoredAll(ctx context.Context, limit int) ([]PickWithGame, error)
}

// PickScoresRepo persists scorer verdicts.
type PickScoresRepo interface {
	InsertBatch(ctx context.Context, scores []models.PickScore) error
	// UpdateDecision rewrites one score's decision, used by cap enforcement
	// within the same run.
	UpdateDecision(ctx context.Context, scoreID int64, decision string, dropReason *string) error
	LatestForPick(ctx context.Context, pickID int64, version string) (*models.PickScore, error)
	ListByPickIDs(ctx context.Context, pickIDs []int64, version string) (map[int64]models.PickScore, error)
	ListRecent(ctx context.Context, version string, limit int) ([]models.PickScore, error)
}

// ClvStatsRepo persists the windowed CLV priors.
type ClvStatsRepo interface {
	// ReplaceWindow swaps the whole window snapshot atomically: rows for the
	// given window size are deleted and the new rows inserted in one
	// transaction.
	ReplaceWindow(ctx context.Context, windowSize int, stats []models.ClvSportStat) error
	Get(ctx context.Context, sportKey, marketKey string, windowSize int) (*models.ClvSportStat, error)
	List(ctx context.Context, windowSize int) ([]models.ClvSportStat, error)
}

// PipelineRunsRepo is the append-only run log.
type PipelineRunsRepo interface {
	Insert(ctx context.Context, run *models.PipelineRun) (int64, error)
	ListRecent(ctx context.Context, limit int) ([]models.PipelineRun, error)
	// LatestByType returns the newest run row per run type.
	LatestByType(ctx context.Context) (map[string]models.PipelineRun, error)
}

// CalibrationRunsRepo records proposed and applied config patches.
type CalibrationRunsRepo interface {
	Insert(ctx context.Context, run *models.CalibrationRun) (int64, error)
	ListRecent(ctx context.Context, limit int) ([]models.CalibrationRun, error)
	MarkApplied(ctx context.Context, id int64, at time.Time) error
}
