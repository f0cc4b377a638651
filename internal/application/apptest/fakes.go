// Package apptest provides in-memory repository fakes for service tests.
package apptest

import (
	"context"
	"sort"
	"time"

	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// FakeGamesRepo is an in-memory GamesRepo.
type FakeGamesRepo struct {
	NextID int64
	Games  map[string]*models.Game
}

// NewFakeGamesRepo returns an empty games repo.
func NewFakeGamesRepo() *FakeGamesRepo {
	return &FakeGamesRepo{Games: map[string]*models.Game{}}
}

// Add stores a game and assigns it an id.
func (f *FakeGamesRepo) Add(game models.Game) *models.Game {
	f.NextID++
	game.ID = f.NextID
	f.Games[game.EventID] = &game
	return &game
}

func (f *FakeGamesRepo) Upsert(_ context.Context, game *models.Game) (int64, bool, error) {
	if existing, ok := f.Games[game.EventID]; ok {
		existing.CommenceTime = game.CommenceTime
		existing.HomeTeam = game.HomeTeam
		existing.AwayTeam = game.AwayTeam
		game.ID = existing.ID
		return existing.ID, false, nil
	}
	f.Add(*game)
	game.ID = f.Games[game.EventID].ID
	return game.ID, true, nil
}

func (f *FakeGamesRepo) GetByID(_ context.Context, id int64) (*models.Game, error) {
	for _, g := range f.Games {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, errs.Newf(errs.KindNotFound, "game %d not found", id)
}

func (f *FakeGamesRepo) GetByEventID(_ context.Context, eventID string) (*models.Game, error) {
	if g, ok := f.Games[eventID]; ok {
		return g, nil
	}
	return nil, errs.Newf(errs.KindNotFound, "game %s not found", eventID)
}

func (f *FakeGamesRepo) ListUpcoming(_ context.Context, sportKey string, limit int) ([]models.Game, error) {
	var out []models.Game
	for _, g := range f.Games {
		if g.SportKey == sportKey {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CommenceTime.Equal(out[j].CommenceTime) {
			return out[i].CommenceTime.Before(out[j].CommenceTime)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FakeOddsRepo is an in-memory OddsRepo.
type FakeOddsRepo struct {
	Hashes    map[int64]map[persistence.GroupKey]string
	Snaps     []models.OddsSnapshot
	ApplyErrs []error
}

// NewFakeOddsRepo returns an empty odds repo.
func NewFakeOddsRepo() *FakeOddsRepo {
	return &FakeOddsRepo{Hashes: map[int64]map[persistence.GroupKey]string{}}
}

func (f *FakeOddsRepo) GroupHashes(_ context.Context, gameID int64, marketKey string) (map[persistence.GroupKey]string, error) {
	out := map[persistence.GroupKey]string{}
	for key, hash := range f.Hashes[gameID] {
		if key.MarketKey == marketKey {
			out[key] = hash
		}
	}
	return out, nil
}

func (f *FakeOddsRepo) ApplyChanges(_ context.Context, changes []persistence.GroupChange) error {
	for _, change := range changes {
		if f.Hashes[change.GameID] == nil {
			f.Hashes[change.GameID] = map[persistence.GroupKey]string{}
		}
		f.Hashes[change.GameID][change.Key] = change.Hash
		f.Snaps = append(f.Snaps, change.Snapshots...)
	}
	return nil
}

func (f *FakeOddsRepo) Snapshots(_ context.Context, gameID int64, marketKey string) ([]models.OddsSnapshot, error) {
	var out []models.OddsSnapshot
	for _, s := range f.Snaps {
		if s.GameID == gameID && s.MarketKey == marketKey {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FakeOddsRepo) SnapshotsBefore(_ context.Context, gameID int64, marketKey string, cutoff time.Time) ([]models.OddsSnapshot, error) {
	var out []models.OddsSnapshot
	for _, s := range f.Snaps {
		if s.GameID == gameID && s.MarketKey == marketKey && s.CapturedAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

// FakePicksRepo is an in-memory PicksRepo. Games must be registered so the
// joined listings can resolve sport and commence time.
type FakePicksRepo struct {
	NextID int64
	Picks  map[int64]*models.Pick
	Game   map[int64]models.Game
}

// NewFakePicksRepo returns an empty picks repo.
func NewFakePicksRepo() *FakePicksRepo {
	return &FakePicksRepo{Picks: map[int64]*models.Pick{}, Game: map[int64]models.Game{}}
}

// RegisterGame makes a game visible to joined listings.
func (f *FakePicksRepo) RegisterGame(game models.Game) {
	f.Game[game.ID] = game
}

func (f *FakePicksRepo) join(p models.Pick) persistence.PickWithGame {
	g := f.Game[p.GameID]
	return persistence.PickWithGame{
		Pick:         p,
		SportKey:     g.SportKey,
		EventID:      g.EventID,
		CommenceTime: g.CommenceTime,
		HomeTeam:     g.HomeTeam,
		AwayTeam:     g.AwayTeam,
	}
}

func (f *FakePicksRepo) Insert(_ context.Context, pick *models.Pick) (int64, error) {
	for _, p := range f.Picks {
		if p.GameID == pick.GameID && p.MarketKey == pick.MarketKey && p.Side == pick.Side &&
			persistence.NormPoint(p.Point) == persistence.NormPoint(pick.Point) &&
			p.BestBook == pick.BestBook && p.CapturedAtMax.Equal(pick.CapturedAtMax) {
			return 0, errs.New(errs.KindConflict, "pick already exists for selection")
		}
	}
	f.NextID++
	pick.ID = f.NextID
	if pick.CreatedAt.IsZero() {
		pick.CreatedAt = time.Now().UTC()
	}
	cp := *pick
	f.Picks[pick.ID] = &cp
	return pick.ID, nil
}

func (f *FakePicksRepo) GetByID(_ context.Context, id int64) (*persistence.PickWithGame, error) {
	p, ok := f.Picks[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "pick %d not found", id)
	}
	joined := f.join(*p)
	return &joined, nil
}

func (f *FakePicksRepo) GetBySelection(_ context.Context, gameID int64, marketKey, side string, point *float64, bestBook string, capturedAtMax time.Time) (*models.Pick, error) {
	for _, p := range f.Picks {
		if p.GameID == gameID && p.MarketKey == marketKey && p.Side == side &&
			persistence.NormPoint(p.Point) == persistence.NormPoint(point) &&
			p.BestBook == bestBook && p.CapturedAtMax.Equal(capturedAtMax) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *FakePicksRepo) List(_ context.Context, filter persistence.PickFilter) ([]persistence.PickWithGame, error) {
	var out []persistence.PickWithGame
	for _, p := range f.Picks {
		joined := f.join(*p)
		if filter.SportKey != "" && joined.SportKey != filter.SportKey {
			continue
		}
		if filter.MarketKey != "" && p.MarketKey != filter.MarketKey {
			continue
		}
		if !filter.Since.IsZero() && p.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && p.CreatedAt.After(filter.Until) {
			continue
		}
		out = append(out, joined)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *FakePicksRepo) ListPendingCLV(_ context.Context, now time.Time, limit int) ([]persistence.PickWithGame, error) {
	var out []persistence.PickWithGame
	for _, p := range f.Picks {
		joined := f.join(*p)
		if p.ClvComputedAt == nil && !joined.CommenceTime.After(now) {
			out = append(out, joined)
		}
	}
	sortByCommence(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakePicksRepo) ListForCLVDate(_ context.Context, start, end time.Time, includeComputed bool) ([]persistence.PickWithGame, error) {
	var out []persistence.PickWithGame
	for _, p := range f.Picks {
		joined := f.join(*p)
		if joined.CommenceTime.Before(start) || !joined.CommenceTime.Before(end) {
			continue
		}
		if !includeComputed && p.ClvComputedAt != nil {
			continue
		}
		out = append(out, joined)
	}
	sortByCommence(out)
	return out, nil
}

func (f *FakePicksRepo) UpdateCLVBatch(_ context.Context, updates []persistence.CLVUpdate, force bool) (int, error) {
	updated := 0
	for _, u := range updates {
		p, ok := f.Picks[u.PickID]
		if !ok {
			continue
		}
		if p.ClvComputedAt != nil && !force {
			continue
		}
		closing := u.ClosingConsensusProb
		marketCLV := u.MarketCLV
		at := u.ComputedAt
		p.ClosingConsensusProb = &closing
		p.ClosingBookDecimal = u.ClosingBookDecimal
		p.ClosingBookImpliedProb = u.ClosingBookImpliedProb
		p.MarketCLV = &marketCLV
		p.BookCLV = u.BookCLV
		p.ClvComputedAt = &at
		updated++
	}
	return updated, nil
}

func (f *FakePicksRepo) CountClvComputed(context.Context) (int, error) {
	count := 0
	for _, p := range f.Picks {
		if p.ClvComputedAt != nil {
			count++
		}
	}
	return count, nil
}

func (f *FakePicksRepo) ListClvScoredAll(_ context.Context, limit int) ([]persistence.PickWithGame, error) {
	var out []persistence.PickWithGame
	for _, p := range f.Picks {
		if p.ClvComputedAt != nil {
			out = append(out, f.join(*p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClvComputedAt.Equal(*out[j].ClvComputedAt) {
			return out[i].ClvComputedAt.After(*out[j].ClvComputedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByCommence(picks []persistence.PickWithGame) {
	sort.Slice(picks, func(i, j int) bool {
		if !picks[i].CommenceTime.Equal(picks[j].CommenceTime) {
			return picks[i].CommenceTime.Before(picks[j].CommenceTime)
		}
		return picks[i].ID < picks[j].ID
	})
}

// FakePickScoresRepo is an in-memory PickScoresRepo.
type FakePickScoresRepo struct {
	NextID int64
	Scores map[int64]*models.PickScore
}

// NewFakePickScoresRepo returns an empty scores repo.
func NewFakePickScoresRepo() *FakePickScoresRepo {
	return &FakePickScoresRepo{Scores: map[int64]*models.PickScore{}}
}

func (f *FakePickScoresRepo) InsertBatch(_ context.Context, scores []models.PickScore) error {
	for _, score := range scores {
		f.NextID++
		score.ID = f.NextID
		cp := score
		f.Scores[score.ID] = &cp
	}
	return nil
}

func (f *FakePickScoresRepo) UpdateDecision(_ context.Context, scoreID int64, decision string, dropReason *string) error {
	score, ok := f.Scores[scoreID]
	if !ok {
		return errs.Newf(errs.KindNotFound, "pick score %d not found", scoreID)
	}
	score.Decision = decision
	score.DropReason = dropReason
	return nil
}

func (f *FakePickScoresRepo) LatestForPick(_ context.Context, pickID int64, version string) (*models.PickScore, error) {
	var latest *models.PickScore
	for _, score := range f.Scores {
		if score.PickID != pickID || score.Version != version {
			continue
		}
		if latest == nil || score.ScoredAt.After(latest.ScoredAt) ||
			(score.ScoredAt.Equal(latest.ScoredAt) && score.ID > latest.ID) {
			latest = score
		}
	}
	if latest == nil {
		return nil, errs.Newf(errs.KindNotFound, "no %s score for pick %d", version, pickID)
	}
	cp := *latest
	return &cp, nil
}

func (f *FakePickScoresRepo) ListByPickIDs(ctx context.Context, pickIDs []int64, version string) (map[int64]models.PickScore, error) {
	out := map[int64]models.PickScore{}
	for _, id := range pickIDs {
		if score, err := f.LatestForPick(ctx, id, version); err == nil {
			out[id] = *score
		}
	}
	return out, nil
}

func (f *FakePickScoresRepo) ListRecent(_ context.Context, version string, limit int) ([]models.PickScore, error) {
	var out []models.PickScore
	for _, score := range f.Scores {
		if score.Version == version {
			out = append(out, *score)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScoredAt.Equal(out[j].ScoredAt) {
			return out[i].ScoredAt.After(out[j].ScoredAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FakeClvStatsRepo is an in-memory ClvStatsRepo.
type FakeClvStatsRepo struct {
	Stats []models.ClvSportStat
}

// NewFakeClvStatsRepo returns an empty stats repo.
func NewFakeClvStatsRepo() *FakeClvStatsRepo {
	return &FakeClvStatsRepo{}
}

func (f *FakeClvStatsRepo) ReplaceWindow(_ context.Context, windowSize int, stats []models.ClvSportStat) error {
	var kept []models.ClvSportStat
	for _, s := range f.Stats {
		if s.WindowSize != windowSize {
			kept = append(kept, s)
		}
	}
	for i := range stats {
		stats[i].WindowSize = windowSize
	}
	f.Stats = append(kept, stats...)
	return nil
}

func (f *FakeClvStatsRepo) Get(_ context.Context, sportKey, marketKey string, windowSize int) (*models.ClvSportStat, error) {
	for i := len(f.Stats) - 1; i >= 0; i-- {
		s := f.Stats[i]
		if s.SportKey == sportKey && s.MarketKey == marketKey && s.WindowSize == windowSize {
			return &s, nil
		}
	}
	return nil, errs.Newf(errs.KindNotFound, "no clv stats for %s/%s", sportKey, marketKey)
}

func (f *FakeClvStatsRepo) List(_ context.Context, windowSize int) ([]models.ClvSportStat, error) {
	var out []models.ClvSportStat
	for _, s := range f.Stats {
		if s.WindowSize == windowSize {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SportKey != out[j].SportKey {
			return out[i].SportKey < out[j].SportKey
		}
		return out[i].MarketKey < out[j].MarketKey
	})
	return out, nil
}

// FakePipelineRunsRepo is an in-memory PipelineRunsRepo.
type FakePipelineRunsRepo struct {
	NextID int64
	Runs   []models.PipelineRun
}

// NewFakePipelineRunsRepo returns an empty runs repo.
func NewFakePipelineRunsRepo() *FakePipelineRunsRepo {
	return &FakePipelineRunsRepo{}
}

func (f *FakePipelineRunsRepo) Insert(_ context.Context, run *models.PipelineRun) (int64, error) {
	f.NextID++
	run.ID = f.NextID
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	f.Runs = append(f.Runs, *run)
	return run.ID, nil
}

func (f *FakePipelineRunsRepo) ListRecent(_ context.Context, limit int) ([]models.PipelineRun, error) {
	out := make([]models.PipelineRun, len(f.Runs))
	copy(out, f.Runs)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakePipelineRunsRepo) LatestByType(_ context.Context) (map[string]models.PipelineRun, error) {
	out := map[string]models.PipelineRun{}
	for _, run := range f.Runs {
		if existing, ok := out[run.RunType]; !ok || run.ID > existing.ID {
			out[run.RunType] = run
		}
	}
	return out, nil
}

// FakeCalibrationRunsRepo is an in-memory CalibrationRunsRepo.
type FakeCalibrationRunsRepo struct {
	NextID int64
	Runs   map[int64]*models.CalibrationRun
}

// NewFakeCalibrationRunsRepo returns an empty calibration repo.
func NewFakeCalibrationRunsRepo() *FakeCalibrationRunsRepo {
	return &FakeCalibrationRunsRepo{Runs: map[int64]*models.CalibrationRun{}}
}

func (f *FakeCalibrationRunsRepo) Insert(_ context.Context, run *models.CalibrationRun) (int64, error) {
	f.NextID++
	run.ID = f.NextID
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	cp := *run
	f.Runs[run.ID] = &cp
	return run.ID, nil
}

func (f *FakeCalibrationRunsRepo) ListRecent(_ context.Context, limit int) ([]models.CalibrationRun, error) {
	var out []models.CalibrationRun
	for _, run := range f.Runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeCalibrationRunsRepo) MarkApplied(_ context.Context, id int64, at time.Time) error {
	run, ok := f.Runs[id]
	if !ok {
		return errs.Newf(errs.KindNotFound, "calibration run %d not found", id)
	}
	run.Status = models.CalibrationApplied
	run.AppliedAt = &at
	return nil
}
