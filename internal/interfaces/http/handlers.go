package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/oddsrun/oddsrun/internal/application/consensus"
	"github.com/oddsrun/oddsrun/internal/application/evals"
	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"environment": s.deps.Settings.AppEnv,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeError(w, errs.Newf(errs.KindNotFound, "no route for %s %s", r.Method, r.URL.Path))
}

func (s *Server) handleOddsIngest(w http.ResponseWriter, r *http.Request) {
	sportKey := r.URL.Query().Get("sport_key")
	if sportKey == "" {
		s.writeError(w, errs.New(errs.KindInvalidArgument, "sport_key is required"))
		return
	}
	summary, err := s.deps.Ingest.Run(r.Context(), sportKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// oddsGroupView is one bookmaker's latest complete quote group.
type oddsGroupView struct {
	MarketKey  string                `json:"market_key"`
	Bookmaker  string                `json:"bookmaker"`
	Point      *float64              `json:"point"`
	CapturedAt time.Time             `json:"captured_at"`
	Sides      []models.OddsSnapshot `json:"sides"`
}

type oddsEventView struct {
	EventID      string          `json:"event_id"`
	SportKey     string          `json:"sport_key"`
	CommenceTime time.Time       `json:"commence_time"`
	HomeTeam     string          `json:"home_team"`
	AwayTeam     string          `json:"away_team"`
	Groups       []oddsGroupView `json:"groups"`
}

func (s *Server) handleOddsLatest(w http.ResponseWriter, r *http.Request) {
	sportKey := r.URL.Query().Get("sport_key")
	marketKey := r.URL.Query().Get("market_key")
	if sportKey == "" {
		s.writeError(w, errs.New(errs.KindInvalidArgument, "sport_key is required"))
		return
	}
	if marketKey == "" {
		marketKey = models.MarketH2H
	}
	if !models.ValidMarket(marketKey) {
		s.writeError(w, errs.Newf(errs.KindInvalidArgument, "unsupported market %q", marketKey))
		return
	}

	cacheKey := fmt.Sprintf("odds:latest:%s:%s", sportKey, marketKey)
	var cached []oddsEventView
	if s.deps.Cache.GetJSON(r.Context(), cacheKey, &cached) {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	games, err := s.deps.Repo.Games.ListUpcoming(r.Context(), sportKey, 200)
	if err != nil {
		s.writeError(w, err)
		return
	}

	required := consensus.RequiredSides(sportKey, marketKey)
	events := make([]oddsEventView, 0, len(games))
	for _, game := range games {
		views, err := s.deps.Consensus.ViewsForGame(r.Context(), game, marketKey, required)
		if err != nil {
			s.writeError(w, err)
			return
		}
		event := oddsEventView{
			EventID:      game.EventID,
			SportKey:     game.SportKey,
			CommenceTime: game.CommenceTime,
			HomeTeam:     game.HomeTeam,
			AwayTeam:     game.AwayTeam,
		}
		for _, view := range views {
			for _, book := range view.Books {
				group := oddsGroupView{
					MarketKey:  marketKey,
					Bookmaker:  book.Bookmaker,
					Point:      view.Point,
					CapturedAt: book.CapturedAt,
				}
				for _, side := range required {
					if snap, ok := book.Sides[side]; ok {
						group.Sides = append(group.Sides, snap)
					}
				}
				event.Groups = append(event.Groups, group)
			}
		}
		events = append(events, event)
	}

	s.deps.Cache.SetJSON(r.Context(), cacheKey, events)
	s.writeJSON(w, http.StatusOK, events)
}

// consensusResultView flattens a consensus result for transport.
type consensusResultView struct {
	EventID        string             `json:"event_id"`
	SportKey       string             `json:"sport_key"`
	MarketKey      string             `json:"market_key"`
	Point          *float64           `json:"point"`
	CommenceTime   time.Time          `json:"commence_time"`
	HomeTeam       string             `json:"home_team"`
	AwayTeam       string             `json:"away_team"`
	ConsensusProbs map[string]float64 `json:"consensus_probs,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	BestDecimal    map[string]float64 `json:"best_decimal"`
	BestBook       map[string]string  `json:"best_book"`
	IncludedBooks  int                `json:"included_books"`
	SharpBooks     int                `json:"sharp_books"`
}

func (s *Server) handleConsensusLatest(w http.ResponseWriter, r *http.Request) {
	sportKey := r.URL.Query().Get("sport_key")
	marketKey := r.URL.Query().Get("market_key")
	if sportKey == "" {
		s.writeError(w, errs.New(errs.KindInvalidArgument, "sport_key is required"))
		return
	}
	if marketKey == "" {
		marketKey = models.MarketH2H
	}

	cacheKey := fmt.Sprintf("consensus:latest:%s:%s", sportKey, marketKey)
	var cached []consensusResultView
	if s.deps.Cache.GetJSON(r.Context(), cacheKey, &cached) {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	results, err := s.deps.Consensus.Latest(r.Context(), sportKey, marketKey)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]consensusResultView, 0, len(results))
	for _, res := range results {
		out = append(out, consensusResultView{
			EventID:        res.View.EventID,
			SportKey:       res.View.SportKey,
			MarketKey:      res.View.MarketKey,
			Point:          res.View.Point,
			CommenceTime:   res.View.CommenceTime,
			HomeTeam:       res.View.HomeTeam,
			AwayTeam:       res.View.AwayTeam,
			ConsensusProbs: res.ConsensusProbs,
			Reason:         res.Reason,
			BestDecimal:    res.BestDecimal,
			BestBook:       res.BestBook,
			IncludedBooks:  res.IncludedBooks,
			SharpBooks:     res.SharpBooks,
		})
	}

	s.deps.Cache.SetJSON(r.Context(), cacheKey, out)
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePicksGenerate(w http.ResponseWriter, r *http.Request) {
	sportKey := r.URL.Query().Get("sport_key")
	marketKey := r.URL.Query().Get("market_key")
	if sportKey == "" {
		s.writeError(w, errs.New(errs.KindInvalidArgument, "sport_key is required"))
		return
	}
	if marketKey == "" {
		marketKey = models.MarketH2H
	}

	warning, err := s.deps.Gate.Check(r.Context(), marketKey)
	if err != nil {
		s.writeError(w, err)
		return
	}

	summary, err := s.deps.Picks.Generate(r.Context(), sportKey, marketKey)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if warning != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"summary": summary,
			"warning": warning,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// pickView is one user-visible pick.
type pickView struct {
	persistence.PickWithGame
	PQS      *float64 `json:"pqs,omitempty"`
	Decision string   `json:"decision,omitempty"`
}

func (s *Server) listScoredPicks(r *http.Request, decisions map[string]bool) ([]pickView, error) {
	filter := persistence.PickFilter{
		SportKey:  r.URL.Query().Get("sport_key"),
		MarketKey: r.URL.Query().Get("market_key"),
	}
	if day, ok, err := queryDay(r, "date"); err != nil {
		return nil, err
	} else if ok {
		filter.Since = day
		filter.Until = day.Add(24 * time.Hour)
	}

	limit := queryInt(r, "limit", 50)
	rows, err := s.deps.Repo.Picks.List(r.Context(), filter)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	scores, err := s.deps.Repo.PickScores.ListByPickIDs(r.Context(), ids, s.deps.Settings.PQSVersion)
	if err != nil {
		return nil, err
	}

	out := make([]pickView, 0, len(rows))
	for _, row := range rows {
		score, ok := scores[row.ID]
		if !ok || !decisions[score.Decision] {
			continue
		}
		pqsValue := score.PQS
		out = append(out, pickView{PickWithGame: row, PQS: &pqsValue, Decision: score.Decision})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Server) handlePicksLatest(w http.ResponseWriter, r *http.Request) {
	picks, err := s.listScoredPicks(r, map[string]bool{
		models.DecisionKeep: true,
		models.DecisionWarn: true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, picks)
}

// recommendedView adds the score breakdown and a human explanation.
type recommendedView struct {
	pickView
	Components map[string]float64 `json:"components,omitempty"`
	Features   map[string]float64 `json:"features,omitempty"`
	Why        string             `json:"why"`
}

func (s *Server) handlePicksRecommended(w http.ResponseWriter, r *http.Request) {
	picks, err := s.listScoredPicks(r, map[string]bool{models.DecisionKeep: true})
	if err != nil {
		s.writeError(w, err)
		return
	}

	ids := make([]int64, 0, len(picks))
	for _, p := range picks {
		ids = append(ids, p.ID)
	}
	scores, err := s.deps.Repo.PickScores.ListByPickIDs(r.Context(), ids, s.deps.Settings.PQSVersion)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]recommendedView, 0, len(picks))
	for _, p := range picks {
		rec := recommendedView{pickView: p}
		if score, ok := scores[p.ID]; ok {
			_ = json.Unmarshal([]byte(score.ComponentsJSON), &rec.Components)
			_ = json.Unmarshal([]byte(score.FeaturesJSON), &rec.Features)
		}
		rec.Why = explainPick(p)
		out = append(out, rec)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func explainPick(p pickView) string {
	pqsValue := 0.0
	if p.PQS != nil {
		pqsValue = *p.PQS
	}
	return fmt.Sprintf("%s %s at %.2f (%s): consensus %.1f%%, edge %.1f%% over %d books (%d sharp), PQS %.3f",
		p.Side, p.MarketKey, p.BestDecimal, p.BestBook,
		p.ConsensusProb*100, p.EV*100, p.ConsensusBooks, p.SharpBooks, pqsValue)
}

func (s *Server) handleCLVCompute(w http.ResponseWriter, r *http.Request) {
	day, ok, err := queryDay(r, "date_utc")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, errs.New(errs.KindInvalidArgument, "date_utc is required"))
		return
	}
	summary, err := s.deps.CLV.ComputeForDate(r.Context(), day, queryBool(r, "force"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCLVLatest(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.CLV.Latest(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCLVSportStats(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Repo.ClvStats.List(r.Context(), s.deps.Settings.ClvPriorWindow)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if limit := queryInt(r, "limit", 0); limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCLVHealth(w http.ResponseWriter, r *http.Request) {
	window, err := s.deps.CLV.Health(r.Context(), queryInt(r, "days", 7))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, window)
}

func (s *Server) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	runType := r.URL.Query().Get("run_type")
	if runType == "" {
		runType = models.RunTypeCycle
	}

	// Manual triggers share the scheduler's run lock and wait their turn.
	if err := s.deps.Runner.Acquire(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	defer s.deps.Runner.Release()

	result, err := s.deps.Runner.Run(r.Context(), runType, queryBool(r, "force"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePipelineRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Runner.Recent(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handlePipelineHealth(w http.ResponseWriter, r *http.Request) {
	latest, err := s.deps.Runner.LatestByType(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload := map[string]any{"latest_runs": latest}
	if s.deps.Health != nil {
		payload["database"] = s.deps.Health.Health(r.Context())
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePQSLatest(w http.ResponseWriter, r *http.Request) {
	version := r.URL.Query().Get("version")
	if version == "" {
		version = s.deps.Settings.PQSVersion
	}
	limit := queryInt(r, "limit", 50)
	minPQS := queryFloat(r, "min_pqs", 0)
	decision := r.URL.Query().Get("decision")
	sportKey := r.URL.Query().Get("sport_key")

	scores, err := s.deps.Repo.PickScores.ListRecent(r.Context(), version, limit*4)
	if err != nil {
		s.writeError(w, err)
		return
	}

	type scoreView struct {
		models.PickScore
		SportKey string `json:"sport_key,omitempty"`
		EventID  string `json:"event_id,omitempty"`
	}
	out := make([]scoreView, 0, limit)
	for _, score := range scores {
		if score.PQS < minPQS {
			continue
		}
		if decision != "" && score.Decision != decision {
			continue
		}
		view := scoreView{PickScore: score}
		if pick, err := s.deps.Repo.Picks.GetByID(r.Context(), score.PickID); err == nil {
			if sportKey != "" && pick.SportKey != sportKey {
				continue
			}
			view.SportKey = pick.SportKey
			view.EventID = pick.EventID
		} else if sportKey != "" {
			continue
		}
		out = append(out, view)
		if len(out) >= limit {
			break
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePQSScore(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Priors.Recompute(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) evalFilter(r *http.Request) (evals.DatasetFilter, error) {
	filter := evals.DatasetFilter{
		SportKey:  r.URL.Query().Get("sport_key"),
		MarketKey: r.URL.Query().Get("market_key"),
		MinN:      queryInt(r, "min_n", 0),
		Limit:     queryInt(r, "limit", 500),
		Offset:    queryInt(r, "offset", 0),
	}
	if decision := r.URL.Query().Get("decision"); decision != "" {
		filter.Decisions = []string{decision}
	}
	if day, ok, err := queryDay(r, "start"); err != nil {
		return filter, err
	} else if ok {
		filter.Since = day
	}
	if day, ok, err := queryDay(r, "end"); err != nil {
		return filter, err
	} else if ok {
		filter.Until = day.Add(24 * time.Hour)
	}
	return filter, nil
}

func (s *Server) handleEvalDataset(w http.ResponseWriter, r *http.Request) {
	filter, err := s.evalFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ds, err := s.deps.Evals.Dataset(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleEvalDatasetCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := s.evalFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.deps.Evals.DatasetCSV(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		s.log.Error().Err(err).Msg("failed to write csv response")
	}
}

func (s *Server) handleEvalPQSCLV(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Evals.PQSCLV(r.Context(), queryInt(r, "min_n", 30))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEvalGates(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Evals.Gates(r.Context(), queryInt(r, "min_n", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEvalSports(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Evals.Sports(r.Context(), queryInt(r, "min_n", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEvalVolume(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Evals.Volume(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCalibrationPropose(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.deps.Evals.ProposeCalibration(r.Context(), queryInt(r, "target_n", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleCalibrationApply(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["run_id"]
	runID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeError(w, errs.Newf(errs.KindInvalidArgument, "invalid run_id %q", raw))
		return
	}
	if err := s.deps.Evals.ApplyCalibration(r.Context(), runID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": models.CalibrationApplied})
}

func (s *Server) handleCalibrationRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Evals.ListCalibrations(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Gate.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Quota.Snapshot())
}
