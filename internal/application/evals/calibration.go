package evals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
)

// Proposal is one bounded calibration patch.
type Proposal struct {
	RunID     int64              `json:"run_id"`
	Patch     map[string]float64 `json:"patch"`
	Rationale []string           `json:"rationale"`
	PQSCLV    *PQSCLVReport      `json:"pqs_clv"`
	Gates     *GatesReport       `json:"gates"`
	Sports    *SportsReport      `json:"sports"`
	Volume    *VolumeReport      `json:"volume"`
}

// ProposeCalibration evaluates the latest targetN CLV-scored picks and
// persists a bounded config patch as a PROPOSED calibration run. Applying it
// never mutates live config; an operator rolls the patch into the environment.
func (s *Service) ProposeCalibration(ctx context.Context, targetN int) (*Proposal, error) {
	if targetN <= 0 {
		targetN = s.settings.ClvPriorWindow
	}

	rows, err := s.clvScoredRows(ctx, targetN)
	if err != nil {
		return nil, err
	}

	proposal := &Proposal{
		Patch:     map[string]float64{},
		Rationale: []string{},
		PQSCLV:    s.buildPQSCLV(rows, 0),
		Gates:     s.buildGates(rows, 0),
		Sports:    s.buildSports(ctx, rows, 0),
	}
	volume, err := s.Volume(ctx, 0)
	if err != nil {
		return nil, err
	}
	proposal.Volume = volume

	s.applyRules(proposal)

	run, err := s.persistProposal(ctx, rows, proposal)
	if err != nil {
		return nil, err
	}
	proposal.RunID = run.ID

	s.log.Info().
		Int64("run_id", run.ID).
		Int("patch_keys", len(proposal.Patch)).
		Msg("calibration proposed")
	return proposal, nil
}

func (s *Service) applyRules(p *Proposal) {
	if p.PQSCLV.N > 0 && p.PQSCLV.BinMeanSlope <= 0 {
		ev := s.settings.PQSWeightEV - 0.02
		if ev < 0.05 {
			ev = 0.05
		}
		prior := s.settings.PQSWeightClvPrior + 0.02
		if prior > 0.30 {
			prior = 0.30
		}
		p.Patch["PQS_WEIGHT_EV"] = ev
		p.Patch["PQS_WEIGHT_CLV_PRIOR"] = prior
		p.Rationale = append(p.Rationale, "pqs bin means do not rise with pqs; shift weight from ev to clv prior")
	}

	gates := p.Gates
	if gates.KeptN > 0 && gates.DroppedN > 0 && gates.KeptMeanClvBps < gates.DroppedMeanClvBps {
		p.Patch["MIN_BOOKS"] = float64(s.settings.MinBooks + 1)
		p.Rationale = append(p.Rationale, "dropped picks outperformed kept picks; tighten book coverage")
	} else if gates.KeptN > 0 && gates.N > 0 {
		dropRate := float64(gates.DroppedN) / float64(gates.N)
		if gates.KeptMeanClvBps > 0 && dropRate > 0.6 {
			minBooks := s.settings.MinBooks - 1
			if minBooks < 4 {
				minBooks = 4
			}
			p.Patch["MIN_BOOKS"] = float64(minBooks)
			p.Rationale = append(p.Rationale, "kept picks are positive but drop rate exceeds 60%; loosen book coverage")
		}
	}

	for _, sport := range p.Sports.Sports {
		if sport.PctPositive < 0.45 {
			minPQS := s.settings.SportDefaultMinPQS + 0.03
			if minPQS > 0.9 {
				minPQS = 0.9
			}
			maxPicks := s.settings.SportDefaultMaxPicks - 1
			if maxPicks < 1 {
				maxPicks = 1
			}
			p.Patch["SPORT_DEFAULT_MIN_PQS"] = minPQS
			p.Patch["SPORT_DEFAULT_MAX_PICKS"] = float64(maxPicks)
			p.Rationale = append(p.Rationale, fmt.Sprintf("%s/%s pct positive clv below 0.45; raise the bar", sport.SportKey, sport.MarketKey))
			break
		}
	}
}

func (s *Service) persistProposal(ctx context.Context, rows []Row, p *Proposal) (*models.CalibrationRun, error) {
	windowStart, windowEnd := s.evalWindow(rows)

	snapshot := map[string]float64{
		"PQS_WEIGHT_EV":           s.settings.PQSWeightEV,
		"PQS_WEIGHT_CLV_PRIOR":    s.settings.PQSWeightClvPrior,
		"MIN_BOOKS":               float64(s.settings.MinBooks),
		"SPORT_DEFAULT_MIN_PQS":   s.settings.SportDefaultMinPQS,
		"SPORT_DEFAULT_MAX_PICKS": float64(s.settings.SportDefaultMaxPicks),
		"RUN_MAX_PICKS_TOTAL":     float64(s.settings.RunMaxPicksTotal),
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	patchJSON, err := json.Marshal(p.Patch)
	if err != nil {
		return nil, err
	}
	rationaleJSON, err := json.Marshal(p.Rationale)
	if err != nil {
		return nil, err
	}

	run := &models.CalibrationRun{
		CreatedAt:           s.now(),
		EvalWindowStart:     windowStart,
		EvalWindowEnd:       windowEnd,
		PQSVersion:          s.settings.PQSVersion,
		CurrentSnapshotJSON: string(snapshotJSON),
		ProposedPatchJSON:   string(patchJSON),
		RationaleJSON:       string(rationaleJSON),
		Status:              models.CalibrationProposed,
	}
	if _, err := s.calib.Insert(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist calibration run: %w", err)
	}
	return run, nil
}

func (s *Service) evalWindow(rows []Row) (time.Time, time.Time) {
	now := s.now()
	if len(rows) == 0 {
		return now, now
	}
	start, end := rows[0].Pick.CreatedAt, rows[0].Pick.CreatedAt
	for _, row := range rows[1:] {
		if row.Pick.CreatedAt.Before(start) {
			start = row.Pick.CreatedAt
		}
		if row.Pick.CreatedAt.After(end) {
			end = row.Pick.CreatedAt
		}
	}
	return start, end
}

// ApplyCalibration marks a proposed run as applied. Live config is re-read
// from the environment, so the patch itself is applied out of band.
func (s *Service) ApplyCalibration(ctx context.Context, runID int64) error {
	if runID <= 0 {
		return errs.New(errs.KindInvalidArgument, "run_id must be positive")
	}
	if err := s.calib.MarkApplied(ctx, runID, s.now()); err != nil {
		return err
	}
	s.log.Info().Int64("run_id", runID).Msg("calibration applied")
	return nil
}

// ListCalibrations returns recent calibration runs, newest first.
func (s *Service) ListCalibrations(ctx context.Context, limit int) ([]models.CalibrationRun, error) {
	return s.calib.ListRecent(ctx, limit)
}
