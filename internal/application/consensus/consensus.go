// Package consensus turns stored odds snapshots into market views: per
// bookmaker the latest fully-quoted capture is selected, sharp books are
// weighted up, and a vig-free consensus probability vector is produced with
// the best available price per side.
package consensus

import (
	"sort"
	"strings"
	"time"

	"github.com/oddsrun/oddsrun/internal/domain/odds"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// ReasonInsufficientBooks marks a view that did not reach the minimum
// bookmaker count.
const ReasonInsufficientBooks = "insufficient_books"

// RequiredSides returns the canonical side set for a (sport, market) at pick
// time. h2h is two-way everywhere; DRAW only participates in closing-line
// selection.
func RequiredSides(sportKey, marketKey string) []string {
	switch marketKey {
	case models.MarketH2H, models.MarketSpreads:
		return []string{models.SideAway, models.SideHome}
	case models.MarketTotals:
		return []string{models.SideOver, models.SideUnder}
	}
	return nil
}

// ClosingSides is RequiredSides extended with DRAW for soccer h2h, for
// closing-line selection only.
func ClosingSides(sportKey, marketKey string) []string {
	if marketKey == models.MarketH2H && strings.HasPrefix(sportKey, "soccer_") {
		return []string{models.SideAway, models.SideDraw, models.SideHome}
	}
	return RequiredSides(sportKey, marketKey)
}

// BookGroup is one bookmaker's selected fully-quoted capture.
type BookGroup struct {
	Bookmaker  string
	CapturedAt time.Time
	Sides      map[string]models.OddsSnapshot
}

// View is one (event, market, point) market assembled from selected groups.
type View struct {
	GameID       int64
	EventID      string
	SportKey     string
	MarketKey    string
	Point        *float64
	CommenceTime time.Time
	HomeTeam     string
	AwayTeam     string
	Books        []BookGroup
}

// Result is the consensus outcome for one view. ConsensusProbs is nil when
// the view had too few books; Reason says why.
type Result struct {
	View           View
	ConsensusProbs map[string]float64
	Reason         string
	BestDecimal    map[string]float64
	BestBook       map[string]string
	IncludedBooks  int
	SharpBooks     int
	CapturedAtMin  time.Time
	CapturedAtMax  time.Time
}

// Weighting carries the book-weight policy for consensus assembly.
type Weighting struct {
	SharpBooks     map[string]bool
	SharpWeight    float64
	StandardWeight float64
	MinBooks       int
	Eps            float64
}

// IsSharp reports whether the bookmaker is in the sharp set.
func (w Weighting) IsSharp(bookmaker string) bool {
	return w.SharpBooks[strings.ToLower(bookmaker)]
}

// Weight returns the consensus weight for the bookmaker.
func (w Weighting) Weight(bookmaker string) float64 {
	if w.IsSharp(bookmaker) {
		return w.SharpWeight
	}
	return w.StandardWeight
}

// SelectLatestComplete picks, per (bookmaker, point), the single captured_at
// that is the most recent instant at which every required side was quoted.
// Partially-quoted captures never contribute.
func SelectLatestComplete(snaps []models.OddsSnapshot, required []string) []BookGroup {
	type partKey struct {
		bookmaker string
		point     float64
	}
	type capture struct {
		at    time.Time
		sides map[string]models.OddsSnapshot
	}

	captures := make(map[partKey]map[time.Time]map[string]models.OddsSnapshot)
	for _, s := range snaps {
		ok := false
		for _, side := range required {
			if s.Side == side {
				ok = true
				break
			}
		}
		if !ok {
			continue
		}
		key := partKey{bookmaker: s.Bookmaker, point: persistence.NormPoint(s.Point)}
		if captures[key] == nil {
			captures[key] = make(map[time.Time]map[string]models.OddsSnapshot)
		}
		at := s.CapturedAt.UTC()
		if captures[key][at] == nil {
			captures[key][at] = make(map[string]models.OddsSnapshot)
		}
		captures[key][at][s.Side] = s
	}

	var groups []BookGroup
	for key, byTime := range captures {
		var best *capture
		for at, sides := range byTime {
			if len(sides) < len(required) {
				continue
			}
			complete := true
			for _, side := range required {
				if _, ok := sides[side]; !ok {
					complete = false
					break
				}
			}
			if !complete {
				continue
			}
			if best == nil || at.After(best.at) {
				best = &capture{at: at, sides: sides}
			}
		}
		if best == nil {
			continue
		}
		groups = append(groups, BookGroup{
			Bookmaker:  key.bookmaker,
			CapturedAt: best.at,
			Sides:      best.sides,
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Bookmaker < groups[j].Bookmaker
	})
	return groups
}

// BuildViews groups selected book groups by point into market views.
func BuildViews(game models.Game, marketKey string, groups []BookGroup) []View {
	byPoint := make(map[float64][]BookGroup)
	pointValue := make(map[float64]*float64)
	for _, g := range groups {
		var point *float64
		for _, snap := range g.Sides {
			point = snap.Point
			break
		}
		norm := persistence.NormPoint(point)
		byPoint[norm] = append(byPoint[norm], g)
		pointValue[norm] = point
	}

	norms := make([]float64, 0, len(byPoint))
	for norm := range byPoint {
		norms = append(norms, norm)
	}
	sort.Float64s(norms)

	views := make([]View, 0, len(norms))
	for _, norm := range norms {
		views = append(views, View{
			GameID:       game.ID,
			EventID:      game.EventID,
			SportKey:     game.SportKey,
			MarketKey:    marketKey,
			Point:        pointValue[norm],
			CommenceTime: game.CommenceTime,
			HomeTeam:     game.HomeTeam,
			AwayTeam:     game.AwayTeam,
			Books:        byPoint[norm],
		})
	}
	return views
}

// Compute assembles the weighted consensus for one view. Books are iterated
// in sorted order so the best-price tie-break is stable: on equal decimals
// the lexicographically smaller bookmaker wins.
func Compute(view View, required []string, w Weighting) (Result, error) {
	res := Result{
		View:        view,
		BestDecimal: make(map[string]float64),
		BestBook:    make(map[string]string),
	}

	var bookProbs []map[string]float64
	var weights []float64
	for _, book := range view.Books {
		probs := make(map[string]float64, len(required))
		complete := true
		for _, side := range required {
			snap, ok := book.Sides[side]
			if !ok {
				complete = false
				break
			}
			probs[side] = snap.FairProb
		}
		if !complete {
			continue
		}

		bookProbs = append(bookProbs, probs)
		weights = append(weights, w.Weight(book.Bookmaker))
		if w.IsSharp(book.Bookmaker) {
			res.SharpBooks++
		}
		res.IncludedBooks++

		for _, side := range required {
			snap := book.Sides[side]
			if snap.Decimal == nil || *snap.Decimal <= 1 {
				continue
			}
			if best, ok := res.BestDecimal[side]; !ok || *snap.Decimal > best {
				res.BestDecimal[side] = *snap.Decimal
				res.BestBook[side] = book.Bookmaker
			}
		}

		if res.CapturedAtMin.IsZero() || book.CapturedAt.Before(res.CapturedAtMin) {
			res.CapturedAtMin = book.CapturedAt
		}
		if book.CapturedAt.After(res.CapturedAtMax) {
			res.CapturedAtMax = book.CapturedAt
		}
	}

	if res.IncludedBooks < w.MinBooks {
		res.Reason = ReasonInsufficientBooks
		return res, nil
	}

	probs, err := odds.ConsensusFairProb(bookProbs, weights)
	if err != nil {
		return res, err
	}
	res.ConsensusProbs = probs
	return res, nil
}
