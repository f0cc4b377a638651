// Package unlock gates non-h2h markets behind accumulated CLV volume. Until
// enough picks have been CLV-scored the system only trusts itself with the
// h2h market.
package unlock

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/oddsrun/oddsrun/internal/config"
	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
	"github.com/oddsrun/oddsrun/internal/persistence"
)

// CodeMarketLocked is the structured refusal code.
const CodeMarketLocked = "market_locked_until_clv_100"

// Status describes the current unlock state.
type Status struct {
	AllowedMarkets   []string `json:"allowed_markets"`
	ClvComputedCount int      `json:"clv_computed_count"`
	Threshold        int      `json:"threshold"`
	Mode             string   `json:"mode"`
	Unlocked         bool     `json:"unlocked"`
}

// Reason is the structured payload attached to a refusal or warning.
type Reason struct {
	Code             string   `json:"code"`
	RequestedMarket  string   `json:"requested_market"`
	ClvComputedCount int      `json:"clv_computed_count"`
	Threshold        int      `json:"threshold"`
	AllowedMarkets   []string `json:"allowed_markets"`
}

// Gate evaluates market access against CLV volume.
type Gate struct {
	picks    persistence.PicksRepo
	settings *config.Settings
	log      zerolog.Logger
}

// NewGate wires the unlock gate.
func NewGate(picksRepo persistence.PicksRepo, settings *config.Settings, log zerolog.Logger) *Gate {
	return &Gate{
		picks:    picksRepo,
		settings: settings,
		log:      log.With().Str("component", "unlock").Logger(),
	}
}

// Status returns the current unlock state.
func (g *Gate) Status(ctx context.Context) (*Status, error) {
	count, err := g.picks.CountClvComputed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count clv-scored picks: %w", err)
	}

	unlocked := count >= g.settings.MarketsUnlockClvMin
	allowed := []string{models.MarketH2H}
	if unlocked {
		allowed = []string{models.MarketH2H, models.MarketSpreads, models.MarketTotals}
	}
	return &Status{
		AllowedMarkets:   allowed,
		ClvComputedCount: count,
		Threshold:        g.settings.MarketsUnlockClvMin,
		Mode:             g.settings.MarketsUnlockMode,
		Unlocked:         unlocked,
	}, nil
}

// Check evaluates one requested market. In gate mode a locked market returns
// a KindMarketLocked error carrying the structured reason; in warn mode the
// reason comes back as a non-fatal warning instead.
func (g *Gate) Check(ctx context.Context, marketKey string) (*Reason, error) {
	if !models.ValidMarket(marketKey) {
		return nil, errs.Newf(errs.KindInvalidArgument, "unsupported market %q", marketKey)
	}

	status, err := g.Status(ctx)
	if err != nil {
		return nil, err
	}
	for _, allowed := range status.AllowedMarkets {
		if allowed == marketKey {
			return nil, nil
		}
	}

	reason := &Reason{
		Code:             CodeMarketLocked,
		RequestedMarket:  marketKey,
		ClvComputedCount: status.ClvComputedCount,
		Threshold:        status.Threshold,
		AllowedMarkets:   status.AllowedMarkets,
	}

	if g.settings.MarketsUnlockMode == "warn" {
		g.log.Warn().
			Str("market", marketKey).
			Int("clv_computed_count", status.ClvComputedCount).
			Msg("market below unlock threshold, proceeding in warn mode")
		return reason, nil
	}

	detail := map[string]any{
		"code":               reason.Code,
		"requested_market":   reason.RequestedMarket,
		"clv_computed_count": reason.ClvComputedCount,
		"threshold":          reason.Threshold,
		"allowed_markets":    reason.AllowedMarkets,
	}
	msg := fmt.Sprintf("market %q locked until %d picks are clv-scored", marketKey, status.Threshold)
	return reason, errs.WithDetail(errs.KindMarketLocked, msg, detail)
}
