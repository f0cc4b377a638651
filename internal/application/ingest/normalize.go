package ingest

import (
	"strings"

	"github.com/oddsrun/oddsrun/internal/errs"
	"github.com/oddsrun/oddsrun/internal/models"
)

// NormalizeSide maps an upstream outcome name to a canonical side. h2h and
// spreads match against the event's team names; totals match over/under;
// soccer h2h additionally accepts a draw outcome. Unmapped names are a hard
// error so a renamed team never silently drops a quote.
func NormalizeSide(outcomeName, marketKey, sportKey, homeTeam, awayTeam string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(outcomeName))

	switch marketKey {
	case models.MarketH2H, models.MarketSpreads:
		switch name {
		case strings.ToLower(homeTeam):
			return models.SideHome, nil
		case strings.ToLower(awayTeam):
			return models.SideAway, nil
		}
		if marketKey == models.MarketH2H && name == "draw" && strings.HasPrefix(sportKey, "soccer_") {
			return models.SideDraw, nil
		}
	case models.MarketTotals:
		switch name {
		case "over":
			return models.SideOver, nil
		case "under":
			return models.SideUnder, nil
		}
	default:
		return "", errs.Newf(errs.KindInvalidArgument, "unsupported market %q", marketKey)
	}

	return "", errs.Newf(errs.KindInvalidArgument,
		"cannot map outcome %q to a side for %s (%s vs %s)", outcomeName, marketKey, homeTeam, awayTeam)
}
