package risk

import (
	"math"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/tradeconfig"
)

// PositionSize returns the risk-budgeted quantity for sig against capital:
// min(capital × perTradeRiskPct / stopDistance, lot × maxPositionMultiplier),
// rounded down to whole lots (at least one) for derivatives or to whole
// shares for equities. Zero means the signal cannot be sized.
func PositionSize(sig *contracts.Signal, capital float64, cfg tradeconfig.Risk) int {
	dist := sig.StopDistance()
	if dist <= 0 || capital <= 0 || cfg.PerTradeRiskPct <= 0 {
		return 0
	}
	lot := sig.Lot()

	raw := capital * cfg.PerTradeRiskPct / 100 / dist
	if cfg.MaxPositionMultiplier > 0 {
		raw = math.Min(raw, float64(lot*cfg.MaxPositionMultiplier))
	}

	if sig.Class.IsDerivative() {
		lots := int(math.Floor(raw / float64(lot)))
		if lots < 1 {
			lots = 1
		}
		return lots * lot
	}
	return int(math.Floor(raw))
}

// clampToFreeze caps size at the exchange freeze quantity, kept a whole
// number of lots and never below one lot.
func clampToFreeze(size, freeze, lot int) int {
	if freeze <= 0 || size <= freeze {
		return size
	}
	if lot <= 0 {
		lot = 1
	}
	return min(size, max(freeze/lot, 1)*lot)
}
