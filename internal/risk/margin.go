package risk

import (
	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/tradeconfig"
)

// RequiredMargin estimates the margin blocked by qty at price:
// equity pays full notional, futures a configured share of notional,
// long options the premium and short options premium × a multiplier.
func RequiredMargin(class contracts.InstrumentClass, side contracts.PositionSide, qty int, price float64, cfg tradeconfig.Risk) float64 {
	notional := float64(qty) * price
	switch class {
	case contracts.InstrumentFutures:
		return notional * cfg.FuturesMarginPct / 100
	case contracts.InstrumentOptions:
		if side == contracts.PositionSideShort {
			return notional * cfg.ShortOptionMarginMultiplier
		}
		return notional
	case contracts.InstrumentEquity:
		return notional
	}
	return notional
}
