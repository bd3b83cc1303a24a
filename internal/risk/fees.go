package risk

import (
	"github.com/shopspring/decimal"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/tradeconfig"
)

var (
	hundred = decimal.NewFromInt(100)
	crore   = decimal.NewFromInt(10_000_000)
)

// FeeModel estimates statutory and broker charges per instrument class.
// All schedule values are percentages of turnover except the SEBI fee
// (flat per crore of turnover) and the brokerage cap (per order).
type FeeModel struct {
	schedules tradeconfig.Fees
}

// NewFeeModel creates a fee model from the configured schedules
func NewFeeModel(fees tradeconfig.Fees) *FeeModel {
	return &FeeModel{schedules: fees}
}

func (f *FeeModel) schedule(class contracts.InstrumentClass) tradeconfig.FeeSchedule {
	switch class {
	case contracts.InstrumentFutures:
		return f.schedules.Futures
	case contracts.InstrumentOptions:
		return f.schedules.Options
	case contracts.InstrumentEquity:
		return f.schedules.Equity
	}
	return f.schedules.Equity
}

// FillFees estimates the charges for a single fill of qty at price
func (f *FeeModel) FillFees(class contracts.InstrumentClass, side contracts.OrderSide, qty int, price float64) FeeBreakdown {
	if qty <= 0 || price <= 0 {
		return FeeBreakdown{}
	}
	s := f.schedule(class)
	value := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(int64(qty)))

	// flat per-order brokerage when no percentage is configured
	brokerage := decimal.NewFromFloat(s.BrokerageCap)
	if s.BrokeragePct > 0 {
		brokerage = pct(value, s.BrokeragePct)
		if s.BrokerageCap > 0 {
			brokerage = decimal.Min(brokerage, decimal.NewFromFloat(s.BrokerageCap))
		}
	}

	exchange := pct(value, s.ExchangeTxnPct)
	sebi := value.Div(crore).Mul(decimal.NewFromFloat(s.SEBIPerCrore))

	var stt, stamp decimal.Decimal
	if side == contracts.OrderSideBuy {
		stt = pct(value, s.STTBuyPct)
		stamp = pct(value, s.StampDutyBuyPct)
	} else {
		stt = pct(value, s.STTSellPct)
	}

	gst := pct(brokerage.Add(exchange).Add(sebi), s.GSTPct)
	total := brokerage.Add(exchange).Add(sebi).Add(stt).Add(stamp).Add(gst)

	return FeeBreakdown{
		Brokerage:   money(brokerage),
		ExchangeTxn: money(exchange),
		STT:         money(stt),
		StampDuty:   money(stamp),
		SEBI:        money(sebi),
		GST:         money(gst),
		Total:       money(total),
	}
}

// EstimateFees estimates round-trip charges for a position of qty opened
// at entry and closed at exit. Used for net PnL, never for gating.
func (f *FeeModel) EstimateFees(class contracts.InstrumentClass, side contracts.PositionSide, qty int, entry, exit float64) FeeBreakdown {
	open := f.FillFees(class, side.EntrySide(), qty, entry)
	return open.Add(f.FillFees(class, side.ExitSide(), qty, exit))
}

func pct(value decimal.Decimal, percent float64) decimal.Decimal {
	if percent == 0 {
		return decimal.Zero
	}
	return value.Mul(decimal.NewFromFloat(percent)).Div(hundred)
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}
