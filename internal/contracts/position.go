package contracts

import (
	"math"
	"strings"
	"time"
)

// PositionSide is the direction of market exposure
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// EntrySide returns the order side that opens the position
func (s PositionSide) EntrySide() OrderSide {
	if s == PositionSideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide returns the order side that closes the position
func (s PositionSide) ExitSide() OrderSide {
	return s.EntrySide().Opposite()
}

// Sign is +1 for long, -1 for short
func (s PositionSide) Sign() float64 {
	if s == PositionSideShort {
		return -1
	}
	return 1
}

// PositionSideFromOrder maps an entry order side to the exposure side
func PositionSideFromOrder(side OrderSide) PositionSide {
	if side == OrderSideSell {
		return PositionSideShort
	}
	return PositionSideLong
}

// PositionStatus is the position lifecycle
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// InstrumentClass drives margin and fee formulas
type InstrumentClass string

const (
	InstrumentEquity  InstrumentClass = "EQUITY"
	InstrumentFutures InstrumentClass = "FUTURES"
	InstrumentOptions InstrumentClass = "OPTIONS"
)

// IsDerivative reports whether quantities are traded in lots
func (c InstrumentClass) IsDerivative() bool {
	return c == InstrumentFutures || c == InstrumentOptions
}

// ClassifyInstrument infers the class from exchange and trading symbol
// (NFO/BFO/MCX derivatives end in FUT, CE or PE)
func ClassifyInstrument(exchange, symbol string) InstrumentClass {
	switch strings.ToUpper(exchange) {
	case "NFO", "BFO", "MCX", "CDS":
	default:
		return InstrumentEquity
	}
	sym := strings.ToUpper(symbol)
	switch {
	case strings.HasSuffix(sym, "FUT"):
		return InstrumentFutures
	case strings.HasSuffix(sym, "CE"), strings.HasSuffix(sym, "PE"):
		return InstrumentOptions
	}
	return InstrumentFutures
}

// Position represents an open or closed market exposure
// ⭐ SSOT: 포지션 상태
type Position struct {
	PositionID      string          `json:"position_id"`
	Exchange        string          `json:"exchange"`
	Symbol          string          `json:"symbol"`
	InstrumentToken int64           `json:"instrument_token"`
	Class           InstrumentClass `json:"class"`
	Product         Product         `json:"product"`
	LotSize         int             `json:"lot_size"`
	Side            PositionSide    `json:"side"`
	Quantity        int             `json:"quantity"` // remaining open quantity
	InitialQuantity int             `json:"initial_quantity"`
	EntryPrice      float64         `json:"entry_price"`
	CurrentPrice    float64         `json:"current_price"`
	StopLoss        float64         `json:"stop_loss"`
	TrailingStop    float64         `json:"trailing_stop"` // 0 = not set
	TakeProfit1     float64         `json:"take_profit_1"`
	TakeProfit2     float64         `json:"take_profit_2"`
	RiskAmount      float64         `json:"risk_amount"` // capital at risk when opened
	RealizedPnL     float64         `json:"realized_pnl"`
	UnrealizedPnL   float64         `json:"unrealized_pnl"`
	MaxAdverse      float64         `json:"max_adverse_excursion"` // worst unrealized PnL, <= 0
	Fees            float64         `json:"fees"`
	Status          PositionStatus  `json:"status"`
	StrategyName    string          `json:"strategy_name"`
	EntryOrderID    string          `json:"entry_order_id"`
	ExitOrderID     string          `json:"exit_order_id,omitempty"`
	GroupID         string          `json:"group_id,omitempty"`
	ExitReason      ExitReason      `json:"exit_reason,omitempty"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        time.Time       `json:"closed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsOpen reports whether the position still carries exposure
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// UnrealizedAt returns the mark-to-market PnL at price
func (p *Position) UnrealizedAt(price float64) float64 {
	return (price - p.EntryPrice) * float64(p.Quantity) * p.Side.Sign()
}

// Mark updates current price, unrealized PnL and the adverse excursion
func (p *Position) Mark(price float64, now time.Time) {
	if price <= 0 {
		return
	}
	p.CurrentPrice = price
	p.UnrealizedPnL = p.UnrealizedAt(price)
	if p.UnrealizedPnL < p.MaxAdverse {
		p.MaxAdverse = p.UnrealizedPnL
	}
	p.UpdatedAt = now
}

// EffectiveStop returns the tighter of the hard and trailing stop
func (p *Position) EffectiveStop() float64 {
	if p.TrailingStop == 0 {
		return p.StopLoss
	}
	if p.Side == PositionSideShort {
		if p.StopLoss == 0 {
			return p.TrailingStop
		}
		return math.Min(p.StopLoss, p.TrailingStop)
	}
	return math.Max(p.StopLoss, p.TrailingStop)
}

// OpenRisk is the loss if the effective stop is hit now (heat contribution)
func (p *Position) OpenRisk() float64 {
	stop := p.EffectiveStop()
	if !p.IsOpen() || stop <= 0 {
		return 0
	}
	risk := (p.EntryPrice - stop) * float64(p.Quantity) * p.Side.Sign()
	if risk < 0 {
		return 0
	}
	return risk
}

// Notional returns quantity × current price (entry price if unmarked)
func (p *Position) Notional() float64 {
	price := p.CurrentPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return price * float64(p.Quantity)
}

// Clone returns a copy
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
