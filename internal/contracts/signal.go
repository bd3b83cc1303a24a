package contracts

import (
	"fmt"
	"math"
	"time"
)

// Signal is an approved trade idea consumed by the engine
// ⭐ SSOT: 전략 → 실행 엔진 신호 전달
type Signal struct {
	ID              string          `json:"id"`
	StrategyName    string          `json:"strategy_name"`
	Exchange        string          `json:"exchange"`
	Symbol          string          `json:"symbol"`
	InstrumentToken int64           `json:"instrument_token"`
	Class           InstrumentClass `json:"class"`
	Product         Product         `json:"product"`
	LotSize         int             `json:"lot_size"`        // 1 for equity
	FreezeQuantity  int             `json:"freeze_quantity"` // 0 = none
	Side            PositionSide    `json:"side"`
	EntryType       OrderType       `json:"entry_type"` // MARKET or LIMIT
	Entry           float64         `json:"entry"`
	StopLoss        float64         `json:"stop_loss"`
	TakeProfit1     float64         `json:"take_profit_1"`
	TakeProfit2     float64         `json:"take_profit_2"`
	Confidence      float64         `json:"confidence"`  // 0~1
	RiskReward      float64         `json:"risk_reward"` // reward / risk
	GeneratedAt     time.Time       `json:"generated_at"`
}

// StopDistance returns |entry - stop|
func (s *Signal) StopDistance() float64 {
	return math.Abs(s.Entry - s.StopLoss)
}

// Score ranks signals within a cycle
func (s *Signal) Score() float64 {
	return s.Confidence * s.RiskReward
}

// Validate checks that prices sit on the right side of entry
func (s *Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal has no symbol")
	}
	if s.Entry <= 0 || s.StopLoss <= 0 {
		return fmt.Errorf("signal %s: entry and stop must be positive", s.Symbol)
	}

	switch s.Side {
	case PositionSideLong:
		if s.StopLoss >= s.Entry {
			return fmt.Errorf("signal %s: long stop %.2f not below entry %.2f", s.Symbol, s.StopLoss, s.Entry)
		}
		if s.TakeProfit1 > 0 && s.TakeProfit1 <= s.Entry {
			return fmt.Errorf("signal %s: long tp1 %.2f not above entry", s.Symbol, s.TakeProfit1)
		}
		if s.TakeProfit2 > 0 && s.TakeProfit2 <= math.Max(s.Entry, s.TakeProfit1) {
			return fmt.Errorf("signal %s: long tp2 %.2f not beyond tp1", s.Symbol, s.TakeProfit2)
		}
	case PositionSideShort:
		if s.StopLoss <= s.Entry {
			return fmt.Errorf("signal %s: short stop %.2f not above entry %.2f", s.Symbol, s.StopLoss, s.Entry)
		}
		if s.TakeProfit1 > 0 && s.TakeProfit1 >= s.Entry {
			return fmt.Errorf("signal %s: short tp1 %.2f not below entry", s.Symbol, s.TakeProfit1)
		}
		if s.TakeProfit2 > 0 && (s.TakeProfit2 >= s.Entry || (s.TakeProfit1 > 0 && s.TakeProfit2 >= s.TakeProfit1)) {
			return fmt.Errorf("signal %s: short tp2 %.2f not beyond tp1", s.Symbol, s.TakeProfit2)
		}
	default:
		return fmt.Errorf("signal %s: unknown side %q", s.Symbol, s.Side)
	}

	if s.LotSize < 0 || s.FreezeQuantity < 0 {
		return fmt.Errorf("signal %s: negative lot or freeze quantity", s.Symbol)
	}
	return nil
}

// Lot returns the lot size, 1 when unset
func (s *Signal) Lot() int {
	if s.LotSize <= 0 {
		return 1
	}
	return s.LotSize
}
