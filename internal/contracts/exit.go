package contracts

import "time"

// =============================================================================
// Exit Signal Types
// =============================================================================

// ExitReason 청산 사유
type ExitReason string

const (
	ExitReasonHardStop       ExitReason = "HARD_STOP"
	ExitReasonTrailingStop   ExitReason = "TRAILING_STOP"
	ExitReasonTP1            ExitReason = "TP1" // partial
	ExitReasonTP2            ExitReason = "TP2"
	ExitReasonTimeStop       ExitReason = "TIME_STOP"
	ExitReasonVolatilityStop ExitReason = "VOLATILITY_STOP"
	ExitReasonMAEStop        ExitReason = "MAE_STOP"
	ExitReasonEOD            ExitReason = "EOD"
	ExitReasonKillSwitch     ExitReason = "KILL_SWITCH"
	ExitReasonUnprotected    ExitReason = "UNPROTECTED" // leg placement failed
	ExitReasonManual         ExitReason = "MANUAL"
	ExitReasonBracket        ExitReason = "BRACKET" // a resting OCO leg filled
)

// IsTakeProfit reports whether the reason is a target tier
func (r ExitReason) IsTakeProfit() bool {
	switch r {
	case ExitReasonTP1, ExitReasonTP2:
		return true
	case ExitReasonHardStop, ExitReasonTrailingStop, ExitReasonTimeStop, ExitReasonVolatilityStop,
		ExitReasonMAEStop, ExitReasonEOD, ExitReasonKillSwitch, ExitReasonUnprotected,
		ExitReasonManual, ExitReasonBracket:
		return false
	}
	return false
}

// ExitIntent is the exit manager's decision for one position
// ⭐ SSOT: 청산 신호 데이터는 여기서만
type ExitIntent struct {
	PositionID   string     `json:"position_id"`
	Symbol       string     `json:"symbol"`
	Reason       ExitReason `json:"reason"`
	Quantity     int        `json:"quantity"`
	IsPartial    bool       `json:"is_partial"`
	CurrentPrice float64    `json:"current_price"`
	TriggerLevel float64    `json:"trigger_level"`
	NewStopLoss  float64    `json:"new_stop_loss,omitempty"` // breakeven move on TP1
	Message      string     `json:"message"`
	TriggeredAt  time.Time  `json:"triggered_at"`
}
