package risk

// =============================================================================
// Decision
// =============================================================================

// Decision is the outcome of CheckSignal
// ⭐ SSOT: 신규 진입 승인 여부와 수량은 여기서만 결정
type Decision struct {
	Approved       bool     `json:"approved"`
	Reasons        []string `json:"reasons"`
	PositionSize   int      `json:"position_size"`
	RiskPct        float64  `json:"risk_pct"`   // trade risk / net liquid × 100
	TradeRisk      float64  `json:"trade_risk"` // stop distance × size
	RequiredMargin float64  `json:"required_margin"`
}

func reject(reason string) Decision {
	return Decision{Reasons: []string{reason}}
}

// =============================================================================
// Fees
// =============================================================================

// FeeBreakdown is the estimated charge set for one or more fills (currency units)
type FeeBreakdown struct {
	Brokerage   float64 `json:"brokerage"`
	ExchangeTxn float64 `json:"exchange_txn"`
	STT         float64 `json:"stt"`
	StampDuty   float64 `json:"stamp_duty"`
	SEBI        float64 `json:"sebi"`
	GST         float64 `json:"gst"`
	Total       float64 `json:"total"`
}

// Add returns the element-wise sum
func (f FeeBreakdown) Add(o FeeBreakdown) FeeBreakdown {
	return FeeBreakdown{
		Brokerage:   f.Brokerage + o.Brokerage,
		ExchangeTxn: f.ExchangeTxn + o.ExchangeTxn,
		STT:         f.STT + o.STT,
		StampDuty:   f.StampDuty + o.StampDuty,
		SEBI:        f.SEBI + o.SEBI,
		GST:         f.GST + o.GST,
		Total:       f.Total + o.Total,
	}
}
