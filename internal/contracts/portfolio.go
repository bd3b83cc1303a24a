package contracts

import "time"

// PortfolioRisk is a point-in-time snapshot recomputed every cycle
// ⭐ SSOT: 포트폴리오 리스크 스냅샷 (캐시 금지)
type PortfolioRisk struct {
	DayStartCapital float64 `json:"day_start_capital"`
	NetLiquid       float64 `json:"net_liquid"`
	UsedMargin      float64 `json:"used_margin"`
	AvailableMargin float64 `json:"available_margin"`

	Heat    float64 `json:"heat"`     // sum of open position risk
	HeatPct float64 `json:"heat_pct"` // heat / net liquid × 100

	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
	DailyPnL      float64 `json:"daily_pnl"`

	DailyLossLimit float64 `json:"daily_loss_limit"` // positive amount, fixed at day start
	MaxHeat        float64 `json:"max_heat"`         // positive amount, fixed at day start
	MaxHeatPct     float64 `json:"max_heat_pct"`

	OpenPositions    int `json:"open_positions"`
	MaxOpenPositions int `json:"max_open_positions"`

	IsDailyLossBreached bool `json:"is_daily_loss_breached"`
	IsHeatLimitBreached bool `json:"is_heat_limit_breached"`
	CanTakeNewPosition  bool `json:"can_take_new_position"`

	ComputedAt time.Time `json:"computed_at"`
}

// Derive fills the derived booleans from the raw figures
func (r *PortfolioRisk) Derive() {
	r.IsDailyLossBreached = r.DailyLossLimit > 0 && r.DailyPnL <= -r.DailyLossLimit
	r.IsHeatLimitBreached = r.MaxHeat > 0 && r.Heat >= r.MaxHeat

	r.CanTakeNewPosition = !r.IsDailyLossBreached && !r.IsHeatLimitBreached
	if r.MaxOpenPositions > 0 && r.OpenPositions >= r.MaxOpenPositions {
		r.CanTakeNewPosition = false
	}
}

// Account is the broker-reported (or paper-simulated) funds snapshot
type Account struct {
	NetLiquid       float64   `json:"net_liquid"`
	UsedMargin      float64   `json:"used_margin"`
	AvailableMargin float64   `json:"available_margin"`
	FetchedAt       time.Time `json:"fetched_at"`
}
