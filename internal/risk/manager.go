// Package risk gates new positions and sizes them.
// - CheckSignal: 일일 손실 → 히트 → 수량 → 트레이드 리스크 → 예상 히트 → 프리즈 → 증거금
// - UpdatePortfolioRisk: 매 사이클 스냅샷 재계산 (캐시 금지)
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/tradeconfig"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// riskEpsilon absorbs float noise at exact limit boundaries
const riskEpsilon = 1e-9

// Manager is the gatekeeper for every new position and the sizing authority
type Manager struct {
	cfg    tradeconfig.Risk
	fees   *FeeModel
	loc    *time.Location
	logger *logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	dayKey   string
	dayStart float64
}

// NewManager creates a risk manager
func NewManager(cfg *tradeconfig.Config, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg.Risk,
		fees:   NewFeeModel(cfg.Fees),
		loc:    cfg.Meta.Location(),
		logger: log.WithComponent("risk"),
		now:    time.Now,
	}
}

// Fees returns the fee model
func (m *Manager) Fees() *FeeModel {
	return m.fees
}

// CaptureDayStart fixes the capital that loss and heat limits are measured
// against. Only the first call per trading day takes effect; it reports
// whether this call captured.
func (m *Manager) CaptureDayStart(capital float64, at time.Time) bool {
	if capital <= 0 {
		return false
	}
	key := at.In(m.loc).Format("2006-01-02")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dayKey == key {
		return false
	}
	m.dayKey = key
	m.dayStart = capital

	m.logger.WithFields(map[string]interface{}{
		"trading_day": key,
		"capital":     capital,
	}).Info("Captured day-start capital")
	return true
}

// DayStartCapital returns today's captured capital, if any
func (m *Manager) DayStartCapital() (float64, bool) {
	key := m.now().In(m.loc).Format("2006-01-02")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dayKey != key {
		return 0, false
	}
	return m.dayStart, true
}

// UpdatePortfolioRisk recomputes the snapshot from the open positions and
// today's realized PnL. Missing account figures (paper mode) are derived
// from day-start capital and the positions' estimated margin.
func (m *Manager) UpdatePortfolioRisk(positions []*contracts.Position, realizedToday float64, account contracts.Account) *contracts.PortfolioRisk {
	now := m.now()

	var heat, unrealized, margin float64
	open := 0
	for _, p := range positions {
		if p == nil || !p.IsOpen() {
			continue
		}
		open++
		heat += p.OpenRisk()
		unrealized += p.UnrealizedPnL
		price := p.CurrentPrice
		if price <= 0 {
			price = p.EntryPrice
		}
		margin += RequiredMargin(p.Class, p.Side, p.Quantity, price, m.cfg)
	}

	if account.NetLiquid > 0 {
		m.CaptureDayStart(account.NetLiquid-realizedToday-unrealized, now)
	}
	dayStart, ok := m.DayStartCapital()
	if !ok {
		dayStart = account.NetLiquid
	}

	pr := &contracts.PortfolioRisk{
		DayStartCapital:  dayStart,
		NetLiquid:        account.NetLiquid,
		UsedMargin:       account.UsedMargin,
		AvailableMargin:  account.AvailableMargin,
		Heat:             heat,
		UnrealizedPnL:    unrealized,
		RealizedPnL:      realizedToday,
		DailyPnL:         realizedToday + unrealized,
		DailyLossLimit:   dayStart * m.cfg.DailyLossLimitPct / 100,
		MaxHeat:          dayStart * m.cfg.MaxHeatPct / 100,
		MaxHeatPct:       m.cfg.MaxHeatPct,
		OpenPositions:    open,
		MaxOpenPositions: m.cfg.MaxOpenPositions,
		ComputedAt:       now,
	}
	if pr.NetLiquid <= 0 {
		pr.NetLiquid = dayStart + pr.DailyPnL
	}
	if account.UsedMargin == 0 && account.AvailableMargin == 0 {
		pr.UsedMargin = margin
		pr.AvailableMargin = pr.NetLiquid - margin
	}
	if pr.NetLiquid > 0 {
		pr.HeatPct = heat / pr.NetLiquid * 100
	}
	pr.Derive()
	return pr
}

// CheckSignal approves or rejects sig against pr, short-circuiting on the
// first failing gate. An approval carries the final size and risk share.
func (m *Manager) CheckSignal(sig *contracts.Signal, pr *contracts.PortfolioRisk) Decision {
	d := m.checkSignal(sig, pr)
	fields := map[string]interface{}{
		"symbol":   sig.Symbol,
		"strategy": sig.StrategyName,
		"approved": d.Approved,
	}
	if d.Approved {
		fields["size"] = d.PositionSize
		fields["risk_pct"] = d.RiskPct
		m.logger.WithFields(fields).Info("Signal approved")
	} else {
		fields["reasons"] = d.Reasons
		m.logger.WithFields(fields).Debug("Signal rejected")
	}
	return d
}

func (m *Manager) checkSignal(sig *contracts.Signal, pr *contracts.PortfolioRisk) Decision {
	if sig == nil || pr == nil {
		return reject("missing signal or portfolio snapshot")
	}
	if err := sig.Validate(); err != nil {
		return reject(err.Error())
	}

	// 1. daily loss
	if pr.IsDailyLossBreached {
		return reject(fmt.Sprintf("daily loss limit breached (pnl %.2f, limit %.2f)", pr.DailyPnL, pr.DailyLossLimit))
	}
	// 2. heat
	if pr.IsHeatLimitBreached {
		return reject(fmt.Sprintf("portfolio heat limit breached (heat %.2f, max %.2f)", pr.Heat, pr.MaxHeat))
	}
	if pr.MaxOpenPositions > 0 && pr.OpenPositions >= pr.MaxOpenPositions {
		return reject(fmt.Sprintf("max open positions reached (%d)", pr.MaxOpenPositions))
	}
	if pr.NetLiquid <= 0 {
		return reject("no net liquid capital")
	}

	// 3. size
	size := PositionSize(sig, pr.NetLiquid, m.cfg)
	if size <= 0 {
		return reject("position size is zero")
	}

	// 4. per-trade risk
	dist := sig.StopDistance()
	tradeRisk := dist * float64(size)
	riskPct := tradeRisk / pr.NetLiquid * 100
	if riskPct > m.cfg.PerTradeRiskPct+riskEpsilon {
		return reject(fmt.Sprintf("trade risk %.3f%% exceeds per-trade limit %.3f%%", riskPct, m.cfg.PerTradeRiskPct))
	}

	// 5. projected heat
	projected := (pr.Heat + tradeRisk) / pr.NetLiquid * 100
	if projected > m.cfg.MaxHeatPct+riskEpsilon {
		return reject(fmt.Sprintf("projected heat %.3f%% exceeds max %.3f%%", projected, m.cfg.MaxHeatPct))
	}
	if pr.MaxHeat > 0 && pr.Heat+tradeRisk > pr.MaxHeat+riskEpsilon {
		return reject(fmt.Sprintf("projected heat %.2f exceeds day-start limit %.2f", pr.Heat+tradeRisk, pr.MaxHeat))
	}

	// 6. freeze clamp; a freeze below one lot still leaves one lot for margin
	if clamped := clampToFreeze(size, sig.FreezeQuantity, sig.Lot()); clamped != size {
		size = clamped
		tradeRisk = dist * float64(size)
		riskPct = tradeRisk / pr.NetLiquid * 100
	}

	// 7. margin
	margin := RequiredMargin(sig.Class, sig.Side, size, sig.Entry, m.cfg)
	if margin > pr.AvailableMargin+riskEpsilon {
		return reject(fmt.Sprintf("required margin %.2f exceeds available %.2f", margin, pr.AvailableMargin))
	}

	return Decision{
		Approved:       true,
		PositionSize:   size,
		RiskPct:        riskPct,
		TradeRisk:      tradeRisk,
		RequiredMargin: margin,
	}
}
