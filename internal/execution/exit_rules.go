// Package execution - exit_rules.go
// 포지션별 청산 판단 (사이클마다 평가, 첫 매치만 발동)
// - 우선순위: 하드스탑 → 트레일링 → TP1/TP2 → 시간 → 변동성 → MAE → 장마감
// - 트레일링: ATR × 배수, 유리한 방향으로만 이동
package execution

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/tradeconfig"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// =============================================================================
// Market data interfaces
// =============================================================================

// ATRProvider ATR 조회 인터페이스
type ATRProvider interface {
	GetATR(ctx context.Context, symbol string, period int) (float64, error)
}

// PriceProvider 현재가 조회 인터페이스
type PriceProvider interface {
	GetLastPrice(ctx context.Context, symbol string) (float64, error)
}

// =============================================================================
// Exit Manager
// ⭐ SSOT: 청산 신호 생성은 여기서만
// =============================================================================

// ExitConfig exit rule parameters
type ExitConfig struct {
	TrailingEnabled           bool
	TrailATRMultiplier        float64
	TimeStop                  time.Duration // 0 = off
	VolatilitySpikeMultiplier float64       // 0 = off
	MAEStopPct                float64       // 0 = off
	EODCutoffMinute           int           // minutes after midnight, -1 = off
	Location                  *time.Location
	TP1Fraction               float64
	BreakevenOnTP1            bool
}

// ExitConfigFrom maps the exit and oco sections of the trading config
func ExitConfigFrom(cfg *tradeconfig.Config) ExitConfig {
	return ExitConfig{
		TrailingEnabled:           cfg.Exit.TrailingEnabled,
		TrailATRMultiplier:        cfg.Exit.TrailATRMultiplier,
		TimeStop:                  time.Duration(cfg.Exit.TimeStopMinutes) * time.Minute,
		VolatilitySpikeMultiplier: cfg.Exit.VolatilitySpikeMultiplier,
		MAEStopPct:                cfg.Exit.MAEStopPct,
		EODCutoffMinute:           parseCutoff(cfg.Exit.EODCutoff),
		Location:                  cfg.Meta.Location(),
		TP1Fraction:               cfg.OCO.TP1Fraction,
		BreakevenOnTP1:            cfg.OCO.BreakevenOnTP1,
	}
}

// exitTracking per-position state kept between cycles
type exitTracking struct {
	EntryTime time.Time
	EntryATR  float64
	TP1Hit    bool
}

// ExitManager decides, per open position and cycle, whether and why to exit
type ExitManager struct {
	cfg    ExitConfig
	logger *logger.Logger

	mu       sync.Mutex
	tracking map[string]*exitTracking
}

// NewExitManager creates an exit manager
func NewExitManager(cfg ExitConfig, log *logger.Logger) *ExitManager {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TP1Fraction <= 0 || cfg.TP1Fraction > 1 {
		cfg.TP1Fraction = 0.5
	}
	return &ExitManager{
		cfg:      cfg,
		logger:   log.WithComponent("exit"),
		tracking: make(map[string]*exitTracking),
	}
}

// Evaluate returns the first matching exit for pos at price, or nil.
// The trailing level is ratcheted on pos.TrailingStop in place; callers
// persist it. atr may be 0 when unknown (ATR-based rules are skipped).
func (m *ExitManager) Evaluate(pos *contracts.Position, price, atr, netLiquid float64, now time.Time) *contracts.ExitIntent {
	if pos == nil || !pos.IsOpen() || pos.Quantity <= 0 || price <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tr := m.track(pos, atr, now)
	intent := func(reason contracts.ExitReason, level float64, msg string) *contracts.ExitIntent {
		return &contracts.ExitIntent{
			PositionID:   pos.PositionID,
			Symbol:       pos.Symbol,
			Reason:       reason,
			Quantity:     pos.Quantity,
			CurrentPrice: price,
			TriggerLevel: level,
			Message:      msg,
			TriggeredAt:  now,
		}
	}

	// 1. hard stop
	if pos.StopLoss > 0 && crossedAgainst(pos.Side, price, pos.StopLoss) {
		return intent(contracts.ExitReasonHardStop, pos.StopLoss,
			fmt.Sprintf("price %.2f crossed stop %.2f", price, pos.StopLoss))
	}

	// 2. trailing stop
	if m.cfg.TrailingEnabled {
		m.ratchet(pos, price, atr)
		if pos.TrailingStop > 0 && crossedAgainst(pos.Side, price, pos.TrailingStop) {
			return intent(contracts.ExitReasonTrailingStop, pos.TrailingStop,
				fmt.Sprintf("price %.2f crossed trailing stop %.2f", price, pos.TrailingStop))
		}
	}

	// 3. take-profit tiers
	if !tr.TP1Hit && pos.TakeProfit1 > 0 && crossedFor(pos.Side, price, pos.TakeProfit1) {
		tr.TP1Hit = true
		out := intent(contracts.ExitReasonTP1, pos.TakeProfit1,
			fmt.Sprintf("price %.2f reached TP1 %.2f", price, pos.TakeProfit1))
		if pos.TakeProfit2 > 0 {
			qty, _ := SplitTargets(pos.Quantity, pos.LotSize, m.cfg.TP1Fraction, true, true)
			if qty > 0 && qty < pos.Quantity {
				out.Quantity = qty
				out.IsPartial = true
			}
		}
		if m.cfg.BreakevenOnTP1 {
			out.NewStopLoss = pos.EntryPrice
		}
		return out
	}
	if pos.TakeProfit2 > 0 && crossedFor(pos.Side, price, pos.TakeProfit2) {
		return intent(contracts.ExitReasonTP2, pos.TakeProfit2,
			fmt.Sprintf("price %.2f reached TP2 %.2f", price, pos.TakeProfit2))
	}

	// 4. time stop
	if m.cfg.TimeStop > 0 && now.Sub(tr.EntryTime) >= m.cfg.TimeStop && pos.UnrealizedAt(price) <= 0 {
		return intent(contracts.ExitReasonTimeStop, 0,
			fmt.Sprintf("held %s without profit", now.Sub(tr.EntryTime).Truncate(time.Second)))
	}

	// 5. volatility stop
	if m.cfg.VolatilitySpikeMultiplier > 0 && tr.EntryATR > 0 && atr > 0 {
		if ratio := atr / tr.EntryATR; ratio >= m.cfg.VolatilitySpikeMultiplier {
			return intent(contracts.ExitReasonVolatilityStop, ratio,
				fmt.Sprintf("ATR %.2f is %.1fx entry ATR %.2f", atr, ratio, tr.EntryATR))
		}
	}

	// 6. MAE stop
	if m.cfg.MAEStopPct > 0 && netLiquid > 0 {
		mae := math.Min(pos.MaxAdverse, pos.UnrealizedAt(price))
		if pct := math.Abs(mae) / netLiquid * 100; mae < 0 && pct >= m.cfg.MAEStopPct {
			return intent(contracts.ExitReasonMAEStop, pct,
				fmt.Sprintf("adverse excursion %.2f is %.2f%% of capital", mae, pct))
		}
	}

	// 7. EOD square-off
	if m.cfg.EODCutoffMinute >= 0 {
		local := now.In(m.cfg.Location)
		if local.Hour()*60+local.Minute() >= m.cfg.EODCutoffMinute {
			return intent(contracts.ExitReasonEOD, 0, "end of day square-off")
		}
	}

	return nil
}

// Forget clears tracking for a closed position. Reports whether state existed.
func (m *ExitManager) Forget(positionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tracking[positionID]; !ok {
		return false
	}
	delete(m.tracking, positionID)
	return true
}

// Prune drops tracking for ids not in open and returns how many were dropped
func (m *ExitManager) Prune(open map[string]struct{}) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id := range m.tracking {
		if _, ok := open[id]; !ok {
			delete(m.tracking, id)
			n++
		}
	}
	if n > 0 {
		m.logger.WithField("pruned", n).Warn("Dropped exit tracking for positions no longer open")
	}
	return n
}

// Tracked returns the number of positions with tracking state
func (m *ExitManager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracking)
}

// MarkTP1 records a TP1 that executed outside Evaluate (bracket leg fill)
func (m *ExitManager) MarkTP1(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.tracking[positionID]; ok {
		tr.TP1Hit = true
	}
}

func (m *ExitManager) track(pos *contracts.Position, atr float64, now time.Time) *exitTracking {
	tr, ok := m.tracking[pos.PositionID]
	if !ok {
		tr = &exitTracking{EntryTime: pos.OpenedAt}
		if tr.EntryTime.IsZero() {
			tr.EntryTime = now
		}
		// a position that already scaled out has passed TP1
		tr.TP1Hit = pos.InitialQuantity > 0 && pos.Quantity < pos.InitialQuantity
		m.tracking[pos.PositionID] = tr
	}
	if tr.EntryATR == 0 && atr > 0 {
		tr.EntryATR = atr
	}
	return tr
}

// ratchet moves the trailing level toward price, never away from it
func (m *ExitManager) ratchet(pos *contracts.Position, price, atr float64) {
	if pos.TrailingStop == 0 && pos.StopLoss > 0 {
		pos.TrailingStop = pos.StopLoss
	}
	if atr <= 0 || m.cfg.TrailATRMultiplier <= 0 {
		return
	}
	trail := atr * m.cfg.TrailATRMultiplier

	switch pos.Side {
	case contracts.PositionSideLong:
		if candidate := price - trail; candidate > pos.TrailingStop {
			pos.TrailingStop = candidate
		}
	case contracts.PositionSideShort:
		if candidate := price + trail; pos.TrailingStop == 0 || candidate < pos.TrailingStop {
			pos.TrailingStop = candidate
		}
	}
}

// crossedAgainst: price moved through level in the losing direction
func crossedAgainst(side contracts.PositionSide, price, level float64) bool {
	if side == contracts.PositionSideShort {
		return price >= level
	}
	return price <= level
}

// crossedFor: price moved through level in the winning direction
func crossedFor(side contracts.PositionSide, price, level float64) bool {
	if side == contracts.PositionSideShort {
		return price <= level
	}
	return price >= level
}

func parseCutoff(hhmm string) int {
	parts := strings.Split(strings.TrimSpace(hhmm), ":")
	if len(parts) != 2 {
		return -1
	}
	h, err1 := strconv.Atoi(parts[0])
	mm, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return -1
	}
	return h*60 + mm
}
