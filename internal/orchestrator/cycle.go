package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/execution"
)

// RunCycle is one scan pass: mark, assess risk, manage exits, take entries.
// Non-leaders and closed markets return immediately.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	now := o.clock()
	o.mu.Lock()
	o.lastCycle = now
	o.mu.Unlock()

	if !o.IsLeader() {
		return nil
	}
	if !o.marketOpen(now) {
		return nil
	}

	o.markPositions(ctx)
	pr := o.portfolioRisk(ctx)

	if pr.IsDailyLossBreached {
		o.onDailyLossBreach(ctx, pr)
	}

	o.manageExits(ctx, pr)

	if err := o.executeSignals(ctx); err != nil && !errors.Is(err, ErrTradingPaused) {
		return err
	}
	return nil
}

// =============================================================================
// Marking
// =============================================================================

// markPositions prices every open position; in paper mode the tick is also
// fed to the simulator so resting legs can fill
func (o *Orchestrator) markPositions(ctx context.Context) {
	if o.Prices == nil {
		return
	}
	now := o.clock()
	paper := o.Engine.Mode() == execution.ModePaper && o.Engine.Paper() != nil

	crossed := 0
	for _, pos := range o.Book.OpenPositions() {
		price, err := o.Prices.GetLastPrice(ctx, pos.Symbol)
		if err != nil || price <= 0 {
			o.logger.WithError(err).WithField("symbol", pos.Symbol).Debug("No price for open position")
			continue
		}
		if paper {
			crossed += o.Engine.Paper().MarkPrice(pos.Symbol, price)
		}
		o.Book.UpdatePosition(pos.PositionID, func(p *contracts.Position) {
			p.Mark(price, now)
		})
	}
	if crossed > 0 {
		o.Engine.Settle(ctx)
	}
}

// portfolioRisk builds this cycle's snapshot. Store or account failures
// fall back to the last known realized figure and derived funds.
func (o *Orchestrator) portfolioRisk(ctx context.Context) *contracts.PortfolioRisk {
	now := o.clock()

	realized, err := o.Repo.RealizedPnLSince(ctx, o.dayStart(now))
	o.mu.Lock()
	if err != nil {
		o.logger.WithError(err).Warn("Realized PnL unavailable, using last value")
		realized = o.lastRealized
	} else {
		o.lastRealized = realized
	}
	o.mu.Unlock()

	var account contracts.Account
	if o.Account != nil {
		if account, err = o.Account.Account(ctx); err != nil {
			o.logger.WithError(err).Warn("Account funds unavailable, deriving from day start")
			account = contracts.Account{}
		}
	}

	pr := o.Risk.UpdatePortfolioRisk(o.Book.OpenPositions(), realized, account)
	o.mu.Lock()
	o.lastRisk = pr
	o.mu.Unlock()
	return pr
}

// onDailyLossBreach raises one critical event per day; new entries are
// already refused by the risk gate
func (o *Orchestrator) onDailyLossBreach(ctx context.Context, pr *contracts.PortfolioRisk) {
	day := o.clock().In(o.loc).Format(time.DateOnly)
	o.mu.Lock()
	seen := o.breachDay == day
	o.breachDay = day
	o.mu.Unlock()
	if seen {
		return
	}

	o.logger.WithFields(map[string]interface{}{
		"daily_pnl": pr.DailyPnL,
		"limit":     pr.DailyLossLimit,
	}).Error("Daily loss limit breached, entries blocked")
	o.raiseRisk(ctx, &contracts.RiskEvent{
		Severity: contracts.RiskSeverityCritical,
		Kind:     contracts.RiskKindDailyLossBreach,
		Message:  fmt.Sprintf("daily pnl %.2f beyond limit %.2f", pr.DailyPnL, pr.DailyLossLimit),
	})
}

// =============================================================================
// Exits
// =============================================================================

// manageExits evaluates every open position and acts on the first match
func (o *Orchestrator) manageExits(ctx context.Context, pr *contracts.PortfolioRisk) {
	if o.Exits == nil {
		return
	}
	now := o.clock()
	period := o.cfg.Exit.ATRPeriod

	for _, pos := range o.Book.OpenPositions() {
		if pos.CurrentPrice <= 0 {
			continue
		}
		var atr float64
		if o.ATR != nil {
			v, err := o.ATR.GetATR(ctx, pos.Symbol, period)
			if err == nil {
				atr = v
			}
		}

		trailBefore := pos.TrailingStop
		intent := o.Exits.Evaluate(pos, pos.CurrentPrice, atr, pr.NetLiquid, now)
		if pos.TrailingStop != trailBefore {
			trail := pos.TrailingStop
			o.Book.UpdatePosition(pos.PositionID, func(p *contracts.Position) {
				p.TrailingStop = trail
			})
		}
		if intent == nil {
			continue
		}
		if err := o.applyExit(ctx, pos, intent); err != nil {
			o.logger.WithError(err).WithFields(map[string]interface{}{
				"position_id": pos.PositionID,
				"reason":      string(intent.Reason),
			}).Error("Exit failed")
		}
	}
}

// applyExit carries out an exit intent. A TP1 partial with a live bracket
// only moves the stop (the resting TP1 leg does the selling); otherwise the
// position, or the partial quantity, is closed at market after its
// protective legs are cancelled.
func (o *Orchestrator) applyExit(ctx context.Context, pos *contracts.Position, intent *contracts.ExitIntent) error {
	log := o.logger.WithFields(map[string]interface{}{
		"position_id": pos.PositionID,
		"symbol":      pos.Symbol,
		"reason":      string(intent.Reason),
		"price":       intent.CurrentPrice,
	})

	if intent.IsPartial {
		if intent.NewStopLoss > 0 {
			o.tightenStop(pos.PositionID, intent.NewStopLoss)
		}
		if o.hasLiveBracket(pos, contracts.OrderTagTP1) {
			log.Info("TP1 reached, bracket leg working")
			return nil
		}
		partial := pos.Clone()
		partial.Quantity = intent.Quantity
		o.rememberExit(pos.PositionID, intent.Reason)
		if _, err := o.Engine.ClosePosition(ctx, partial, intent.Reason); err != nil {
			return fmt.Errorf("failed to close tp1 quantity: %w", err)
		}
		log.WithField("qty", intent.Quantity).Info("TP1 partial close placed")
		return nil
	}

	if current, ok := o.Book.Position(pos.PositionID); !ok || !current.IsOpen() {
		return nil
	}

	o.rememberExit(pos.PositionID, intent.Reason)
	current, ready, err := o.disarm(ctx, pos.PositionID)
	if err != nil {
		log.WithError(err).Warn("Close deferred, protective legs not confirmed cancelled")
		return nil
	}
	if !ready {
		// a leg filled while cancelling
		return nil
	}
	if _, err := o.Engine.ClosePosition(ctx, current, intent.Reason); err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	log.Info("Exit triggered")
	return nil
}

// hasLiveBracket reports whether the position's group has a working leg
// with tag
func (o *Orchestrator) hasLiveBracket(pos *contracts.Position, tag contracts.OrderTag) bool {
	if pos.GroupID == "" {
		return false
	}
	for _, ord := range o.Book.OrdersInGroup(pos.GroupID) {
		if ord.Tag == tag && ord.IsActive() {
			return true
		}
	}
	return false
}

// tightenStop moves the hard stop in the favourable direction only
func (o *Orchestrator) tightenStop(positionID string, stop float64) {
	o.Book.UpdatePosition(positionID, func(p *contracts.Position) {
		if p.Side == contracts.PositionSideShort {
			if p.StopLoss == 0 || stop < p.StopLoss {
				p.StopLoss = stop
			}
			return
		}
		if stop > p.StopLoss {
			p.StopLoss = stop
		}
	})
}

func (o *Orchestrator) rememberExit(positionID string, reason contracts.ExitReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exitReasons[positionID] = reason
}

// =============================================================================
// Entries
// =============================================================================

// executeSignals claims up to MaxSignalsPerCycle signals and executes the
// approved ones best score first, refreshing risk after each fill
func (o *Orchestrator) executeSignals(ctx context.Context) error {
	if o.Signals == nil || !o.TradingAllowed() {
		return nil
	}
	sigs, err := o.Signals.Claim(ctx, o.cfg.Orchestrator.MaxSignalsPerCycle)
	if err != nil {
		return fmt.Errorf("failed to claim signals: %w", err)
	}
	rankSignals(sigs)

	for i, sig := range sigs {
		res, err := o.ExecuteSignal(ctx, sig)
		if errors.Is(err, ErrTradingPaused) {
			// paused mid-cycle: hand the rest back unexecuted
			for _, rest := range sigs[i:] {
				o.completeSignal(ctx, rest, "SKIPPED", "trading paused")
			}
			return err
		}
		switch {
		case err != nil:
			o.completeSignal(ctx, sig, "REJECTED", err.Error())
		default:
			o.completeSignal(ctx, sig, string(res.Code), res.Message)
		}
	}
	return nil
}

// ExecuteSignal validates, risk-checks and executes one signal
func (o *Orchestrator) ExecuteSignal(ctx context.Context, sig *contracts.Signal) (*execution.ExecutionResult, error) {
	if !o.TradingAllowed() {
		return nil, ErrTradingPaused
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	if o.holding(sig.Symbol) {
		return nil, fmt.Errorf("already holding %s", sig.Symbol)
	}

	pr := o.portfolioRisk(ctx)
	decision := o.Risk.CheckSignal(sig, pr)
	if !decision.Approved {
		return nil, fmt.Errorf("risk rejected: %s", strings.Join(decision.Reasons, "; "))
	}

	res := o.Engine.Execute(ctx, sig, decision.PositionSize)
	o.logger.WithFields(map[string]interface{}{
		"signal_id": sig.ID,
		"symbol":    sig.Symbol,
		"code":      string(res.Code),
		"filled":    res.FilledQuantity,
		"size":      decision.PositionSize,
	}).Info("Signal executed")
	return res, nil
}

func (o *Orchestrator) holding(symbol string) bool {
	for _, p := range o.Book.OpenPositions() {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}

func (o *Orchestrator) completeSignal(ctx context.Context, sig *contracts.Signal, outcome, msg string) {
	if err := o.Signals.Complete(ctx, sig.ID, outcome, msg); err != nil {
		o.logger.WithError(err).WithField("signal_id", sig.ID).Warn("Failed to record signal outcome")
	}
}

// =============================================================================
// Calendar
// =============================================================================

// marketOpen reports whether now falls inside the weekday session
func (o *Orchestrator) marketOpen(now time.Time) bool {
	local := now.In(o.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	open, okOpen := minuteOfDay(o.cfg.Orchestrator.MarketOpen)
	closing, okClose := minuteOfDay(o.cfg.Orchestrator.MarketClose)
	if !okOpen || !okClose {
		return true
	}
	m := local.Hour()*60 + local.Minute()
	return m >= open && m < closing
}

// dayStart returns local midnight of now's trading day
func (o *Orchestrator) dayStart(now time.Time) time.Time {
	local := now.In(o.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, o.loc)
}

func minuteOfDay(hhmm string) (int, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
