package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/execution"
)

// OnEntryFilled opens the position for a filled entry, or grows it when a
// later pass reports more filled quantity. Replays are no-ops.
func (o *Orchestrator) OnEntryFilled(ctx context.Context, entry *contracts.Order) error {
	if entry.FilledQuantity <= 0 {
		return nil
	}
	o.fillMu.Lock()
	defer o.fillMu.Unlock()

	g := o.groupFor(ctx, entry.ParentGroup)
	now := o.clock()

	var pos *contracts.Position
	grown := 0
	err := o.Repo.InTx(ctx, "position:"+entry.ClientOrderID, func(ctx context.Context, tx contracts.TradingStore) error {
		current, ok := o.Book.PositionByEntryOrder(entry.ClientOrderID)
		if !ok {
			stored, err := tx.GetPositionByEntryOrder(ctx, entry.ClientOrderID)
			switch {
			case err == nil && stored != nil:
				current = stored
			case err != nil && !errors.Is(err, contracts.ErrNotFound):
				return err
			}
		}
		if current == nil {
			current = newPosition(entry, g, now)
		}

		grown = entry.FilledQuantity - current.InitialQuantity
		if grown <= 0 {
			pos = current
			return nil
		}

		price := entry.AveragePrice
		if price <= 0 {
			price = entry.Price
		}
		fees := o.Risk.Fees().FillFees(current.Class, entry.Side, grown, price).Total

		current.Quantity += grown
		current.InitialQuantity = entry.FilledQuantity
		if price > 0 {
			current.EntryPrice = price
		}
		current.RiskAmount = math.Abs(current.EntryPrice-current.StopLoss) * float64(current.InitialQuantity)
		current.Fees += fees
		current.Status = contracts.PositionStatusOpen
		current.ClosedAt = time.Time{}
		current.UpdatedAt = now

		if err := tx.SavePosition(ctx, current); err != nil {
			return err
		}
		pos = current
		return tx.AppendTrade(ctx, &contracts.TradeRecord{
			ID:         tradeID(entry.ClientOrderID, entry.FilledQuantity),
			PositionID: current.PositionID,
			OrderID:    entry.ClientOrderID,
			Symbol:     entry.Symbol,
			Side:       entry.Side,
			Tag:        entry.Tag,
			Quantity:   grown,
			Price:      price,
			Fees:       fees,
			ExecutedAt: now,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to record entry fill: %w", err)
	}

	o.Book.PutPosition(pos)
	o.Book.LinkPosition(entry.ClientOrderID, pos.PositionID)
	if pos.GroupID != "" && o.OCO != nil {
		if err := o.OCO.LinkPosition(ctx, pos.GroupID, pos.PositionID); err != nil {
			o.logger.WithError(err).WithField("group_id", pos.GroupID).Warn("Failed to link position to group")
		}
	}

	if grown > 0 {
		o.logger.WithFields(map[string]interface{}{
			"position_id": pos.PositionID,
			"symbol":      pos.Symbol,
			"side":        string(pos.Side),
			"qty":         pos.Quantity,
			"entry_price": pos.EntryPrice,
			"added":       grown,
		}).Info("Position opened")
	}
	return nil
}

// OnLegFilled books a protective leg or market close: reduces the position,
// realizes PnL net of both legs' fees and closes it at zero quantity
func (o *Orchestrator) OnLegFilled(ctx context.Context, ord *contracts.Order) error {
	o.fillMu.Lock()
	defer o.fillMu.Unlock()

	delta := ord.FilledQuantity - o.booked[ord.ClientOrderID]
	if delta <= 0 {
		return nil
	}

	pos, ok := o.positionForLeg(ord)
	if !ok || !pos.IsOpen() {
		o.booked[ord.ClientOrderID] = ord.FilledQuantity
		o.logger.WithFields(map[string]interface{}{
			"order_id": ord.ClientOrderID,
			"tag":      string(ord.Tag),
			"qty":      delta,
		}).Error("Exit fill without an open position")
		o.raiseRisk(ctx, &contracts.RiskEvent{
			Severity: contracts.RiskSeverityCritical,
			Kind:     contracts.RiskKindEmergencyClose,
			GroupID:  ord.ParentGroup,
			OrderID:  ord.ClientOrderID,
			Symbol:   ord.Symbol,
			Message:  fmt.Sprintf("%s fill of %d with no open position; check broker net position", ord.Tag, delta),
		})
		return nil
	}

	now := o.clock()
	price := ord.AveragePrice
	if price <= 0 {
		price = pos.CurrentPrice
	}
	closeQty := min(delta, pos.Quantity)

	fees := o.Risk.Fees()
	exitFees := fees.FillFees(pos.Class, ord.Side, closeQty, price).Total
	entryShare := fees.FillFees(pos.Class, pos.Side.EntrySide(), closeQty, pos.EntryPrice).Total
	gross := (price - pos.EntryPrice) * float64(closeQty) * pos.Side.Sign()
	realized := gross - exitFees - entryShare

	pos.Quantity -= closeQty
	pos.RealizedPnL += realized
	pos.Fees += exitFees
	pos.CurrentPrice = price
	pos.UnrealizedPnL = pos.UnrealizedAt(price)
	pos.UpdatedAt = now

	if ord.Tag == contracts.OrderTagTP1 && pos.Quantity > 0 {
		if o.Exits != nil {
			o.Exits.MarkTP1(pos.PositionID)
		}
		if g, ok := o.Book.Group(pos.GroupID); ok && g.StopPrice > 0 {
			pos.StopLoss = g.StopPrice
		}
	}

	closed := pos.Quantity == 0
	if closed {
		pos.Status = contracts.PositionStatusClosed
		pos.ClosedAt = now
		pos.ExitOrderID = ord.ClientOrderID
		pos.ExitReason = o.exitReasonFor(pos.PositionID, ord)
		pos.UnrealizedPnL = 0
	}

	if err := o.Repo.SavePosition(ctx, pos); err != nil {
		o.logger.WithError(err).WithField("position_id", pos.PositionID).Error("Failed to persist position")
	}
	trade := &contracts.TradeRecord{
		ID:          tradeID(ord.ClientOrderID, ord.FilledQuantity),
		PositionID:  pos.PositionID,
		OrderID:     ord.ClientOrderID,
		Symbol:      ord.Symbol,
		Side:        ord.Side,
		Tag:         ord.Tag,
		Quantity:    closeQty,
		Price:       price,
		Fees:        exitFees,
		RealizedPnL: realized,
		ExecutedAt:  now,
	}
	if err := o.Repo.AppendTrade(ctx, trade); err != nil {
		o.logger.WithError(err).WithField("order_id", ord.ClientOrderID).Error("Failed to append trade")
	}
	o.booked[ord.ClientOrderID] = ord.FilledQuantity

	log := o.logger.WithFields(map[string]interface{}{
		"position_id": pos.PositionID,
		"symbol":      pos.Symbol,
		"tag":         string(ord.Tag),
		"qty":         closeQty,
		"price":       price,
		"realized":    realized,
	})

	if delta > closeQty {
		o.raiseRisk(ctx, &contracts.RiskEvent{
			Severity:   contracts.RiskSeverityCritical,
			Kind:       contracts.RiskKindEmergencyClose,
			GroupID:    ord.ParentGroup,
			PositionID: pos.PositionID,
			OrderID:    ord.ClientOrderID,
			Symbol:     ord.Symbol,
			Message:    fmt.Sprintf("%s over-filled by %d; check broker net position", ord.Tag, delta-closeQty),
		})
	}

	if !closed {
		o.Book.PutPosition(pos)
		log.WithField("remaining", pos.Quantity).Info("Position reduced")
		return nil
	}

	o.Book.RemovePosition(pos.PositionID)
	if o.Exits != nil {
		o.Exits.Forget(pos.PositionID)
	}
	o.mu.Lock()
	delete(o.exitReasons, pos.PositionID)
	o.mu.Unlock()
	o.forgetBooked(ord, pos.GroupID)

	if g, ok := o.Book.Group(pos.GroupID); ok && !g.IsClosed() && o.OCO != nil {
		// a market close leaves the bracket working
		if err := o.OCO.CancelAllInGroup(ctx, g.GroupID); err != nil {
			log.WithError(err).Warn("Failed to cancel remaining legs")
		}
	}
	log.WithFields(map[string]interface{}{
		"reason":       string(pos.ExitReason),
		"realized_pnl": pos.RealizedPnL,
	}).Info("Position closed")
	return nil
}

// handleUnprotected flattens a filled position whose legs could not be
// armed. Runs outside the group lock.
func (o *Orchestrator) handleUnprotected(ctx context.Context, g *contracts.OCOGroup, uerr *execution.UnprotectedError) {
	log := o.logger.WithFields(map[string]interface{}{
		"group_id": g.GroupID,
		"symbol":   g.Symbol,
		"leg":      string(uerr.Leg),
	})
	log.WithError(uerr).Error("Position unprotected, emergency close")

	o.raiseRisk(ctx, &contracts.RiskEvent{
		Severity: contracts.RiskSeverityCritical,
		Kind:     contracts.RiskKindEmergencyClose,
		GroupID:  g.GroupID,
		Symbol:   g.Symbol,
		Message:  uerr.Error(),
	})

	details := map[string]interface{}{
		"group_id": g.GroupID,
		"symbol":   g.Symbol,
		"leg":      string(uerr.Leg),
	}

	pos, ok := o.Book.PositionByGroup(g.GroupID)
	if !ok || !pos.IsOpen() {
		log.Error("No open position found for unprotected group")
		o.audit(ctx, contracts.AuditEmergencyClose, "unprotected group without position", details)
		return
	}
	details["position_id"] = pos.PositionID

	o.rememberExit(pos.PositionID, contracts.ExitReasonUnprotected)
	// may run inside a watcher pass, so no re-read here: a leg that refused
	// to cancel could still fill, and closing on top of it would double the exit
	if err := o.OCO.CancelAllInGroup(ctx, g.GroupID); err != nil {
		log.WithError(err).Error("Legs not cancelled, emergency close deferred")
		details["error"] = err.Error()
		o.audit(ctx, contracts.AuditEmergencyClose, "unprotected position close deferred", details)
		return
	}
	if current, ok := o.Book.Position(pos.PositionID); ok && current.IsOpen() {
		if _, err := o.Engine.ClosePosition(ctx, current, contracts.ExitReasonUnprotected); err != nil {
			log.WithError(err).Error("Emergency close failed")
			details["error"] = err.Error()
		}
	}
	o.audit(ctx, contracts.AuditEmergencyClose, "unprotected position closed at market", details)
}

// =============================================================================
// helpers
// =============================================================================

func newPosition(entry *contracts.Order, g *contracts.OCOGroup, now time.Time) *contracts.Position {
	p := &contracts.Position{
		PositionID:      uuid.NewString(),
		Exchange:        entry.Exchange,
		Symbol:          entry.Symbol,
		InstrumentToken: entry.InstrumentToken,
		Class:           contracts.ClassifyInstrument(entry.Exchange, entry.Symbol),
		Product:         entry.Product,
		LotSize:         1,
		Side:            contracts.PositionSideFromOrder(entry.Side),
		Status:          contracts.PositionStatusOpen,
		StrategyName:    entry.StrategyName,
		EntryOrderID:    entry.ClientOrderID,
		GroupID:         entry.ParentGroup,
		OpenedAt:        now,
		UpdatedAt:       now,
	}
	if g != nil {
		p.StopLoss = g.StopPrice
		p.TakeProfit1 = g.TP1Price
		p.TakeProfit2 = g.TP2Price
		if g.LotSize > 0 {
			p.LotSize = g.LotSize
		}
	}
	return p
}

func (o *Orchestrator) groupFor(ctx context.Context, groupID string) *contracts.OCOGroup {
	if groupID == "" {
		return nil
	}
	if g, ok := o.Book.Group(groupID); ok {
		return g
	}
	if g, err := o.Repo.GetGroup(ctx, groupID); err == nil {
		return g
	}
	return nil
}

// forgetBooked drops the booked quantities of a closed position's finished
// orders. Orders still working keep theirs so a late fill is measured
// against what was already booked. Caller holds fillMu.
func (o *Orchestrator) forgetBooked(ord *contracts.Order, groupID string) {
	if ord.Status.IsTerminal() {
		delete(o.booked, ord.ClientOrderID)
	}
	if groupID == "" {
		return
	}
	for _, sib := range o.Book.OrdersInGroup(groupID) {
		if sib.Status.IsTerminal() {
			delete(o.booked, sib.ClientOrderID)
		}
	}
}

func (o *Orchestrator) positionForLeg(ord *contracts.Order) (*contracts.Position, bool) {
	if ord.PositionID != "" {
		if p, ok := o.Book.Position(ord.PositionID); ok {
			return p, true
		}
	}
	if ord.ParentGroup != "" {
		return o.Book.PositionByGroup(ord.ParentGroup)
	}
	return nil, false
}

// exitReasonFor names why a position closed: the reason recorded when the
// close was requested, else what the filled leg was
func (o *Orchestrator) exitReasonFor(positionID string, ord *contracts.Order) contracts.ExitReason {
	o.mu.RLock()
	reason, ok := o.exitReasons[positionID]
	o.mu.RUnlock()

	switch ord.Tag {
	case contracts.OrderTagTP1:
		return contracts.ExitReasonTP1
	case contracts.OrderTagTP2:
		return contracts.ExitReasonTP2
	case contracts.OrderTagStop:
		return contracts.ExitReasonBracket
	case contracts.OrderTagEntry, contracts.OrderTagExit:
	}
	if ok {
		return reason
	}
	return contracts.ExitReasonManual
}

// tradeID is stable per order and cumulative fill so a replayed fill maps
// onto the same ledger line
func tradeID(orderID string, filled int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(orderID+":"+strconv.Itoa(filled))).String()
}
