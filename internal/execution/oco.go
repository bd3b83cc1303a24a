package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/state"
	"github.com/wonny/aegis/intraday/internal/tradeconfig"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// OCOConfig protective leg policy
type OCOConfig struct {
	TP1Fraction    float64
	BreakevenOnTP1 bool
}

// OCOConfigFrom maps the oco section of the trading config
func OCOConfigFrom(c tradeconfig.OCO) OCOConfig {
	return OCOConfig{TP1Fraction: c.TP1Fraction, BreakevenOnTP1: c.BreakevenOnTP1}
}

// UnprotectedHandler is told about a filled position whose legs failed.
// It runs after the group lock is released.
type UnprotectedHandler func(ctx context.Context, group *contracts.OCOGroup, err *UnprotectedError)

// OCOManager builds and tracks one-cancels-other groups
// ⭐ SSOT: 보호 주문(STOP/TP) 생성/취소는 여기서만
//
// Exclusivity holds between legs covering the same quantity: the stop and
// the final target. TP1 is a scale-out tier; its fill re-arms the stop for
// the remaining quantity instead of closing the group.
type OCOManager struct {
	cfg           OCOConfig
	engine        *Engine
	book          *state.Book
	repo          contracts.TradingRepository
	logger        *logger.Logger
	locks         *keyedMutex
	onUnprotected UnprotectedHandler
	now           func() time.Time
}

// NewOCOManager creates an OCO manager placing orders through engine
func NewOCOManager(cfg OCOConfig, engine *Engine, book *state.Book, repo contracts.TradingRepository, log *logger.Logger) *OCOManager {
	if cfg.TP1Fraction <= 0 || cfg.TP1Fraction > 1 {
		cfg.TP1Fraction = 0.5
	}
	return &OCOManager{
		cfg:    cfg,
		engine: engine,
		book:   book,
		repo:   repo,
		logger: log.WithComponent("oco"),
		locks:  newKeyedMutex(),
		now:    time.Now,
	}
}

// SetUnprotectedHandler registers the emergency-close hook
func (m *OCOManager) SetUnprotectedHandler(h UnprotectedHandler) {
	m.onUnprotected = h
}

// CreateGroup registers the group for an entry order and derives the child
// ids. Nothing is submitted until OnEntryFill.
func (m *OCOManager) CreateGroup(ctx context.Context, entry *contracts.Order, lotSize int, stopPrice, tp1Price, tp2Price float64) (string, error) {
	if stopPrice <= 0 {
		return "", fmt.Errorf("group for %s needs a stop price", entry.ClientOrderID)
	}

	groupID := entry.ParentGroup
	if groupID == "" {
		groupID = GroupID(entry.ClientOrderID)
	}
	if _, err := m.group(ctx, m.repo, groupID); err == nil {
		return groupID, nil
	}

	fp := m.engine.Fingerprint()
	now := m.now()
	g := &contracts.OCOGroup{
		GroupID:         groupID,
		EntryOrderID:    entry.ClientOrderID,
		Exchange:        entry.Exchange,
		Symbol:          entry.Symbol,
		InstrumentToken: entry.InstrumentToken,
		EntrySide:       entry.Side,
		Product:         entry.Product,
		StrategyName:    entry.StrategyName,
		LotSize:         lotSize,
		Fingerprint:     fp,
		StopPrice:       stopPrice,
		TP1Price:        tp1Price,
		TP2Price:        tp2Price,
		Quantity:        entry.Quantity,
		StopOrderID:     ChildOrderID(fp, groupID, contracts.OrderTagStop, 0),
		State:           contracts.GroupStatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if tp1Price > 0 {
		g.TP1OrderID = ChildOrderID(fp, groupID, contracts.OrderTagTP1, 0)
	}
	if tp2Price > 0 {
		g.TP2OrderID = ChildOrderID(fp, groupID, contracts.OrderTagTP2, 0)
	}

	m.saveGroup(ctx, m.repo, g)
	return groupID, nil
}

// LinkPosition records the position a group protects so leg fills and
// market closes can be attributed to it
func (m *OCOManager) LinkPosition(ctx context.Context, groupID, positionID string) error {
	unlock := m.locks.Lock(groupID)
	defer unlock()

	g, err := m.group(ctx, m.repo, groupID)
	if err != nil {
		return err
	}
	if g.PositionID == positionID {
		return nil
	}
	g.PositionID = positionID
	m.saveGroup(ctx, m.repo, g)

	for _, o := range m.book.OrdersInGroup(groupID) {
		if o.PositionID == "" {
			m.book.LinkPosition(o.ClientOrderID, positionID)
		}
	}
	return nil
}

// OnEntryFill submits stop, TP1 and TP2 for quantity.
// Single-flight: an in-process lock plus a store transaction locked on the
// group; children that already exist at the broker are returned as-is.
func (m *OCOManager) OnEntryFill(ctx context.Context, groupID string, quantity int) ([]*contracts.Order, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("group %s: leg quantity must be positive", groupID)
	}

	unlock := m.locks.Lock(groupID)
	var (
		legs       []*contracts.Order
		unprotErr  *UnprotectedError
		armedGroup *contracts.OCOGroup
	)

	body := func(ctx context.Context, tx contracts.TradingStore) error {
		g, err := m.group(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if g.IsClosed() {
			return ErrGroupClosed
		}

		if existing := m.existingLegs(ctx, tx, g); len(existing) > 0 {
			legs = existing
			return nil
		}

		g.Quantity = quantity
		g.State = contracts.GroupStateArmed
		built := m.buildLegs(g, quantity)
		if len(built) == 0 || built[0].Tag != contracts.OrderTagStop {
			return fmt.Errorf("group %s: no stop leg built", groupID)
		}
		if len(built) < 2 || built[1].Tag != contracts.OrderTagTP1 {
			g.TP1OrderID = ""
		}
		if built[len(built)-1].Tag != contracts.OrderTagTP2 {
			g.TP2OrderID = ""
		}
		m.saveGroup(ctx, tx, g)
		armedGroup = g

		// stop first: it is the leg that makes the position safe
		for _, leg := range built {
			placed, err := m.engine.PlaceOrder(ctx, leg)
			if err != nil {
				return &UnprotectedError{GroupID: groupID, Leg: leg.Tag, Quantity: leg.Quantity, Err: err}
			}
			legs = append(legs, placed)
		}
		return nil
	}

	err := m.inTx(ctx, groupID, body)
	unlock()

	if errors.As(err, &unprotErr) {
		m.logger.WithFields(map[string]interface{}{
			"group_id": groupID,
			"leg":      unprotErr.Leg,
			"qty":      unprotErr.Quantity,
		}).WithError(unprotErr.Err).Error("Protective leg placement failed, position unprotected")
		m.raiseRisk(ctx, &contracts.RiskEvent{
			Severity: contracts.RiskSeverityCritical,
			Kind:     contracts.RiskKindLegFailed,
			GroupID:  groupID,
			Symbol:   armedGroup.Symbol,
			Message:  unprotErr.Error(),
		})
		if m.onUnprotected != nil {
			m.onUnprotected(ctx, armedGroup.Clone(), unprotErr)
		}
		return legs, unprotErr
	}
	if err != nil {
		return legs, err
	}

	if armedGroup != nil {
		m.logger.WithFields(map[string]interface{}{
			"group_id": groupID,
			"legs":     len(legs),
			"qty":      quantity,
		}).Info("OCO group armed")
	}
	return legs, nil
}

// OnChildFill reacts to a protective leg reaching FILLED.
// A terminal leg cancels every active sibling and closes the group; a TP1
// fill with TP2 live re-arms the stop for the remaining quantity.
// Replays are no-ops.
func (m *OCOManager) OnChildFill(ctx context.Context, groupID string, filled *contracts.Order) error {
	unlock := m.locks.Lock(groupID)
	defer unlock()

	g, err := m.group(ctx, m.repo, groupID)
	if err != nil {
		return err
	}

	if filled.Tag == contracts.OrderTagTP1 && g.TP2OrderID != "" && !g.IsClosed() {
		if g.TP1Done {
			return nil
		}
		return m.rearmStop(ctx, g, filled)
	}

	cancelled := m.cancelSiblings(ctx, groupID, filled.ClientOrderID)
	if !g.IsClosed() {
		g.State = contracts.GroupStateClosed
		m.saveGroup(ctx, m.repo, g)
		m.logger.WithFields(map[string]interface{}{
			"group_id":  groupID,
			"filled":    filled.Tag,
			"cancelled": cancelled,
		}).Info("OCO group closed by child fill")
	}
	return nil
}

// CancelAllInGroup cancels every active entry/leg order and closes the group
// (EOD square-off, kill switch, entry rejected)
func (m *OCOManager) CancelAllInGroup(ctx context.Context, groupID string) error {
	unlock := m.locks.Lock(groupID)

	var cancelErr error
	if g, err := m.group(ctx, m.repo, groupID); err == nil {
		if !g.IsClosed() {
			g.State = contracts.GroupStateClosed
			m.saveGroup(ctx, m.repo, g)
		}
		cancelErr = m.engine.CancelGroup(ctx, groupID)
	} else if !errors.Is(err, ErrGroupNotFound) {
		cancelErr = err
	}
	unlock()

	m.engine.Settle(ctx)
	if cancelErr != nil {
		m.logger.WithError(cancelErr).WithField("group_id", groupID).Warn("Group cancel incomplete")
	}
	return cancelErr
}

// =============================================================================
// internals
// =============================================================================

func (m *OCOManager) rearmStop(ctx context.Context, g *contracts.OCOGroup, tp1 *contracts.Order) error {
	log := m.logger.WithField("group_id", g.GroupID)

	remaining := g.Quantity - tp1.FilledQuantity
	if remaining <= 0 {
		g.TP1Done = true
		m.saveGroup(ctx, m.repo, g)
		return nil
	}

	oldStop := g.StopOrderID
	live, err := m.retireStop(ctx, oldStop)
	if err != nil && !live {
		// the stop fill arrives through the watcher and closes the group
		log.WithError(err).Info("Old stop already filled, not re-arming")
		g.TP1Done = true
		g.Quantity = remaining
		m.saveGroup(ctx, m.repo, g)
		return nil
	}
	if err != nil {
		// a stop sized for the full quantity is still working against the
		// remainder; do not stack a second stop on it
		unprot := &UnprotectedError{GroupID: g.GroupID, Leg: contracts.OrderTagStop, Quantity: remaining, Err: err}
		log.WithError(err).Error("Stop cancel failed on TP1, stop left over-sized")
		m.raiseRisk(ctx, &contracts.RiskEvent{
			Severity: contracts.RiskSeverityCritical,
			Kind:     contracts.RiskKindCancelFailed,
			GroupID:  g.GroupID,
			OrderID:  oldStop,
			Symbol:   g.Symbol,
			Message:  fmt.Sprintf("stop re-arm after TP1 blocked: %v", err),
		})
		g.TP1Done = true
		g.Quantity = remaining
		m.saveGroup(ctx, m.repo, g)
		if m.onUnprotected != nil {
			go m.onUnprotected(context.WithoutCancel(ctx), g.Clone(), unprot)
		}
		return unprot
	}

	newStop := g.StopPrice
	if m.cfg.BreakevenOnTP1 {
		if entry, ok := m.book.Order(g.EntryOrderID); ok && entry.AveragePrice > 0 {
			newStop = entry.AveragePrice
		}
	}

	g.StopGeneration++
	g.StopOrderID = ChildOrderID(g.Fingerprint, g.GroupID, contracts.OrderTagStop, g.StopGeneration)
	g.StopPrice = newStop
	g.Quantity = remaining
	g.TP1Done = true
	m.saveGroup(ctx, m.repo, g)

	stop := m.stopLeg(g, remaining)
	if _, err := m.engine.PlaceOrder(ctx, stop); err != nil {
		unprot := &UnprotectedError{GroupID: g.GroupID, Leg: contracts.OrderTagStop, Quantity: remaining, Err: err}
		m.raiseRisk(ctx, &contracts.RiskEvent{
			Severity: contracts.RiskSeverityCritical,
			Kind:     contracts.RiskKindLegFailed,
			GroupID:  g.GroupID,
			Symbol:   g.Symbol,
			Message:  unprot.Error(),
		})
		log.WithError(err).Error("Re-armed stop placement failed")
		if m.onUnprotected != nil {
			// the handler takes the group lock again; run it detached
			go m.onUnprotected(context.WithoutCancel(ctx), g.Clone(), unprot)
		}
		return unprot
	}

	log.WithFields(map[string]interface{}{
		"stop_price": newStop,
		"qty":        remaining,
		"generation": g.StopGeneration,
	}).Info("Stop re-armed after TP1")
	return nil
}

// retireStop cancels a stop with the engine's retry budget. When every
// attempt fails the broker book is read once: live reports whether the stop
// is still working there. A nil error means the cancel was accepted.
func (m *OCOManager) retireStop(ctx context.Context, stopID string) (live bool, err error) {
	cfg := m.engine.cfg
	attempts := max(cfg.MaxRetries, 1)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if serr := m.engine.sleep(ctx, cfg.Backoff*time.Duration(1<<uint(attempt-1))); serr != nil {
				return true, serr
			}
		}
		if err = m.engine.CancelOrder(ctx, stopID); err == nil {
			return false, nil
		}
		m.logger.WithFields(map[string]interface{}{
			"client_order_id": stopID,
			"attempt":         attempt + 1,
		}).WithError(err).Warn("Stop cancel failed")
	}

	status, known, rerr := m.engine.BrokerStatus(ctx, stopID)
	if rerr != nil || !known {
		return true, err
	}
	switch {
	case status == contracts.OrderStatusFilled:
		return false, fmt.Errorf("stop %s already filled at the broker: %w", stopID, err)
	case status.IsTerminal():
		return false, nil
	}
	return true, err
}

func (m *OCOManager) cancelSiblings(ctx context.Context, groupID, filledID string) int {
	n := 0
	for _, o := range m.book.OrdersInGroup(groupID) {
		if o.ClientOrderID == filledID || !o.IsActive() || !o.Tag.IsProtective() {
			continue
		}
		if err := m.engine.CancelOrder(ctx, o.ClientOrderID); err != nil {
			m.logger.WithError(err).WithField("client_order_id", o.ClientOrderID).Warn("Sibling cancel failed")
			continue
		}
		n++
	}
	return n
}

// existingLegs returns the current children already live or done at the broker
func (m *OCOManager) existingLegs(ctx context.Context, store contracts.TradingStore, g *contracts.OCOGroup) []*contracts.Order {
	var (
		out  []*contracts.Order
		live bool
	)
	for _, id := range g.ChildIDs() {
		o, ok := m.book.Order(id)
		if !ok {
			stored, err := store.GetOrder(ctx, id)
			if err != nil || stored == nil {
				continue
			}
			o, _ = m.book.AddOrder(stored)
		}
		out = append(out, o)
		switch o.Status {
		case contracts.OrderStatusPlaced, contracts.OrderStatusPartial, contracts.OrderStatusFilled:
			live = true
		}
	}
	if !live {
		return nil
	}
	return out
}

// buildLegs returns stop, TP1 and TP2 in submission order
func (m *OCOManager) buildLegs(g *contracts.OCOGroup, quantity int) []*contracts.Order {
	legs := []*contracts.Order{m.stopLeg(g, quantity)}

	tp1Qty, tp2Qty := SplitTargets(quantity, g.LotSize, m.cfg.TP1Fraction, g.HasTP1(), g.HasTP2())
	if tp1Qty > 0 {
		legs = append(legs, m.targetLeg(g, contracts.OrderTagTP1, g.TP1OrderID, g.TP1Price, tp1Qty))
	}
	if tp2Qty > 0 {
		id := g.TP2OrderID
		if id == "" {
			id = ChildOrderID(g.Fingerprint, g.GroupID, contracts.OrderTagTP2, 0)
		}
		legs = append(legs, m.targetLeg(g, contracts.OrderTagTP2, id, g.TP2Price, tp2Qty))
	}
	return legs
}

func (m *OCOManager) stopLeg(g *contracts.OCOGroup, quantity int) *contracts.Order {
	return &contracts.Order{
		ClientOrderID:   g.StopOrderID,
		Exchange:        g.Exchange,
		Symbol:          g.Symbol,
		InstrumentToken: g.InstrumentToken,
		Side:            g.EntrySide.Opposite(),
		Quantity:        quantity,
		OrderType:       contracts.OrderTypeStopMarket,
		TriggerPrice:    g.StopPrice,
		Product:         g.Product,
		Status:          contracts.OrderStatusPending,
		Tag:             contracts.OrderTagStop,
		ParentGroup:     g.GroupID,
		PositionID:      g.PositionID,
		StrategyName:    g.StrategyName,
	}
}

func (m *OCOManager) targetLeg(g *contracts.OCOGroup, tag contracts.OrderTag, id string, price float64, quantity int) *contracts.Order {
	return &contracts.Order{
		ClientOrderID:   id,
		Exchange:        g.Exchange,
		Symbol:          g.Symbol,
		InstrumentToken: g.InstrumentToken,
		Side:            g.EntrySide.Opposite(),
		Quantity:        quantity,
		OrderType:       contracts.OrderTypeLimit,
		Price:           price,
		Product:         g.Product,
		Status:          contracts.OrderStatusPending,
		Tag:             tag,
		ParentGroup:     g.GroupID,
		PositionID:      g.PositionID,
		StrategyName:    g.StrategyName,
	}
}

// SplitTargets sizes TP1 and TP2. With both targets TP1 takes fraction of
// the quantity rounded down to whole lots and TP2 the remainder; a single
// target takes everything.
func SplitTargets(quantity, lotSize int, fraction float64, hasTP1, hasTP2 bool) (tp1, tp2 int) {
	if lotSize < 1 {
		lotSize = 1
	}
	switch {
	case hasTP1 && hasTP2:
		lots := int(math.Floor(float64(quantity) * fraction / float64(lotSize)))
		tp1 = lots * lotSize
		if tp1 > quantity {
			tp1 = quantity
		}
		return tp1, quantity - tp1
	case hasTP1:
		return quantity, 0
	case hasTP2:
		return 0, quantity
	}
	return 0, 0
}

// inTx runs body inside a store transaction locked on the group. When the
// store is unreachable the in-process lock alone guards the section, since
// leaving a filled position without legs is worse than a degraded guard.
func (m *OCOManager) inTx(ctx context.Context, groupID string, body func(ctx context.Context, tx contracts.TradingStore) error) error {
	ran := false
	err := m.repo.InTx(ctx, "oco:"+groupID, func(ctx context.Context, tx contracts.TradingStore) error {
		ran = true
		return body(ctx, tx)
	})
	if err != nil && !ran {
		m.logger.WithError(err).WithField("group_id", groupID).Warn("Store transaction unavailable, using in-process guard only")
		return body(ctx, m.repo)
	}
	return err
}

func (m *OCOManager) group(ctx context.Context, store contracts.TradingStore, groupID string) (*contracts.OCOGroup, error) {
	if g, ok := m.book.Group(groupID); ok {
		return g, nil
	}
	g, err := store.GetGroup(ctx, groupID)
	if err != nil || g == nil {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	m.book.PutGroup(g)
	return g, nil
}

func (m *OCOManager) saveGroup(ctx context.Context, store contracts.TradingStore, g *contracts.OCOGroup) {
	g.UpdatedAt = m.now()
	m.book.PutGroup(g)
	if err := store.SaveGroup(ctx, g); err != nil {
		m.logger.WithError(err).WithField("group_id", g.GroupID).Warn("Failed to persist oco group")
	}
}

func (m *OCOManager) raiseRisk(ctx context.Context, ev *contracts.RiskEvent) {
	ev.CreatedAt = m.now()
	if err := m.repo.SaveRiskEvent(ctx, ev); err != nil {
		m.logger.WithError(err).Warn("Failed to record risk event")
	}
}
