package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/state"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// FillCallbacks receives fills the watcher reconciles.
// Implementations must be idempotent per order id.
type FillCallbacks interface {
	// OnEntryFilled opens (or grows) the position for a filled entry
	OnEntryFilled(ctx context.Context, entry *contracts.Order) error
	// OnLegFilled books a protective leg or market close against its position
	OnLegFilled(ctx context.Context, order *contracts.Order) error
}

// Publisher fans status changes out to subscribers (event bus, websocket)
type Publisher interface {
	Publish(change contracts.StatusChange)
}

// Watcher reconciles local orders against the broker order book
// ⭐ SSOT: 브로커 상태 → 로컬 상태 반영은 Watcher.Poll()에서만
type Watcher struct {
	engine    *Engine
	book      *state.Book
	repo      contracts.TradingRepository
	oco       *OCOManager
	publisher Publisher
	interval  time.Duration
	logger    *logger.Logger

	cbMu      sync.RWMutex
	callbacks FillCallbacks
	gate      func() bool

	// Poll holds the write side; readers see orders only between passes
	pollMu sync.RWMutex

	entries *keyedMutex
}

// NewWatcher creates a watcher; callbacks and publisher may be nil
func NewWatcher(engine *Engine, book *state.Book, repo contracts.TradingRepository, oco *OCOManager, callbacks FillCallbacks, publisher Publisher, interval time.Duration, log *logger.Logger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		engine:    engine,
		book:      book,
		repo:      repo,
		oco:       oco,
		callbacks: callbacks,
		publisher: publisher,
		interval:  interval,
		logger:    log.WithComponent("watcher"),
		entries:   newKeyedMutex(),
	}
}

// SetCallbacks replaces the fill callbacks
func (w *Watcher) SetCallbacks(cb FillCallbacks) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.callbacks = cb
}

// SetGate makes Run skip passes while gate returns false (standby instances
// must not arm legs for another leader's fills)
func (w *Watcher) SetGate(gate func() bool) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.gate = gate
}

func (w *Watcher) open() bool {
	w.cbMu.RLock()
	gate := w.gate
	w.cbMu.RUnlock()
	return gate == nil || gate()
}

func (w *Watcher) fillCallbacks() FillCallbacks {
	w.cbMu.RLock()
	defer w.cbMu.RUnlock()
	return w.callbacks
}

// Run polls until ctx is cancelled. A failed pass is logged and retried on
// the next tick.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.WithField("interval", w.interval.String()).Info("Order watcher started")
	failLog := w.logger.Sampled(5, time.Minute)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.open() {
			if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				failLog.WithError(err).Warn("Reconcile pass failed")
			}
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Order watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one reconcile pass over every working order
func (w *Watcher) Poll(ctx context.Context) error {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()
	return w.reconcile(ctx)
}

// Settle runs a pass unless one is already in progress
func (w *Watcher) Settle(ctx context.Context) {
	if !w.pollMu.TryLock() {
		return
	}
	defer w.pollMu.Unlock()

	if err := w.reconcile(ctx); err != nil {
		w.logger.WithError(err).Debug("Settle pass failed")
	}
}

// Observe returns an order as of the last completed pass
func (w *Watcher) Observe(clientOrderID string) (*contracts.Order, bool) {
	w.pollMu.RLock()
	defer w.pollMu.RUnlock()
	return w.book.Order(clientOrderID)
}

func (w *Watcher) reconcile(ctx context.Context) error {
	active := w.book.WatchableOrders()
	if len(active) == 0 {
		return nil
	}

	broker := w.engine.Broker()
	if broker == nil {
		return fmt.Errorf("no broker wired for %s mode", w.engine.Mode())
	}

	callCtx, cancel := context.WithTimeout(ctx, w.engine.cfg.BrokerTimeout)
	remote, err := broker.GetOrders(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to fetch broker orders: %w", err)
	}

	byID := make(map[string]BrokerOrder, len(remote))
	byTag := make(map[string]BrokerOrder, len(remote))
	for _, bo := range remote {
		byID[bo.BrokerOrderID] = bo
		if bo.Tag != "" {
			byTag[bo.Tag] = bo
		}
	}

	for _, o := range active {
		bo, ok := byID[o.BrokerOrderID]
		if !ok {
			bo, ok = byTag[o.ClientOrderID]
		}
		if !ok {
			// absent from the broker book: no information, no change
			continue
		}
		w.reconcileOne(ctx, o, bo)
	}
	return nil
}

func (w *Watcher) reconcileOne(ctx context.Context, o *contracts.Order, bo BrokerOrder) {
	log := w.logger.WithFields(map[string]interface{}{
		"client_order_id": o.ClientOrderID,
		"tag":             o.Tag,
	})

	u := contracts.OrderUpdate{
		Status:         MapBrokerStatus(bo.Status, bo.FilledQuantity, o.Quantity),
		BrokerOrderID:  bo.BrokerOrderID,
		FilledQuantity: bo.FilledQuantity,
		AveragePrice:   bo.AveragePrice,
		Message:        bo.StatusMessage,
	}

	tr, updated, err := w.book.ApplyUpdate(o.ClientOrderID, u)
	if err != nil {
		log.WithError(err).Warn("Broker update rejected by lifecycle")
		return
	}
	if !tr.Changed {
		return
	}

	if err := w.repo.SaveOrder(ctx, updated); err != nil {
		log.WithError(err).Warn("Failed to persist reconciled order")
	}
	if w.publisher != nil {
		w.publisher.Publish(contracts.StatusChange{
			Order:     *updated,
			From:      tr.From,
			To:        tr.To,
			ChangedAt: updated.UpdatedAt,
		})
	}

	log.WithFields(map[string]interface{}{
		"from":   tr.From,
		"to":     tr.To,
		"filled": tr.Filled,
	}).Info("Order status changed")

	if err := w.dispatch(ctx, tr, updated); err != nil {
		log.WithError(err).Error("Fill handling failed")
	}
}

// dispatch routes a transition to the OCO manager and fill callbacks
func (w *Watcher) dispatch(ctx context.Context, tr contracts.Transition, o *contracts.Order) error {
	switch {
	case tr.IntoFilled():
		switch {
		case o.Tag == contracts.OrderTagEntry:
			return w.HandleEntryFill(ctx, o)
		case o.Tag.IsProtective():
			if w.oco != nil {
				if err := w.oco.OnChildFill(ctx, o.ParentGroup, o); err != nil {
					w.logger.WithError(err).WithField("group_id", o.ParentGroup).Warn("OCO child fill handling failed")
				}
			}
			return w.legFilled(ctx, o)
		default:
			return w.legFilled(ctx, o)
		}

	case tr.Into(contracts.OrderStatusRejected):
		if o.Tag == contracts.OrderTagEntry {
			if w.oco != nil {
				return w.oco.CancelAllInGroup(ctx, o.ParentGroup)
			}
			return nil
		}
		if o.Tag.IsProtective() {
			w.raiseRisk(ctx, &contracts.RiskEvent{
				Severity:   contracts.RiskSeverityCritical,
				Kind:       contracts.RiskKindChildRejected,
				GroupID:    o.ParentGroup,
				PositionID: o.PositionID,
				OrderID:    o.ClientOrderID,
				Symbol:     o.Symbol,
				Message:    fmt.Sprintf("%s leg rejected: %s", o.Tag, o.StatusMessage),
			})
		}
		return nil

	case tr.Into(contracts.OrderStatusCancelled) && o.HasFill():
		// cancelled after a partial fill: the filled part is real
		if o.Tag == contracts.OrderTagEntry {
			return w.HandleEntryFill(ctx, o)
		}
		return w.legFilled(ctx, o)
	}
	return nil
}

// HandleEntryFill opens the position for a (partially) filled entry and arms
// its legs for the filled quantity. Serialized per entry.
func (w *Watcher) HandleEntryFill(ctx context.Context, entry *contracts.Order) error {
	if entry.FilledQuantity <= 0 {
		return nil
	}
	unlock := w.entries.Lock(entry.ClientOrderID)
	defer unlock()

	if cb := w.fillCallbacks(); cb != nil {
		if err := cb.OnEntryFilled(ctx, entry); err != nil {
			return fmt.Errorf("failed to open position for %s: %w", entry.ClientOrderID, err)
		}
	}
	if w.oco == nil || entry.ParentGroup == "" {
		return nil
	}
	if _, err := w.oco.OnEntryFill(ctx, entry.ParentGroup, entry.FilledQuantity); err != nil {
		return fmt.Errorf("failed to arm legs for %s: %w", entry.ParentGroup, err)
	}
	return nil
}

func (w *Watcher) legFilled(ctx context.Context, o *contracts.Order) error {
	cb := w.fillCallbacks()
	if cb == nil {
		return nil
	}
	return cb.OnLegFilled(ctx, o)
}

func (w *Watcher) raiseRisk(ctx context.Context, ev *contracts.RiskEvent) {
	ev.CreatedAt = time.Now()
	if err := w.repo.SaveRiskEvent(ctx, ev); err != nil {
		w.logger.WithError(err).Warn("Failed to record risk event")
	}
}
