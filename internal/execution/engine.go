package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/state"
	"github.com/wonny/aegis/intraday/internal/tradeconfig"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// Mode selects the broker orders are routed to
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// ResultCode is the outcome of executing one signal
type ResultCode string

const (
	ResultSuccess  ResultCode = "SUCCESS"  // entry filled, legs placed
	ResultPartial  ResultCode = "PARTIAL"  // entry partly filled before timeout, legs sized to the fill
	ResultRejected ResultCode = "REJECTED" // broker rejected the entry
	ResultTimeout  ResultCode = "TIMEOUT"  // nothing filled, entry cancelled
	ResultError    ResultCode = "ERROR"    // unexpected failure, signal dropped
)

// ExecutionResult 신호 실행 결과
type ExecutionResult struct {
	Code           ResultCode         `json:"code"`
	Entry          *contracts.Order   `json:"entry,omitempty"`
	Legs           []*contracts.Order `json:"legs,omitempty"`
	FilledQuantity int                `json:"filled_quantity"`
	Message        string             `json:"message,omitempty"`
	Err            error              `json:"-"`
}

// EngineConfig order placement policy
type EngineConfig struct {
	MaxRetries      int
	Backoff         time.Duration
	FillTimeout     time.Duration
	FillPoll        time.Duration
	BrokerTimeout   time.Duration
	PriceDecimals   int
	DefaultExchange string
	DefaultProduct  contracts.Product
}

// EngineConfigFrom maps the execution section of the trading config
func EngineConfigFrom(ex tradeconfig.Execution) EngineConfig {
	return EngineConfig{
		MaxRetries:      ex.MaxRetries,
		Backoff:         ex.Backoff(),
		FillTimeout:     ex.FillTimeout(),
		FillPoll:        ex.FillPoll(),
		BrokerTimeout:   ex.BrokerTimeout(),
		PriceDecimals:   ex.PriceDecimals,
		DefaultExchange: ex.DefaultExchange,
		DefaultProduct:  contracts.Product(ex.DefaultProduct),
	}
}

// Engine places and cancels orders against the active broker
// ⭐ SSOT: 브로커 주문 제출은 Engine.PlaceOrder()를 통해서만
type Engine struct {
	cfg         EngineConfig
	book        *state.Book
	repo        contracts.TradingRepository
	throttle    *Throttle
	fingerprint string
	logger      *logger.Logger

	mu      sync.RWMutex
	mode    Mode
	paper   *PaperBroker
	live    Broker
	session SessionValidator

	oco     *OCOManager
	watcher *Watcher

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an execution engine in paper mode
func NewEngine(cfg EngineConfig, book *state.Book, repo contracts.TradingRepository, throttle *Throttle, fingerprint string, log *logger.Logger) *Engine {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.FillPoll <= 0 {
		cfg.FillPoll = 250 * time.Millisecond
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = 5 * time.Second
	}
	return &Engine{
		cfg:         cfg,
		book:        book,
		repo:        repo,
		throttle:    throttle,
		fingerprint: fingerprint,
		logger:      log.WithComponent("execution"),
		mode:        ModePaper,
		inflight:    make(map[string]struct{}),
		sleep:       sleepCtx,
	}
}

// UseBrokers wires the simulator, the live broker and its session check
func (e *Engine) UseBrokers(paper *PaperBroker, live Broker, session SessionValidator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paper = paper
	e.live = live
	e.session = session
}

// Attach wires the OCO manager and the watcher
func (e *Engine) Attach(oco *OCOManager, watcher *Watcher) {
	e.oco = oco
	e.watcher = watcher
}

// SetMode switches order routing (callers enforce the flat-book guard)
func (e *Engine) SetMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = m
}

// Mode returns the current routing mode
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// Broker returns the broker orders are currently routed to
func (e *Engine) Broker() Broker {
	b, _ := e.activeBroker()
	return b
}

// Paper returns the simulator (nil when not wired)
func (e *Engine) Paper() *PaperBroker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paper
}

// HasValidSession reports whether live orders may be sent
func (e *Engine) HasValidSession(ctx context.Context) bool {
	e.mu.RLock()
	session := e.session
	e.mu.RUnlock()
	return session != nil && session.HasValidSession(ctx)
}

// Fingerprint returns the config fingerprint mixed into order ids
func (e *Engine) Fingerprint() string {
	return e.fingerprint
}

func (e *Engine) activeBroker() (Broker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.mode == ModeLive {
		if e.live == nil {
			return nil, true
		}
		return e.live, true
	}
	if e.paper == nil {
		return nil, false
	}
	return e.paper, false
}

// =============================================================================
// Entry
// =============================================================================

// PlaceEntry submits the entry order for an approved, sized signal.
// Re-invocation with identical inputs returns the existing order without
// calling the broker.
func (e *Engine) PlaceEntry(ctx context.Context, sig *contracts.Signal, quantity int) (*contracts.Order, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("entry quantity must be positive, got %d", quantity)
	}

	id := ClientOrderID(sig, quantity, e.fingerprint, e.cfg.PriceDecimals)

	if existing, ok := e.lookupOrder(ctx, id); ok && existing.Status != contracts.OrderStatusPending {
		e.logger.WithFields(map[string]interface{}{
			"client_order_id": id,
			"status":          existing.Status,
		}).Info("Entry already placed, returning existing order")
		return existing, nil
	}

	entry := &contracts.Order{
		ClientOrderID:   id,
		Exchange:        firstNonEmpty(sig.Exchange, e.cfg.DefaultExchange),
		Symbol:          sig.Symbol,
		InstrumentToken: sig.InstrumentToken,
		Side:            sig.Side.EntrySide(),
		Quantity:        quantity,
		OrderType:       contracts.OrderTypeMarket,
		Product:         sig.Product,
		Status:          contracts.OrderStatusPending,
		Tag:             contracts.OrderTagEntry,
		ParentGroup:     GroupID(id),
		StrategyName:    sig.StrategyName,
	}
	if entry.Product == "" {
		entry.Product = e.cfg.DefaultProduct
	}
	if sig.EntryType == contracts.OrderTypeLimit {
		entry.OrderType = contracts.OrderTypeLimit
		entry.Price = sig.Entry
	}

	if e.oco != nil {
		if _, err := e.oco.CreateGroup(ctx, entry, sig.Lot(), sig.StopLoss, sig.TakeProfit1, sig.TakeProfit2); err != nil {
			return nil, fmt.Errorf("failed to create oco group: %w", err)
		}
	}

	if e.Mode() == ModePaper {
		if paper := e.Paper(); paper != nil {
			if _, known := paper.Mark(sig.Symbol); !known {
				paper.MarkPrice(sig.Symbol, sig.Entry)
			}
		}
	}

	placed, err := e.PlaceOrder(ctx, entry)
	if err != nil {
		// REJECTED either way: the broker refused it or every attempt failed
		var rej *RejectedError
		if (errors.As(err, &rej) || errors.Is(err, ErrRetriesExhausted)) && e.oco != nil {
			if cerr := e.oco.CancelAllInGroup(ctx, entry.ParentGroup); cerr != nil {
				e.logger.WithError(cerr).Warn("Failed to close group after entry rejection")
			}
		}
		return placed, err
	}

	e.Settle(ctx)
	if latest, ok := e.book.Order(id); ok {
		return latest, nil
	}
	return placed, nil
}

// PlaceExitLegs arms the protective legs of a filled entry for quantity
func (e *Engine) PlaceExitLegs(ctx context.Context, groupID string, quantity int) ([]*contracts.Order, error) {
	if e.oco == nil {
		return nil, fmt.Errorf("oco manager not attached")
	}
	return e.oco.OnEntryFill(ctx, groupID, quantity)
}

// WaitForFill waits until the order is terminal or timeout elapses.
// On timeout the order is cancelled at the broker and re-read once after the
// cancel; the cached state is used only when the cancel itself fails.
func (e *Engine) WaitForFill(ctx context.Context, clientOrderID string, timeout time.Duration) (*contracts.Order, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.FillPoll)
	defer ticker.Stop()

	for {
		o, ok := e.observe(clientOrderID)
		if !ok {
			return nil, fmt.Errorf("order %s: %w", clientOrderID, contracts.ErrNotFound)
		}
		if o.Status.IsTerminal() {
			return o, nil
		}

		select {
		case <-ctx.Done():
			return o, ctx.Err()
		case <-deadline.C:
			return e.cancelAfterTimeout(ctx, clientOrderID)
		case <-ticker.C:
			e.Settle(ctx)
		}
	}
}

func (e *Engine) cancelAfterTimeout(ctx context.Context, clientOrderID string) (*contracts.Order, error) {
	log := e.logger.WithField("client_order_id", clientOrderID)

	if err := e.CancelOrder(ctx, clientOrderID); err != nil {
		cached, ok := e.observe(clientOrderID)
		if !ok {
			return nil, fmt.Errorf("order %s: %w", clientOrderID, contracts.ErrNotFound)
		}
		log.WithError(err).Warn("Cancel after fill timeout failed, using cached fill state")
		e.raiseRisk(ctx, &contracts.RiskEvent{
			Severity: contracts.RiskSeverityWarning,
			Kind:     contracts.RiskKindCancelFailed,
			OrderID:  clientOrderID,
			GroupID:  cached.ParentGroup,
			Symbol:   cached.Symbol,
			Message:  fmt.Sprintf("entry cancel after timeout failed: %v", err),
		})
		return cached, nil
	}

	// authoritative re-read after the cancel
	if e.watcher != nil {
		if err := e.watcher.Poll(ctx); err != nil {
			log.WithError(err).Warn("Re-read after cancel failed, using cached fill state")
		}
	}
	o, ok := e.observe(clientOrderID)
	if !ok {
		return nil, fmt.Errorf("order %s: %w", clientOrderID, contracts.ErrNotFound)
	}

	log.WithFields(map[string]interface{}{
		"status":          o.Status,
		"filled_quantity": o.FilledQuantity,
	}).Info("Entry timed out")
	return o, nil
}

// observe reads an order between watcher passes so a fill is only seen
// after its callbacks have run
func (e *Engine) observe(clientOrderID string) (*contracts.Order, bool) {
	if e.watcher != nil {
		return e.watcher.Observe(clientOrderID)
	}
	return e.book.Order(clientOrderID)
}

// Execute runs one approved signal end to end
func (e *Engine) Execute(ctx context.Context, sig *contracts.Signal, quantity int) *ExecutionResult {
	res := &ExecutionResult{}
	log := e.logger.WithFields(map[string]interface{}{
		"symbol":   sig.Symbol,
		"strategy": sig.StrategyName,
		"quantity": quantity,
	})

	entry, err := e.PlaceEntry(ctx, sig, quantity)
	res.Entry = entry
	if err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) {
			res.Code, res.Message, res.Err = ResultRejected, rej.Reason, err
		} else {
			res.Code, res.Message, res.Err = ResultError, err.Error(), err
		}
		log.WithError(err).Warn("Entry placement failed")
		return res
	}

	final := entry
	if !entry.Status.IsTerminal() {
		final, err = e.WaitForFill(ctx, entry.ClientOrderID, e.cfg.FillTimeout)
		if err != nil {
			res.Code, res.Message, res.Err = ResultError, err.Error(), err
			return res
		}
	}
	res.Entry = final
	res.FilledQuantity = final.FilledQuantity

	switch {
	case final.Status == contracts.OrderStatusFilled:
		res.Code = ResultSuccess

	case final.Status == contracts.OrderStatusRejected:
		res.Code, res.Message = ResultRejected, final.StatusMessage
		return res

	case final.FilledQuantity > 0:
		res.Code = ResultPartial
		if e.watcher != nil {
			// cancel may still be pending at the broker; make sure the
			// position and its legs exist for what did fill
			if err := e.watcher.HandleEntryFill(ctx, final); err != nil {
				log.WithError(err).Warn("Partial fill handling failed")
			}
		}

	default:
		res.Code = ResultTimeout
		if e.oco != nil && final.Status.IsTerminal() {
			if err := e.oco.CancelAllInGroup(ctx, final.ParentGroup); err != nil {
				log.WithError(err).Warn("Failed to close group after entry timeout")
			}
		}
		return res
	}

	legs, err := e.PlaceExitLegs(ctx, final.ParentGroup, final.FilledQuantity)
	res.Legs = legs
	if err != nil {
		res.Code, res.Message, res.Err = ResultError, err.Error(), err
		log.WithError(err).Error("Protective legs not armed")
	}
	e.Settle(ctx)
	return res
}

// =============================================================================
// Primitive
// =============================================================================

// PlaceOrder rate-limits and submits one order with bounded retries
func (e *Engine) PlaceOrder(ctx context.Context, order *contracts.Order) (*contracts.Order, error) {
	broker, live := e.activeBroker()
	if live && !e.HasValidSession(ctx) {
		// fail closed: never fall back to a simulated fill in live mode
		e.logger.WithField("client_order_id", order.ClientOrderID).Error("Live order blocked, no broker session")
		return nil, ErrNoBrokerSession
	}
	if broker == nil {
		return nil, fmt.Errorf("no broker wired for %s mode", e.Mode())
	}

	if order.Status == "" {
		order.Status = contracts.OrderStatusPending
	}
	stored, inserted := e.book.AddOrder(order)
	if stored.Status != contracts.OrderStatusPending {
		return stored, nil
	}
	if !e.claim(stored.ClientOrderID) {
		// another caller is submitting this id right now
		return stored, nil
	}
	defer e.release(stored.ClientOrderID)

	e.persist(ctx, stored)

	log := e.logger.WithFields(map[string]interface{}{
		"client_order_id": stored.ClientOrderID,
		"symbol":          stored.Symbol,
		"tag":             stored.Tag,
		"side":            stored.Side,
		"qty":             stored.Quantity,
	})

	// a known PENDING order may have reached the broker before a restart
	brokerID, err := e.submit(ctx, broker, stored, !inserted)
	if err != nil {
		var rej *BrokerRejection
		switch {
		case errors.As(err, &rej):
			updated := e.apply(ctx, stored.ClientOrderID, contracts.OrderUpdate{Status: contracts.OrderStatusRejected, Message: rej.Reason})
			log.WithField("reason", rej.Reason).Warn("Order rejected by broker")
			return updated, &RejectedError{ClientOrderID: stored.ClientOrderID, Tag: stored.Tag, Reason: rej.Reason}

		case errors.Is(err, ErrRetriesExhausted):
			updated := e.apply(ctx, stored.ClientOrderID, contracts.OrderUpdate{Status: contracts.OrderStatusRejected, Message: err.Error()})
			log.WithError(err).Error("Order placement failed")
			return updated, err

		default:
			// context cancelled: leave PENDING so recovery can adopt it
			return stored, err
		}
	}

	updated := e.apply(ctx, stored.ClientOrderID, contracts.OrderUpdate{Status: contracts.OrderStatusPlaced, BrokerOrderID: brokerID})
	log.WithField("broker_order_id", brokerID).Info("Order placed")
	return updated, nil
}

func (e *Engine) submit(ctx context.Context, broker Broker, o *contracts.Order, lookupFirst bool) (string, error) {
	var lastErr error

	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.cfg.Backoff * time.Duration(1<<uint(attempt-1))
			if err := e.sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		// a timed-out attempt may still have been accepted
		if attempt > 0 || lookupFirst {
			if id, ok := e.findByTag(ctx, broker, o.ClientOrderID); ok {
				e.logger.WithFields(map[string]interface{}{
					"client_order_id": o.ClientOrderID,
					"broker_order_id": id,
				}).Info("Adopted order already accepted by broker")
				return id, nil
			}
		}

		if err := e.throttle.Wait(ctx); err != nil {
			return "", err
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
		id, err := broker.PlaceOrder(callCtx, requestFor(o))
		cancel()
		if err == nil {
			return id, nil
		}

		var rej *BrokerRejection
		if errors.As(err, &rej) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		e.logger.WithFields(map[string]interface{}{
			"client_order_id": o.ClientOrderID,
			"attempt":         attempt + 1,
			"max_retries":     e.cfg.MaxRetries,
		}).WithError(err).Warn("Order submission failed, retrying")
	}

	return "", fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, e.cfg.MaxRetries, lastErr)
}

func (e *Engine) findByTag(ctx context.Context, broker Broker, tag string) (string, bool) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	defer cancel()

	orders, err := broker.GetOrders(callCtx)
	if err != nil {
		return "", false
	}
	for _, bo := range orders {
		if bo.Tag == tag && bo.BrokerOrderID != "" {
			return bo.BrokerOrderID, true
		}
	}
	return "", false
}

// =============================================================================
// Cancel / Close
// =============================================================================

// CancelOrder cancels one order at the broker.
// The resulting CANCELLED status arrives through the watcher.
func (e *Engine) CancelOrder(ctx context.Context, clientOrderID string) error {
	o, ok := e.book.Order(clientOrderID)
	if !ok {
		return fmt.Errorf("order %s: %w", clientOrderID, contracts.ErrNotFound)
	}
	if o.Status.IsTerminal() {
		return nil
	}

	if o.BrokerOrderID == "" {
		if e.isInflight(clientOrderID) {
			return fmt.Errorf("order %s is being submitted", clientOrderID)
		}
		e.apply(ctx, clientOrderID, contracts.OrderUpdate{Status: contracts.OrderStatusCancelled, Message: "cancelled before submission"})
		return nil
	}

	broker, _ := e.activeBroker()
	if broker == nil {
		return fmt.Errorf("no broker wired for %s mode", e.Mode())
	}
	if err := e.throttle.Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	defer cancel()
	if err := broker.CancelOrder(callCtx, o.BrokerOrderID); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", clientOrderID, err)
	}

	e.logger.WithFields(map[string]interface{}{
		"client_order_id": clientOrderID,
		"tag":             o.Tag,
	}).Info("Cancel requested")
	return nil
}

// CancelGroup cancels every working entry/leg order of an OCO group.
// Market closes sharing the group are left alone.
func (e *Engine) CancelGroup(ctx context.Context, groupID string) error {
	var errs []error
	for _, o := range e.book.OrdersInGroup(groupID) {
		if !o.IsActive() || o.Tag == contracts.OrderTagExit {
			continue
		}
		if err := e.CancelOrder(ctx, o.ClientOrderID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClosePosition sends a market EXIT order for the open quantity.
// A working close for the same position is returned instead of a new one.
func (e *Engine) ClosePosition(ctx context.Context, pos *contracts.Position, reason contracts.ExitReason) (*contracts.Order, error) {
	if existing, ok := e.book.ActiveExitOrder(pos.PositionID); ok {
		return existing, nil
	}
	if pos.Quantity <= 0 {
		return nil, fmt.Errorf("position %s has no open quantity", pos.PositionID)
	}

	attempt := 0
	for {
		prior, ok := e.lookupOrder(ctx, ExitOrderID(e.fingerprint, pos.PositionID, attempt))
		if !ok {
			break
		}
		if prior.IsActive() {
			return prior, nil
		}
		attempt++
	}

	exit := &contracts.Order{
		ClientOrderID:   ExitOrderID(e.fingerprint, pos.PositionID, attempt),
		Exchange:        firstNonEmpty(pos.Exchange, e.cfg.DefaultExchange),
		Symbol:          pos.Symbol,
		InstrumentToken: pos.InstrumentToken,
		Side:            pos.Side.ExitSide(),
		Quantity:        pos.Quantity,
		OrderType:       contracts.OrderTypeMarket,
		Product:         pos.Product,
		Status:          contracts.OrderStatusPending,
		Tag:             contracts.OrderTagExit,
		ParentGroup:     pos.GroupID,
		PositionID:      pos.PositionID,
		StrategyName:    pos.StrategyName,
		StatusMessage:   string(reason),
	}

	placed, err := e.PlaceOrder(ctx, exit)
	if err != nil {
		return placed, err
	}
	e.logger.WithFields(map[string]interface{}{
		"position_id": pos.PositionID,
		"reason":      reason,
		"qty":         pos.Quantity,
	}).Info("Close order placed")

	e.Settle(ctx)
	if latest, ok := e.book.Order(exit.ClientOrderID); ok {
		return latest, nil
	}
	return placed, nil
}

// BrokerStatus reads one order straight from the broker book without
// applying it. known is false when the broker does not list the order.
func (e *Engine) BrokerStatus(ctx context.Context, clientOrderID string) (contracts.OrderStatus, bool, error) {
	o, ok := e.book.Order(clientOrderID)
	if !ok {
		return "", false, fmt.Errorf("order %s: %w", clientOrderID, contracts.ErrNotFound)
	}
	broker, _ := e.activeBroker()
	if broker == nil {
		return "", false, fmt.Errorf("no broker wired for %s mode", e.Mode())
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout)
	defer cancel()
	remote, err := broker.GetOrders(callCtx)
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch broker orders: %w", err)
	}
	for _, bo := range remote {
		if (o.BrokerOrderID != "" && bo.BrokerOrderID == o.BrokerOrderID) || bo.Tag == clientOrderID {
			return MapBrokerStatus(bo.Status, bo.FilledQuantity, o.Quantity), true, nil
		}
	}
	return "", false, nil
}

// Settle runs a reconcile pass in paper mode so simulated fills flow
// through the watcher like broker fills do
func (e *Engine) Settle(ctx context.Context) {
	if e.Mode() == ModePaper && e.watcher != nil {
		e.watcher.Settle(ctx)
	}
}

// =============================================================================
// helpers
// =============================================================================

func (e *Engine) lookupOrder(ctx context.Context, id string) (*contracts.Order, bool) {
	if o, ok := e.book.Order(id); ok {
		return o, true
	}
	stored, err := e.repo.GetOrder(ctx, id)
	if err != nil || stored == nil {
		return nil, false
	}
	o, _ := e.book.AddOrder(stored)
	return o, true
}

func (e *Engine) apply(ctx context.Context, id string, u contracts.OrderUpdate) *contracts.Order {
	_, o, err := e.book.ApplyUpdate(id, u)
	if err != nil {
		e.logger.WithError(err).WithField("client_order_id", id).Warn("Order update ignored")
		o, _ = e.book.Order(id)
		return o
	}
	e.persist(ctx, o)
	return o
}

// persist failures are logged and never block the trading path
func (e *Engine) persist(ctx context.Context, o *contracts.Order) {
	if o == nil {
		return
	}
	if err := e.repo.SaveOrder(ctx, o); err != nil {
		e.logger.WithError(err).WithField("client_order_id", o.ClientOrderID).Warn("Failed to persist order")
	}
}

func (e *Engine) raiseRisk(ctx context.Context, ev *contracts.RiskEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if err := e.repo.SaveRiskEvent(ctx, ev); err != nil {
		e.logger.WithError(err).Warn("Failed to record risk event")
	}
}

func (e *Engine) claim(id string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, id)
}

func (e *Engine) isInflight(id string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, busy := e.inflight[id]
	return busy
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
