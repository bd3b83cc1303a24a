package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

// PaperBroker simulates the broker in paper mode.
// Marketable orders fill at submission; stop legs and non-marketable limits
// rest until MarkPrice crosses them.
type PaperBroker struct {
	mu     sync.Mutex
	seq    int
	marks  map[string]float64 // symbol → last price
	orders map[string]*paperOrder
	order  []string
}

type paperOrder struct {
	req BrokerOrder
	in  PlaceOrderRequest
}

// NewPaperBroker creates a simulated broker
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		marks:  make(map[string]float64),
		orders: make(map[string]*paperOrder),
	}
}

// HasValidSession always holds for the simulator
func (b *PaperBroker) HasValidSession(ctx context.Context) bool {
	return true
}

// PlaceOrder accepts an order and fills it when marketable
func (b *PaperBroker) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", &BrokerRejection{Reason: "quantity must be positive"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := fmt.Sprintf("PAPER-%06d", b.seq)
	po := &paperOrder{
		in: req,
		req: BrokerOrder{
			BrokerOrderID: id,
			Tag:           req.Tag,
			Status:        BrokerStatusOpen,
			Quantity:      req.Quantity,
		},
	}
	if req.OrderType == contracts.OrderTypeStop || req.OrderType == contracts.OrderTypeStopMarket {
		po.req.Status = BrokerStatusTriggerPending
	}
	b.orders[id] = po
	b.order = append(b.order, id)

	mark, known := b.marks[req.Symbol]
	if price, ok := fillPrice(req, mark, known); ok {
		b.fill(po, price)
	}
	return id, nil
}

// CancelOrder cancels a resting order
func (b *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	po, ok := b.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("paper order %s not found", brokerOrderID)
	}
	switch po.req.Status {
	case BrokerStatusComplete, BrokerStatusCancelled, BrokerStatusRejected:
		return fmt.Errorf("paper order %s already %s", brokerOrderID, po.req.Status)
	}
	po.req.Status = BrokerStatusCancelled
	return nil
}

// GetOrders returns the simulated order book
func (b *PaperBroker) GetOrders(ctx context.Context) ([]BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BrokerOrder, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.orders[id].req)
	}
	return out, nil
}

// MarkPrice records a price and fills resting orders it crosses
func (b *PaperBroker) MarkPrice(symbol string, price float64) int {
	if price <= 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.marks[symbol] = price
	filled := 0
	for _, id := range b.order {
		po := b.orders[id]
		if po.in.Symbol != symbol || !isResting(po.req.Status) {
			continue
		}
		if fp, ok := fillPrice(po.in, price, true); ok {
			b.fill(po, fp)
			filled++
		}
	}
	return filled
}

// Mark returns the last known price for symbol
func (b *PaperBroker) Mark(symbol string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.marks[symbol]
	return p, ok
}

func (b *PaperBroker) fill(po *paperOrder, price float64) {
	po.req.Status = BrokerStatusComplete
	po.req.FilledQuantity = po.req.Quantity
	po.req.AveragePrice = price
	b.marks[po.in.Symbol] = price
}

func isResting(status string) bool {
	return status == BrokerStatusOpen || status == BrokerStatusTriggerPending
}

// fillPrice decides whether an order executes at mark and at what price.
// An unknown mark makes market and limit orders fill at their own price.
func fillPrice(req PlaceOrderRequest, mark float64, known bool) (float64, bool) {
	buy := req.Side == contracts.OrderSideBuy

	switch req.OrderType {
	case contracts.OrderTypeMarket:
		if known {
			return mark, true
		}
		if req.Price > 0 {
			return req.Price, true
		}
		return 0, false

	case contracts.OrderTypeLimit:
		if !known {
			return req.Price, true
		}
		if (buy && mark <= req.Price) || (!buy && mark >= req.Price) {
			return req.Price, true
		}
		return 0, false

	case contracts.OrderTypeStop, contracts.OrderTypeStopMarket:
		if !known {
			return 0, false
		}
		if (buy && mark >= req.TriggerPrice) || (!buy && mark <= req.TriggerPrice) {
			if req.OrderType == contracts.OrderTypeStop && req.Price > 0 {
				return req.Price, true
			}
			return mark, true
		}
		return 0, false
	}
	return 0, false
}
