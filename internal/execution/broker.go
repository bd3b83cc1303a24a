package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

// Broker defines interface for broker operations
// ⭐ SSOT: 증권사 연동 인터페이스는 여기서만 정의
type Broker interface {
	// PlaceOrder submits an order and returns the broker order id
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error)

	// CancelOrder cancels an existing order
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrders returns today's order book in one call
	GetOrders(ctx context.Context) ([]BrokerOrder, error)
}

// SessionValidator reports whether live credentials are usable
type SessionValidator interface {
	HasValidSession(ctx context.Context) bool
}

// PlaceOrderRequest is the broker-facing order payload
type PlaceOrderRequest struct {
	Exchange     string
	Symbol       string
	Side         contracts.OrderSide
	Quantity     int
	OrderType    contracts.OrderType
	Price        float64
	TriggerPrice float64
	Product      contracts.Product
	Tag          string // client order id, echoed back in the order book
}

// BrokerOrder is one row of the broker order book
type BrokerOrder struct {
	BrokerOrderID  string
	Tag            string
	Status         string // raw broker status
	Quantity       int
	FilledQuantity int
	AveragePrice   float64
	StatusMessage  string
}

// BrokerRejection is a business-rule refusal; it is never retried
type BrokerRejection struct {
	Reason string
}

func (e *BrokerRejection) Error() string {
	return fmt.Sprintf("broker rejected order: %s", e.Reason)
}

// Broker order book statuses
const (
	BrokerStatusOpen           = "OPEN"
	BrokerStatusTriggerPending = "TRIGGER PENDING"
	BrokerStatusComplete       = "COMPLETE"
	BrokerStatusCancelled      = "CANCELLED"
	BrokerStatusRejected       = "REJECTED"
)

// MapBrokerStatus maps a broker status to the internal lifecycle.
// OPEN/TRIGGER PENDING → PLACED (PARTIAL once something filled),
// COMPLETE → FILLED, CANCELLED → CANCELLED, REJECTED → REJECTED.
// Transitional broker states (validation, modify/cancel pending) map to PLACED.
func MapBrokerStatus(raw string, filled, quantity int) contracts.OrderStatus {
	status := strings.ToUpper(strings.TrimSpace(raw))
	switch status {
	case BrokerStatusComplete:
		return contracts.OrderStatusFilled
	case BrokerStatusCancelled:
		return contracts.OrderStatusCancelled
	case BrokerStatusRejected:
		return contracts.OrderStatusRejected
	}

	if strings.HasPrefix(status, "CANCELLED") {
		return contracts.OrderStatusCancelled
	}
	if filled > 0 && filled < quantity {
		return contracts.OrderStatusPartial
	}
	if filled > 0 && filled >= quantity {
		return contracts.OrderStatusFilled
	}
	return contracts.OrderStatusPlaced
}

// requestFor builds the broker payload for an order
func requestFor(o *contracts.Order) PlaceOrderRequest {
	return PlaceOrderRequest{
		Exchange:     o.Exchange,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Quantity:     o.Quantity,
		OrderType:    o.OrderType,
		Price:        o.Price,
		TriggerPrice: o.TriggerPrice,
		Product:      o.Product,
		Tag:          o.ClientOrderID,
	}
}
