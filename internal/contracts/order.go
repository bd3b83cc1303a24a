package contracts

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when an order update would move an order
// backwards through its lifecycle.
var ErrInvalidTransition = errors.New("invalid order status transition")

// ErrNotFound is returned by stores when a record does not exist
var ErrNotFound = errors.New("not found")

// Order represents one broker-facing instruction
// ⭐ SSOT: 주문 상태는 Apply()를 통해서만 변경
type Order struct {
	ClientOrderID   string      `json:"client_order_id"`
	BrokerOrderID   string      `json:"broker_order_id,omitempty"`
	Exchange        string      `json:"exchange"`
	Symbol          string      `json:"symbol"`
	InstrumentToken int64       `json:"instrument_token"`
	Side            OrderSide   `json:"side"`
	Quantity        int         `json:"quantity"`
	OrderType       OrderType   `json:"order_type"`
	Price           float64     `json:"price"`         // 0 for market / stop-market
	TriggerPrice    float64     `json:"trigger_price"` // stop orders only
	Product         Product     `json:"product"`
	Status          OrderStatus `json:"status"`
	FilledQuantity  int         `json:"filled_quantity"`
	AveragePrice    float64     `json:"average_price"`
	Tag             OrderTag    `json:"tag"`
	ParentGroup     string      `json:"parent_group,omitempty"`
	PositionID      string      `json:"position_id,omitempty"`
	StrategyName    string      `json:"strategy_name"`
	StatusMessage   string      `json:"status_message,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	FilledAt        time.Time   `json:"filled_at,omitempty"`
}

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the closing side
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the broker order variety
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStop       OrderType = "STOP"        // stop-limit (SL)
	OrderTypeStopMarket OrderType = "STOP_MARKET" // SL-M
)

// Product is the broker margin product
type Product string

const (
	ProductMIS  Product = "MIS"  // intraday
	ProductNRML Product = "NRML" // carry-forward derivatives
	ProductCNC  Product = "CNC"  // delivery equity
)

// OrderStatus is the internal order lifecycle
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPlaced    OrderStatus = "PLACED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transition is possible
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	case OrderStatusPending, OrderStatusPlaced, OrderStatusPartial:
		return false
	}
	return false
}

// IsWorking reports whether the order is live at the broker
func (s OrderStatus) IsWorking() bool {
	return s == OrderStatusPlaced || s == OrderStatusPartial
}

// CanTransition encodes PENDING → PLACED → PARTIAL/FILLED → CANCELLED/REJECTED
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return to != OrderStatusPending
	case OrderStatusPlaced:
		switch to {
		case OrderStatusPartial, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
			return true
		}
	case OrderStatusPartial:
		switch to {
		case OrderStatusPartial, OrderStatusFilled, OrderStatusCancelled:
			return true
		}
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return false
	}
	return false
}

// OrderTag identifies the role of an order inside a trade
type OrderTag string

const (
	OrderTagEntry OrderTag = "ENTRY"
	OrderTagStop  OrderTag = "STOP"
	OrderTagTP1   OrderTag = "TP1"
	OrderTagTP2   OrderTag = "TP2"
	OrderTagExit  OrderTag = "EXIT" // market close (exit manager, kill switch)
)

// IsProtective reports whether the tag is an OCO child leg
func (t OrderTag) IsProtective() bool {
	switch t {
	case OrderTagStop, OrderTagTP1, OrderTagTP2:
		return true
	case OrderTagEntry, OrderTagExit:
		return false
	}
	return false
}

// OrderUpdate carries broker-observed state for one order
type OrderUpdate struct {
	Status         OrderStatus
	BrokerOrderID  string
	FilledQuantity int
	AveragePrice   float64
	Message        string
}

// Transition describes the effect of applying an OrderUpdate
type Transition struct {
	ClientOrderID string
	From          OrderStatus
	To            OrderStatus
	PrevFilled    int
	Filled        int
	Changed       bool
}

// IntoFilled reports a transition into FILLED (fires exactly once per order)
func (t Transition) IntoFilled() bool {
	return t.Changed && t.To == OrderStatusFilled && t.From != OrderStatusFilled
}

// Into reports a transition into the given status
func (t Transition) Into(status OrderStatus) bool {
	return t.Changed && t.To == status && t.From != status
}

// Apply is the only way an order's status and fill fields change
func (o *Order) Apply(u OrderUpdate, now time.Time) (Transition, error) {
	tr := Transition{
		ClientOrderID: o.ClientOrderID,
		From:          o.Status,
		To:            o.Status,
		PrevFilled:    o.FilledQuantity,
		Filled:        o.FilledQuantity,
	}

	if u.Status == "" {
		u.Status = o.Status
	}

	if u.Status != o.Status && !o.Status.CanTransition(u.Status) {
		return tr, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, o.ClientOrderID, o.Status, u.Status)
	}
	if u.FilledQuantity < o.FilledQuantity {
		// brokers never un-fill; keep the larger figure
		u.FilledQuantity = o.FilledQuantity
	}
	if u.FilledQuantity > o.Quantity {
		u.FilledQuantity = o.Quantity
	}

	if u.BrokerOrderID != "" && u.BrokerOrderID != o.BrokerOrderID {
		o.BrokerOrderID = u.BrokerOrderID
		tr.Changed = true
	}
	if u.Status != o.Status {
		o.Status = u.Status
		tr.Changed = true
	}
	if u.FilledQuantity != o.FilledQuantity {
		o.FilledQuantity = u.FilledQuantity
		tr.Changed = true
	}
	if u.AveragePrice > 0 && u.AveragePrice != o.AveragePrice {
		o.AveragePrice = u.AveragePrice
		tr.Changed = true
	}
	if u.Message != "" {
		o.StatusMessage = u.Message
	}

	if tr.Changed {
		o.UpdatedAt = now
		if o.Status == OrderStatusFilled && o.FilledAt.IsZero() {
			o.FilledAt = now
		}
	}

	tr.To = o.Status
	tr.Filled = o.FilledQuantity
	return tr, nil
}

// RemainingQuantity returns the unfilled quantity
func (o *Order) RemainingQuantity() int {
	return o.Quantity - o.FilledQuantity
}

// IsActive reports whether the order may still fill
func (o *Order) IsActive() bool {
	return !o.Status.IsTerminal()
}

// HasFill reports whether any quantity was executed
func (o *Order) HasFill() bool {
	return o.FilledQuantity > 0
}

// Clone returns a copy safe to hand to other goroutines
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}
