package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

func TestMapBrokerStatus(t *testing.T) {
	tests := []struct {
		raw         string
		filled, qty int
		want        contracts.OrderStatus
	}{
		{"OPEN", 0, 75, contracts.OrderStatusPlaced},
		{"TRIGGER PENDING", 0, 75, contracts.OrderStatusPlaced},
		{"open", 25, 75, contracts.OrderStatusPartial},
		{"COMPLETE", 75, 75, contracts.OrderStatusFilled},
		{"CANCELLED", 0, 75, contracts.OrderStatusCancelled},
		{"CANCELLED AMO", 0, 75, contracts.OrderStatusCancelled},
		{"REJECTED", 0, 75, contracts.OrderStatusRejected},
		{"VALIDATION PENDING", 0, 75, contracts.OrderStatusPlaced},
		{"MODIFY PENDING", 75, 75, contracts.OrderStatusFilled},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, MapBrokerStatus(tt.raw, tt.filled, tt.qty))
		})
	}
}

func TestClientOrderID(t *testing.T) {
	sig := niftySignal()

	id := ClientOrderID(sig, 450, "fp", 2)
	assert.Len(t, id, ClientOrderIDLength)
	assert.Equal(t, id, ClientOrderID(sig, 450, "fp", 2), "deterministic")

	moved := *sig
	moved.StopLoss = 90.001 // rounds to the same price
	assert.Equal(t, id, ClientOrderID(&moved, 450, "fp", 2))

	assert.NotEqual(t, id, ClientOrderID(sig, 375, "fp", 2))
	assert.NotEqual(t, id, ClientOrderID(sig, 450, "other-fp", 2))

	other := *sig
	other.StrategyName = "vwap"
	assert.NotEqual(t, id, ClientOrderID(&other, 450, "fp", 2))

	g := GroupID(id)
	assert.Len(t, g, ClientOrderIDLength)
	assert.Equal(t, byte('G'), g[0])

	stop0 := ChildOrderID("fp", g, contracts.OrderTagStop, 0)
	assert.NotEqual(t, stop0, ChildOrderID("fp", g, contracts.OrderTagStop, 1))
	assert.NotEqual(t, stop0, ChildOrderID("fp", g, contracts.OrderTagTP1, 0))
	assert.NotEqual(t, ExitOrderID("fp", "P1", 0), ExitOrderID("fp", "P1", 1))
}

func TestPaperBroker_FillRules(t *testing.T) {
	tests := []struct {
		name  string
		req   PlaceOrderRequest
		mark  float64
		known bool
		fills bool
		price float64
	}{
		{"market at mark", PlaceOrderRequest{OrderType: contracts.OrderTypeMarket, Side: contracts.OrderSideBuy}, 101, true, true, 101},
		{"market without mark uses price", PlaceOrderRequest{OrderType: contracts.OrderTypeMarket, Price: 99}, 0, false, true, 99},
		{"market without any price rests", PlaceOrderRequest{OrderType: contracts.OrderTypeMarket}, 0, false, false, 0},
		{"buy limit marketable", PlaceOrderRequest{OrderType: contracts.OrderTypeLimit, Side: contracts.OrderSideBuy, Price: 100}, 99, true, true, 100},
		{"buy limit rests", PlaceOrderRequest{OrderType: contracts.OrderTypeLimit, Side: contracts.OrderSideBuy, Price: 100}, 105, true, false, 0},
		{"sell limit marketable", PlaceOrderRequest{OrderType: contracts.OrderTypeLimit, Side: contracts.OrderSideSell, Price: 115}, 116, true, true, 115},
		{"sell stop triggered", PlaceOrderRequest{OrderType: contracts.OrderTypeStopMarket, Side: contracts.OrderSideSell, TriggerPrice: 90}, 89, true, true, 89},
		{"sell stop rests", PlaceOrderRequest{OrderType: contracts.OrderTypeStopMarket, Side: contracts.OrderSideSell, TriggerPrice: 90}, 95, true, false, 0},
		{"stop without mark rests", PlaceOrderRequest{OrderType: contracts.OrderTypeStopMarket, Side: contracts.OrderSideSell, TriggerPrice: 90}, 0, false, false, 0},
		{"buy stop-limit uses limit", PlaceOrderRequest{OrderType: contracts.OrderTypeStop, Side: contracts.OrderSideBuy, TriggerPrice: 110, Price: 111}, 112, true, true, 111},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, ok := fillPrice(tt.req, tt.mark, tt.known)
			assert.Equal(t, tt.fills, ok)
			assert.Equal(t, tt.price, price)
		})
	}
}

func TestPaperBroker_RestingOrdersFillOnMark(t *testing.T) {
	b := NewPaperBroker()
	ctx := context.Background()
	b.MarkPrice("NIFTY", 100)

	stopID, err := b.PlaceOrder(ctx, PlaceOrderRequest{
		Symbol: "NIFTY", Side: contracts.OrderSideSell, Quantity: 75,
		OrderType: contracts.OrderTypeStopMarket, TriggerPrice: 90, Tag: "stop",
	})
	require.NoError(t, err)
	tpID, err := b.PlaceOrder(ctx, PlaceOrderRequest{
		Symbol: "NIFTY", Side: contracts.OrderSideSell, Quantity: 75,
		OrderType: contracts.OrderTypeLimit, Price: 115, Tag: "tp",
	})
	require.NoError(t, err)

	assert.Equal(t, 0, b.MarkPrice("BANKNIFTY", 80), "other symbols untouched")
	assert.Equal(t, 1, b.MarkPrice("NIFTY", 88))

	orders, err := b.GetOrders(ctx)
	require.NoError(t, err)
	byID := map[string]BrokerOrder{}
	for _, o := range orders {
		byID[o.BrokerOrderID] = o
	}
	assert.Equal(t, BrokerStatusComplete, byID[stopID].Status)
	assert.Equal(t, 88.0, byID[stopID].AveragePrice)
	assert.Equal(t, BrokerStatusOpen, byID[tpID].Status)

	require.NoError(t, b.CancelOrder(ctx, tpID))
	assert.Error(t, b.CancelOrder(ctx, tpID), "already cancelled")
	assert.Error(t, b.CancelOrder(ctx, "missing"))

	_, err = b.PlaceOrder(ctx, PlaceOrderRequest{Symbol: "NIFTY", Quantity: 0})
	var rej *BrokerRejection
	assert.ErrorAs(t, err, &rej)
}
