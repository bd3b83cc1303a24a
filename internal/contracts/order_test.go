package contracts

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{OrderStatusPending, OrderStatusPlaced, true},
		{OrderStatusPending, OrderStatusFilled, true},
		{OrderStatusPending, OrderStatusRejected, true},
		{OrderStatusPlaced, OrderStatusPartial, true},
		{OrderStatusPlaced, OrderStatusFilled, true},
		{OrderStatusPlaced, OrderStatusPending, false},
		{OrderStatusPartial, OrderStatusPartial, true},
		{OrderStatusPartial, OrderStatusFilled, true},
		{OrderStatusPartial, OrderStatusRejected, false},
		{OrderStatusPartial, OrderStatusPlaced, false},
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusFilled, false},
		{OrderStatusRejected, OrderStatusPlaced, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestOrder_Apply(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

	t.Run("placed then filled fires into-filled once", func(t *testing.T) {
		o := &Order{ClientOrderID: "E1", Quantity: 450, Status: OrderStatusPending}

		tr, err := o.Apply(OrderUpdate{Status: OrderStatusPlaced, BrokerOrderID: "B1"}, now)
		require.NoError(t, err)
		assert.True(t, tr.Changed)
		assert.False(t, tr.IntoFilled())
		assert.Equal(t, "B1", o.BrokerOrderID)

		tr, err = o.Apply(OrderUpdate{Status: OrderStatusFilled, FilledQuantity: 450, AveragePrice: 100}, now)
		require.NoError(t, err)
		assert.True(t, tr.IntoFilled())
		assert.Equal(t, now, o.FilledAt)

		tr, err = o.Apply(OrderUpdate{Status: OrderStatusFilled, FilledQuantity: 450, AveragePrice: 100}, now)
		require.NoError(t, err)
		assert.False(t, tr.Changed)
		assert.False(t, tr.IntoFilled())
	})

	t.Run("partial fills accumulate and never shrink", func(t *testing.T) {
		o := &Order{ClientOrderID: "E2", Quantity: 150, Status: OrderStatusPlaced}

		tr, err := o.Apply(OrderUpdate{Status: OrderStatusPartial, FilledQuantity: 75}, now)
		require.NoError(t, err)
		assert.True(t, tr.Into(OrderStatusPartial))

		_, err = o.Apply(OrderUpdate{Status: OrderStatusPartial, FilledQuantity: 10}, now)
		require.NoError(t, err)
		assert.Equal(t, 75, o.FilledQuantity)
		assert.Equal(t, 75, o.RemainingQuantity())
	})

	t.Run("terminal orders reject regressions", func(t *testing.T) {
		o := &Order{ClientOrderID: "E3", Quantity: 75, Status: OrderStatusCancelled}

		_, err := o.Apply(OrderUpdate{Status: OrderStatusPlaced}, now)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Equal(t, OrderStatusCancelled, o.Status)
	})
}

func TestOrderTag_IsProtective(t *testing.T) {
	assert.True(t, OrderTagStop.IsProtective())
	assert.True(t, OrderTagTP1.IsProtective())
	assert.True(t, OrderTagTP2.IsProtective())
	assert.False(t, OrderTagEntry.IsProtective())
	assert.False(t, OrderTagExit.IsProtective())
}

func TestOrderSide_Opposite(t *testing.T) {
	assert.Equal(t, OrderSideSell, OrderSideBuy.Opposite())
	assert.Equal(t, OrderSideBuy, OrderSideSell.Opposite())
	assert.Equal(t, OrderSideSell, PositionSideLong.ExitSide())
	assert.Equal(t, OrderSideSell, PositionSideShort.EntrySide())
}
