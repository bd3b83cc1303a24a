package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wonny/aegis/intraday/internal/contracts"
)

func TestBook_AddOrderIsIdempotent(t *testing.T) {
	b := NewBook()

	first, inserted := b.AddOrder(&contracts.Order{ClientOrderID: "E1", Quantity: 75, Status: contracts.OrderStatusPending})
	require.True(t, inserted)
	assert.False(t, first.CreatedAt.IsZero())

	again, inserted := b.AddOrder(&contracts.Order{ClientOrderID: "E1", Quantity: 999})
	assert.False(t, inserted)
	assert.Equal(t, 75, again.Quantity)
}

func TestBook_ReturnsCopies(t *testing.T) {
	b := NewBook()
	b.AddOrder(&contracts.Order{ClientOrderID: "E1", Quantity: 75})

	o, _ := b.Order("E1")
	o.Quantity = 1

	stored, _ := b.Order("E1")
	assert.Equal(t, 75, stored.Quantity)
}

func TestBook_ApplyUpdateIntoFilledOnce(t *testing.T) {
	b := NewBook()
	b.AddOrder(&contracts.Order{ClientOrderID: "E1", Quantity: 75, Status: contracts.OrderStatusPlaced, BrokerOrderID: "B1"})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fills int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, _, err := b.ApplyUpdate("E1", contracts.OrderUpdate{Status: contracts.OrderStatusFilled, FilledQuantity: 75, AveragePrice: 100})
			if err == nil && tr.IntoFilled() {
				mu.Lock()
				fills++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fills, "overlapping polls must observe the fill exactly once")
}

func TestBook_ApplyUpdateUnknownOrder(t *testing.T) {
	b := NewBook()
	_, _, err := b.ApplyUpdate("missing", contracts.OrderUpdate{Status: contracts.OrderStatusFilled})
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestBook_WatchableOrders(t *testing.T) {
	b := NewBook()
	b.AddOrder(&contracts.Order{ClientOrderID: "A", Status: contracts.OrderStatusPlaced, BrokerOrderID: "1"})
	b.AddOrder(&contracts.Order{ClientOrderID: "B", Status: contracts.OrderStatusPartial, BrokerOrderID: "2"})
	b.AddOrder(&contracts.Order{ClientOrderID: "C", Status: contracts.OrderStatusPending})
	b.AddOrder(&contracts.Order{ClientOrderID: "D", Status: contracts.OrderStatusFilled, BrokerOrderID: "4"})

	ids := []string{}
	for _, o := range b.WatchableOrders() {
		ids = append(ids, o.ClientOrderID)
	}
	assert.ElementsMatch(t, []string{"A", "B"}, ids)
}

func TestBook_Positions(t *testing.T) {
	b := NewBook()
	t0 := time.Date(2025, 1, 2, 9, 30, 0, 0, time.UTC)

	b.PutPosition(&contracts.Position{PositionID: "P2", EntryOrderID: "E2", GroupID: "G2", Status: contracts.PositionStatusOpen, OpenedAt: t0.Add(time.Minute)})
	b.PutPosition(&contracts.Position{PositionID: "P1", EntryOrderID: "E1", GroupID: "G1", Status: contracts.PositionStatusOpen, OpenedAt: t0})
	b.PutPosition(&contracts.Position{PositionID: "P3", Status: contracts.PositionStatusClosed})

	open := b.OpenPositions()
	require.Len(t, open, 2)
	assert.Equal(t, "P1", open[0].PositionID)

	p, ok := b.PositionByEntryOrder("E2")
	require.True(t, ok)
	assert.Equal(t, "P2", p.PositionID)

	p, ok = b.PositionByGroup("G1")
	require.True(t, ok)
	assert.Equal(t, "P1", p.PositionID)

	updated, ok := b.UpdatePosition("P1", func(p *contracts.Position) { p.Quantity = 10 })
	require.True(t, ok)
	assert.Equal(t, 10, updated.Quantity)

	b.RemovePosition("P1")
	_, ok = b.Position("P1")
	assert.False(t, ok)
	assert.Len(t, b.OpenPositionIDs(), 1)
}

func TestBook_PruneTerminalOrders(t *testing.T) {
	b := NewBook()
	t0 := time.Date(2025, 1, 2, 9, 30, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return t0 })

	b.AddOrder(&contracts.Order{ClientOrderID: "old", Status: contracts.OrderStatusFilled})
	b.AddOrder(&contracts.Order{ClientOrderID: "live", Status: contracts.OrderStatusPlaced})

	assert.Equal(t, 1, b.PruneTerminalOrders(t0.Add(time.Hour)))
	_, ok := b.Order("live")
	assert.True(t, ok)
}
