package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

func placeLive(t *testing.T, s *stack, o *contracts.Order) *contracts.Order {
	t.Helper()
	placed, err := s.engine.PlaceOrder(context.Background(), o)
	require.NoError(t, err)
	return placed
}

func TestWatcher_OmittedOrdersAreUnchanged(t *testing.T) {
	s := newStack(t)
	b := newScriptedBroker()
	s.live(b)

	o := placeLive(t, s, &contracts.Order{
		ClientOrderID: "w-1", Symbol: "NIFTY", Side: contracts.OrderSideBuy, Quantity: 75,
		OrderType: contracts.OrderTypeLimit, Price: 100, Tag: contracts.OrderTagEntry,
	})
	b.omit[o.BrokerOrderID] = true
	before := s.changes.count()

	s.poll(t)

	assert.Equal(t, contracts.OrderStatusPlaced, s.order(t, "w-1").Status)
	assert.Equal(t, before, s.changes.count())
}

func TestWatcher_BrokerErrorIsReturnedAndStateKept(t *testing.T) {
	s := newStack(t)
	b := newScriptedBroker()
	s.live(b)

	placeLive(t, s, &contracts.Order{
		ClientOrderID: "w-2", Symbol: "NIFTY", Side: contracts.OrderSideBuy, Quantity: 75,
		OrderType: contracts.OrderTypeLimit, Price: 100, Tag: contracts.OrderTagEntry,
	})
	b.getErr = errors.New("connection reset")

	err := s.watcher.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, contracts.OrderStatusPlaced, s.order(t, "w-2").Status)

	// next tick recovers
	b.getErr = nil
	b.set("LIVE-1", BrokerStatusComplete, 75, 101)
	s.poll(t)
	assert.Equal(t, contracts.OrderStatusFilled, s.order(t, "w-2").Status)
}

func TestWatcher_PartialThenFilledFiresFillOnce(t *testing.T) {
	s := newStack(t)
	b := newScriptedBroker()
	s.live(b)
	ctx := context.Background()

	entry, err := s.engine.PlaceEntry(ctx, niftySignal(), 450)
	require.NoError(t, err)

	b.set(entry.BrokerOrderID, BrokerStatusOpen, 150, 100)
	s.poll(t)
	assert.Equal(t, contracts.OrderStatusPartial, s.order(t, entry.ClientOrderID).Status)
	assert.Equal(t, 0, s.fills.entryCount(), "partial fills wait for the terminal state")

	b.set(entry.BrokerOrderID, BrokerStatusComplete, 450, 100)
	s.poll(t)
	s.poll(t)

	assert.Equal(t, contracts.OrderStatusFilled, s.order(t, entry.ClientOrderID).Status)
	assert.Equal(t, 1, s.fills.entryCount())
	assert.Equal(t, contracts.GroupStateArmed, s.group(t, entry.ParentGroup).State)

	var stop *contracts.Order
	for _, o := range s.book.OrdersInGroup(entry.ParentGroup) {
		if o.Tag == contracts.OrderTagStop {
			stop = o
		}
	}
	require.NotNil(t, stop, "no naked position")
	assert.Equal(t, 450, stop.Quantity)
	assert.Equal(t, contracts.OrderStatusPlaced, stop.Status)
}

func TestWatcher_EntryRejectedClosesGroup(t *testing.T) {
	s := newStack(t)
	b := newScriptedBroker()
	s.live(b)
	ctx := context.Background()

	entry, err := s.engine.PlaceEntry(ctx, niftySignal(), 450)
	require.NoError(t, err)

	b.set(entry.BrokerOrderID, BrokerStatusRejected, 0, 0)
	s.poll(t)

	assert.Equal(t, contracts.OrderStatusRejected, s.order(t, entry.ClientOrderID).Status)
	assert.True(t, s.group(t, entry.ParentGroup).IsClosed())
	assert.Equal(t, 0, s.fills.entryCount())
}

func TestWatcher_ChildRejectedRaisesRiskEvent(t *testing.T) {
	s := newStack(t)
	b := newScriptedBroker()
	s.live(b)

	stop := placeLive(t, s, &contracts.Order{
		ClientOrderID: "w-stop", Symbol: "NIFTY", Side: contracts.OrderSideSell, Quantity: 75,
		OrderType: contracts.OrderTypeStopMarket, TriggerPrice: 90, Tag: contracts.OrderTagStop,
		ParentGroup: "G-x",
	})
	b.set(stop.BrokerOrderID, BrokerStatusRejected, 0, 0)
	s.poll(t)

	events := s.repo.RiskEvents()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.RiskKindChildRejected, events[0].Kind)
	assert.Equal(t, contracts.RiskSeverityCritical, events[0].Severity)
	assert.Equal(t, "w-stop", events[0].OrderID)
}

func TestWatcher_PublishesStatusChanges(t *testing.T) {
	s := newStack(t)
	b := newScriptedBroker()
	s.live(b)

	o := placeLive(t, s, &contracts.Order{
		ClientOrderID: "w-pub", Symbol: "NIFTY", Side: contracts.OrderSideBuy, Quantity: 75,
		OrderType: contracts.OrderTypeLimit, Price: 100, Tag: contracts.OrderTagExit, PositionID: "P1",
	})
	b.set(o.BrokerOrderID, BrokerStatusComplete, 75, 100)
	before := s.changes.count()

	s.poll(t)
	s.poll(t)

	assert.Equal(t, before+1, s.changes.count(), "a replayed COMPLETE is not a new change")
	s.changes.mu.Lock()
	last := s.changes.changes[len(s.changes.changes)-1]
	s.changes.mu.Unlock()
	assert.Equal(t, contracts.OrderStatusPlaced, last.From)
	assert.Equal(t, contracts.OrderStatusFilled, last.To)
	assert.Equal(t, []contracts.OrderTag{contracts.OrderTagExit}, s.fills.legTags())
}

func TestWatcher_CancelledAfterPartialFillCountsTheFill(t *testing.T) {
	s := newStack(t)
	b := newScriptedBroker()
	s.live(b)

	o := placeLive(t, s, &contracts.Order{
		ClientOrderID: "w-exit", Symbol: "NIFTY", Side: contracts.OrderSideSell, Quantity: 150,
		OrderType: contracts.OrderTypeLimit, Price: 100, Tag: contracts.OrderTagExit, PositionID: "P1",
	})
	b.set(o.BrokerOrderID, BrokerStatusCancelled, 75, 100)
	s.poll(t)

	got := s.order(t, "w-exit")
	assert.Equal(t, contracts.OrderStatusCancelled, got.Status)
	assert.Equal(t, 75, got.FilledQuantity)
	assert.Equal(t, []contracts.OrderTag{contracts.OrderTagExit}, s.fills.legTags())
}

func TestWatcher_SettleIsSkippedDuringPoll(t *testing.T) {
	s := newStack(t)
	s.watcher.pollMu.Lock()
	done := make(chan struct{})
	go func() {
		s.watcher.Settle(context.Background())
		close(done)
	}()
	<-done // returns without waiting for the held lock
	s.watcher.pollMu.Unlock()
}
