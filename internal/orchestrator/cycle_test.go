package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/execution"
	"github.com/wonny/aegis/intraday/internal/signals"
)

func TestCycle_SignalOpensBracketedPosition(t *testing.T) {
	h := newHarness(t)
	pos := h.open(t)

	assert.Equal(t, 450, pos.Quantity, "0.5% of 1M over a 10 point stop, whole lots")
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Equal(t, 90.0, pos.StopLoss)
	assert.Equal(t, contracts.InstrumentOptions, pos.Class)
	assert.Equal(t, 4500.0, pos.RiskAmount)
	assert.Positive(t, pos.Fees)

	g, ok := h.book.Group(pos.GroupID)
	require.True(t, ok)
	assert.Equal(t, contracts.GroupStateArmed, g.State)
	assert.Equal(t, pos.PositionID, g.PositionID)

	legs := legsByTag(h.book.OrdersInGroup(pos.GroupID))
	require.Len(t, legs, 3)
	assert.Equal(t, 450, legs[contracts.OrderTagStop].Quantity)
	assert.Equal(t, 225, legs[contracts.OrderTagTP1].Quantity)
	assert.Equal(t, 225, legs[contracts.OrderTagTP2].Quantity)

	recent, err := h.queue.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, string(execution.ResultSuccess), recent[0].Code)

	trades := h.repo.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, contracts.OrderTagEntry, trades[0].Tag)
	assert.Zero(t, trades[0].RealizedPnL)
}

func TestCycle_TP1ThenBreakevenStop(t *testing.T) {
	h := newHarness(t)
	pos := h.open(t)

	h.clock.Advance(time.Minute)
	h.price(116)
	h.cycle(t)

	after, ok := h.book.Position(pos.PositionID)
	require.True(t, ok)
	assert.Equal(t, 225, after.Quantity)
	assert.Equal(t, 100.0, after.StopLoss, "stop moved to breakeven")
	assert.InDelta(t, 15*225, after.RealizedPnL, 150, "TP1 gain net of fees")

	h.poll(t)
	legs := legsByTag(h.book.OrdersInGroup(pos.GroupID))
	require.Contains(t, legs, contracts.OrderTagStop)
	assert.Equal(t, 100.0, legs[contracts.OrderTagStop].TriggerPrice)
	assert.Equal(t, 225, legs[contracts.OrderTagStop].Quantity)

	h.clock.Advance(time.Minute)
	h.price(99)
	h.cycle(t)

	assert.Empty(t, h.book.OpenPositions())
	h.poll(t)
	g, _ := h.book.Group(pos.GroupID)
	assert.True(t, g.IsClosed())
	assert.Empty(t, legsByTag(h.book.OrdersInGroup(pos.GroupID)), "TP2 cancelled with the group")
	assert.Zero(t, bookedCount(h), "TP1 and stop bookings dropped with the position")

	trades := h.repo.Trades()
	require.Len(t, trades, 3)
	total, err := h.repo.RealizedPnLSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 15*225-1*225, total, 300)
}

func TestCycle_TimeStopClosesAtMarket(t *testing.T) {
	h := newHarness(t)
	pos := h.open(t)

	h.clock.Advance(46 * time.Minute)
	h.price(100)
	h.cycle(t)

	assert.Empty(t, h.book.OpenPositions())
	assert.Empty(t, legsByTag(h.book.OrdersInGroup(pos.GroupID)), "legs cancelled before the close")
	assert.Zero(t, bookedCount(h))

	stored, err := h.repo.GetPositionByEntryOrder(context.Background(), pos.EntryOrderID)
	require.NoError(t, err)
	assert.Equal(t, contracts.PositionStatusClosed, stored.Status)
	assert.Equal(t, contracts.ExitReasonTimeStop, stored.ExitReason)
	assert.Negative(t, stored.RealizedPnL, "flat exit pays both legs' fees")
}

func bookedCount(h *harness) int {
	h.o.fillMu.Lock()
	defer h.o.fillMu.Unlock()
	return len(h.o.booked)
}

// soldQuantity sums what the simulator filled on the sell side of a group
func soldQuantity(t *testing.T, h *harness, groupID string) int {
	t.Helper()
	remote, err := h.paper.GetOrders(context.Background())
	require.NoError(t, err)
	filled := make(map[string]int, len(remote))
	for _, bo := range remote {
		filled[bo.Tag] = bo.FilledQuantity
	}
	n := 0
	for _, o := range h.book.OrdersInGroup(groupID) {
		if o.Side == contracts.OrderSideSell {
			n += filled[o.ClientOrderID]
		}
	}
	return n
}

// stubbornCancels is a live broker backed by the simulator whose cancels fail
type stubbornCancels struct {
	*execution.PaperBroker
}

func (stubbornCancels) CancelOrder(context.Context, string) error {
	return errors.New("exchange busy")
}

func TestCycle_LiveStopFillIsNotClosedAgain(t *testing.T) {
	h := newHarness(t)
	pos := h.open(t)

	// live mode: nothing settles the book between watcher passes
	h.engine.UseBrokers(h.paper, h.paper, session(true))
	h.engine.SetMode(execution.ModeLive)

	h.price(89) // the resting stop fills at the broker
	h.cycle(t)
	h.poll(t)
	h.poll(t)

	assert.Equal(t, pos.Quantity, soldQuantity(t, h, pos.GroupID), "only the stop sold")
	assert.Empty(t, h.book.OpenPositions())

	for _, o := range h.book.OrdersInGroup(pos.GroupID) {
		assert.NotEqual(t, contracts.OrderTagExit, o.Tag, "no market close on top of the stop")
	}

	stored, err := h.repo.GetPositionByEntryOrder(context.Background(), pos.EntryOrderID)
	require.NoError(t, err)
	assert.Equal(t, contracts.PositionStatusClosed, stored.Status)
	assert.Equal(t, contracts.ExitReasonBracket, stored.ExitReason)
}

func TestCycle_LiveCloseWaitsForLegCancel(t *testing.T) {
	h := newHarness(t)
	pos := h.open(t)

	h.engine.UseBrokers(h.paper, stubbornCancels{h.paper}, session(true))
	h.engine.SetMode(execution.ModeLive)

	h.clock.Advance(46 * time.Minute)
	h.price(100)
	h.cycle(t) // time stop due, but the stop leg is still working

	open := h.book.OpenPositions()
	require.Len(t, open, 1)
	assert.Zero(t, soldQuantity(t, h, pos.GroupID))
	assert.Contains(t, legsByTag(h.book.OrdersInGroup(pos.GroupID)), contracts.OrderTagStop)

	// cancels go through again: the close follows on the next pass
	h.engine.UseBrokers(h.paper, h.paper, session(true))
	h.cycle(t)
	h.poll(t)

	assert.Empty(t, h.book.OpenPositions())
	assert.Equal(t, pos.Quantity, soldQuantity(t, h, pos.GroupID))
}

func TestCycle_SkipsOutsideMarketHours(t *testing.T) {
	h := newHarness(t)
	h.price(100)
	require.NoError(t, h.queue.Enqueue(context.Background(), niftyCall("sig-1")))

	h.clock.Advance(-2 * time.Hour) // 08:00
	h.cycle(t)
	assert.Equal(t, 1, h.queue.Pending())

	h.clock.Advance(5 * 24 * time.Hour) // Saturday
	h.clock.Advance(2 * time.Hour)
	h.cycle(t)
	assert.Equal(t, 1, h.queue.Pending())
}

func TestCycle_RiskRejectionRecorded(t *testing.T) {
	h := newHarness(t)
	h.price(100)
	sig := niftyCall("wide")
	sig.StopLoss = 1 // stop distance larger than the per-trade budget allows for one lot

	require.NoError(t, h.queue.Enqueue(context.Background(), sig))
	h.cycle(t)

	assert.Empty(t, h.book.Orders())
	recent, err := h.queue.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, signals.StatusConsumed, recent[0].Status)
	assert.Equal(t, "REJECTED", recent[0].Code)
	assert.Contains(t, recent[0].Message, "risk rejected")
}

func TestCycle_OneOpenPositionPerSymbol(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	require.NoError(t, h.queue.Enqueue(context.Background(), niftyCall("sig-2")))
	h.cycle(t)

	assert.Len(t, h.book.OpenPositions(), 1)
	recent, err := h.queue.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Contains(t, recent[0].Message, "already holding")
}

func TestCycle_DailyLossBreachRaisedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t)

	// -25000 on 450 is 2.5% of capital, beyond the 2% daily limit
	h.clock.Advance(time.Minute)
	h.feed.mu.Lock()
	h.feed.prices[symbol] = 100 - 25000.0/450
	h.feed.mu.Unlock()
	h.o.markPositions(ctx)
	pr := h.o.portfolioRisk(ctx)
	require.True(t, pr.IsDailyLossBreached)

	h.o.onDailyLossBreach(ctx, pr)
	h.o.onDailyLossBreach(ctx, pr)

	breaches := 0
	for _, ev := range h.repo.RiskEvents() {
		if ev.Kind == contracts.RiskKindDailyLossBreach {
			breaches++
		}
	}
	assert.Equal(t, 1, breaches)
}

func TestNextSleep(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		elapsed  time.Duration
		want     time.Duration
	}{
		{"fast cycle keeps cadence", 5 * time.Second, time.Second, 4 * time.Second},
		{"slow cycle hits floor", 5 * time.Second, 6 * time.Second, 500 * time.Millisecond},
		{"exact floor", 5 * time.Second, 4500 * time.Millisecond, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextSleep(tt.interval, tt.elapsed, 500*time.Millisecond))
		})
	}
}
