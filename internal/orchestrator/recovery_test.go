package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

func TestRecover_RestoresOpenState(t *testing.T) {
	first := newHarness(t)
	pos := first.open(t)

	// a new process over the same store
	h := newHarnessWithRepo(t, first.repo)
	require.NoError(t, h.o.Recover(context.Background()))

	restored, ok := h.book.Position(pos.PositionID)
	require.True(t, ok)
	assert.Equal(t, 450, restored.Quantity)

	g, ok := h.book.Group(pos.GroupID)
	require.True(t, ok)
	assert.Equal(t, contracts.GroupStateArmed, g.State)
	assert.Len(t, legsByTag(h.book.OrdersInGroup(pos.GroupID)), 3)
	assert.Equal(t, 1, h.audit.count(contracts.AuditRecovery))
}

func TestRecover_ArmsFilledEntryWithoutLegs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.price(100)

	// crashed between the entry fill and leg placement
	entry := &contracts.Order{
		ClientOrderID:  "entry-1",
		BrokerOrderID:  "PAPER-000001",
		Exchange:       "NFO",
		Symbol:         symbol,
		Side:           contracts.OrderSideBuy,
		Quantity:       150,
		OrderType:      contracts.OrderTypeMarket,
		Product:        contracts.ProductMIS,
		Status:         contracts.OrderStatusFilled,
		FilledQuantity: 150,
		AveragePrice:   100,
		Tag:            contracts.OrderTagEntry,
		ParentGroup:    "grp-1",
		StrategyName:   "orb",
	}
	_, err := h.o.OCO.CreateGroup(ctx, entry, 75, 90, 115, 130)
	require.NoError(t, err)
	require.NoError(t, h.repo.SaveOrder(ctx, entry))

	require.NoError(t, h.o.Recover(ctx))

	open := h.book.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, 150, open[0].Quantity)
	assert.Equal(t, "grp-1", open[0].GroupID)

	legs := legsByTag(h.book.OrdersInGroup("grp-1"))
	require.Len(t, legs, 3)
	assert.Equal(t, 150, legs[contracts.OrderTagStop].Quantity)
	assert.Equal(t, 75, legs[contracts.OrderTagTP1].Quantity)

	// a second recovery finds the legs and does not duplicate them
	require.NoError(t, h.o.Recover(ctx))
	assert.Len(t, h.book.OpenPositions(), 1)
	assert.Len(t, legsByTag(h.book.OrdersInGroup("grp-1")), 3)
}

func TestRecover_KillSwitchDuringRecoveryFlattens(t *testing.T) {
	first := newHarness(t)
	first.open(t)

	h := newHarnessWithRepo(t, first.repo)
	h.price(100)
	_, err := h.o.FlattenAll(context.Background(), "pressed before state loaded")
	require.NoError(t, err)

	require.NoError(t, h.o.Recover(context.Background()))
	assert.Empty(t, h.book.OpenPositions())
	assert.False(t, h.o.TradingAllowed())
}

func TestBeginDay_CapturesCapital(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.BeginDay(context.Background()))

	pr := h.o.Status().Portfolio
	require.NotNil(t, pr)
	assert.Equal(t, 1_000_000.0, pr.DayStartCapital)
}
