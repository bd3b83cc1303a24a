package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/execution"
)

func TestFlattenAll_ClosesAndPauses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := h.open(t)

	report, err := h.o.FlattenAll(ctx, "operator panic button")
	require.NoError(t, err)
	assert.Equal(t, []string{pos.PositionID}, report.ClosedPositions)
	assert.Empty(t, h.book.OpenPositions())
	assert.False(t, h.o.TradingAllowed())
	assert.True(t, h.o.Status().KillSwitch)

	stored, err := h.repo.GetPositionByEntryOrder(ctx, pos.EntryOrderID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExitReasonKillSwitch, stored.ExitReason)
	assert.Empty(t, legsByTag(h.book.OrdersInGroup(pos.GroupID)))

	// second press is a no-op pass
	report, err = h.o.FlattenAll(ctx, "again")
	require.NoError(t, err)
	assert.Empty(t, report.ClosedPositions)
	assert.Equal(t, 2, h.audit.count(contracts.AuditKillSwitch))

	// signals are refused until an operator resumes
	_, err = h.o.ExecuteSignal(ctx, niftyCall("sig-2"))
	assert.ErrorIs(t, err, ErrTradingPaused)

	h.o.Resume(ctx)
	assert.True(t, h.o.TradingAllowed())
	assert.False(t, h.o.Status().KillSwitch)
}

func TestSquareOff_KeepsTradingEnabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := h.open(t)

	report, err := h.o.SquareOff(ctx)
	require.NoError(t, err)
	assert.Len(t, report.ClosedPositions, 1)
	assert.True(t, h.o.TradingAllowed())

	stored, err := h.repo.GetPositionByEntryOrder(ctx, pos.EntryOrderID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExitReasonEOD, stored.ExitReason)
}

func TestHandleUnprotected_EmergencyClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := h.open(t)

	g, ok := h.book.Group(pos.GroupID)
	require.True(t, ok)

	h.o.handleUnprotected(ctx, g, &execution.UnprotectedError{
		GroupID:  g.GroupID,
		Leg:      contracts.OrderTagTP2,
		Quantity: 225,
		Err:      errors.New("exchange rejected"),
	})

	assert.Empty(t, h.book.OpenPositions())
	stored, err := h.repo.GetPositionByEntryOrder(ctx, pos.EntryOrderID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExitReasonUnprotected, stored.ExitReason)
	assert.Equal(t, 1, h.audit.count(contracts.AuditEmergencyClose))

	critical := 0
	for _, ev := range h.repo.RiskEvents() {
		if ev.Kind == contracts.RiskKindEmergencyClose && ev.Severity == contracts.RiskSeverityCritical {
			critical++
		}
	}
	assert.Equal(t, 1, critical)
}

type fixedAccount float64

func (a fixedAccount) Account(context.Context) (contracts.Account, error) {
	return contracts.Account{NetLiquid: float64(a)}, nil
}

func TestRoutedAccount_FollowsMode(t *testing.T) {
	mode := execution.ModePaper
	acct := NewRoutedAccount(func() execution.Mode { return mode }, fixedAccount(1), fixedAccount(2))

	got, err := acct.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.NetLiquid)

	mode = execution.ModeLive
	got, _ = acct.Account(context.Background())
	assert.Equal(t, 2.0, got.NetLiquid)

	paperOnly := NewRoutedAccount(func() execution.Mode { return execution.ModeLive }, fixedAccount(1), nil)
	got, _ = paperOnly.Account(context.Background())
	assert.Equal(t, 1.0, got.NetLiquid)
}
