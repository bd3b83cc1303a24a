package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/execution"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

func TestAnalyze(t *testing.T) {
	ctx := context.Background()
	repo := execution.NewMemoryRepository()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

	lines := []*contracts.TradeRecord{
		{ID: "1", PositionID: "a", Tag: contracts.OrderTagEntry, RealizedPnL: 0, Fees: 10, ExecutedAt: at(9, 30)},
		{ID: "2", PositionID: "a", Tag: contracts.OrderTagTP1, RealizedPnL: 300, Fees: 10, ExecutedAt: at(9, 45)},
		{ID: "3", PositionID: "a", Tag: contracts.OrderTagStop, RealizedPnL: -20, Fees: 10, ExecutedAt: at(10, 0)},
		{ID: "4", PositionID: "b", Tag: contracts.OrderTagEntry, RealizedPnL: 0, Fees: 10, ExecutedAt: at(10, 5)},
		{ID: "5", PositionID: "b", Tag: contracts.OrderTagExit, RealizedPnL: -200, Fees: 10, ExecutedAt: at(10, 30)},
		{ID: "6", PositionID: "c", Tag: contracts.OrderTagEntry, RealizedPnL: 0, Fees: 10, ExecutedAt: at(11, 0)},
		{ID: "7", PositionID: "z", Tag: contracts.OrderTagExit, RealizedPnL: 999, ExecutedAt: day.Add(-time.Hour)},
	}
	for _, l := range lines {
		require.NoError(t, repo.AppendTrade(ctx, l))
	}

	report, err := NewAnalyzer(repo, logger.Nop()).Analyze(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 6, report.Fills)
	assert.Equal(t, 2, report.ClosedPositions, "c is still open")
	assert.InDelta(t, 80, report.NetPnL, 1e-9)
	assert.InDelta(t, 60, report.Fees, 1e-9)
	assert.InDelta(t, 220, report.MaxDrawdown, 1e-9, "peak 300 to trough 80")
	assert.Equal(t, 0.5, report.WinRate)
	assert.Equal(t, 280.0, report.AvgWin)
	assert.Equal(t, -200.0, report.AvgLoss)
	assert.Equal(t, 1.4, report.ProfitFactor)
}

func TestAnalyze_EmptyWindow(t *testing.T) {
	report, err := NewAnalyzer(execution.NewMemoryRepository(), logger.Nop()).
		Analyze(context.Background(), time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.Fills)
	assert.Zero(t, report.WinRate)
	assert.Zero(t, report.ProfitFactor)
}

type failingSink struct{ calls int }

func (f *failingSink) RecordAudit(context.Context, *contracts.AuditEvent) error {
	f.calls++
	return assert.AnError
}

func TestLogSink_ForwardsAndJoinsErrors(t *testing.T) {
	a, b := &failingSink{}, &failingSink{}
	sink := NewLogSink(logger.Nop(), a, nil, b)

	err := sink.RecordAudit(context.Background(), &contracts.AuditEvent{Type: contracts.AuditPause, Message: "paused"})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)

	assert.NoError(t, NewLogSink(logger.Nop()).RecordAudit(context.Background(), &contracts.AuditEvent{}))
}
