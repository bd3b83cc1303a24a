package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/internal/audit"
	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/marketdata"
	"github.com/wonny/aegis/intraday/internal/orchestrator"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

type fakeTrader struct {
	beginErr  error
	squareErr error
	begun     int
	squared   int
}

func (f *fakeTrader) BeginDay(context.Context) error {
	f.begun++
	return f.beginErr
}

func (f *fakeTrader) SquareOff(context.Context) (*orchestrator.FlattenReport, error) {
	f.squared++
	return &orchestrator.FlattenReport{ClosedPositions: []string{"p1"}}, f.squareErr
}

func TestDayStartJob(t *testing.T) {
	tr := &fakeTrader{}
	j := NewDayStartJob(tr, "0 10 9 * * 1-5", logger.Nop())

	assert.Equal(t, "day_start", j.Name())
	assert.Equal(t, "0 10 9 * * 1-5", j.Schedule())
	require.NoError(t, j.Run(context.Background()))
	assert.Equal(t, 1, tr.begun)

	tr.beginErr = errors.New("no capital")
	assert.ErrorContains(t, j.Run(context.Background()), "no capital")
}

func TestSquareOffJob(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"leader closes", nil, false},
		{"standby skips", orchestrator.ErrNotLeader, false},
		{"incomplete close retried", errors.New("square-off incomplete: 1 error(s)"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTrader{squareErr: tt.err}
			j := NewSquareOffJob(tr, "0 20 15 * * 1-5", logger.Nop())
			err := j.Run(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, 1, tr.squared)
		})
	}
}

type held []*contracts.Position

func (h held) OpenPositions() []*contracts.Position { return h }

func TestTickSweepJob(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cache := marketdata.NewPriceCache(15*time.Second, logger.Nop())
	cache.SetClock(func() time.Time { return now })
	cache.Update(marketdata.Tick{Symbol: "FRESH", Price: 100, Timestamp: now.Add(-time.Second)})
	cache.Update(marketdata.Tick{Symbol: "OLD", Price: 100, Timestamp: now.Add(-time.Minute)})
	cache.Update(marketdata.Tick{Symbol: "UNHELD", Price: 100, Timestamp: now.Add(-time.Minute)})

	positions := held{
		{Symbol: "OLD"}, {Symbol: "FRESH"}, {Symbol: "MISSING"}, {Symbol: "OLD"},
	}
	j := NewTickSweepJob(cache, positions, logger.Nop())
	assert.Equal(t, "tick_sweep", j.Name())
	assert.Equal(t, []string{"MISSING", "OLD"}, j.StaleHoldings())

	require.NoError(t, j.Run(context.Background()))
	assert.Equal(t, 1, cache.Len(), "only the fresh tick survives")

	assert.Empty(t, NewTickSweepJob(cache, nil, logger.Nop()).StaleHoldings())
}

type fakeReporter struct {
	from, to time.Time
}

func (f *fakeReporter) Analyze(_ context.Context, from, to time.Time) (*audit.PerformanceReport, error) {
	f.from, f.to = from, to
	return &audit.PerformanceReport{StartDate: from, EndDate: to, NetPnL: 1200}, nil
}

func TestDailyReportJob_ReportsSessionDay(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	rep := &fakeReporter{}
	j := NewDailyReportJob(rep, ist, logger.Nop())
	// 10:30 UTC is 16:00 IST on the same day
	j.now = func() time.Time { return time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC) }

	require.NoError(t, j.Run(context.Background()))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, ist), rep.from)
	assert.Equal(t, 24*time.Hour, rep.to.Sub(rep.from))
	assert.Equal(t, DailyReportSchedule, j.Schedule())
}
