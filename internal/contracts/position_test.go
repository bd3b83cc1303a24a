package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPosition_Mark(t *testing.T) {
	now := time.Now()
	p := &Position{Side: PositionSideLong, Quantity: 450, EntryPrice: 100, StopLoss: 90, Status: PositionStatusOpen}

	p.Mark(95, now)
	assert.Equal(t, -2250.0, p.UnrealizedPnL)
	assert.Equal(t, -2250.0, p.MaxAdverse)

	p.Mark(110, now)
	assert.Equal(t, 4500.0, p.UnrealizedPnL)
	assert.Equal(t, -2250.0, p.MaxAdverse, "adverse excursion keeps the worst value")

	p.Mark(0, now)
	assert.Equal(t, 110.0, p.CurrentPrice, "non-positive ticks are ignored")
}

func TestPosition_OpenRisk(t *testing.T) {
	tests := []struct {
		name string
		pos  Position
		want float64
	}{
		{
			name: "long at initial stop",
			pos:  Position{Side: PositionSideLong, Quantity: 450, EntryPrice: 100, StopLoss: 90, Status: PositionStatusOpen},
			want: 4500,
		},
		{
			name: "long with trailing above entry carries no risk",
			pos:  Position{Side: PositionSideLong, Quantity: 450, EntryPrice: 100, StopLoss: 90, TrailingStop: 104, Status: PositionStatusOpen},
			want: 0,
		},
		{
			name: "short at stop",
			pos:  Position{Side: PositionSideShort, Quantity: 100, EntryPrice: 200, StopLoss: 210, Status: PositionStatusOpen},
			want: 1000,
		},
		{
			name: "short trailing tightens",
			pos:  Position{Side: PositionSideShort, Quantity: 100, EntryPrice: 200, StopLoss: 210, TrailingStop: 205, Status: PositionStatusOpen},
			want: 500,
		},
		{
			name: "closed position",
			pos:  Position{Side: PositionSideLong, Quantity: 450, EntryPrice: 100, StopLoss: 90, Status: PositionStatusClosed},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.pos.OpenRisk(), 1e-9)
		})
	}
}

func TestPortfolioRisk_Derive(t *testing.T) {
	r := &PortfolioRisk{DailyLossLimit: 20000, MaxHeat: 50000, DailyPnL: -20000, Heat: 1000}
	r.Derive()
	assert.True(t, r.IsDailyLossBreached)
	assert.False(t, r.IsHeatLimitBreached)
	assert.False(t, r.CanTakeNewPosition)

	r = &PortfolioRisk{DailyLossLimit: 20000, MaxHeat: 50000, DailyPnL: 500, Heat: 1000, OpenPositions: 1, MaxOpenPositions: 5}
	r.Derive()
	assert.True(t, r.CanTakeNewPosition)
}

func TestClassifyInstrument(t *testing.T) {
	tests := []struct {
		exchange, symbol string
		want             InstrumentClass
	}{
		{"NSE", "RELIANCE", InstrumentEquity},
		{"NFO", "NIFTY25MARFUT", InstrumentFutures},
		{"NFO", "NIFTY2530625000CE", InstrumentOptions},
		{"nfo", "banknifty25mar48000pe", InstrumentOptions},
		{"BSE", "INFY", InstrumentEquity},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyInstrument(tt.exchange, tt.symbol), tt.symbol)
	}
}
