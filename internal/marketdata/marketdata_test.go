package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/pkg/config"
	"github.com/wonny/aegis/intraday/pkg/logger"
	"github.com/wonny/aegis/intraday/pkg/redis"
)

func TestPriceCache(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	c := NewPriceCache(5*time.Second, logger.Nop())
	c.SetClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := c.GetLastPrice(ctx, "NIFTY")
	assert.ErrorIs(t, err, ErrNoPrice)

	assert.True(t, c.Update(Tick{Symbol: "NIFTY", Price: 100, Timestamp: now}))
	assert.False(t, c.Update(Tick{Symbol: "NIFTY", Price: 99, Timestamp: now.Add(-time.Second)}), "older tick ignored")
	assert.False(t, c.Update(Tick{Symbol: "NIFTY", Price: 0, Timestamp: now.Add(time.Second)}), "zero price ignored")

	p, err := c.GetLastPrice(ctx, "NIFTY")
	require.NoError(t, err)
	assert.Equal(t, 100.0, p)

	now = now.Add(6 * time.Second)
	_, err = c.GetLastPrice(ctx, "NIFTY")
	assert.ErrorIs(t, err, ErrStalePrice)
	assert.Equal(t, 1, c.CleanStale())
	assert.Zero(t, c.Len())
}

func TestRedisTicks_DisabledUsesCache(t *testing.T) {
	client, err := redis.New(&config.Config{})
	require.NoError(t, err)
	ticks := NewRedisTicks(client, "ticks", NewPriceCache(time.Minute, logger.Nop()), logger.Nop())
	ctx := context.Background()

	require.NoError(t, ticks.Publish(ctx, Tick{Symbol: "BANKNIFTY", Price: 48000}))
	p, err := ticks.GetLastPrice(ctx, "BANKNIFTY")
	require.NoError(t, err)
	assert.Equal(t, 48000.0, p)
}

func TestParseTick(t *testing.T) {
	tick, err := parseTick("X", []interface{}{"101.5", "1772445600000"})
	require.NoError(t, err)
	assert.Equal(t, 101.5, tick.Price)
	assert.Equal(t, int64(1772445600000), tick.Timestamp.UnixMilli())

	_, err = parseTick("X", []interface{}{nil, nil})
	assert.ErrorIs(t, err, ErrNoPrice)

	_, err = parseTick("X", []interface{}{"abc", nil})
	assert.Error(t, err)
}

type staticBars []Bar

func (s staticBars) Latest(context.Context, string, int) ([]Bar, error) { return s, nil }

func TestATR(t *testing.T) {
	// constant 2-point range, no gaps: ATR is 2
	var bars []Bar
	for i := 0; i < 20; i++ {
		bars = append(bars, Bar{High: 101, Low: 99, Close: 100})
	}
	atr, err := NewATRProvider(staticBars(bars)).GetATR(context.Background(), "X", 14)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, atr, 1e-9)

	// a gap up uses the previous close
	gap := []Bar{{Close: 100}, {High: 110, Low: 108, Close: 109}}
	atr, err = ATR(gap, 1)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, atr, 1e-9)

	_, err = ATR(bars[:5], 14)
	assert.Error(t, err)
}
