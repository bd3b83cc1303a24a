package marketdata

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Bar is one intraday OHLCV candle
type Bar struct {
	Symbol string
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// BarRepository reads and writes market.bars
// ⭐ SSOT: 분봉 저장소는 여기서만
type BarRepository struct {
	pool *pgxpool.Pool
}

// NewBarRepository creates a new bar repository
func NewBarRepository(pool *pgxpool.Pool) *BarRepository {
	return &BarRepository{pool: pool}
}

// Latest returns the newest n bars in ascending time order
func (r *BarRepository) Latest(ctx context.Context, symbol string, n int) ([]Bar, error) {
	query := `
		SELECT symbol, bar_time, open, high, low, close, volume
		FROM (
			SELECT symbol, bar_time, open, high, low, close, volume
			FROM market.bars
			WHERE symbol = $1
			ORDER BY bar_time DESC
			LIMIT $2
		) recent
		ORDER BY bar_time ASC
	`

	rows, err := r.pool.Query(ctx, query, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars for %s: %w", symbol, err)
	}
	defer rows.Close()

	var bars []Bar
	for rows.Next() {
		var b Bar
		if err := rows.Scan(&b.Symbol, &b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// Save upserts one bar
func (r *BarRepository) Save(ctx context.Context, b Bar) error {
	query := `
		INSERT INTO market.bars (symbol, bar_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol, bar_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume
	`
	if _, err := r.pool.Exec(ctx, query, b.Symbol, b.Time, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
		return fmt.Errorf("failed to save bar: %w", err)
	}
	return nil
}

// BarSource is where ATR reads its candles from
type BarSource interface {
	Latest(ctx context.Context, symbol string, n int) ([]Bar, error)
}

// ATRProvider computes Wilder's ATR from stored bars
// (implements execution.ATRProvider)
type ATRProvider struct {
	bars BarSource
}

// NewATRProvider creates an ATR provider over bars
func NewATRProvider(bars BarSource) *ATRProvider {
	return &ATRProvider{bars: bars}
}

// GetATR returns the ATR over period bars. It needs period+1 bars (the
// first true range uses the previous close).
func (p *ATRProvider) GetATR(ctx context.Context, symbol string, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr period must be positive")
	}
	// extra history lets the Wilder smoothing settle
	bars, err := p.bars.Latest(ctx, symbol, period*3+1)
	if err != nil {
		return 0, err
	}
	return ATR(bars, period)
}

// ATR is Wilder's average true range: the first value is the mean of the
// first period true ranges, then atr = (prev*(period-1) + tr) / period
func ATR(bars []Bar, period int) (float64, error) {
	if len(bars) < period+1 {
		return 0, fmt.Errorf("need %d bars for atr(%d), have %d", period+1, period, len(bars))
	}

	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		trs = append(trs, trueRange(bars[i], bars[i-1].Close))
	}

	var atr float64
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)

	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, nil
}

func trueRange(b Bar, prevClose float64) float64 {
	return math.Max(b.High-b.Low, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
}
