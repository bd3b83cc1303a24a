package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/aegis/intraday/pkg/logger"
)

var (
	// ErrNoPrice is returned when no tick is known for a symbol
	ErrNoPrice = errors.New("no price for symbol")
	// ErrStalePrice is returned when the last tick is older than the TTL
	ErrStalePrice = errors.New("price is stale")
)

// Tick is the last traded price of one symbol
// ⭐ SSOT: 실시간 가격 데이터 구조
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// PriceCache is an in-memory cache for real-time prices
// ⭐ SSOT: 실시간 가격 캐싱은 이 구조체에서만
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]Tick
	ttl    time.Duration
	now    func() time.Time
	logger *logger.Logger
}

// NewPriceCache creates a new price cache; ttl <= 0 disables staleness
func NewPriceCache(ttl time.Duration, log *logger.Logger) *PriceCache {
	return &PriceCache{
		prices: make(map[string]Tick),
		ttl:    ttl,
		now:    time.Now,
		logger: log.WithComponent("price_cache"),
	}
}

// SetClock replaces the staleness clock (tests)
func (c *PriceCache) SetClock(now func() time.Time) {
	c.now = now
}

// Update stores tick unless a newer one is already cached
func (c *PriceCache) Update(tick Tick) bool {
	if tick.Price <= 0 {
		return false
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.prices[tick.Symbol]; ok && tick.Timestamp.Before(existing.Timestamp) {
		c.logger.WithFields(map[string]interface{}{
			"symbol":   tick.Symbol,
			"new_time": tick.Timestamp,
			"old_time": existing.Timestamp,
		}).Debug("Rejected older price data")
		return false
	}
	c.prices[tick.Symbol] = tick
	return true
}

// Get returns the cached tick and whether it is still fresh
func (c *PriceCache) Get(symbol string) (Tick, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tick, ok := c.prices[symbol]
	if !ok {
		return Tick{}, false, false
	}
	return tick, true, !c.stale(tick)
}

// GetLastPrice implements execution.PriceProvider
func (c *PriceCache) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	tick, ok, fresh := c.Get(symbol)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	if !fresh {
		return 0, fmt.Errorf("%w: %s last at %s", ErrStalePrice, symbol, tick.Timestamp.Format(time.RFC3339))
	}
	return tick.Price, nil
}

// CleanStale removes stale prices from cache
func (c *PriceCache) CleanStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for symbol, tick := range c.prices {
		if c.stale(tick) {
			delete(c.prices, symbol)
			count++
		}
	}

	if count > 0 {
		c.logger.WithField("count", count).Info("Cleaned stale prices from cache")
	}
	return count
}

// Len returns the number of prices in cache
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}

func (c *PriceCache) stale(t Tick) bool {
	return c.ttl > 0 && c.now().Sub(t.Timestamp) > c.ttl
}
