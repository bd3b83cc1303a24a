package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/wonny/aegis/intraday/pkg/logger"
	"github.com/wonny/aegis/intraday/pkg/redis"
)

// RedisTicks reads the last traded price that the ingestion service writes
// to a Redis hash per symbol: fields "ltp" (price) and "ts" (unix millis).
// Fresh reads are written through to a local PriceCache, which answers when
// Redis is unreachable until the cached tick goes stale.
type RedisTicks struct {
	client *redis.Client
	prefix string
	cache  *PriceCache
	logger *logger.Logger
}

// NewRedisTicks creates a tick reader; keys are "<prefix>:<symbol>"
func NewRedisTicks(client *redis.Client, prefix string, cache *PriceCache, log *logger.Logger) *RedisTicks {
	return &RedisTicks{
		client: client,
		prefix: prefix,
		cache:  cache,
		logger: log.WithComponent("redis_ticks"),
	}
}

func (r *RedisTicks) key(symbol string) string {
	return fmt.Sprintf("%s:%s", r.prefix, symbol)
}

// GetLastPrice implements execution.PriceProvider
func (r *RedisTicks) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	if !r.client.Enabled() {
		return r.cache.GetLastPrice(ctx, symbol)
	}

	vals, err := r.client.Redis().HMGet(ctx, r.key(symbol), "ltp", "ts").Result()
	if err != nil {
		r.logger.WithError(err).WithField("symbol", symbol).Warn("Tick read failed, using cache")
		return r.cache.GetLastPrice(ctx, symbol)
	}

	tick, err := parseTick(symbol, vals)
	if err != nil {
		if errors.Is(err, ErrNoPrice) {
			return r.cache.GetLastPrice(ctx, symbol)
		}
		return 0, err
	}
	r.cache.Update(tick)
	return r.cache.GetLastPrice(ctx, symbol)
}

// Publish writes a tick (paper runs and tests without an ingestion service)
func (r *RedisTicks) Publish(ctx context.Context, tick Tick) error {
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}
	r.cache.Update(tick)
	if !r.client.Enabled() {
		return nil
	}
	err := r.client.Redis().HSet(ctx, r.key(tick.Symbol),
		"ltp", strconv.FormatFloat(tick.Price, 'f', -1, 64),
		"ts", strconv.FormatInt(tick.Timestamp.UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to publish tick for %s: %w", tick.Symbol, err)
	}
	return nil
}

func parseTick(symbol string, vals []interface{}) (Tick, error) {
	if len(vals) != 2 || vals[0] == nil {
		return Tick{}, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	ltp, ok := vals[0].(string)
	if !ok {
		return Tick{}, fmt.Errorf("unexpected ltp type %T for %s", vals[0], symbol)
	}
	price, err := strconv.ParseFloat(ltp, 64)
	if err != nil {
		return Tick{}, fmt.Errorf("bad ltp %q for %s: %w", ltp, symbol, err)
	}

	tick := Tick{Symbol: symbol, Price: price, Source: "redis"}
	if ts, ok := vals[1].(string); ok && ts != "" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return Tick{}, fmt.Errorf("bad ts %q for %s: %w", ts, symbol, err)
		}
		tick.Timestamp = time.UnixMilli(ms)
	}
	return tick, nil
}
