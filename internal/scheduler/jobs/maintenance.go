package jobs

import (
	"context"
	"sort"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/marketdata"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// TickCache is the slice of marketdata.PriceCache the sweep needs
type TickCache interface {
	Get(symbol string) (marketdata.Tick, bool, bool)
	CleanStale() int
}

// OpenPositions lists what is currently held
type OpenPositions interface {
	OpenPositions() []*contracts.Position
}

// TickSweepJob reports held symbols whose marks went stale, then drops
// expired ticks. A held symbol without a fresh tick cannot be evaluated
// for exits, so those are logged at warn before the sweep removes them.
type TickSweepJob struct {
	cache     TickCache
	positions OpenPositions
	logger    *logger.Logger
}

func NewTickSweepJob(cache TickCache, positions OpenPositions, log *logger.Logger) *TickSweepJob {
	return &TickSweepJob{
		cache:     cache,
		positions: positions,
		logger:    log.WithComponent("tick_sweep"),
	}
}

func (j *TickSweepJob) Name() string { return "tick_sweep" }

// Schedule runs every minute through the trading session
func (j *TickSweepJob) Schedule() string { return "0 * 9-15 * * 1-5" }

func (j *TickSweepJob) Run(ctx context.Context) error {
	if stale := j.StaleHoldings(); len(stale) > 0 {
		j.logger.WithFields(map[string]interface{}{
			"symbols": stale,
			"count":   len(stale),
		}).Warn("Held symbols have no fresh tick")
	}

	if removed := j.cache.CleanStale(); removed > 0 {
		j.logger.WithField("removed", removed).Debug("Expired ticks swept")
	}
	return nil
}

// StaleHoldings returns held symbols whose last tick is missing or expired
func (j *TickSweepJob) StaleHoldings() []string {
	if j.positions == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, p := range j.positions.OpenPositions() {
		if _, dup := seen[p.Symbol]; dup {
			continue
		}
		seen[p.Symbol] = struct{}{}
		if _, ok, fresh := j.cache.Get(p.Symbol); !ok || !fresh {
			out = append(out, p.Symbol)
		}
	}
	sort.Strings(out)
	return out
}
