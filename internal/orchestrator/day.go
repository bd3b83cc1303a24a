package orchestrator

import (
	"context"
	"fmt"
)

// BeginDay fixes the day-start capital that the daily loss and heat limits
// are measured against and drops the previous session's terminal orders
func (o *Orchestrator) BeginDay(ctx context.Context) error {
	now := o.clock()
	pruned := o.Book.PruneTerminalOrders(o.dayStart(now))

	o.fillMu.Lock()
	for id := range o.booked {
		if _, ok := o.Book.Order(id); !ok {
			delete(o.booked, id)
		}
	}
	o.fillMu.Unlock()

	pr := o.portfolioRisk(ctx)
	if pr.DayStartCapital <= 0 {
		return fmt.Errorf("day-start capital unavailable (net liquid %.2f)", pr.NetLiquid)
	}

	o.logger.WithFields(map[string]interface{}{
		"day_start_capital": pr.DayStartCapital,
		"daily_loss_limit":  pr.DailyLossLimit,
		"max_heat":          pr.MaxHeat,
		"pruned_orders":     pruned,
	}).Info("Trading day started")
	return nil
}
