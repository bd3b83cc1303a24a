package orchestrator

import (
	"context"
	"fmt"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

// RecoveryReport counts what Recover restored
type RecoveryReport struct {
	Positions int `json:"positions"`
	Groups    int `json:"groups"`
	Orders    int `json:"orders"`
	Rearmed   int `json:"rearmed"`
}

// Recover loads open positions, open OCO groups and working orders from
// the store into the book so the watcher resumes polling them. Filled
// entries whose legs were never armed are armed now.
func (o *Orchestrator) Recover(ctx context.Context) error {
	report, err := o.recover(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.recovered = true
	killed := o.killEngaged
	o.mu.Unlock()

	o.logger.WithFields(map[string]interface{}{
		"positions": report.Positions,
		"groups":    report.Groups,
		"orders":    report.Orders,
		"rearmed":   report.Rearmed,
	}).Info("State recovered")
	o.audit(ctx, contracts.AuditRecovery, "state recovered", map[string]interface{}{
		"positions": report.Positions,
		"groups":    report.Groups,
		"orders":    report.Orders,
		"rearmed":   report.Rearmed,
	})

	if killed && report.Positions > 0 {
		// kill switch fired while state was loading
		if _, err := o.FlattenAll(ctx, "kill switch engaged during recovery"); err != nil {
			o.logger.WithError(err).Error("Flatten after recovery incomplete")
		}
	}
	return nil
}

func (o *Orchestrator) recover(ctx context.Context) (*RecoveryReport, error) {
	o.recoveryMu.Lock()
	defer o.recoveryMu.Unlock()

	positions, err := o.Repo.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", err)
	}
	groups, err := o.Repo.ListOpenGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load open groups: %w", err)
	}
	orders, err := o.Repo.ListActiveOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active orders: %w", err)
	}

	report := &RecoveryReport{}
	for _, p := range positions {
		o.Book.PutPosition(p)
		report.Positions++
	}
	for _, g := range groups {
		o.Book.PutGroup(g)
		report.Groups++
	}
	for _, ord := range orders {
		if _, added := o.Book.AddOrder(ord); added {
			report.Orders++
		}
	}
	if o.Exits != nil {
		o.Exits.Prune(o.Book.OpenPositionIDs())
	}

	for _, g := range groups {
		if g.State != contracts.GroupStatePending {
			continue
		}
		entry, ok := o.Book.Order(g.EntryOrderID)
		if !ok {
			stored, err := o.Repo.GetOrder(ctx, g.EntryOrderID)
			if err != nil {
				continue
			}
			entry, _ = o.Book.AddOrder(stored)
		}
		if entry.FilledQuantity == 0 || o.Watcher == nil {
			continue
		}
		if err := o.Watcher.HandleEntryFill(ctx, entry); err != nil {
			o.logger.WithError(err).WithField("group_id", g.GroupID).Error("Failed to arm legs for recovered fill")
			continue
		}
		report.Rearmed++
	}
	return report, nil
}
