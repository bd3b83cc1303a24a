package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

// FlattenReport summarizes a close-all pass
type FlattenReport struct {
	Reason           string   `json:"reason"`
	CancelledEntries int      `json:"cancelled_entries"`
	ClosedPositions  []string `json:"closed_positions"`
	Errors           []string `json:"errors,omitempty"`
}

// FlattenAll is the kill switch: it pauses trading, cancels working entries
// and closes every open position at market. Safe to call repeatedly and
// while recovery is still loading state; positions recovered later are
// flattened when recovery completes.
func (o *Orchestrator) FlattenAll(ctx context.Context, reason string) (*FlattenReport, error) {
	o.mu.Lock()
	o.paused[PauseKillSwitch] = reason
	o.killEngaged = true
	o.mu.Unlock()

	o.logger.WithField("reason", reason).Warn("Kill switch engaged")
	if !o.IsLeader() {
		o.audit(ctx, contracts.AuditKillSwitch, reason, map[string]interface{}{"leader": false})
		return &FlattenReport{Reason: reason}, ErrNotLeader
	}

	report := o.closeAll(ctx, contracts.ExitReasonKillSwitch)
	report.Reason = reason

	o.audit(ctx, contracts.AuditKillSwitch, reason, map[string]interface{}{
		"cancelled_entries": report.CancelledEntries,
		"closed_positions":  len(report.ClosedPositions),
		"errors":            len(report.Errors),
	})
	if len(report.Errors) > 0 {
		return report, fmt.Errorf("flatten incomplete: %d error(s)", len(report.Errors))
	}
	return report, nil
}

// SquareOff closes everything for the end of the session without pausing
func (o *Orchestrator) SquareOff(ctx context.Context) (*FlattenReport, error) {
	if !o.IsLeader() {
		return &FlattenReport{Reason: string(contracts.ExitReasonEOD)}, ErrNotLeader
	}
	report := o.closeAll(ctx, contracts.ExitReasonEOD)
	report.Reason = string(contracts.ExitReasonEOD)
	if len(report.Errors) > 0 {
		return report, fmt.Errorf("square-off incomplete: %d error(s)", len(report.Errors))
	}
	return report, nil
}

// closeAll cancels working entries first so nothing new fills while the
// positions are being closed
func (o *Orchestrator) closeAll(ctx context.Context, reason contracts.ExitReason) *FlattenReport {
	o.flattenMu.Lock()
	defer o.flattenMu.Unlock()

	report := &FlattenReport{ClosedPositions: []string{}}

	seen := make(map[string]struct{})
	for _, ord := range o.Book.Orders() {
		if ord.Tag != contracts.OrderTagEntry || !ord.IsActive() {
			continue
		}
		if _, dup := seen[ord.ParentGroup]; dup {
			continue
		}
		seen[ord.ParentGroup] = struct{}{}
		if err := o.OCO.CancelAllInGroup(ctx, ord.ParentGroup); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("cancel entry %s: %v", ord.ClientOrderID, err))
			continue
		}
		report.CancelledEntries++
	}

	for _, pos := range o.Book.OpenPositions() {
		o.rememberExit(pos.PositionID, reason)
		current, ready, err := o.disarm(ctx, pos.PositionID)
		if err != nil {
			o.logger.WithError(err).WithField("position_id", pos.PositionID).Warn("Close deferred, legs not confirmed cancelled")
			report.Errors = append(report.Errors, fmt.Sprintf("close %s: %v", pos.Symbol, err))
			continue
		}
		if !ready {
			report.ClosedPositions = append(report.ClosedPositions, pos.PositionID)
			continue
		}
		if _, err := o.Engine.ClosePosition(ctx, current, reason); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("close %s: %v", pos.Symbol, err))
			continue
		}
		report.ClosedPositions = append(report.ClosedPositions, pos.PositionID)
	}
	o.Engine.Settle(ctx)

	o.logger.WithFields(map[string]interface{}{
		"reason":            string(reason),
		"cancelled_entries": report.CancelledEntries,
		"closed_positions":  len(report.ClosedPositions),
		"errors":            len(report.Errors),
	}).Warn("Close-all pass finished")
	return report
}

// errLegsWorking means an entry or leg may still fill at the broker
var errLegsWorking = errors.New("order still working")

// disarm cancels a position's bracket and re-reads the broker book before a
// market close. ready is false when the position closed in the meantime; an
// error means a leg could still fill and the close must wait for a later pass.
func (o *Orchestrator) disarm(ctx context.Context, positionID string) (*contracts.Position, bool, error) {
	pos, ok := o.Book.Position(positionID)
	if !ok || !pos.IsOpen() {
		return nil, false, nil
	}
	if pos.GroupID == "" {
		return pos, true, nil
	}

	cancelErr := o.OCO.CancelAllInGroup(ctx, pos.GroupID)
	if o.Watcher != nil {
		// authoritative re-read: a leg may have filled before its cancel landed
		if err := o.Watcher.Poll(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to re-read orders after cancel: %w", err)
		}
	}

	pos, ok = o.Book.Position(positionID)
	if !ok || !pos.IsOpen() {
		return nil, false, nil
	}
	if cancelErr != nil {
		return nil, false, fmt.Errorf("failed to cancel legs: %w", cancelErr)
	}
	for _, ord := range o.Book.OrdersInGroup(pos.GroupID) {
		if ord.IsActive() && ord.Tag != contracts.OrderTagExit {
			return nil, false, fmt.Errorf("%s %s: %w", ord.Tag, ord.ClientOrderID, errLegsWorking)
		}
	}
	return pos, true, nil
}
