package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// supervise keeps the scan loop alive: a crash of the loop itself is logged
// and the loop restarted after SupervisorRestart
func (o *Orchestrator) supervise(ctx context.Context) {
	restart := o.cfg.Orchestrator.SupervisorRestart()
	for {
		err := o.scanLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		o.logger.WithError(err).WithField("restart_in", restart.String()).Error("Scan loop crashed, restarting")
		if sleepCtx(ctx, restart) != nil {
			return
		}
	}
}

// scanLoop runs cycles on a drift-free cadence. Cycle errors and panics are
// absorbed per cycle; anything escaping the loop body ends it with an error.
func (o *Orchestrator) scanLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan loop panic: %v", r)
			o.logger.WithField("stack", string(debug.Stack())).Error("Scan loop panic")
		}
	}()

	oc := o.cfg.Orchestrator
	interval, floor, backoff := oc.ScanInterval(), oc.MinSleep(), oc.ErrorBackoff()

	o.logger.WithField("interval", interval.String()).Info("Scan loop started")
	for {
		started := o.clock()
		cycleErr := o.safeCycle(ctx)
		o.heartbeat(ctx)

		wait := nextSleep(interval, o.clock().Sub(started), floor)
		if cycleErr != nil && ctx.Err() == nil {
			o.logger.WithError(cycleErr).Warn("Scan cycle failed")
			if backoff > wait {
				wait = backoff
			}
		}
		if sleepCtx(ctx, wait) != nil {
			return nil
		}
	}
}

// safeCycle runs one tick, converting a panic into an error
func (o *Orchestrator) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan cycle panic: %v", r)
			o.logger.WithField("stack", string(debug.Stack())).Error("Scan cycle panic")
		}
	}()
	return o.tick(ctx)
}

// heartbeat records liveness every cycle, including cycles that bail out
// early or fail
func (o *Orchestrator) heartbeat(ctx context.Context) {
	at := o.clock()
	if err := o.Repo.RecordHeartbeat(ctx, o.instanceID, at); err != nil {
		o.logger.WithError(err).Warn("Failed to record heartbeat")
		return
	}
	o.mu.Lock()
	o.lastHeartbeat = at
	o.mu.Unlock()
}

// nextSleep keeps cycle starts on the interval grid, never sleeping less
// than floor
func nextSleep(interval, elapsed, floor time.Duration) time.Duration {
	wait := interval - elapsed
	if wait < floor {
		return floor
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
