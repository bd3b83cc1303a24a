package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/wonny/aegis/intraday/internal/orchestrator"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// DayStarter fixes the day-start capital
type DayStarter interface {
	BeginDay(ctx context.Context) error
}

// SquareOffer closes every open position at the end of the session
type SquareOffer interface {
	SquareOff(ctx context.Context) (*orchestrator.FlattenReport, error)
}

// DayStartJob runs shortly after the open and resets the daily risk baseline
type DayStartJob struct {
	trader   DayStarter
	schedule string
	logger   *logger.Logger
}

// NewDayStartJob creates the day-start job on the given cron expression
func NewDayStartJob(trader DayStarter, schedule string, log *logger.Logger) *DayStartJob {
	return &DayStartJob{trader: trader, schedule: schedule, logger: log}
}

// Name returns the job name
func (j *DayStartJob) Name() string { return "day_start" }

// Schedule returns the cron schedule
func (j *DayStartJob) Schedule() string { return j.schedule }

// Run executes the job
func (j *DayStartJob) Run(ctx context.Context) error {
	if err := j.trader.BeginDay(ctx); err != nil {
		return fmt.Errorf("failed to begin trading day: %w", err)
	}
	return nil
}

// SquareOffJob closes intraday positions before the broker's auto square-off
type SquareOffJob struct {
	trader   SquareOffer
	schedule string
	logger   *logger.Logger
}

// NewSquareOffJob creates the end-of-day square-off job
func NewSquareOffJob(trader SquareOffer, schedule string, log *logger.Logger) *SquareOffJob {
	return &SquareOffJob{trader: trader, schedule: schedule, logger: log}
}

// Name returns the job name
func (j *SquareOffJob) Name() string { return "eod_square_off" }

// Schedule returns the cron schedule
func (j *SquareOffJob) Schedule() string { return j.schedule }

// Run executes the job. A standby has nothing to close.
func (j *SquareOffJob) Run(ctx context.Context) error {
	report, err := j.trader.SquareOff(ctx)
	if errors.Is(err, orchestrator.ErrNotLeader) {
		j.logger.Debug("Square-off skipped on standby")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to square off: %w", err)
	}

	j.logger.WithFields(map[string]interface{}{
		"closed_positions":  len(report.ClosedPositions),
		"cancelled_entries": report.CancelledEntries,
	}).Info("End-of-day square-off completed")
	return nil
}
