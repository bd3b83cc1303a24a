package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/aegis/intraday/internal/audit"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// DailyReportSchedule fires after the close, Monday to Friday
const DailyReportSchedule = "0 45 15 * * 1-5"

// Reporter builds a performance report over a window
type Reporter interface {
	Analyze(ctx context.Context, from, to time.Time) (*audit.PerformanceReport, error)
}

// DailyReportJob logs the day's trading performance from the trade ledger
type DailyReportJob struct {
	reporter Reporter
	loc      *time.Location
	now      func() time.Time
	logger   *logger.Logger
}

// NewDailyReportJob creates the daily report job; days are cut in loc
func NewDailyReportJob(reporter Reporter, loc *time.Location, log *logger.Logger) *DailyReportJob {
	if loc == nil {
		loc = time.Local
	}
	return &DailyReportJob{reporter: reporter, loc: loc, now: time.Now, logger: log}
}

// Name returns the job name
func (j *DailyReportJob) Name() string { return "daily_report" }

// Schedule returns the cron schedule
func (j *DailyReportJob) Schedule() string { return DailyReportSchedule }

// Run executes the job
func (j *DailyReportJob) Run(ctx context.Context) error {
	now := j.now().In(j.loc)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, j.loc)

	report, err := j.reporter.Analyze(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("failed to build daily report: %w", err)
	}

	j.logger.WithFields(map[string]interface{}{
		"date":             from.Format("2006-01-02"),
		"fills":            report.Fills,
		"closed_positions": report.ClosedPositions,
		"net_pnl":          report.NetPnL,
		"fees":             report.Fees,
		"max_drawdown":     report.MaxDrawdown,
		"win_rate":         report.WinRate,
		"profit_factor":    report.ProfitFactor,
	}).Info("Daily performance report")
	return nil
}
