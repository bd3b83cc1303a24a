package scheduler

import (
	"context"
	"time"
)

// maxHistory bounds the per-job result ring
const maxHistory = 100

// Job is a unit of session housekeeping run by the scheduler
// ⭐ SSOT: 스케줄 작업 인터페이스는 여기서만 정의
type Job interface {
	Name() string

	Run(ctx context.Context) error

	// Schedule is a six-field cron expression (seconds first) evaluated
	// in the exchange timezone, e.g. "0 10 9 * * 1-5" for 09:10 on weekdays
	Schedule() string
}

// JobResult records one scheduled or manual run, retries included
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// JobHistory keeps the last maxHistory results of a job, oldest first
type JobHistory struct {
	Results []JobResult
}

func (h *JobHistory) AddResult(result JobResult) {
	h.Results = append(h.Results, result)
	if over := len(h.Results) - maxHistory; over > 0 {
		h.Results = h.Results[over:]
	}
}

// Latest returns up to n most recent results
func (h *JobHistory) Latest(n int) []JobResult {
	if n > len(h.Results) {
		n = len(h.Results)
	}
	if n <= 0 {
		return []JobResult{}
	}
	return h.Results[len(h.Results)-n:]
}

// Last returns the most recent result matching ok, newest first
func (h *JobHistory) Last(ok func(JobResult) bool) (JobResult, bool) {
	for i := len(h.Results) - 1; i >= 0; i-- {
		if ok(h.Results[i]) {
			return h.Results[i], true
		}
	}
	return JobResult{}, false
}

// Failures counts failed runs in the window
func (h *JobHistory) Failures() int {
	n := 0
	for _, r := range h.Results {
		if !r.Success {
			n++
		}
	}
	return n
}

// SuccessRate is in [0, 1]; zero when the job never ran
func (h *JobHistory) SuccessRate() float64 {
	if len(h.Results) == 0 {
		return 0
	}
	return float64(len(h.Results)-h.Failures()) / float64(len(h.Results))
}
