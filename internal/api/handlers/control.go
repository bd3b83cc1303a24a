package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wonny/aegis/intraday/internal/audit"
	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/execution"
	"github.com/wonny/aegis/intraday/internal/orchestrator"
	"github.com/wonny/aegis/intraday/internal/scheduler"
	"github.com/wonny/aegis/intraday/internal/signals"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// Trader is the orchestrator surface the control API drives
type Trader interface {
	Status() orchestrator.Status
	Pause(ctx context.Context, reason string)
	Resume(ctx context.Context)
	FlattenAll(ctx context.Context, reason string) (*orchestrator.FlattenReport, error)
	SwitchMode(ctx context.Context, mode execution.Mode) error
}

// OrderBook lists tracked orders
type OrderBook interface {
	Orders() []*contracts.Order
}

// SignalInbox accepts approved signals and reports their outcome
type SignalInbox interface {
	Enqueue(ctx context.Context, sig *contracts.Signal) error
	Recent(ctx context.Context, limit int) ([]signals.Outcome, error)
}

// Reporter builds performance over a window of the trade ledger
type Reporter interface {
	Analyze(ctx context.Context, from, to time.Time) (*audit.PerformanceReport, error)
}

// JobStats lists scheduled job statistics
type JobStats interface {
	GetJobStats() map[string]scheduler.JobStats
}

// ControlHandler handles the operator control endpoints
// ⭐ SSOT: 운영 제어 API 핸들러는 이 구조체에서만
type ControlHandler struct {
	trader   Trader
	book     OrderBook
	inbox    SignalInbox
	reporter Reporter
	jobs     JobStats
	loc      *time.Location
	logger   *logger.Logger
}

// NewControlHandler creates a new control handler. inbox, reporter and jobs
// may be nil; their endpoints then answer 503.
func NewControlHandler(trader Trader, book OrderBook, inbox SignalInbox, reporter Reporter, jobs JobStats, loc *time.Location, log *logger.Logger) *ControlHandler {
	if loc == nil {
		loc = time.Local
	}
	return &ControlHandler{
		trader:   trader,
		book:     book,
		inbox:    inbox,
		reporter: reporter,
		jobs:     jobs,
		loc:      loc,
		logger:   log,
	}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// GetStatus returns the instance status
// GET /api/status
func (h *ControlHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.trader.Status())
}

// Pause stops new entries; exits keep being managed
// POST /api/pause
func (h *ControlHandler) Pause(w http.ResponseWriter, r *http.Request) {
	req := reasonRequest{Reason: "operator"}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	h.trader.Pause(r.Context(), req.Reason)
	h.logger.WithField("reason", req.Reason).Info("Trading paused via API")
	respondJSON(w, http.StatusOK, h.trader.Status())
}

// Resume clears the operator pause and the kill switch
// POST /api/resume
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.trader.Resume(r.Context())
	h.logger.Info("Trading resumed via API")
	respondJSON(w, http.StatusOK, h.trader.Status())
}

// Flatten engages the kill switch
// POST /api/flatten
func (h *ControlHandler) Flatten(w http.ResponseWriter, r *http.Request) {
	req := reasonRequest{Reason: "operator flatten"}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	report, err := h.trader.FlattenAll(r.Context(), req.Reason)
	switch {
	case errors.Is(err, orchestrator.ErrNotLeader):
		respondError(w, http.StatusConflict, "Instance is not the leader; trading paused locally")
	case err != nil:
		h.logger.WithError(err).Error("Flatten incomplete")
		respondJSON(w, http.StatusBadGateway, report)
	default:
		respondJSON(w, http.StatusOK, report)
	}
}

// SwitchMode changes between paper and live routing
// POST /api/mode
func (h *ControlHandler) SwitchMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeBody(r, &req); err != nil || req.Mode == "" {
		respondError(w, http.StatusBadRequest, "Body must be {\"mode\": \"paper\"|\"live\"}")
		return
	}

	mode := execution.Mode(req.Mode)
	if mode != execution.ModePaper && mode != execution.ModeLive {
		respondError(w, http.StatusBadRequest, "Unknown mode "+req.Mode)
		return
	}

	err := h.trader.SwitchMode(r.Context(), mode)
	switch {
	case errors.Is(err, orchestrator.ErrNotFlat), errors.Is(err, execution.ErrNoBrokerSession):
		respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.WithError(err).Error("Mode switch failed")
		respondError(w, http.StatusInternalServerError, "Mode switch failed")
	default:
		respondJSON(w, http.StatusOK, h.trader.Status())
	}
}

// GetOrders returns tracked orders; ?active=true keeps only working ones
// GET /api/orders
func (h *ControlHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	orders := h.book.Orders()
	result := make([]*contracts.Order, 0, len(orders))
	for _, o := range orders {
		if activeOnly && !o.IsActive() {
			continue
		}
		result = append(result, o)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(result),
		"orders": result,
	})
}

// GetPositions returns open positions
// GET /api/positions
func (h *ControlHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.trader.Status().OpenPositions
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(positions),
		"positions": positions,
	})
}

// EnqueueSignal accepts an approved signal for the next cycle
// POST /api/signals
func (h *ControlHandler) EnqueueSignal(w http.ResponseWriter, r *http.Request) {
	if h.inbox == nil {
		respondError(w, http.StatusServiceUnavailable, "Signal inbox not configured")
		return
	}

	var sig contracts.Signal
	if err := decodeBody(r, &sig); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid signal body")
		return
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.GeneratedAt.IsZero() {
		sig.GeneratedAt = time.Now()
	}
	if err := sig.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.inbox.Enqueue(r.Context(), &sig); err != nil {
		h.logger.WithError(err).WithField("symbol", sig.Symbol).Error("Failed to enqueue signal")
		respondError(w, http.StatusInternalServerError, "Failed to enqueue signal")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": sig.ID})
}

// GetSignalOutcomes returns the latest signal outcomes
// GET /api/signals?limit=20
func (h *ControlHandler) GetSignalOutcomes(w http.ResponseWriter, r *http.Request) {
	if h.inbox == nil {
		respondError(w, http.StatusServiceUnavailable, "Signal inbox not configured")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			respondError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}

	outcomes, err := h.inbox.Recent(r.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to load signal outcomes")
		respondError(w, http.StatusInternalServerError, "Failed to load signal outcomes")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(outcomes),
		"outcomes": outcomes,
	})
}

// GetReport returns performance over [from, to]; both default to today
// GET /api/report?from=2026-03-02&to=2026-03-06
func (h *ControlHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		respondError(w, http.StatusServiceUnavailable, "Reporting not configured")
		return
	}

	now := time.Now().In(h.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, h.loc)

	from, err := h.parseDate(r.URL.Query().Get("from"), today)
	if err != nil {
		respondError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
		return
	}
	to, err := h.parseDate(r.URL.Query().Get("to"), from)
	if err != nil || to.Before(from) {
		respondError(w, http.StatusBadRequest, "to must be YYYY-MM-DD, not before from")
		return
	}

	report, err := h.reporter.Analyze(r.Context(), from, to.AddDate(0, 0, 1))
	if err != nil {
		h.logger.WithError(err).Error("Failed to build report")
		respondError(w, http.StatusInternalServerError, "Failed to build report")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// GetJobs returns scheduled job statistics
// GET /api/jobs
func (h *ControlHandler) GetJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		respondError(w, http.StatusServiceUnavailable, "Scheduler not configured")
		return
	}
	respondJSON(w, http.StatusOK, h.jobs.GetJobStats())
}

func (h *ControlHandler) parseDate(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	return time.ParseInLocation("2006-01-02", v, h.loc)
}
