// Package orchestrator runs the trading loop on the leader instance.
// - 사이클: 시세 반영 → 포트폴리오 리스크 → 청산 평가 → 신규 신호 실행
// - 리더가 아니거나 일시정지 상태면 신규 진입 금지
// - 킬스위치: 일시정지 후 전 포지션 청산
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/execution"
	"github.com/wonny/aegis/intraday/internal/leader"
	"github.com/wonny/aegis/intraday/internal/risk"
	"github.com/wonny/aegis/intraday/internal/state"
	"github.com/wonny/aegis/intraday/internal/tradeconfig"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

var (
	// ErrTradingPaused is returned when new entries are not allowed
	ErrTradingPaused = errors.New("trading paused")

	// ErrNotLeader is returned for order-placing controls on a standby
	ErrNotLeader = errors.New("instance is not the leader")

	// ErrNotFlat blocks a mode switch while positions or orders are open
	ErrNotFlat = errors.New("mode switch requires a flat book")
)

// SignalSource hands out pending signals and records their outcome
type SignalSource interface {
	Claim(ctx context.Context, limit int) ([]*contracts.Signal, error)
	Complete(ctx context.Context, signalID, outcome, message string) error
}

// AccountSource reports funds; paper runs derive them from the ledger
type AccountSource interface {
	Account(ctx context.Context) (contracts.Account, error)
}

// PauseReason identifies who paused trading
type PauseReason string

const (
	PauseOperator   PauseReason = "OPERATOR"
	PauseLeadership PauseReason = "LEADERSHIP"
	PauseKillSwitch PauseReason = "KILL_SWITCH"
)

// Components are the collaborators the orchestrator drives
type Components struct {
	Book    *state.Book
	Repo    contracts.TradingRepository
	Audit   contracts.AuditSink
	Engine  *execution.Engine
	OCO     *execution.OCOManager
	Watcher *execution.Watcher
	Exits   *execution.ExitManager
	Risk    *risk.Manager
	Signals SignalSource
	Prices  execution.PriceProvider
	ATR     execution.ATRProvider
	Account AccountSource
}

// Orchestrator coordinates signal execution, exits and risk on the leader
// ⭐ SSOT: 거래 루프 조율은 여기서만
type Orchestrator struct {
	Components

	cfg        *tradeconfig.Config
	instanceID string
	elector    *leader.Elector
	loc        *time.Location
	logger     *logger.Logger
	now        func() time.Time

	mu            sync.RWMutex
	paused        map[PauseReason]string
	recovered     bool
	killEngaged   bool
	lastCycle     time.Time
	lastHeartbeat time.Time
	lastRisk      *contracts.PortfolioRisk
	lastRealized  float64
	breachDay     string
	exitReasons   map[string]contracts.ExitReason // position id → pending close reason

	flattenMu  sync.Mutex
	recoveryMu sync.Mutex

	// fill callbacks are serialized; booked tracks exit quantity per order
	fillMu sync.Mutex
	booked map[string]int

	// tick is one scan cycle; replaced in tests
	tick func(ctx context.Context) error
}

// NewOrchestrator creates an orchestrator and registers itself as the
// watcher's fill callbacks and the OCO manager's unprotected handler
func NewOrchestrator(cfg *tradeconfig.Config, instanceID string, c Components, log *logger.Logger) *Orchestrator {
	o := &Orchestrator{
		Components:  c,
		cfg:         cfg,
		instanceID:  instanceID,
		loc:         cfg.Meta.Location(),
		logger:      log.WithComponent("orchestrator").WithField("instance_id", instanceID),
		now:         time.Now,
		paused:      make(map[PauseReason]string),
		exitReasons: make(map[string]contracts.ExitReason),
		booked:      make(map[string]int),
	}
	o.tick = o.RunCycle

	if c.Watcher != nil {
		c.Watcher.SetCallbacks(o)
		c.Watcher.SetGate(o.IsLeader)
	}
	if c.OCO != nil {
		c.OCO.SetUnprotectedHandler(o.handleUnprotected)
	}
	return o
}

// UseElector wires leader election; without one this instance always leads
func (o *Orchestrator) UseElector(e *leader.Elector) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.elector = e
}

// SetClock overrides the time source (tests)
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

func (o *Orchestrator) clock() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.now()
}

// Start recovers state and makes the first leadership attempt.
// Without standby a lease held elsewhere is returned as leader.ErrLeaseHeld.
func (o *Orchestrator) Start(ctx context.Context, standby bool) error {
	o.mu.RLock()
	elector := o.elector
	o.mu.RUnlock()

	o.logger.WithFields(map[string]interface{}{
		"mode":    string(o.Engine.Mode()),
		"standby": standby,
	}).Info("Starting orchestrator")

	if elector == nil {
		return o.Recover(ctx)
	}
	// recovery runs from the OnElected hook
	return elector.Start(ctx, standby)
}

// Run drives the elector, the watcher and the supervised scan loop until
// ctx is cancelled
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.RLock()
	elector := o.elector
	o.mu.RUnlock()

	var wg sync.WaitGroup
	if elector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = elector.Run(ctx)
		}()
	}
	if o.Watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.Watcher.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.supervise(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	o.logger.Info("Orchestrator stopped")
	return nil
}

// =============================================================================
// Leadership
// =============================================================================

// IsLeader reports whether this instance may place orders
func (o *Orchestrator) IsLeader() bool {
	o.mu.RLock()
	elector := o.elector
	o.mu.RUnlock()
	return elector == nil || elector.IsLeader()
}

// LeaderHooks returns the hooks to build the elector with
func (o *Orchestrator) LeaderHooks() leader.Hooks {
	return leader.Hooks{
		OnElected: o.onElected,
		OnLost:    o.onLost,
	}
}

func (o *Orchestrator) onElected(ctx context.Context, reacquired bool) {
	o.mu.Lock()
	delete(o.paused, PauseLeadership)
	needRecovery := reacquired || !o.recovered
	o.mu.Unlock()

	msg := "leadership acquired"
	if reacquired {
		msg = "leadership reacquired"
	}
	o.audit(ctx, contracts.AuditLeadershipChange, msg, map[string]interface{}{"reacquired": reacquired})

	if needRecovery {
		// another instance may have traded while we were out
		if err := o.Recover(ctx); err != nil {
			o.logger.WithError(err).Error("Recovery after election failed")
		}
	}
}

func (o *Orchestrator) onLost(ctx context.Context, cause error) {
	o.mu.Lock()
	o.paused[PauseLeadership] = cause.Error()
	o.mu.Unlock()

	o.audit(ctx, contracts.AuditLeadershipChange, "leadership lost", map[string]interface{}{"cause": cause.Error()})
}

// =============================================================================
// Pause / resume
// =============================================================================

// TradingAllowed reports whether new entries may be placed
func (o *Orchestrator) TradingAllowed() bool {
	if !o.IsLeader() {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.paused) == 0
}

// Pause stops new entries; exits keep being managed
func (o *Orchestrator) Pause(ctx context.Context, reason string) {
	o.setPause(PauseOperator, reason)
	o.logger.WithField("reason", reason).Warn("Trading paused by operator")
	o.audit(ctx, contracts.AuditPause, reason, nil)
}

// Resume clears operator and kill-switch pauses. A leadership pause only
// clears on re-election.
func (o *Orchestrator) Resume(ctx context.Context) {
	o.mu.Lock()
	delete(o.paused, PauseOperator)
	delete(o.paused, PauseKillSwitch)
	o.killEngaged = false
	o.mu.Unlock()

	o.logger.Info("Trading resumed by operator")
	o.audit(ctx, contracts.AuditResume, "resumed", nil)
}

func (o *Orchestrator) setPause(reason PauseReason, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused[reason] = msg
}

// =============================================================================
// Mode switch
// =============================================================================

// SwitchMode changes order routing. Paper→live needs a flat book and a valid
// broker session; live→paper needs a flat book.
func (o *Orchestrator) SwitchMode(ctx context.Context, mode execution.Mode) error {
	current := o.Engine.Mode()
	if mode == current {
		return nil
	}
	if mode != execution.ModePaper && mode != execution.ModeLive {
		return fmt.Errorf("unknown trading mode %q", mode)
	}

	if n := len(o.Book.OpenPositions()); n > 0 {
		return fmt.Errorf("%w: %d open position(s)", ErrNotFlat, n)
	}
	if n := len(o.Book.WatchableOrders()); n > 0 {
		return fmt.Errorf("%w: %d working order(s)", ErrNotFlat, n)
	}
	if mode == execution.ModeLive && !o.Engine.HasValidSession(ctx) {
		return execution.ErrNoBrokerSession
	}

	o.Engine.SetMode(mode)
	o.logger.WithFields(map[string]interface{}{
		"from": string(current),
		"to":   string(mode),
	}).Warn("Trading mode switched")
	o.audit(ctx, contracts.AuditModeChange, string(current)+" -> "+string(mode), nil)
	return nil
}

// =============================================================================
// Status
// =============================================================================

// Status is a point-in-time view for the control API
type Status struct {
	InstanceID     string                   `json:"instance_id"`
	Mode           string                   `json:"mode"`
	Leader         bool                     `json:"leader"`
	LeaderState    string                   `json:"leader_state"`
	TradingAllowed bool                     `json:"trading_allowed"`
	PauseReasons   map[string]string        `json:"pause_reasons,omitempty"`
	KillSwitch     bool                     `json:"kill_switch"`
	OpenPositions  []*contracts.Position    `json:"open_positions"`
	WorkingOrders  int                      `json:"working_orders"`
	Portfolio      *contracts.PortfolioRisk `json:"portfolio,omitempty"`
	LastCycle      time.Time                `json:"last_cycle"`
	LastHeartbeat  time.Time                `json:"last_heartbeat"`
}

// Status returns the current status
func (o *Orchestrator) Status() Status {
	st := Status{
		InstanceID:     o.instanceID,
		Mode:           string(o.Engine.Mode()),
		Leader:         o.IsLeader(),
		LeaderState:    "LEADING",
		TradingAllowed: o.TradingAllowed(),
		OpenPositions:  o.Book.OpenPositions(),
		WorkingOrders:  len(o.Book.WatchableOrders()),
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.elector != nil {
		st.LeaderState = string(o.elector.State())
	}
	if len(o.paused) > 0 {
		st.PauseReasons = make(map[string]string, len(o.paused))
		for k, v := range o.paused {
			st.PauseReasons[string(k)] = v
		}
	}
	st.KillSwitch = o.killEngaged
	st.Portfolio = o.lastRisk
	st.LastCycle = o.lastCycle
	st.LastHeartbeat = o.lastHeartbeat
	return st
}

// =============================================================================
// helpers
// =============================================================================

func (o *Orchestrator) audit(ctx context.Context, typ contracts.AuditEventType, msg string, details map[string]interface{}) {
	if o.Audit == nil {
		return
	}
	ev := &contracts.AuditEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		InstanceID: o.instanceID,
		Message:    msg,
		Details:    details,
		CreatedAt:  o.clock(),
	}
	if err := o.Audit.RecordAudit(ctx, ev); err != nil {
		o.logger.WithError(err).WithField("type", string(typ)).Warn("Failed to record audit event")
	}
}

func (o *Orchestrator) raiseRisk(ctx context.Context, ev *contracts.RiskEvent) {
	ev.CreatedAt = o.clock()
	if err := o.Repo.SaveRiskEvent(ctx, ev); err != nil {
		o.logger.WithError(err).Warn("Failed to record risk event")
	}
}

// rankSignals orders signals by score, best first
func rankSignals(sigs []*contracts.Signal) {
	sort.SliceStable(sigs, func(i, j int) bool {
		return sigs[i].Score() > sigs[j].Score()
	})
}
