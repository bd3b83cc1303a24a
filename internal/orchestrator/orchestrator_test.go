package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/execution"
	"github.com/wonny/aegis/intraday/internal/leader"
	"github.com/wonny/aegis/intraday/internal/risk"
	"github.com/wonny/aegis/intraday/internal/signals"
	"github.com/wonny/aegis/intraday/internal/state"
	"github.com/wonny/aegis/intraday/internal/tradeconfig"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

const symbol = "NIFTY2530625000CE"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type priceFeed struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (f *priceFeed) GetLastPrice(_ context.Context, sym string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[sym]
	if !ok {
		return 0, fmt.Errorf("no tick for %s", sym)
	}
	return p, nil
}

type auditRecorder struct {
	mu     sync.Mutex
	events []*contracts.AuditEvent
}

func (a *auditRecorder) RecordAudit(_ context.Context, ev *contracts.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *auditRecorder) count(typ contracts.AuditEventType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ev := range a.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	o      *Orchestrator
	cfg    *tradeconfig.Config
	book   *state.Book
	repo   *execution.MemoryRepository
	engine *execution.Engine
	paper  *execution.PaperBroker
	queue  *signals.Queue
	feed   *priceFeed
	clock  *testClock
	audit  *auditRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithRepo(t, execution.NewMemoryRepository())
}

func newHarnessWithRepo(t *testing.T, repo *execution.MemoryRepository) *harness {
	t.Helper()
	log := logger.Nop()

	cfg := tradeconfig.Default()
	cfg.Execution.FillTimeoutSeconds = 1
	cfg.Execution.FillPollMS = 5
	cfg.Execution.BackoffMS = 1

	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	h := &harness{
		cfg:   cfg,
		book:  state.NewBook(),
		repo:  repo,
		paper: execution.NewPaperBroker(),
		queue: signals.NewQueue(),
		feed:  &priceFeed{prices: map[string]float64{}},
		clock: &testClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, ist)}, // Monday
		audit: &auditRecorder{},
	}

	h.engine = execution.NewEngine(execution.EngineConfigFrom(cfg.Execution), h.book, repo, execution.NewThrottle(1000, 0), "fp-test", log)
	oco := execution.NewOCOManager(execution.OCOConfigFrom(cfg.OCO), h.engine, h.book, repo, log)
	watcher := execution.NewWatcher(h.engine, h.book, repo, oco, nil, nil, time.Second, log)
	h.engine.Attach(oco, watcher)
	h.engine.UseBrokers(h.paper, nil, nil)

	h.o = NewOrchestrator(cfg, "test-1", Components{
		Book:    h.book,
		Repo:    repo,
		Audit:   h.audit,
		Engine:  h.engine,
		OCO:     oco,
		Watcher: watcher,
		Exits:   execution.NewExitManager(execution.ExitConfigFrom(cfg), log),
		Risk:    risk.NewManager(cfg, log),
		Signals: h.queue,
		Prices:  h.feed,
		Account: NewPaperAccount(1_000_000, repo, h.book),
	}, log)
	h.o.SetClock(h.clock.Now)
	return h
}

// price sets the feed and the simulator mark
func (h *harness) price(p float64) {
	h.feed.mu.Lock()
	h.feed.prices[symbol] = p
	h.feed.mu.Unlock()
	h.paper.MarkPrice(symbol, p)
}

func (h *harness) cycle(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.RunCycle(context.Background()))
}

// poll runs one reconcile pass so requested cancels land in the book
func (h *harness) poll(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.Watcher.Poll(context.Background()))
}

// open enqueues one signal at 100 and runs a cycle until it is filled
func (h *harness) open(t *testing.T) *contracts.Position {
	t.Helper()
	h.price(100)
	require.NoError(t, h.queue.Enqueue(context.Background(), niftyCall("sig-1")))
	h.cycle(t)

	open := h.book.OpenPositions()
	require.Len(t, open, 1)
	return open[0]
}

func niftyCall(id string) *contracts.Signal {
	return &contracts.Signal{
		ID:           id,
		StrategyName: "orb",
		Exchange:     "NFO",
		Symbol:       symbol,
		Class:        contracts.InstrumentOptions,
		Product:      contracts.ProductMIS,
		LotSize:      75,
		Side:         contracts.PositionSideLong,
		EntryType:    contracts.OrderTypeMarket,
		Entry:        100,
		StopLoss:     90,
		TakeProfit1:  115,
		TakeProfit2:  130,
		Confidence:   0.7,
		RiskReward:   2,
	}
}

func legsByTag(orders []*contracts.Order) map[contracts.OrderTag]*contracts.Order {
	out := make(map[contracts.OrderTag]*contracts.Order)
	for _, o := range orders {
		if o.IsActive() {
			out[o.Tag] = o
		}
	}
	return out
}

// =============================================================================
// control plane
// =============================================================================

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.True(t, h.o.TradingAllowed())
	h.o.Pause(ctx, "news event")
	assert.False(t, h.o.TradingAllowed())

	_, err := h.o.ExecuteSignal(ctx, niftyCall("s"))
	assert.ErrorIs(t, err, ErrTradingPaused)

	st := h.o.Status()
	assert.Equal(t, "news event", st.PauseReasons[string(PauseOperator)])

	h.o.Resume(ctx)
	assert.True(t, h.o.TradingAllowed())
	assert.Equal(t, 1, h.audit.count(contracts.AuditPause))
	assert.Equal(t, 1, h.audit.count(contracts.AuditResume))
}

type stubBroker struct{}

func (stubBroker) PlaceOrder(context.Context, execution.PlaceOrderRequest) (string, error) {
	return "", fmt.Errorf("not used")
}
func (stubBroker) CancelOrder(context.Context, string) error { return nil }
func (stubBroker) GetOrders(context.Context) ([]execution.BrokerOrder, error) {
	return nil, nil
}

type session bool

func (s session) HasValidSession(context.Context) bool { return bool(s) }

func TestSwitchMode_Guard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.open(t)
	assert.ErrorIs(t, h.o.SwitchMode(ctx, execution.ModeLive), ErrNotFlat)

	_, err := h.o.FlattenAll(ctx, "test")
	require.NoError(t, err)
	require.Empty(t, h.book.OpenPositions())

	h.engine.UseBrokers(h.paper, stubBroker{}, session(false))
	assert.ErrorIs(t, h.o.SwitchMode(ctx, execution.ModeLive), execution.ErrNoBrokerSession)
	assert.Equal(t, execution.ModePaper, h.engine.Mode())

	h.engine.UseBrokers(h.paper, stubBroker{}, session(true))
	require.NoError(t, h.o.SwitchMode(ctx, execution.ModeLive))
	assert.Equal(t, execution.ModeLive, h.engine.Mode())
	assert.Equal(t, 1, h.audit.count(contracts.AuditModeChange))

	require.NoError(t, h.o.SwitchMode(ctx, execution.ModePaper))
	assert.Error(t, h.o.SwitchMode(ctx, execution.Mode("demo")))
}

func TestLeadership_LossPausesAndReacquireResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	store := leader.NewMemoryLockStore(h.clock.Now)
	e := leader.NewElector(leader.Config{
		Key:          "intraday:leader",
		InstanceID:   "test-1",
		TTL:          15 * time.Second,
		RefreshEvery: 5 * time.Second,
		BackoffBase:  time.Second,
		BackoffMax:   30 * time.Second,
	}, store, h.o.LeaderHooks(), logger.Nop())
	e.SetClock(h.clock.Now)
	h.o.UseElector(e)

	require.NoError(t, h.o.Start(ctx, false))
	assert.True(t, h.o.TradingAllowed())
	assert.Equal(t, 1, h.audit.count(contracts.AuditRecovery), "first election recovers state")

	store.Expire("intraday:leader")
	h.clock.Advance(5 * time.Second)
	e.Step(ctx)
	assert.False(t, h.o.TradingAllowed())

	h.price(100)
	require.NoError(t, h.queue.Enqueue(ctx, niftyCall("sig-1")))
	h.cycle(t)
	assert.Empty(t, h.book.Orders(), "no orders while not leading")
	assert.Equal(t, 1, h.queue.Pending())

	h.clock.Advance(5 * time.Second)
	e.Step(ctx)
	assert.True(t, h.o.TradingAllowed())
	assert.Equal(t, 3, h.audit.count(contracts.AuditLeadershipChange), "acquired, lost, reacquired")
	assert.Equal(t, 2, h.audit.count(contracts.AuditRecovery))

	st := h.o.Status()
	assert.Equal(t, string(leader.StateLeading), st.LeaderState)
}

func TestStart_RefusesWhenLeaseHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	store := leader.NewMemoryLockStore(h.clock.Now)
	ok, err := store.Acquire(ctx, "k", "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	e := leader.NewElector(leader.Config{Key: "k", InstanceID: "test-1", TTL: 15 * time.Second, RefreshEvery: 5 * time.Second}, store, h.o.LeaderHooks(), logger.Nop())
	e.SetClock(h.clock.Now)
	h.o.UseElector(e)

	assert.ErrorIs(t, h.o.Start(ctx, false), leader.ErrLeaseHeld)
	assert.NoError(t, h.o.Start(ctx, true), "standby waits instead")
	assert.False(t, h.o.TradingAllowed())
}
