package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/state"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// stack wires engine, OCO manager and watcher the way the orchestrator does
type stack struct {
	book    *state.Book
	repo    *MemoryRepository
	engine  *Engine
	oco     *OCOManager
	watcher *Watcher
	paper   *PaperBroker
	fills   *recordingCallbacks
	changes *recordingPublisher
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		MaxRetries:      3,
		Backoff:         10 * time.Millisecond,
		FillTimeout:     100 * time.Millisecond,
		FillPoll:        5 * time.Millisecond,
		BrokerTimeout:   time.Second,
		PriceDecimals:   2,
		DefaultExchange: "NFO",
		DefaultProduct:  contracts.ProductMIS,
	}
}

func newStack(t *testing.T) *stack {
	t.Helper()
	return newStackWithRepo(t, NewMemoryRepository())
}

func newStackWithRepo(t *testing.T, repo *MemoryRepository) *stack {
	t.Helper()
	log := logger.Nop()

	s := &stack{
		book:    state.NewBook(),
		repo:    repo,
		paper:   NewPaperBroker(),
		fills:   &recordingCallbacks{},
		changes: &recordingPublisher{},
	}
	s.engine = NewEngine(testEngineConfig(), s.book, repo, NewThrottle(1000, 0), "fp-test", log)
	s.engine.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	s.oco = NewOCOManager(OCOConfig{TP1Fraction: 0.5, BreakevenOnTP1: true}, s.engine, s.book, repo, log)
	s.watcher = NewWatcher(s.engine, s.book, repo, s.oco, s.fills, s.changes, time.Second, log)
	s.engine.Attach(s.oco, s.watcher)
	s.engine.UseBrokers(s.paper, nil, nil)
	return s
}

// live switches the stack to a scripted live broker with a valid session
func (s *stack) live(b *scriptedBroker) {
	s.engine.UseBrokers(s.paper, b, sessionFunc(func() bool { return true }))
	s.engine.SetMode(ModeLive)
}

func (s *stack) poll(t *testing.T) {
	t.Helper()
	require.NoError(t, s.watcher.Poll(context.Background()))
}

func (s *stack) group(t *testing.T, id string) *contracts.OCOGroup {
	t.Helper()
	g, ok := s.book.Group(id)
	require.True(t, ok, "group %s", id)
	return g
}

func (s *stack) order(t *testing.T, id string) *contracts.Order {
	t.Helper()
	o, ok := s.book.Order(id)
	require.True(t, ok, "order %s", id)
	return o
}

func niftySignal() *contracts.Signal {
	return &contracts.Signal{
		ID:           "sig-1",
		StrategyName: "orb",
		Exchange:     "NFO",
		Symbol:       "NIFTY25000CE",
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

// =============================================================================
// fakes
// =============================================================================

type sessionFunc func() bool

func (f sessionFunc) HasValidSession(ctx context.Context) bool { return f() }

type recordingCallbacks struct {
	mu      sync.Mutex
	entries []*contracts.Order
	legs    []*contracts.Order
	err     error
}

func (r *recordingCallbacks) OnEntryFilled(ctx context.Context, entry *contracts.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry.Clone())
	return r.err
}

func (r *recordingCallbacks) OnLegFilled(ctx context.Context, o *contracts.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.legs = append(r.legs, o.Clone())
	return nil
}

func (r *recordingCallbacks) entryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *recordingCallbacks) legTags() []contracts.OrderTag {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]contracts.OrderTag, 0, len(r.legs))
	for _, o := range r.legs {
		out = append(out, o.Tag)
	}
	return out
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []contracts.StatusChange
}

func (p *recordingPublisher) Publish(c contracts.StatusChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.changes)
}

// scriptedBroker is a live broker whose responses the test controls
type scriptedBroker struct {
	mu sync.Mutex

	seq    int
	order  []string
	orders map[string]*BrokerOrder

	// placeErrs is consumed one entry per PlaceOrder call
	placeErrs []error
	// acceptOnError records the order even when the call returns an error
	acceptOnError bool
	// onPlace decides the initial broker state of an accepted order
	onPlace func(req PlaceOrderRequest, bo *BrokerOrder)
	// rejectTags rejects orders whose OrderTag-derived type matches
	rejectTypes map[contracts.OrderType]string

	getErr    error
	cancelErr error
	omit      map[string]bool

	placeCalls  int
	cancelCalls int
	requests    []PlaceOrderRequest
}

func newScriptedBroker() *scriptedBroker {
	return &scriptedBroker{
		orders:      make(map[string]*BrokerOrder),
		rejectTypes: make(map[contracts.OrderType]string),
		omit:        make(map[string]bool),
	}
}

func (b *scriptedBroker) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.placeCalls++
	if reason, ok := b.rejectTypes[req.OrderType]; ok {
		return "", &BrokerRejection{Reason: reason}
	}

	var err error
	if len(b.placeErrs) > 0 {
		err, b.placeErrs = b.placeErrs[0], b.placeErrs[1:]
	}
	if err != nil && !b.acceptOnError {
		return "", err
	}

	b.seq++
	id := fmt.Sprintf("LIVE-%d", b.seq)
	bo := &BrokerOrder{BrokerOrderID: id, Tag: req.Tag, Status: BrokerStatusOpen, Quantity: req.Quantity}
	if b.onPlace != nil {
		b.onPlace(req, bo)
	}
	b.orders[id] = bo
	b.order = append(b.order, id)
	b.requests = append(b.requests, req)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *scriptedBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cancelCalls++
	if b.cancelErr != nil {
		return b.cancelErr
	}
	bo, ok := b.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("unknown order %s", brokerOrderID)
	}
	bo.Status = BrokerStatusCancelled
	return nil
}

func (b *scriptedBroker) GetOrders(ctx context.Context) ([]BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.getErr != nil {
		return nil, b.getErr
	}
	out := make([]BrokerOrder, 0, len(b.order))
	for _, id := range b.order {
		if b.omit[id] {
			continue
		}
		out = append(out, *b.orders[id])
	}
	return out, nil
}

func (b *scriptedBroker) set(brokerOrderID, status string, filled int, avg float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bo := b.orders[brokerOrderID]
	bo.Status = status
	bo.FilledQuantity = filled
	bo.AveragePrice = avg
}

func (b *scriptedBroker) countByTag(tag string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bo := range b.orders {
		if bo.Tag == tag {
			n++
		}
	}
	return n
}

func (b *scriptedBroker) calls() (place, cancel int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placeCalls, b.cancelCalls
}

func paperCountByTag(t *testing.T, b *PaperBroker, tag string) int {
	t.Helper()
	orders, err := b.GetOrders(context.Background())
	require.NoError(t, err)
	n := 0
	for _, bo := range orders {
		if bo.Tag == tag {
			n++
		}
	}
	return n
}
