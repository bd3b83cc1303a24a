package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

// MemoryRepository is an in-process TradingRepository for paper runs without
// a database and for tests. InTx serializes per lock key; writes are not
// rolled back on error.
type MemoryRepository struct {
	mu        sync.RWMutex
	orders    map[string]*contracts.Order
	groups    map[string]*contracts.OCOGroup
	positions map[string]*contracts.Position
	trades    []*contracts.TradeRecord
	events    []*contracts.RiskEvent
	beats     map[string]time.Time

	locks *keyedMutex

	// FailWrites makes every write return an error (persistence outage)
	FailWrites bool
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:    make(map[string]*contracts.Order),
		groups:    make(map[string]*contracts.OCOGroup),
		positions: make(map[string]*contracts.Position),
		beats:     make(map[string]time.Time),
		locks:     newKeyedMutex(),
	}
}

// InTx runs fn holding the lock for lockKey
func (r *MemoryRepository) InTx(ctx context.Context, lockKey string, fn func(ctx context.Context, tx contracts.TradingStore) error) error {
	unlock := r.locks.Lock(lockKey)
	defer unlock()
	return fn(ctx, r)
}

func (r *MemoryRepository) writable() error {
	if r.FailWrites {
		return fmt.Errorf("memory repository: writes disabled")
	}
	return nil
}

// SaveOrder stores a copy of o
func (r *MemoryRepository) SaveOrder(ctx context.Context, o *contracts.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writable(); err != nil {
		return err
	}
	r.orders[o.ClientOrderID] = o.Clone()
	return nil
}

// GetOrder returns a copy of the stored order
func (r *MemoryRepository) GetOrder(ctx context.Context, id string) (*contracts.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, contracts.ErrNotFound)
	}
	return o.Clone(), nil
}

// ListActiveOrders returns non-terminal orders, oldest first
func (r *MemoryRepository) ListActiveOrders(ctx context.Context) ([]*contracts.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*contracts.Order, 0)
	for _, o := range r.orders {
		if o.IsActive() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveGroup stores a copy of g
func (r *MemoryRepository) SaveGroup(ctx context.Context, g *contracts.OCOGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writable(); err != nil {
		return err
	}
	r.groups[g.GroupID] = g.Clone()
	return nil
}

// GetGroup returns a copy of the stored group
func (r *MemoryRepository) GetGroup(ctx context.Context, id string) (*contracts.OCOGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, contracts.ErrNotFound)
	}
	return g.Clone(), nil
}

// ListOpenGroups returns groups not yet CLOSED
func (r *MemoryRepository) ListOpenGroups(ctx context.Context) ([]*contracts.OCOGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*contracts.OCOGroup, 0)
	for _, g := range r.groups {
		if !g.IsClosed() {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SavePosition stores a copy of p
func (r *MemoryRepository) SavePosition(ctx context.Context, p *contracts.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writable(); err != nil {
		return err
	}
	r.positions[p.PositionID] = p.Clone()
	return nil
}

// GetPositionByEntryOrder finds the position opened by an entry order
func (r *MemoryRepository) GetPositionByEntryOrder(ctx context.Context, entryOrderID string) (*contracts.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.positions {
		if p.EntryOrderID == entryOrderID {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("position for %s: %w", entryOrderID, contracts.ErrNotFound)
}

// ListOpenPositions returns OPEN positions, oldest first
func (r *MemoryRepository) ListOpenPositions(ctx context.Context) ([]*contracts.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*contracts.Position, 0)
	for _, p := range r.positions {
		if p.IsOpen() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// AppendTrade appends a ledger line; a repeated id is ignored
func (r *MemoryRepository) AppendTrade(ctx context.Context, t *contracts.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writable(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	for _, existing := range r.trades {
		if existing.ID == t.ID {
			return nil
		}
	}
	c := *t
	r.trades = append(r.trades, &c)
	return nil
}

// RealizedPnLSince sums realized PnL of trades executed at or after since
func (r *MemoryRepository) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum float64
	for _, t := range r.trades {
		if !t.ExecutedAt.Before(since) {
			sum += t.RealizedPnL
		}
	}
	return sum, nil
}

// SaveRiskEvent appends a risk event
func (r *MemoryRepository) SaveRiskEvent(ctx context.Context, ev *contracts.RiskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writable(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	c := *ev
	r.events = append(r.events, &c)
	return nil
}

// RecordHeartbeat stores the latest beat for an instance
func (r *MemoryRepository) RecordHeartbeat(ctx context.Context, instanceID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writable(); err != nil {
		return err
	}
	r.beats[instanceID] = at
	return nil
}

// Trades returns a copy of the ledger
func (r *MemoryRepository) Trades() []*contracts.TradeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*contracts.TradeRecord, 0, len(r.trades))
	for _, t := range r.trades {
		c := *t
		out = append(out, &c)
	}
	return out
}

// RiskEvents returns a copy of recorded risk events
func (r *MemoryRepository) RiskEvents() []*contracts.RiskEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*contracts.RiskEvent, 0, len(r.events))
	for _, ev := range r.events {
		c := *ev
		out = append(out, &c)
	}
	return out
}

// Heartbeat returns the last beat recorded for an instance
func (r *MemoryRepository) Heartbeat(instanceID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.beats[instanceID]
	return at, ok
}

// TradesBetween returns ledger lines executed in [from, to)
func (r *MemoryRepository) TradesBetween(ctx context.Context, from, to time.Time) ([]*contracts.TradeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*contracts.TradeRecord
	for _, t := range r.trades {
		if t.ExecutedAt.Before(from) || !t.ExecutedAt.Before(to) {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	return out, nil
}
