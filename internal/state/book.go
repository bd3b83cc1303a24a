package state

import (
	"sort"
	"sync"
	"time"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

// Book holds the orchestrator-owned order, position and OCO group tables.
// ⭐ SSOT: 메모리 상태는 Book 하나만 (패키지 전역 금지)
// Callers always receive copies; mutation goes through the Book methods.
type Book struct {
	mu        sync.RWMutex
	orders    map[string]*contracts.Order
	positions map[string]*contracts.Position
	groups    map[string]*contracts.OCOGroup
	now       func() time.Time
}

// NewBook creates an empty book
func NewBook() *Book {
	return &Book{
		orders:    make(map[string]*contracts.Order),
		positions: make(map[string]*contracts.Position),
		groups:    make(map[string]*contracts.OCOGroup),
		now:       time.Now,
	}
}

// SetClock overrides the time source (tests)
func (b *Book) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// =============================================================================
// Orders
// =============================================================================

// AddOrder inserts o unless its client order id is already known.
// Returns the stored copy and whether an insert happened.
func (b *Book) AddOrder(o *contracts.Order) (*contracts.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.orders[o.ClientOrderID]; ok {
		return existing.Clone(), false
	}
	stored := o.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = b.now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	b.orders[o.ClientOrderID] = stored
	return stored.Clone(), true
}

// Order returns a copy of the order
func (b *Book) Order(clientOrderID string) (*contracts.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.orders[clientOrderID]
	return o.Clone(), ok
}

// ApplyUpdate is the single status-transition entry point for orders
func (b *Book) ApplyUpdate(clientOrderID string, u contracts.OrderUpdate) (contracts.Transition, *contracts.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[clientOrderID]
	if !ok {
		return contracts.Transition{ClientOrderID: clientOrderID}, nil, contracts.ErrNotFound
	}
	tr, err := o.Apply(u, b.now())
	return tr, o.Clone(), err
}

// LinkPosition records the owning position on an order
func (b *Book) LinkPosition(clientOrderID, positionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.orders[clientOrderID]; ok {
		o.PositionID = positionID
	}
}

// WatchableOrders returns working orders known to the broker
func (b *Book) WatchableOrders() []*contracts.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*contracts.Order, 0)
	for _, o := range b.orders {
		if o.Status.IsWorking() && o.BrokerOrderID != "" {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out
}

// OrdersInGroup returns every order sharing parent group id
func (b *Book) OrdersInGroup(groupID string) []*contracts.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*contracts.Order, 0, 4)
	for _, o := range b.orders {
		if o.ParentGroup == groupID {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out
}

// ActiveExitOrder returns a working EXIT order for the position, if any
func (b *Book) ActiveExitOrder(positionID string) (*contracts.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, o := range b.orders {
		if o.Tag == contracts.OrderTagExit && o.PositionID == positionID && o.IsActive() {
			return o.Clone(), true
		}
	}
	return nil, false
}

// Orders returns all orders, newest first
func (b *Book) Orders() []*contracts.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*contracts.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// PruneTerminalOrders drops terminal orders not updated since cutoff
func (b *Book) PruneTerminalOrders(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, o := range b.orders {
		if o.Status.IsTerminal() && o.UpdatedAt.Before(cutoff) {
			delete(b.orders, id)
			n++
		}
	}
	return n
}

// =============================================================================
// Positions
// =============================================================================

// PutPosition inserts or replaces a position
func (b *Book) PutPosition(p *contracts.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[p.PositionID] = p.Clone()
}

// Position returns a copy of the position
func (b *Book) Position(positionID string) (*contracts.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.positions[positionID]
	return p.Clone(), ok
}

// PositionByEntryOrder finds the position opened by an entry order
func (b *Book) PositionByEntryOrder(entryOrderID string) (*contracts.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, p := range b.positions {
		if p.EntryOrderID == entryOrderID {
			return p.Clone(), true
		}
	}
	return nil, false
}

// PositionByGroup finds the position guarded by an OCO group
func (b *Book) PositionByGroup(groupID string) (*contracts.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, p := range b.positions {
		if p.GroupID == groupID {
			return p.Clone(), true
		}
	}
	return nil, false
}

// UpdatePosition mutates a position under the book lock and returns the result
func (b *Book) UpdatePosition(positionID string, fn func(p *contracts.Position)) (*contracts.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[positionID]
	if !ok {
		return nil, false
	}
	fn(p)
	return p.Clone(), true
}

// RemovePosition drops a position from memory
func (b *Book) RemovePosition(positionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, positionID)
}

// OpenPositions returns open positions ordered by open time
func (b *Book) OpenPositions() []*contracts.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*contracts.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.IsOpen() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].PositionID < out[j].PositionID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// OpenPositionIDs returns the set of open position ids
func (b *Book) OpenPositionIDs() map[string]struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make(map[string]struct{}, len(b.positions))
	for id, p := range b.positions {
		if p.IsOpen() {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// =============================================================================
// OCO groups
// =============================================================================

// PutGroup inserts or replaces a group
func (b *Book) PutGroup(g *contracts.OCOGroup) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups[g.GroupID] = g.Clone()
}

// Group returns a copy of the group
func (b *Book) Group(groupID string) (*contracts.OCOGroup, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	g, ok := b.groups[groupID]
	return g.Clone(), ok
}

// UpdateGroup mutates a group under the book lock
func (b *Book) UpdateGroup(groupID string, fn func(g *contracts.OCOGroup)) (*contracts.OCOGroup, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[groupID]
	if !ok {
		return nil, false
	}
	fn(g)
	g.UpdatedAt = b.now()
	return g.Clone(), true
}

// RemoveGroup clears the group reference once its position is closed
func (b *Book) RemoveGroup(groupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.groups, groupID)
}

// =============================================================================
// Stats
// =============================================================================

// Stats 현재 테이블 크기
type Stats struct {
	Orders        int `json:"orders"`
	WorkingOrders int `json:"working_orders"`
	OpenPositions int `json:"open_positions"`
	Groups        int `json:"groups"`
}

// Stats returns table sizes for status reporting
func (b *Book) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{Orders: len(b.orders), Groups: len(b.groups)}
	for _, o := range b.orders {
		if o.Status.IsWorking() {
			s.WorkingOrders++
		}
	}
	for _, p := range b.positions {
		if p.IsOpen() {
			s.OpenPositions++
		}
	}
	return s
}

func sortOrders(orders []*contracts.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ClientOrderID < orders[j].ClientOrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
