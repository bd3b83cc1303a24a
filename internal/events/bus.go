package events

import (
	"sync"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// Bus fans order status changes out to subscribers (websocket clients,
// loggers). Publish never blocks: a subscriber whose buffer is full misses
// the change and its drop counter grows.
// ⭐ SSOT: 주문 상태 변경 브로드캐스트는 여기서만
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	logger *logger.Logger
}

type subscriber struct {
	ch      chan contracts.StatusChange
	dropped int
}

// NewBus creates an empty bus
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: log.WithComponent("events"),
	}
}

// Subscribe registers a subscriber with the given buffer. The returned
// cancel closes the channel; calling it twice is safe.
func (b *Bus) Subscribe(buffer int) (<-chan contracts.StatusChange, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{ch: make(chan contracts.StatusChange, buffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			// Close may have got there first
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Close ends every subscription; later subscribers get a closed channel
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish implements execution.Publisher
func (b *Bus) Publish(change contracts.StatusChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- change:
		default:
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				b.logger.WithFields(map[string]interface{}{
					"subscriber": id,
					"dropped":    sub.dropped,
				}).Warn("Slow subscriber, status change dropped")
			}
		}
	}
}

// Subscribers returns the number of live subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
