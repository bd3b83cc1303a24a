package signals

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

// Queue is an in-memory signal queue for paper runs without a database
// and for tests. Same semantics as Repository.
type Queue struct {
	mu       sync.Mutex
	pending  []*contracts.Signal
	seen     map[string]struct{}
	outcomes map[string]Outcome
	order    []string
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{
		seen:     make(map[string]struct{}),
		outcomes: make(map[string]Outcome),
	}
}

// Enqueue adds a validated signal; a repeated id is ignored
func (q *Queue) Enqueue(_ context.Context, sig *contracts.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if sig.ID == "" {
		return fmt.Errorf("signal %s has no id", sig.Symbol)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.seen[sig.ID]; dup {
		return nil
	}
	q.seen[sig.ID] = struct{}{}
	c := *sig
	q.pending = append(q.pending, &c)
	q.order = append(q.order, sig.ID)
	q.outcomes[sig.ID] = Outcome{SignalID: sig.ID, Status: StatusNew}
	return nil
}

// Claim removes and returns up to limit pending signals, best score first
func (q *Queue) Claim(_ context.Context, limit int) ([]*contracts.Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || len(q.pending) == 0 {
		return nil, nil
	}
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].Score() > q.pending[j].Score()
	})
	n := min(limit, len(q.pending))
	out := q.pending[:n:n]
	q.pending = append([]*contracts.Signal(nil), q.pending[n:]...)
	for _, s := range out {
		q.outcomes[s.ID] = Outcome{SignalID: s.ID, Status: StatusClaimed}
	}
	return out, nil
}

// Complete records the outcome of a claimed signal
func (q *Queue) Complete(_ context.Context, signalID, outcome, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.outcomes[signalID]; !ok {
		return fmt.Errorf("unknown signal %s: %w", signalID, contracts.ErrNotFound)
	}
	q.outcomes[signalID] = Outcome{SignalID: signalID, Status: StatusConsumed, Code: outcome, Message: message}
	return nil
}

// Recent returns outcomes newest first
func (q *Queue) Recent(_ context.Context, limit int) ([]Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Outcome, 0, min(limit, len(q.order)))
	for i := len(q.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.outcomes[q.order[i]])
	}
	return out, nil
}

// Pending returns the number of unclaimed signals
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
