package execution

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle enforces the exchange order-rate cap.
// A sliding window admits at most maxPerWindow submissions per window, and a
// token bucket with burst 1 keeps a minimum spacing between any two orders.
type Throttle struct {
	mu           sync.Mutex
	window       time.Duration
	maxPerWindow int
	sent         []time.Time
	spacing      *rate.Limiter
	now          func() time.Time
}

// NewThrottle creates a throttle with a one-second window
func NewThrottle(maxPerSecond int, minSpacing time.Duration) *Throttle {
	return newThrottle(maxPerSecond, time.Second, minSpacing)
}

func newThrottle(maxPerWindow int, window, minSpacing time.Duration) *Throttle {
	if maxPerWindow < 1 {
		maxPerWindow = 1
	}
	limit := rate.Inf
	if minSpacing > 0 {
		limit = rate.Every(minSpacing)
	}
	return &Throttle{
		window:       window,
		maxPerWindow: maxPerWindow,
		sent:         make([]time.Time, 0, maxPerWindow),
		spacing:      rate.NewLimiter(limit, 1),
		now:          time.Now,
	}
}

// Wait blocks until one more order may be sent
func (t *Throttle) Wait(ctx context.Context) error {
	if err := t.spacing.Wait(ctx); err != nil {
		return err
	}

	for {
		t.mu.Lock()
		now := t.now()
		t.evict(now)
		if len(t.sent) < t.maxPerWindow {
			t.sent = append(t.sent, now)
			t.mu.Unlock()
			return nil
		}
		// at capacity: wait until the oldest submission leaves the window
		wait := t.sent[0].Add(t.window).Sub(now)
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// InWindow returns how many submissions are inside the current window
func (t *Throttle) InWindow() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evict(t.now())
	return len(t.sent)
}

func (t *Throttle) evict(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.sent) && !t.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		t.sent = append(t.sent[:0], t.sent[i:]...)
	}
}
