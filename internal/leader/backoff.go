package leader

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff is capped exponential backoff with additive jitter:
// min(Base × 2^attempt, Max) + uniform[0, JitterFrac × that).
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	JitterFrac float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a backoff with 20% jitter
func NewBackoff(base, max time.Duration, seed int64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{
		Base:       base,
		Max:        max,
		JitterFrac: 0.2,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Delay returns the wait before retry number attempt (0-based)
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.Max
	if attempt < 32 {
		if exp := b.Base << uint(attempt); exp > 0 && exp < b.Max {
			d = exp
		}
	}
	if b.JitterFrac <= 0 {
		return d
	}

	b.mu.Lock()
	j := time.Duration(b.rng.Float64() * b.JitterFrac * float64(d))
	b.mu.Unlock()
	return d + j
}
