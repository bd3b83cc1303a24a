package leader

import (
	"context"
	"sync"
	"time"
)

// LockStore is the shared lease backend (pkg/redis.Lease in production)
type LockStore interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) (bool, error)
	Holder(ctx context.Context, key string) (string, error)
}

type lease struct {
	holder  string
	expires time.Time
}

// MemoryLockStore is an in-process LockStore with an injectable clock.
// Used for single-instance paper runs and cluster simulations.
type MemoryLockStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]lease

	// Fail makes every call return this error when set
	Fail error
}

// NewMemoryLockStore creates a store; now defaults to time.Now
func NewMemoryLockStore(now func() time.Time) *MemoryLockStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryLockStore{now: now, leases: make(map[string]lease)}
}

func (s *MemoryLockStore) live(key string) (lease, bool) {
	l, ok := s.leases[key]
	if !ok {
		return lease{}, false
	}
	if !s.now().Before(l.expires) {
		delete(s.leases, key)
		return lease{}, false
	}
	return l, true
}

func (s *MemoryLockStore) Acquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.leases[key] = lease{holder: holder, expires: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryLockStore) Refresh(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	l, ok := s.live(key)
	if !ok || l.holder != holder {
		return false, nil
	}
	s.leases[key] = lease{holder: holder, expires: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryLockStore) Release(_ context.Context, key, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return false, s.Fail
	}
	l, ok := s.live(key)
	if !ok || l.holder != holder {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}

func (s *MemoryLockStore) Holder(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return "", s.Fail
	}
	l, _ := s.live(key)
	return l.holder, nil
}

// Expire drops key as if its TTL elapsed
func (s *MemoryLockStore) Expire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, key)
}
