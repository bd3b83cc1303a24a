package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a TTL-bound mutual exclusion lock keyed by holder id.
// Refresh and release only succeed for the current holder, checked
// atomically in Lua so an expired holder can never extend or delete a
// lease someone else has since acquired.
// ⭐ SSOT: 리더 락 저장소
type Lease struct {
	client *Client
	prefix string
}

var refreshScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// NewLease creates a lease store; prefix namespaces the keys
func NewLease(client *Client, prefix string) *Lease {
	return &Lease{client: client, prefix: prefix}
}

func (l *Lease) key(name string) string {
	if l.prefix == "" {
		return name
	}
	return fmt.Sprintf("%s:lease:%s", l.prefix, name)
}

// Acquire takes the lease if nobody holds it (SET NX PX)
func (l *Lease) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if !l.client.Enabled() {
		return false, ErrDisabled
	}
	ok, err := l.client.Redis().SetNX(ctx, l.key(name), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire failed: %w", err)
	}
	return ok, nil
}

// Refresh extends the lease if holder still owns it
func (l *Lease) Refresh(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if !l.client.Enabled() {
		return false, ErrDisabled
	}
	n, err := refreshScript.Run(ctx, l.client.Redis(), []string{l.key(name)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease refresh failed: %w", err)
	}
	return n == 1, nil
}

// Release deletes the lease if holder still owns it
func (l *Lease) Release(ctx context.Context, name, holder string) (bool, error) {
	if !l.client.Enabled() {
		return false, ErrDisabled
	}
	n, err := releaseScript.Run(ctx, l.client.Redis(), []string{l.key(name)}, holder).Int()
	if err != nil {
		return false, fmt.Errorf("lease release failed: %w", err)
	}
	return n == 1, nil
}

// Holder returns the current holder, "" when the lease is free
func (l *Lease) Holder(ctx context.Context, name string) (string, error) {
	if !l.client.Enabled() {
		return "", ErrDisabled
	}
	holder, err := l.client.Redis().Get(ctx, l.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease lookup failed: %w", err)
	}
	return holder, nil
}
