package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/pkg/config"
)

func TestNewClient_Disabled(t *testing.T) {
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Enabled: false,
		},
	}

	client, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, client.Enabled())
	assert.NoError(t, client.Close())
}

func TestLease_Disabled(t *testing.T) {
	client, _ := New(&config.Config{})
	lease := NewLease(client, "test")
	ctx := context.Background()

	_, err := lease.Acquire(ctx, "leader", "a", time.Second)
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = lease.Refresh(ctx, "leader", "a", time.Second)
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = lease.Release(ctx, "leader", "a")
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = lease.Holder(ctx, "leader")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestLease_Key(t *testing.T) {
	assert.Equal(t, "intraday:lease:leader", NewLease(nil, "intraday").key("leader"))
	assert.Equal(t, "leader", NewLease(nil, "").key("leader"))
}

// Integration test: requires REDIS_TEST_ADDR (e.g. localhost:6379)
func TestLease_HolderOnly(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if testing.Short() || addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())
	client := NewWithClient(rdb)
	defer client.Close()

	lease := NewLease(client, "test-"+time.Now().Format("150405.000000"))
	defer rdb.Del(ctx, lease.key("leader"))

	ok, err := lease.Acquire(ctx, "leader", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lease.Acquire(ctx, "leader", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "held by a")

	ok, err = lease.Refresh(ctx, "leader", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "only the holder refreshes")

	ok, err = lease.Refresh(ctx, "leader", "a", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := lease.Holder(ctx, "leader")
	require.NoError(t, err)
	assert.Equal(t, "a", holder)

	ok, err = lease.Release(ctx, "leader", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = lease.Release(ctx, "leader", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err = lease.Holder(ctx, "leader")
	require.NoError(t, err)
	assert.Empty(t, holder)
}
