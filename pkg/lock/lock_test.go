package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, "test:"), mr
}

func TestRedisLocker_Acquire(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	ok, err := locker.Acquire(ctx, "wf-1:100", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("test:wf-1:100"))

	ok, err = locker.Acquire(ctx, "wf-1:100", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not get the lease")

	ok, err = locker.Acquire(ctx, "wf-2:100", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "other keys are independent")
}

func TestRedisLocker_Expires(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	ok, err := locker.Acquire(ctx, "wf-1:100", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = locker.Acquire(ctx, "wf-1:100", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_ServerDown(t *testing.T) {
	locker, mr := newTestLocker(t)
	mr.Close()

	_, err := locker.Acquire(context.Background(), "wf-1:100", time.Minute)
	require.Error(t, err)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	client.Close()

	_, err = Connect(context.Background(), "not a url")
	require.Error(t, err)
}

func TestRedisLocker_Release(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	ok, err := locker.Acquire(ctx, "wf-1:100", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locker.Release(ctx, "wf-1:100"))
	assert.False(t, mr.Exists("test:wf-1:100"))

	ok, err = locker.Acquire(ctx, "wf-1:100", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, locker.Release(ctx, "never-held"))
}
