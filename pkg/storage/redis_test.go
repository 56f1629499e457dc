package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisClientTest(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	client, err := NewRedisClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisURL = "invalid://url"

	_, err := NewRedisClient(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis URL")
}

func TestNewRedisClient_ConnectionFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisURL = "redis://127.0.0.1:1"

	_, err := NewRedisClient(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestRedisClient_Client(t *testing.T) {
	client, _ := setupRedisClientTest(t)
	require.NotNil(t, client.Client())
	assert.NoError(t, client.Client().Ping(context.Background()).Err())
}

func TestRedisClient_TryLock(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	ctx := context.Background()

	token, ok, err := client.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	got, err := mr.Get("sweep")
	require.NoError(t, err)
	assert.Equal(t, token, got)
	assert.Equal(t, time.Minute, mr.TTL("sweep"))

	// second holder is refused
	other, ok, err := client.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, other)
}

func TestRedisClient_Unlock(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	ctx := context.Background()

	token, ok, err := client.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, client.Unlock(ctx, "sweep", token))
	assert.False(t, mr.Exists("sweep"))

	_, ok, err = client.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisClient_UnlockWrongToken(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	ctx := context.Background()

	token, ok, err := client.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, client.Unlock(ctx, "sweep", "someone-else"))
	got, err := mr.Get("sweep")
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestRedisClient_LockExpires(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	ctx := context.Background()

	first, ok, err := client.TryLock(ctx, "sweep", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	second, ok, err := client.TryLock(ctx, "sweep", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	// the stale holder must not release the new lock
	require.NoError(t, client.Unlock(ctx, "sweep", first))
	assert.True(t, mr.Exists("sweep"))
}
