package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type membership struct {
	Member bool
	Status string
}

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })

	c, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr(), Prefix: "bot:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedis_SetAndGet(t *testing.T) {
	c, mr := setupRedis(t)
	ctx := context.Background()

	expected := membership{Member: true, Status: "member"}
	require.NoError(t, c.Set(ctx, "chan:1", expected, time.Minute))
	assert.True(t, mr.Exists("bot:chan:1"))

	var actual membership
	found, err := c.Get(ctx, "chan:1", &actual)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, expected, actual)
}

func TestRedis_GetNotFound(t *testing.T) {
	c, _ := setupRedis(t)
	var out membership
	found, err := c.Get(context.Background(), "missing", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedis_Expiry(t *testing.T) {
	c, mr := setupRedis(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", membership{Member: true}, time.Second))

	mr.FastForward(2 * time.Second)

	var out membership
	found, err := c.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedis_Invalidate(t *testing.T) {
	c, _ := setupRedis(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", membership{Member: true}, time.Minute))
	require.NoError(t, c.Invalidate(ctx, "k"))

	var out membership
	found, err := c.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedis_GetBadPayload(t *testing.T) {
	c, mr := setupRedis(t)
	require.NoError(t, mr.Set("bot:k", "{not json"))

	var out membership
	_, err := c.Get(context.Background(), "k", &out)
	assert.Error(t, err)
}

func TestNewRedis_Unreachable(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisOptions{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
