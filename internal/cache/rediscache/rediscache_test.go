package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSet(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	b, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), b)
}

func TestRedisCache_MissIsNotError(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())

	b, ok, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, b)
}

func TestRedisCache_DeleteAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Minute))

	require.NoError(t, c.Delete(ctx, "a"))
	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	// deleting a missing key is fine
	require.NoError(t, c.Delete(ctx, "a"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCache_Prefix(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewWithPrefix(mr.Addr(), "scanbox")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "dashboard:2026-10-15", []byte("{}"), time.Minute))
	require.True(t, mr.Exists("scanbox:dashboard:2026-10-15"))
	require.NoError(t, c.Ping(ctx))
}

func TestRedisCache_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	mr.Close()

	_, _, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis get")
}
