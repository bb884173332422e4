package redisclient

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires redis (set TEST_REDIS_ADDR)")
	}

	c, err := NewClient(addr, os.Getenv("TEST_REDIS_PASSWORD"), 15)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetSetMiss(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "test:missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "test:key", []byte("value"), time.Minute))
	val, found, err := c.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", string(val))
}

func TestDeleteByPrefix(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		require.NoError(t, c.Set(ctx, "orders:test-scan:page="+strconv.Itoa(i), []byte("x"), time.Minute))
	}
	require.NoError(t, c.Set(ctx, "orders:test-other:page=1", []byte("x"), time.Minute))

	n, err := c.DeleteByPrefix(ctx, "orders:test-scan:")
	require.NoError(t, err)
	assert.Equal(t, 250, n)

	_, found, err := c.Get(ctx, "orders:test-other:page=1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestLock(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "test-lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock(ctx, "test-lock", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, "test-lock"))
}
