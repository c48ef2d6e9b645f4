package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	value := map[string]string{"name": "Pay Ready Mission"}
	require.NoError(t, c.Set(ctx, "fk:1", value, time.Minute))

	var got map[string]string
	require.NoError(t, c.Get(ctx, "fk:1", &got))
	assert.Equal(t, value, got)
}

func TestMemoryCache_Miss(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()

	var got map[string]string
	err := c.Get(context.Background(), "absent", &got)
	assert.True(t, IsMiss(err))
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "fleeting", "value", 10*time.Millisecond))

	var got string
	require.NoError(t, c.Get(ctx, "fleeting", &got))

	time.Sleep(20 * time.Millisecond)
	err := c.Get(ctx, "fleeting", &got)
	assert.True(t, IsMiss(err), "expired entries are treated as absent")
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", "value", time.Minute))
	require.NoError(t, c.Delete(ctx, "key"))

	var got string
	assert.True(t, IsMiss(c.Get(ctx, "key", &got)))

	// Deleting an absent key is not an error.
	assert.NoError(t, c.Delete(ctx, "key"))
}

func TestMemoryCache_Flush(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1, time.Minute))
	require.NoError(t, c.Set(ctx, "b", 2, time.Minute))
	require.Equal(t, 2, c.Len())

	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_DefaultTTL(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	// Zero TTL falls back to the default hour.
	require.NoError(t, c.Set(ctx, "key", "value", 0))

	var got string
	assert.NoError(t, c.Get(ctx, "key", &got))
}
