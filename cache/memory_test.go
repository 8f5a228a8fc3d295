package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbn/Caesium/caesiumid"
)

func TestMemoryCacheSetGet(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	ctx := context.Background()
	id := caesiumid.New()

	_, err := c.Get(ctx, id)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, id, []byte("hello"), 0))

	data, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(10 * time.Millisecond)
	ctx := context.Background()
	id := caesiumid.New()

	require.NoError(t, c.Set(ctx, id, []byte("hello"), 0))
	time.Sleep(20 * time.Millisecond)

	_, err := c.Get(ctx, id)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	ctx := context.Background()
	id := caesiumid.New()

	require.NoError(t, c.Set(ctx, id, []byte("hello"), 0))
	require.NoError(t, c.Delete(ctx, id))

	_, err := c.Get(ctx, id)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCacheClosed(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	ctx := context.Background()
	id := caesiumid.New()

	require.NoError(t, c.Close())

	_, err := c.Get(ctx, id)
	assert.ErrorIs(t, err, ErrClosed)

	err = c.Set(ctx, id, []byte("hello"), 0)
	assert.ErrorIs(t, err, ErrClosed)
}
