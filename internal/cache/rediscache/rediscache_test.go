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

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "loc:1", []byte(`{"lat":36.75}`), time.Hour))

	b, ok, err := c.Get(ctx, "loc:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"lat":36.75}`), b)

	_, ok, err = c.Get(ctx, "loc:missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCache_TTLExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "loc:2", []byte("v"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "loc:2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGate_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	g := NewGate(mr.Addr())

	ctx := context.Background()
	ok, n, err := g.Allow(ctx, "eta:route-7", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = g.Allow(ctx, "eta:route-7", 1, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(2), n)

	// Window rollover opens the gate again.
	mr.FastForward(2 * time.Minute)
	ok, _, _ = g.Allow(ctx, "eta:route-7", 1, time.Minute)
	require.True(t, ok)
}
