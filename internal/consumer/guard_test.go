package consumer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryGuard(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	seen, err := g.Seen(ctx, "k1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, g.Mark(ctx, "k1"))

	seen, err = g.Seen(ctx, "k1")
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = g.Seen(ctx, "k2")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestRedisGuard_PrefixIsPerConsumer(t *testing.T) {
	a := NewRedisGuard(nil, "audit", 0)
	b := NewRedisGuard(nil, "notification", 0)
	require.NotEqual(t, a.Prefix, b.Prefix)
	require.Equal(t, "dedup:audit:", a.Prefix)
}
