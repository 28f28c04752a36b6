package memory_test

import (
	"context"
	"testing"

	"github.com/kelmah/messaging-service/internal/plugin/presence/memory"
	"github.com/stretchr/testify/require"
)

func TestFirstAndLastConnectionBoundaries(t *testing.T) {
	r := memory.New()
	ctx := context.Background()

	first, err := r.Add(ctx, "alice", "conn-1")
	require.NoError(t, err)
	require.True(t, first)

	// A second device is not a presence transition.
	first, err = r.Add(ctx, "alice", "conn-2")
	require.NoError(t, err)
	require.False(t, first)

	online, err := r.Online(ctx, "alice")
	require.NoError(t, err)
	require.True(t, online)

	last, err := r.Remove(ctx, "alice", "conn-1")
	require.NoError(t, err)
	require.False(t, last)

	last, err = r.Remove(ctx, "alice", "conn-2")
	require.NoError(t, err)
	require.True(t, last)

	online, err = r.Online(ctx, "alice")
	require.NoError(t, err)
	require.False(t, online)
}

func TestRemoveUnknownConnection(t *testing.T) {
	r := memory.New()
	ctx := context.Background()

	last, err := r.Remove(ctx, "ghost", "conn-1")
	require.NoError(t, err)
	require.False(t, last)
}

func TestConnections(t *testing.T) {
	r := memory.New()
	ctx := context.Background()

	_, err := r.Add(ctx, "alice", "conn-1")
	require.NoError(t, err)
	_, err = r.Add(ctx, "alice", "conn-2")
	require.NoError(t, err)

	conns, err := r.Connections(ctx, "alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"conn-1", "conn-2"}, conns)

	conns, err = r.Connections(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, conns)
}
