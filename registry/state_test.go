package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bonsai "github.com/wolfeidau/bonsai-local"
)

func TestCanTransition(t *testing.T) {
	all := []State{Queued, Running, Succeeded, Failed}
	legal := map[[2]State]bool{
		{Queued, Running}:    true,
		{Queued, Failed}:     true,
		{Running, Succeeded}: true,
		{Running, Failed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, legal[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminal(t *testing.T) {
	require.False(t, Queued.Terminal())
	require.False(t, Running.Terminal())
	require.True(t, Succeeded.Terminal())
	require.True(t, Failed.Terminal())
}

func TestLifecycleTransitionTimestamps(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newLifecycle("s1", t0)
	require.Equal(t, time.Duration(0), l.Elapsed(t0))

	require.NoError(t, l.Transition(Running, t0.Add(time.Second)))
	require.Equal(t, 4*time.Second, l.Elapsed(t0.Add(5*time.Second)))

	require.NoError(t, l.Fail(bonsai.ErrEngine, nil, t0.Add(3*time.Second)))
	require.Equal(t, Failed, l.State)
	require.ErrorIs(t, l.Err, bonsai.ErrEngine)
	require.Equal(t, 2*time.Second, l.Elapsed(t0.Add(time.Hour)))

	err := l.Transition(Running, t0)
	require.ErrorIs(t, err, bonsai.ErrConflict)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "queued", Queued.String())
	require.Equal(t, "succeeded", Succeeded.String())
	require.Equal(t, "state(9)", State(9).String())
}
