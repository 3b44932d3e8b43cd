package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	require.False(t, StatusStarting.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.False(t, StatusStopping.Terminal())
	require.True(t, StatusStopped.Terminal())
	require.True(t, StatusFailed.Terminal())
}

func TestCanTransition(t *testing.T) {
	all := []Status{StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusFailed}

	allowed := map[Status][]Status{
		StatusStarting: {StatusRunning, StatusStopping, StatusFailed},
		StatusRunning:  {StatusStopping, StatusFailed},
		StatusStopping: {StatusStopped, StatusFailed},
		StatusStopped:  {},
		StatusFailed:   {},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			require.Equal(t, want, canTransition(from, to), "%s -> %s", from, to)
		}
	}
}
