package redisnotify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffOptions_NextDelay_GrowsExponentiallyThenCaps(t *testing.T) {
	o := BackoffOptions{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}.withDefaults()

	require.Equal(t, 100*time.Millisecond, o.nextDelay(1))
	require.Equal(t, 200*time.Millisecond, o.nextDelay(2))
	require.Equal(t, 400*time.Millisecond, o.nextDelay(3))
	require.Equal(t, 800*time.Millisecond, o.nextDelay(4))
	require.Equal(t, time.Second, o.nextDelay(5), "delay must cap at MaxDelay")
	require.Equal(t, time.Second, o.nextDelay(20), "large attempts must not overflow past the cap")
}

func TestBackoffOptions_WithDefaults_FillsZeroValues(t *testing.T) {
	o := BackoffOptions{}.withDefaults()
	require.Equal(t, 100*time.Millisecond, o.InitialDelay)
	require.Equal(t, 30*time.Second, o.MaxDelay)
}
