package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIngressLimiterAllowsWithinBurst(t *testing.T) {
	l := NewIngressLimiter(60, 3)
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("1.2.3.4"))
	}
	require.False(t, l.Allow("1.2.3.4"))
}

func TestIngressLimiterPerClient(t *testing.T) {
	l := NewIngressLimiter(60, 1)
	require.True(t, l.Allow("1.2.3.4"))
	require.False(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("5.6.7.8"))
}

func TestIngressLimiterSweepEvictsIdle(t *testing.T) {
	l := NewIngressLimiter(60, 1)
	l.Allow("1.2.3.4")
	require.Len(t, l.limiters, 1)

	l.Sweep(-time.Second)
	require.Len(t, l.limiters, 0)
}
