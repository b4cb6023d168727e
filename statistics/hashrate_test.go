package statistics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashRateWraps(t *testing.T) {
	var hr HashRate
	require.Zero(t, hr.Average(60))
	require.Zero(t, hr.Last())

	for i := 0; i < Window+10; i++ {
		hr.Add(float64(i))
	}
	require.Equal(t, float64(Window+9), hr.Last())
	require.Equal(t, float64(Window+9+Window+8), hr.RecentNSum(2))
	require.InDelta(t, float64(Window+9)-0.5, hr.Average(2), 1e-9)
	// asking for more than the window sums everything kept
	require.Equal(t, hr.RecentNSum(Window), hr.RecentNSum(Window*2))
}

func TestAverageOverFilledSamplesOnly(t *testing.T) {
	var hr HashRate
	hr.Add(6)
	hr.Add(2)
	require.Equal(t, 4.0, hr.Average(3600))
}
