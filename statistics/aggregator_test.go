package statistics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/AGPFMiner/multiminer/types"
)

func TestRecordCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewAggregator(reg)

	a.Record("cpu/0", types.Accepted)
	a.Record("cpu/0", types.Accepted)
	a.Record("cpu/0", types.Invalid)
	a.Record("cpu/1", types.Stale)
	a.Record("cpu/1", types.Duplicate)
	a.Record("cpu/1", types.Dropped)
	a.IncNonceExhausted()
	a.IncSubmitted()
	a.IncSubmitFailed()
	a.IncShareQueueDropped()

	c := a.Counters()
	require.Equal(t, types.Counters{
		Accepted:          2,
		Stale:             1,
		Invalid:           1,
		Duplicate:         1,
		Dropped:           1,
		Submitted:         1,
		SubmitFailed:      1,
		ShareQueueDropped: 1,
		NonceExhausted:    1,
	}, c)
	require.Equal(t, uint64(4), c.Rejected())

	require.Equal(t, 2.0, testutil.ToFloat64(a.results.WithLabelValues("accepted")))
	require.Equal(t, 1.0, testutil.ToFloat64(a.events.WithLabelValues("nonce_exhausted")))
}

func TestSnapshotRates(t *testing.T) {
	a := NewAggregator(nil)
	for i := 0; i < 120; i++ {
		a.Sample("cpu/0", 10)
		a.Sample("fpga/0", 1000)
	}
	a.Sample("cpu/0", 40)
	a.Record("fpga/0", types.Accepted)

	snap := a.Snapshot()
	require.Len(t, snap.PerDevice, 2)
	require.Equal(t, 40.0, snap.PerDevice["cpu/0"].Current)
	require.InDelta(t, 10.5, snap.PerDevice["cpu/0"].OneMin, 1e-9)
	require.Equal(t, 1000.0, snap.PerDevice["fpga/0"].FiveMin)
	require.Equal(t, uint64(1), snap.PerDevice["fpga/0"].Valid)
	require.Equal(t, 1040.0, snap.Total.Current)
	require.Equal(t, uint64(1), snap.Counters.Accepted)
}

type staticRates map[string]float64

func (s staticRates) PollHashrates() map[string]float64 {
	return s
}

func TestRunSamples(t *testing.T) {
	a := NewAggregator(prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, staticRates{"cpu/0": 5}, time.Millisecond) }()

	require.Eventually(t, func() bool {
		return a.Snapshot().PerDevice["cpu/0"].Current == 5
	}, time.Second, time.Millisecond)
	require.Equal(t, 5.0, testutil.ToFloat64(a.hashrate.WithLabelValues("cpu/0")))
	cancel()
	require.NoError(t, <-done)
}
