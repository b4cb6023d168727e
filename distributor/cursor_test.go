package distributor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AGPFMiner/multiminer/types"
)

func TestCursorResetsOnNewEpoch(t *testing.T) {
	c := NewCursor(0)
	r, err := c.Next(1, 100)
	require.NoError(t, err)
	require.Equal(t, types.NonceRange{Start: 0, End: 100}, r)
	r, err = c.Next(1, 100)
	require.NoError(t, err)
	require.Equal(t, types.NonceRange{Start: 100, End: 200}, r)

	r, err = c.Next(2, 50)
	require.NoError(t, err)
	require.Equal(t, types.NonceRange{Start: 0, End: 50}, r)

	_, err = c.Next(1, 50)
	require.ErrorIs(t, err, ErrStaleEpoch)
}

func TestCursorExhaustion(t *testing.T) {
	c := NewCursor(250)
	for i := 0; i < 2; i++ {
		_, err := c.Next(1, 100)
		require.NoError(t, err)
	}
	r, err := c.Next(1, 100)
	require.NoError(t, err)
	require.Equal(t, types.NonceRange{Start: 200, End: 250}, r)
	_, err = c.Next(1, 100)
	require.ErrorIs(t, err, ErrNonceSpaceExhausted)

	// next job starts over
	_, err = c.Next(2, 100)
	require.NoError(t, err)
}

func TestCursorFullSpaceDoesNotWrap(t *testing.T) {
	c := NewCursor(0)
	_, err := c.Next(1, ^uint64(0)-10)
	require.NoError(t, err)
	r, err := c.Next(1, 100)
	require.NoError(t, err)
	require.Equal(t, ^uint64(0), r.End)
	_, err = c.Next(1, 100)
	require.ErrorIs(t, err, ErrNonceSpaceExhausted)
}

func TestCursorConcurrentRangesDisjoint(t *testing.T) {
	c := NewCursor(0)
	var mu sync.Mutex
	var got []types.NonceRange
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r, err := c.Next(1, 1000)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				got = append(got, r)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, got, 1600)
	seen := make(map[uint64]bool, len(got))
	for _, r := range got {
		require.Equal(t, uint64(1000), r.Len())
		require.Zero(t, r.Start%1000)
		require.False(t, seen[r.Start], "range %s handed out twice", r)
		seen[r.Start] = true
	}
}

func TestCursorShare(t *testing.T) {
	require.Equal(t, uint64(1<<31), NewCursor(1<<32).Share(2))
	require.Equal(t, uint64(1), NewCursor(3).Share(8))
	require.Zero(t, NewCursor(0).Share(4))
	require.Zero(t, NewCursor(100).Share(0))
}
