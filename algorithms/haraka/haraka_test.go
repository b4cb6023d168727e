package haraka

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumChains(t *testing.T) {
	oneBlock := make([]byte, 32)
	twoBlocks := make([]byte, 64)
	require.NotEqual(t, Sum(oneBlock), Sum(twoBlocks))

	// zero padding makes a short tail equal to its padded form
	short := []byte{1, 2, 3}
	padded := make([]byte, 32)
	copy(padded, short)
	require.Equal(t, Sum(short), Sum(padded))
}

func TestHashNonce(t *testing.T) {
	h := New()
	header := make([]byte, 100)
	require.NotEqual(t, h.Hash(header, 1), h.Hash(header, 2))
	require.Len(t, h.Hash(header, 1), 32)
}
