package sha256d

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// bitcoin genesis block
const genesisHeader = "0100000000000000000000000000000000000000000000000000000000000000000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa4b1e5e4a29ab5f49ffff001d"

func TestGenesisHash(t *testing.T) {
	header, err := hex.DecodeString(genesisHeader)
	require.NoError(t, err)
	require.Len(t, header, HeaderLen)

	digest := New().Hash(header, 0x7c2bac1d)
	require.Equal(t, "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f", hex.EncodeToString(digest))
}

func TestNonceTruncatedTo32Bits(t *testing.T) {
	header := make([]byte, HeaderLen)
	h := New()
	require.Equal(t, h.Hash(header, 5), h.Hash(header, 1<<32|5))
}
