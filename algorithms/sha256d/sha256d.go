//Package sha256d is the bitcoin style double sha256 over an 80 byte header.
package sha256d

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	Name = "sha256d"
	//HeaderLen is the header template length without the nonce
	HeaderLen = 76
)

type Hasher struct{}

func New() *Hasher {
	return &Hasher{}
}

func (h *Hasher) Name() string {
	return Name
}

func (h *Hasher) NonceBits() uint {
	return 32
}

//Hash appends the 32 bit little-endian nonce and returns the digest in display order.
func (h *Hasher) Hash(header []byte, nonce uint64) []byte {
	buf := make([]byte, len(header)+4)
	copy(buf, header)
	binary.LittleEndian.PutUint32(buf[len(header):], uint32(nonce))
	digest := chainhash.DoubleHashH(buf)
	return reverse(digest[:])
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}
