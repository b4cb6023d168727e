//Package blake2b is blake2b-256 over header and 64 bit little-endian nonce.
package blake2b

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

const Name = "blake2b"

type Hasher struct{}

func New() *Hasher {
	return &Hasher{}
}

func (h *Hasher) Name() string {
	return Name
}

func (h *Hasher) NonceBits() uint {
	return 64
}

func (h *Hasher) Hash(header []byte, nonce uint64) []byte {
	data := make([]byte, len(header)+8)
	copy(data, header)
	binary.LittleEndian.PutUint64(data[len(header):], nonce)
	sum := blake2b.Sum256(data)
	return sum[:]
}
