//Package sha256 is a single sha256 pass over header and 64 bit big-endian nonce.
package sha256

import (
	"encoding/binary"

	sha256simd "github.com/minio/sha256-simd"
)

const Name = "sha256"

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
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	shasum := sha256simd.New()
	shasum.Write(header)
	shasum.Write(n[:])
	return shasum.Sum(nil)
}
