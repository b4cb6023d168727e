//Package trb hashes keccak256, then ripemd160, then sha256.
package trb

import (
	"encoding/binary"

	solsha3 "github.com/miguelmota/go-solidity-sha3"
	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/ripemd160"
)

const Name = "trb"

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
	binary.BigEndian.PutUint64(data[len(header):], nonce)
	return hashFn(data)
}

func hashFn(data []byte) []byte {
	hash := solsha3.SoliditySHA3(data)

	hasher := ripemd160.New()
	hasher.Write(hash)
	n := sha256.Sum256(hasher.Sum(nil))
	return n[:]
}
