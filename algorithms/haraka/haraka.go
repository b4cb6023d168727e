//Package haraka chains Haraka512 over 32 byte blocks of header and nonce.
package haraka

import (
	"encoding/binary"

	"github.com/bmkessler/haraka"
)

const Name = "haraka"

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
	sum := Sum(data)
	return sum[:]
}

//Sum feeds data 32 bytes at a time into the upper half of a 64 byte state,
//the lower half carrying the previous Haraka512 output. A short final block is zero padded.
func Sum(data []byte) (out [32]byte) {
	var curBuf [64]byte
	fill := 0
	for len(data) > 0 {
		n := copy(curBuf[32+fill:], data)
		data = data[n:]
		fill += n
		if fill == 32 {
			haraka.Haraka512(&out, &curBuf)
			copy(curBuf[:32], out[:])
			fill = 0
		}
	}
	if fill > 0 {
		for i := 32 + fill; i < 64; i++ {
			curBuf[i] = 0
		}
		haraka.Haraka512(&out, &curBuf)
	}
	return
}
