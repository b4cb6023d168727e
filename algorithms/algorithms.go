//Package algorithms maps algorithm names to host side hash functions.
//Devices search with their own kernels, the hashers here recompute digests
//for every reported nonce.
package algorithms

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AGPFMiner/multiminer/algorithms/blake2b"
	"github.com/AGPFMiner/multiminer/algorithms/haraka"
	"github.com/AGPFMiner/multiminer/algorithms/sha256"
	"github.com/AGPFMiner/multiminer/algorithms/sha256d"
	"github.com/AGPFMiner/multiminer/algorithms/trb"
)

var ErrUnknownAlgorithm = errors.New("algorithm not supported")

//Hasher recomputes the digest of a header template with a nonce applied.
//Digests are returned big-endian so they compare directly against a target.
type Hasher interface {
	Name() string
	Hash(header []byte, nonce uint64) []byte
	//NonceBits is the width of the nonce field, 32 or 64
	NonceBits() uint
}

var hashers = map[string]func() Hasher{
	sha256d.Name: func() Hasher { return sha256d.New() },
	sha256.Name:  func() Hasher { return sha256.New() },
	trb.Name:     func() Hasher { return trb.New() },
	haraka.Name:  func() Hasher { return haraka.New() },
	blake2b.Name: func() Hasher { return blake2b.New() },
}

//Lookup returns the hasher registered for algo
func Lookup(algo string) (Hasher, error) {
	newHasher, ok := hashers[algo]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
	return newHasher(), nil
}

//Names lists the supported algorithms in sorted order
func Names() []string {
	names := make([]string, 0, len(hashers))
	for name := range hashers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

//NonceSpace returns the number of nonces a hasher can address, 0 meaning 2^64
func NonceSpace(h Hasher) uint64 {
	if h.NonceBits() >= 64 {
		return 0
	}
	return uint64(1) << h.NonceBits()
}
