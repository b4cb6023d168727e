package stratum

//Some functions and types commonly used by stratum implementations are grouped here

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var ErrExtraNonce2Overflow = errors.New("extranonce2 exhausted")

//HexStringToBytes converts a hex encoded string (but as go type interface{}) to a byteslice
// If v is no valid string or the string contains invalid characters, an error is returned
func HexStringToBytes(v interface{}) (result []byte, err error) {
	var ok bool
	var stringValue string
	if stringValue, ok = v.(string); !ok {
		return nil, errors.New("not a valid string")
	}
	if result, err = hex.DecodeString(stringValue); err != nil {
		return nil, errors.New("not a valid hexadecimal value")
	}
	return
}

//RevBytes reverse a slice.
func RevBytes(input []byte) (result []byte) {
	inlen := len(input)
	result = make([]byte, inlen)
	for i := range input {
		result[i] = input[inlen-1-i]
	}
	return
}

//RevHash reverses the bytes of every 4 byte word, the way stratum sends hashes
func RevHash(input []byte) (result []byte) {
	result = make([]byte, 0, len(input))
	for i := 0; i < len(input)/4; i++ {
		result = append(result, RevBytes(input[i*4:i*4+4])...)
	}
	return
}

//SHA256d returns the double sha256 of data
func SHA256d(data []byte) []byte {
	return chainhash.DoubleHashB(data)
}

//MerkleRoot folds the coinbase hash with every branch
func MerkleRoot(coinbase []byte, branches [][]byte) []byte {
	root := SHA256d(coinbase)
	for _, h := range branches {
		m := make([]byte, 0, len(root)+len(h))
		m = append(m, root...)
		m = append(m, h...)
		root = SHA256d(m)
	}
	return root
}

//ExtraNonce2 is the nonce modified by the miner
type ExtraNonce2 struct {
	Value uint64
	Size  uint
}

//Bytes is a bigendian representation of the extranonce2
func (en *ExtraNonce2) Bytes() (b []byte) {
	b = make([]byte, en.Size)
	for i := uint(0); i < en.Size && i < 8; i++ {
		b[(en.Size-1)-i] = byte(en.Value >> (i * 8))
	}
	return
}

//Increment increases the nonce with 1. It wraps to 0 and reports
//ErrExtraNonce2Overflow once the value no longer fits Size bytes.
func (en *ExtraNonce2) Increment() error {
	en.Value++
	if en.Size < 8 && en.Value>>(en.Size*8) != 0 {
		en.Value = 0
		return ErrExtraNonce2Overflow
	}
	if en.Size >= 8 && en.Value == 0 {
		return ErrExtraNonce2Overflow
	}
	return nil
}
