package distributor

import (
	"errors"
	"sync"

	"github.com/AGPFMiner/multiminer/types"
)

var (
	ErrNonceSpaceExhausted = errors.New("nonce space exhausted for this job")
	ErrStaleEpoch          = errors.New("epoch already superseded")
)

//Cursor hands out disjoint nonce ranges for the current epoch. A newer epoch
//restarts it at zero, ranges never wrap within an epoch.
type Cursor struct {
	mu        sync.Mutex
	space     uint64
	epoch     uint64
	next      uint64
	exhausted bool
}

//NewCursor covers [0, space), space 0 meaning the full 64 bit space
func NewCursor(space uint64) *Cursor {
	return &Cursor{space: space}
}

func (c *Cursor) Next(epoch, size uint64) (types.NonceRange, error) {
	if size == 0 {
		size = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case epoch < c.epoch:
		return types.NonceRange{}, ErrStaleEpoch
	case epoch > c.epoch:
		c.epoch, c.next, c.exhausted = epoch, 0, false
	}
	if c.exhausted {
		return types.NonceRange{}, ErrNonceSpaceExhausted
	}

	start := c.next
	end := start + size
	switch {
	case c.space != 0 && (end > c.space || end < start):
		end = c.space
		c.exhausted = true
	case c.space == 0 && end < start:
		// 2^64 is not representable, the last nonce is left out
		end = ^uint64(0)
		c.exhausted = true
	case c.space != 0 && end == c.space:
		c.exhausted = true
	}
	c.next = end
	return types.NonceRange{Start: start, End: end}, nil
}

//Share is the largest range that still leaves one for each of n devices, 0 when unbounded
func (c *Cursor) Share(n int) uint64 {
	if c.space == 0 || n <= 0 {
		return 0
	}
	share := c.space / uint64(n)
	if share == 0 {
		share = 1
	}
	return share
}

//Epoch is the epoch the cursor currently serves
func (c *Cursor) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}
