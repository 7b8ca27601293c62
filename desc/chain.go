package desc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/c35s/vcap/sg"
	"golang.org/x/sys/unix"
)

// Chain is a descriptor chain written into one block.
type Chain struct {
	Addr  uint64 // device address of the first descriptor
	Adj   uint32 // descriptors after the first
	Len   int    // bytes moved by the whole chain
	Count int    // descriptors in the chain

	blk      *Block
	released atomic.Bool
}

var (
	ErrNoSegments      = fmt.Errorf("desc: empty scatter list: %w", unix.EINVAL)
	ErrZeroLength      = fmt.Errorf("desc: zero transfer length: %w", unix.EINVAL)
	ErrTooManySegments = fmt.Errorf("desc: too many segments for one block: %w", unix.EINVAL)
	ErrSegmentTooLong  = fmt.Errorf("desc: segment longer than a descriptor can carry: %w", unix.EINVAL)
	ErrDirection       = errors.New("desc: transfer direction must be h2c or c2h")
)

// MaxPerBlock returns how many descriptors fit in a block of the given size.
func MaxPerBlock(blockSize int) int {
	return blockSize / Size
}

// Build writes a chain moving up to length bytes between the memory in segs
// and the engine's fixed window address. For FromDevice the window is the
// source and each segment a destination; for ToDevice it is the reverse.
//
// Segments past the declared length are not emitted and the last emitted
// leg is trimmed, so the chain never moves more than length bytes.
func Build(p *Pool, segs sg.List, length int, window uint64, dir sg.Direction) (*Chain, error) {
	if len(segs) == 0 {
		return nil, ErrNoSegments
	}

	if length <= 0 {
		return nil, ErrZeroLength
	}

	if dir != sg.FromDevice && dir != sg.ToDevice {
		return nil, fmt.Errorf("%w: %v", ErrDirection, dir)
	}

	if limit := MaxPerBlock(p.BlockSize()); len(segs) > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManySegments, len(segs), limit)
	}

	// count the legs needed to reach length before touching the pool
	n, total := 0, 0
	for _, s := range segs {
		if total >= length {
			break
		}

		if s.Len <= 0 || s.Len > MaxLen {
			return nil, fmt.Errorf("%w: segment %d is %d bytes", ErrSegmentTooLong, n, s.Len)
		}

		total += min(s.Len, length-total)
		n++
	}

	blk, err := p.Alloc()
	if err != nil {
		return nil, err
	}

	var (
		done = 0
		last = 0
	)

	for i, s := range segs[:n] {
		leg := min(s.Len, length-done)

		d := D{
			Control: Control(n-i-1, 0),
			Len:     uint32(leg),
			Next:    blk.Addr + uint64((i+1)*Size),
		}

		switch dir {
		case sg.FromDevice:
			d.Src, d.Dst = window, s.Addr

		case sg.ToDevice:
			d.Src, d.Dst = s.Addr, window
		}

		Encode(blk.Bytes[i*Size:], d)
		done += leg
		last = i
	}

	// terminate the chain at the last emitted descriptor
	d := Decode(blk.Bytes[last*Size:])
	d.Control |= FlagStop | FlagCompleted | FlagEOP
	d.Next = 0
	Encode(blk.Bytes[last*Size:], d)

	return &Chain{
		Addr:  blk.Addr,
		Adj:   uint32(n - 1),
		Len:   done,
		Count: n,
		blk:   blk,
	}, nil
}

// Desc decodes the i'th descriptor of the chain.
func (c *Chain) Desc(i int) D {
	if i < 0 || i >= c.Count {
		panic(fmt.Sprintf("desc: descriptor %d out of range [0, %d)", i, c.Count))
	}

	return Decode(c.blk.Bytes[i*Size:])
}

// Release returns the chain's block to its pool. Only the first call has an effect.
func (c *Chain) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.blk.p.Free(c.blk)
	}
}
