package desc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c35s/vcap/dma"
	"golang.org/x/sys/unix"
)

// DefaultBlockSize is one page.
const DefaultBlockSize = 4096

// Pool hands out fixed-size, DMA-addressable blocks carved from a region.
// Block device addresses never move.
type Pool struct {
	r    *dma.Region
	size int

	mu   sync.Mutex
	free []int
	used []bool
}

// Block is one descriptor block.
type Block struct {
	Addr  uint64 // device address
	Bytes []byte // CPU view

	p   *Pool
	idx int
}

var (
	ErrNoBlocks  = fmt.Errorf("desc: out of descriptor blocks: %w", unix.ENOMEM)
	ErrBlockSize = errors.New("desc: invalid block size")
)

// NewPool carves r into blocks of blockSize bytes. The region's device address
// must be aligned to the block size; a block never straddles a boundary the
// engine cannot cross.
func NewPool(r *dma.Region, blockSize int) (*Pool, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	if blockSize < Size || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBlockSize, blockSize)
	}

	if r.Addr%uint64(blockSize) != 0 {
		return nil, fmt.Errorf("%w: region %s at %#x is not %d-aligned", ErrBlockSize, r.Name, r.Addr, blockSize)
	}

	n := r.Len() / blockSize
	if n == 0 {
		return nil, fmt.Errorf("%w: region %s holds no blocks", ErrBlockSize, r.Name)
	}

	p := &Pool{
		r:    r,
		size: blockSize,
		free: make([]int, n),
		used: make([]bool, n),
	}

	// hand out low addresses first
	for i := range p.free {
		p.free[i] = n - 1 - i
	}

	return p, nil
}

// Alloc returns a zeroed block or ErrNoBlocks.
func (p *Pool) Alloc() (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, ErrNoBlocks
	}

	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.used[i] = true

	off := i * p.size
	b := p.r.Bytes[off : off+p.size : off+p.size]
	clear(b)

	return &Block{
		Addr:  p.r.Addr + uint64(off),
		Bytes: b,
		p:     p,
		idx:   i,
	}, nil
}

// Free returns b to the pool. Freeing a block twice panics.
func (p *Pool) Free(b *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.p != p || !p.used[b.idx] {
		panic("desc: block freed twice or to the wrong pool")
	}

	p.used[b.idx] = false
	p.free = append(p.free, b.idx)
}

// BlockSize returns the size of each block in bytes.
func (p *Pool) BlockSize() int {
	return p.size
}

// Cap returns the number of blocks in the pool.
func (p *Pool) Cap() int {
	return len(p.used)
}

// InUse returns the number of allocated blocks.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used) - len(p.free)
}
