package importer

import (
	"fmt"

	"github.com/c35s/vcap/dma"
	"github.com/c35s/vcap/sg"
)

// Pool imports buffers that live at caller-declared offsets in the driver's
// own DMA pool. Pool memory is always resident, so nothing is pinned.
type Pool struct {
	Region *dma.Region
	Mapper sg.Mapper // nil means sg.Identity
}

func (p *Pool) Kind() Kind {
	return KindPool
}

// Size returns the pool size in bytes.
func (p *Pool) Size() int {
	return p.Region.Len()
}

func (p *Pool) Import(req Request) (Mapping, error) {
	if err := check(req, KindPool); err != nil {
		return nil, err
	}

	if req.Offset < 0 || req.Offset+req.Length > p.Region.Len() {
		return nil, fmt.Errorf("%w: [%#x, %#x) in %d byte pool", ErrOffset, req.Offset, req.Offset+req.Length, p.Region.Len())
	}

	mapper := p.Mapper
	if mapper == nil {
		mapper = sg.Identity
	}

	l, err := p.Region.Segments(req.Offset, req.Length)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOffset, err)
	}

	segs, err := mapper.Map(l, req.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMap, err)
	}

	m := &mapping{segs: segs}
	m.undo.push(func() { mapper.Unmap(segs, req.Dir) })

	return m, nil
}
