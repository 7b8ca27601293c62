package importer

import (
	"fmt"

	"github.com/c35s/vcap/dma"
)

// Shared imports externally owned buffers by handle.
type Shared struct {
	Exporter dma.Exporter

	// CPUAccess brackets the device's use of the buffer with
	// BeginCPUAccess/EndCPUAccess, for exporters that require it.
	CPUAccess bool
}

func (s *Shared) Kind() Kind {
	return KindShared
}

func (s *Shared) Import(req Request) (Mapping, error) {
	if err := check(req, KindShared); err != nil {
		return nil, err
	}

	m := &mapping{}

	buf, err := s.Exporter.Get(req.Handle)
	if err != nil {
		return nil, fmt.Errorf("%w: handle %d: %w", ErrAttach, req.Handle, err)
	}

	m.undo.push(buf.Put)

	if buf.Size() < req.Length {
		m.undo.run()
		return nil, fmt.Errorf("%w: handle %d is %d bytes, need %d", ErrShort, req.Handle, buf.Size(), req.Length)
	}

	a, err := buf.Attach()
	if err != nil {
		m.undo.run()
		return nil, fmt.Errorf("%w: handle %d: %w", ErrAttach, req.Handle, err)
	}

	m.undo.push(a.Detach)

	if s.CPUAccess {
		if err := buf.BeginCPUAccess(req.Dir); err != nil {
			m.undo.run()
			return nil, fmt.Errorf("%w: handle %d: %w", ErrCPUAccess, req.Handle, err)
		}

		m.undo.push(func() { buf.EndCPUAccess(req.Dir) })
	}

	segs, err := a.Map(req.Dir)
	if err != nil {
		m.undo.run()
		return nil, fmt.Errorf("%w: handle %d: %w", ErrMap, req.Handle, err)
	}

	m.undo.push(func() { a.Unmap(segs, req.Dir) })
	m.segs = segs

	return m, nil
}
