package dma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c35s/vcap/sg"
	"golang.org/x/sys/unix"
)

// Exporter resolves shared buffer handles.
type Exporter interface {

	// Get takes a reference to the buffer behind handle.
	Get(handle int) (SharedBuffer, error)
}

// SharedBuffer is an externally owned buffer object.
type SharedBuffer interface {
	Size() int

	// Attach registers the caller as a DMA consumer of the buffer.
	Attach() (Attachment, error)

	BeginCPUAccess(dir sg.Direction) error
	EndCPUAccess(dir sg.Direction) error

	// Put drops the reference taken by Exporter.Get.
	Put()
}

// Attachment is one consumer's view of a SharedBuffer.
type Attachment interface {

	// Map returns the exporter's scatter list for the buffer.
	Map(dir sg.Direction) (sg.List, error)
	Unmap(l sg.List, dir sg.Direction)
	Detach()
}

// Exports is an in-process Exporter that hands out integer handles for
// slices of DMA regions.
type Exports struct {
	mu   sync.Mutex
	next int
	bufs map[int]*export
}

type export struct {
	e   *Exports
	r   *Region
	off int
	n   int

	// guarded by e.mu
	refs     int
	attached int
	mapped   int
	cpu      int
	revoked  bool
}

type attachment struct {
	x *export
}

var ErrHandle = fmt.Errorf("dma: bad shared buffer handle: %w", unix.EBADF)

// Export publishes n bytes at off in r and returns a handle for it.
func (e *Exports) Export(r *Region, off, n int) (int, error) {
	if _, err := r.Slice(off, n); err != nil {
		return -1, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bufs == nil {
		e.bufs = make(map[int]*export)
		e.next = 3
	}

	h := e.next
	e.next++

	e.bufs[h] = &export{e: e, r: r, off: off, n: n}
	return h, nil
}

// Revoke withdraws a handle. Outstanding references stay valid.
func (e *Exports) Revoke(handle int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	x, ok := e.bufs[handle]
	if !ok {
		return ErrHandle
	}

	x.revoked = true
	if x.refs == 0 {
		delete(e.bufs, handle)
	}

	return nil
}

// Busy reports whether any handle is still referenced, attached, mapped or
// held for CPU access.
func (e *Exports) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, x := range e.bufs {
		if x.refs > 0 || x.attached > 0 || x.mapped > 0 || x.cpu > 0 {
			return true
		}
	}

	return false
}

func (e *Exports) Get(handle int) (SharedBuffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	x, ok := e.bufs[handle]
	if !ok || x.revoked {
		return nil, ErrHandle
	}

	x.refs++
	return x, nil
}

func (x *export) Size() int {
	return x.n
}

func (x *export) Attach() (Attachment, error) {
	x.e.mu.Lock()
	defer x.e.mu.Unlock()

	x.attached++
	return &attachment{x: x}, nil
}

func (x *export) BeginCPUAccess(sg.Direction) error {
	x.e.mu.Lock()
	defer x.e.mu.Unlock()

	x.cpu++
	return nil
}

func (x *export) EndCPUAccess(sg.Direction) error {
	x.e.mu.Lock()
	defer x.e.mu.Unlock()

	if x.cpu == 0 {
		return errors.New("dma: unbalanced EndCPUAccess")
	}

	x.cpu--
	return nil
}

func (x *export) Put() {
	x.e.mu.Lock()
	defer x.e.mu.Unlock()

	x.refs--
	if x.refs < 0 {
		panic("dma: shared buffer reference underflow")
	}

	if x.refs == 0 && x.revoked {
		for h, y := range x.e.bufs {
			if y == x {
				delete(x.e.bufs, h)
			}
		}
	}
}

func (a *attachment) Map(dir sg.Direction) (sg.List, error) {
	l, err := a.x.r.Segments(a.x.off, a.x.n)
	if err != nil {
		return nil, err
	}

	a.x.e.mu.Lock()
	a.x.mapped++
	a.x.e.mu.Unlock()

	return l, nil
}

func (a *attachment) Unmap(sg.List, sg.Direction) {
	a.x.e.mu.Lock()
	defer a.x.e.mu.Unlock()

	a.x.mapped--
}

func (a *attachment) Detach() {
	a.x.e.mu.Lock()
	defer a.x.e.mu.Unlock()

	a.x.attached--
}
