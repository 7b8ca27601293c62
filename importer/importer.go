// Package importer turns caller buffers into device-visible scatter lists.
//
// Each adapter owns whatever it pinned, attached or mapped until the
// returned Mapping is released. A failed import leaves nothing behind.
package importer

import (
	"errors"
	"fmt"

	"github.com/c35s/vcap/sg"
	"golang.org/x/sys/unix"
)

// Kind selects the import adapter for a buffer.
type Kind int

const (
	KindUserPtr Kind = iota + 1 // caller virtual memory
	KindShared                  // externally shared buffer handle
	KindPool                    // offset into the driver's DMA pool
)

// Request describes one buffer to import.
type Request struct {
	Kind   Kind
	Dir    sg.Direction
	Length int

	User   []byte // KindUserPtr
	Handle int    // KindShared
	Offset int    // KindPool
}

// Importer imports buffers of one Kind.
type Importer interface {
	Kind() Kind
	Import(req Request) (Mapping, error)
}

// Mapping is an imported buffer.
type Mapping interface {

	// Segments returns the device view of the buffer.
	Segments() sg.List

	// Release tears the import down in reverse order. Only the first call
	// has an effect.
	Release()
}

var (
	ErrKind      = fmt.Errorf("importer: wrong buffer kind: %w", unix.EINVAL)
	ErrShort     = fmt.Errorf("importer: buffer shorter than its declared length: %w", unix.EINVAL)
	ErrPin       = errors.New("importer: pin failed")
	ErrPages     = errors.New("importer: page lookup failed")
	ErrAttach    = errors.New("importer: attach failed")
	ErrCPUAccess = errors.New("importer: cpu access failed")
	ErrMap       = errors.New("importer: map failed")
	ErrOffset    = fmt.Errorf("importer: pool offset out of range: %w", unix.EINVAL)
)

func (k Kind) String() string {
	switch k {
	case KindUserPtr:
		return "userptr"

	case KindShared:
		return "dmabuf"

	case KindPool:
		return "mmap"

	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// ParseKind parses the names String returns.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindUserPtr, KindShared, KindPool} {
		if s == k.String() {
			return k, nil
		}
	}

	return 0, fmt.Errorf("importer: unknown buffer kind %q", s)
}

// undo collects teardown steps and runs them last-in first-out.
type undo []func()

func (u *undo) push(fn func()) {
	*u = append(*u, fn)
}

func (u undo) run() {
	for i := len(u) - 1; i >= 0; i-- {
		u[i]()
	}
}

// mapping is a Mapping whose teardown is an undo stack.
type mapping struct {
	segs sg.List
	undo undo
	done bool
}

func (m *mapping) Segments() sg.List {
	return m.segs
}

func (m *mapping) Release() {
	if m.done {
		return
	}

	m.done = true
	m.undo.run()
}

func check(req Request, k Kind) error {
	if req.Kind != k {
		return fmt.Errorf("%w: %v for %v importer", ErrKind, req.Kind, k)
	}

	if req.Length <= 0 {
		return fmt.Errorf("%w: length %d", ErrShort, req.Length)
	}

	return nil
}
