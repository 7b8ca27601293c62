package importer

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/c35s/vcap/sg"
	"golang.org/x/sys/unix"
)

// Pinner keeps the pages behind a buffer resident while the device uses them.
type Pinner interface {
	Pin(p []byte) error
	Unpin(p []byte) error
}

// PageResolver finds the device address of each page backing p. It returns
// the page addresses and the offset of p inside the first page.
// *dma.Region implements it for buffers carved from a DMA region.
type PageResolver interface {
	Pages(p []byte, pageSize int) (pages []uint64, off int, err error)
}

// UserPtr imports caller memory by pinning it and resolving its pages.
type UserPtr struct {
	Pin      Pinner
	Pages    PageResolver
	Mapper   sg.Mapper // nil means sg.Identity
	PageSize int       // zero means os.Getpagesize()
}

func (u *UserPtr) Kind() Kind {
	return KindUserPtr
}

func (u *UserPtr) Import(req Request) (Mapping, error) {
	if err := check(req, KindUserPtr); err != nil {
		return nil, err
	}

	if len(req.User) < req.Length {
		return nil, fmt.Errorf("%w: %d < %d", ErrShort, len(req.User), req.Length)
	}

	var (
		p      = req.User[:req.Length]
		pgsz   = u.PageSize
		mapper = u.Mapper
		m      = &mapping{}
	)

	if pgsz == 0 {
		pgsz = os.Getpagesize()
	}

	if mapper == nil {
		mapper = sg.Identity
	}

	if err := u.Pin.Pin(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPin, err)
	}

	m.undo.push(func() { u.Pin.Unpin(p) })

	pages, off, err := u.Pages.Pages(p, pgsz)
	if err != nil {
		m.undo.run()
		return nil, fmt.Errorf("%w: %w", ErrPages, err)
	}

	segs, err := mapper.Map(sg.FromPages(pages, pgsz, off, len(p)), req.Dir)
	if err != nil {
		m.undo.run()
		return nil, fmt.Errorf("%w: %w", ErrMap, err)
	}

	m.undo.push(func() { mapper.Unmap(segs, req.Dir) })
	m.segs = segs

	return m, nil
}

// MlockPinner pins pages with mlock(2).
type MlockPinner struct{}

func (MlockPinner) Pin(p []byte) error {
	return unix.Mlock(p)
}

func (MlockPinner) Unpin(p []byte) error {
	return unix.Munlock(p)
}

// Pagemap resolves physical page addresses through /proc/self/pagemap.
// Reading page frame numbers requires CAP_SYS_ADMIN; without it the kernel
// reports them as zero and Pages fails.
type Pagemap struct {
	Path string // zero means /proc/self/pagemap
}

const (
	pmPresent = 1 << 63
	pmPFN     = 1<<55 - 1
)

func (pm Pagemap) Pages(p []byte, pageSize int) ([]uint64, int, error) {
	if len(p) == 0 {
		return nil, 0, nil
	}

	path := pm.Path
	if path == "" {
		path = "/proc/self/pagemap"
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}

	defer f.Close()

	va := uintptr(unsafe.Pointer(&p[0]))
	first := va / uintptr(pageSize)
	last := (va + uintptr(len(p)) - 1) / uintptr(pageSize)

	ents := make([]byte, 8*(last-first+1))
	if _, err := unix.Pread(int(f.Fd()), ents, int64(first*8)); err != nil {
		return nil, 0, fmt.Errorf("pread %s: %w", path, err)
	}

	pages := make([]uint64, 0, len(ents)/8)
	for i := 0; i < len(ents); i += 8 {
		e := binary.NativeEndian.Uint64(ents[i:])
		if e&pmPresent == 0 || e&pmPFN == 0 {
			return nil, 0, fmt.Errorf("page %#x: not present or pfn hidden", (first+uintptr(i/8))*uintptr(pageSize))
		}

		pages = append(pages, (e&pmPFN)*uint64(pageSize))
	}

	return pages, int(va % uintptr(pageSize)), nil
}
