// Package dma manages host memory that an FPGA DMA engine can address.
package dma

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"github.com/c35s/vcap/sg"
	"golang.org/x/sys/unix"
)

// Region is a physically contiguous block of DMA-capable memory with a
// stable device address.
type Region struct {
	Name string

	// Addr is the device address of Bytes[0].
	Addr uint64

	// Bytes is the CPU view of the region.
	Bytes []byte

	mapped []byte
}

var (
	ErrOpen   = errors.New("dma: open region failed")
	ErrRange  = errors.New("dma: address out of range")
	ErrRegion = errors.New("dma: invalid region")
)

// SysfsRoot is where u-dma-buf publishes region attributes.
var SysfsRoot = "/sys/class/u-dma-buf"

// Open maps the u-dma-buf region with the given name (e.g. "udmabuf0").
// The mapping is uncached: the device node is opened with O_SYNC.
func Open(name string) (*Region, error) {
	attr := func(a string) (string, error) {
		b, err := os.ReadFile(filepath.Join(SysfsRoot, name, a))
		return strings.TrimSpace(string(b)), err
	}

	pa, err := attr("phys_addr")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, name, err)
	}

	addr, err := strconv.ParseUint(pa, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: phys_addr: %w", ErrOpen, name, err)
	}

	sz, err := attr("size")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, name, err)
	}

	size, err := strconv.Atoi(sz)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: size: %w", ErrOpen, name, err)
	}

	f, err := os.OpenFile(filepath.Join("/dev", name), os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, name, err)
	}

	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: mmap: %w", ErrOpen, name, err)
	}

	return &Region{Name: name, Addr: addr, Bytes: mem, mapped: mem}, nil
}

// New allocates an anonymous, page-aligned region of at least size bytes and
// assigns it the device address addr. It stands in for real DMA memory when
// the device is simulated.
func New(size int, addr uint64) (*Region, error) {
	pgsz := os.Getpagesize()
	if size <= 0 || addr%uint64(pgsz) != 0 {
		return nil, fmt.Errorf("%w: size %d addr %#x", ErrRegion, size, addr)
	}

	size = (size + pgsz - 1) &^ (pgsz - 1)

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	return &Region{Name: "anon", Addr: addr, Bytes: mem, mapped: mem}, nil
}

// Close unmaps the region. Sub-regions do not own their memory and are no-ops.
func (r *Region) Close() error {
	if r.mapped == nil {
		return nil
	}

	err := unix.Munmap(r.mapped)
	r.mapped = nil
	r.Bytes = nil

	return err
}

// Len returns the region size in bytes.
func (r *Region) Len() int {
	return len(r.Bytes)
}

// Sub returns a view of n bytes at off that shares the parent's memory.
func (r *Region) Sub(off, n int) (*Region, error) {
	b, err := r.Slice(off, n)
	if err != nil {
		return nil, err
	}

	return &Region{
		Name:  fmt.Sprintf("%s+%#x", r.Name, off),
		Addr:  r.Addr + uint64(off),
		Bytes: b,
	}, nil
}

// Slice returns the CPU view of n bytes at off.
func (r *Region) Slice(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(r.Bytes) {
		return nil, fmt.Errorf("%w: [%#x, %#x) not in %s", ErrRange, off, off+n, r.Name)
	}

	return r.Bytes[off : off+n : off+n], nil
}

// At returns the CPU view of n bytes at device address addr.
func (r *Region) At(addr uint64, n int) ([]byte, error) {
	if addr < r.Addr || addr-r.Addr > uint64(len(r.Bytes)) {
		return nil, fmt.Errorf("%w: %#x not in %s", ErrRange, addr, r.Name)
	}

	return r.Slice(int(addr-r.Addr), n)
}

// Segments describes n bytes at off as a scatter list.
func (r *Region) Segments(off, n int) (sg.List, error) {
	if _, err := r.Slice(off, n); err != nil {
		return nil, err
	}

	var l sg.List
	for addr := r.Addr + uint64(off); n > 0; {
		sz := min(n, sg.MaxSegment)
		l = append(l, sg.Segment{Addr: addr, Len: sz})
		addr += uint64(sz)
		n -= sz
	}

	return l, nil
}

// Offset reports where p starts inside the region.
func (r *Region) Offset(p []byte) (int, bool) {
	if len(p) == 0 || len(r.Bytes) == 0 {
		return 0, false
	}

	base := uintptr(unsafe.Pointer(&r.Bytes[0]))
	ptr := uintptr(unsafe.Pointer(&p[0]))
	if ptr < base || ptr+uintptr(len(p)) > base+uintptr(len(r.Bytes)) {
		return 0, false
	}

	return int(ptr - base), true
}

// Pages resolves the device page addresses backing p, which must lie inside
// the region. It satisfies importer.PageResolver so buffers carved from a
// region can be imported as user pointers.
func (r *Region) Pages(p []byte, pageSize int) (pages []uint64, off int, err error) {
	o, ok := r.Offset(p)
	if !ok {
		return nil, 0, fmt.Errorf("%w: buffer is not in %s", ErrRange, r.Name)
	}

	start := r.Addr + uint64(o)
	first := start &^ uint64(pageSize-1)
	end := start + uint64(len(p))

	for pa := first; pa < end; pa += uint64(pageSize) {
		pages = append(pages, pa)
	}

	return pages, int(start - first), nil
}

// Space is a set of regions addressed by device address.
type Space []*Region

// At resolves n bytes at device address addr in whichever region holds it.
func (s Space) At(addr uint64, n int) ([]byte, error) {
	for _, r := range s {
		if addr >= r.Addr && addr < r.Addr+uint64(len(r.Bytes)) {
			return r.At(addr, n)
		}
	}

	return nil, fmt.Errorf("%w: %#x", ErrRange, addr)
}
