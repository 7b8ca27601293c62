// Package sg describes DMA-addressable memory as scatter lists.
package sg

import "fmt"

// Direction is the direction of a DMA transfer as seen from host memory.
type Direction int

const (
	Bidirectional Direction = iota
	ToDevice                // host memory is read by the device (h2c)
	FromDevice              // host memory is written by the device (c2h)
)

// MaxSegment is the longest run FromPages will coalesce into one segment.
const MaxSegment = 1 << 27

// Segment is one physically contiguous run of device-addressable memory.
type Segment struct {
	Addr uint64
	Len  int
}

// List is an ordered scatter list.
type List []Segment

// Mapper makes host memory visible to the device, e.g. through an IOMMU.
type Mapper interface {

	// Map returns the device view of l. The returned list may differ from l
	// in both addresses and segment count.
	Map(l List, dir Direction) (List, error)

	// Unmap releases a list previously returned by Map.
	Unmap(l List, dir Direction)
}

// Identity is the Mapper for devices that see host physical addresses.
var Identity Mapper = identity{}

type identity struct{}

// Len returns the total number of bytes described by the list.
func (l List) Len() (n int) {
	for _, s := range l {
		n += s.Len
	}

	return
}

// FromPages builds a scatter list covering n bytes that start off bytes into
// the first of the given pages. Physically adjacent pages are merged into a
// single segment of at most MaxSegment bytes.
func FromPages(pages []uint64, pageSize, off, n int) List {
	var l List
	for _, pa := range pages {
		if n == 0 {
			break
		}

		sz := min(pageSize-off, n)
		addr := pa + uint64(off)
		off = 0
		n -= sz

		if k := len(l) - 1; k >= 0 && l[k].Addr+uint64(l[k].Len) == addr && l[k].Len+sz <= MaxSegment {
			l[k].Len += sz
			continue
		}

		l = append(l, Segment{Addr: addr, Len: sz})
	}

	return l
}

// ParseDirection parses the names used in config files.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "c2h", "from-device", "write":
		return FromDevice, nil

	case "h2c", "to-device", "read":
		return ToDevice, nil

	case "bidirectional", "":
		return Bidirectional, nil

	default:
		return 0, fmt.Errorf("sg: unknown direction %q", s)
	}
}

func (d Direction) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"

	case ToDevice:
		return "h2c"

	case FromDevice:
		return "c2h"

	default:
		return fmt.Sprintf("Direction(%d)", d)
	}
}

func (identity) Map(l List, dir Direction) (List, error) {
	return l, nil
}

func (identity) Unmap(List, Direction) {}
