// Package desc builds the scatter-gather descriptor chains walked by the
// FPGA's DMA engines.
//
// A descriptor is a packed 32-byte little-endian record:
//
//	0x00 control   magic[31:16] | remaining[13:8] | flags[7:0]
//	0x04 len       transfer length in bytes [27:0]
//	0x08 src_lo    source address, low word
//	0x0c src_hi    source address, high word
//	0x10 dst_lo    destination address, low word
//	0x14 dst_hi    destination address, high word
//	0x18 next_lo   address of the next descriptor, low word
//	0x1c next_hi   address of the next descriptor, high word
//
// The records of a chain live in one DescriptorBlock, so every non-last
// descriptor points at the slot that immediately follows it.
package desc

import "encoding/binary"

// D is a decoded descriptor.
type D struct {
	Control uint32
	Len     uint32
	Src     uint64
	Dst     uint64
	Next    uint64
}

const (
	Size        = 32        // bytes per descriptor record
	Magic       = 0xad4b    // control[31:16]
	MaxAdjacent = 0x3f      // widest value of control[13:8]
	MaxLen      = 1<<28 - 1 // widest value of len[27:0]
)

const (
	FlagStop      = 1 << 0 // engine stops after this descriptor
	FlagCompleted = 1 << 1 // raise a completion event for this descriptor
	FlagEOP       = 1 << 4 // end of packet (c2h stream framing)
)

var le = binary.LittleEndian

// Encode writes d into b[:Size].
func Encode(b []byte, d D) {
	_ = b[Size-1]

	le.PutUint32(b[0x00:], d.Control)
	le.PutUint32(b[0x04:], d.Len)
	le.PutUint32(b[0x08:], uint32(d.Src))
	le.PutUint32(b[0x0c:], uint32(d.Src>>32))
	le.PutUint32(b[0x10:], uint32(d.Dst))
	le.PutUint32(b[0x14:], uint32(d.Dst>>32))
	le.PutUint32(b[0x18:], uint32(d.Next))
	le.PutUint32(b[0x1c:], uint32(d.Next>>32))
}

// Decode reads a descriptor from b[:Size].
func Decode(b []byte) D {
	_ = b[Size-1]

	return D{
		Control: le.Uint32(b[0x00:]),
		Len:     le.Uint32(b[0x04:]),
		Src:     uint64(le.Uint32(b[0x08:])) | uint64(le.Uint32(b[0x0c:]))<<32,
		Dst:     uint64(le.Uint32(b[0x10:])) | uint64(le.Uint32(b[0x14:]))<<32,
		Next:    uint64(le.Uint32(b[0x18:])) | uint64(le.Uint32(b[0x1c:]))<<32,
	}
}

// Control assembles a control word. Remaining counts wider than the field
// are clamped to MaxAdjacent.
func Control(remaining int, flags uint32) uint32 {
	return Magic<<16 | uint32(min(remaining, MaxAdjacent))<<8 | flags&0xff
}

func (d D) Magic() uint16 {
	return uint16(d.Control >> 16)
}

// Remaining returns the count of descriptors that follow this one.
func (d D) Remaining() int {
	return int(d.Control>>8) & MaxAdjacent
}

func (d D) IsStop() bool {
	return d.Control&FlagStop != 0
}
