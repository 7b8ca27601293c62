// Package format sizes video frames by pixel format, resolution and plane
// layout.
package format

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// FourCC is a little-endian four character pixel format code.
type FourCC uint32

const (
	YUYV FourCC = 0x56595559 // 'YUYV' packed 4:2:2
	UYVY FourCC = 0x59565955 // 'UYVY' packed 4:2:2
	RGB3 FourCC = 0x33424752 // 'RGB3' 24-bit RGB
	BGR4 FourCC = 0x34524742 // 'BGR4' 32-bit BGRA
	GREY FourCC = 0x59455247 // 'GREY' 8-bit luma
	Y16  FourCC = 0x20363159 // 'Y16 ' 16-bit luma
	NV12 FourCC = 0x3231564e // 'NV12' Y plane + interleaved CbCr, 4:2:0
	NV16 FourCC = 0x3631564e // 'NV16' Y plane + interleaved CbCr, 4:2:2
)

// MaxPlanes is the most planes any supported format has.
const MaxPlanes = 2

// Format describes the frames a queue transfers.
type Format struct {
	Width       int
	Height      int
	PixelFormat FourCC

	// Strides are bytes per line of each plane. Zero selects the packed
	// minimum.
	Strides [MaxPlanes]int

	// Offsets are byte offsets of each plane inside the buffer. Zero for a
	// plane after the first places it right after the previous plane.
	Offsets [MaxPlanes]int

	// SizeImage is the buffer size one frame needs. It is an output of
	// Normalize; callers may leave it zero.
	SizeImage int
}

type plane struct {
	bpp  int // bytes per pixel along a line
	vsub int // vertical subsampling
}

type layout struct {
	planes []plane
	halign int // width alignment in pixels
	valign int // height alignment in lines
}

var layouts = map[FourCC]layout{
	YUYV: {planes: []plane{{2, 1}}, halign: 2, valign: 1},
	UYVY: {planes: []plane{{2, 1}}, halign: 2, valign: 1},
	RGB3: {planes: []plane{{3, 1}}, halign: 1, valign: 1},
	BGR4: {planes: []plane{{4, 1}}, halign: 1, valign: 1},
	GREY: {planes: []plane{{1, 1}}, halign: 1, valign: 1},
	Y16:  {planes: []plane{{2, 1}}, halign: 1, valign: 1},
	NV12: {planes: []plane{{1, 1}, {1, 2}}, halign: 2, valign: 2},
	NV16: {planes: []plane{{1, 1}, {1, 1}}, halign: 2, valign: 1},
}

// Largest accepted frame dimension.
const maxDim = 1 << 14

var ErrInvalidFormat = fmt.Errorf("format: invalid format: %w", unix.EINVAL)

// ByteSize returns the number of bytes a buffer must hold for one frame of f.
func ByteSize(f Format) (int, error) {
	n, err := Normalize(f)
	if err != nil {
		return 0, err
	}

	return n.SizeImage, nil
}

// Normalize fills in the zero strides and offsets of f, validates the plane
// layout and computes SizeImage.
func Normalize(f Format) (Format, error) {
	l, ok := layouts[f.PixelFormat]
	if !ok {
		return Format{}, fmt.Errorf("%w: unsupported pixel format %v", ErrInvalidFormat, f.PixelFormat)
	}

	if f.Width <= 0 || f.Height <= 0 || f.Width > maxDim || f.Height > maxDim {
		return Format{}, fmt.Errorf("%w: %dx%d", ErrInvalidFormat, f.Width, f.Height)
	}

	if f.Width%l.halign != 0 || f.Height%l.valign != 0 {
		return Format{}, fmt.Errorf("%w: %v needs %dx%d alignment, got %dx%d",
			ErrInvalidFormat, f.PixelFormat, l.halign, l.valign, f.Width, f.Height)
	}

	end := 0
	for i := range MaxPlanes {
		if i >= len(l.planes) {
			if f.Strides[i] != 0 || f.Offsets[i] != 0 {
				return Format{}, fmt.Errorf("%w: %v has no plane %d", ErrInvalidFormat, f.PixelFormat, i)
			}

			continue
		}

		p := l.planes[i]
		line := f.Width * p.bpp

		switch {
		case f.Strides[i] == 0:
			f.Strides[i] = line

		case f.Strides[i] < line:
			return Format{}, fmt.Errorf("%w: plane %d stride %d < %d", ErrInvalidFormat, i, f.Strides[i], line)
		}

		switch {
		case i == 0 && f.Offsets[i] != 0:
			return Format{}, fmt.Errorf("%w: plane 0 offset %d", ErrInvalidFormat, f.Offsets[i])

		case f.Offsets[i] == 0:
			f.Offsets[i] = end

		case f.Offsets[i] < end:
			return Format{}, fmt.Errorf("%w: plane %d at %d overlaps plane %d", ErrInvalidFormat, i, f.Offsets[i], i-1)
		}

		end = f.Offsets[i] + f.Strides[i]*(f.Height/p.vsub)
	}

	f.SizeImage = end
	return f, nil
}

// Planes returns the number of planes of the pixel format, or 0 if it is
// not supported.
func Planes(fcc FourCC) int {
	return len(layouts[fcc].planes)
}

// ParseFourCC parses a code such as "YUYV" or "Y16". Short codes are padded
// with spaces.
func ParseFourCC(s string) (FourCC, error) {
	if len(s) == 0 || len(s) > 4 {
		return 0, fmt.Errorf("%w: fourcc %q", ErrInvalidFormat, s)
	}

	s = (s + "   ")[:4]
	fcc := FourCC(uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24)

	if _, ok := layouts[fcc]; !ok {
		return 0, fmt.Errorf("%w: unsupported pixel format %q", ErrInvalidFormat, s)
	}

	return fcc, nil
}

func (fcc FourCC) String() string {
	b := []byte{byte(fcc), byte(fcc >> 8), byte(fcc >> 16), byte(fcc >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("FourCC(%#08x)", uint32(fcc))
		}
	}

	return strings.TrimRight(string(b), " ")
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d %v", f.Width, f.Height, f.PixelFormat)
}
