package format_test

import (
	"errors"
	"testing"

	"github.com/c35s/vcap/format"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestByteSize(t *testing.T) {
	tests := []struct {
		name string
		f    format.Format
		size int
	}{
		{"yuyv 4k", format.Format{Width: 4096, Height: 2160, PixelFormat: format.YUYV}, 4096 * 2160 * 2},
		{"uyvy 1080p", format.Format{Width: 1920, Height: 1080, PixelFormat: format.UYVY}, 1920 * 1080 * 2},
		{"rgb3", format.Format{Width: 640, Height: 480, PixelFormat: format.RGB3}, 640 * 480 * 3},
		{"bgr4", format.Format{Width: 640, Height: 480, PixelFormat: format.BGR4}, 640 * 480 * 4},
		{"grey", format.Format{Width: 641, Height: 3, PixelFormat: format.GREY}, 641 * 3},
		{"y16", format.Format{Width: 100, Height: 10, PixelFormat: format.Y16}, 2000},
		{"nv12", format.Format{Width: 1920, Height: 1080, PixelFormat: format.NV12}, 1920*1080 + 1920*540},
		{"nv16", format.Format{Width: 1920, Height: 1080, PixelFormat: format.NV16}, 1920 * 1080 * 2},
		{"padded stride", format.Format{Width: 1000, Height: 10, PixelFormat: format.YUYV, Strides: [2]int{2048}}, 20480},
		{"nv12 gap", format.Format{Width: 16, Height: 16, PixelFormat: format.NV12, Offsets: [2]int{0, 512}}, 512 + 16*8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := format.ByteSize(tt.f)
			if err != nil {
				t.Fatal(err)
			}

			if size != tt.size {
				t.Errorf("size %d != %d", size, tt.size)
			}
		})
	}
}

func TestByteSizeInvalid(t *testing.T) {
	tests := []struct {
		name string
		f    format.Format
	}{
		{"unknown fourcc", format.Format{Width: 16, Height: 16, PixelFormat: 0x12345678}},
		{"zero width", format.Format{Height: 16, PixelFormat: format.GREY}},
		{"negative height", format.Format{Width: 16, Height: -1, PixelFormat: format.GREY}},
		{"huge", format.Format{Width: 1 << 20, Height: 16, PixelFormat: format.GREY}},
		{"odd yuyv width", format.Format{Width: 15, Height: 16, PixelFormat: format.YUYV}},
		{"odd nv12 height", format.Format{Width: 16, Height: 15, PixelFormat: format.NV12}},
		{"short stride", format.Format{Width: 16, Height: 16, PixelFormat: format.YUYV, Strides: [2]int{16}}},
		{"extra plane", format.Format{Width: 16, Height: 16, PixelFormat: format.YUYV, Strides: [2]int{0, 16}}},
		{"plane 0 offset", format.Format{Width: 16, Height: 16, PixelFormat: format.NV12, Offsets: [2]int{8}}},
		{"overlapping planes", format.Format{Width: 16, Height: 16, PixelFormat: format.NV12, Offsets: [2]int{0, 100}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := format.ByteSize(tt.f)
			if !errors.Is(err, format.ErrInvalidFormat) {
				t.Errorf("error isn't ErrInvalidFormat: %v", err)
			}

			if !errors.Is(err, unix.EINVAL) {
				t.Errorf("error isn't EINVAL: %v", err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	f, err := format.Normalize(format.Format{Width: 64, Height: 32, PixelFormat: format.NV12})
	if err != nil {
		t.Fatal(err)
	}

	want := format.Format{
		Width:       64,
		Height:      32,
		PixelFormat: format.NV12,
		Strides:     [2]int{64, 64},
		Offsets:     [2]int{0, 64 * 32},
		SizeImage:   64*32 + 64*16,
	}

	if diff := cmp.Diff(want, f); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestFourCC(t *testing.T) {
	for _, fcc := range []format.FourCC{format.YUYV, format.UYVY, format.RGB3, format.BGR4, format.GREY, format.Y16, format.NV12, format.NV16} {
		got, err := format.ParseFourCC(fcc.String())
		if err != nil {
			t.Errorf("%v: %v", fcc, err)
			continue
		}

		if got != fcc {
			t.Errorf("%v: parsed %#x", fcc, uint32(got))
		}
	}

	if s := format.Y16.String(); s != "Y16" {
		t.Errorf("Y16 is %q", s)
	}

	if _, err := format.ParseFourCC("MJPG"); !errors.Is(err, format.ErrInvalidFormat) {
		t.Errorf("error isn't ErrInvalidFormat: %v", err)
	}

	if format.Planes(format.NV12) != 2 || format.Planes(format.YUYV) != 1 || format.Planes(0) != 0 {
		t.Error("wrong plane counts")
	}
}
