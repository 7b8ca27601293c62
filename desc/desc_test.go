package desc_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/c35s/vcap/desc"
	"github.com/c35s/vcap/dma"
	"github.com/c35s/vcap/sg"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

const window = 0xc000_0000

func newPool(t *testing.T, blocks int) *desc.Pool {
	t.Helper()

	r, err := dma.New(blocks*desc.DefaultBlockSize, 0x10_0000)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { r.Close() })

	p, err := desc.NewPool(r, desc.DefaultBlockSize)
	if err != nil {
		t.Fatal(err)
	}

	return p
}

// pages returns n discontiguous page segments.
func pages(n int) sg.List {
	l := make(sg.List, n)
	for i := range l {
		l[i] = sg.Segment{Addr: 0x100_0000 + uint64(i)*0x2000, Len: 0x1000}
	}

	return l
}

func TestEncode(t *testing.T) {
	d := desc.D{
		Control: desc.Control(2, desc.FlagStop),
		Len:     0x1000,
		Src:     0x1_2345_6780,
		Dst:     0xdead_beef_0000_1000,
		Next:    0x1_0000_0020,
	}

	want := []byte{
		0x01, 0x02, 0x4b, 0xad, // control
		0x00, 0x10, 0x00, 0x00, // len
		0x80, 0x67, 0x45, 0x23, // src_lo
		0x01, 0x00, 0x00, 0x00, // src_hi
		0x00, 0x10, 0x00, 0x00, // dst_lo
		0xef, 0xbe, 0xad, 0xde, // dst_hi
		0x20, 0x00, 0x00, 0x00, // next_lo
		0x01, 0x00, 0x00, 0x00, // next_hi
	}

	got := make([]byte, desc.Size)
	desc.Encode(got, d)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if rt := desc.Decode(got); rt != d {
		t.Errorf("decode: %+v != %+v", rt, d)
	}

	if d.Magic() != desc.Magic {
		t.Errorf("magic %#x", d.Magic())
	}

	if d.Remaining() != 2 || !d.IsStop() {
		t.Errorf("remaining=%d stop=%v", d.Remaining(), d.IsStop())
	}
}

func TestControlClamp(t *testing.T) {
	d := desc.D{Control: desc.Control(200, 0)}
	if d.Remaining() != desc.MaxAdjacent {
		t.Errorf("remaining %d != %d", d.Remaining(), desc.MaxAdjacent)
	}
}

func TestBuildChainShape(t *testing.T) {
	p := newPool(t, 1)
	limit := desc.MaxPerBlock(desc.DefaultBlockSize)

	for k := 1; k <= limit; k++ {
		segs := pages(k)
		c, err := desc.Build(p, segs, segs.Len(), window, sg.FromDevice)
		if err != nil {
			t.Fatalf("%d segments: %v", k, err)
		}

		if c.Count != k {
			t.Errorf("%d segments: count %d", k, c.Count)
		}

		if c.Adj != uint32(k-1) {
			t.Errorf("%d segments: adj %d", k, c.Adj)
		}

		for i := 0; i < k; i++ {
			d := c.Desc(i)

			if d.Magic() != desc.Magic {
				t.Fatalf("%d/%d: magic %#x", i, k, d.Magic())
			}

			if d.Src != window || d.Dst != segs[i].Addr || int(d.Len) != segs[i].Len {
				t.Fatalf("%d/%d: %+v", i, k, d)
			}

			if d.Remaining() != min(k-i-1, desc.MaxAdjacent) {
				t.Fatalf("%d/%d: remaining %d", i, k, d.Remaining())
			}

			last := i == k-1
			if d.IsStop() != last {
				t.Fatalf("%d/%d: stop=%v", i, k, d.IsStop())
			}

			switch {
			case last && d.Next != 0:
				t.Fatalf("%d/%d: last next %#x", i, k, d.Next)

			case !last && d.Next != c.Addr+uint64((i+1)*desc.Size):
				t.Fatalf("%d/%d: next %#x", i, k, d.Next)
			}
		}

		c.Release()
	}

	if p.InUse() != 0 {
		t.Errorf("in use %d after release", p.InUse())
	}
}

func TestBuildStopsAtLength(t *testing.T) {
	p := newPool(t, 1)

	t.Run("one extra segment", func(t *testing.T) {
		segs := pages(4)
		c, err := desc.Build(p, segs, 3*0x1000, window, sg.FromDevice)
		if err != nil {
			t.Fatal(err)
		}

		defer c.Release()

		if c.Count != len(segs)-1 {
			t.Errorf("count %d != %d", c.Count, len(segs)-1)
		}

		if !c.Desc(c.Count - 1).IsStop() {
			t.Error("last included descriptor is not marked stop")
		}

		if c.Len != 3*0x1000 {
			t.Errorf("len %#x", c.Len)
		}
	})

	t.Run("partial last leg", func(t *testing.T) {
		c, err := desc.Build(p, pages(3), 0x2800, window, sg.FromDevice)
		if err != nil {
			t.Fatal(err)
		}

		defer c.Release()

		if c.Count != 3 || c.Len != 0x2800 {
			t.Errorf("count=%d len=%#x", c.Count, c.Len)
		}

		if d := c.Desc(2); d.Len != 0x800 {
			t.Errorf("last leg %#x != 0x800", d.Len)
		}
	})

	t.Run("short list", func(t *testing.T) {
		c, err := desc.Build(p, pages(2), 0x8000, window, sg.FromDevice)
		if err != nil {
			t.Fatal(err)
		}

		defer c.Release()

		if c.Count != 2 || c.Len != 0x2000 {
			t.Errorf("count=%d len=%#x", c.Count, c.Len)
		}
	})
}

func TestBuildDirection(t *testing.T) {
	p := newPool(t, 1)

	c, err := desc.Build(p, pages(1), 0x1000, window, sg.ToDevice)
	if err != nil {
		t.Fatal(err)
	}

	defer c.Release()

	if d := c.Desc(0); d.Src != 0x100_0000 || d.Dst != window {
		t.Errorf("h2c descriptor %+v", d)
	}

	if _, err := desc.Build(p, pages(1), 0x1000, window, sg.Bidirectional); !errors.Is(err, desc.ErrDirection) {
		t.Errorf("error isn't ErrDirection: %v", err)
	}
}

func TestBuildErrors(t *testing.T) {
	limit := desc.MaxPerBlock(desc.DefaultBlockSize)

	tests := []struct {
		segs   sg.List
		length int
		err    error
	}{
		{nil, 0x1000, desc.ErrNoSegments},
		{pages(1), 0, desc.ErrZeroLength},
		{pages(limit + 1), 0x1000, desc.ErrTooManySegments},
		{sg.List{{Addr: 0x1000, Len: desc.MaxLen + 1}}, desc.MaxLen + 1, desc.ErrSegmentTooLong},
		{sg.List{{Addr: 0x1000, Len: 0}}, 0x1000, desc.ErrSegmentTooLong},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			p := newPool(t, 1)

			c, err := desc.Build(p, tt.segs, tt.length, window, sg.FromDevice)
			if c != nil {
				t.Errorf("chain is present: %+v", c)
			}

			if !errors.Is(err, tt.err) {
				t.Errorf("error isn't %v: %v", tt.err, err)
			}

			if !errors.Is(err, unix.EINVAL) {
				t.Errorf("error isn't EINVAL: %v", err)
			}

			if p.InUse() != 0 {
				t.Errorf("in use %d", p.InUse())
			}
		})
	}
}

func TestPool(t *testing.T) {
	p := newPool(t, 2)

	if p.Cap() != 2 {
		t.Fatalf("cap %d != 2", p.Cap())
	}

	a, err := p.Alloc()
	if err != nil {
		t.Fatal(err)
	}

	b, err := p.Alloc()
	if err != nil {
		t.Fatal(err)
	}

	if a.Addr == b.Addr || a.Addr%desc.DefaultBlockSize != 0 {
		t.Errorf("addrs %#x %#x", a.Addr, b.Addr)
	}

	if _, err := p.Alloc(); !errors.Is(err, desc.ErrNoBlocks) || !errors.Is(err, unix.ENOMEM) {
		t.Errorf("exhausted pool: %v", err)
	}

	// a chain cannot be built from an exhausted pool
	if _, err := desc.Build(p, pages(1), 0x1000, window, sg.FromDevice); !errors.Is(err, desc.ErrNoBlocks) {
		t.Errorf("error isn't ErrNoBlocks: %v", err)
	}

	a.Bytes[0] = 0xff
	p.Free(a)

	c, err := p.Alloc()
	if err != nil {
		t.Fatal(err)
	}

	if c.Bytes[0] != 0 {
		t.Error("block is not zeroed")
	}

	p.Free(b)
	p.Free(c)

	defer func() {
		if r := recover(); r == nil {
			t.Error("no panic")
		}
	}()

	p.Free(c)
	t.Fatal("unreachable")
}

func TestNewPoolAlignment(t *testing.T) {
	r, err := dma.New(2*desc.DefaultBlockSize, 0x10_1000)
	if err != nil {
		t.Fatal(err)
	}

	defer r.Close()

	if _, err := desc.NewPool(r, 8192); !errors.Is(err, desc.ErrBlockSize) {
		t.Errorf("error isn't ErrBlockSize: %v", err)
	}

	if _, err := desc.NewPool(r, 100); !errors.Is(err, desc.ErrBlockSize) {
		t.Errorf("error isn't ErrBlockSize: %v", err)
	}
}
