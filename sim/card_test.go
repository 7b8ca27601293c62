package sim_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c35s/vcap/desc"
	"github.com/c35s/vcap/dma"
	"github.com/c35s/vcap/engine"
	"github.com/c35s/vcap/sg"
	"github.com/c35s/vcap/sim"
	"github.com/google/go-cmp/cmp"
)

const window = 0x9000_0000

type rig struct {
	card *sim.Card
	pool *desc.Pool
	data *dma.Region
}

func newRig(t *testing.T, chans ...sim.Channel) *rig {
	t.Helper()

	descs, err := dma.New(4*desc.DefaultBlockSize, 0x10_0000)
	if err != nil {
		t.Fatal(err)
	}

	data, err := dma.New(16*4096, 0x80_0000)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		descs.Close()
		data.Close()
	})

	pool, err := desc.NewPool(descs, 0)
	if err != nil {
		t.Fatal(err)
	}

	card, err := sim.New(chans, dma.Space{descs, data}.At)
	if err != nil {
		t.Fatal(err)
	}

	return &rig{card: card, pool: pool, data: data}
}

func (r *rig) chain(t *testing.T, off, n int, dir sg.Direction) *desc.Chain {
	t.Helper()

	segs, err := r.data.Segments(off, n)
	if err != nil {
		t.Fatal(err)
	}

	// split into pages so the card walks a real chain
	var pages sg.List
	for _, s := range segs {
		for a := 0; a < s.Len; a += 4096 {
			pages = append(pages, sg.Segment{Addr: s.Addr + uint64(a), Len: min(4096, s.Len-a)})
		}
	}

	c, err := desc.Build(r.pool, pages, n, window, dir)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(c.Release)
	return c
}

func waitIRQ(t *testing.T, c *sim.Card, irq int) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	return c.WaitIRQ(ctx, irq)
}

func params(name string) engine.Params {
	return engine.Params{Name: name, Window: window, StopRetries: 2, StopInterval: time.Microsecond}
}

func TestQDMAWriteManual(t *testing.T) {
	r := newRig(t, sim.Channel{Name: "cap0", Family: engine.FamilyQDMAWrite, Window: window, IRQ: 3})

	e, err := engine.NewQDMAWrite(r.card, params("cap0"))
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	c := r.chain(t, 0, 3*4096, sg.FromDevice)
	e.Arm(c.Addr, c.Adj)

	if !r.card.Busy("cap0") {
		t.Fatal("engine not busy after arm")
	}

	if r := e.Claim(); r != engine.NotMine {
		t.Errorf("claimed before completion: %v", r)
	}

	if !r.card.Complete("cap0") {
		t.Fatal("nothing to complete")
	}

	if err := waitIRQ(t, r.card, 3); err != nil {
		t.Fatalf("no interrupt: %v", err)
	}

	if r := e.Claim(); r != engine.Done {
		t.Errorf("completion claimed as %v", r)
	}

	if r := e.Claim(); r != engine.NotMine {
		t.Errorf("claimed twice: %v", r)
	}

	for i, b := range r.data.Bytes[:3*4096] {
		if b != sim.Pattern(0) {
			t.Fatalf("byte %d is %#x", i, b)
		}
	}

	if r.data.Bytes[3*4096] != 0 {
		t.Error("wrote past the chain")
	}

	frames, bytes := r.card.Frames("cap0")
	if frames != 1 || bytes != 3*4096 {
		t.Errorf("frames=%d bytes=%d", frames, bytes)
	}

	want := []sim.Arm{{Addr: c.Addr, Adj: 2}}
	if diff := cmp.Diff(want, r.card.Arms("cap0")); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	if err := e.Stop(); err != nil {
		t.Errorf("stop: %v", err)
	}
}

func TestXDMAAuto(t *testing.T) {
	r := newRig(t,
		sim.Channel{Name: "h2c0", Family: engine.FamilyXDMA, Dir: sg.ToDevice, Window: window, IRQ: 0},
		sim.Channel{Name: "c2h0", Family: engine.FamilyXDMA, Dir: sg.FromDevice, Window: window, IRQ: 0},
	)

	r.card.SetAuto(true)

	p := params("c2h0")
	p.Dir = sg.FromDevice

	c2h, err := engine.NewXDMA(r.card, p)
	if err != nil {
		t.Fatal(err)
	}

	p = params("h2c0")
	p.Dir = sg.ToDevice

	h2c, err := engine.NewXDMA(r.card, p)
	if err != nil {
		t.Fatal(err)
	}

	for _, e := range []engine.Engine{c2h, h2c} {
		if err := e.Start(); err != nil {
			t.Fatal(err)
		}
	}

	for frame := range 3 {
		c := r.chain(t, 0, 4096, sg.FromDevice)
		c2h.Arm(c.Addr, c.Adj)

		if err := waitIRQ(t, r.card, 0); err != nil {
			t.Fatalf("frame %d: no interrupt: %v", frame, err)
		}

		// the line is shared; only the c2h channel completed
		if r := h2c.Claim(); r != engine.NotMine {
			t.Errorf("frame %d: h2c claimed a c2h completion: %v", frame, r)
		}

		if r := c2h.Claim(); r != engine.Done {
			t.Fatalf("frame %d: c2h claimed %v", frame, r)
		}

		if r.data.Bytes[0] != sim.Pattern(frame) {
			t.Errorf("frame %d: pattern %#x", frame, r.data.Bytes[0])
		}

		c.Release()
	}

	c := r.chain(t, 8192, 4096, sg.ToDevice)
	h2c.Arm(c.Addr, c.Adj)

	if err := waitIRQ(t, r.card, 0); err != nil {
		t.Fatal(err)
	}

	if r := h2c.Claim(); r != engine.Done {
		t.Errorf("h2c claimed %v", r)
	}

	if _, bytes := r.card.Frames("h2c0"); bytes != 4096 {
		t.Errorf("h2c moved %d bytes", bytes)
	}
}

func TestStall(t *testing.T) {
	r := newRig(t, sim.Channel{Name: "cap0", Family: engine.FamilyQDMAWrite, Window: window, IRQ: 1})
	r.card.SetAuto(true)
	r.card.Stall("cap0")

	e, err := engine.NewQDMAWrite(r.card, params("cap0"))
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	// start resets the engine, so stall it again
	r.card.Stall("cap0")

	c := r.chain(t, 0, 4096, sg.FromDevice)
	e.Arm(c.Addr, c.Adj)

	if err := e.Stop(); !errors.Is(err, engine.ErrIdleTimeout) {
		t.Errorf("error isn't ErrIdleTimeout: %v", err)
	}

	if r.card.Busy("cap0") {
		t.Error("busy after reset")
	}
}

func TestBadChain(t *testing.T) {
	r := newRig(t, sim.Channel{Name: "cap0", Family: engine.FamilyQDMAWrite, Window: window + 0x1000, IRQ: 1})
	r.card.SetAuto(true)

	e, err := engine.NewQDMAWrite(r.card, params("cap0"))
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	// the chain targets a window the engine does not own
	c := r.chain(t, 0, 4096, sg.FromDevice)
	e.Arm(c.Addr, c.Adj)

	if r := e.Claim(); r != engine.Failed {
		t.Errorf("bad chain claimed as %v", r)
	}

	if frames, _ := r.card.Frames("cap0"); frames != 0 {
		t.Errorf("%d frames from a bad chain", frames)
	}
}

func TestBadChainXDMA(t *testing.T) {
	r := newRig(t, sim.Channel{Name: "c2h0", Family: engine.FamilyXDMA, Dir: sg.FromDevice, Window: window, IRQ: 2})
	r.card.SetAuto(true)

	p := params("c2h0")
	p.Dir = sg.FromDevice

	e, err := engine.NewXDMA(r.card, p)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	c := r.chain(t, 0, 4096, sg.FromDevice)

	// point the engine at a block of zeroes past the chain
	e.Arm(c.Addr+desc.Size, 0)

	if err := waitIRQ(t, r.card, 2); err != nil {
		t.Fatalf("no interrupt: %v", err)
	}

	if r := e.Claim(); r != engine.Failed {
		t.Errorf("bad magic claimed as %v", r)
	}

	// the status was acknowledged, so the line is quiet
	if r := e.Claim(); r != engine.NotMine {
		t.Errorf("claimed again: %v", r)
	}

	if err := waitIRQ(t, r.card, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("interrupt after acknowledge: %v", err)
	}
}

func TestSpuriousRaise(t *testing.T) {
	r := newRig(t, sim.Channel{Name: "cap0", Family: engine.FamilyQDMAWrite, Window: window, IRQ: 4})

	r.card.Raise(4)
	r.card.Raise(4)

	if err := waitIRQ(t, r.card, 4); err != nil {
		t.Fatal(err)
	}

	// raises coalesce
	if err := waitIRQ(t, r.card, 4); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second wait: %v", err)
	}

	if err := r.card.WaitIRQ(context.Background(), 9); err == nil {
		t.Error("waited on a missing line")
	}

	if diff := cmp.Diff([]int{4}, r.card.IRQs()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestNewInvalid(t *testing.T) {
	_, err := sim.New([]sim.Channel{
		{Name: "a", Family: engine.FamilyQDMAWrite},
		{Name: "a", Family: engine.FamilyQDMARead},
	}, nil)

	if err == nil {
		t.Error("duplicate names accepted")
	}

	if _, err := sim.New([]sim.Channel{{Name: "x", Family: engine.FamilyXDMA}}, nil); err == nil {
		t.Error("xdma without direction accepted")
	}
}
