// Package sim implements a register-level model of an FPGA card with QDMA
// and XDMA engines. It walks the descriptor chains armed into it through a
// memAt callback and raises interrupts on coalesced per-line channels.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/c35s/vcap/desc"
	"github.com/c35s/vcap/engine"
	"github.com/c35s/vcap/sg"
)

// Channel describes one engine installed in the card.
type Channel struct {
	Name    string
	Family  engine.Family
	Channel int
	Dir     sg.Direction // XDMA only
	Window  uint64
	IRQ     int
}

// Arm records one chain the driver armed.
type Arm struct {
	Addr uint64
	Adj  uint32
}

// Card is a simulated card. It implements engine.Regs.
type Card struct {
	memAt func(addr uint64, size int) ([]byte, error)

	mu      sync.Mutex
	engines []*eng
	xdmaIE  uint32 // IRQ block channel interrupt enable
	auto    bool

	lines map[int]chan struct{}
}

type eng struct {
	Channel

	// register windows
	base  uint32
	sgdma uint32

	ctrl      uint32
	status    uint32
	ie        uint32
	descLo    uint32
	descHi    uint32
	adj       uint32
	completed uint32

	stalled bool
	arms    []Arm
	frames  int
	moved   int
}

// New creates a card with the given engines. The memAt callback resolves
// device addresses to host memory when an engine walks a chain.
func New(chans []Channel, memAt func(addr uint64, size int) ([]byte, error)) (*Card, error) {
	c := &Card{
		memAt: memAt,
		lines: make(map[int]chan struct{}),
	}

	seen := make(map[string]bool)
	for _, ch := range chans {
		if seen[ch.Name] {
			return nil, fmt.Errorf("sim: duplicate engine %q", ch.Name)
		}

		seen[ch.Name] = true

		e := &eng{Channel: ch}
		off := uint32(ch.Channel)

		switch ch.Family {
		case engine.FamilyQDMAWrite:
			e.base = engine.QDMAWriteBase + off*engine.QDMAChannelStride
			e.Dir = sg.FromDevice

		case engine.FamilyQDMARead:
			e.base = engine.QDMAReadBase + off*engine.QDMAChannelStride
			e.Dir = sg.ToDevice

		case engine.FamilyXDMA:
			switch ch.Dir {
			case sg.ToDevice:
				e.base = engine.XDMAH2CChannelBase + off*engine.XDMAChannelStride
				e.sgdma = engine.XDMAH2CSGDMABase + off*engine.XDMAChannelStride

			case sg.FromDevice:
				e.base = engine.XDMAC2HChannelBase + off*engine.XDMAChannelStride
				e.sgdma = engine.XDMAC2HSGDMABase + off*engine.XDMAChannelStride

			default:
				return nil, fmt.Errorf("sim: %s: bad xdma direction %v", ch.Name, ch.Dir)
			}

		default:
			return nil, fmt.Errorf("sim: %s: bad family %v", ch.Name, ch.Family)
		}

		c.engines = append(c.engines, e)

		if _, ok := c.lines[ch.IRQ]; !ok {
			c.lines[ch.IRQ] = make(chan struct{}, 1)
		}
	}

	return c, nil
}

// SetAuto selects whether armed chains complete immediately (true) or wait
// for Complete (false, the default).
func (c *Card) SetAuto(auto bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.auto = auto
}

// Stall makes the named engine hold its busy bit until it is reset. XDMA
// channels have no reset and stay stalled.
func (c *Card) Stall(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.lookup(name); e != nil {
		e.stalled = true
	}
}

// Complete finishes the chain armed in the named engine, as if the transfer
// had just ended. It returns false if the engine was idle.
func (c *Card) Complete(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(name)
	if e == nil || e.status&statusBusy(e) == 0 {
		return false
	}

	c.run(e)
	return true
}

// Arms returns the chains armed into the named engine so far.
func (c *Card) Arms(name string) []Arm {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.lookup(name); e != nil {
		return append([]Arm(nil), e.arms...)
	}

	return nil
}

// Busy reports whether the named engine is running a chain.
func (c *Card) Busy(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(name)
	return e != nil && e.status&statusBusy(e) != 0
}

// Frames returns the number of chains the named engine has completed and the
// bytes they moved.
func (c *Card) Frames(name string) (frames, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.lookup(name); e != nil {
		return e.frames, e.moved
	}

	return 0, 0
}

// Raise signals an interrupt on irq whether or not any engine asserts it.
func (c *Card) Raise(irq int) {
	if ch, ok := c.lines[irq]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// WaitIRQ blocks until irq is raised or ctx is done. Raises that happen
// while nobody waits are coalesced.
func (c *Card) WaitIRQ(ctx context.Context, irq int) error {
	ch, ok := c.lines[irq]
	if !ok {
		return fmt.Errorf("sim: no irq line %d", irq)
	}

	select {
	case <-ch:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// IRQs returns the card's interrupt lines.
func (c *Card) IRQs() []int {
	irqs := make([]int, 0, len(c.lines))
	for _, ch := range c.engines {
		if !slices.Contains(irqs, ch.IRQ) {
			irqs = append(irqs, ch.IRQ)
		}
	}

	return irqs
}

func (c *Card) lookup(name string) *eng {
	for _, e := range c.engines {
		if e.Name == name {
			return e
		}
	}

	return nil
}

// run walks the armed chain, moves the data and raises the done interrupt.
func (c *Card) run(e *eng) {
	addr := uint64(e.descHi)<<32 | uint64(e.descLo)
	n, bytes, ok := c.walk(e, addr)

	e.completed += uint32(n)
	e.moved += bytes

	if e.Family == engine.FamilyXDMA {
		e.status &^= engine.XDMAStatusBusy
		if ok {
			e.status |= engine.XDMAStatusDescStopped | engine.XDMAStatusDescCompleted
		} else {
			// the channel halts on the bad descriptor without reaching a stop flag
			e.status |= engine.XDMAStatusMagicStopped
		}
	} else {
		e.status &^= engine.QDMAStatusBusy
		e.ctrl &^= engine.QDMACtrlRun
		e.status |= engine.QDMAStatusDone
		if !ok {
			e.status |= engine.QDMAStatusError
		}
	}

	if ok {
		e.frames++
	}

	if c.pending(e) {
		c.Raise(e.IRQ)
	}
}

// walk follows the chain at addr until a descriptor with the stop flag. It
// reports false if a descriptor is unreadable or malformed.
func (c *Card) walk(e *eng, addr uint64) (n, bytes int, ok bool) {
	for addr != 0 {
		b, err := c.memAt(addr, desc.Size)
		if err != nil {
			slog.Warn("sim: descriptor out of range", "engine", e.Name, "addr", addr, "err", err)
			return n, bytes, false
		}

		d := desc.Decode(b)
		if d.Magic() != desc.Magic {
			slog.Warn("sim: bad descriptor magic", "engine", e.Name, "addr", addr, "control", d.Control)
			return n, bytes, false
		}

		host, card := d.Dst, d.Src
		if e.Dir == sg.ToDevice {
			host, card = d.Src, d.Dst
		}

		if card != e.Window {
			slog.Warn("sim: descriptor misses the engine window", "engine", e.Name, "addr", card)
			return n, bytes, false
		}

		p, err := c.memAt(host, int(d.Len))
		if err != nil {
			slog.Warn("sim: transfer out of range", "engine", e.Name, "addr", host, "len", d.Len, "err", err)
			return n, bytes, false
		}

		if e.Dir == sg.FromDevice {
			fill(p, e.frames)
		}

		n++
		bytes += len(p)

		if d.IsStop() {
			return n, bytes, true
		}

		addr = d.Next
	}

	return n, bytes, false
}

// Pattern returns the byte the card writes throughout the given frame.
func Pattern(frame int) byte {
	return byte(frame*7 + 1)
}

func fill(p []byte, frame int) {
	v := Pattern(frame)
	for i := range p {
		p[i] = v
	}
}
