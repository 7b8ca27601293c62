package engine

import (
	"fmt"
	"log/slog"

	"github.com/c35s/vcap/sg"
)

// XDMA is one H2C or C2H channel of a Xilinx PG195 DMA subsystem.
type XDMA struct {
	regs  Regs
	ch    uint32 // channel register block
	sgdma uint32 // SGDMA register block
	irq   uint32 // interrupt enable bit in the IRQ block
	id    uint32
	p     Params
}

// interrupts enabled while streaming
const xdmaIntMask = xdmaStatusDone | xdmaStatusErrors

func NewXDMA(regs Regs, p Params) (*XDMA, error) {
	p = p.withDefaults()
	if err := p.validate(XDMAMaxChannels); err != nil {
		return nil, err
	}

	x := &XDMA{regs: regs, p: p}
	off := uint32(p.Channel) * XDMAChannelStride

	switch p.Dir {
	case sg.ToDevice:
		x.ch = XDMAH2CChannelBase + off
		x.sgdma = XDMAH2CSGDMABase + off
		x.id = XDMAIDH2C

	case sg.FromDevice:
		x.ch = XDMAC2HChannelBase + off
		x.sgdma = XDMAC2HSGDMABase + off
		x.id = XDMAIDC2H

	default:
		return nil, fmt.Errorf("%w: %s: xdma direction must be h2c or c2h, not %v", ErrParams, p.Name, p.Dir)
	}

	x.irq = XDMAChanIntBit(p.Dir == sg.FromDevice, p.Channel)
	return x, nil
}

func (x *XDMA) Name() string            { return x.p.Name }
func (x *XDMA) Family() Family          { return FamilyXDMA }
func (x *XDMA) Direction() sg.Direction { return x.p.Dir }
func (x *XDMA) Window() uint64          { return x.p.Window }
func (x *XDMA) sealed()                 {}

func (x *XDMA) Start() error {
	id := x.regs.Read32(x.ch + XDMARegID)
	if id>>20 != XDMAIDMagic || (id>>16)&0xf != x.id {
		return fmt.Errorf("%w: %s: id %#08x at %#x", ErrNoEngine, x.p.Name, id, x.ch)
	}

	x.regs.Write32(x.ch+XDMARegCtrlW1C, XDMACtrlRun)
	x.regs.Read32(x.ch + XDMARegStatusRC)

	x.regs.Write32(x.ch+XDMARegCtrl, XDMACtrlNonIncAddr|xdmaIntMask)
	x.regs.Write32(x.ch+XDMARegIntEnable, xdmaIntMask)
	x.regs.Write32(XDMAIRQBase+XDMARegChanIntEnableW1S, x.irq)

	return nil
}

func (x *XDMA) Stop() error {
	x.regs.Write32(XDMAIRQBase+XDMARegChanIntEnableW1C, x.irq)
	x.regs.Write32(x.ch+XDMARegIntEnableW1C, xdmaIntMask)
	x.regs.Write32(x.ch+XDMARegCtrlW1C, XDMACtrlRun)

	idle := waitIdle(x.regs, x.ch+XDMARegStatus, XDMAStatusBusy, x.p.StopRetries, x.p.StopInterval)

	x.regs.Write32(x.ch+XDMARegCtrl, 0)
	x.regs.Read32(x.ch + XDMARegStatusRC)

	if !idle {
		return fmt.Errorf("%w: %s after %d polls", ErrIdleTimeout, x.p.Name, x.p.StopRetries)
	}

	return nil
}

// Arm runs the chain at addr. The adjacent count register is six bits wide;
// larger counts are clamped and the engine fetches the rest one by one.
func (x *XDMA) Arm(addr uint64, adj uint32) {
	x.regs.Write32(x.sgdma+XDMARegDescLo, uint32(addr))
	x.regs.Write32(x.sgdma+XDMARegDescHi, uint32(addr>>32))
	x.regs.Write32(x.sgdma+XDMARegDescAdj, min(adj, XDMAMaxAdjacent))
	x.regs.Write32(x.ch+XDMARegCtrlW1S, XDMACtrlRun)
}

func (x *XDMA) Claim() Result {
	st := x.regs.Read32(x.ch+XDMARegStatus) & xdmaIntMask
	if st == 0 {
		return NotMine
	}

	// the channel keeps run set after a stop; clear it so the next Arm
	// starts a fresh chain
	x.regs.Write32(x.ch+XDMARegCtrlW1C, XDMACtrlRun)
	x.regs.Write32(x.ch+XDMARegStatus, st)

	if st&xdmaStatusErrors != 0 {
		slog.Warn("dma engine reported an error", "engine", x.p.Name, "status", fmt.Sprintf("%#x", st))
		return Failed
	}

	return Done
}
