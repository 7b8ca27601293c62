package sim

import (
	"github.com/c35s/vcap/engine"
	"github.com/c35s/vcap/sg"
)

// Read32 implements engine.Regs. Unmapped offsets read as zero.
func (c *Card) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if off >= engine.XDMAIRQBase && off < engine.XDMAIRQBase+0x100 {
		return c.readIRQBlock(off - engine.XDMAIRQBase)
	}

	for _, e := range c.engines {
		switch {
		case off >= e.base && off < e.base+0x100:
			if e.Family == engine.FamilyXDMA {
				return e.readXDMA(off - e.base)
			}

			return e.readQDMA(off - e.base)

		case e.Family == engine.FamilyXDMA && off >= e.sgdma && off < e.sgdma+0x100:
			return e.readSGDMA(off - e.sgdma)
		}
	}

	return 0
}

// Write32 implements engine.Regs. Writes to unmapped offsets are ignored.
func (c *Card) Write32(off uint32, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if off >= engine.XDMAIRQBase && off < engine.XDMAIRQBase+0x100 {
		c.writeIRQBlock(off-engine.XDMAIRQBase, v)
		return
	}

	for _, e := range c.engines {
		switch {
		case off >= e.base && off < e.base+0x100:
			if e.Family == engine.FamilyXDMA {
				c.writeXDMA(e, off-e.base, v)
			} else {
				c.writeQDMA(e, off-e.base, v)
			}

			return

		case e.Family == engine.FamilyXDMA && off >= e.sgdma && off < e.sgdma+0x100:
			e.writeSGDMA(off-e.sgdma, v)
			return
		}
	}
}

func statusBusy(e *eng) uint32 {
	if e.Family == engine.FamilyXDMA {
		return engine.XDMAStatusBusy
	}

	return engine.QDMAStatusBusy
}

// pending reports whether e asserts its interrupt line.
func (c *Card) pending(e *eng) bool {
	if e.Family == engine.FamilyXDMA {
		bit := engine.XDMAChanIntBit(e.Dir == sg.FromDevice, e.Channel.Channel)
		return e.status&e.ie != 0 && c.xdmaIE&bit != 0
	}

	return e.status&e.ie&(engine.QDMAStatusDone|engine.QDMAStatusError) != 0
}

// start begins running the chain in the descriptor registers.
func (c *Card) start(e *eng) {
	addr := uint64(e.descHi)<<32 | uint64(e.descLo)
	e.arms = append(e.arms, Arm{Addr: addr, Adj: e.adj})
	e.status |= statusBusy(e)

	if c.auto && !e.stalled {
		c.run(e)
	}
}

// reset returns e to idle. A stalled engine recovers.
func (e *eng) reset() {
	e.ctrl = 0
	e.status = 0
	e.stalled = false
}

func (e *eng) readQDMA(reg uint32) uint32 {
	switch reg {
	case engine.QDMARegID:
		id := uint32(engine.QDMAIDWrite)
		if e.Family == engine.FamilyQDMARead {
			id = engine.QDMAIDRead
		}

		return engine.QDMAIDMagic<<16 | id

	case engine.QDMARegCtrl:
		return e.ctrl

	case engine.QDMARegStatus:
		return e.status

	case engine.QDMARegIntEnable:
		return e.ie

	case engine.QDMARegDescLo:
		return e.descLo

	case engine.QDMARegDescHi:
		return e.descHi

	case engine.QDMARegDescAdj:
		return e.adj

	default:
		return 0
	}
}

func (c *Card) writeQDMA(e *eng, reg uint32, v uint32) {
	switch reg {
	case engine.QDMARegCtrl:
		if v&engine.QDMACtrlReset != 0 {
			e.reset()
			return
		}

		if v&engine.QDMACtrlRun != 0 && e.ctrl&engine.QDMACtrlRun == 0 {
			e.ctrl |= engine.QDMACtrlRun
			c.start(e)
		}

	case engine.QDMARegStatus:
		e.status &^= v & (engine.QDMAStatusDone | engine.QDMAStatusError)

	case engine.QDMARegIntEnable:
		e.ie = v

	case engine.QDMARegDescLo:
		e.descLo = v

	case engine.QDMARegDescHi:
		e.descHi = v

	case engine.QDMARegDescAdj:
		e.adj = v
	}
}

func (e *eng) readXDMA(reg uint32) uint32 {
	switch reg {
	case engine.XDMARegID:
		target := uint32(engine.XDMAIDH2C)
		if e.Dir == sg.FromDevice {
			target = engine.XDMAIDC2H
		}

		return engine.XDMAIDMagic<<20 | target<<16 | uint32(e.Channel.Channel)<<8

	case engine.XDMARegCtrl:
		return e.ctrl

	case engine.XDMARegStatus:
		return e.status

	case engine.XDMARegStatusRC:
		st := e.status
		e.status &= engine.XDMAStatusBusy
		return st

	case engine.XDMARegCompleted:
		return e.completed

	case engine.XDMARegIntEnable:
		return e.ie

	default:
		return 0
	}
}

func (c *Card) writeXDMA(e *eng, reg uint32, v uint32) {
	ctrl := e.ctrl

	switch reg {
	case engine.XDMARegCtrl:
		ctrl = v

	case engine.XDMARegCtrlW1S:
		ctrl |= v

	case engine.XDMARegCtrlW1C:
		ctrl &^= v

	case engine.XDMARegStatus:
		e.status &^= v &^ engine.XDMAStatusBusy

	case engine.XDMARegIntEnable:
		e.ie = v

	case engine.XDMARegIntEnableW1S:
		e.ie |= v

	case engine.XDMARegIntEnableW1C:
		e.ie &^= v
	}

	was := e.ctrl & engine.XDMACtrlRun
	e.ctrl = ctrl

	switch now := ctrl & engine.XDMACtrlRun; {
	case now != 0 && was == 0:
		c.start(e)

	case now == 0 && was != 0 && !e.stalled:
		// clearing run stops the channel at the next descriptor boundary
		e.status &^= engine.XDMAStatusBusy
	}
}

func (e *eng) readSGDMA(reg uint32) uint32 {
	switch reg {
	case engine.XDMARegDescLo:
		return e.descLo

	case engine.XDMARegDescHi:
		return e.descHi

	case engine.XDMARegDescAdj:
		return e.adj

	default:
		return 0
	}
}

func (e *eng) writeSGDMA(reg uint32, v uint32) {
	switch reg {
	case engine.XDMARegDescLo:
		e.descLo = v

	case engine.XDMARegDescHi:
		e.descHi = v

	case engine.XDMARegDescAdj:
		e.adj = v
	}
}

func (c *Card) readIRQBlock(reg uint32) uint32 {
	switch reg {
	case engine.XDMARegChanIntEnable:
		return c.xdmaIE

	case engine.XDMARegChanIntPending:
		var p uint32
		for _, e := range c.engines {
			if e.Family == engine.FamilyXDMA && c.pending(e) {
				p |= engine.XDMAChanIntBit(e.Dir == sg.FromDevice, e.Channel.Channel)
			}
		}

		return p

	default:
		return 0
	}
}

func (c *Card) writeIRQBlock(reg uint32, v uint32) {
	switch reg {
	case engine.XDMARegChanIntEnable:
		c.xdmaIE = v

	case engine.XDMARegChanIntEnableW1S:
		c.xdmaIE |= v

	case engine.XDMARegChanIntEnableW1C:
		c.xdmaIE &^= v
	}
}
