package engine

// QDMA job bridge register map. Each engine owns a 0x100 byte window; write
// (card to host) and read (host to card) engines of a channel share a 0x200
// stride.

const (
	QDMAWriteBase     = 0x0000 // first write engine window
	QDMAReadBase      = 0x0100 // first read engine window
	QDMAChannelStride = 0x0200 // distance between channels
	QDMAMaxChannels   = 8
)

const (
	QDMARegID        = 0x00 // engine identification (R)
	QDMARegCtrl      = 0x04 // control (RW)
	QDMARegStatus    = 0x08 // status (R, W1C for done and error)
	QDMARegIntEnable = 0x0c // interrupt enable, status bit layout (RW)
	QDMARegDescLo    = 0x10 // chain head device address, low word (W)
	QDMARegDescHi    = 0x14 // chain head device address, high word (W)
	QDMARegDescAdj   = 0x18 // descriptors after the head (W)
)

// QDMA identification: magic in [31:16], 0 for write and 1 for read engines
// in [7:0].
const (
	QDMAIDMagic = 0x5144 // "QD"
	QDMAIDWrite = 0x00
	QDMAIDRead  = 0x01
)

// QDMA control bits
const (
	QDMACtrlRun   = 1 << 0 // fetch and run the armed chain; cleared by the engine when done
	QDMACtrlReset = 1 << 1 // reset the engine (self-clearing)
)

// QDMA status bits
const (
	QDMAStatusBusy  = 1 << 0 // a chain is running
	QDMAStatusDone  = 1 << 1 // the armed chain completed
	QDMAStatusError = 1 << 2 // the engine stopped on a bad descriptor
)

// XDMA (PG195) register map.

const (
	XDMAH2CChannelBase = 0x0000 // H2C channel register blocks
	XDMAC2HChannelBase = 0x1000 // C2H channel register blocks
	XDMAIRQBase        = 0x2000 // IRQ block
	XDMAH2CSGDMABase   = 0x4000 // H2C SGDMA register blocks
	XDMAC2HSGDMABase   = 0x5000 // C2H SGDMA register blocks
	XDMAChannelStride  = 0x0100 // distance between channels of one target
	XDMAMaxChannels    = 4
)

// XDMA channel registers

const (
	XDMARegID           = 0x00 // identifier (R)
	XDMARegCtrl         = 0x04 // control (RW)
	XDMARegCtrlW1S      = 0x08 // control, write 1 to set (W)
	XDMARegCtrlW1C      = 0x0c // control, write 1 to clear (W)
	XDMARegStatus       = 0x40 // status (RW1C)
	XDMARegStatusRC     = 0x44 // status, clear on read (RC)
	XDMARegCompleted    = 0x48 // completed descriptor count (R)
	XDMARegIntEnable    = 0x90 // interrupt enable mask (RW)
	XDMARegIntEnableW1S = 0x94 // interrupt enable mask, write 1 to set (W)
	XDMARegIntEnableW1C = 0x98 // interrupt enable mask, write 1 to clear (W)
)

// XDMA SGDMA registers

const (
	XDMARegDescLo  = 0x80 // first descriptor address, low word (RW)
	XDMARegDescHi  = 0x84 // first descriptor address, high word (RW)
	XDMARegDescAdj = 0x88 // adjacent descriptors after the first (RW)

	XDMAMaxAdjacent = 0x3f // width of the adjacent count
)

// XDMA IRQ block registers

const (
	XDMARegChanIntEnable    = 0x10 // channel interrupt enable mask (RW)
	XDMARegChanIntEnableW1S = 0x14 // channel interrupt enable mask, write 1 to set (W)
	XDMARegChanIntEnableW1C = 0x18 // channel interrupt enable mask, write 1 to clear (W)
	XDMARegChanIntPending   = 0x4c // channel interrupt pending (R)
)

// XDMA identification: [31:20] is 0x1fc, [19:16] is 0 for H2C and 1 for C2H.
const (
	XDMAIDMagic = 0x1fc
	XDMAIDH2C   = 0x0
	XDMAIDC2H   = 0x1
)

// XDMA control bits; the ie bits share the status bit layout.
const (
	XDMACtrlRun        = 1 << 0
	XDMACtrlNonIncAddr = 1 << 25 // fixed card-side address
)

// XDMA status bits
const (
	XDMAStatusBusy          = 1 << 0
	XDMAStatusDescStopped   = 1 << 1 // stopped at a descriptor with the stop flag
	XDMAStatusDescCompleted = 1 << 2 // completed a descriptor with the completed flag
	XDMAStatusAlignMismatch = 1 << 3
	XDMAStatusMagicStopped  = 1 << 4 // descriptor with a bad magic
	XDMAStatusInvalidLength = 1 << 5
	XDMAStatusIdleStopped   = 1 << 6
	XDMAStatusReadError     = 0x1f << 9
	XDMAStatusDescError     = 0x1f << 19

	xdmaStatusDone   = XDMAStatusDescStopped | XDMAStatusDescCompleted
	xdmaStatusErrors = XDMAStatusAlignMismatch | XDMAStatusMagicStopped | XDMAStatusInvalidLength |
		XDMAStatusReadError | XDMAStatusDescError
)

// XDMAChanIntBit returns the IRQ block bit of a channel. H2C channels use
// bits [3:0], C2H channels bits [7:4].
func XDMAChanIntBit(c2h bool, ch int) uint32 {
	if c2h {
		return 1 << (XDMAMaxChannels + ch)
	}

	return 1 << ch
}
