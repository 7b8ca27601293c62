package engine

import (
	"fmt"
	"log/slog"

	"github.com/c35s/vcap/sg"
)

// QDMAWrite is a job bridge engine that moves frames from the card into host
// memory.
type QDMAWrite struct{ qdma }

// QDMARead is a job bridge engine that moves frames from host memory to the
// card.
type QDMARead struct{ qdma }

type qdma struct {
	regs Regs
	base uint32
	id   uint32
	dir  sg.Direction
	p    Params
}

func NewQDMAWrite(regs Regs, p Params) (*QDMAWrite, error) {
	q, err := newQDMA(regs, p, QDMAWriteBase, QDMAIDWrite, sg.FromDevice)
	if err != nil {
		return nil, err
	}

	return &QDMAWrite{q}, nil
}

func NewQDMARead(regs Regs, p Params) (*QDMARead, error) {
	q, err := newQDMA(regs, p, QDMAReadBase, QDMAIDRead, sg.ToDevice)
	if err != nil {
		return nil, err
	}

	return &QDMARead{q}, nil
}

func newQDMA(regs Regs, p Params, base uint32, id uint32, dir sg.Direction) (qdma, error) {
	p = p.withDefaults()
	if err := p.validate(QDMAMaxChannels); err != nil {
		return qdma{}, err
	}

	return qdma{
		regs: regs,
		base: base + uint32(p.Channel)*QDMAChannelStride,
		id:   QDMAIDMagic<<16 | id,
		dir:  dir,
		p:    p,
	}, nil
}

func (q *qdma) Name() string            { return q.p.Name }
func (q *qdma) Direction() sg.Direction { return q.dir }
func (q *qdma) Window() uint64          { return q.p.Window }
func (q *qdma) sealed()                 {}

func (*QDMAWrite) Family() Family { return FamilyQDMAWrite }
func (*QDMARead) Family() Family  { return FamilyQDMARead }

func (q *qdma) read(reg uint32) uint32 {
	return q.regs.Read32(q.base + reg)
}

func (q *qdma) write(reg uint32, v uint32) {
	q.regs.Write32(q.base+reg, v)
}

func (q *qdma) Start() error {
	if id := q.read(QDMARegID); id != q.id {
		return fmt.Errorf("%w: %s: id %#08x at %#x, want %#08x", ErrNoEngine, q.p.Name, id, q.base, q.id)
	}

	q.write(QDMARegCtrl, QDMACtrlReset)
	q.write(QDMARegStatus, QDMAStatusDone|QDMAStatusError)
	q.write(QDMARegIntEnable, QDMAStatusDone|QDMAStatusError)

	return nil
}

func (q *qdma) Stop() error {
	q.write(QDMARegIntEnable, 0)

	idle := waitIdle(q.regs, q.base+QDMARegStatus, QDMAStatusBusy, q.p.StopRetries, q.p.StopInterval)

	q.write(QDMARegCtrl, QDMACtrlReset)
	q.write(QDMARegStatus, QDMAStatusDone|QDMAStatusError)

	if !idle {
		return fmt.Errorf("%w: %s after %d polls", ErrIdleTimeout, q.p.Name, q.p.StopRetries)
	}

	return nil
}

func (q *qdma) Arm(addr uint64, adj uint32) {
	q.write(QDMARegDescLo, uint32(addr))
	q.write(QDMARegDescHi, uint32(addr>>32))
	q.write(QDMARegDescAdj, adj)
	q.write(QDMARegCtrl, QDMACtrlRun)
}

func (q *qdma) Claim() Result {
	st := q.read(QDMARegStatus) & (QDMAStatusDone | QDMAStatusError)
	if st == 0 {
		return NotMine
	}

	q.write(QDMARegStatus, st)

	if st&QDMAStatusError != 0 {
		slog.Warn("dma engine reported an error", "engine", q.p.Name, "status", fmt.Sprintf("%#x", st))
		return Failed
	}

	return Done
}
