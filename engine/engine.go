// Package engine drives the FPGA's DMA engines through their register files.
package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c35s/vcap/sg"
)

// Regs is a 32-bit register file, normally a mapped BAR.
type Regs interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Family identifies a DMA engine implementation.
type Family int

const (
	FamilyQDMAWrite Family = iota + 1 // job bridge, card to host
	FamilyQDMARead                    // job bridge, host to card
	FamilyXDMA                        // PG195 SGDMA channel, either direction
)

// Engine is one DMA engine. The set of implementations is closed: QDMAWrite,
// QDMARead and XDMA.
type Engine interface {
	Name() string
	Family() Family

	// Direction is the transfer direction as seen from host memory.
	Direction() sg.Direction

	// Window is the fixed card-side address of every transfer.
	Window() uint64

	// Start resets the engine and enables its interrupts. It does not arm it.
	Start() error

	// Stop disables interrupts, waits for the engine to go idle and resets it.
	// It returns ErrIdleTimeout if the engine was still busy after all
	// retries; the engine is reset regardless.
	Stop() error

	// Arm points the engine at a descriptor chain and runs it.
	Arm(addr uint64, adj uint32)

	// Claim reports whether the engine raised the current interrupt and how
	// the armed chain ended, and acknowledges the interrupt if it was ours.
	Claim() Result

	sealed()
}

// Result is what Claim found in the engine status.
type Result int

const (
	NotMine Result = iota // the engine did not raise the interrupt
	Done                  // the armed chain completed
	Failed                // the engine stopped the chain on an error
)

func (r Result) String() string {
	switch r {
	case NotMine:
		return "not mine"

	case Done:
		return "done"

	case Failed:
		return "failed"

	default:
		return fmt.Sprintf("Result(%d)", r)
	}
}

// Params configures an engine.
type Params struct {
	Name    string
	Channel int

	// Dir selects the XDMA target. QDMA engines have a fixed direction and
	// ignore it.
	Dir sg.Direction

	Window uint64

	// StopRetries and StopInterval bound the wait-for-idle poll in Stop.
	StopRetries  int
	StopInterval time.Duration
}

const (
	DefaultStopRetries  = 100
	DefaultStopInterval = 100 * time.Microsecond
)

var (
	ErrParams      = errors.New("engine: invalid parameters")
	ErrNoEngine    = errors.New("engine: no engine at register window")
	ErrIdleTimeout = errors.New("engine: timed out waiting for idle")
)

// New constructs an engine of the given family.
func New(f Family, regs Regs, p Params) (e Engine, err error) {
	switch f {
	case FamilyQDMAWrite:
		e, err = NewQDMAWrite(regs, p)

	case FamilyQDMARead:
		e, err = NewQDMARead(regs, p)

	case FamilyXDMA:
		e, err = NewXDMA(regs, p)

	default:
		err = fmt.Errorf("%w: family %v", ErrParams, f)
	}

	if err != nil {
		return nil, err
	}

	return e, nil
}

func (p Params) withDefaults() Params {
	if p.StopRetries == 0 {
		p.StopRetries = DefaultStopRetries
	}

	if p.StopInterval == 0 {
		p.StopInterval = DefaultStopInterval
	}

	return p
}

func (p Params) validate(maxChannels int) error {
	if p.Name == "" {
		return fmt.Errorf("%w: empty name", ErrParams)
	}

	if p.Channel < 0 || p.Channel >= maxChannels {
		return fmt.Errorf("%w: %s: channel %d not in [0, %d)", ErrParams, p.Name, p.Channel, maxChannels)
	}

	if p.StopRetries < 0 || p.StopInterval < 0 {
		return fmt.Errorf("%w: %s: negative stop poll", ErrParams, p.Name)
	}

	return nil
}

// waitIdle polls the status register at off until the busy bits clear.
func waitIdle(r Regs, off, busy uint32, retries int, interval time.Duration) bool {
	for i := 0; ; i++ {
		if r.Read32(off)&busy == 0 {
			return true
		}

		if i == retries {
			return false
		}

		time.Sleep(interval)
	}
}

// ParseFamily parses the names String returns.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(s) {
	case "qdma-write":
		return FamilyQDMAWrite, nil

	case "qdma-read":
		return FamilyQDMARead, nil

	case "xdma":
		return FamilyXDMA, nil

	default:
		return 0, fmt.Errorf("%w: unknown family %q", ErrParams, s)
	}
}

func (f Family) String() string {
	switch f {
	case FamilyQDMAWrite:
		return "qdma-write"

	case FamilyQDMARead:
		return "qdma-read"

	case FamilyXDMA:
		return "xdma"

	default:
		return fmt.Sprintf("Family(%d)", f)
	}
}
