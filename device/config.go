package device

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c35s/vcap/desc"
	"github.com/c35s/vcap/dma"
	"github.com/c35s/vcap/engine"
	"github.com/c35s/vcap/importer"
	"github.com/c35s/vcap/queue"
	"github.com/c35s/vcap/sg"
)

// Config describes a card.
type Config struct {

	// Engines lists the card's DMA engines. Engines sharing an interrupt
	// line are probed in this order.
	Engines []EngineConfig

	// MaxBuffers caps the buffer count of every queue.
	// If MaxBuffers is 0, queue.DefaultMaxBuffers is used.
	MaxBuffers int

	// BlockSize is the size of one descriptor block, which holds one chain.
	// If BlockSize is 0, desc.DefaultBlockSize is used.
	BlockSize int

	// StopRetries and StopInterval bound the wait for an engine to go idle
	// at stream off. Zero values select the engine defaults.
	StopRetries  int
	StopInterval time.Duration

	// Logger receives driver logs. If Logger is nil, slog.Default is used.
	Logger *slog.Logger
}

// EngineConfig describes one engine.
type EngineConfig struct {
	Name    string
	Family  engine.Family
	Dir     sg.Direction // XDMA only; QDMA engines have a fixed direction
	Channel int
	Window  uint64 // card-side address of every transfer
	IRQ     int
	BAR     int // index into Hardware.BARs
}

// Hardware is what the card is reached through.
type Hardware struct {

	// BARs are the card's register files.
	BARs []engine.Regs

	// Descriptors is the region descriptor blocks are carved from.
	Descriptors *dma.Region

	// Pool, if set, enables pool-offset buffers.
	Pool *dma.Region

	// Exporter, if set, enables shared-handle buffers.
	Exporter dma.Exporter

	// CPUAccess brackets shared buffers with begin/end CPU access calls.
	CPUAccess bool

	// Pinner and Pages import user-pointer buffers. If nil, pages are
	// locked with mlock and resolved through /proc/self/pagemap.
	Pinner importer.Pinner
	Pages  importer.PageResolver

	// Mapper translates physical to device addresses. If nil, they are equal.
	Mapper sg.Mapper
}

const MaxBuffersLimit = 256

var ErrConfig = errors.New("device: invalid config")

func (cfg Config) withDefaults() Config {
	if cfg.MaxBuffers == 0 {
		cfg.MaxBuffers = queue.DefaultMaxBuffers
	}

	if cfg.BlockSize == 0 {
		cfg.BlockSize = desc.DefaultBlockSize
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (cfg Config) validate() error {
	if len(cfg.Engines) == 0 {
		return errors.New("no engines")
	}

	if cfg.MaxBuffers < 0 || cfg.MaxBuffers > MaxBuffersLimit {
		return fmt.Errorf("max buffers %d not in [1, %d]", cfg.MaxBuffers, MaxBuffersLimit)
	}

	if cfg.BlockSize < desc.Size || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return fmt.Errorf("block size %d is not a power of two >= %d", cfg.BlockSize, desc.Size)
	}

	if cfg.StopRetries < 0 || cfg.StopInterval < 0 {
		return errors.New("negative stop poll")
	}

	seen := make(map[string]bool)
	for i, e := range cfg.Engines {
		if e.Name == "" {
			return fmt.Errorf("engine %d has no name", i)
		}

		if seen[e.Name] {
			return fmt.Errorf("duplicate engine %q", e.Name)
		}

		seen[e.Name] = true

		switch e.Family {
		case engine.FamilyQDMAWrite, engine.FamilyQDMARead:
		case engine.FamilyXDMA:
			if e.Dir != sg.ToDevice && e.Dir != sg.FromDevice {
				return fmt.Errorf("engine %q: xdma direction must be h2c or c2h", e.Name)
			}

		default:
			return fmt.Errorf("engine %q: unknown family %v", e.Name, e.Family)
		}

		if e.IRQ < 0 {
			return fmt.Errorf("engine %q: negative irq %d", e.Name, e.IRQ)
		}

		if e.BAR < 0 {
			return fmt.Errorf("engine %q: negative bar %d", e.Name, e.BAR)
		}
	}

	return nil
}
