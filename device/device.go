// Package device exposes a card's DMA engines as capture devices: one queue
// per engine, file handles with an ioctl-style command set, and interrupt
// dispatch for lines shared between engines.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/c35s/vcap/desc"
	"github.com/c35s/vcap/engine"
	"github.com/c35s/vcap/importer"
	"github.com/c35s/vcap/metrics"
	"github.com/c35s/vcap/queue"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Device is a probed card.
type Device struct {
	log   *slog.Logger
	pool  *desc.Pool
	nodes []*node
	lines map[int][]*node // irq:engines, in config order
	irqs  []int

	mu     sync.Mutex
	closed bool
}

// node is one engine and its queue.
type node struct {
	cfg EngineConfig
	q   *queue.Queue

	mu    sync.Mutex
	owner *File
}

// IRQSource delivers interrupts. WaitIRQ blocks until irq fires or ctx is done.
type IRQSource interface {
	WaitIRQ(ctx context.Context, irq int) error
}

// Info describes one engine.
type Info struct {
	Config EngineConfig
	Stats  queue.Stats
}

var (
	ErrHardware = errors.New("device: invalid hardware")
	ErrProbe    = errors.New("device: probe failed")
	ErrNoEngine = fmt.Errorf("device: no such engine: %w", unix.ENODEV)
	ErrClosed   = fmt.Errorf("device: closed: %w", unix.ENODEV)
	ErrIRQ      = errors.New("device: interrupt wait failed")
)

// New probes the engines in cfg and creates their queues.
func New(cfg Config, hw Hardware) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if hw.Descriptors == nil {
		return nil, fmt.Errorf("%w: no descriptor region", ErrHardware)
	}

	pool, err := desc.NewPool(hw.Descriptors, cfg.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHardware, err)
	}

	d := &Device{
		log:   cfg.Logger,
		pool:  pool,
		lines: make(map[int][]*node),
	}

	imps := importers(hw)

	for _, ec := range cfg.Engines {
		if ec.BAR >= len(hw.BARs) {
			return nil, fmt.Errorf("%w: engine %q: no bar %d", ErrHardware, ec.Name, ec.BAR)
		}

		eng, err := engine.New(ec.Family, hw.BARs[ec.BAR], engine.Params{
			Name:         ec.Name,
			Channel:      ec.Channel,
			Dir:          ec.Dir,
			Window:       ec.Window,
			StopRetries:  cfg.StopRetries,
			StopInterval: cfg.StopInterval,
		})

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProbe, err)
		}

		// QDMA engines fix their own direction
		ec.Dir = eng.Direction()

		n := &node{
			cfg: ec,
			q: queue.New(eng, queue.Config{
				Descriptors: pool,
				Importers:   imps,
				MaxBuffers:  cfg.MaxBuffers,
				Logger:      cfg.Logger,
			}),
		}

		d.nodes = append(d.nodes, n)
		d.lines[ec.IRQ] = append(d.lines[ec.IRQ], n)

		if !slices.Contains(d.irqs, ec.IRQ) {
			d.irqs = append(d.irqs, ec.IRQ)
		}

		d.log.Info("engine probed",
			"engine", ec.Name,
			"family", ec.Family.String(),
			"dir", ec.Dir.String(),
			"irq", ec.IRQ)
	}

	return d, nil
}

func importers(hw Hardware) []importer.Importer {
	pin := hw.Pinner
	if pin == nil {
		pin = importer.MlockPinner{}
	}

	pages := hw.Pages
	if pages == nil {
		pages = importer.Pagemap{}
	}

	imps := []importer.Importer{
		&importer.UserPtr{Pin: pin, Pages: pages, Mapper: hw.Mapper},
	}

	if hw.Exporter != nil {
		imps = append(imps, &importer.Shared{Exporter: hw.Exporter, CPUAccess: hw.CPUAccess})
	}

	if hw.Pool != nil {
		imps = append(imps, &importer.Pool{Region: hw.Pool, Mapper: hw.Mapper})
	}

	return imps
}

// Open returns a new file handle on the named engine.
func (d *Device) Open(name string) (*File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	for _, n := range d.nodes {
		if n.cfg.Name == name {
			return &File{d: d, n: n}, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrNoEngine, name)
}

// Engines describes the probed engines in config order.
func (d *Device) Engines() []Info {
	info := make([]Info, len(d.nodes))
	for i, n := range d.nodes {
		info[i] = Info{Config: n.cfg, Stats: n.q.Stats()}
	}

	return info
}

// IRQs returns the interrupt lines in use, in config order.
func (d *Device) IRQs() []int {
	return slices.Clone(d.irqs)
}

// Dispatch runs the completion handler of every engine on line irq, in
// config order, and reports whether any of them claimed the interrupt.
func (d *Device) Dispatch(irq int) bool {
	handled := false
	for _, n := range d.lines[irq] {
		if n.q.HandleIRQ() {
			handled = true
		}
	}

	metrics.IRQ(irq, handled)

	if !handled {
		d.log.Debug("spurious interrupt", "irq", irq)
	}

	return handled
}

// Run waits for interrupts on every line in use and dispatches them, one
// goroutine per line. It returns nil when ctx is done, or the first wait
// error.
func (d *Device) Run(ctx context.Context, src IRQSource) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, irq := range d.irqs {
		g.Go(func() error {
			for {
				if err := src.WaitIRQ(gctx, irq); err != nil {
					if gctx.Err() != nil {
						return nil
					}

					return fmt.Errorf("%w: line %d: %w", ErrIRQ, irq, err)
				}

				d.Dispatch(irq)
			}
		})
	}

	return g.Wait()
}

// Close stops every engine and frees all buffers. Open files fail with
// ErrClosed afterwards.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}

	d.closed = true
	d.mu.Unlock()

	for _, n := range d.nodes {
		n.q.Close()

		n.mu.Lock()
		n.owner = nil
		n.mu.Unlock()
	}

	if inuse := d.pool.InUse(); inuse != 0 {
		d.log.Error("descriptor blocks leaked", "blocks", inuse)
	}

	return nil
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closed
}
