package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/c35s/vcap/config"
	"github.com/c35s/vcap/device"
	"github.com/c35s/vcap/dma"
	"github.com/c35s/vcap/importer"
	"github.com/c35s/vcap/queue"
	"github.com/c35s/vcap/uio"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

type captureOptions struct {
	engine  string
	format  string
	frames  int
	buffers int
	memory  string
	out     string
	gzip    bool
}

func newCaptureCmd(a *app) *cobra.Command {
	var opts captureOptions

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture frames from an engine into a cpio archive",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.capture(cmd.Context(), opts)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&opts.engine, "engine", "e", "", "engine to capture from (default: the first configured)")
	fs.StringVarP(&opts.format, "format", "f", "1920x1080:YUYV", "frame format WIDTHxHEIGHT:FOURCC")
	fs.IntVarP(&opts.frames, "frames", "n", 100, "number of frames to capture")
	fs.IntVar(&opts.buffers, "buffers", 4, "number of buffers to cycle")
	fs.StringVar(&opts.memory, "memory", "", "buffer memory: userptr or mmap (default: mmap if a pool region is configured)")
	fs.StringVarP(&opts.out, "out", "o", "frames.cpio", "output archive, - for stdout")
	fs.BoolVarP(&opts.gzip, "gzip", "z", false, "gzip the archive")

	return cmd
}

// hardware is the host side of a real card.
type hardware struct {
	device.Hardware
	lines uio.Lines

	closers []io.Closer
}

func openHardware(cfg *config.Config) (_ *hardware, err error) {
	hw := &hardware{lines: make(uio.Lines)}

	defer func() {
		if err != nil {
			hw.Close()
		}
	}()

	for _, n := range cfg.Hardware.BARs {
		bar, err := uio.OpenBAR(cfg.Hardware.UIO, n)
		if err != nil {
			return nil, fmt.Errorf("bar %d: %w", n, err)
		}

		hw.closers = append(hw.closers, bar)
		hw.BARs = append(hw.BARs, bar)
	}

	devs := make(map[string]*uio.Device)
	for line, name := range cfg.Hardware.IRQs {
		d, ok := devs[name]
		if !ok {
			if d, err = uio.Open(name); err != nil {
				return nil, fmt.Errorf("irq %d: %w", line, err)
			}

			devs[name] = d
			hw.closers = append(hw.closers, d)
		}

		hw.lines[line] = d
	}

	if hw.Descriptors, err = dma.Open(cfg.Hardware.Descriptors); err != nil {
		return nil, err
	}

	hw.closers = append(hw.closers, hw.Descriptors)

	if cfg.Hardware.Pool != "" {
		if hw.Pool, err = dma.Open(cfg.Hardware.Pool); err != nil {
			return nil, err
		}

		hw.closers = append(hw.closers, hw.Pool)
	}

	return hw, nil
}

func (hw *hardware) Close() error {
	var errs []error
	for i := len(hw.closers) - 1; i >= 0; i-- {
		errs = append(errs, hw.closers[i].Close())
	}

	return errors.Join(errs...)
}

func (a *app) capture(ctx context.Context, opts captureOptions) error {
	pix, err := parseFormat(opts.format)
	if err != nil {
		return err
	}

	if len(a.cfg.Engines) == 0 {
		return errors.New("no engines configured")
	}

	if opts.engine == "" {
		opts.engine = a.cfg.Engines[0].Name
	}

	if _, ok := a.cfg.Engine(opts.engine); !ok {
		return fmt.Errorf("engine %q is not configured (have %v)", opts.engine, engines(a.cfg))
	}

	mem := queue.MemoryUserPtr
	switch {
	case opts.memory != "":
		if mem, err = importer.ParseKind(opts.memory); err != nil {
			return err
		}

	case a.cfg.Hardware.Pool != "":
		mem = queue.MemoryPool
	}

	dc, err := a.cfg.Device(a.log)
	if err != nil {
		return err
	}

	hw, err := openHardware(a.cfg)
	if err != nil {
		return err
	}

	defer hw.Close()

	dev, err := device.New(dc, hw.Hardware)
	if err != nil {
		return err
	}

	defer dev.Close()

	ctx, cancel := context.WithCancel(ctx)

	var (
		runErr  error
		runDone = make(chan struct{})
	)

	go func() {
		runErr = dev.Run(ctx, hw.lines)
		close(runDone)
	}()

	// the interrupt loops exit before the hardware is closed
	defer func() {
		cancel()
		<-runDone
	}()

	a.serveMetrics(ctx)

	f, err := dev.Open(opts.engine)
	if err != nil {
		return err
	}

	defer f.Close()

	s, err := newStream(f, pix, opts.buffers, mem, hw.userBuffer, func(off, size int) ([]byte, error) {
		return hw.Pool.Slice(off, size)
	})

	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if opts.out != "-" {
		file, err := os.Create(opts.out)
		if err != nil {
			return err
		}

		defer file.Close()
		out = file
	}

	ar := newArchive(out, opts.gzip)
	prog := newProgress(opts.frames)

	a.log.Info("capture starting",
		"engine", opts.engine,
		"format", pix.String(),
		"memory", mem.String(),
		"buffers", len(s.bufs),
		"frames", opts.frames)

	start := time.Now()

	err = s.run(ctx, opts.frames, func(b queue.Buffer, p []byte) error {
		prog.frame(len(p))
		return ar.add(opts.engine, b.Sequence, p)
	})

	prog.done()

	if err != nil {
		cancel()
		<-runDone

		return errors.Join(err, runErr)
	}

	if err := ar.Close(); err != nil {
		return err
	}

	a.log.Info("capture done",
		"frames", opts.frames,
		"failed", s.failed,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// userBuffer allocates page-aligned user memory for a user-pointer buffer.
// It is unmapped when hw is closed, after the device has let go of it.
func (hw *hardware) userBuffer(_, size int) ([]byte, error) {
	p, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	hw.closers = append(hw.closers, anon(p))
	return p, nil
}

// anon is an anonymous mapping.
type anon []byte

func (p anon) Close() error {
	return unix.Munmap(p)
}

// progress prints a live frame counter when stderr is a terminal.
type progress struct {
	total int
	n     int
	bytes int
	start time.Time
	tty   bool
}

func newProgress(total int) *progress {
	return &progress{
		total: total,
		start: time.Now(),
		tty:   term.IsTerminal(int(os.Stderr.Fd())),
	}
}

func (p *progress) frame(size int) {
	p.n++
	p.bytes += size

	if !p.tty {
		return
	}

	secs := time.Since(p.start).Seconds()
	if secs == 0 {
		secs = 1e-9
	}

	fmt.Fprintf(os.Stderr, "\r%d/%d frames  %.1f fps  %.1f MiB/s",
		p.n, p.total, float64(p.n)/secs, float64(p.bytes)/secs/(1<<20))
}

func (p *progress) done() {
	if p.tty {
		fmt.Fprintln(os.Stderr)
	}
}

// engines lists the configured engine names, for error messages.
func engines(cfg *config.Config) []string {
	names := make([]string, len(cfg.Engines))
	for i, e := range cfg.Engines {
		names[i] = e.Name
	}

	return names
}
