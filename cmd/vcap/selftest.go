package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/c35s/vcap/desc"
	"github.com/c35s/vcap/device"
	"github.com/c35s/vcap/dma"
	"github.com/c35s/vcap/engine"
	"github.com/c35s/vcap/queue"
	"github.com/c35s/vcap/sg"
	"github.com/c35s/vcap/sim"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type selftestOptions struct {
	format  string
	frames  int
	buffers int
	out     string
	gzip    bool
}

// selftestEngines share one interrupt line, so dispatch probes both.
var selftestEngines = []device.EngineConfig{
	{Name: "qdma0", Family: engine.FamilyQDMAWrite, Window: 0x8000_0000, IRQ: 0},
	{Name: "xdma0", Family: engine.FamilyXDMA, Dir: sg.FromDevice, Window: 0x8000_0000, IRQ: 0},
}

type selftestResult struct {
	Engine string
	Frames int
	Bytes  int
}

func newSelftestCmd(a *app) *cobra.Command {
	var opts selftestOptions

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Stream frames through a simulated card",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a.serveMetrics(ctx)

			var ar *archive
			if opts.out != "" {
				f, err := os.Create(opts.out)
				if err != nil {
					return err
				}

				defer f.Close()
				ar = newArchive(f, opts.gzip)
			}

			res, err := selftest(ctx, a.log, opts, ar)
			if err != nil {
				return err
			}

			if ar != nil {
				if err := ar.Close(); err != nil {
					return err
				}
			}

			printResults(cmd.OutOrStdout(), res)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&opts.format, "format", "f", "640x480:YUYV", "frame format WIDTHxHEIGHT:FOURCC")
	fs.IntVarP(&opts.frames, "frames", "n", 60, "frames per engine")
	fs.IntVar(&opts.buffers, "buffers", 4, "buffers per engine")
	fs.StringVarP(&opts.out, "out", "o", "", "also write the frames to this cpio archive")
	fs.BoolVarP(&opts.gzip, "gzip", "z", false, "gzip the archive")

	return cmd
}

// resident pins nothing: region memory is mapped and locked by its owner.
type resident struct{}

func (resident) Pin([]byte) error   { return nil }
func (resident) Unpin([]byte) error { return nil }

// selftest runs every selftest engine concurrently on a simulated card and
// checks each frame's fill pattern. ar may be nil.
func selftest(ctx context.Context, log *slog.Logger, opts selftestOptions, ar *archive) ([]selftestResult, error) {
	pix, err := parseFormat(opts.format)
	if err != nil {
		return nil, err
	}

	const page = 4096

	var (
		nbuf   = len(selftestEngines) * opts.buffers
		stride = (pix.SizeImage + page - 1) &^ (page - 1)
	)

	descs, err := dma.New(nbuf*desc.DefaultBlockSize, 0x10_0000)
	if err != nil {
		return nil, err
	}

	defer descs.Close()

	data, err := dma.New(nbuf*stride, 0x1_0000_0000)
	if err != nil {
		return nil, err
	}

	defer data.Close()

	chans := make([]sim.Channel, len(selftestEngines))
	for i, e := range selftestEngines {
		chans[i] = sim.Channel{
			Name:    e.Name,
			Family:  e.Family,
			Channel: e.Channel,
			Dir:     e.Dir,
			Window:  e.Window,
			IRQ:     e.IRQ,
		}
	}

	card, err := sim.New(chans, dma.Space{descs, data}.At)
	if err != nil {
		return nil, err
	}

	card.SetAuto(true)

	dev, err := device.New(device.Config{
		Engines:    selftestEngines,
		MaxBuffers: opts.buffers,
		Logger:     log,
	}, device.Hardware{
		BARs:        []engine.Regs{card},
		Descriptors: descs,
		Pinner:      resident{},
		Pages:       data,
	})

	if err != nil {
		return nil, err
	}

	defer dev.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- dev.Run(ctx, card) }()

	var (
		mu  sync.Mutex
		res = make([]selftestResult, len(selftestEngines))
	)

	g, gctx := errgroup.WithContext(ctx)

	for ei, ec := range selftestEngines {
		g.Go(func() error {
			f, err := dev.Open(ec.Name)
			if err != nil {
				return err
			}

			defer f.Close()

			alloc := func(i, size int) ([]byte, error) {
				return data.Slice((ei*opts.buffers+i)*stride, size)
			}

			s, err := newStream(f, pix, opts.buffers, queue.MemoryUserPtr, alloc, nil)
			if err != nil {
				return fmt.Errorf("%s: %w", ec.Name, err)
			}

			r := &res[ei]
			r.Engine = ec.Name

			err = s.run(gctx, opts.frames, func(b queue.Buffer, p []byte) error {
				want := sim.Pattern(int(b.Sequence))
				if len(p) != pix.SizeImage || p[0] != want || p[len(p)-1] != want {
					return fmt.Errorf("%s: frame %d: %d bytes, pattern %#x, want %#x", ec.Name, b.Sequence, len(p), p[0], want)
				}

				r.Frames++
				r.Bytes += len(p)

				if ar == nil {
					return nil
				}

				mu.Lock()
				defer mu.Unlock()

				return ar.add(ec.Name, b.Sequence, p)
			})

			if err == nil && s.failed > 0 {
				err = fmt.Errorf("%s: %d failed transfers", ec.Name, s.failed)
			}

			return err
		})
	}

	err = g.Wait()

	cancel()
	if rerr := <-runDone; err == nil {
		err = rerr
	}

	if err != nil {
		return nil, err
	}

	for _, r := range res {
		frames, _ := card.Frames(r.Engine)
		log.Info("selftest engine done", "engine", r.Engine, "frames", r.Frames, "card_frames", frames)
	}

	return res, nil
}

func printResults(w io.Writer, res []selftestResult) {
	for _, r := range res {
		fmt.Fprintf(w, "%-8s %6d frames %12d bytes  ok\n", r.Engine, r.Frames, r.Bytes)
	}
}
