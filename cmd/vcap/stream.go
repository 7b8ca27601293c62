package main

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/c35s/vcap/device"
	"github.com/c35s/vcap/format"
	"github.com/c35s/vcap/queue"
	"github.com/cavaliergopher/cpio"
)

// parseFormat parses WIDTHxHEIGHT:FOURCC, e.g. 1920x1080:YUYV.
func parseFormat(s string) (format.Format, error) {
	size, fcc, ok := strings.Cut(s, ":")
	if !ok {
		return format.Format{}, fmt.Errorf("format %q: want WIDTHxHEIGHT:FOURCC", s)
	}

	ws, hs, ok := strings.Cut(size, "x")
	if !ok {
		return format.Format{}, fmt.Errorf("format %q: want WIDTHxHEIGHT:FOURCC", s)
	}

	w, err := strconv.Atoi(ws)
	if err != nil {
		return format.Format{}, fmt.Errorf("format %q: width: %w", s, err)
	}

	h, err := strconv.Atoi(hs)
	if err != nil {
		return format.Format{}, fmt.Errorf("format %q: height: %w", s, err)
	}

	pix, err := format.ParseFourCC(fcc)
	if err != nil {
		return format.Format{}, err
	}

	return format.Normalize(format.Format{Width: w, Height: h, PixelFormat: pix})
}

// stream cycles a fixed set of buffers through one engine.
type stream struct {
	f      *device.File
	memory queue.Memory
	bufs   [][]byte // CPU view of each buffer
	failed int      // transfers the engine reported as failed
}

// newStream sets the format on f and requests count buffers. For pool
// memory, view maps each buffer's offset to its bytes; for user memory,
// alloc provides them.
func newStream(f *device.File, pix format.Format, count int, mem queue.Memory,
	alloc func(i, size int) ([]byte, error),
	view func(off, size int) ([]byte, error)) (*stream, error) {

	if err := f.Ioctl(device.CmdSetFormat, &pix); err != nil {
		return nil, fmt.Errorf("set format %v: %w", pix, err)
	}

	req := device.RequestBuffers{Count: count, Memory: mem}
	if err := f.Ioctl(device.CmdRequestBuffers, &req); err != nil {
		return nil, fmt.Errorf("request %d %v buffers: %w", count, mem, err)
	}

	if req.Count == 0 {
		return nil, errors.New("no buffers granted")
	}

	s := &stream{f: f, memory: mem, bufs: make([][]byte, req.Count)}

	for i := range s.bufs {
		b := queue.Buffer{Index: i}
		if err := f.Ioctl(device.CmdQueryBuffer, &b); err != nil {
			return nil, fmt.Errorf("query buffer %d: %w", i, err)
		}

		var err error
		if mem == queue.MemoryPool {
			s.bufs[i], err = view(b.Offset, b.Length)
		} else {
			s.bufs[i], err = alloc(i, b.Length)
		}

		if err != nil {
			return nil, fmt.Errorf("buffer %d: %w", i, err)
		}
	}

	return s, nil
}

func (s *stream) queue(i int) error {
	req := queue.EnqueueRequest{Index: i}
	if s.memory == queue.MemoryUserPtr {
		req.User = s.bufs[i]
	}

	if err := s.f.Ioctl(device.CmdQueueBuffer, &req); err != nil {
		return fmt.Errorf("queue buffer %d: %w", i, err)
	}

	return nil
}

// run queues every buffer, streams until frames buffers were handed to sink
// and streams off. Failed transfers are requeued without reaching sink.
// sink must not keep the slice.
func (s *stream) run(ctx context.Context, frames int, sink func(b queue.Buffer, p []byte) error) error {
	for i := range s.bufs {
		if err := s.queue(i); err != nil {
			return err
		}
	}

	if err := s.f.Ioctl(device.CmdStreamOn, nil); err != nil {
		return fmt.Errorf("stream on: %w", err)
	}

	defer s.f.Ioctl(device.CmdStreamOff, nil)

	for n := 0; n < frames; {
		select {
		case <-s.f.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}

		for n < frames {
			var b queue.Buffer

			err := s.f.Ioctl(device.CmdDequeueBuffer, &b)
			if errors.Is(err, queue.ErrWouldBlock) {
				break
			}

			if err != nil {
				return fmt.Errorf("dequeue: %w", err)
			}

			if b.Err != nil {
				s.failed++
				if err := s.queue(b.Index); err != nil {
					return err
				}

				continue
			}

			if err := sink(b, s.bufs[b.Index][:b.BytesUsed]); err != nil {
				return err
			}

			n++

			if err := s.queue(b.Index); err != nil {
				return err
			}
		}
	}

	return nil
}

// archive writes frames into a cpio archive, optionally gzipped.
type archive struct {
	zw *gzip.Writer
	cw *cpio.Writer
}

func newArchive(w io.Writer, compress bool) *archive {
	a := &archive{}
	if compress {
		a.zw = gzip.NewWriter(w)
		w = a.zw
	}

	a.cw = cpio.NewWriter(w)
	return a
}

// add writes one frame as <engine>/frame-<sequence>.raw.
func (a *archive) add(engine string, seq uint32, p []byte) error {
	err := a.cw.WriteHeader(&cpio.Header{
		Name: fmt.Sprintf("%s/frame-%06d.raw", engine, seq),
		Mode: 0644,
		Size: int64(len(p)),
	})

	if err != nil {
		return err
	}

	_, err = a.cw.Write(p)
	return err
}

func (a *archive) Close() error {
	if err := a.cw.Close(); err != nil {
		return err
	}

	if a.zw != nil {
		return a.zw.Close()
	}

	return nil
}
