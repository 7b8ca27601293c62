package device

import (
	"fmt"
	"sync"

	"github.com/c35s/vcap/format"
	"github.com/c35s/vcap/queue"
	"golang.org/x/sys/unix"
)

// File is an open handle on one engine. The first file to request buffers
// owns the queue until it frees them or closes; other files may read the
// format and query buffers but get EBUSY for everything else.
type File struct {
	d *Device
	n *node

	mu     sync.Mutex
	closed bool
}

// Cmd is an ioctl command.
type Cmd int

const (
	CmdGetFormat      Cmd = iota + 1 // arg *format.Format
	CmdSetFormat                     // arg *format.Format, normalized in place
	CmdRequestBuffers                // arg *RequestBuffers, count updated in place
	CmdQueryBuffer                   // arg *queue.Buffer, by Index
	CmdQueueBuffer                   // arg *queue.EnqueueRequest
	CmdDequeueBuffer                 // arg *queue.Buffer
	CmdStreamOn                      // arg nil
	CmdStreamOff                     // arg nil or *[]queue.Buffer for the canceled buffers
)

// RequestBuffers is the argument of CmdRequestBuffers.
type RequestBuffers struct {
	Count  int
	Memory queue.Memory
}

var (
	ErrCmd      = fmt.Errorf("device: unknown command: %w", unix.ENOTTY)
	ErrArg      = fmt.Errorf("device: bad command argument: %w", unix.EINVAL)
	ErrNotOwner = fmt.Errorf("device: queue is owned by another file: %w", unix.EBUSY)
	ErrFile     = fmt.Errorf("device: file is closed: %w", unix.EBADF)
)

// Name returns the engine name.
func (f *File) Name() string {
	return f.n.cfg.Name
}

// Ioctl runs cmd with its argument.
func (f *File) Ioctl(cmd Cmd, arg any) error {
	if err := f.check(); err != nil {
		return err
	}

	q := f.n.q

	switch cmd {
	case CmdGetFormat:
		p, ok := arg.(*format.Format)
		if !ok {
			return argError(cmd, arg)
		}

		*p = q.Format()
		return nil

	case CmdSetFormat:
		p, ok := arg.(*format.Format)
		if !ok {
			return argError(cmd, arg)
		}

		if err := f.owned(false); err != nil {
			return err
		}

		n, err := q.SetFormat(*p)
		if err != nil {
			return err
		}

		*p = n
		return nil

	case CmdRequestBuffers:
		p, ok := arg.(*RequestBuffers)
		if !ok {
			return argError(cmd, arg)
		}

		return f.requestBuffers(p)

	case CmdQueryBuffer:
		p, ok := arg.(*queue.Buffer)
		if !ok {
			return argError(cmd, arg)
		}

		b, err := q.QueryBuffer(p.Index)
		if err != nil {
			return err
		}

		*p = b
		return nil

	case CmdQueueBuffer:
		p, ok := arg.(*queue.EnqueueRequest)
		if !ok {
			return argError(cmd, arg)
		}

		if err := f.owned(false); err != nil {
			return err
		}

		return q.Enqueue(*p)

	case CmdDequeueBuffer:
		p, ok := arg.(*queue.Buffer)
		if !ok {
			return argError(cmd, arg)
		}

		if err := f.owned(false); err != nil {
			return err
		}

		b, err := q.Dequeue()
		if err != nil {
			return err
		}

		*p = b
		return nil

	case CmdStreamOn:
		if arg != nil {
			return argError(cmd, arg)
		}

		if err := f.owned(true); err != nil {
			return err
		}

		return q.StartStreaming()

	case CmdStreamOff:
		var out *[]queue.Buffer
		if arg != nil {
			p, ok := arg.(*[]queue.Buffer)
			if !ok {
				return argError(cmd, arg)
			}

			out = p
		}

		if err := f.owned(true); err != nil {
			return err
		}

		bufs, err := q.StopStreaming()
		if err != nil {
			return err
		}

		if out != nil {
			*out = bufs
		}

		return nil

	default:
		return fmt.Errorf("%w: %d", ErrCmd, cmd)
	}
}

func (f *File) requestBuffers(p *RequestBuffers) error {
	n := f.n

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.owner != nil && n.owner != f {
		return ErrNotOwner
	}

	count, err := n.q.RequestBuffers(p.Count, p.Memory)
	if err != nil {
		return err
	}

	p.Count = count

	if count > 0 {
		n.owner = f
	} else {
		n.owner = nil
	}

	return nil
}

// owned fails if another file owns the queue. With strict set it also fails
// if no file does.
func (f *File) owned(strict bool) error {
	n := f.n

	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case n.owner == f:
		return nil

	case n.owner != nil:
		return ErrNotOwner

	case strict:
		return fmt.Errorf("%w: no buffers requested", queue.ErrBufferCount)
	}

	return nil
}

func (f *File) check() error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()

	switch {
	case closed:
		return ErrFile

	case f.d.isClosed():
		return ErrClosed
	}

	return nil
}

// Poll reports whether a completed buffer is ready to dequeue.
func (f *File) Poll() bool {
	if f.check() != nil {
		return false
	}

	return f.n.q.Poll()
}

// Ready returns the queue's readiness channel. See queue.Queue.Ready.
func (f *File) Ready() <-chan struct{} {
	return f.n.q.Ready()
}

// Close releases the file. If it owns the queue, streaming stops and the
// buffers are freed.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFile
	}

	f.closed = true
	f.mu.Unlock()

	n := f.n

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.owner == f {
		n.q.Close()
		n.owner = nil
	}

	return nil
}

func argError(cmd Cmd, arg any) error {
	return fmt.Errorf("%w: %v takes no %T", ErrArg, cmd, arg)
}

func (c Cmd) String() string {
	switch c {
	case CmdGetFormat:
		return "G_FMT"

	case CmdSetFormat:
		return "S_FMT"

	case CmdRequestBuffers:
		return "REQBUFS"

	case CmdQueryBuffer:
		return "QUERYBUF"

	case CmdQueueBuffer:
		return "QBUF"

	case CmdDequeueBuffer:
		return "DQBUF"

	case CmdStreamOn:
		return "STREAMON"

	case CmdStreamOff:
		return "STREAMOFF"

	default:
		return fmt.Sprintf("Cmd(%d)", int(c))
	}
}
