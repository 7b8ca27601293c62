// Package queue implements the video buffer queue of one DMA engine.
//
// Buffers are admitted by Enqueue, which imports the caller's memory and
// builds a descriptor chain for it, and then flow through two FIFO lists:
// in flight (submitted to the engine) and completed (waiting for Dequeue).
// The interrupt handler moves the in-flight head to the completed list and
// arms the engine with the next chain, so completions are delivered in
// enqueue order and the engine never idles while work is queued.
//
// Locks are taken in the order ctl, hw, mu. ctl serializes control
// operations, hw serializes engine register sequences, and mu guards the
// pipeline. Nothing that blocks, allocates descriptor blocks or touches
// registers runs under mu.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/c35s/vcap/desc"
	"github.com/c35s/vcap/engine"
	"github.com/c35s/vcap/format"
	"github.com/c35s/vcap/importer"
	"github.com/c35s/vcap/metrics"
	"golang.org/x/sys/unix"
)

// State is the streaming state of a queue.
type State int

const (
	Ready     State = iota // format and buffer layout may change
	Streaming              // the engine is started; the format is frozen
)

// Memory is the kind of memory backing the queue's buffers.
type Memory = importer.Kind

const (
	MemoryUserPtr = importer.KindUserPtr
	MemoryShared  = importer.KindShared
	MemoryPool    = importer.KindPool
)

// Flags describe a buffer's place in the queue.
type Flags uint32

const (
	FlagQueued Flags = 1 << 0 // in flight
	FlagDone   Flags = 1 << 1 // completed, not yet dequeued
	FlagError  Flags = 1 << 2 // the transfer failed or was canceled by stream off
)

// Buffer is the caller's view of one buffer.
type Buffer struct {
	Index     int
	Memory    Memory
	Length    int // bytes the buffer must hold
	Offset    int // pool offset, MemoryPool only
	Flags     Flags
	BytesUsed int
	Sequence  uint32

	// Err is ErrTransfer for a completed buffer whose transfer failed and
	// ErrCanceled for buffers returned by StopStreaming.
	Err error
}

// EnqueueRequest identifies the memory of one buffer to enqueue.
type EnqueueRequest struct {
	Index int

	// Length is the declared size of the caller's buffer. Zero means the
	// format's image size. Ignored for MemoryPool.
	Length int

	User   []byte // MemoryUserPtr
	Handle int    // MemoryShared
}

// Config configures a queue.
type Config struct {
	// Descriptors supplies the descriptor blocks for chains.
	Descriptors *desc.Pool

	// Importers import buffers; one per supported Memory kind.
	Importers []importer.Importer

	// MaxBuffers caps RequestBuffers.
	MaxBuffers int

	Logger  *slog.Logger
	Metrics *metrics.Engine
}

// DefaultMaxBuffers is the default cap on buffers per queue.
const DefaultMaxBuffers = 32

var (
	ErrState          = fmt.Errorf("queue: operation not allowed in this state: %w", unix.EBUSY)
	ErrBusy           = fmt.Errorf("queue: buffers are allocated or queued: %w", unix.EBUSY)
	ErrBufferBusy     = fmt.Errorf("queue: buffer is being admitted or released: %w", unix.EBUSY)
	ErrWouldBlock     = fmt.Errorf("queue: no completed buffers: %w", unix.EAGAIN)
	ErrFormat         = fmt.Errorf("queue: bad format: %w", unix.EINVAL)
	ErrMemory         = fmt.Errorf("queue: unsupported memory kind: %w", unix.EINVAL)
	ErrBufferCount    = fmt.Errorf("queue: bad buffer count: %w", unix.EINVAL)
	ErrBufferIndex    = fmt.Errorf("queue: buffer index out of range: %w", unix.EINVAL)
	ErrAlreadyQueued  = fmt.Errorf("queue: buffer already queued: %w", unix.EINVAL)
	ErrBufferTooSmall = fmt.Errorf("queue: buffer smaller than the image: %w", unix.EINVAL)
	ErrCanceled       = fmt.Errorf("queue: buffer canceled by stream off: %w", unix.ECANCELED)
	ErrTransfer       = fmt.Errorf("queue: dma transfer failed: %w", unix.EIO)
)

// Queue is the buffer queue of one engine.
type Queue struct {
	eng       engine.Engine
	pool      *desc.Pool
	importers map[Memory]importer.Importer
	max       int
	log       *slog.Logger
	m         *metrics.Engine

	ctl sync.Mutex
	hw  sync.Mutex
	mu  sync.Mutex
	p   pipeline

	ready chan struct{}
}

// Stats is a snapshot of a queue.
type Stats struct {
	State     State
	Format    format.Format
	Buffers   int
	InFlight  int
	Completed int
	Sequence  uint32
}

// New creates the queue of eng.
func New(eng engine.Engine, cfg Config) *Queue {
	cfg = cfg.withDefaults(eng)

	q := &Queue{
		eng:       eng,
		pool:      cfg.Descriptors,
		importers: make(map[Memory]importer.Importer),
		max:       cfg.MaxBuffers,
		log:       cfg.Logger.With("engine", eng.Name()),
		m:         cfg.Metrics,
		ready:     make(chan struct{}, 1),
	}

	for _, imp := range cfg.Importers {
		q.importers[imp.Kind()] = imp
	}

	return q
}

func (cfg Config) withDefaults(eng engine.Engine) Config {
	if cfg.MaxBuffers == 0 {
		cfg.MaxBuffers = DefaultMaxBuffers
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.ForEngine(eng.Name())
	}

	return cfg
}

// Engine returns the queue's engine.
func (q *Queue) Engine() engine.Engine {
	return q.eng
}

// SetFormat validates and stores the format. It is legal only while Ready
// and with no buffers requested. It returns the normalized format.
func (q *Queue) SetFormat(f format.Format) (format.Format, error) {
	q.ctl.Lock()
	defer q.ctl.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.p.state != Ready:
		return format.Format{}, ErrState

	case len(q.p.slots) > 0:
		return format.Format{}, ErrBusy
	}

	n, err := format.Normalize(f)
	if err != nil {
		return format.Format{}, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	q.p.format = n
	return n, nil
}

// Format returns the current format.
func (q *Queue) Format() format.Format {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.p.format
}

// RequestBuffers lays out count buffers of the given memory kind and
// returns the count actually allocated, which may be lower. A count of zero
// frees the layout. It is legal only while Ready and with no buffers queued.
func (q *Queue) RequestBuffers(count int, mem Memory) (int, error) {
	q.ctl.Lock()
	defer q.ctl.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.p.state != Ready:
		return 0, ErrState

	case q.p.busy():
		return 0, ErrBusy

	case count < 0:
		return 0, fmt.Errorf("%w: %d", ErrBufferCount, count)
	}

	imp, ok := q.importers[mem]
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrMemory, mem)
	}

	if count > 0 && q.p.format.SizeImage == 0 {
		return 0, fmt.Errorf("%w: no format set", ErrFormat)
	}

	count = min(count, q.max)

	stride := 0
	if mem == MemoryPool {
		pgsz := os.Getpagesize()
		stride = (q.p.format.SizeImage + pgsz - 1) &^ (pgsz - 1)

		if s, ok := imp.(interface{ Size() int }); ok && count > 0 {
			count = min(count, s.Size()/stride)
			if count == 0 {
				return 0, fmt.Errorf("%w: pool holds no %d byte buffers", ErrBufferCount, stride)
			}
		}
	}

	q.p.layout(count, mem, stride)
	return count, nil
}

// QueryBuffer describes buffer i.
func (q *Queue) QueryBuffer(i int) (Buffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i < 0 || i >= len(q.p.slots) {
		return Buffer{}, ErrBufferIndex
	}

	return q.p.buffer(i), nil
}

// Enqueue admits a buffer to the in-flight list. If the queue is streaming
// and the engine is idle, the engine is armed with it immediately;
// otherwise the interrupt handler arms it when its turn comes.
func (q *Queue) Enqueue(req EnqueueRequest) (err error) {
	defer func() {
		if err != nil {
			q.m.Rejected.Inc()
		}
	}()

	q.mu.Lock()
	var (
		f      = q.p.format
		mem    = q.p.memory
		offset = req.Index * q.p.stride
	)

	err = q.p.reserve(req.Index)
	q.mu.Unlock()

	if err != nil {
		return err
	}

	m, c, err := q.build(req, f, mem, offset)
	if err != nil {
		q.mu.Lock()
		q.p.unreserve(req.Index)
		q.mu.Unlock()

		return err
	}

	q.hw.Lock()
	defer q.hw.Unlock()

	q.mu.Lock()
	a, kick := q.p.admit(req.Index, m, c)
	inflight := q.p.inflight.len()
	q.mu.Unlock()

	q.m.Enqueued.Inc()
	q.m.InFlight.Set(float64(inflight))

	if kick {
		q.eng.Arm(a.addr, a.adj)
	}

	return nil
}

// build imports the buffer and writes its descriptor chain. On failure it
// leaves nothing behind.
func (q *Queue) build(req EnqueueRequest, f format.Format, mem Memory, offset int) (importer.Mapping, *desc.Chain, error) {
	imp, ok := q.importers[mem]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %v", ErrMemory, mem)
	}

	length := req.Length
	if length == 0 || mem == MemoryPool {
		length = f.SizeImage
	}

	if length < f.SizeImage {
		return nil, nil, fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, length, f.SizeImage)
	}

	m, err := imp.Import(importer.Request{
		Kind:   mem,
		Dir:    q.eng.Direction(),
		Length: length,
		User:   req.User,
		Handle: req.Handle,
		Offset: offset,
	})

	if err != nil {
		return nil, nil, err
	}

	c, err := desc.Build(q.pool, m.Segments(), f.SizeImage, q.eng.Window(), q.eng.Direction())
	if err != nil {
		m.Release()
		return nil, nil, err
	}

	return m, c, nil
}

// Dequeue pops the oldest completed buffer. It never blocks: with nothing
// completed it fails with ErrWouldBlock. Use Ready or Wait to block.
func (q *Queue) Dequeue() (Buffer, error) {
	q.mu.Lock()
	h, ok := q.p.take()
	completed := q.p.done.len()
	mem := q.p.memory
	stride := q.p.stride
	size := q.p.format.SizeImage
	q.mu.Unlock()

	if !ok {
		return Buffer{}, ErrWouldBlock
	}

	if completed > 0 {
		q.signal()
	}

	q.release([]held{h})

	q.m.Dequeued.Inc()
	q.m.Done.Set(float64(completed))

	b := Buffer{
		Index:     h.index,
		Memory:    mem,
		Length:    size,
		Flags:     FlagDone,
		BytesUsed: h.used,
		Sequence:  h.seq,
	}

	if h.failed {
		b.Flags |= FlagError
		b.Err = ErrTransfer
	}

	if mem == MemoryPool {
		b.Offset = h.index * stride
	}

	return b, nil
}

// StartStreaming starts the engine and, if buffers were queued while Ready,
// arms it with the oldest.
func (q *Queue) StartStreaming() error {
	q.ctl.Lock()
	defer q.ctl.Unlock()

	q.hw.Lock()
	defer q.hw.Unlock()

	q.mu.Lock()
	state := q.p.state
	q.mu.Unlock()

	if state != Ready {
		return ErrState
	}

	if err := q.eng.Start(); err != nil {
		return err
	}

	q.mu.Lock()
	q.p.state = Streaming
	q.p.seq = 0
	a, ok := q.p.head()
	q.mu.Unlock()

	q.log.Debug("stream on", "format", q.Format().String())

	if ok {
		q.eng.Arm(a.addr, a.adj)
	}

	return nil
}

// StopStreaming stops the engine and cancels every queued buffer, in flight
// or completed. It returns the canceled buffers, oldest first, each with
// Err set to ErrCanceled. An engine that does not go idle is logged and
// reset; it is not an error.
func (q *Queue) StopStreaming() ([]Buffer, error) {
	q.ctl.Lock()
	defer q.ctl.Unlock()

	return q.stop(true)
}

func (q *Queue) stop(strict bool) ([]Buffer, error) {
	q.hw.Lock()

	q.mu.Lock()
	if strict && q.p.state != Streaming {
		q.mu.Unlock()
		q.hw.Unlock()

		return nil, ErrState
	}

	wasStreaming := q.p.state == Streaming
	q.p.state = Ready
	q.mu.Unlock()

	if wasStreaming {
		if err := q.eng.Stop(); err != nil {
			q.log.Warn("engine did not go idle", "err", err)
			if errors.Is(err, engine.ErrIdleTimeout) {
				q.m.IdleTimeouts.Inc()
			}
		}
	}

	q.mu.Lock()
	hh := q.p.drain()
	mem := q.p.memory
	stride := q.p.stride
	size := q.p.format.SizeImage
	q.mu.Unlock()

	q.hw.Unlock()

	q.release(hh)

	bufs := make([]Buffer, len(hh))
	for i, h := range hh {
		bufs[i] = Buffer{
			Index:    h.index,
			Memory:   mem,
			Length:   size,
			Flags:    FlagError,
			Sequence: h.seq,
			Err:      ErrCanceled,
		}

		if mem == MemoryPool {
			bufs[i].Offset = h.index * stride
		}
	}

	q.m.Canceled.Add(float64(len(bufs)))
	q.m.InFlight.Set(0)
	q.m.Done.Set(0)

	if wasStreaming {
		q.log.Debug("stream off", "canceled", len(bufs))
	}

	// wake pollers; they find nothing to dequeue
	q.signal()

	return bufs, nil
}

// HandleIRQ is the engine's completion handler. It reports false if the
// engine did not raise the interrupt. Otherwise it moves the in-flight head
// to the completed list, wakes waiters and arms the engine with the next
// in-flight chain, in that order. A chain the engine failed completes with
// ErrTransfer and no payload.
func (q *Queue) HandleIRQ() bool {
	q.hw.Lock()
	defer q.hw.Unlock()

	res := q.eng.Claim()
	if res == engine.NotMine {
		return false
	}

	failed := res == engine.Failed

	q.mu.Lock()
	moved, next, rearm, ok := q.p.complete(failed)
	inflight := q.p.inflight.len()
	completed := q.p.done.len()
	q.mu.Unlock()

	if !ok {
		q.log.Error("completion interrupt with nothing in flight")
		q.m.Inconsistent.Inc()

		return true
	}

	q.m.Completed.Inc()
	if failed {
		q.m.Failed.Inc()
	}

	q.m.Bytes.Add(float64(moved))
	q.m.InFlight.Set(float64(inflight))
	q.m.Done.Set(float64(completed))

	q.signal()

	if rearm {
		q.eng.Arm(next.addr, next.adj)
	}

	return true
}

// Ready returns a channel that receives when a completed buffer may be
// available. Readiness is coalesced; after a receive, Dequeue until it
// returns ErrWouldBlock.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Poll reports whether Dequeue would succeed.
func (q *Queue) Poll() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.p.done.len() > 0
}

// Wait blocks until a completed buffer is available or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		if q.Poll() {
			return nil
		}

		select {
		case <-q.ready:
			if q.Poll() {
				// keep the readiness visible to other waiters
				q.signal()
				return nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		State:     q.p.state,
		Format:    q.p.format,
		Buffers:   len(q.p.slots),
		InFlight:  q.p.inflight.len(),
		Completed: q.p.done.len(),
		Sequence:  q.p.seq,
	}
}

// Close stops the queue if it is streaming, cancels all queued buffers and
// frees the buffer layout.
func (q *Queue) Close() {
	q.ctl.Lock()
	defer q.ctl.Unlock()

	q.stop(false)

	q.mu.Lock()
	if !q.p.busy() {
		q.p.layout(0, q.p.memory, 0)
	}
	q.mu.Unlock()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// release tears down held entries outside the lock, then frees their slots.
func (q *Queue) release(hh []held) {
	if len(hh) == 0 {
		return
	}

	for _, h := range hh {
		h.chain.Release()
		h.mapping.Release()
	}

	q.mu.Lock()
	q.p.free(hh)
	q.mu.Unlock()
}

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"

	case Streaming:
		return "streaming"

	default:
		return fmt.Sprintf("State(%d)", s)
	}
}
