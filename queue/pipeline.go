package queue

import (
	"github.com/c35s/vcap/desc"
	"github.com/c35s/vcap/format"
	"github.com/c35s/vcap/importer"
)

// owner says which part of the queue holds a buffer slot.
type owner int

const (
	ownerNone      owner = iota // free; the caller may enqueue it
	ownerInFlight               // linked into the in-flight list
	ownerCompleted              // linked into the completed list
	ownerCaller                 // being admitted or torn down outside the lock
)

// entry is one buffer slot.
type entry struct {
	owner owner

	// resources held while the slot is not ownerNone; pipeline code stores
	// and hands them back but never calls into them
	mapping importer.Mapping
	chain   *desc.Chain

	failed bool // the engine reported an error for the chain
	seq    uint32
}

// arm is what the engine needs to run a chain.
type arm struct {
	addr uint64
	adj  uint32
}

// held is an entry taken out of the pipeline for teardown.
type held struct {
	index   int
	used    int
	failed  bool
	seq     uint32
	mapping importer.Mapping
	chain   *desc.Chain
}

// ring is a FIFO of slot indices.
type ring struct {
	buf  []int
	head int
	n    int
}

// pipeline is the lock-guarded state of a queue. Its methods are pure data
// operations: it has no access to the engine, the importers or the
// descriptor pool, so nothing done under the lock can block or touch
// hardware.
type pipeline struct {
	state State

	format format.Format
	memory Memory
	stride int // distance between pool buffers

	slots    []entry
	inflight ring
	done     ring

	seq uint32
}

func newRing(n int) ring {
	return ring{buf: make([]int, n)}
}

func (r *ring) len() int {
	return r.n
}

func (r *ring) push(i int) {
	if r.n == len(r.buf) {
		panic("queue: ring overflow")
	}

	r.buf[(r.head+r.n)%len(r.buf)] = i
	r.n++
}

func (r *ring) peek() (int, bool) {
	if r.n == 0 {
		return 0, false
	}

	return r.buf[r.head], true
}

func (r *ring) pop() (int, bool) {
	i, ok := r.peek()
	if ok {
		r.head = (r.head + 1) % len(r.buf)
		r.n--
	}

	return i, ok
}

// busy reports whether any slot is held by the queue or a caller.
func (p *pipeline) busy() bool {
	for i := range p.slots {
		if p.slots[i].owner != ownerNone {
			return true
		}
	}

	return false
}

// layout replaces the buffer slots. All slots must be free.
func (p *pipeline) layout(count int, mem Memory, stride int) {
	p.slots = make([]entry, count)
	p.inflight = newRing(count)
	p.done = newRing(count)
	p.memory = mem
	p.stride = stride
}

// reserve hands a free slot to the caller for admission.
func (p *pipeline) reserve(i int) error {
	if i < 0 || i >= len(p.slots) {
		return ErrBufferIndex
	}

	switch p.slots[i].owner {
	case ownerNone:
	case ownerCaller:
		return ErrBufferBusy
	default:
		return ErrAlreadyQueued
	}

	p.slots[i] = entry{owner: ownerCaller}
	return nil
}

// unreserve frees a slot whose admission failed.
func (p *pipeline) unreserve(i int) {
	p.slots[i] = entry{}
}

// admit appends a reserved slot to the in-flight list. It returns the chain
// to arm if the list was empty and the queue is streaming.
func (p *pipeline) admit(i int, m importer.Mapping, c *desc.Chain) (arm, bool) {
	e := &p.slots[i]
	if e.owner != ownerCaller {
		panic("queue: admitting a slot that was not reserved")
	}

	e.owner = ownerInFlight
	e.mapping = m
	e.chain = c

	p.inflight.push(i)

	if p.inflight.len() == 1 && p.state == Streaming {
		return arm{addr: c.Addr, adj: c.Adj}, true
	}

	return arm{}, false
}

// head returns the chain at the head of the in-flight list.
func (p *pipeline) head() (arm, bool) {
	i, ok := p.inflight.peek()
	if !ok {
		return arm{}, false
	}

	c := p.slots[i].chain
	return arm{addr: c.Addr, adj: c.Adj}, true
}

// complete retires the in-flight head to the completed list, marking it
// failed if the engine reported an error. It reports false if there was
// nothing in flight, and otherwise returns the bytes moved and the new head
// to arm, if any, while streaming.
func (p *pipeline) complete(failed bool) (moved int, next arm, rearm bool, ok bool) {
	i, ok := p.inflight.pop()
	if !ok {
		return 0, arm{}, false, false
	}

	e := &p.slots[i]
	e.owner = ownerCompleted
	e.failed = failed
	e.seq = p.seq
	p.seq++

	p.done.push(i)

	if p.state == Streaming {
		next, rearm = p.head()
	}

	return e.used(), next, rearm, true
}

// take pops the completed head and hands it to the caller.
func (p *pipeline) take() (held, bool) {
	i, ok := p.done.pop()
	if !ok {
		return held{}, false
	}

	return p.hold(i), true
}

// drain empties both lists, oldest first, handing every slot to the caller.
func (p *pipeline) drain() []held {
	var hh []held

	for _, r := range []*ring{&p.done, &p.inflight} {
		for {
			i, ok := r.pop()
			if !ok {
				break
			}

			hh = append(hh, p.hold(i))
		}
	}

	return hh
}

func (p *pipeline) hold(i int) held {
	e := &p.slots[i]

	h := held{
		index:   i,
		used:    e.used(),
		failed:  e.failed,
		seq:     e.seq,
		mapping: e.mapping,
		chain:   e.chain,
	}

	*e = entry{owner: ownerCaller, seq: e.seq}
	return h
}

// free returns torn-down slots to ownerNone.
func (p *pipeline) free(hh []held) {
	for _, h := range hh {
		if h.index < len(p.slots) && p.slots[h.index].owner == ownerCaller {
			p.slots[h.index].owner = ownerNone
		}
	}
}

// buffer describes slot i to the caller.
func (p *pipeline) buffer(i int) Buffer {
	e := p.slots[i]

	b := Buffer{
		Index:    i,
		Memory:   p.memory,
		Length:   p.format.SizeImage,
		Sequence: e.seq,
	}

	if p.memory == MemoryPool {
		b.Offset = i * p.stride
	}

	switch e.owner {
	case ownerInFlight:
		b.Flags |= FlagQueued

	case ownerCompleted:
		b.Flags |= FlagDone
		b.BytesUsed = e.used()

		if e.failed {
			b.Flags |= FlagError
			b.Err = ErrTransfer
		}
	}

	return b
}

// used is the payload of a completed chain; a failed transfer has none.
func (e *entry) used() int {
	if e.failed || e.chain == nil {
		return 0
	}

	return e.chain.Len
}
