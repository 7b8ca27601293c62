//go:build linux

// Package uio reaches a card through the Linux userspace I/O framework:
// BARs are mapped from sysfs and interrupts are counted by reads on
// /dev/uioN.
package uio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// SysfsRoot is where UIO devices publish their attributes.
	SysfsRoot = "/sys/class/uio"

	// DevRoot holds the UIO device nodes.
	DevRoot = "/dev"
)

var (
	ErrOpen   = errors.New("uio: open failed")
	ErrMap    = errors.New("uio: bar mmap failed")
	ErrRange  = errors.New("uio: register offset out of range")
	ErrClosed = errors.New("uio: device closed")
)

// BAR is a mapped PCI BAR. It implements engine.Regs.
type BAR struct {
	mem []byte
}

// OpenBAR maps BAR n of the PCI device behind UIO device name (e.g. "uio0").
func OpenBAR(name string, n int) (*BAR, error) {
	path := filepath.Join(SysfsRoot, name, "device", fmt.Sprintf("resource%d", n))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	if st.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrMap, path)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMap, path, err)
	}

	return &BAR{mem: mem}, nil
}

// Len returns the size of the BAR in bytes.
func (b *BAR) Len() int {
	return len(b.mem)
}

// Read32 reads the 32-bit register at off. Out of range reads panic.
func (b *BAR) Read32(off uint32) uint32 {
	return atomic.LoadUint32(b.reg(off))
}

// Write32 writes the 32-bit register at off. Out of range writes panic.
func (b *BAR) Write32(off uint32, v uint32) {
	atomic.StoreUint32(b.reg(off), v)
}

func (b *BAR) reg(off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(b.mem) {
		panic(fmt.Sprintf("%v: %#x", ErrRange, off))
	}

	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

// Close unmaps the BAR.
func (b *BAR) Close() error {
	if b.mem == nil {
		return nil
	}

	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}

// Device is an open UIO device node.
type Device struct {
	Name string

	f   *os.File
	efd int // wakes Wait when its context is done

	mu      sync.Mutex
	closed  bool
	waiters sync.WaitGroup // Waits in progress; Close outlasts them

	wmu sync.Mutex // guards efd against a late wake
}

// Info is what sysfs says about a UIO device.
type Info struct {
	Name    string // driver name, e.g. uio_pci_generic
	Version string
	Event   string // interrupt count at the time of reading
}

// Open opens the UIO device node of name.
func Open(name string) (*Device, error) {
	f, err := os.OpenFile(filepath.Join(DevRoot, name), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: eventfd: %w", ErrOpen, err)
	}

	return &Device{Name: name, f: f, efd: efd}, nil
}

// Enable unmasks the device interrupt. Generic PCI UIO masks it on every
// interrupt, so Enable is called before each wait.
func (d *Device) Enable() error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)

	if _, err := d.f.Write(b[:]); err != nil {
		return fmt.Errorf("uio: %s: enable irq: %w", d.Name, err)
	}

	return nil
}

// Wait blocks until the device interrupts or ctx is done. It returns the
// total interrupt count reported by the kernel.
func (d *Device) Wait(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}

	d.waiters.Add(1)
	d.mu.Unlock()

	defer d.waiters.Done()

	stop := context.AfterFunc(ctx, d.wake)
	defer stop()

	fds := []unix.PollFd{
		{Fd: int32(d.f.Fd()), Events: unix.POLLIN},
		{Fd: int32(d.efd), Events: unix.POLLIN},
	}

	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}

			return 0, fmt.Errorf("uio: %s: poll: %w", d.Name, err)
		}

		if (fds[0].Revents|fds[1].Revents)&unix.POLLNVAL != 0 {
			return 0, ErrClosed
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			var b [8]byte
			unix.Read(d.efd, b[:])

			if err := ctx.Err(); err != nil {
				return 0, err
			}

			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()

			if closed {
				return 0, ErrClosed
			}

			// stale wakeup from an earlier context
			continue
		}

		if fds[0].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			break
		}
	}

	var b [4]byte
	if _, err := d.f.Read(b[:]); err != nil {
		return 0, fmt.Errorf("uio: %s: read irq count: %w", d.Name, err)
	}

	return binary.NativeEndian.Uint32(b[:]), nil
}

func (d *Device) wake() {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	if d.efd < 0 {
		return
	}

	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	unix.Write(d.efd, b[:])
}

// Info reads the device's sysfs attributes.
func (d *Device) Info() (Info, error) {
	attr := func(a string) (string, error) {
		b, err := os.ReadFile(filepath.Join(SysfsRoot, d.Name, a))
		return strings.TrimSpace(string(b)), err
	}

	var (
		info Info
		err  error
	)

	if info.Name, err = attr("name"); err != nil {
		return Info{}, err
	}

	if info.Version, err = attr("version"); err != nil {
		return Info{}, err
	}

	if info.Event, err = attr("event"); err != nil {
		return Info{}, err
	}

	return info, nil
}

// Close wakes a blocked Wait, waits for it to return and closes the device
// node.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}

	d.closed = true
	d.mu.Unlock()

	d.wake()
	d.waiters.Wait()

	err := d.f.Close()

	d.wmu.Lock()
	unix.Close(d.efd)
	d.efd = -1
	d.wmu.Unlock()

	return err
}

// Lines maps interrupt lines to UIO devices. It delivers interrupts to
// device.Device.Run.
type Lines map[int]*Device

// WaitIRQ unmasks the device of irq and waits for it to interrupt.
func (l Lines) WaitIRQ(ctx context.Context, irq int) error {
	d, ok := l[irq]
	if !ok {
		return fmt.Errorf("uio: no device for irq %d", irq)
	}

	if err := d.Enable(); err != nil {
		return err
	}

	_, err := d.Wait(ctx)
	return err
}
