//go:build linux

package uio_test

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c35s/vcap/uio"
	"golang.org/x/sys/unix"
)

// fakeSysfs points the package at a temp dir holding a uio0 with one BAR.
func fakeSysfs(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	dev := filepath.Join(root, "uio0")

	if err := os.MkdirAll(filepath.Join(dev, "device"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dev, "device", "resource0"), make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}

	for name, val := range map[string]string{"name": "uio_pci_generic\n", "version": "0.01.0\n", "event": "42\n"} {
		if err := os.WriteFile(filepath.Join(dev, name), []byte(val), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := unix.Mkfifo(filepath.Join(root, "uio0.node"), 0o600); err != nil {
		t.Fatal(err)
	}

	sysfs, devRoot := uio.SysfsRoot, uio.DevRoot
	uio.SysfsRoot, uio.DevRoot = root, root

	t.Cleanup(func() {
		uio.SysfsRoot, uio.DevRoot = sysfs, devRoot
	})

	return root
}

func TestBAR(t *testing.T) {
	root := fakeSysfs(t)

	bar, err := uio.OpenBAR("uio0", 0)
	if err != nil {
		t.Fatal(err)
	}

	defer bar.Close()

	if bar.Len() != 4096 {
		t.Errorf("len %d", bar.Len())
	}

	bar.Write32(0x10, 0xdead_beef)

	if v := bar.Read32(0x10); v != 0xdead_beef {
		t.Errorf("read %#x", v)
	}

	// the mapping is shared with the file
	bar.Close()

	b, err := os.ReadFile(filepath.Join(root, "uio0", "device", "resource0"))
	if err != nil {
		t.Fatal(err)
	}

	if v := binary.NativeEndian.Uint32(b[0x10:]); v != 0xdead_beef {
		t.Errorf("file holds %#x", v)
	}

	if _, err := uio.OpenBAR("uio0", 1); !errors.Is(err, uio.ErrOpen) {
		t.Errorf("error isn't ErrOpen: %v", err)
	}
}

func TestBAROutOfRange(t *testing.T) {
	fakeSysfs(t)

	bar, err := uio.OpenBAR("uio0", 0)
	if err != nil {
		t.Fatal(err)
	}

	defer bar.Close()

	for _, off := range []uint32{4096, 4094, 2} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("offset %#x did not panic", off)
				}
			}()

			bar.Read32(off)
		}()
	}
}

func openFIFO(t *testing.T) (*uio.Device, *os.File) {
	t.Helper()

	d, err := uio.Open("uio0.node")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { d.Close() })

	w, err := os.OpenFile(filepath.Join(uio.DevRoot, "uio0.node"), os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { w.Close() })

	d.Name = "uio0"
	return d, w
}

func TestWait(t *testing.T) {
	fakeSysfs(t)
	d, w := openFIFO(t)

	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 7)

	if _, err := w.Write(b[:]); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := d.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if n != 7 {
		t.Errorf("count %d != 7", n)
	}

	info, err := d.Info()
	if err != nil {
		t.Fatal(err)
	}

	if info.Name != "uio_pci_generic" || info.Event != "42" {
		t.Errorf("info %+v", info)
	}
}

func TestWaitCanceled(t *testing.T) {
	fakeSysfs(t)
	d, _ := openFIFO(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := d.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error isn't DeadlineExceeded: %v", err)
	}

	// the eventfd is drained; the next wait runs to its own deadline
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := d.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error isn't DeadlineExceeded: %v", err)
	}

	if time.Since(start) < 15*time.Millisecond {
		t.Error("second wait returned early")
	}

	d.Close()

	if _, err := d.Wait(context.Background()); !errors.Is(err, uio.ErrClosed) {
		t.Errorf("error isn't ErrClosed: %v", err)
	}
}

func TestCloseWhileWaiting(t *testing.T) {
	fakeSysfs(t)
	d, _ := openFIFO(t)

	errc := make(chan error, 1)
	go func() {
		_, err := d.Wait(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, uio.ErrClosed) {
			t.Errorf("error isn't ErrClosed: %v", err)
		}

	case <-time.After(time.Second):
		t.Fatal("wait did not return after close")
	}
}

func TestLines(t *testing.T) {
	fakeSysfs(t)
	d, _ := openFIFO(t)

	lines := uio.Lines{3: d}

	if err := lines.WaitIRQ(context.Background(), 4); err == nil {
		t.Error("waited on a missing line")
	}

	// on a fifo the unmask write is read back as the interrupt
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := lines.WaitIRQ(ctx, 3); err != nil {
		t.Fatal(err)
	}
}
