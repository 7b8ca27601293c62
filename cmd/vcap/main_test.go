package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c35s/vcap/format"
	"github.com/cavaliergopher/cpio"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestParseFormat(t *testing.T) {
	f, err := parseFormat("640x480:YUYV")
	if err != nil {
		t.Fatal(err)
	}

	if f.Width != 640 || f.Height != 480 || f.PixelFormat != format.YUYV || f.SizeImage != 640*480*2 {
		t.Errorf("parsed %v (%d bytes)", f, f.SizeImage)
	}

	for _, s := range []string{"", "640x480", "640:YUYV", "ax480:YUYV", "640xb:YUYV", "640x480:ABCD", "641x480:YUYV"} {
		if _, err := parseFormat(s); err == nil {
			t.Errorf("%q parsed", s)
		}
	}
}

func TestUserBuffer(t *testing.T) {
	hw := &hardware{}

	p, err := hw.userBuffer(0, 3*4096)
	if err != nil {
		t.Fatal(err)
	}

	if len(p) != 3*4096 {
		t.Fatalf("%d bytes", len(p))
	}

	p[len(p)-1] = 1

	if err := hw.Close(); err != nil {
		t.Fatal(err)
	}

	// already unmapped
	if err := unix.Munmap(p); !errors.Is(err, unix.EINVAL) {
		t.Errorf("error isn't EINVAL: %v", err)
	}
}

func TestSelftest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var buf bytes.Buffer
	ar := newArchive(&buf, true)

	opts := selftestOptions{format: "64x32:YUYV", frames: 10, buffers: 3}

	res, err := selftest(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), opts, ar)
	if err != nil {
		t.Fatal(err)
	}

	if err := ar.Close(); err != nil {
		t.Fatal(err)
	}

	want := []selftestResult{
		{Engine: "qdma0", Frames: 10, Bytes: 10 * 64 * 32 * 2},
		{Engine: "xdma0", Frames: 10, Bytes: 10 * 64 * 32 * 2},
	}

	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	zr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}

	names := make(map[string]bool)
	cr := cpio.NewReader(zr)

	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			t.Fatal(err)
		}

		if hdr.Size != 64*32*2 {
			t.Errorf("%s is %d bytes", hdr.Name, hdr.Size)
		}

		names[hdr.Name] = true
	}

	if len(names) != 20 || !names["qdma0/frame-000009.raw"] || !names["xdma0/frame-000000.raw"] {
		t.Errorf("archive holds %v", names)
	}
}

func TestSelftestCmd(t *testing.T) {
	out := filepath.Join(t.TempDir(), "frames.cpio")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"selftest", "--format", "32x16:GREY", "--frames", "5", "--out", out, "--log-level", "error"})

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := strings.Count(stdout.String(), " ok\n"); got != 2 {
		t.Errorf("output %q", stdout.String())
	}

	if st, err := os.Stat(out); err != nil || st.Size() == 0 {
		t.Errorf("archive: %v", err)
	}
}

func TestInfoCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vcap.toml")
	err := os.WriteFile(path, []byte(`
[hardware]
bars = [0, 2]

[[engine]]
name = "cap0"
family = "xdma"
direction = "c2h"
channel = 1
window = 0x80000000
irq = 3
bar = 1
`), 0o644)

	if err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	cmd.SetArgs([]string{"info", "--config", path})

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)

	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 || strings.Join(strings.Fields(lines[1]), " ") != "cap0 xdma c2h 1 0x80000000 3 2" {
		t.Errorf("output:\n%s", stdout.String())
	}
}
