package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/alexeev-prog/KintsugiOS/kernel/config"
	"github.com/alexeev-prog/KintsugiOS/kernel/kfmt"
	"github.com/alexeev-prog/KintsugiOS/kernel/kmem"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Memory.PhysicalSize = 8 * mm.Mb
	cfg.Heap.Start = 0x1000000
	cfg.Heap.InitialSize = 64 * mm.Kb
	cfg.Heap.MaxSize = 4 * mm.Mb
	return cfg
}

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()

	kfmt.SetOutputSink(nil)
	m, err := kmem.New(testConfig(), kmem.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })

	var out bytes.Buffer
	return newShell(m, &out), &out
}

func TestShellCommands(t *testing.T) {
	specs := []struct {
		line string
		exp  string
	}{
		{"alloc 100", "Allocate 100 bytes.\nPointer: 0x1000010\n"},
		{"free 0x1000010", "Freed memory at 0x1000010\n"},
		{"free 0x1000010", "free: double free\n"},
		{"alloc", "usage: alloc <bytes>\n"},
		{"alloc lots", `alloc: bad size "lots": strconv.ParseUint: parsing "lots": invalid syntax` + "\n"},
		{"map 0x400000 0x500000", "Mapped 0x00400000 -> 0x00500000 [P|RW]\n"},
		{"translate 0x400123", "0x00400123 -> 0x00500123\n"},
		{"page 0x400000", "PTE = 00500003 [P|RW] frame 0x500 present=true\n"},
		{"touch 0x400010 cafe", "Wrote 2 bytes at 0x00400010\n"},
		{"frame 0x500000", "Frame 0x00500000 is used\n"},
		{"unmap 0x400000", "Unmapped 0x00400000\n"},
		{"translate 0x400123", "0x00400123 is not mapped\n"},
		{"page 0x2000000", "no page table for 0x02000000\n"},
		{"frame 0x600000", "Frame 0x00600000 is free\n"},
		{"bogus", "unknown command \"bogus\"; type help for a list\n"},
		{"# comment", ""},
	}

	sh, out := newTestShell(t)
	for specIndex, spec := range specs {
		out.Reset()
		sh.exec(spec.line)
		if got := out.String(); got != spec.exp {
			t.Errorf("[spec %d] %q: expected %q; got %q", specIndex, spec.line, spec.exp, got)
		}
	}
}

func TestShellRun(t *testing.T) {
	sh, out := newTestShell(t)
	sh.prompt = "> "

	script := strings.Join([]string{
		"alloc 32",
		"touch 0x1000010 0102",
		"peek 0x1000010 2",
		"meminfo",
		"kmemdump",
		"help",
	}, "\n")
	if err := sh.run(strings.NewReader(script)); err != nil {
		t.Fatal(err)
	}

	for _, exp := range []string{
		"00000000  01 02",
		"Memory: 8192 KB total",
		"Block 0: 1000000, Size=32, USED",
		"alloca <bytes>",
	} {
		if !strings.Contains(out.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out.String())
		}
	}
}

func TestShellStopsWhenHalted(t *testing.T) {
	sh, out := newTestShell(t)

	if err := sh.run(strings.NewReader("peek 0x3000000\nalloc 16\n")); err != nil {
		t.Fatal(err)
	}

	if !sh.m.Halted() {
		t.Fatal("expected the manager to halt")
	}
	if !strings.HasSuffix(out.String(), "system halted\n") {
		t.Fatalf("expected the shell to stop; got:\n%s", out.String())
	}
	if strings.Contains(out.String(), "Allocate") {
		t.Fatal("expected no command to run after the halt")
	}
}

func TestRunStress(t *testing.T) {
	kfmt.SetOutputSink(nil)

	results, err := runStress(context.Background(), testConfig(), stressOptions{
		workers:     3,
		parallel:    2,
		ops:         600,
		maxAlloc:    2048,
		verifyEvery: 50,
		seed:        42,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i, r := range results {
		if r.worker != i {
			t.Errorf("result %d reports worker %d", i, r.worker)
		}
		if r.allocs == 0 || r.frees == 0 || r.reallocs == 0 {
			t.Errorf("worker %d did not exercise every operation: %+v", r.worker, r)
		}
		if r.allocs-r.frees != r.live {
			t.Errorf("worker %d: %d allocs and %d frees leave %d live; got %d", r.worker, r.allocs, r.frees, r.allocs-r.frees, r.live)
		}
	}
}

func TestRunStressReportsExhaustion(t *testing.T) {
	kfmt.SetOutputSink(nil)

	cfg := testConfig()
	cfg.Heap.MaxSize = 64 * mm.Kb

	_, err := runStress(context.Background(), cfg, stressOptions{
		workers:     1,
		ops:         1000,
		maxAlloc:    8192,
		verifyEvery: 100,
		seed:        7,
	})
	if err == nil || !strings.Contains(err.Error(), "Out of memory") {
		t.Fatalf("expected an out of memory failure; got %v", err)
	}
}

func TestRenderMemoryMap(t *testing.T) {
	sh, _ := newTestShell(t)
	sh.exec("alloc 4096")

	dc, err := renderMemoryMap(sh.m, 64)
	if err != nil {
		t.Fatal(err)
	}

	// 2048 frames in 64 columns.
	bounds := dc.Image().Bounds()
	if exp := int(64*renderCell + 2*renderMargin); bounds.Dx() != exp {
		t.Fatalf("expected width %d; got %d", exp, bounds.Dx())
	}
	if exp := int(32*renderCell + renderHeapHeight + 2*renderTextHeight + 3*renderMargin); bounds.Dy() != exp {
		t.Fatalf("expected height %d; got %d", exp, bounds.Dy())
	}

	// Frame 0 is used and the last frame is free.
	top := renderMargin + renderTextHeight
	if r, _, _, _ := dc.Image().At(int(renderMargin+1), int(top+1)).RGBA(); r>>8 != uint32(colorFrameUsed[0]*255) {
		t.Fatalf("expected the first frame to be drawn as used; red = %d", r>>8)
	}
	lastX := renderMargin + 63*renderCell + 1
	lastY := top + 31*renderCell + 1
	if _, g, _, _ := dc.Image().At(int(lastX), int(lastY)).RGBA(); g>>8 != uint32(colorFrameFree[1]*255) {
		t.Fatalf("expected the last frame to be drawn as free; green = %d", g>>8)
	}
}
