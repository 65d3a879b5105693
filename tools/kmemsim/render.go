package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/alexeev-prog/KintsugiOS/kernel/config"
	"github.com/alexeev-prog/KintsugiOS/kernel/kmem"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/heap"
	"github.com/fogleman/gg"
	"github.com/google/subcommands"
	"github.com/pkg/errors"
)

// Layout of the rendered memory map.
const (
	renderMargin     = 16.0
	renderCell       = 6.0
	renderHeapHeight = 48.0
	renderTextHeight = 20.0
)

// Colors of the rendered memory map.
var (
	colorBackground = [3]float64{1, 1, 1}
	colorFrameUsed  = [3]float64{0.80, 0.25, 0.20}
	colorFrameFree  = [3]float64{0.85, 0.90, 0.85}
	colorBlockUsed  = [3]float64{0.90, 0.55, 0.15}
	colorBlockFree  = [3]float64{0.30, 0.65, 0.35}
	colorText       = [3]float64{0, 0, 0}
)

// renderCmd implements subcommands.Command for the "render" command.
type renderCmd struct {
	out     string
	columns int
	allocs  string
}

// Name implements subcommands.Command.Name.
func (*renderCmd) Name() string {
	return "render"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*renderCmd) Synopsis() string {
	return "draw the frame bitmap and the heap block list as a PNG image"
}

// Usage implements subcommands.Command.Usage.
func (*renderCmd) Usage() string {
	return "render [-out file.png] [-columns n] [-allocs script]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *renderCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.out, "out", "memmap.png", "output file")
	f.IntVar(&c.columns, "columns", 128, "frames per row of the bitmap")
	f.StringVar(&c.allocs, "allocs", "", "shell commands separated by ';' to run before rendering")
}

// Execute implements subcommands.Command.Execute.
func (c *renderCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || c.columns <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	m, err := boot(args[0].(*config.Config))
	if err != nil {
		exit(err)
	}
	defer m.Close()

	if c.allocs != "" {
		sh := newShell(m, io.Discard)
		for _, line := range strings.Split(c.allocs, ";") {
			sh.exec(line)
		}
	}

	dc, err := renderMemoryMap(m, c.columns)
	if err != nil {
		exit(err)
	}
	if err = dc.SavePNG(c.out); err != nil {
		exit(errors.Wrapf(err, "write %s", c.out))
	}
	fmt.Printf("wrote %s\n", c.out)
	return subcommands.ExitSuccess
}

func setColor(dc *gg.Context, c [3]float64) {
	dc.SetRGB(c[0], c[1], c[2])
}

// renderMemoryMap draws one cell per physical frame followed by a bar in
// which every heap block takes space proportional to its size.
func renderMemoryMap(m *kmem.Manager, columns int) (*gg.Context, error) {
	bitmap, kerr := m.FrameBitmap()
	if kerr != nil {
		return nil, kerr
	}
	blocks, kerr := m.HeapBlocks()
	if kerr != nil {
		return nil, kerr
	}
	info, kerr := m.MemInfo()
	if kerr != nil {
		return nil, kerr
	}

	rows := (len(bitmap) + columns - 1) / columns
	var (
		mapWidth  = float64(columns) * renderCell
		mapHeight = float64(rows) * renderCell
		width     = int(mapWidth + 2*renderMargin)
		height    = int(mapHeight + renderHeapHeight + 2*renderTextHeight + 3*renderMargin)
	)

	dc := gg.NewContext(width, height)
	setColor(dc, colorBackground)
	dc.Clear()

	setColor(dc, colorText)
	dc.DrawString(fmt.Sprintf("frames: %d used / %d", info.UsedFrames, info.TotalFrames), renderMargin, renderMargin+12)

	top := renderMargin + renderTextHeight
	for frame, used := range bitmap {
		x := renderMargin + float64(frame%columns)*renderCell
		y := top + float64(frame/columns)*renderCell
		dc.DrawRectangle(x, y, renderCell-1, renderCell-1)
		if used {
			setColor(dc, colorFrameUsed)
		} else {
			setColor(dc, colorFrameFree)
		}
		dc.Fill()
	}

	top += mapHeight + renderMargin
	setColor(dc, colorText)
	dc.DrawString(fmt.Sprintf("heap 0x%08x-0x%08x: %d blocks, %d free", info.HeapStart, info.HeapEnd, info.BlockCount, info.FreeBlocks), renderMargin, top+12)

	top += renderTextHeight
	scale := mapWidth / float64(info.HeapSize())
	for _, b := range blocks {
		x := renderMargin + float64(b.Addr-info.HeapStart)*scale
		w := float64(b.Size+heap.HeaderSize) * scale
		dc.DrawRectangle(x, top, max(w, 1), renderHeapHeight)
		if b.Free {
			setColor(dc, colorBlockFree)
		} else {
			setColor(dc, colorBlockUsed)
		}
		dc.Fill()
	}

	return dc, nil
}
