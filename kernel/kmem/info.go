package kmem

import (
	"fmt"
	"io"

	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/heap"
)

// MemInfo combines the heap statistics with the state of physical memory
// and of the active page directory.
type MemInfo struct {
	heap.Info

	PhysicalMemory mm.Size
	TotalFrames    uint32
	UsedFrames     uint32
	FreeFrames     uint32
	MappedPages    int
	PageDirectory  uintptr
}

// String formats the totals in kilobytes.
func (mi MemInfo) String() string {
	return fmt.Sprintf(
		"Memory: %d KB total, %d KB free, %d KB used\nHeap size: %d KB, used: %d KB, free: %d KB\n",
		uint64(mi.TotalFrames)*uint64(mm.PageSize)/uint64(mm.Kb),
		uint64(mi.FreeFrames)*uint64(mm.PageSize)/uint64(mm.Kb),
		uint64(mi.UsedFrames)*uint64(mm.PageSize)/uint64(mm.Kb),
		uint64(mi.HeapSize())/uint64(mm.Kb),
		mi.TotalUsed/uint64(mm.Kb),
		mi.TotalFree/uint64(mm.Kb),
	)
}

// MemInfo returns a snapshot of the memory statistics.
func (m *Manager) MemInfo() (MemInfo, *kernel.Error) {
	var info MemInfo
	err := m.call(func() *kernel.Error {
		info = MemInfo{
			Info:           m.heap.Info(),
			PhysicalMemory: m.cfg.Memory.PhysicalSize,
			TotalFrames:    m.frames.TotalFrames(),
			UsedFrames:     m.frames.ReservedFrames(),
			FreeFrames:     m.frames.FreeFrames(),
			MappedPages:    m.vm.MappedPages(),
			PageDirectory:  m.vm.CurrentDirectory().PhysicalAddress(),
		}
		return nil
	})
	return info, err
}

// MemDump writes the heap block list followed by the frame totals.
func (m *Manager) MemDump(w io.Writer) *kernel.Error {
	return m.call(func() *kernel.Error {
		m.heap.Dump(w)
		fmt.Fprintf(w, "Frames: USED=%d, FREE=%d, TOTAL=%d\n",
			m.frames.ReservedFrames(), m.frames.FreeFrames(), m.frames.TotalFrames())
		return nil
	})
}

// DumpPageTables writes the present entries of the active page directory.
func (m *Manager) DumpPageTables(w io.Writer) *kernel.Error {
	return m.call(func() *kernel.Error {
		m.vm.Dump(w)
		return nil
	})
}

// HeapBlocks returns the heap block list in address order.
func (m *Manager) HeapBlocks() ([]heap.BlockInfo, *kernel.Error) {
	var blocks []heap.BlockInfo
	err := m.call(func() *kernel.Error {
		blocks = m.heap.Blocks()
		return nil
	})
	return blocks, err
}

// FrameBitmap returns one entry per physical frame, true for frames in use.
func (m *Manager) FrameBitmap() ([]bool, *kernel.Error) {
	var used []bool
	err := m.call(func() *kernel.Error {
		used = make([]bool, m.frames.TotalFrames())
		for i := range used {
			used[i] = m.frames.TestFrame(mm.Frame(i))
		}
		return nil
	})
	return used, err
}

// Verify checks the heap invariants. Corruption is reported through the
// returned error only; the corruption policy is not applied.
func (m *Manager) Verify() error {
	var verr error
	if err := m.call(func() *kernel.Error {
		verr = m.heap.Verify()
		return nil
	}); err != nil {
		return err
	}
	return verr
}
