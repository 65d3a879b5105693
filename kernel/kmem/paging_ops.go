package kmem

import (
	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/vmm"
)

// MapPage maps the page containing virtAddr to the frame containing
// physAddr. Frames inside RAM are claimed in the frame bitmap so that they
// back exactly one mapping; frames above the end of RAM (memory mapped
// devices) are mapped as-is.
func (m *Manager) MapPage(virtAddr, physAddr uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
	return m.guarded("map_page", func() *kernel.Error {
		if err := m.ensureUnmapped(virtAddr); err != nil {
			return err
		}

		frame := mm.FrameFromAddress(physAddr)
		inRAM := m.mem.Contains(physAddr)
		if inRAM {
			if err := m.frames.ReserveFrame(frame); err != nil {
				return err
			}
		}

		if err := m.vm.Map(mm.PageFromAddress(virtAddr), frame, flags); err != nil {
			if inRAM {
				_ = m.frames.FreeFrame(frame)
			}
			return err
		}
		return nil
	})
}

// UnmapPage removes the mapping for the page containing virtAddr. The
// backing frame stays allocated; use FreeFrame or FreePage to release it.
func (m *Manager) UnmapPage(virtAddr uintptr) *kernel.Error {
	return m.guarded("unmap_page", func() *kernel.Error {
		return m.vm.Unmap(mm.PageFromAddress(virtAddr))
	})
}

// AllocPage maps the page containing virtAddr to a fresh zeroed frame and
// returns the frame's physical address.
func (m *Manager) AllocPage(virtAddr uintptr, flags vmm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	var physAddr uintptr
	err := m.guarded("alloc_page", func() *kernel.Error {
		if err := m.ensureUnmapped(virtAddr); err != nil {
			return err
		}

		frame, err := m.frames.AllocFrame()
		if err != nil {
			return err
		}

		if err = m.mem.ZeroFrame(frame); err == nil {
			err = m.vm.Map(mm.PageFromAddress(virtAddr), frame, flags)
		}
		if err != nil {
			_ = m.frames.FreeFrame(frame)
			return err
		}

		physAddr = frame.Address()
		return nil
	})
	return physAddr, err
}

// FreePage unmaps the page containing virtAddr and releases its frame.
func (m *Manager) FreePage(virtAddr uintptr) *kernel.Error {
	return m.guarded("free_page", func() *kernel.Error {
		pte, err := m.vm.Lookup(virtAddr)
		if err != nil {
			return err
		}

		if err = m.vm.Unmap(mm.PageFromAddress(virtAddr)); err != nil {
			return err
		}

		if frame := pte.Frame(); m.mem.Contains(frame.Address()) {
			return m.frames.FreeFrame(frame)
		}
		return nil
	})
}

// AllocFrame reserves a physical frame and returns its address.
func (m *Manager) AllocFrame() (uintptr, *kernel.Error) {
	var physAddr uintptr
	err := m.guarded("alloc_frame", func() *kernel.Error {
		frame, err := m.frames.AllocFrame()
		if err != nil {
			return err
		}
		physAddr = frame.Address()
		return nil
	})
	return physAddr, err
}

// FreeFrame releases the frame containing physAddr. It does not check
// whether the frame is still mapped.
func (m *Manager) FreeFrame(physAddr uintptr) *kernel.Error {
	return m.guarded("free_frame", func() *kernel.Error {
		return m.frames.FreeFrame(mm.FrameFromAddress(physAddr))
	})
}

// TestFrame reports whether the frame containing physAddr is allocated.
func (m *Manager) TestFrame(physAddr uintptr) bool {
	var used bool
	_ = m.call(func() *kernel.Error {
		used = m.frames.TestFrame(mm.FrameFromAddress(physAddr))
		return nil
	})
	return used
}

// GetPhysicalAddress translates virtAddr using the current page directory.
// The second result is false if the page is not mapped.
func (m *Manager) GetPhysicalAddress(virtAddr uintptr) (uintptr, bool) {
	var physAddr uintptr
	err := m.call(func() (err *kernel.Error) {
		physAddr, err = m.vm.Translate(virtAddr)
		return err
	})
	return physAddr, err == nil
}

// GetPage returns the page table entry for virtAddr in dir, or in the
// current directory if dir is nil. If create is true a missing page table
// is allocated. A nil entry is returned if the table is missing and create
// is false.
func (m *Manager) GetPage(virtAddr uintptr, create bool, dir *vmm.PageDirectory) (*vmm.PageTableEntry, *kernel.Error) {
	var pte *vmm.PageTableEntry
	err := m.call(func() (err *kernel.Error) {
		if dir == nil {
			dir = m.vm.CurrentDirectory()
		}
		pte, err = m.vm.GetPage(virtAddr, create, dir)
		return err
	})
	if err == vmm.ErrInvalidMapping {
		return nil, nil
	}
	return pte, m.report("get_page", err)
}

// KernelDirectory returns the page directory built at boot.
func (m *Manager) KernelDirectory() *vmm.PageDirectory {
	return m.vm.KernelDirectory()
}

// CurrentDirectory returns the active page directory.
func (m *Manager) CurrentDirectory() *vmm.PageDirectory {
	return m.vm.CurrentDirectory()
}

// SwitchPageDirectory activates dir. The whole TLB is flushed.
func (m *Manager) SwitchPageDirectory(dir *vmm.PageDirectory) *kernel.Error {
	return m.guarded("switch_page_directory", func() *kernel.Error {
		if dir == nil {
			return errNilDirectory
		}
		m.vm.SwitchPageDirectory(dir)
		return nil
	})
}

// ReadVirtual copies memory at virtAddr into buf through the current page
// directory. Touching an unmapped page is a fatal page fault.
func (m *Manager) ReadVirtual(virtAddr uintptr, buf []byte) *kernel.Error {
	return m.guarded("read", func() *kernel.Error {
		return m.vm.ReadVirtual(virtAddr, buf)
	})
}

// WriteVirtual copies buf to virtAddr through the current page directory.
// Touching an unmapped or read-only page is a fatal page fault.
func (m *Manager) WriteVirtual(virtAddr uintptr, buf []byte) *kernel.Error {
	return m.guarded("write", func() *kernel.Error {
		return m.vm.WriteVirtual(virtAddr, buf)
	})
}

func (m *Manager) ensureUnmapped(virtAddr uintptr) *kernel.Error {
	switch _, err := m.vm.Lookup(virtAddr); err {
	case nil:
		return ErrAlreadyMapped
	case vmm.ErrInvalidMapping:
		return nil
	default:
		return err
	}
}
