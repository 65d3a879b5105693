// Package physmem models the machine's physical RAM. The page table manager
// stores page directories and page tables inside it and reads them back
// through the same physical addresses the MMU would use, which gives tests
// an identity window into physical memory.
package physmem

import (
	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
	"github.com/pkg/errors"
)

var (
	// ErrOutOfRange is returned when an access falls outside the installed RAM.
	ErrOutOfRange = &kernel.Error{Module: "physmem", Message: "physical address outside installed memory", Kind: kernel.HardwareFault}
)

// Memory is a contiguous block of emulated physical RAM starting at
// physical address 0.
type Memory struct {
	data    []byte
	release func([]byte) error
}

// New reserves size bytes of emulated RAM. The size is rounded up to a
// multiple of the page size and must fit in the 32-bit physical address
// space.
func New(size mm.Size) (*Memory, error) {
	size = mm.Size(mm.AlignUp(uintptr(size), mm.PageSize))
	switch {
	case size == 0:
		return nil, errors.New("physical memory size must be non-zero")
	case uint64(size) > mm.AddressSpaceSize:
		return nil, errors.Errorf("physical memory size %s exceeds the 4G address space", size)
	}

	data, release, err := allocate(int(size))
	if err != nil {
		return nil, errors.Wrapf(err, "reserving %s of physical memory", size)
	}

	return &Memory{data: data, release: release}, nil
}

// Close releases the host memory backing this instance.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}

	data := m.data
	m.data = nil
	return m.release(data)
}

// Size returns the amount of installed RAM in bytes.
func (m *Memory) Size() uintptr {
	return uintptr(len(m.data))
}

// FrameCount returns the number of page frames in the installed RAM.
func (m *Memory) FrameCount() uint32 {
	return uint32(len(m.data) >> mm.PageShift)
}

// Contains returns true if addr is backed by installed RAM.
func (m *Memory) Contains(addr uintptr) bool {
	return addr < uintptr(len(m.data))
}

// Slice returns the length bytes starting at physical address addr. The
// returned slice aliases the emulated RAM.
func (m *Memory) Slice(addr, length uintptr) ([]byte, *kernel.Error) {
	end := addr + length
	if end < addr || end > uintptr(len(m.data)) {
		return nil, ErrOutOfRange
	}

	return m.data[addr:end:end], nil
}

// Frame returns the contents of a physical frame.
func (m *Memory) Frame(frame mm.Frame) ([]byte, *kernel.Error) {
	return m.Slice(frame.Address(), mm.PageSize)
}

// ZeroFrame clears the contents of a physical frame.
func (m *Memory) ZeroFrame(frame mm.Frame) *kernel.Error {
	page, err := m.Frame(frame)
	if err != nil {
		return err
	}

	clear(page)
	return nil
}
