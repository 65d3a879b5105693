// Package mm contains the address and size types shared by the physical
// and virtual memory managers.
package mm

import "math"

// Frame is the index of a 4 KiB physical frame.
type Frame uint32

const (
	// InvalidFrame is the frame returned alongside allocation errors.
	InvalidFrame = Frame(math.MaxUint32)
)

// Valid reports whether f is not InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of f.
func (f Frame) Address() uintptr {
	return uintptr(f) << PageShift
}

// FrameFromAddress returns the frame containing physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page is the index of a 4 KiB virtual page.
type Page uint32

// Address returns the virtual address of the first byte of p.
func (p Page) Address() uintptr {
	return uintptr(p) << PageShift
}

// PageFromAddress returns the page containing virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PageOffset returns the offset of addr within its page.
func PageOffset(addr uintptr) uintptr {
	return addr & (PageSize - 1)
}

// AlignUp rounds addr up to the next multiple of align, which must be a
// power of 2.
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) & ^(align - 1)
}

// PagesFor returns the number of pages needed to hold size bytes.
func PagesFor(size uintptr) uintptr {
	return AlignUp(size, PageSize) >> PageShift
}
