// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"math/bits"

	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
)

var (
	// ErrOutOfMemory is returned by AllocFrame when every frame below the
	// physical memory ceiling is in use.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory", Kind: kernel.ResourceExhausted}

	// ErrFrameReserved is returned by ReserveFrame when the frame already
	// backs a mapping.
	ErrFrameReserved = &kernel.Error{Module: "pmm", Message: "frame is already reserved", Kind: kernel.InvalidOperation}

	// ErrFrameOutOfRange is returned for frames above the physical memory ceiling.
	ErrFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame is outside the physical memory ceiling", Kind: kernel.InvalidOperation}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

// bitsPerWord is the number of frames tracked by each bitmap word.
const bitsPerWord = 32

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations using a bitmap sized to the physical memory ceiling. A set
// bit marks a frame that backs a mapping.
type BitmapAllocator struct {
	// totalFrames tracks the number of frames below the ceiling.
	totalFrames uint32

	// reservedFrames tracks the number of reserved frames.
	reservedFrames uint32

	// freeBitmap tracks used/free frames. Bit (i % 32) of word (i / 32)
	// corresponds to frame i.
	freeBitmap []uint32
}

// NewBitmapAllocator returns an allocator for frameCount frames, all free.
func NewBitmapAllocator(frameCount uint32) *BitmapAllocator {
	alloc := &BitmapAllocator{
		totalFrames: frameCount,
		freeBitmap:  make([]uint32, (uint64(frameCount)+bitsPerWord-1)/bitsPerWord),
	}

	// Bits past the ceiling in the last word are permanently set so the
	// scan in AllocFrame never hands them out.
	if tail := frameCount % bitsPerWord; tail != 0 {
		alloc.freeBitmap[len(alloc.freeBitmap)-1] = ^uint32(0) << tail
	}

	return alloc
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame and reports whether the bit changed.
func (alloc *BitmapAllocator) markFrame(frame mm.Frame, flag markAs) bool {
	if uint32(frame) >= alloc.totalFrames {
		return false
	}

	block := frame / bitsPerWord
	mask := uint32(1) << (frame % bitsPerWord)
	wasSet := alloc.freeBitmap[block]&mask != 0

	switch flag {
	case markFree:
		alloc.freeBitmap[block] &^= mask
		if wasSet {
			alloc.reservedFrames--
		}
		return wasSet
	default:
		alloc.freeBitmap[block] |= mask
		if !wasSet {
			alloc.reservedFrames++
		}
		return !wasSet
	}
}

// AllocFrame reserves the first free frame, scanning the bitmap one word at
// a time, and returns it. ErrOutOfMemory is returned when no free frame is
// left; there is no backing store so callers must treat it as fatal.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for block, word := range alloc.freeBitmap {
		if word == ^uint32(0) {
			continue
		}

		frame := mm.Frame(block*bitsPerWord + bits.TrailingZeros32(^word))
		alloc.markFrame(frame, markReserved)
		return frame, nil
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame previously reserved by AllocFrame or
// ReserveFrame. The caller guarantees that the frame was reserved exactly
// once; freeing an already free frame is not detected.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if uint32(frame) >= alloc.totalFrames {
		return ErrFrameOutOfRange
	}

	alloc.markFrame(frame, markFree)
	return nil
}

// ReserveFrame marks a specific frame as reserved. It returns
// ErrFrameReserved if the frame already backs a mapping.
func (alloc *BitmapAllocator) ReserveFrame(frame mm.Frame) *kernel.Error {
	if uint32(frame) >= alloc.totalFrames {
		return ErrFrameOutOfRange
	}

	if !alloc.markFrame(frame, markReserved) {
		return ErrFrameReserved
	}

	return nil
}

// ReserveRegion marks every frame that overlaps the physical region
// [start, start+size) as reserved. Frames above the ceiling are ignored.
func (alloc *BitmapAllocator) ReserveRegion(start, size uintptr) {
	if size == 0 {
		return
	}

	last := mm.FrameFromAddress(start + size - 1)
	for frame := mm.FrameFromAddress(start); frame <= last && uint32(frame) < alloc.totalFrames; frame++ {
		alloc.markFrame(frame, markReserved)
	}
}

// TestFrame returns true if frame is reserved.
func (alloc *BitmapAllocator) TestFrame(frame mm.Frame) bool {
	if uint32(frame) >= alloc.totalFrames {
		return false
	}

	return alloc.freeBitmap[frame/bitsPerWord]&(1<<(frame%bitsPerWord)) != 0
}

// TotalFrames returns the number of frames below the physical memory ceiling.
func (alloc *BitmapAllocator) TotalFrames() uint32 { return alloc.totalFrames }

// ReservedFrames returns the number of reserved frames.
func (alloc *BitmapAllocator) ReservedFrames() uint32 { return alloc.reservedFrames }

// FreeFrames returns the number of frames available for allocation.
func (alloc *BitmapAllocator) FreeFrames() uint32 { return alloc.totalFrames - alloc.reservedFrames }
