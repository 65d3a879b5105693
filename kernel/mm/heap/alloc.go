package heap

import (
	"math"

	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
)

// blockSizes returns the request rounded up to BlockSize and the capacity a
// block needs to hold it together with its guards.
func (hp *Heap) blockSizes(size uintptr) (rounded, need uint32, err *kernel.Error) {
	r := mm.AlignUp(size, BlockSize)
	n := r + 2*hp.guardSize
	if r < size || n < r || n > math.MaxUint32 || n > hp.limit-hp.start {
		return 0, 0, ErrHeapExhausted
	}
	return uint32(r), uint32(n), nil
}

// Alloc returns a pointer to size bytes of heap memory, growing the heap
// once if no free block is large enough. Alloc(0) returns 0.
func (hp *Heap) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}

	rounded, need, err := hp.blockSizes(size)
	if err != nil {
		return 0, err
	}

	h := hp.bestFit(need)
	if h == nilHandle {
		if err = hp.expand(need); err != nil {
			return 0, err
		}

		// expand guarantees that the tail block fits the request.
		if h = hp.bestFit(need); h == nilHandle {
			return 0, ErrHeapExhausted
		}
	}

	return hp.place(h, need, rounded)
}

// AllocAligned returns a pointer to size bytes of heap memory that starts
// on a page boundary.
func (hp *Heap) AllocAligned(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}

	rounded, need, err := hp.blockSizes(size)
	if err != nil {
		return 0, err
	}

	h, gap := hp.alignedFit(need)
	if h == nilHandle {
		// Room for the worst-case gap in front of the aligned header.
		worst := uint64(need) + uint64(mm.PageSize) + HeaderSize + BlockSize
		if worst > uint64(hp.limit-hp.start) {
			return 0, ErrHeapExhausted
		}
		if err = hp.expand(uint32(worst)); err != nil {
			return 0, err
		}

		if h, gap = hp.alignedFit(need); h == nilHandle {
			return 0, ErrHeapExhausted
		}
	}

	if gap != 0 {
		// Leave the bytes in front of the aligned header as a free block.
		front := h
		h = hp.split(front, uint32(gap-HeaderSize))
		if err = hp.writeHeader(front); err != nil {
			return 0, err
		}
	}

	return hp.place(h, need, rounded)
}

// bestFit returns the smallest free block with at least need bytes of
// capacity. Among blocks of equal size the one with the lowest address wins.
func (hp *Heap) bestFit(need uint32) handle {
	found := nilHandle
	hp.bySize.AscendGreaterOrEqual(sizeItem{size: need}, func(item sizeItem) bool {
		found = item.h
		return false
	})
	return found
}

// alignedFit returns the smallest free block that can hold a page-aligned
// payload of need bytes, and the offset of the aligned block header from
// the start of the free block. A non-zero offset always leaves room for a
// free block in front of the aligned one.
func (hp *Heap) alignedFit(need uint32) (handle, uintptr) {
	var (
		found = nilHandle
		gap   uintptr
	)

	hp.bySize.AscendGreaterOrEqual(sizeItem{size: need}, func(item sizeItem) bool {
		payload := mm.AlignUp(item.addr+hp.overhead(), mm.PageSize)
		offset := payload - hp.overhead() - item.addr
		if offset != 0 && offset < HeaderSize+BlockSize {
			offset += mm.PageSize
		}

		if offset+uintptr(need) > uintptr(item.size) {
			return true
		}

		found, gap = item.h, offset
		return false
	})

	return found, gap
}

// place hands out the free block h for a request of rounded bytes, splitting
// off the unused tail when it is large enough to form a block of its own.
func (hp *Heap) place(h handle, need, rounded uint32) (uintptr, *kernel.Error) {
	var rest = nilHandle
	if hp.blocks[h].size > need+HeaderSize+BlockSize {
		rest = hp.split(h, need)
	}

	hp.markUsed(h, rounded)
	err := hp.writeHeaders(h, rest)
	if err == nil {
		err = hp.stampGuards(h)
	}
	if err != nil {
		hp.unplace(h, rest)
		return 0, err
	}

	return hp.blocks[h].addr + hp.overhead(), nil
}

// unplace returns h to the free set after a failed place, merging back the
// tail split off by it.
func (hp *Heap) unplace(h, rest handle) {
	if rest != nilHandle {
		hp.absorb(h, rest)
	}
	hp.markFree(h)
	if err := hp.writeHeader(h); err != nil {
		hp.log.Warnf("cannot restore header at 0x%08x: %v", hp.blocks[h].addr, err)
	}
}

// expand grows the heap at its end so that the tail block is free and has at
// least need bytes of capacity. A free tail block is extended in place;
// otherwise a new free block is appended.
func (hp *Heap) expand(need uint32) *kernel.Error {
	var (
		tail     = hp.tail
		tailFree = hp.blocks[tail].free
		grow     uintptr
	)

	if tailFree {
		grow = uintptr(need - hp.blocks[tail].size)
	} else {
		grow = uintptr(need) + HeaderSize
	}
	grow = mm.AlignUp(grow, mm.PageSize)

	if grow > hp.limit-hp.end {
		hp.log.Warnf("cannot grow heap by %d bytes: window ends at 0x%08x", grow, hp.limit)
		return ErrHeapExhausted
	}

	if err := hp.mapRange(hp.end, grow); err != nil {
		return err
	}

	if tailFree {
		hp.resize(tail, hp.blocks[tail].size+uint32(grow))
	} else {
		h := hp.newBlock(hp.end, uint32(grow-HeaderSize))
		hp.blocks[tail].next = h
		hp.tail = h
		hp.markFree(h)
	}

	hp.end += grow
	hp.expansions++
	hp.log.Debugf("heap expanded by %d bytes to 0x%08x", grow, hp.end)

	return hp.writeHeaders(tail, hp.tail)
}
