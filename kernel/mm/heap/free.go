package heap

import (
	"github.com/alexeev-prog/KintsugiOS/kernel"
)

// lookup maps a pointer returned by Alloc back to its block. Pointers outside
// the heap window are rejected before any header is inspected.
func (hp *Heap) lookup(ptr uintptr) (handle, *kernel.Error) {
	if ptr < hp.start+hp.overhead() || ptr >= hp.end {
		return nilHandle, ErrInvalidPointer
	}

	h, ok := hp.lookupHeader(ptr - hp.overhead())
	if !ok {
		return nilHandle, ErrInvalidPointer
	}
	return h, nil
}

// Free releases the block that ptr points to and merges it with any free
// neighbours. Freeing an already free block returns ErrDoubleFree and has no
// effect. When guards are enabled and either guard was overwritten the block
// is still released and ErrGuardCorrupted is returned.
func (hp *Heap) Free(ptr uintptr) *kernel.Error {
	if ptr == 0 {
		return nil
	}

	h, err := hp.lookup(ptr)
	if err != nil {
		return err
	}
	if hp.blocks[h].free {
		return ErrDoubleFree
	}

	guardsIntact := hp.checkGuards(h)

	hp.markFree(h)
	if next := hp.blocks[h].next; next != nilHandle && hp.blocks[next].free {
		hp.absorb(h, next)
	}
	if prev := hp.predecessor(h); prev != nilHandle && hp.blocks[prev].free {
		hp.absorb(prev, h)
		h = prev
	}

	if err = hp.writeHeader(h); err != nil {
		return err
	}

	if !guardsIntact {
		return ErrGuardCorrupted
	}
	return nil
}

// Realloc resizes the allocation at ptr. A zero ptr behaves like Alloc and a
// zero size behaves like Free. Shrinking happens in place; growing moves the
// payload to a new block and frees the old one.
func (hp *Heap) Realloc(ptr, size uintptr) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return hp.Alloc(size)
	}
	if size == 0 {
		return 0, hp.Free(ptr)
	}

	h, err := hp.lookup(ptr)
	if err != nil {
		return 0, err
	}
	if hp.blocks[h].free {
		return 0, ErrInvalidPointer
	}

	rounded, need, err := hp.blockSizes(size)
	if err != nil {
		return 0, err
	}

	if need <= hp.blocks[h].size {
		return ptr, hp.shrink(h, need, rounded)
	}

	newPtr, err := hp.Alloc(size)
	if err != nil {
		return 0, err
	}

	payload := make([]byte, min(hp.blocks[h].used, rounded))
	if err = hp.backend.ReadVirtual(ptr, payload); err != nil {
		return 0, err
	}
	if err = hp.backend.WriteVirtual(newPtr, payload); err != nil {
		return 0, err
	}

	return newPtr, hp.Free(ptr)
}

// shrink reduces the used part of h to rounded bytes, returning the unused
// tail to the free list when it can hold a block of its own.
func (hp *Heap) shrink(h handle, need, rounded uint32) *kernel.Error {
	rest := nilHandle
	if hp.blocks[h].size > need+HeaderSize+BlockSize {
		rest = hp.split(h, need)
		if next := hp.blocks[rest].next; next != nilHandle && hp.blocks[next].free {
			hp.absorb(rest, next)
		}
	}

	hp.blocks[h].used = rounded
	if err := hp.writeHeaders(h, rest); err != nil {
		return err
	}
	return hp.stampTailGuard(h)
}
