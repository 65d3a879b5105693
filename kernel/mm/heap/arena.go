package heap

import (
	"encoding/binary"

	"github.com/alexeev-prog/KintsugiOS/kernel"
)

// handle identifies a block descriptor in the arena.
type handle int32

const nilHandle handle = -1

// headerMagic tags every embedded block header.
const headerMagic = uint32(0x4b4d454d)

// blockFreeFlag is set in the flags word of a free block's header.
const blockFreeFlag = uint32(1)

// block describes one heap block. The header stored in memory at addr holds
// size, the free flag and the address of the next block.
type block struct {
	addr uintptr

	// size is the capacity of the block, excluding its header.
	size uint32

	// used is the rounded size requested by the owner of an allocated block.
	used uint32

	free bool
	next handle
}

// end returns the address one past the last byte of the block.
func (b *block) end() uintptr {
	return b.addr + HeaderSize + uintptr(b.size)
}

type addrItem struct {
	addr uintptr
	h    handle
}

func addrItemLess(a, b addrItem) bool { return a.addr < b.addr }

type sizeItem struct {
	size uint32
	addr uintptr
	h    handle
}

func sizeItemLess(a, b sizeItem) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.addr < b.addr
}

// newBlock adds a used descriptor at addr to the arena and the address
// index. The caller links it into the list.
func (hp *Heap) newBlock(addr uintptr, size uint32) handle {
	b := block{addr: addr, size: size, next: nilHandle}

	var h handle
	if n := len(hp.freeHandles); n > 0 {
		h = hp.freeHandles[n-1]
		hp.freeHandles = hp.freeHandles[:n-1]
		hp.blocks[h] = b
	} else {
		h = handle(len(hp.blocks))
		hp.blocks = append(hp.blocks, b)
	}

	hp.byAddr.ReplaceOrInsert(addrItem{addr: addr, h: h})
	return h
}

// releaseBlock drops a descriptor that has been absorbed by its neighbour.
func (hp *Heap) releaseBlock(h handle) {
	b := hp.blocks[h]
	hp.byAddr.Delete(addrItem{addr: b.addr})
	if b.free {
		hp.bySize.Delete(sizeItem{size: b.size, addr: b.addr})
	}

	hp.blocks[h] = block{next: nilHandle}
	hp.freeHandles = append(hp.freeHandles, h)
}

func (hp *Heap) markFree(h handle) {
	b := &hp.blocks[h]
	b.free = true
	b.used = 0
	hp.bySize.ReplaceOrInsert(sizeItem{size: b.size, addr: b.addr, h: h})
}

func (hp *Heap) markUsed(h handle, used uint32) {
	b := &hp.blocks[h]
	if b.free {
		hp.bySize.Delete(sizeItem{size: b.size, addr: b.addr})
	}
	b.free = false
	b.used = used
}

// resize changes the capacity of a block, keeping the size index current.
func (hp *Heap) resize(h handle, size uint32) {
	b := &hp.blocks[h]
	if b.free {
		hp.bySize.Delete(sizeItem{size: b.size, addr: b.addr})
		b.size = size
		hp.bySize.ReplaceOrInsert(sizeItem{size: b.size, addr: b.addr, h: h})
		return
	}
	b.size = size
}

// lookupHeader returns the block whose header is at addr.
func (hp *Heap) lookupHeader(addr uintptr) (handle, bool) {
	item, ok := hp.byAddr.Get(addrItem{addr: addr})
	return item.h, ok
}

// predecessor returns the block immediately before h in address order.
func (hp *Heap) predecessor(h handle) handle {
	addr := hp.blocks[h].addr
	if addr == hp.start {
		return nilHandle
	}

	prev := nilHandle
	hp.byAddr.DescendLessOrEqual(addrItem{addr: addr - 1}, func(item addrItem) bool {
		prev = item.h
		return false
	})
	return prev
}

// absorb merges src, which must directly follow dst, into dst.
func (hp *Heap) absorb(dst, src handle) {
	s := hp.blocks[src]
	hp.blocks[dst].next = s.next
	if hp.tail == src {
		hp.tail = dst
	}

	hp.releaseBlock(src)
	hp.resize(dst, hp.blocks[dst].size+HeaderSize+s.size)
}

// split carves a free block out of the tail of h so that h keeps exactly
// size bytes of capacity. It returns the new block.
func (hp *Heap) split(h handle, size uint32) handle {
	orig := hp.blocks[h]
	rest := hp.newBlock(orig.addr+HeaderSize+uintptr(size), orig.size-size-HeaderSize)
	hp.blocks[rest].next = orig.next

	hp.resize(h, size)
	hp.blocks[h].next = rest
	if hp.tail == h {
		hp.tail = rest
	}

	hp.markFree(rest)
	return rest
}

// writeHeader stores the header of h at the start of the block.
func (hp *Heap) writeHeader(h handle) *kernel.Error {
	b := hp.blocks[h]

	var (
		raw   [HeaderSize]byte
		flags uint32
		next  uint32
	)
	if b.free {
		flags = blockFreeFlag
	}
	if b.next != nilHandle {
		next = uint32(hp.blocks[b.next].addr)
	}

	binary.LittleEndian.PutUint32(raw[0:], b.size)
	binary.LittleEndian.PutUint32(raw[4:], flags)
	binary.LittleEndian.PutUint32(raw[8:], next)
	binary.LittleEndian.PutUint32(raw[12:], headerMagic)
	return hp.backend.WriteVirtual(b.addr, raw[:])
}

// writeHeaders stores the headers of every supplied block.
func (hp *Heap) writeHeaders(handles ...handle) *kernel.Error {
	for _, h := range handles {
		if h == nilHandle {
			continue
		}
		if err := hp.writeHeader(h); err != nil {
			return err
		}
	}
	return nil
}

// embeddedHeader is the decoded form of a header read back from memory.
type embeddedHeader struct {
	size  uint32
	flags uint32
	next  uint32
	magic uint32
}

func (hp *Heap) readHeader(addr uintptr) (embeddedHeader, *kernel.Error) {
	var raw [HeaderSize]byte
	if err := hp.backend.ReadVirtual(addr, raw[:]); err != nil {
		return embeddedHeader{}, err
	}

	return embeddedHeader{
		size:  binary.LittleEndian.Uint32(raw[0:]),
		flags: binary.LittleEndian.Uint32(raw[4:]),
		next:  binary.LittleEndian.Uint32(raw[8:]),
		magic: binary.LittleEndian.Uint32(raw[12:]),
	}, nil
}
