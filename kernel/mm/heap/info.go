package heap

import (
	"fmt"
	"io"

	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
	"github.com/pkg/errors"
)

// Info is a snapshot of the heap statistics.
type Info struct {
	HeapStart  uintptr
	HeapEnd    uintptr
	HeapLimit  uintptr
	BlockSize  uint32
	TotalUsed  uint64
	TotalFree  uint64
	BlockCount int
	FreeBlocks int
	Expansions int
}

// HeapSize returns the number of mapped heap bytes.
func (i Info) HeapSize() uintptr {
	return i.HeapEnd - i.HeapStart
}

// BlockInfo describes a single block in list order.
type BlockInfo struct {
	Addr uintptr
	Size uint32
	Free bool
}

// Info returns the current heap statistics. Used and free totals count block
// capacity, excluding headers.
func (hp *Heap) Info() Info {
	info := Info{
		HeapStart:  hp.start,
		HeapEnd:    hp.end,
		HeapLimit:  hp.limit,
		BlockSize:  BlockSize,
		Expansions: hp.expansions,
	}

	for h := hp.head; h != nilHandle; h = hp.blocks[h].next {
		b := hp.blocks[h]
		info.BlockCount++
		if b.free {
			info.FreeBlocks++
			info.TotalFree += uint64(b.size)
		} else {
			info.TotalUsed += uint64(b.size)
		}
	}

	return info
}

// Blocks returns every block in list order.
func (hp *Heap) Blocks() []BlockInfo {
	var list []BlockInfo
	for h := hp.head; h != nilHandle; h = hp.blocks[h].next {
		b := hp.blocks[h]
		list = append(list, BlockInfo{Addr: b.addr, Size: b.size, Free: b.free})
	}
	return list
}

// Dump writes the heap statistics followed by one line per block.
func (hp *Heap) Dump(w io.Writer) {
	info := hp.Info()

	fmt.Fprintf(w, "Heap: %x - %x (%d bytes)\n", info.HeapStart, info.HeapEnd, info.HeapSize())
	fmt.Fprintf(w, "Block size: %d bytes\n", info.BlockSize)
	fmt.Fprintf(w, "Total: USED=%d bytes, FREE=%d bytes, in %d blocks\n", info.TotalUsed, info.TotalFree, info.BlockCount)

	for i, b := range hp.Blocks() {
		state := "USED"
		if b.Free {
			state = "FREE"
		}
		fmt.Fprintf(w, "Block %d: %x, Size=%d, %s\n", i, b.Addr, b.Size, state)
	}
}

// Verify walks the block list and checks that the blocks tile the heap,
// that no two neighbours are both free, that every block lies in mapped
// memory and that the headers stored in memory match the block list.
func (hp *Heap) Verify() error {
	var (
		expAddr  = hp.start
		prevFree bool
		count    int
		free     int
	)

	for h := hp.head; h != nilHandle; h = hp.blocks[h].next {
		b := hp.blocks[h]

		switch {
		case b.addr != expAddr:
			return errors.Wrapf(ErrHeapCorrupted, "block %d starts at 0x%x; expected 0x%x", count, b.addr, expAddr)
		case b.end() > hp.end:
			return errors.Wrapf(ErrHeapCorrupted, "block %d at 0x%x ends past the heap end 0x%x", count, b.addr, hp.end)
		case b.free && prevFree:
			return errors.Wrapf(ErrHeapCorrupted, "adjacent free blocks at 0x%x", b.addr)
		case !b.free && b.size < b.used+2*uint32(hp.guardSize):
			return errors.Wrapf(ErrHeapCorrupted, "block %d at 0x%x holds %d bytes in %d bytes of capacity", count, b.addr, b.used, b.size)
		}

		if idx, ok := hp.lookupHeader(b.addr); !ok || idx != h {
			return errors.Wrapf(ErrHeapCorrupted, "block %d at 0x%x missing from the address index", count, b.addr)
		}
		if _, ok := hp.bySize.Get(sizeItem{size: b.size, addr: b.addr}); ok != b.free {
			return errors.Wrapf(ErrHeapCorrupted, "block %d at 0x%x: size index disagrees with free flag", count, b.addr)
		}

		if err := hp.verifyHeader(h); err != nil {
			return errors.Wrapf(err, "block %d", count)
		}

		if b.free {
			free++
		}
		prevFree = b.free
		expAddr = b.end()
		count++
	}

	switch {
	case expAddr != hp.end:
		return errors.Wrapf(ErrHeapCorrupted, "blocks end at 0x%x; heap ends at 0x%x", expAddr, hp.end)
	case hp.byAddr.Len() != count:
		return errors.Wrapf(ErrHeapCorrupted, "address index holds %d blocks; list holds %d", hp.byAddr.Len(), count)
	case hp.bySize.Len() != free:
		return errors.Wrapf(ErrHeapCorrupted, "size index holds %d blocks; list holds %d free blocks", hp.bySize.Len(), free)
	}

	for page := hp.start; page < hp.end; page += mm.PageSize {
		if _, err := hp.backend.Translate(page); err != nil {
			return errors.Wrapf(ErrHeapCorrupted, "heap page 0x%x is not mapped: %v", page, err)
		}
	}

	return nil
}

func (hp *Heap) verifyHeader(h handle) error {
	b := hp.blocks[h]

	hdr, err := hp.readHeader(b.addr)
	if err != nil {
		return errors.Wrapf(ErrHeapCorrupted, "reading header at 0x%x: %v", b.addr, err)
	}

	var expNext uint32
	if b.next != nilHandle {
		expNext = uint32(hp.blocks[b.next].addr)
	}

	switch {
	case hdr.magic != headerMagic:
		return errors.Wrapf(ErrHeapCorrupted, "header at 0x%x has magic 0x%x", b.addr, hdr.magic)
	case hdr.size != b.size:
		return errors.Wrapf(ErrHeapCorrupted, "header at 0x%x records size %d; expected %d", b.addr, hdr.size, b.size)
	case (hdr.flags&blockFreeFlag != 0) != b.free:
		return errors.Wrapf(ErrHeapCorrupted, "header at 0x%x has the wrong free flag", b.addr)
	case hdr.next != expNext:
		return errors.Wrapf(ErrHeapCorrupted, "header at 0x%x links to 0x%x; expected 0x%x", b.addr, hdr.next, expNext)
	}
	return nil
}
