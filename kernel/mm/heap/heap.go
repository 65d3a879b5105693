// Package heap implements the kernel's best-fit free-list allocator. Blocks
// tile a reserved virtual window that starts mapped to InitialSize bytes and
// grows one expansion at a time up to MaxSize.
package heap

import (
	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/kfmt"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm/vmm"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

const (
	// HeaderSize is the size of the block header stored in front of every
	// block.
	HeaderSize = 16

	// BlockSize is the allocation granularity. Requests are rounded up to
	// a multiple of BlockSize.
	BlockSize = 16

	// GuardSize is the size of each guard region placed around payloads
	// when guards are enabled.
	GuardSize = 16

	// GuardMagic is stamped over every guard region.
	GuardMagic = uint32(0xdeadc0de)

	// btreeDegree is the degree of the block indexes.
	btreeDegree = 16
)

var (
	// ErrHeapExhausted is returned when the heap window cannot grow any further.
	ErrHeapExhausted = &kernel.Error{Module: "heap", Message: "heap window exhausted", Kind: kernel.ResourceExhausted}

	// ErrInvalidPointer is returned when freeing a pointer that was not returned by the allocator.
	ErrInvalidPointer = &kernel.Error{Module: "heap", Message: "pointer does not belong to an allocated block", Kind: kernel.InvalidOperation}

	// ErrDoubleFree is returned when freeing a block that is already free.
	ErrDoubleFree = &kernel.Error{Module: "heap", Message: "double free", Kind: kernel.InvalidOperation}

	// ErrGuardCorrupted is returned by Free when a guard region was overwritten.
	ErrGuardCorrupted = &kernel.Error{Module: "heap", Message: "guard bytes overwritten", Kind: kernel.CorruptionDetected}

	// ErrHeapCorrupted is wrapped by the errors returned from Verify.
	ErrHeapCorrupted = &kernel.Error{Module: "heap", Message: "heap invariant violated", Kind: kernel.CorruptionDetected}

	errInvalidConfig = &kernel.Error{Module: "heap", Message: "heap window must be page aligned, non-empty and inside the 32-bit address space", Kind: kernel.InvalidOperation}
)

// Backend provides the frames, mappings and memory accessors used by the heap.
type Backend interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	FreeFrame(frame mm.Frame) *kernel.Error
	Map(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
	Unmap(page mm.Page) *kernel.Error
	Translate(virtAddr uintptr) (uintptr, *kernel.Error)
	ReadVirtual(virtAddr uintptr, buf []byte) *kernel.Error
	WriteVirtual(virtAddr uintptr, buf []byte) *kernel.Error
}

// Config describes the heap window.
type Config struct {
	// Start is the page-aligned virtual address of the first block.
	Start uintptr

	// InitialSize bytes are mapped when the heap is created.
	InitialSize uintptr

	// MaxSize is the size of the reserved window. The heap never grows
	// past Start+MaxSize.
	MaxSize uintptr

	// Guards enables guard regions around every payload.
	Guards bool
}

// Heap is a best-fit allocator over a contiguous virtual window.
type Heap struct {
	backend Backend

	start uintptr
	end   uintptr
	limit uintptr

	guardSize uintptr

	// blocks is the descriptor arena. head and tail are handles into it.
	blocks      []block
	freeHandles []handle
	head, tail  handle

	// byAddr indexes every block by header address; bySize indexes free
	// blocks by capacity and address.
	byAddr *btree.BTreeG[addrItem]
	bySize *btree.BTreeG[sizeItem]

	expansions int

	log *logrus.Entry
}

// New maps the initial window and creates a heap with a single free block
// spanning it.
func New(cfg Config, backend Backend) (*Heap, *kernel.Error) {
	if cfg.Start&(mm.PageSize-1) != 0 || cfg.InitialSize == 0 || cfg.InitialSize&(mm.PageSize-1) != 0 ||
		cfg.MaxSize < cfg.InitialSize || uint64(cfg.Start)+uint64(cfg.MaxSize) > mm.AddressSpaceSize {
		return nil, errInvalidConfig
	}

	hp := &Heap{
		backend: backend,
		start:   cfg.Start,
		end:     cfg.Start,
		limit:   cfg.Start + cfg.MaxSize,
		head:    nilHandle,
		tail:    nilHandle,
		byAddr:  btree.NewG[addrItem](btreeDegree, addrItemLess),
		bySize:  btree.NewG[sizeItem](btreeDegree, sizeItemLess),
		log:     kfmt.Logger("heap"),
	}
	if cfg.Guards {
		hp.guardSize = GuardSize
	}

	if err := hp.mapRange(cfg.Start, cfg.InitialSize); err != nil {
		return nil, err
	}

	h := hp.newBlock(cfg.Start, uint32(cfg.InitialSize-HeaderSize))
	hp.head, hp.tail = h, h
	hp.end = cfg.Start + cfg.InitialSize
	hp.markFree(h)
	if err := hp.writeHeader(h); err != nil {
		return nil, err
	}

	hp.log.Debugf("heap initialized at 0x%08x-0x%08x (limit 0x%08x)", hp.start, hp.end, hp.limit)
	return hp, nil
}

// Start returns the address of the first block header.
func (hp *Heap) Start() uintptr { return hp.start }

// End returns the address one past the last mapped byte of the heap.
func (hp *Heap) End() uintptr { return hp.end }

// Limit returns the address one past the reserved window.
func (hp *Heap) Limit() uintptr { return hp.limit }

// Expansions returns the number of times the heap has grown.
func (hp *Heap) Expansions() int { return hp.expansions }

// overhead returns the distance between a block header and its payload.
func (hp *Heap) overhead() uintptr {
	return HeaderSize + hp.guardSize
}

// mapRange backs [virtAddr, virtAddr+size) with fresh frames. If a frame or
// a mapping cannot be obtained, every page mapped by this call is released
// again.
func (hp *Heap) mapRange(virtAddr, size uintptr) *kernel.Error {
	var mapped []mm.Frame

	rollback := func() {
		for i, frame := range mapped {
			_ = hp.backend.Unmap(mm.PageFromAddress(virtAddr + uintptr(i)*mm.PageSize))
			_ = hp.backend.FreeFrame(frame)
		}
	}

	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		frame, err := hp.backend.AllocFrame()
		if err != nil {
			rollback()
			return err
		}

		if err = hp.backend.Map(mm.PageFromAddress(virtAddr+offset), frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			_ = hp.backend.FreeFrame(frame)
			rollback()
			return err
		}
		mapped = append(mapped, frame)
	}

	return nil
}
