package vmm

import (
	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
)

// Map establishes a mapping between a virtual page and a physical memory
// frame using the currently active page directory. Missing page tables are
// allocated from the frame allocator and cleared. Only the TLB entry for the
// mapped page is invalidated.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if flags&FlagHugePage != 0 {
		return errNoHugePageSupport
	}

	pte, err := as.getPage(page.Address(), true, FlagPresent|FlagRW|(flags&FlagUserAccessible), as.current)
	if err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags((flags & mapFlagsMask) | FlagPresent)
	as.mmu.Invalidate(page.Address())

	return nil
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start.
func (as *AddressSpace) IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := mm.Page(mm.PagesFor(size))

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := as.Map(curPage, mm.Frame(curPage), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// Unmap removes a mapping previously installed via a call to Map. The frame
// that backed the page is not released.
func (as *AddressSpace) Unmap(page mm.Page) *kernel.Error {
	pte, err := as.lookup(page.Address())
	if err != nil {
		return err
	}

	pte.ClearFlags(FlagPresent)
	as.mmu.Invalidate(page.Address())
	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := as.lookup(virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + mm.PageOffset(virtAddr), nil
}

// Lookup returns a copy of the present page table entry for virtAddr.
func (as *AddressSpace) Lookup(virtAddr uintptr) (PageTableEntry, *kernel.Error) {
	pte, err := as.lookup(virtAddr)
	if err != nil {
		return 0, err
	}
	return *pte, nil
}

// MappedPages returns the number of present pages in the current directory.
func (as *AddressSpace) MappedPages() int {
	var count int
	for _, table := range as.current.tables {
		if table == nil {
			continue
		}
		for _, pte := range table {
			if pte.HasFlags(FlagPresent) {
				count++
			}
		}
	}
	return count
}
