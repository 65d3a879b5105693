package vmm

import (
	"unsafe"

	"github.com/alexeev-prog/KintsugiOS/kernel"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
)

// pageTable is the in-memory layout of a page directory or page table.
type pageTable [entriesPerTable]PageTableEntry

// PageDirectory describes the top-most table of the two-level paging scheme.
type PageDirectory struct {
	// tables holds a pointer to every page table reachable from this
	// directory or nil when the corresponding entry is not present.
	tables [entriesPerTable]*pageTable

	// tablesPhysical is the array of directory entries. Its physical
	// address is the value loaded into CR3.
	tablesPhysical *pageTable

	physicalAddr uintptr
}

// PhysicalAddress returns the address of the directory entry array.
func (pd *PageDirectory) PhysicalAddress() uintptr {
	return pd.physicalAddr
}

// Entry returns the directory entry at index.
func (pd *PageDirectory) Entry(index int) PageTableEntry {
	return pd.tablesPhysical[index]
}

// NewPageDirectory allocates and clears a frame for a new, empty page
// directory.
func (as *AddressSpace) NewPageDirectory() (*PageDirectory, *kernel.Error) {
	frame, table, err := as.newTable()
	if err != nil {
		return nil, err
	}

	return &PageDirectory{
		tablesPhysical: table,
		physicalAddr:   frame.Address(),
	}, nil
}

// newTable allocates a frame, clears it and returns a view of its contents.
func (as *AddressSpace) newTable() (mm.Frame, *pageTable, *kernel.Error) {
	frame, err := as.allocFrame()
	if err != nil {
		return mm.InvalidFrame, nil, err
	}

	if err = as.mem.ZeroFrame(frame); err != nil {
		return mm.InvalidFrame, nil, err
	}

	table, err := as.tableAt(frame)
	return frame, table, err
}

// tableAt interprets the contents of a physical frame as a page table.
func (as *AddressSpace) tableAt(frame mm.Frame) (*pageTable, *kernel.Error) {
	buf, err := as.mem.Frame(frame)
	if err != nil {
		return nil, err
	}

	return (*pageTable)(unsafe.Pointer(&buf[0])), nil
}

// GetPage returns the page table entry for virtAddr in dir. If the page table
// covering virtAddr does not exist it is created when create is true,
// otherwise ErrInvalidMapping is returned. Page tables created by GetPage are
// present, writable and user accessible at the directory level; the page
// entry itself decides the effective permissions.
func (as *AddressSpace) GetPage(virtAddr uintptr, create bool, dir *PageDirectory) (*PageTableEntry, *kernel.Error) {
	return as.getPage(virtAddr, create, FlagPresent|FlagRW|FlagUserAccessible, dir)
}

func (as *AddressSpace) getPage(virtAddr uintptr, create bool, pdeFlags PageTableEntryFlag, dir *PageDirectory) (*PageTableEntry, *kernel.Error) {
	if virtAddr > maxVirtAddr {
		return nil, ErrAddressOutOfRange
	}

	pdIdx := pdIndex(virtAddr)
	pde := &dir.tablesPhysical[pdIdx]

	switch {
	case pde.HasFlags(FlagHugePage):
		return nil, errNoHugePageSupport
	case dir.tables[pdIdx] != nil:
		if create {
			pde.SetFlags(pdeFlags)
		}
	case !create:
		return nil, ErrInvalidMapping
	default:
		frame, table, err := as.newTable()
		if err != nil {
			return nil, err
		}

		*pde = 0
		pde.SetFrame(frame)
		pde.SetFlags(pdeFlags | FlagPresent)
		dir.tables[pdIdx] = table
		as.log.Debugf("allocated page table %d at 0x%08x", pdIdx, frame.Address())
	}

	return &dir.tables[pdIdx][ptIndex(virtAddr)], nil
}

// lookup returns the present page table entry for virtAddr in the current
// directory.
func (as *AddressSpace) lookup(virtAddr uintptr) (*PageTableEntry, *kernel.Error) {
	pte, err := as.getPage(virtAddr, false, 0, as.current)
	if err != nil {
		return nil, err
	}

	if !pte.HasFlags(FlagPresent) {
		return nil, ErrInvalidMapping
	}

	return pte, nil
}
