package vmm

const (
	// pageLevels indicates the number of page levels used by 32-bit x86
	// paging without PAE: a page directory and a page table.
	pageLevels = 2

	// entriesPerTable is the number of entries in a page directory or a
	// page table.
	entriesPerTable = 1024

	// ptePhysPageMask selects the frame address held in bits 12-31 of an
	// entry.
	ptePhysPageMask = uint32(0xfffff000)

	// maxVirtAddr is the last addressable byte of the 32-bit address space.
	maxVirtAddr = uintptr(0xffffffff)
)

var (
	// pageLevelShifts holds the right shift that isolates the directory and
	// table index of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

// pdIndex returns the page directory slot for virtAddr (bits 31-22).
func pdIndex(virtAddr uintptr) int {
	return int(virtAddr>>pageLevelShifts[0]) & (entriesPerTable - 1)
}

// ptIndex returns the page table slot for virtAddr (bits 21-12).
func ptIndex(virtAddr uintptr) int {
	return int(virtAddr>>pageLevelShifts[1]) & (entriesPerTable - 1)
}

const (
	// FlagPresent marks an entry the CPU may use for translation.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW allows writes through the mapping.
	FlagRW

	// FlagUserAccessible exposes the mapping to ring 3.
	FlagUserAccessible

	// FlagWriteThroughCaching selects write-through instead of write-back.
	FlagWriteThroughCaching

	// FlagDoNotCache disables caching for the mapping.
	FlagDoNotCache

	// FlagAccessed is set by hardware on any access.
	FlagAccessed

	// FlagDirty is set by hardware on a write.
	FlagDirty

	// FlagHugePage is set in a page directory entry that maps a 4M page
	// instead of pointing to a page table. Huge pages are not supported.
	FlagHugePage

	// FlagGlobal keeps the translation cached across directory switches.
	FlagGlobal
)

// mapFlagsMask contains the flags that callers of Map may request.
const mapFlagsMask = FlagPresent | FlagRW | FlagUserAccessible | FlagWriteThroughCaching | FlagDoNotCache | FlagGlobal
