package vmm

import (
	"strings"

	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page
// directory or page table entry.
type PageTableEntryFlag uint32

// String returns a compact representation of the flag set, e.g. "P|RW|U".
func (f PageTableEntryFlag) String() string {
	names := []struct {
		flag PageTableEntryFlag
		name string
	}{
		{FlagPresent, "P"},
		{FlagRW, "RW"},
		{FlagUserAccessible, "U"},
		{FlagWriteThroughCaching, "PWT"},
		{FlagDoNotCache, "PCD"},
		{FlagAccessed, "A"},
		{FlagDirty, "D"},
		{FlagHugePage, "PS"},
		{FlagGlobal, "G"},
	}

	var parts []string
	for _, n := range names {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// PageTableEntry describes a page directory or page table entry. These
// entries encode a physical frame address and a set of flags.
type PageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Flags returns the attribute bits of the entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint32(pte) &^ ptePhysPageMask)
}

// Present is a shorthand for HasFlags(FlagPresent).
func (pte PageTableEntry) Present() bool {
	return pte.HasFlags(FlagPresent)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint32(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (PageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | uint32(frame.Address()))
}
