package vmm

import (
	"fmt"
	"io"
)

// maxDumpEntries limits the number of page table entries printed per table.
const maxDumpEntries = 5

// Dump writes the present directory entries of the current page directory
// together with the first few present entries of each page table.
func (as *AddressSpace) Dump(w io.Writer) {
	dir := as.current
	fmt.Fprintf(w, "Page directory at 0x%08x\n", dir.physicalAddr)

	for pdIdx, pde := range dir.tablesPhysical {
		if !pde.HasFlags(FlagPresent) {
			continue
		}

		table := dir.tables[pdIdx]
		present := 0
		for _, pte := range table {
			if pte.HasFlags(FlagPresent) {
				present++
			}
		}

		fmt.Fprintf(w, "PD[%4d] = %08x [%s] table 0x%08x, %d present\n",
			pdIdx, uint32(pde), pde.Flags(), pde.Frame().Address(), present)

		printed := 0
		for ptIdx, pte := range table {
			if !pte.HasFlags(FlagPresent) {
				continue
			}
			if printed == maxDumpEntries {
				fmt.Fprintf(w, "  ... %d more\n", present-printed)
				break
			}

			virt := uintptr(pdIdx)<<pageLevelShifts[0] | uintptr(ptIdx)<<pageLevelShifts[1]
			fmt.Fprintf(w, "  PT[%4d] = %08x [%s] 0x%08x -> 0x%08x\n",
				ptIdx, uint32(pte), pte.Flags(), virt, pte.Frame().Address())
			printed++
		}
	}
}
