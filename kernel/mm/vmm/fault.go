package vmm

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/alexeev-prog/KintsugiOS/kernel/irq"
	"github.com/alexeev-prog/KintsugiOS/kernel/mm"
)

// FaultInfo is the decoded form of a page fault.
type FaultInfo struct {
	Address uintptr

	// Protection is set when the page was present and the access violated
	// its permissions. A cleared flag means the page was not present.
	Protection       bool
	Write            bool
	User             bool
	ReservedBit      bool
	InstructionFetch bool
}

// DecodeFault unpacks the error code pushed by the CPU for a page fault at
// addr.
func DecodeFault(addr uintptr, errorCode uint32) FaultInfo {
	return FaultInfo{
		Address:          addr,
		Protection:       errorCode&irq.FaultProtection != 0,
		Write:            errorCode&irq.FaultWrite != 0,
		User:             errorCode&irq.FaultUser != 0,
		ReservedBit:      errorCode&irq.FaultReservedBit != 0,
		InstructionFetch: errorCode&irq.FaultInstructionFetch != 0,
	}
}

// Reason returns a human readable description of the fault cause.
func (fi FaultInfo) Reason() string {
	var parts []string

	switch {
	case fi.Protection && fi.Write:
		parts = append(parts, "page protection violation (write)")
	case fi.Protection:
		parts = append(parts, "page protection violation (read)")
	case fi.Write:
		parts = append(parts, "write to non-present page")
	default:
		parts = append(parts, "read from non-present page")
	}

	if fi.User {
		parts = append(parts, "user-mode")
	} else {
		parts = append(parts, "kernel-mode")
	}
	if fi.ReservedBit {
		parts = append(parts, "page table has reserved bit set")
	}
	if fi.InstructionFetch {
		parts = append(parts, "instruction fetch")
	}

	return strings.Join(parts, ", ")
}

func (as *AddressSpace) installFaultHandlers() {
	as.interrupts.HandleInterrupt(irq.PageFaultException, as.pageFaultHandler)
	as.interrupts.HandleInterrupt(irq.GPFException, as.generalProtectionFaultHandler)
}

// pageFaultHandler reports every page fault as unrecoverable. It must not
// allocate from the kernel heap.
func (as *AddressSpace) pageFaultHandler(regs *irq.Registers) {
	fault := DecodeFault(as.mmu.FaultAddress(), regs.Info)

	var details bytes.Buffer
	fmt.Fprintf(&details, "Page fault while accessing address: 0x%08x\nReason: %s\n", fault.Address, fault.Reason())
	as.describeMapping(&details, fault.Address)
	details.WriteString("\nRegisters:\n")
	regs.DumpTo(&details)

	as.log.WithField("addr", fmt.Sprintf("0x%08x", fault.Address)).Error("unrecoverable page fault")
	as.panicSink.Panic("Page fault", errUnrecoverableFault, details.String())
}

func (as *AddressSpace) generalProtectionFaultHandler(regs *irq.Registers) {
	var details bytes.Buffer
	fmt.Fprintf(&details, "General protection fault (error code 0x%x)\n", regs.Info)
	details.WriteString("\nRegisters:\n")
	regs.DumpTo(&details)

	as.panicSink.Panic("General protection fault", errUnrecoverableFault, details.String())
}

// describeMapping writes the directory and table entries that cover addr.
func (as *AddressSpace) describeMapping(w *bytes.Buffer, addr uintptr) {
	if addr > maxVirtAddr {
		return
	}

	pdIdx, ptIdx := pdIndex(addr), ptIndex(addr)
	pde := as.current.tablesPhysical[pdIdx]
	fmt.Fprintf(w, "PDE[%d] = %08x [%s]\n", pdIdx, uint32(pde), pde.Flags())

	if table := as.current.tables[pdIdx]; table != nil {
		pte := table[ptIdx]
		fmt.Fprintf(w, "PTE[%d] = %08x [%s] frame 0x%08x\n", ptIdx, uint32(pte), pte.Flags(), pte.Frame().Address())
	} else {
		fmt.Fprintf(w, "page table for page 0x%08x is not present\n", mm.PageFromAddress(addr).Address())
	}
}

// raisePageFault latches addr into CR2 and delivers a page fault with the
// supplied error code.
func (as *AddressSpace) raisePageFault(addr uintptr, errorCode uint32) {
	if latch, ok := as.mmu.(faultLatch); ok {
		latch.RaiseFault(addr)
	}

	as.interrupts.Dispatch(&irq.Registers{
		Vector: irq.PageFaultException,
		Info:   errorCode,
	})
}
